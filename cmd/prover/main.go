// cmd/prover/main.go
// Entry point for the Nexus prover node
// The node fetches tasks from the orchestrator, proves them with an external
// prover binary and submits the proofs, pacing every request it makes

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/fengsecao/nexus-cli/internal/api/handlers"
	"github.com/fengsecao/nexus-cli/internal/api/router"
	"github.com/fengsecao/nexus-cli/internal/common/config"
	"github.com/fengsecao/nexus-cli/internal/common/health"
	"github.com/fengsecao/nexus-cli/internal/worker"
	"github.com/fengsecao/nexus-cli/internal/worker/client"
	"github.com/fengsecao/nexus-cli/internal/worker/constants"
	"github.com/fengsecao/nexus-cli/internal/worker/executor"
	"github.com/fengsecao/nexus-cli/internal/worker/pacing"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	version = "0.4.0"

	// startupTimeout bounds the wait for the prover binary to become available
	startupTimeout = 15 * time.Second
)

func main() {
	// ========================================================================
	// STEP 1: Parse Command-Line Flags
	// ========================================================================
	configPath := flag.String("config", "configs/prover.yaml", "Path to prover configuration file")
	showVersion := flag.Bool("version", false, "Display version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Nexus Prover Node v%s\n", version)
		fmt.Printf("Go Version: %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		os.Exit(0)
	}

	// ========================================================================
	// STEP 2: Load Configuration
	// ========================================================================
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// ========================================================================
	// STEP 3: Initialize Structured Logger
	// ========================================================================
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.Prover.NodeID == "" {
		cfg.Prover.NodeID = uuid.New().String()
		logger.Info("No node id configured, generated one", zap.String("node_id", cfg.Prover.NodeID))
	}
	if cfg.Prover.Command == "" {
		logger.Fatal("prover.command must be set to the prover binary")
	}

	logger.Info("Starting Nexus prover node",
		zap.String("version", version),
		zap.String("config_path", *configPath),
		zap.String("node_id", cfg.Prover.NodeID),
		zap.String("orchestrator_url", cfg.Prover.OrchestratorURL),
		zap.Int("concurrency", cfg.Prover.Concurrency),
	)

	// ========================================================================
	// STEP 4: Build Pacer, Client and Node
	// ========================================================================
	pacer := pacing.NewPacer(cfg.PacerConfig(), logger)

	orchestrator, err := client.NewOrchestratorClient(
		cfg.Prover.NodeID,
		cfg.Prover.OrchestratorURL,
		cfg.Prover.RequestTimeout,
		logger,
	)
	if err != nil {
		logger.Fatal("Failed to create orchestrator client", zap.Error(err))
	}

	node, err := worker.NewWorker(worker.Config{
		NodeID:       cfg.Prover.NodeID,
		Concurrency:  cfg.Prover.Concurrency,
		Pacer:        pacer,
		Orchestrator: orchestrator,
		Prover:       executor.NewCommandProver(cfg.Prover.Command, cfg.Prover.Args...),
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create prover node", zap.Error(err))
	}

	checker := health.NewChecker(logger)
	checker.Register("prover_binary", true, health.ProverBinary(cfg.Prover.Command))
	checker.Register("prover_node", true, health.Running("prover node", node.Ready))

	startupCtx, startupCancel := context.WithTimeout(context.Background(), startupTimeout)
	if err := checker.WaitForHealthy(startupCtx, startupTimeout); err != nil {
		startupCancel()
		logger.Fatal("Prover node dependencies unhealthy", zap.Error(err))
	}
	startupCancel()

	node.Start()

	// ========================================================================
	// STEP 5: Start Status Server
	// ========================================================================
	var statusServer *http.Server
	if cfg.Status.Enabled {
		statusHandler := handlers.NewStatusHandler(node, pacer, checker, version, logger)
		statusServer = &http.Server{
			Addr:              cfg.GetStatusAddress(),
			Handler:           router.SetupRouter(statusHandler, logger),
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		go func() {
			logger.Info("Status server listening", zap.String("address", statusServer.Addr))
			if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Status server failed", zap.Error(err))
			}
		}()
	}

	// ========================================================================
	// STEP 6: Wait for Shutdown Signal
	// ========================================================================
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	logger.Info("Shutdown signal received", zap.String("signal", sig.String()))

	// ========================================================================
	// STEP 7: Graceful Shutdown
	// ========================================================================
	// The node gets ShutdownTimeout for its own submissions; the extra margin
	// covers the status server and the pool draining
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout+5*time.Second)
	defer shutdownCancel()

	shutdownComplete := make(chan struct{})
	go func() {
		node.Stop()
		close(shutdownComplete)
	}()

	select {
	case <-shutdownComplete:
		logger.Info("Prover node shutdown completed")
	case <-shutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded, forcing termination")
	}

	if statusServer != nil {
		if err := statusServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Status server shutdown error", zap.Error(err))
		}
	}

	stats := node.GetStats()
	logger.Info("Prover node terminated",
		zap.Uint64("tasks_fetched", stats.TasksFetched),
		zap.Uint64("proofs_submitted", stats.ProofsSubmitted),
		zap.Uint64("submit_failures", stats.SubmitFailures),
	)
}

// ============================================================================
// Helper Functions
// ============================================================================

// initLogger builds the zap logger from the logging section
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Encoding = cfg.Format
	zc.Level = zap.NewAtomicLevelAt(level)

	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zc.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	zc.EncoderConfig.CallerKey = "caller"
	zc.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	return zc.Build()
}
