// Package health runs readiness checks on the prover node's local dependencies
package health

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const checkTimeout = 3 * time.Second

// CheckFunc returns nil when the component is healthy
type CheckFunc func(ctx context.Context) error

type registeredCheck struct {
	component string
	critical  bool
	fn        CheckFunc
}

// Checker performs health checks on registered components
type Checker struct {
	logger *zap.Logger

	mu     sync.RWMutex
	checks []registeredCheck
}

// NewChecker creates a new health checker
func NewChecker(logger *zap.Logger) *Checker {
	return &Checker{logger: logger}
}

// CheckResult represents the result of a health check
type CheckResult struct {
	Component string        `json:"component"`
	Healthy   bool          `json:"healthy"`
	Critical  bool          `json:"critical"`
	Message   string        `json:"message,omitempty"`
	Duration  time.Duration `json:"duration_ms"`
}

// SystemHealth represents overall node health
type SystemHealth struct {
	Healthy bool          `json:"healthy"`
	Checks  []CheckResult `json:"checks"`
}

// Register adds a check. Failing non-critical checks are reported but do not
// make the node unhealthy.
func (h *Checker) Register(component string, critical bool, fn CheckFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, registeredCheck{component: component, critical: critical, fn: fn})
}

// CheckAll runs every registered check
func (h *Checker) CheckAll(ctx context.Context) *SystemHealth {
	h.mu.RLock()
	checks := append([]registeredCheck(nil), h.checks...)
	h.mu.RUnlock()

	results := make([]CheckResult, 0, len(checks))
	allHealthy := true

	for _, c := range checks {
		result := h.run(ctx, c)
		results = append(results, result)
		if result.Healthy {
			continue
		}
		if c.critical {
			allHealthy = false
		} else {
			h.logger.Warn("Component unhealthy, but continuing (non-critical)",
				zap.String("component", c.component),
				zap.String("message", result.Message),
			)
		}
	}

	return &SystemHealth{
		Healthy: allHealthy,
		Checks:  results,
	}
}

func (h *Checker) run(ctx context.Context, c registeredCheck) CheckResult {
	start := time.Now()
	result := CheckResult{
		Component: c.component,
		Critical:  c.critical,
	}

	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	if err := c.fn(checkCtx); err != nil {
		result.Message = err.Error()
		result.Duration = time.Since(start)
		return result
	}

	result.Healthy = true
	result.Message = "ok"
	result.Duration = time.Since(start)
	return result
}

// WaitForHealthy blocks until all critical components are healthy, maxWait
// passes or ctx is cancelled
func (h *Checker) WaitForHealthy(ctx context.Context, maxWait time.Duration) error {
	deadline := time.Now().Add(maxWait)
	attempt := 0

	for {
		attempt++
		health := h.CheckAll(ctx)
		if health.Healthy {
			h.logger.Info("All critical components healthy")
			return nil
		}

		for _, check := range health.Checks {
			if !check.Healthy && check.Critical {
				h.logger.Warn("Component unhealthy",
					zap.String("component", check.Component),
					zap.String("message", check.Message),
					zap.Int("attempt", attempt),
				)
			}
		}

		// linear backoff, max 5s
		waitTime := time.Duration(attempt) * time.Second
		if waitTime > 5*time.Second {
			waitTime = 5 * time.Second
		}
		if time.Now().Add(waitTime).After(deadline) {
			return fmt.Errorf("health check timeout after %v", maxWait)
		}

		timer := time.NewTimer(waitTime)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// ProverBinary checks that the prover command resolves to an executable
func ProverBinary(path string) CheckFunc {
	return func(context.Context) error {
		if path == "" {
			return fmt.Errorf("prover command not configured")
		}
		resolved, err := exec.LookPath(path)
		if err != nil {
			return fmt.Errorf("prover binary not found: %w", err)
		}
		if _, err := os.Stat(resolved); err != nil {
			return fmt.Errorf("prover binary not accessible: %w", err)
		}
		return nil
	}
}

// Running reports a component as healthy while running returns true
func Running(component string, running func() bool) CheckFunc {
	return func(context.Context) error {
		if !running() {
			return fmt.Errorf("%s is not running", component)
		}
		return nil
	}
}
