package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "prover.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", cfg.Prover.OrchestratorURL)
	assert.Equal(t, 1, cfg.Prover.Concurrency)

	assert.Equal(t, 2*time.Minute, cfg.Pacing.Fetch.InitialBackoff)
	assert.Equal(t, uint32(2), cfg.Pacing.Fetch.MaxRetries)
	assert.Equal(t, 60, cfg.Pacing.Fetch.MaxRequests)
	assert.Equal(t, time.Minute, cfg.Pacing.Fetch.Window)
	assert.Equal(t, 2*time.Minute, cfg.Pacing.Fetch.MinInterval)

	assert.Equal(t, time.Second, cfg.Pacing.Submission.InitialBackoff)
	assert.Equal(t, uint32(5), cfg.Pacing.Submission.MaxRetries)
	assert.Equal(t, 100, cfg.Pacing.Submission.MaxRequests)
	assert.Equal(t, 100*time.Millisecond, cfg.Pacing.Submission.MinInterval)

	assert.Equal(t, 100, cfg.Pacing.Queues.TaskQueueSize)
	assert.Equal(t, 1, cfg.Pacing.Queues.LowWaterMark)
	assert.Equal(t, 10*time.Second, cfg.Pacing.Queues.ReplenishDelay)
	assert.Equal(t, 5*time.Minute, cfg.Pacing.CacheExpiration)
	assert.Equal(t, 10*time.Second, cfg.Pacing.ExtraRetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Pacing.DefaultRetryTimeout)

	assert.Equal(t, "127.0.0.1:9091", cfg.GetStatusAddress())
	assert.True(t, cfg.IsProduction())
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
prover:
  node_id: node-7
  orchestrator_url: https://orchestrator.example.com
  concurrency: 4
pacing:
  fetch:
    max_requests: 30
    window: 30s
  submission:
    initial_backoff: 2s
  queues:
    task_queue_size: 40
logging:
  level: debug
`)

	t.Setenv("NEXUS_PACING_SUBMISSION_MAX_RETRIES", "8")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "node-7", cfg.Prover.NodeID)
	assert.Equal(t, 4, cfg.Prover.Concurrency)
	assert.Equal(t, 30, cfg.Pacing.Fetch.MaxRequests)
	assert.Equal(t, 30*time.Second, cfg.Pacing.Fetch.Window)
	assert.Equal(t, 2*time.Second, cfg.Pacing.Submission.InitialBackoff)
	assert.Equal(t, uint32(8), cfg.Pacing.Submission.MaxRetries)
	assert.False(t, cfg.IsProduction())

	pc := cfg.PacerConfig()
	assert.Equal(t, 30, pc.Fetch.MaxRequests)
	assert.Equal(t, uint32(8), pc.Submission.MaxRetries)
	assert.Equal(t, 40, pc.Queues.TaskQueue)
	assert.Equal(t, 200, pc.Queues.MaxCompletedTasks())
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "prover: [unterminated")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Prover.OrchestratorURL = "not a url"
	cfg.Prover.Concurrency = 0
	cfg.Pacing.Fetch.MaxRequests = 0
	cfg.Pacing.Submission.Window = 0
	cfg.Logging.Level = "verbose"

	err = cfg.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 5)
	assert.Contains(t, err.Error(), "pacing.fetch.max_requests")
	assert.Contains(t, err.Error(), "pacing.submission.window")
}

func TestValidate_LowWaterMark(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Pacing.Queues.LowWaterMark = cfg.Pacing.Queues.TaskQueueSize
	assert.Error(t, cfg.Validate())

	cfg.Pacing.Queues.LowWaterMark = 0
	assert.NoError(t, cfg.Validate())
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "configs", "prover.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "/usr/local/bin/nexus-prover", cfg.Prover.Command)
	assert.Equal(t, 100*time.Millisecond, cfg.Pacing.Submission.MinInterval)
	assert.Equal(t, 10*time.Second, cfg.Pacing.Queues.ReplenishDelay)
}
