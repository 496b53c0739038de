package health

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCheckAll(t *testing.T) {
	h := NewChecker(zaptest.NewLogger(t))
	h.Register("node", true, func(context.Context) error { return nil })
	h.Register("telemetry", false, func(context.Context) error { return errors.New("down") })

	health := h.CheckAll(context.Background())
	assert.True(t, health.Healthy)
	require.Len(t, health.Checks, 2)
	assert.Equal(t, "ok", health.Checks[0].Message)
	assert.False(t, health.Checks[1].Healthy)
	assert.Equal(t, "down", health.Checks[1].Message)

	h.Register("prover_binary", true, func(context.Context) error { return errors.New("missing") })
	assert.False(t, h.CheckAll(context.Background()).Healthy)
}

func TestCheckAll_Empty(t *testing.T) {
	health := NewChecker(zaptest.NewLogger(t)).CheckAll(context.Background())
	assert.True(t, health.Healthy)
	assert.Empty(t, health.Checks)
}

func TestWaitForHealthy(t *testing.T) {
	h := NewChecker(zaptest.NewLogger(t))
	h.Register("node", true, func(context.Context) error { return nil })
	assert.NoError(t, h.WaitForHealthy(context.Background(), time.Second))

	h.Register("broken", true, func(context.Context) error { return errors.New("broken") })
	err := h.WaitForHealthy(context.Background(), 500*time.Millisecond)
	assert.ErrorContains(t, err, "health check timeout")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.WaitForHealthy(ctx, time.Minute), context.Canceled)
}

func TestProverBinary(t *testing.T) {
	assert.Error(t, ProverBinary("")(context.Background()))
	assert.Error(t, ProverBinary(filepath.Join(t.TempDir(), "missing-prover"))(context.Background()))

	if runtime.GOOS == "windows" {
		t.Skip("executable bits are POSIX only")
	}
	path := filepath.Join(t.TempDir(), "prover")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	assert.NoError(t, ProverBinary(path)(context.Background()))
}

func TestRunning(t *testing.T) {
	running := true
	check := Running("prover node", func() bool { return running })
	assert.NoError(t, check(context.Background()))

	running = false
	assert.ErrorContains(t, check(context.Background()), "prover node is not running")
}
