package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type proverFunc func(ctx context.Context, task Task) ([]byte, error)

func (f proverFunc) Prove(ctx context.Context, task Task) ([]byte, error) { return f(ctx, task) }

func echoProver() Prover {
	return proverFunc(func(_ context.Context, task Task) ([]byte, error) {
		return []byte("proof:" + task.ID), nil
	})
}

func collect(t *testing.T, results <-chan TaskResult, n int) map[string]TaskResult {
	t.Helper()
	out := make(map[string]TaskResult, n)
	for len(out) < n {
		select {
		case r := <-results:
			out[r.TaskID] = r
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for results, got %d of %d", len(out), n)
		}
	}
	return out
}

func TestWorkerPool_ProvesTasks(t *testing.T) {
	pool := NewWorkerPool(echoProver(), 3, 10, 10, zaptest.NewLogger(t))
	pool.Start()
	defer pool.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{ID: fmt.Sprintf("t%d", i)}))
	}

	results := collect(t, pool.Results(), 5)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		r := results[id]
		assert.True(t, r.Success)
		assert.NoError(t, r.Error)
		assert.Equal(t, []byte("proof:"+id), r.ProofData)

		sum := sha256.Sum256(r.ProofData)
		assert.Equal(t, hex.EncodeToString(sum[:]), r.ProofHash)
	}
}

func TestWorkerPool_FailedProof(t *testing.T) {
	prover := proverFunc(func(context.Context, Task) ([]byte, error) {
		return nil, &ProverExitError{Code: 137}
	})
	pool := NewWorkerPool(prover, 1, 1, 1, zaptest.NewLogger(t))
	pool.Start()
	defer pool.Stop()

	require.NoError(t, pool.Submit(context.Background(), Task{ID: "oom"}))

	r := collect(t, pool.Results(), 1)["oom"]
	assert.False(t, r.Success)
	assert.Empty(t, r.ProofData)
	assert.ErrorIs(t, r.Error, ErrProverOutOfMemory)

	var exitErr *ProverExitError
	require.ErrorAs(t, r.Error, &exitErr)
	assert.Equal(t, 137, exitErr.Code)
}

func TestWorkerPool_BoundedQueue(t *testing.T) {
	release := make(chan struct{})
	prover := proverFunc(func(context.Context, Task) ([]byte, error) {
		<-release
		return []byte("p"), nil
	})
	pool := NewWorkerPool(prover, 1, 2, 10, zaptest.NewLogger(t))
	pool.Start()

	// one task held by the worker, two queued
	require.NoError(t, pool.Submit(context.Background(), Task{ID: "a"}))
	require.Eventually(t, func() bool { return pool.GetStats().ActiveWorkers == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(context.Background(), Task{ID: "b"}))
	require.NoError(t, pool.Submit(context.Background(), Task{ID: "c"}))
	assert.Equal(t, 2, pool.QueuedTasks())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, Task{ID: "d"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	collect(t, pool.Results(), 3)
	pool.Stop()
}

func TestWorkerPool_StopDrainsAndRejects(t *testing.T) {
	pool := NewWorkerPool(echoProver(), 2, 10, 10, zaptest.NewLogger(t))
	pool.Start()

	for i := 0; i < 4; i++ {
		require.NoError(t, pool.Submit(context.Background(), Task{ID: fmt.Sprintf("t%d", i)}))
	}
	pool.Stop()
	pool.Stop()

	count := 0
	for range pool.Results() {
		count++
	}
	assert.Equal(t, 4, count)

	err := pool.Submit(context.Background(), Task{ID: "late"})
	assert.True(t, errors.Is(err, ErrPoolStopped))
}

func TestCommandProver(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}

	t.Run("reads inputs and returns stdout", func(t *testing.T) {
		p := NewCommandProver(sh, "-c", `printf '%s:' "$NEXUS_TASK_ID"; cat`)
		proof, err := p.Prove(context.Background(), Task{ID: "t1", PublicInputs: []byte("inputs")})
		require.NoError(t, err)
		assert.Equal(t, "t1:inputs", string(proof))
	})

	t.Run("exit codes are preserved", func(t *testing.T) {
		p := NewCommandProver(sh, "-c", "echo boom >&2; exit 3")
		_, err := p.Prove(context.Background(), Task{ID: "t2"})

		var exitErr *ProverExitError
		require.ErrorAs(t, err, &exitErr)
		assert.Equal(t, 3, exitErr.Code)
		assert.Equal(t, "boom", exitErr.Stderr)
		assert.Contains(t, err.Error(), "internal error")
	})

	t.Run("suspected oom is classified", func(t *testing.T) {
		p := NewCommandProver(sh, "-c", "exit 137")
		_, err := p.Prove(context.Background(), Task{ID: "t3"})
		require.Error(t, err)
		assert.ErrorIs(t, classifyProverError(err), ErrProverOutOfMemory)
	})

	t.Run("empty output is an error", func(t *testing.T) {
		p := NewCommandProver(sh, "-c", "true")
		_, err := p.Prove(context.Background(), Task{ID: "t4"})
		assert.Error(t, err)
	})
}
