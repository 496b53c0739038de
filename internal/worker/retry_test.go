package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fengsecao/nexus-cli/internal/worker/client"
	"github.com/fengsecao/nexus-cli/internal/worker/pacing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fixedRand uint64

func (r fixedRand) Uint64N(n uint64) uint64 {
	if uint64(r) >= n {
		return n - 1
	}
	return uint64(r)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingSleep advances the clock instead of waiting
type recordingSleep struct {
	mu     sync.Mutex
	clock  *testClock
	sleeps []time.Duration
}

func (s *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	s.mu.Unlock()
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return ctx.Err()
}

func (s *recordingSleep) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

func testPacingConfig() pacing.Config {
	cfg := pacing.DefaultConfig()
	cfg.Fetch.MinInterval = 0
	cfg.Submission.MinInterval = 0
	cfg.Queues.ReplenishDelay = 5 * time.Millisecond
	return cfg
}

func newTestRetrier(t *testing.T, cfg pacing.Config, clock *testClock) (*Retrier, *pacing.Pacer, *recordingSleep) {
	t.Helper()
	logger := zaptest.NewLogger(t)
	pacer := pacing.NewPacer(cfg, logger, pacing.WithClock(clock.Now), pacing.WithRandSource(fixedRand(0)))
	r := NewRetrier(pacer, logger)
	rec := &recordingSleep{clock: clock}
	r.sleep = rec.sleep
	return r, pacer, rec
}

func TestRetrier_SucceedsFirstTry(t *testing.T) {
	r, pacer, rec := newTestRetrier(t, testPacingConfig(), newTestClock())

	calls := 0
	err := r.Do(context.Background(), pacer.Submission(), "submit", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Empty(t, rec.recorded())
}

func TestRetrier_BacksOffThenSucceeds(t *testing.T) {
	r, pacer, rec := newTestRetrier(t, testPacingConfig(), newTestClock())

	calls := 0
	err := r.Do(context.Background(), pacer.Submission(), "submit", func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.recorded())
}

func TestRetrier_Exhausted(t *testing.T) {
	r, pacer, rec := newTestRetrier(t, testPacingConfig(), newTestClock())

	failure := errors.New("orchestrator unavailable")
	calls := 0
	err := r.Do(context.Background(), pacer.Fetch(), "fetch_task", func(context.Context) error {
		calls++
		return failure
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, failure)
	assert.Contains(t, err.Error(), "fetch_task")

	// one initial try plus FetchMaxRetries retries
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{2 * time.Minute, 2 * time.Minute}, rec.recorded())
}

func TestRetrier_RateLimitedUsesRetryTimeout(t *testing.T) {
	r, pacer, rec := newTestRetrier(t, testPacingConfig(), newTestClock())

	calls := 0
	err := r.Do(context.Background(), pacer.Submission(), "submit", func(context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("failed to submit proof: %w", &client.RateLimitError{RetryAfter: 20 * time.Second})
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, uint64(30), pacer.RetryTimeout().Base())

	// base 30s, spread 3s, lowest jitter pick
	assert.Equal(t, []time.Duration{27 * time.Second}, rec.recorded())
}

func TestRetrier_RateLimitedCountsAsAttempt(t *testing.T) {
	r, pacer, _ := newTestRetrier(t, testPacingConfig(), newTestClock())

	calls := 0
	err := r.Do(context.Background(), pacer.Fetch(), "fetch_task", func(context.Context) error {
		calls++
		return &client.RateLimitError{}
	})

	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.ErrorIs(t, err, client.ErrRateLimited)
	assert.Equal(t, 3, calls)
}

func TestRetrier_PermanentErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"rejected", fmt.Errorf("%w: status 400: bad proof", client.ErrRejected)},
		{"no task", client.ErrNoTaskAvailable},
		{"canceled", context.Canceled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, pacer, rec := newTestRetrier(t, testPacingConfig(), newTestClock())

			calls := 0
			err := r.Do(context.Background(), pacer.Submission(), "submit", func(context.Context) error {
				calls++
				return tt.err
			})

			assert.ErrorIs(t, err, tt.err)
			assert.NotErrorIs(t, err, ErrRetriesExhausted)
			assert.Equal(t, 1, calls)
			assert.Empty(t, rec.recorded())
		})
	}
}

func TestRetrier_ContextCancelled(t *testing.T) {
	r, pacer, _ := newTestRetrier(t, testPacingConfig(), newTestClock())

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := r.Do(ctx, pacer.Submission(), "submit", func(context.Context) error {
		calls++
		cancel()
		return errors.New("interrupted")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetrier_AdmissionWaitIsNotAnAttempt(t *testing.T) {
	cfg := testPacingConfig()
	cfg.Submission.MaxRequests = 1
	cfg.Submission.Window = 10 * time.Second
	cfg.Submission.MaxRetries = 1

	clock := newTestClock()
	r, pacer, rec := newTestRetrier(t, cfg, clock)

	calls := 0
	err := r.Do(context.Background(), pacer.Submission(), "submit", func(context.Context) error {
		calls++
		if calls == 1 {
			return errors.New("timeout")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// backoff, then the window wait for the first request to age out
	assert.Equal(t, []time.Duration{time.Second, 9*time.Second + time.Nanosecond}, rec.recorded())

	stats := pacer.Submission().Stats()
	assert.Equal(t, uint64(2), stats.Admitted)
	assert.Equal(t, uint64(1), stats.Denied)
}

func TestSleepContext(t *testing.T) {
	assert.NoError(t, sleepContext(context.Background(), 0))
	assert.NoError(t, sleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, sleepContext(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, sleepContext(ctx, 0), context.Canceled)
}
