package pacing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestBackoffPolicy_Presets(t *testing.T) {
	cfg := DefaultConfig()
	fetch := FetchBackoff(cfg.Fetch)
	submission := SubmissionBackoff(cfg.Submission)

	t.Run("first failure waits the initial delay", func(t *testing.T) {
		d, ok := fetch.DelayFor(0)
		assert.True(t, ok)
		assert.Equal(t, 2*time.Minute, d)

		d, ok = submission.DelayFor(0)
		assert.True(t, ok)
		assert.Equal(t, time.Second, d)
	})

	t.Run("submission retries sooner and more often", func(t *testing.T) {
		assert.Less(t, submission.InitialDelay, fetch.InitialDelay)
		assert.Greater(t, submission.MaxRetries, fetch.MaxRetries)
		assert.Equal(t, uint32(2), fetch.MaxRetries)
		assert.Equal(t, uint32(5), submission.MaxRetries)
	})

	t.Run("lanes use the presets", func(t *testing.T) {
		p := NewPacer(cfg, zap.NewNop())
		assert.Equal(t, fetch, p.Fetch().Backoff())
		assert.Equal(t, submission, p.Submission().Backoff())
		assert.Equal(t, PolicyFetch, p.Fetch().Policy())
		assert.Equal(t, PolicySubmission, p.Submission().Policy())
	})
}

func TestBackoffPolicy_FlatDelayUntilExhausted(t *testing.T) {
	p := SubmissionBackoff(DefaultConfig().Submission)

	for attempt := uint32(0); attempt < p.MaxRetries; attempt++ {
		d, ok := p.DelayFor(attempt)
		assert.True(t, ok, "attempt %d", attempt)
		assert.Equal(t, p.InitialDelay, d, "attempt %d", attempt)
		assert.False(t, p.Exhausted(attempt))
	}

	d, ok := p.DelayFor(p.MaxRetries)
	assert.False(t, ok)
	assert.Zero(t, d)
	assert.True(t, p.Exhausted(p.MaxRetries))
	assert.True(t, p.Exhausted(p.MaxRetries+10))
}

func TestBackoffPolicy_Exponential(t *testing.T) {
	p := BackoffPolicy{
		InitialDelay: time.Second,
		MaxRetries:   10,
		Multiplier:   2,
		MaxDelay:     10 * time.Second,
	}

	expected := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
		10 * time.Second,
	}
	for attempt, want := range expected {
		d, ok := p.DelayFor(uint32(attempt))
		assert.True(t, ok)
		assert.Equal(t, want, d, "attempt %d", attempt)
	}
}

func TestBackoffPolicy_NeverZero(t *testing.T) {
	p := BackoffPolicy{MaxRetries: 1}

	d, ok := p.DelayFor(0)
	assert.True(t, ok)
	assert.Equal(t, minBackoffDelay, d)

	none := BackoffPolicy{InitialDelay: time.Second}
	_, ok = none.DelayFor(0)
	assert.False(t, ok, "a policy without retries is exhausted on the first failure")
}
