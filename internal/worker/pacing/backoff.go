package pacing

import (
	"math"
	"time"
)

// minBackoffDelay keeps a misconfigured policy from producing a zero sleep
const minBackoffDelay = time.Millisecond

// BackoffPolicy maps a failure count to the wait before the next attempt.
// The zero Multiplier gives a flat delay: every retry waits InitialDelay.
type BackoffPolicy struct {
	Name         string
	InitialDelay time.Duration
	MaxRetries   uint32

	// Multiplier > 1 grows the delay per attempt, capped by MaxDelay when set.
	Multiplier float64
	MaxDelay   time.Duration
}

// FetchBackoff returns the task fetch policy: a long flat delay and few
// retries, leaving the fetch loop to poll again later.
func FetchBackoff(cfg PolicyConfig) BackoffPolicy {
	return newBackoffPolicy(PolicyFetch, cfg)
}

// SubmissionBackoff returns the proof submission policy: short delay, more
// retries, since a dropped submission loses a finished proof.
func SubmissionBackoff(cfg PolicyConfig) BackoffPolicy {
	return newBackoffPolicy(PolicySubmission, cfg)
}

func newBackoffPolicy(policy Policy, cfg PolicyConfig) BackoffPolicy {
	return BackoffPolicy{
		Name:         string(policy),
		InitialDelay: cfg.InitialBackoff,
		MaxRetries:   cfg.MaxRetries,
	}
}

// DelayFor returns the wait after the attempt-th consecutive failure, counting
// from zero. ok is false once MaxRetries retries have been spent; the caller
// must then surface the failure instead of retrying.
func (p BackoffPolicy) DelayFor(attempt uint32) (delay time.Duration, ok bool) {
	if p.Exhausted(attempt) {
		return 0, false
	}
	return p.delay(attempt), true
}

// Exhausted reports whether a failure at this attempt index ends the retries.
func (p BackoffPolicy) Exhausted(attempt uint32) bool {
	return attempt >= p.MaxRetries
}

func (p BackoffPolicy) delay(attempt uint32) time.Duration {
	d := p.InitialDelay
	if p.Multiplier > 1 && attempt > 0 {
		grown := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))
		switch {
		case p.MaxDelay > 0 && grown > float64(p.MaxDelay):
			d = p.MaxDelay
		case grown >= math.MaxInt64:
			d = time.Duration(math.MaxInt64)
		default:
			d = time.Duration(grown)
		}
	}
	if d < minBackoffDelay {
		d = minBackoffDelay
	}
	return d
}
