// Package pacing decides when the prover client may talk to the orchestrator.
//
// It holds the shared 429 retry timeout, the task fetch and proof submission
// backoff policies, their sliding-window and minimum-interval limiters, and the
// completed-task cache used to drop redelivered tasks. Nothing in this package
// sleeps or performs I/O: every operation returns immediately and the caller
// decides how to wait.
package pacing

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/fengsecao/nexus-cli/internal/worker/constants"
	"go.uber.org/atomic"
)

// RandSource draws uniform integers for jitter.
// Implementations must be safe for concurrent use.
type RandSource interface {
	// Uint64N returns a uniform value in [0, n). n is always > 0.
	Uint64N(n uint64) uint64
}

// runtimeRand uses the runtime's per-thread generator, so concurrent readers
// never contend on a shared lock.
type runtimeRand struct{}

func (runtimeRand) Uint64N(n uint64) uint64 { return rand.Uint64N(n) }

// RetryTimeout is the wait applied after the orchestrator answers 429.
// The stored base is never jittered; each read draws a fresh offset of up to
// +/-10% of the base, and no read returns less than one second.
type RetryTimeout struct {
	seconds *atomic.Uint64
	rng     RandSource
}

// NewRetryTimeout creates a timeout seeded with the given base in seconds.
// A nil rng selects the runtime generator.
func NewRetryTimeout(seedSeconds uint64, rng RandSource) *RetryTimeout {
	if rng == nil {
		rng = runtimeRand{}
	}
	return &RetryTimeout{
		seconds: atomic.NewUint64(seedSeconds),
		rng:     rng,
	}
}

// Set replaces the stored base timeout.
func (t *RetryTimeout) Set(seconds uint64) {
	t.seconds.Store(seconds)
}

// Base returns the stored value without jitter.
func (t *RetryTimeout) Base() uint64 {
	return t.seconds.Load()
}

// Get returns the base timeout with jitter applied, in seconds.
func (t *RetryTimeout) Get() uint64 {
	base := t.seconds.Load()
	if base <= 1 {
		return 1
	}

	spread := base / (100 / constants.RetryJitterPercent)
	if spread == 0 {
		return base
	}

	// offset in [-spread, +spread]
	result := base - spread + t.rng.Uint64N(2*spread+1)
	if result < base-spread {
		// wrapped past the top of the range
		return ^uint64(0)
	}
	if result < 1 {
		return 1
	}
	return result
}

// maxDurationSeconds is the largest whole-second count a time.Duration holds
const maxDurationSeconds = math.MaxInt64 / int64(time.Second)

// Duration is Get expressed as a time.Duration, saturating at the largest
// representable whole number of seconds.
func (t *RetryTimeout) Duration() time.Duration {
	return secondsToDuration(t.Get())
}

func secondsToDuration(seconds uint64) time.Duration {
	if seconds > uint64(maxDurationSeconds) {
		seconds = uint64(maxDurationSeconds)
	}
	return time.Duration(seconds) * time.Second
}
