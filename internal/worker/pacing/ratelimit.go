package pacing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SlidingWindow admits at most maxRequests within any trailing window.
// It never blocks: a denied caller asks WaitTime how long to back off.
type SlidingWindow struct {
	mu          sync.Mutex
	window      time.Duration
	maxRequests int
	timestamps  []time.Time // oldest first
}

// NewSlidingWindow creates a limiter allowing maxRequests per window
func NewSlidingWindow(maxRequests int, window time.Duration) *SlidingWindow {
	if maxRequests < 1 {
		maxRequests = 1
	}
	return &SlidingWindow{
		window:      window,
		maxRequests: maxRequests,
		timestamps:  make([]time.Time, 0, maxRequests),
	}
}

// TryAcquire records a request at now if the window has room.
// Eviction and recording happen under one lock so concurrent callers cannot
// both see the last free slot. now is expected to be non-decreasing.
func (w *SlidingWindow) TryAcquire(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)
	if len(w.timestamps) >= w.maxRequests {
		return false
	}
	w.timestamps = append(w.timestamps, now)
	return true
}

// WaitTime returns how long until a request at now would be admitted.
func (w *SlidingWindow) WaitTime(now time.Time) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)
	if len(w.timestamps) < w.maxRequests {
		return 0
	}
	// the oldest entry leaves once now is strictly past its window edge
	return w.timestamps[0].Add(w.window).Sub(now) + time.Nanosecond
}

// Len returns the number of requests inside the window ending at now.
func (w *SlidingWindow) Len(now time.Time) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)
	return len(w.timestamps)
}

// MaxRequests returns the per-window quota
func (w *SlidingWindow) MaxRequests() int { return w.maxRequests }

// Window returns the window length
func (w *SlidingWindow) Window() time.Duration { return w.window }

// evict drops timestamps older than now-window. Caller holds mu.
func (w *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// IntervalLimiter enforces a minimum spacing between requests.
// A zero interval disables it.
type IntervalLimiter struct {
	limiter  *rate.Limiter
	interval time.Duration
}

// NewIntervalLimiter allows one request per interval with no burst
func NewIntervalLimiter(interval time.Duration) *IntervalLimiter {
	l := &IntervalLimiter{interval: interval}
	if interval > 0 {
		l.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return l
}

// Ready reports whether a request at now would be allowed, and if not how
// long until it would be. It consumes nothing.
func (l *IntervalLimiter) Ready(now time.Time) (bool, time.Duration) {
	if l.limiter == nil {
		return true, 0
	}
	tokens := l.limiter.TokensAt(now)
	if tokens >= 1 {
		return true, 0
	}
	wait := time.Duration((1 - tokens) * float64(l.interval))
	if wait <= 0 {
		wait = time.Nanosecond
	}
	return false, wait
}

// Allow consumes the slot at now if available.
func (l *IntervalLimiter) Allow(now time.Time) bool {
	if l.limiter == nil {
		return true
	}
	return l.limiter.AllowN(now, 1)
}

// Interval returns the configured spacing
func (l *IntervalLimiter) Interval() time.Duration { return l.interval }
