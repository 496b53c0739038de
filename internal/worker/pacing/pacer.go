package pacing

import (
	"math"
	"sync"
	"time"

	"github.com/fengsecao/nexus-cli/internal/worker/constants"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Policy names one of the two request streams the client paces.
type Policy string

const (
	PolicyFetch      Policy = "task_fetch"
	PolicySubmission Policy = "proof_submission"
)

// PolicyConfig holds the backoff and admission limits of one policy.
type PolicyConfig struct {
	InitialBackoff time.Duration
	MaxRetries     uint32
	MaxRequests    int
	Window         time.Duration
	MinInterval    time.Duration
}

// Config holds everything the pacer is built from. It is read once at startup.
type Config struct {
	Fetch      PolicyConfig
	Submission PolicyConfig
	Queues     QueueCapacities

	CacheExpiration     time.Duration
	ExtraRetryDelay     time.Duration
	DefaultRetryTimeout time.Duration
}

// DefaultConfig returns the compiled-in pacing values
func DefaultConfig() Config {
	return Config{
		Fetch: PolicyConfig{
			InitialBackoff: constants.FetchInitialBackoff,
			MaxRetries:     constants.FetchMaxRetries,
			MaxRequests:    constants.FetchMaxRequestsPerWindow,
			Window:         constants.FetchWindow,
			MinInterval:    constants.FetchMinInterval,
		},
		Submission: PolicyConfig{
			InitialBackoff: constants.SubmissionInitialBackoff,
			MaxRetries:     constants.SubmissionMaxRetries,
			MaxRequests:    constants.SubmissionMaxRequestsPerWindow,
			Window:         constants.SubmissionWindow,
			MinInterval:    constants.SubmissionMinInterval,
		},
		Queues:              DefaultQueueCapacities(),
		CacheExpiration:     constants.CacheExpiration,
		ExtraRetryDelay:     constants.ExtraRetryDelay,
		DefaultRetryTimeout: constants.DefaultRetryTimeoutSeconds * time.Second,
	}
}

// Lane is the admission state of a single policy. Lanes never share state,
// so exhausting one policy's quota has no effect on the other.
type Lane struct {
	policy   Policy
	backoff  BackoffPolicy
	window   *SlidingWindow
	interval *IntervalLimiter
	now      func() time.Time

	mu       sync.Mutex
	admitted *atomic.Uint64
	denied   *atomic.Uint64
}

func newLane(backoff BackoffPolicy, cfg PolicyConfig, now func() time.Time) *Lane {
	return &Lane{
		policy:   Policy(backoff.Name),
		backoff:  backoff,
		window:   NewSlidingWindow(cfg.MaxRequests, cfg.Window),
		interval: NewIntervalLimiter(cfg.MinInterval),
		now:      now,
		admitted: atomic.NewUint64(0),
		denied:   atomic.NewUint64(0),
	}
}

// Policy returns the lane's policy name
func (l *Lane) Policy() Policy { return l.policy }

// Backoff returns the lane's backoff policy
func (l *Lane) Backoff() BackoffPolicy { return l.backoff }

// Admit checks the minimum interval and the sliding window and, when both
// allow it, records the request. When denied it returns how long to wait;
// a denial consumes nothing.
func (l *Lane) Admit() (bool, time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if ok, wait := l.interval.Ready(now); !ok {
		l.denied.Inc()
		return false, wait
	}
	if !l.window.TryAcquire(now) {
		l.denied.Inc()
		return false, l.window.WaitTime(now)
	}
	l.interval.Allow(now)
	l.admitted.Inc()
	return true, 0
}

// Stats returns a snapshot of the lane
func (l *Lane) Stats() LaneStats {
	return LaneStats{
		InWindow:           l.window.Len(l.now()),
		MaxRequests:        l.window.MaxRequests(),
		WindowSeconds:      l.window.Window().Seconds(),
		MinIntervalSeconds: l.interval.Interval().Seconds(),
		InitialBackoff:     l.backoff.InitialDelay.String(),
		MaxRetries:         l.backoff.MaxRetries,
		Admitted:           l.admitted.Load(),
		Denied:             l.denied.Load(),
	}
}

// Pacer bundles the shared retry timeout, both policy lanes and the
// completed-task cache. One Pacer is created per process and handed to every
// goroutine that talks to the orchestrator.
type Pacer struct {
	cfg        Config
	timeout    *RetryTimeout
	fetch      *Lane
	submission *Lane
	completed  *CompletedTasks
	logger     *zap.Logger
}

// Option customizes a Pacer, mostly for tests
type Option func(*pacerOptions)

type pacerOptions struct {
	now func() time.Time
	rng RandSource
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(o *pacerOptions) { o.now = now }
}

// WithRandSource replaces the jitter source
func WithRandSource(rng RandSource) Option {
	return func(o *pacerOptions) { o.rng = rng }
}

// NewPacer builds a pacer from cfg
func NewPacer(cfg Config, logger *zap.Logger, opts ...Option) *Pacer {
	o := pacerOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Pacer{
		cfg:        cfg,
		timeout:    NewRetryTimeout(durationToSeconds(cfg.DefaultRetryTimeout), o.rng),
		fetch:      newLane(FetchBackoff(cfg.Fetch), cfg.Fetch, o.now),
		submission: newLane(SubmissionBackoff(cfg.Submission), cfg.Submission, o.now),
		completed:  NewCompletedTasks(cfg.Queues.MaxCompletedTasks(), cfg.CacheExpiration, o.now),
		logger:     logger,
	}

	logger.Info("Request pacer initialized",
		zap.Int("fetch_max_requests", cfg.Fetch.MaxRequests),
		zap.Duration("fetch_window", cfg.Fetch.Window),
		zap.Duration("fetch_min_interval", cfg.Fetch.MinInterval),
		zap.Int("submission_max_requests", cfg.Submission.MaxRequests),
		zap.Duration("submission_window", cfg.Submission.Window),
		zap.Duration("submission_min_interval", cfg.Submission.MinInterval),
		zap.Int("completed_task_capacity", p.completed.Capacity()),
	)

	return p
}

// Fetch returns the task fetch lane
func (p *Pacer) Fetch() *Lane { return p.fetch }

// Submission returns the proof submission lane
func (p *Pacer) Submission() *Lane { return p.submission }

// RetryTimeout returns the shared 429 retry timeout
func (p *Pacer) RetryTimeout() *RetryTimeout { return p.timeout }

// Capacities returns the queue bounds
func (p *Pacer) Capacities() QueueCapacities { return p.cfg.Queues }

// OnRateLimited applies a server 429 answer and returns the wait to use.
// A positive retryAfter, rounded up to whole seconds and padded with the
// extra retry delay, becomes the new base timeout. Without one the current
// base is kept.
func (p *Pacer) OnRateLimited(retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		p.timeout.Set(durationToSeconds(addSaturating(retryAfter, p.cfg.ExtraRetryDelay)))
	}
	wait := p.timeout.Duration()

	p.logger.Warn("Orchestrator rate limit hit",
		zap.Duration("retry_after", retryAfter),
		zap.Uint64("base_timeout_seconds", p.timeout.Base()),
		zap.Duration("wait", wait),
	)
	return wait
}

// MarkCompleted records a task whose proof the orchestrator accepted
func (p *Pacer) MarkCompleted(taskID string) {
	p.completed.MarkCompleted(taskID)
}

// IsDuplicate reports whether a fetched task was completed recently
func (p *Pacer) IsDuplicate(taskID string) bool {
	return p.completed.IsDuplicate(taskID)
}

// Stats returns a snapshot for monitoring
func (p *Pacer) Stats() Stats {
	return Stats{
		RetryTimeoutSeconds: p.timeout.Base(),
		CompletedTasks:      p.completed.Len(),
		CompletedCapacity:   p.completed.Capacity(),
		Fetch:               p.fetch.Stats(),
		Submission:          p.submission.Stats(),
	}
}

// Stats is a point-in-time view of the pacer
type Stats struct {
	RetryTimeoutSeconds uint64    `json:"retry_timeout_seconds"`
	CompletedTasks      int       `json:"completed_tasks"`
	CompletedCapacity   int       `json:"completed_capacity"`
	Fetch               LaneStats `json:"task_fetch"`
	Submission          LaneStats `json:"proof_submission"`
}

// LaneStats is a point-in-time view of one lane
type LaneStats struct {
	InWindow           int     `json:"in_window"`
	MaxRequests        int     `json:"max_requests"`
	WindowSeconds      float64 `json:"window_seconds"`
	MinIntervalSeconds float64 `json:"min_interval_seconds"`
	InitialBackoff     string  `json:"initial_backoff"`
	MaxRetries         uint32  `json:"max_retries"`
	Admitted           uint64  `json:"admitted"`
	Denied             uint64  `json:"denied"`
}

// addSaturating adds two non-negative durations, pinning at the maximum
func addSaturating(a, b time.Duration) time.Duration {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// durationToSeconds rounds up to whole seconds
func durationToSeconds(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(math.Ceil(d.Seconds()))
}
