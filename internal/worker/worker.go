// Prover node logic that ties together the orchestrator client, the pacer and the worker pool
// The node keeps its task queue topped up, proves tasks locally and submits the proofs

package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fengsecao/nexus-cli/internal/worker/client"
	"github.com/fengsecao/nexus-cli/internal/worker/constants"
	"github.com/fengsecao/nexus-cli/internal/worker/executor"
	"github.com/fengsecao/nexus-cli/internal/worker/pacing"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Orchestrator is the remote side of the node
type Orchestrator interface {
	FetchTask(ctx context.Context) (*client.Task, error)
	SubmitProof(ctx context.Context, result executor.TaskResult) error
}

// EventKind names an activity event
type EventKind string

const (
	EventTaskFetched    EventKind = "task_fetched"
	EventTaskDuplicate  EventKind = "task_duplicate"
	EventFetchFailed    EventKind = "fetch_failed"
	EventProofGenerated EventKind = "proof_generated"
	EventProofFailed    EventKind = "proof_failed"
	EventProofSubmitted EventKind = "proof_submitted"
	EventSubmitFailed   EventKind = "submit_failed"
)

// Event is one line of node activity
type Event struct {
	Time    time.Time `json:"time"`
	Kind    EventKind `json:"kind"`
	TaskID  string    `json:"task_id,omitempty"`
	Message string    `json:"message,omitempty"`
}

// Worker represents a prover node
// It owns the fetch loop, the worker pool and the submission loop
type Worker struct {
	id           string
	orchestrator Orchestrator
	pool         *executor.WorkerPool
	pacer        *pacing.Pacer
	retrier      *Retrier
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *zap.Logger

	events      chan Event
	activityMu  sync.Mutex
	activity    []Event
	maxActivity int

	fetched       *atomic.Uint64
	duplicates    *atomic.Uint64
	proved        *atomic.Uint64
	proofFailures *atomic.Uint64
	submitted     *atomic.Uint64
	submitFailed  *atomic.Uint64
	eventsDropped *atomic.Uint64

	ctx          context.Context
	cancel       context.CancelFunc
	submitCtx    context.Context
	submitCancel context.CancelFunc
	fetchDone    chan struct{}
	submitDone   chan struct{}
	started      *atomic.Bool
	stopOnce     sync.Once
}

// Config holds prover node configuration
type Config struct {
	NodeID       string
	Concurrency  int
	Pacer        *pacing.Pacer
	Orchestrator Orchestrator
	Prover       executor.Prover
}

// NewWorker creates a prover node with the specified configuration
func NewWorker(cfg Config, logger *zap.Logger) (*Worker, error) {
	if cfg.Pacer == nil {
		return nil, fmt.Errorf("pacer is required")
	}
	if cfg.Orchestrator == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if cfg.Prover == nil {
		return nil, fmt.Errorf("prover is required")
	}

	logger = logger.With(zap.String("node_id", cfg.NodeID))
	caps := cfg.Pacer.Capacities()

	pool := executor.NewWorkerPool(cfg.Prover, cfg.Concurrency, caps.TaskQueue, caps.ResultQueue, logger)

	ctx, cancel := context.WithCancel(context.Background())
	submitCtx, submitCancel := context.WithCancel(context.Background())

	return &Worker{
		id:           cfg.NodeID,
		orchestrator: cfg.Orchestrator,
		pool:         pool,
		pacer:        cfg.Pacer,
		retrier:      NewRetrier(cfg.Pacer, logger),
		sleep:        sleepContext,
		logger:       logger,

		events:      make(chan Event, caps.EventQueue),
		maxActivity: constants.MaxActivityLogs,

		fetched:       atomic.NewUint64(0),
		duplicates:    atomic.NewUint64(0),
		proved:        atomic.NewUint64(0),
		proofFailures: atomic.NewUint64(0),
		submitted:     atomic.NewUint64(0),
		submitFailed:  atomic.NewUint64(0),
		eventsDropped: atomic.NewUint64(0),

		ctx:          ctx,
		cancel:       cancel,
		submitCtx:    submitCtx,
		submitCancel: submitCancel,
		fetchDone:    make(chan struct{}),
		submitDone:   make(chan struct{}),
		started:      atomic.NewBool(false),
	}, nil
}

// Start launches the worker pool and the fetch and submission loops
func (w *Worker) Start() {
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	w.logger.Info("Starting prover node")

	w.pool.Start()

	go func() {
		defer close(w.submitDone)
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Submission loop panic - proofs may be lost",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		w.submissionLoop()
	}()

	go func() {
		defer close(w.fetchDone)
		defer func() {
			if r := recover(); r != nil {
				w.logger.Error("Fetch loop panic - no new tasks will be fetched",
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		w.fetchLoop()
	}()

	w.logger.Info("Prover node started")
}

// Stop stops fetching, lets queued tasks finish proving and waits for their
// proofs to be submitted. Submissions still pending after ShutdownTimeout are
// abandoned.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping prover node")

		w.cancel()
		if !w.started.Load() {
			w.submitCancel()
			return
		}
		<-w.fetchDone

		w.pool.Stop()

		timer := time.NewTimer(constants.ShutdownTimeout)
		defer timer.Stop()
		select {
		case <-w.submitDone:
		case <-timer.C:
			w.logger.Warn("Shutdown timeout reached, abandoning pending submissions")
			w.submitCancel()
			<-w.submitDone
		}
		w.submitCancel()

		w.logger.Info("Prover node stopped")
	})
}

// Events returns the activity event channel. Events are dropped when nobody
// drains it fast enough.
func (w *Worker) Events() <-chan Event {
	return w.events
}

// fetchLoop keeps the task queue above the low-water mark
func (w *Worker) fetchLoop() {
	rep := newReplenisher(w.pacer.Capacities())

	for {
		if w.ctx.Err() != nil {
			w.logger.Info("Fetch loop terminated")
			return
		}

		wait, fetch := rep.next(w.pool.QueuedTasks())
		if !fetch {
			_ = w.sleep(w.ctx, wait)
			continue
		}

		if !w.fetchOne() {
			// nothing enqueued; wait a full replenish delay before asking again
			rep.idle()
		}
	}
}

// replenisher decides when the fetch loop asks the orchestrator for work.
// The queue is filled straight away at startup. Once it has been above the
// low-water mark, dropping back to it starts a ReplenishDelay debounce before
// the next fetch, so a burst of finished tasks does not turn into a burst of
// fetches.
type replenisher struct {
	caps    pacing.QueueCapacities
	filling bool
}

func newReplenisher(caps pacing.QueueCapacities) *replenisher {
	return &replenisher{caps: caps, filling: true}
}

// next returns how long to wait before the next step, or fetch=true when the
// loop should fetch now.
func (r *replenisher) next(depth int) (wait time.Duration, fetch bool) {
	if !r.caps.NeedsReplenish(depth) {
		r.filling = false
		return constants.QueuePollInterval, false
	}
	if !r.filling {
		r.filling = true
		return r.caps.ReplenishDelay, false
	}
	return 0, true
}

// idle ends the current fill after a fetch that enqueued nothing
func (r *replenisher) idle() {
	r.filling = false
}

// fetchOne fetches a single task and hands it to the pool. It reports whether
// a task was enqueued.
func (w *Worker) fetchOne() bool {
	var task *client.Task
	err := w.retrier.Do(w.ctx, w.pacer.Fetch(), "fetch_task", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, constants.OrchestratorRequestTimeout)
		defer cancel()

		t, err := w.orchestrator.FetchTask(ctx)
		if err != nil {
			return err
		}
		task = t
		return nil
	})

	switch {
	case err == nil:
	case w.ctx.Err() != nil:
		return false
	case errors.Is(err, client.ErrNoTaskAvailable):
		w.logger.Debug("No task available")
		return false
	default:
		w.logger.Warn("Failed to fetch task", zap.Error(err))
		w.emit(Event{Kind: EventFetchFailed, Message: err.Error()})
		return false
	}

	if w.pacer.IsDuplicate(task.ID) {
		w.duplicates.Inc()
		w.logger.Info("Skipping recently completed task",
			zap.String("task_id", task.ID),
		)
		w.emit(Event{Kind: EventTaskDuplicate, TaskID: task.ID})
		return false
	}

	w.fetched.Inc()
	w.emit(Event{Kind: EventTaskFetched, TaskID: task.ID, Message: task.ProgramID})

	err = w.pool.Submit(w.ctx, executor.Task{
		ID:           task.ID,
		ProgramID:    task.ProgramID,
		PublicInputs: task.PublicInputs,
		CreatedAt:    task.CreatedAt,
	})
	if err != nil {
		w.logger.Error("Failed to submit task to pool",
			zap.String("task_id", task.ID),
			zap.Error(err),
		)
		return false
	}
	return true
}

// submissionLoop drains the pool's results and submits each proof
// The loop ends when the pool closes its result channel
func (w *Worker) submissionLoop() {
	for result := range w.pool.Results() {
		if !result.Success {
			w.proofFailures.Inc()
			w.logger.Error("Proof generation failed",
				zap.String("task_id", result.TaskID),
				zap.Error(result.Error),
			)
			w.emit(Event{Kind: EventProofFailed, TaskID: result.TaskID, Message: errorMessage(result.Error)})
			continue
		}

		w.proved.Inc()
		w.emit(Event{Kind: EventProofGenerated, TaskID: result.TaskID, Message: result.Duration.String()})

		if w.pacer.IsDuplicate(result.TaskID) {
			w.duplicates.Inc()
			w.logger.Info("Proof already accepted, skipping submission",
				zap.String("task_id", result.TaskID),
			)
			continue
		}

		w.submit(result)
	}

	w.logger.Info("Submission loop terminated")
}

func (w *Worker) submit(result executor.TaskResult) {
	err := w.retrier.Do(w.submitCtx, w.pacer.Submission(), "submit_proof", func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, constants.OrchestratorRequestTimeout)
		defer cancel()
		return w.orchestrator.SubmitProof(ctx, result)
	})
	if err != nil {
		w.submitFailed.Inc()
		w.logger.Error("Failed to submit proof - result may be lost",
			zap.String("task_id", result.TaskID),
			zap.Error(err),
		)
		w.emit(Event{Kind: EventSubmitFailed, TaskID: result.TaskID, Message: err.Error()})
		return
	}

	w.pacer.MarkCompleted(result.TaskID)
	w.submitted.Inc()

	w.logger.Info("Proof submitted",
		zap.String("task_id", result.TaskID),
		zap.Duration("duration", result.Duration),
	)
	w.emit(Event{Kind: EventProofSubmitted, TaskID: result.TaskID})
}

// emit records an event in the activity log and offers it on the event channel
func (w *Worker) emit(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	w.activityMu.Lock()
	if len(w.activity) >= w.maxActivity {
		w.activity = append(w.activity[:0], w.activity[1:]...)
	}
	w.activity = append(w.activity, e)
	w.activityMu.Unlock()

	select {
	case w.events <- e:
	default:
		w.eventsDropped.Inc()
	}
}

// Activity returns the most recent events, oldest first
func (w *Worker) Activity() []Event {
	w.activityMu.Lock()
	defer w.activityMu.Unlock()

	out := make([]Event, len(w.activity))
	copy(out, w.activity)
	return out
}

// Ready reports whether the node is running
func (w *Worker) Ready() bool {
	return w.ctx.Err() == nil
}

// GetStats returns current node statistics for monitoring
func (w *Worker) GetStats() WorkerStats {
	poolStats := w.pool.GetStats()

	return WorkerStats{
		NodeID:          w.id,
		PoolConcurrency: poolStats.Concurrency,
		ActiveTasks:     poolStats.ActiveWorkers,
		QueuedTasks:     poolStats.QueuedTasks,
		PendingResults:  poolStats.PendingResults,
		TasksFetched:    w.fetched.Load(),
		Duplicates:      w.duplicates.Load(),
		ProofsGenerated: w.proved.Load(),
		ProofFailures:   w.proofFailures.Load(),
		ProofsSubmitted: w.submitted.Load(),
		SubmitFailures:  w.submitFailed.Load(),
		EventsDropped:   w.eventsDropped.Load(),
	}
}

// WorkerStats contains prover node metrics
type WorkerStats struct {
	NodeID          string `json:"node_id"`
	PoolConcurrency int    `json:"pool_concurrency"`
	ActiveTasks     int    `json:"active_tasks"`
	QueuedTasks     int    `json:"queued_tasks"`
	PendingResults  int    `json:"pending_results"`
	TasksFetched    uint64 `json:"tasks_fetched"`
	Duplicates      uint64 `json:"duplicates"`
	ProofsGenerated uint64 `json:"proofs_generated"`
	ProofFailures   uint64 `json:"proof_failures"`
	ProofsSubmitted uint64 `json:"proofs_submitted"`
	SubmitFailures  uint64 `json:"submit_failures"`
	EventsDropped   uint64 `json:"events_dropped"`
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
