// Implements bounded concurrency pattern for proof generation
// Each prover node runs one pool; the task and result queues are bounded

package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fengsecao/nexus-cli/internal/worker/constants"
	"go.uber.org/zap"
)

// ErrPoolStopped is returned when submitting to a stopped pool
var ErrPoolStopped = errors.New("worker pool is shutting down")

// Task represents a proof generation request with all necessary inputs
type Task struct {
	ID           string
	ProgramID    string
	PublicInputs []byte
	CreatedAt    time.Time
}

// TaskResult contains the outcome of proof generation
// The proof data and hash are populated only on success
type TaskResult struct {
	TaskID    string
	Success   bool
	ProofData []byte
	ProofHash string
	Error     error
	Duration  time.Duration
}

// Prover generates a proof for a single task
type Prover interface {
	Prove(ctx context.Context, task Task) ([]byte, error)
}

// WorkerPool manages a fixed number of goroutines that prove tasks concurrently
type WorkerPool struct {
	prover      Prover
	concurrency int
	logger      *zap.Logger

	tasks   chan Task
	results chan TaskResult

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	activeWorkers int
	mu            sync.Mutex

	// stopMu guards closing tasks against concurrent Submit
	stopMu  sync.RWMutex
	stopped bool
}

// NewWorkerPool creates a pool with the given concurrency and queue bounds
func NewWorkerPool(prover Prover, concurrency, taskQueueSize, resultQueueSize int, logger *zap.Logger) *WorkerPool {
	if concurrency <= 0 {
		concurrency = 1
	}
	if taskQueueSize <= 0 {
		taskQueueSize = constants.TaskQueueSize
	}
	if resultQueueSize <= 0 {
		resultQueueSize = constants.ResultQueueSize
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		prover:      prover,
		concurrency: concurrency,
		logger:      logger,

		tasks:   make(chan Task, taskQueueSize),
		results: make(chan TaskResult, resultQueueSize),

		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker goroutines
// Call Stop to gracefully shutdown the pool and wait for completion
func (wp *WorkerPool) Start() {
	wp.logger.Info("Starting worker pool",
		zap.Int("concurrency", wp.concurrency),
		zap.Int("task_queue_size", cap(wp.tasks)),
		zap.Int("result_queue_size", cap(wp.results)),
	)

	for i := 0; i < wp.concurrency; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
}

// Stop closes the task queue, waits for queued and active tasks to finish,
// then closes the result queue
func (wp *WorkerPool) Stop() {
	wp.stopMu.Lock()
	if wp.stopped {
		wp.stopMu.Unlock()
		return
	}
	wp.stopped = true
	close(wp.tasks)
	wp.stopMu.Unlock()

	wp.logger.Info("Stopping worker pool, waiting for tasks to complete")

	wp.wg.Wait()
	close(wp.results)
	wp.cancel()

	wp.logger.Info("Worker pool stopped")
}

// Submit adds a task to the queue, blocking while the queue is full
func (wp *WorkerPool) Submit(ctx context.Context, task Task) error {
	wp.stopMu.RLock()
	defer wp.stopMu.RUnlock()

	if wp.stopped {
		return ErrPoolStopped
	}

	select {
	case wp.tasks <- task:
		wp.logger.Debug("Task submitted to pool",
			zap.String("task_id", task.ID),
			zap.Int("queued", len(wp.tasks)),
		)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timeout submitting task: %w", ctx.Err())
	}
}

// Results returns the channel on which completed task results are sent
// The channel is closed when all workers have finished after Stop is called
func (wp *WorkerPool) Results() <-chan TaskResult {
	return wp.results
}

// QueuedTasks returns the number of tasks waiting for a worker
func (wp *WorkerPool) QueuedTasks() int {
	return len(wp.tasks)
}

func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	wp.logger.Debug("Worker started", zap.Int("worker_id", id))

	for task := range wp.tasks {
		wp.mu.Lock()
		wp.activeWorkers++
		wp.mu.Unlock()

		wp.logger.Info("Worker proving task",
			zap.Int("worker_id", id),
			zap.String("task_id", task.ID),
			zap.String("program_id", task.ProgramID),
		)

		result := wp.processTask(task)

		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()

		// Results are only dropped if the submitter is stuck
		timer := time.NewTimer(constants.ResultSendTimeout)
		select {
		case wp.results <- result:
			wp.logger.Info("Task proved",
				zap.Int("worker_id", id),
				zap.String("task_id", result.TaskID),
				zap.Bool("success", result.Success),
				zap.Duration("duration", result.Duration),
			)
		case <-timer.C:
			wp.logger.Error("Failed to queue result, result queue blocked",
				zap.String("task_id", result.TaskID),
			)
		}
		timer.Stop()
	}

	wp.logger.Debug("Worker stopped", zap.Int("worker_id", id))
}

func (wp *WorkerPool) processTask(task Task) TaskResult {
	startTime := time.Now()

	result := TaskResult{
		TaskID: task.ID,
	}

	proof, err := wp.prover.Prove(wp.ctx, task)
	if err != nil {
		result.Error = classifyProverError(err)
		result.Duration = time.Since(startTime)
		return result
	}

	hash := sha256.Sum256(proof)

	result.Success = true
	result.ProofData = proof
	result.ProofHash = hex.EncodeToString(hash[:])
	result.Duration = time.Since(startTime)
	return result
}

// GetStats returns current pool statistics for monitoring
func (wp *WorkerPool) GetStats() PoolStats {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	return PoolStats{
		Concurrency:    wp.concurrency,
		ActiveWorkers:  wp.activeWorkers,
		QueuedTasks:    len(wp.tasks),
		PendingResults: len(wp.results),
	}
}

// PoolStats contains current worker pool metrics
type PoolStats struct {
	Concurrency    int `json:"concurrency"`
	ActiveWorkers  int `json:"active_workers"`
	QueuedTasks    int `json:"queued_tasks"`
	PendingResults int `json:"pending_results"`
}
