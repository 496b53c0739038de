package pacing

import (
	"time"

	"github.com/fengsecao/nexus-cli/internal/worker/constants"
)

// QueueCapacities bounds the pipeline queues around the pacer.
type QueueCapacities struct {
	TaskQueue   int
	EventQueue  int
	ResultQueue int

	// LowWaterMark is the task queue depth that triggers a replenishing
	// fetch, issued ReplenishDelay after the queue reaches it.
	LowWaterMark   int
	ReplenishDelay time.Duration
}

// DefaultQueueCapacities returns the compiled-in queue bounds
func DefaultQueueCapacities() QueueCapacities {
	return QueueCapacities{
		TaskQueue:      constants.TaskQueueSize,
		EventQueue:     constants.EventQueueSize,
		ResultQueue:    constants.ResultQueueSize,
		LowWaterMark:   constants.LowWaterMark,
		ReplenishDelay: constants.ReplenishDelay,
	}
}

// MaxCompletedTasks is the completed-task cache capacity, derived from the
// task queue size.
func (c QueueCapacities) MaxCompletedTasks() int {
	return constants.CompletedTasksMultiplier * c.TaskQueue
}

// NeedsReplenish reports whether a task queue at depth should be refilled.
func (c QueueCapacities) NeedsReplenish(depth int) bool {
	return depth <= c.LowWaterMark
}
