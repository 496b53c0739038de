package pacing

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// completedEntry is ordered by insertion sequence so the tree minimum is
// always the oldest entry.
type completedEntry struct {
	seq        uint64
	taskID     string
	insertedAt time.Time
}

func (e *completedEntry) Less(than btree.Item) bool {
	return e.seq < than.(*completedEntry).seq
}

// CompletedTasks remembers recently completed task ids so a redelivered task
// can be dropped instead of proved and submitted twice.
//
// Entries expire after ttl and are purged lazily on access. When full, the
// oldest inserted entry is evicted regardless of its age.
type CompletedTasks struct {
	mu       sync.Mutex
	capacity int
	ttl      time.Duration
	now      func() time.Time

	nextSeq uint64
	byID    map[string]*completedEntry
	order   *btree.BTree
}

// NewCompletedTasks creates a cache bounded to capacity live ids
func NewCompletedTasks(capacity int, ttl time.Duration, now func() time.Time) *CompletedTasks {
	if capacity < 1 {
		capacity = 1
	}
	if now == nil {
		now = time.Now
	}
	return &CompletedTasks{
		capacity: capacity,
		ttl:      ttl,
		now:      now,
		byID:     make(map[string]*completedEntry, capacity),
		order:    btree.New(2),
	}
}

// MarkCompleted records taskID as completed now. Marking an id again moves it
// to the newest position.
func (c *CompletedTasks) MarkCompleted(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.purgeExpired(now)

	if existing, ok := c.byID[taskID]; ok {
		c.order.Delete(existing)
		delete(c.byID, taskID)
	}

	for len(c.byID) >= c.capacity {
		oldest := c.order.DeleteMin().(*completedEntry)
		delete(c.byID, oldest.taskID)
	}

	entry := &completedEntry{seq: c.nextSeq, taskID: taskID, insertedAt: now}
	c.nextSeq++
	c.byID[taskID] = entry
	c.order.ReplaceOrInsert(entry)
}

// IsDuplicate reports whether taskID completed within the expiration window.
func (c *CompletedTasks) IsDuplicate(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired(c.now())
	_, ok := c.byID[taskID]
	return ok
}

// Len returns the number of live entries
func (c *CompletedTasks) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purgeExpired(c.now())
	return len(c.byID)
}

// Capacity returns the maximum number of live entries
func (c *CompletedTasks) Capacity() int { return c.capacity }

// purgeExpired walks from the oldest entry. Caller holds mu.
func (c *CompletedTasks) purgeExpired(now time.Time) {
	for c.order.Len() > 0 {
		oldest := c.order.Min().(*completedEntry)
		if now.Sub(oldest.insertedAt) < c.ttl {
			return
		}
		c.order.DeleteMin()
		delete(c.byID, oldest.taskID)
	}
}
