package recovery

import (
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"
)

const (
	KindTask   = "task"
	KindWorker = "worker"
)

// DeadLetterEntry is an unrecoverable task or worker held for operator
// action. Entries are immutable and leave the queue only through an explicit
// retry or delete.
type DeadLetterEntry struct {
	Key             string                 `json:"key"`
	Kind            string                 `json:"kind"`
	WorkerID        string                 `json:"workerId"`
	ModuleID        string                 `json:"moduleId,omitempty"`
	WorkflowID      string                 `json:"workflowId,omitempty"`
	Error           string                 `json:"error"`
	Category        string                 `json:"category"`
	OriginalMessage map[string]interface{} `json:"originalMessage,omitempty"`
	EnqueuedAt      time.Time              `json:"enqueuedAt"`
}

// DeadLetterFilter narrows List output. Zero fields match everything.
type DeadLetterFilter struct {
	Kind     string
	WorkerID string
	Category string
}

func (f DeadLetterFilter) matches(e DeadLetterEntry) bool {
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.WorkerID != "" && e.WorkerID != f.WorkerID {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	return true
}

// DeadLetterQueue is an insertion-ordered map keyed by entry key, so a
// chronically failing worker occupies one slot instead of flooding the queue.
type DeadLetterQueue struct {
	mu      sync.RWMutex
	entries *linkedhashmap.Map
}

func NewDeadLetterQueue() *DeadLetterQueue {
	return &DeadLetterQueue{entries: linkedhashmap.New()}
}

// Add enqueues the entry. An existing entry under the same key is kept; the
// first failure context is usually the most useful one.
func (q *DeadLetterQueue) Add(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.entries.Get(entry.Key); exists {
		return
	}
	q.entries.Put(entry.Key, entry)
}

func (q *DeadLetterQueue) Get(key string) (DeadLetterEntry, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	raw, ok := q.entries.Get(key)
	if !ok {
		return DeadLetterEntry{}, false
	}
	return raw.(DeadLetterEntry), true
}

// List returns matching entries in insertion order.
func (q *DeadLetterQueue) List(filter DeadLetterFilter) []DeadLetterEntry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]DeadLetterEntry, 0, q.entries.Size())
	for _, raw := range q.entries.Values() {
		entry, ok := raw.(DeadLetterEntry)
		if ok && filter.matches(entry) {
			out = append(out, entry)
		}
	}
	return out
}

func (q *DeadLetterQueue) Delete(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.entries.Get(key); !ok {
		return false
	}
	q.entries.Remove(key)
	return true
}

func (q *DeadLetterQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.entries.Size()
}
