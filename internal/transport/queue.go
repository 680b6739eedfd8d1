package transport

import (
	"sync"

	"github.com/danmuck/cellmesh/internal/delta"
)

// Queue is a bounded in-process channel between two cells or a cell and a
// local witness. Producer and consumer may run on different goroutines.
type Queue struct {
	mu      sync.Mutex
	limit   int
	batches []delta.Batch
}

// NewQueue holds at most limit batches; limit <= 0 means unbounded.
func NewQueue(limit int) *Queue {
	return &Queue{limit: limit}
}

func (q *Queue) Enqueue(b delta.Batch) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.limit > 0 && len(q.batches) >= q.limit {
		return ErrQueueFull
	}
	q.batches = append(q.batches, b)
	return nil
}

// Drain takes everything queued so far, oldest first.
func (q *Queue) Drain() []delta.Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.batches
	q.batches = nil
	return out
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.batches)
}
