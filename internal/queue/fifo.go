package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrQueueFull is returned by Enqueue once the queue holds its capacity.
var ErrQueueFull = errors.New("queue full")

// FIFO is a bounded in-memory queue of task ids shared by the intake path and all workers.
type FIFO struct {
	mu       sync.Mutex
	pending  []string
	capacity int
	// ready holds one token per pending id so Dequeue can select on ctx.
	ready chan struct{}
}

// NewFIFO builds a queue bounded at capacity items.
func NewFIFO(capacity int) *FIFO {
	if capacity < 1 {
		capacity = 1
	}
	return &FIFO{
		pending:  make([]string, 0, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, capacity),
	}
}

// Enqueue appends id at the tail without blocking.
func (q *FIFO) Enqueue(id string) error {
	q.mu.Lock()
	if len(q.pending) >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf("%w: %d tasks waiting", ErrQueueFull, q.capacity)
	}
	q.pending = append(q.pending, id)
	q.mu.Unlock()
	q.ready <- struct{}{}
	return nil
}

// Dequeue pops the head, blocking while the queue is empty.
func (q *FIFO) Dequeue(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-q.ready:
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	id := q.pending[0]
	q.pending[0] = ""
	q.pending = q.pending[1:]
	return id, nil
}

// Len returns the number of waiting ids.
func (q *FIFO) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Capacity returns the configured bound.
func (q *FIFO) Capacity() int {
	return q.capacity
}

// Position returns the 1-based position of id, or 0 if it is not waiting.
func (q *FIFO) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, p := range q.pending {
		if p == id {
			return i + 1
		}
	}
	return 0
}

// Snapshot returns the waiting ids in dequeue order.
func (q *FIFO) Snapshot() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.pending...)
}
