package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is an unbounded in-process FIFO queue.
type MemoryQueue struct {
	mu      sync.Mutex
	items   []uuid.UUID
	notify  chan struct{}
	timeout time.Duration
}

// NewMemoryQueue creates an empty queue. Dequeue waits at most timeout
// before reporting that nothing is available.
func NewMemoryQueue(timeout time.Duration) *MemoryQueue {
	if timeout <= 0 {
		timeout = dequeueTimeout
	}
	return &MemoryQueue{
		notify:  make(chan struct{}, 1),
		timeout: timeout,
	}
}

// Enqueue appends the ID and wakes one waiting consumer.
func (q *MemoryQueue) Enqueue(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	q.items = append(q.items, id)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the oldest ID, waiting up to the queue timeout.
func (q *MemoryQueue) Dequeue(ctx context.Context) (uuid.UUID, bool, error) {
	timer := time.NewTimer(q.timeout)
	defer timer.Stop()

	for {
		if id, ok := q.pop(); ok {
			return id, true, nil
		}
		select {
		case <-ctx.Done():
			return uuid.Nil, false, nil
		case <-timer.C:
			return uuid.Nil, false, nil
		case <-q.notify:
		}
	}
}

// Depth returns the number of queued IDs.
func (q *MemoryQueue) Depth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

func (q *MemoryQueue) pop() (uuid.UUID, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return uuid.Nil, false
	}
	id := q.items[0]
	q.items[0] = uuid.Nil
	q.items = q.items[1:]

	// Pass the wake-up on so other consumers see the remaining items.
	if len(q.items) > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return id, true
}
