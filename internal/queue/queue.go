// Package queue hands queued job IDs from the API to the worker pool in
// first-in first-out order.
package queue

import (
	"context"

	"github.com/google/uuid"
)

// Queue defines the interface for job queue operations.
type Queue interface {
	// Enqueue appends a job ID to the tail of the queue.
	Enqueue(ctx context.Context, id uuid.UUID) error

	// Dequeue blocks until a job ID is available or the wait times out.
	// ok is false on timeout or when the context is cancelled.
	Dequeue(ctx context.Context) (id uuid.UUID, ok bool, err error)

	// Depth returns the current number of IDs waiting in the queue.
	Depth(ctx context.Context) (int64, error)
}
