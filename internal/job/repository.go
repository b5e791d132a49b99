package job

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UpdateFunc mutates a job while the repository holds exclusive write
// ownership of it. Returning an error discards the mutation.
type UpdateFunc func(j *Job) error

// Repository defines the persistence interface for jobs.
type Repository interface {
	// Create persists a new job. It fails if the ID is already taken.
	Create(ctx context.Context, j *Job) error

	// Get retrieves a copy of the job regardless of expiry. It returns
	// ErrNotFound when no record exists.
	Get(ctx context.Context, id uuid.UUID) (*Job, error)

	// Update applies fn to the job under a per-job exclusive lock and
	// persists the result. Concurrent updates to the same job are
	// serialized; updates to different jobs are not.
	Update(ctx context.Context, id uuid.UUID, fn UpdateFunc) (*Job, error)

	// DeleteExpired removes jobs whose expiry is at or before the given
	// time and returns their IDs.
	DeleteExpired(ctx context.Context, before time.Time) ([]uuid.UUID, error)

	// CountByStatus returns the count of jobs in each status.
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error
}
