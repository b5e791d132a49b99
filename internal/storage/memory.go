package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/palette-engine/internal/job"
)

type memoryEntry struct {
	mu      sync.Mutex
	job     *job.Job
	deleted bool
}

// MemoryJobRepository implements job.Repository in process memory. The map
// lock only guards membership; each record carries its own lock so writers
// to one job never block readers of another.
type MemoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*memoryEntry
}

// NewMemoryJobRepository creates an empty in-memory repository.
func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[uuid.UUID]*memoryEntry)}
}

// Create stores a copy of the job.
func (r *MemoryJobRepository) Create(_ context.Context, j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[j.ID]; ok {
		return fmt.Errorf("job %s already exists", j.ID)
	}
	r.jobs[j.ID] = &memoryEntry{job: j.Clone()}
	return nil
}

func (r *MemoryJobRepository) entry(id uuid.UUID) (*memoryEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	return e, ok
}

// Get returns a copy of the job.
func (r *MemoryJobRepository) Get(_ context.Context, id uuid.UUID) (*job.Job, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, job.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, job.ErrNotFound
	}
	return e.job.Clone(), nil
}

// Update applies fn to a private copy under the record lock and swaps it in
// only when fn succeeds.
func (r *MemoryJobRepository) Update(ctx context.Context, id uuid.UUID, fn job.UpdateFunc) (*job.Job, error) {
	e, ok := r.entry(id)
	if !ok {
		return nil, job.ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, job.ErrNotFound
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	next := e.job.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	e.job = next
	return next.Clone(), nil
}

// DeleteExpired removes every job whose expiry is at or before the given time.
func (r *MemoryJobRepository) DeleteExpired(_ context.Context, before time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []uuid.UUID
	for id, e := range r.jobs {
		e.mu.Lock()
		if !before.Before(e.job.ExpiresAt) {
			e.deleted = true
			delete(r.jobs, id)
			ids = append(ids, id)
		}
		e.mu.Unlock()
	}
	return ids, nil
}

// CountByStatus returns the count of jobs grouped by status.
func (r *MemoryJobRepository) CountByStatus(_ context.Context) (map[job.Status]int64, error) {
	r.mu.RLock()
	entries := make([]*memoryEntry, 0, len(r.jobs))
	for _, e := range r.jobs {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	counts := make(map[job.Status]int64)
	for _, e := range entries {
		e.mu.Lock()
		if !e.deleted {
			counts[e.job.Status]++
		}
		e.mu.Unlock()
	}
	return counts, nil
}

// Ping always succeeds for the in-memory repository.
func (r *MemoryJobRepository) Ping(context.Context) error {
	return nil
}
