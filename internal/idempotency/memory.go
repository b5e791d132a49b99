package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps idempotency records in process memory. Expired records
// are ignored on read and removed by Sweep.
type MemoryStore struct {
	mu        sync.Mutex
	records   map[string]Record
	retention time.Duration
	now       func() time.Time
}

// MemoryOption customises a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates a store that retains keys for at most the given
// window.
func NewMemoryStore(retention time.Duration, opts ...MemoryOption) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	s := &MemoryStore{
		records:   make(map[string]Record),
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CheckOrRegister implements Store.
func (s *MemoryStore) CheckOrRegister(_ context.Context, key, bodyHash string, candidate uuid.UUID, ttl time.Duration) (Outcome, uuid.UUID, error) {
	if key == "" {
		return New, candidate, nil
	}
	if bodyHash == "" {
		return New, uuid.Nil, ErrEmptyBodyHash
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.records[key]; ok && now.Before(rec.ExpiresAt) {
		if rec.BodyHash == bodyHash {
			return Existing, rec.JobID, nil
		}
		return Conflict, rec.JobID, nil
	}

	s.records[key] = Record{
		Key:       key,
		BodyHash:  bodyHash,
		JobID:     candidate,
		CreatedAt: now,
		ExpiresAt: now.Add(lifetime(ttl, s.retention)),
	}
	return New, candidate, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Sweep drops expired records.
func (s *MemoryStore) Sweep() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, key)
			removed++
		}
	}
	return removed
}

// RunSweeper calls Sweep on a fixed interval until ctx is cancelled.
func (s *MemoryStore) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}
