// Package idempotency maps client-supplied idempotency keys to the job they
// created, guarding against duplicate and conflicting submissions.
package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of a check-and-register call.
type Outcome int

const (
	// New means the key was unseen (or absent) and is now bound to the
	// candidate job ID.
	New Outcome = iota
	// Existing means the key was already bound to a job with the same body.
	Existing
	// Conflict means the key was already bound to a different body.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case Existing:
		return "existing"
	case Conflict:
		return "conflict"
	}
	return "unknown"
}

// ErrEmptyBodyHash is returned when a key is supplied without a body hash.
var ErrEmptyBodyHash = errors.New("idempotency: body hash is required")

// DefaultRetention matches the maximum job TTL.
const DefaultRetention = 168 * time.Hour

// Record is the stored binding of a key to a job.
type Record struct {
	Key       string    `json:"key"`
	BodyHash  string    `json:"body_hash"`
	JobID     uuid.UUID `json:"job_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// lifetime is how long a record registered for a job with the given TTL
// is kept. A record never outlives its job.
func lifetime(ttl, retention time.Duration) time.Duration {
	if ttl > 0 && ttl < retention {
		return ttl
	}
	return retention
}

// Store atomically checks and registers idempotency keys.
type Store interface {
	// CheckOrRegister binds key to candidate when the key is unseen. An
	// empty key always yields New with the candidate ID. For Existing the
	// returned ID is the originally registered job. The binding lasts for
	// ttl, the job's time to live, capped by the retention window.
	CheckOrRegister(ctx context.Context, key, bodyHash string, candidate uuid.UUID, ttl time.Duration) (Outcome, uuid.UUID, error)

	// Release removes a binding, used when job creation fails after the
	// key was registered.
	Release(ctx context.Context, key string) error
}
