package job

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Outcome carries the payload of a terminal transition.
type Outcome struct {
	Results    []Result
	ItemErrors []ItemError
	Failure    *Failure
}

// PurgeFunc is invoked after expired jobs are garbage collected.
type PurgeFunc func(ctx context.Context, ids []uuid.UUID)

// Store is the authoritative record of job state. It layers expiry, the
// state machine and entity tags over a Repository.
type Store struct {
	repo    Repository
	logger  *zap.Logger
	now     func() time.Time
	onPurge PurgeFunc
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithPurgeHook registers a callback for garbage-collected jobs.
func WithPurgeHook(fn PurgeFunc) StoreOption {
	return func(s *Store) { s.onPurge = fn }
}

// NewStore creates a job store backed by the given repository.
func NewStore(repo Repository, logger *zap.Logger, opts ...StoreOption) *Store {
	s := &Store{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time {
	return s.now().UTC()
}

// Create allocates a new queued job. A nil id asks the store to generate one.
func (s *Store) Create(ctx context.Context, id uuid.UUID, spec Spec) (*Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	j := NewJob(id, spec, s.Now())
	if err := s.repo.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}

	s.logger.Info("job created",
		zap.String("job_id", j.ID.String()),
		zap.String("request_id", j.RequestID),
		zap.String("input_kind", string(j.Input.Kind)),
		zap.Time("expires_at", j.ExpiresAt),
	)
	return j, nil
}

// Get returns the job, or ErrExpired once it is past its expiry even if the
// record has not been purged yet.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Job, error) {
	j, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.IsExpired(s.Now()) {
		return nil, ErrExpired
	}
	return j, nil
}

// Transition atomically moves the job to a new status, applying the
// outcome payload for terminal states.
func (s *Store) Transition(ctx context.Context, id uuid.UUID, to Status, out Outcome) (*Job, error) {
	now := s.Now()
	j, err := s.repo.Update(ctx, id, func(j *Job) error {
		var err error
		switch to {
		case StatusProcessing:
			err = j.MarkProcessing(now)
		case StatusCompleted:
			err = j.MarkCompleted(out.Results, out.ItemErrors, now)
		case StatusFailed:
			f := Failure{Code: "PROCESSING_ERROR", Message: "processing failed"}
			if out.Failure != nil {
				f = *out.Failure
			}
			err = j.MarkFailed(f, now)
		case StatusCanceled:
			err = j.MarkCanceled(now)
		case StatusExpired:
			err = j.MarkExpired(now)
		default:
			err = j.TransitionTo(to, now)
		}
		if err != nil {
			return err
		}
		j.RefreshETag()
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("job transitioned",
		zap.String("job_id", id.String()),
		zap.String("request_id", j.RequestID),
		zap.String("status", string(j.Status)),
	)
	return j, nil
}

// UpdateProgress records progress for a processing job. Out-of-order lower
// values are accepted but logged and never move progress backwards.
func (s *Store) UpdateProgress(ctx context.Context, id uuid.UUID, percent int) error {
	now := s.Now()
	var anomalous bool
	var previous int
	_, err := s.repo.Update(ctx, id, func(j *Job) error {
		previous = j.Progress
		var err error
		anomalous, err = j.SetProgress(percent, now)
		if err != nil {
			return err
		}
		j.RefreshETag()
		return nil
	})
	if err != nil {
		return err
	}
	if anomalous {
		s.logger.Warn("progress moved backwards, keeping previous value",
			zap.String("job_id", id.String()),
			zap.Int("previous", previous),
			zap.Int("received", percent),
		)
	}
	return nil
}

// Cancel moves a queued or processing job to canceled.
func (s *Store) Cancel(ctx context.Context, id uuid.UUID) (*Job, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Transition(ctx, id, StatusCanceled, Outcome{})
}

// CountByStatus returns job counts per status.
func (s *Store) CountByStatus(ctx context.Context) (map[Status]int64, error) {
	return s.repo.CountByStatus(ctx)
}

// Ping checks the backing repository.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}

// Sweep deletes every job past its expiry and returns how many were removed.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	ids, err := s.repo.DeleteExpired(ctx, s.Now())
	if err != nil {
		return 0, fmt.Errorf("delete expired jobs: %w", err)
	}
	if len(ids) > 0 && s.onPurge != nil {
		s.onPurge(ctx, ids)
	}
	return len(ids), nil
}

// RunGC sweeps expired jobs on a fixed interval until ctx is cancelled.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := s.Sweep(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Error("job gc failed", zap.Error(err))
				}
				continue
			}
			if count > 0 {
				s.logger.Info("purged expired jobs", zap.Int("count", count))
			}
		}
	}
}
