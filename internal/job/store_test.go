package job_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/leejennwah/palette-engine/internal/job"
	"github.com/leejennwah/palette-engine/internal/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T) (*job.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	s := job.NewStore(storage.NewMemoryJobRepository(), zaptest.NewLogger(t), job.WithClock(clock.Now))
	return s, clock
}

func urlSpec() job.Spec {
	return job.Spec{Input: job.URLInput([]string{"https://x.test/a.png"}), RequestID: "req-1"}
}

func oneResult() []job.Result {
	return []job.Result{{Filename: "a.png", Palette: []job.Color{{1, 2, 3}}, PreviewRef: "p/a.png"}}
}

func TestStore_CreateRejectsInvalid(t *testing.T) {
	s, _ := newStore(t)
	_, err := s.Create(context.Background(), uuid.Nil, job.Spec{})
	if !errors.Is(err, job.ErrNoInput) {
		t.Errorf("expected ErrNoInput, got %v", err)
	}
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)

	j, err := s.Create(ctx, uuid.Nil, urlSpec())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	etags := map[string]bool{j.ETag: true}

	j, err = s.Transition(ctx, j.ID, job.StatusProcessing, job.Outcome{})
	if err != nil {
		t.Fatalf("transition processing: %v", err)
	}
	etags[j.ETag] = true

	if err := s.UpdateProgress(ctx, j.ID, 50); err != nil {
		t.Fatalf("progress: %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Progress != 50 {
		t.Errorf("expected progress 50, got %d", got.Progress)
	}
	etags[got.ETag] = true

	j, err = s.Transition(ctx, j.ID, job.StatusCompleted, job.Outcome{Results: oneResult()})
	if err != nil {
		t.Fatalf("transition completed: %v", err)
	}
	etags[j.ETag] = true

	if len(etags) != 4 {
		t.Errorf("expected etag to change on every mutation, saw %d distinct", len(etags))
	}
	if j.FinishedAt == nil || j.StartedAt == nil {
		t.Error("expected started_at and finished_at to be set")
	}

	if _, err := s.Transition(ctx, j.ID, job.StatusProcessing, job.Outcome{}); !errors.Is(err, job.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestStore_UpdateProgressOnlyWhileProcessing(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	j, _ := s.Create(ctx, uuid.Nil, urlSpec())

	if err := s.UpdateProgress(ctx, j.ID, 10); !errors.Is(err, job.ErrNotProcessing) {
		t.Errorf("expected ErrNotProcessing, got %v", err)
	}
}

func TestStore_LowerProgressAcceptedButKept(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	j, _ := s.Create(ctx, uuid.Nil, urlSpec())
	_, _ = s.Transition(ctx, j.ID, job.StatusProcessing, job.Outcome{})

	_ = s.UpdateProgress(ctx, j.ID, 60)
	if err := s.UpdateProgress(ctx, j.ID, 30); err != nil {
		t.Fatalf("lower progress must not be rejected: %v", err)
	}
	got, _ := s.Get(ctx, j.ID)
	if got.Progress != 60 {
		t.Errorf("expected progress 60, got %d", got.Progress)
	}
}

func TestStore_GetExpired(t *testing.T) {
	ctx := context.Background()
	s, clock := newStore(t)
	spec := urlSpec()
	spec.TTLHours = 1
	j, _ := s.Create(ctx, uuid.Nil, spec)

	clock.Advance(59 * time.Minute)
	if _, err := s.Get(ctx, j.ID); err != nil {
		t.Fatalf("expected job visible before expiry, got %v", err)
	}

	clock.Advance(time.Minute)
	if _, err := s.Get(ctx, j.ID); !errors.Is(err, job.ErrExpired) {
		t.Errorf("expected ErrExpired at expires_at, got %v", err)
	}
	if _, err := s.Get(ctx, uuid.New()); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown job, got %v", err)
	}
}

func TestStore_SweepPurges(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var purged []uuid.UUID
	s := job.NewStore(storage.NewMemoryJobRepository(), zaptest.NewLogger(t),
		job.WithClock(clock.Now),
		job.WithPurgeHook(func(_ context.Context, ids []uuid.UUID) { purged = append(purged, ids...) }),
	)

	spec := urlSpec()
	spec.TTLHours = 1
	j, _ := s.Create(ctx, uuid.Nil, spec)

	clock.Advance(2 * time.Hour)
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 || len(purged) != 1 || purged[0] != j.ID {
		t.Errorf("expected job purged, n=%d purged=%v", n, purged)
	}
}

func TestStore_Cancel(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	j, _ := s.Create(ctx, uuid.Nil, urlSpec())

	got, err := s.Cancel(ctx, j.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != job.StatusCanceled {
		t.Errorf("expected canceled, got %s", got.Status)
	}
	if _, err := s.Transition(ctx, j.ID, job.StatusProcessing, job.Outcome{}); !errors.Is(err, job.ErrInvalidTransition) {
		t.Errorf("expected canceled job to reject pickup, got %v", err)
	}
}

// TestStore_ResultsErrorInvariant drives random lifecycles and checks that
// results exist iff completed and error exists iff failed.
func TestStore_ResultsErrorInvariant(t *testing.T) {
	ctx := context.Background()
	s, _ := newStore(t)
	rng := rand.New(rand.NewSource(42))
	targets := []job.Status{
		job.StatusProcessing, job.StatusCompleted, job.StatusFailed,
		job.StatusCanceled, job.StatusExpired, job.StatusQueued,
	}

	for i := 0; i < 200; i++ {
		j, err := s.Create(ctx, uuid.Nil, urlSpec())
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		for step := 0; step < 4; step++ {
			to := targets[rng.Intn(len(targets))]
			out := job.Outcome{}
			switch rng.Intn(3) {
			case 0:
				out.Results = oneResult()
			case 1:
				out.Failure = &job.Failure{Code: "PROCESSING_ERROR", Message: "x"}
			}
			_, _ = s.Transition(ctx, j.ID, to, out)
			if rng.Intn(2) == 0 {
				_ = s.UpdateProgress(ctx, j.ID, rng.Intn(101))
			}
		}

		got, err := s.Get(ctx, j.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if (len(got.Results) > 0) != (got.Status == job.StatusCompleted) {
			t.Fatalf("results invariant broken: status=%s results=%d", got.Status, len(got.Results))
		}
		if (got.Error != nil) != (got.Status == job.StatusFailed) {
			t.Fatalf("error invariant broken: status=%s error=%v", got.Status, got.Error)
		}
	}
}
