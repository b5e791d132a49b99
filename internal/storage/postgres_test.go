package storage

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/job"
)

// newPostgresRepo connects to TEST_DATABASE_URL and applies the schema.
// Tests using it are skipped when the variable is unset.
func newPostgresRepo(t *testing.T) *PostgresJobRepository {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	schema, err := os.ReadFile("../../migrations/001_init.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return NewPostgresJobRepository(pool, zap.NewNop())
}

func TestPostgresRepository_Lifecycle(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	j := newTestJob(t)
	j.IdempotencyKey = "pg-" + j.ID.String()
	j.CallbackURL = "https://hooks.test/palette"

	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		_, _ = repo.pool.Exec(context.Background(), `DELETE FROM jobs WHERE id = $1`, j.ID)
	})

	got, err := repo.Get(ctx, j.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != job.StatusQueued || got.ETag != j.ETag || got.CallbackURL != j.CallbackURL {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Error != nil || got.Results != nil {
		t.Errorf("expected empty outcome, got error=%v results=%v", got.Error, got.Results)
	}
	if len(got.Input.Refs()) != len(j.Input.Refs()) {
		t.Errorf("input refs = %v, want %v", got.Input.Refs(), j.Input.Refs())
	}

	later := testNow.Add(time.Minute)
	updated, err := repo.Update(ctx, j.ID, func(j *job.Job) error {
		if err := j.MarkProcessing(later); err != nil {
			return err
		}
		return j.MarkCompleted([]job.Result{{
			Filename: "a.png",
			Palette:  []job.Color{{10, 20, 30}},
		}}, nil, later)
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ = repo.Get(ctx, j.ID)
	if got.Status != job.StatusCompleted || got.ETag != updated.ETag {
		t.Errorf("status=%s etag=%s, want completed %s", got.Status, got.ETag, updated.ETag)
	}
	if len(got.Results) != 1 || got.Results[0].Palette[0] != (job.Color{10, 20, 30}) {
		t.Errorf("unexpected results: %+v", got.Results)
	}
	if got.FinishedAt == nil || !got.FinishedAt.Equal(later) {
		t.Errorf("finished_at = %v, want %v", got.FinishedAt, later)
	}
}

func TestPostgresRepository_UpdateDiscardsOnError(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	j := newTestJob(t)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}
	t.Cleanup(func() {
		_, _ = repo.pool.Exec(context.Background(), `DELETE FROM jobs WHERE id = $1`, j.ID)
	})

	boom := errors.New("boom")
	_, err := repo.Update(ctx, j.ID, func(j *job.Job) error {
		j.Progress = 50
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := repo.Get(ctx, j.ID)
	if got.Progress != 0 {
		t.Errorf("progress = %d, want 0", got.Progress)
	}

	if _, err := repo.Update(ctx, uuid.New(), func(*job.Job) error { return nil }); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresRepository_DeleteExpired(t *testing.T) {
	repo := newPostgresRepo(t)
	ctx := context.Background()
	j := newTestJob(t)
	if err := repo.Create(ctx, j); err != nil {
		t.Fatalf("create: %v", err)
	}

	ids, err := repo.DeleteExpired(ctx, j.ExpiresAt)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	found := false
	for _, id := range ids {
		if id == j.ID {
			found = true
		}
	}
	if !found {
		t.Errorf("expected %s among deleted ids %v", j.ID, ids)
	}
	if _, err := repo.Get(ctx, j.ID); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("expected ErrNotFound after purge, got %v", err)
	}
}
