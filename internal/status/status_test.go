package status

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/job"
	"github.com/leejennwah/palette-engine/internal/storage"
)

func newStore(now *time.Time) *job.Store {
	return job.NewStore(storage.NewMemoryJobRepository(), zap.NewNop(), job.WithClock(func() time.Time { return *now }))
}

func spec() job.Spec {
	return job.Spec{Input: job.URLInput([]string{"https://img.test/a.png"}), TTLHours: 1}
}

func TestGetStatus_ETagRoundTrip(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newStore(&now)
	ctx := context.Background()
	j, err := store.Create(ctx, uuid.Nil, spec())
	if err != nil {
		t.Fatal(err)
	}

	r := NewResponder(store)
	first, err := r.GetStatus(ctx, j.ID, "")
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if first.Body == nil || first.NotModified {
		t.Fatal("expected full body on first poll")
	}
	if first.RetryAfter != 2*time.Second {
		t.Errorf("expected 2s retry after for queued job, got %s", first.RetryAfter)
	}

	second, err := r.GetStatus(ctx, j.ID, first.ETag)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if !second.NotModified || second.Body != nil {
		t.Error("expected not modified without body")
	}
	if second.RetryAfter != 2*time.Second {
		t.Error("not modified response must still carry retry after")
	}

	if _, err := store.Transition(ctx, j.ID, job.StatusProcessing, job.Outcome{}); err != nil {
		t.Fatal(err)
	}
	third, err := r.GetStatus(ctx, j.ID, first.ETag)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if third.NotModified || third.Body == nil {
		t.Fatal("expected full body after state change")
	}
	if third.ETag == first.ETag {
		t.Error("expected etag to change with state")
	}
	if third.RetryAfter != 5*time.Second {
		t.Errorf("expected 5s retry after for processing job, got %s", third.RetryAfter)
	}
}

func TestGetStatus_TerminalHasNoRetryAfter(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newStore(&now)
	ctx := context.Background()
	j, _ := store.Create(ctx, uuid.Nil, spec())
	_, _ = store.Transition(ctx, j.ID, job.StatusCanceled, job.Outcome{})

	resp, err := NewResponder(store).GetStatus(ctx, j.ID, "")
	if err != nil {
		t.Fatal(err)
	}
	if resp.RetryAfter != 0 {
		t.Errorf("expected no retry after, got %s", resp.RetryAfter)
	}
}

func TestGetStatus_MissingAndExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	store := newStore(&now)
	ctx := context.Background()
	r := NewResponder(store)

	if _, err := r.GetStatus(ctx, uuid.New(), ""); !errors.Is(err, job.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	j, _ := store.Create(ctx, uuid.Nil, spec())
	now = now.Add(time.Hour)
	resp, err := r.GetStatus(ctx, j.ID, j.ETag)
	if !errors.Is(err, job.ErrExpired) {
		t.Errorf("expected ErrExpired, got %v", err)
	}
	if resp != nil {
		t.Error("expired job must not return a response")
	}
}

func TestMatches(t *testing.T) {
	etag := `"abc"`
	tests := []struct {
		header string
		want   bool
	}{
		{"", false},
		{`"abc"`, true},
		{`W/"abc"`, true},
		{`"x", "abc"`, true},
		{`"x"`, false},
		{"*", true},
	}
	for _, tt := range tests {
		if got := matches(tt.header, etag); got != tt.want {
			t.Errorf("matches(%q) = %v, want %v", tt.header, got, tt.want)
		}
	}
}
