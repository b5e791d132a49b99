package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/leejennwah/palette-engine/internal/apperr"
	"github.com/leejennwah/palette-engine/internal/job"
	"github.com/leejennwah/palette-engine/internal/metrics"
	"github.com/leejennwah/palette-engine/internal/processing"
	"github.com/leejennwah/palette-engine/internal/queue"
	"github.com/leejennwah/palette-engine/internal/storage"
	"github.com/leejennwah/palette-engine/internal/webhook"
)

type processorFunc func(ctx context.Context, j *job.Job, progress processing.ProgressFunc) ([]job.Result, []job.ItemError, error)

func (f processorFunc) Process(ctx context.Context, j *job.Job, progress processing.ProgressFunc) ([]job.Result, []job.ItemError, error) {
	return f(ctx, j, progress)
}

type recordingNotifier struct {
	mu         sync.Mutex
	deliveries []webhook.Delivery
}

func (n *recordingNotifier) Enqueue(d webhook.Delivery) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deliveries = append(n.deliveries, d)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.deliveries)
}

type harness struct {
	store    *job.Store
	queue    *queue.MemoryQueue
	metrics  *metrics.Metrics
	notifier *recordingNotifier
	pool     *Pool
	clock    *time.Time
	mu       sync.Mutex
}

func newHarness(t *testing.T, p Processor, concurrency int) *harness {
	t.Helper()
	h := &harness{
		queue:    queue.NewMemoryQueue(20 * time.Millisecond),
		metrics:  metrics.New(prometheus.NewRegistry()),
		notifier: &recordingNotifier{},
	}
	now := time.Now()
	h.clock = &now
	h.store = job.NewStore(storage.NewMemoryJobRepository(), zaptest.NewLogger(t), job.WithClock(h.now))
	h.pool = New(h.store, h.queue, p, h.notifier, nil, h.metrics, zaptest.NewLogger(t), Config{Concurrency: concurrency})
	return h
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return *h.clock
}

func (h *harness) advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.clock = h.clock.Add(d)
}

func (h *harness) submit(t *testing.T, callback string) *job.Job {
	t.Helper()
	ctx := context.Background()
	j, err := h.store.Create(ctx, uuid.Nil, job.Spec{
		Input:       job.URLInput([]string{"https://img.test/a.png", "https://img.test/b.png"}),
		CallbackURL: callback,
		TTLHours:    1,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := h.queue.Enqueue(ctx, j.ID); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return j
}

func (h *harness) start(t *testing.T) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.pool.Run(ctx)
		close(done)
	}()
	return func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("pool did not stop")
		}
	}
}

func waitFor(t *testing.T, h *harness, id uuid.UUID, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := h.store.Get(context.Background(), id)
		if err == nil && j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s never reached %s", id, want)
	return nil
}

func okResults(j *job.Job) []job.Result {
	out := make([]job.Result, len(j.Input.URLs))
	for i, u := range j.Input.URLs {
		out[i] = job.Result{Filename: u, Palette: []job.Color{{9, 9, 9}}, PreviewRef: "p"}
	}
	return out
}

func TestPool_CompletesJob(t *testing.T) {
	var progressed []int
	p := processorFunc(func(ctx context.Context, j *job.Job, progress processing.ProgressFunc) ([]job.Result, []job.ItemError, error) {
		for _, pct := range []int{50, 100} {
			if err := progress(ctx, pct); err != nil {
				return nil, nil, err
			}
			progressed = append(progressed, pct)
		}
		return okResults(j), nil, nil
	})
	h := newHarness(t, p, 1)
	stop := h.start(t)
	defer stop()

	j := h.submit(t, "https://hooks.test/cb")
	done := waitFor(t, h, j.ID, job.StatusCompleted)

	if len(done.Results) != 2 || done.Progress != 100 {
		t.Errorf("unexpected completed job %+v", done)
	}
	if done.StartedAt == nil || done.FinishedAt == nil {
		t.Error("expected start and finish timestamps")
	}
	if len(progressed) != 2 {
		t.Errorf("expected two progress reports, got %v", progressed)
	}

	deadline := time.Now().Add(time.Second)
	for h.notifier.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if h.notifier.count() != 1 {
		t.Errorf("expected one webhook, got %d", h.notifier.count())
	}
	if v := testutil.ToFloat64(h.metrics.JobsCompletedTotal); v != 1 {
		t.Errorf("expected jobs_completed_total 1, got %v", v)
	}
}

func TestPool_FailureCarriesErrorCode(t *testing.T) {
	p := processorFunc(func(context.Context, *job.Job, processing.ProgressFunc) ([]job.Result, []job.ItemError, error) {
		return nil, nil, apperr.New(apperr.ZipTraversal, errors.New("../x"))
	})
	h := newHarness(t, p, 1)
	stop := h.start(t)
	defer stop()

	j := h.submit(t, "")
	failed := waitFor(t, h, j.ID, job.StatusFailed)
	if failed.Error == nil || failed.Error.Code != string(apperr.ZipTraversal) {
		t.Errorf("unexpected error %+v", failed.Error)
	}
	if len(failed.Results) != 0 {
		t.Error("failed job must have no results")
	}
	if h.notifier.count() != 0 {
		t.Error("job without callback must not be notified")
	}
}

func TestPool_RecoversPanics(t *testing.T) {
	calls := 0
	var mu sync.Mutex
	p := processorFunc(func(_ context.Context, j *job.Job, _ processing.ProgressFunc) ([]job.Result, []job.ItemError, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			panic("decoder exploded")
		}
		return okResults(j), nil, nil
	})
	h := newHarness(t, p, 1)
	stop := h.start(t)
	defer stop()

	a := h.submit(t, "")
	b := h.submit(t, "")

	failed := waitFor(t, h, a.ID, job.StatusFailed)
	if failed.Error.Code != string(apperr.ProcessingError) {
		t.Errorf("expected PROCESSING_ERROR, got %s", failed.Error.Code)
	}
	waitFor(t, h, b.ID, job.StatusCompleted)
}

func TestPool_SkipsCanceledAndExpires(t *testing.T) {
	var ran sync.Map
	p := processorFunc(func(_ context.Context, j *job.Job, _ processing.ProgressFunc) ([]job.Result, []job.ItemError, error) {
		ran.Store(j.ID, true)
		return okResults(j), nil, nil
	})
	h := newHarness(t, p, 1)
	ctx := context.Background()

	canceled := h.submit(t, "")
	if _, err := h.store.Cancel(ctx, canceled.ID); err != nil {
		t.Fatal(err)
	}
	expiring := h.submit(t, "")
	h.advance(2 * time.Hour)

	// Both were created before the clock moved, so only a fresh job runs.
	fresh := h.submit(t, "")

	stop := h.start(t)
	defer stop()

	waitFor(t, h, fresh.ID, job.StatusCompleted)
	if _, ok := ran.Load(canceled.ID); ok {
		t.Error("canceled job must not run")
	}
	if _, ok := ran.Load(expiring.ID); ok {
		t.Error("expired job must not run")
	}
	if _, err := h.store.Get(ctx, expiring.ID); !errors.Is(err, job.ErrExpired) {
		t.Errorf("expected expired job to read as expired, got %v", err)
	}
}

func TestPool_CancelStopsProcessing(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	stopped := make(chan error, 1)
	p := processorFunc(func(ctx context.Context, j *job.Job, progress processing.ProgressFunc) ([]job.Result, []job.ItemError, error) {
		close(started)
		<-release
		err := progress(ctx, 50)
		stopped <- err
		return nil, nil, err
	})
	h := newHarness(t, p, 1)
	stop := h.start(t)
	defer stop()

	j := h.submit(t, "https://hooks.test/cb")
	<-started
	if _, err := h.store.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	close(release)

	select {
	case err := <-stopped:
		if !errors.Is(err, job.ErrNotProcessing) {
			t.Errorf("expected ErrNotProcessing from progress, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("processor never observed cancellation")
	}

	got := waitFor(t, h, j.ID, job.StatusCanceled)
	if got.Error != nil || len(got.Results) != 0 {
		t.Errorf("canceled job must carry neither results nor error: %+v", got)
	}
}

func TestPool_Abort(t *testing.T) {
	started := make(chan struct{})
	p := processorFunc(func(ctx context.Context, _ *job.Job, _ processing.ProgressFunc) ([]job.Result, []job.ItemError, error) {
		close(started)
		<-ctx.Done()
		return nil, nil, ctx.Err()
	})
	h := newHarness(t, p, 1)
	stop := h.start(t)
	defer stop()

	j := h.submit(t, "")
	<-started
	if _, err := h.store.Cancel(context.Background(), j.ID); err != nil {
		t.Fatal(err)
	}
	if !h.pool.Abort(j.ID) {
		t.Fatal("expected job to be in flight")
	}
	waitFor(t, h, j.ID, job.StatusCanceled)
	if h.pool.Abort(uuid.New()) {
		t.Error("unknown job should not abort")
	}
}

func TestPool_BoundedConcurrency(t *testing.T) {
	var mu sync.Mutex
	active, peak := 0, 0
	p := processorFunc(func(_ context.Context, j *job.Job, _ processing.ProgressFunc) ([]job.Result, []job.ItemError, error) {
		mu.Lock()
		active++
		if active > peak {
			peak = active
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return okResults(j), nil, nil
	})
	h := newHarness(t, p, 2)

	var ids []uuid.UUID
	for i := 0; i < 6; i++ {
		ids = append(ids, h.submit(t, "").ID)
	}
	stop := h.start(t)
	defer stop()

	for _, id := range ids {
		waitFor(t, h, id, job.StatusCompleted)
	}
	if peak > 2 {
		t.Errorf("expected at most 2 concurrent jobs, saw %d", peak)
	}
}

func TestEstimateWait(t *testing.T) {
	h := newHarness(t, processorFunc(nil), 2)
	h.pool.cfg.InitialJobEstimate = time.Second
	h.pool.avgJob = time.Second

	if got := h.pool.EstimateWait(context.Background()); got != time.Second {
		t.Errorf("empty queue: expected 1s, got %s", got)
	}
	for i := 0; i < 4; i++ {
		h.submit(t, "")
	}
	if got := h.pool.EstimateWait(context.Background()); got != 3*time.Second {
		t.Errorf("4 queued on 2 workers: expected 3s, got %s", got)
	}
}
