// Package worker runs queued jobs on a bounded pool of goroutines.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/apperr"
	"github.com/leejennwah/palette-engine/internal/events"
	"github.com/leejennwah/palette-engine/internal/job"
	"github.com/leejennwah/palette-engine/internal/metrics"
	"github.com/leejennwah/palette-engine/internal/processing"
	"github.com/leejennwah/palette-engine/internal/queue"
	"github.com/leejennwah/palette-engine/internal/webhook"
)

var tracer = otel.Tracer("palette-engine/worker")

// Processor executes the work described by a job.
type Processor interface {
	Process(ctx context.Context, j *job.Job, progress processing.ProgressFunc) ([]job.Result, []job.ItemError, error)
}

// Notifier accepts webhook deliveries without blocking.
type Notifier interface {
	Enqueue(d webhook.Delivery) error
}

// Config holds pool configuration.
type Config struct {
	Concurrency      int
	MetricIntervalMs int
	// InitialJobEstimate seeds the moving average used for wait estimates
	// until the first job finishes.
	InitialJobEstimate time.Duration
}

// DefaultConfig returns sensible pool defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:        4,
		MetricIntervalMs:   5000,
		InitialJobEstimate: 5 * time.Second,
	}
}

// Pool pulls job IDs from the queue and runs them through the processor.
type Pool struct {
	id        string
	store     *job.Store
	queue     queue.Queue
	processor Processor
	notifier  Notifier
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	cfg       Config

	mu       sync.Mutex
	avgJob   time.Duration
	busy     int
	inflight map[uuid.UUID]context.CancelFunc
}

// New creates a worker pool. notifier and publisher may be nil.
func New(
	store *job.Store,
	q queue.Queue,
	p Processor,
	notifier Notifier,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Pool {
	def := DefaultConfig()
	if cfg.Concurrency < 1 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.MetricIntervalMs <= 0 {
		cfg.MetricIntervalMs = def.MetricIntervalMs
	}
	if cfg.InitialJobEstimate <= 0 {
		cfg.InitialJobEstimate = def.InitialJobEstimate
	}
	return &Pool{
		id:        fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		store:     store,
		queue:     q,
		processor: p,
		notifier:  notifier,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		cfg:       cfg,
		avgJob:    cfg.InitialJobEstimate,
		inflight:  make(map[uuid.UUID]context.CancelFunc),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight job has settled.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		zap.String("pool_id", p.id),
		zap.Int("concurrency", p.cfg.Concurrency),
	)

	go p.updateMetrics(ctx, time.Duration(p.cfg.MetricIntervalMs)*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", p.id, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, workerID)
		}()
	}
	wg.Wait()

	p.logger.Info("worker pool stopped", zap.String("pool_id", p.id))
	return nil
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	p.metrics.WorkerBusy.WithLabelValues(workerID).Set(0)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := p.processNext(ctx, workerID); err != nil && !errors.Is(err, context.Canceled) {
			p.logger.Error("process error", zap.String("worker_id", workerID), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
	}
}

// processNext dequeues and executes a single job.
func (p *Pool) processNext(ctx context.Context, workerID string) error {
	id, ok, err := p.queue.Dequeue(ctx)
	if err != nil {
		return fmt.Errorf("dequeue: %w", err)
	}
	if !ok {
		return nil
	}

	j, ok := p.pickup(ctx, id)
	if !ok {
		return nil
	}

	p.setBusy(workerID, 1)
	defer p.setBusy(workerID, -1)

	p.execute(ctx, workerID, j)
	return nil
}

// pickup moves a dequeued job to processing. Jobs that were canceled while
// queued are skipped and jobs past their expiry become expired.
func (p *Pool) pickup(ctx context.Context, id uuid.UUID) (*job.Job, bool) {
	j, err := p.store.Get(ctx, id)
	switch {
	case errors.Is(err, job.ErrExpired):
		if expired, err := p.store.Transition(ctx, id, job.StatusExpired, job.Outcome{}); err == nil {
			events.Emit(ctx, p.publisher, p.logger, events.FromJob(events.JobExpired, expired))
		}
		p.logger.Info("skipping expired job", zap.String("job_id", id.String()))
		return nil, false
	case errors.Is(err, job.ErrNotFound):
		p.logger.Warn("dequeued unknown job", zap.String("job_id", id.String()))
		return nil, false
	case err != nil:
		p.logger.Error("load job failed", zap.String("job_id", id.String()), zap.Error(err))
		return nil, false
	}

	if j.Status != job.StatusQueued {
		p.logger.Info("skipping job no longer queued",
			zap.String("job_id", id.String()),
			zap.String("status", string(j.Status)),
		)
		return nil, false
	}

	j, err = p.store.Transition(ctx, id, job.StatusProcessing, job.Outcome{})
	if err != nil {
		p.logger.Info("job pickup lost", zap.String("job_id", id.String()), zap.Error(err))
		return nil, false
	}
	if j.StartedAt != nil {
		p.metrics.QueueLatency.Observe(j.StartedAt.Sub(j.CreatedAt).Seconds())
	}
	events.Emit(ctx, p.publisher, p.logger, events.FromJob(events.JobStarted, j))
	return j, true
}

func (p *Pool) execute(ctx context.Context, workerID string, j *job.Job) {
	ctx, span := tracer.Start(ctx, "job.execute",
		trace.WithAttributes(
			attribute.String("job.id", j.ID.String()),
			attribute.String("job.input_kind", string(j.Input.Kind)),
			attribute.String("worker.id", workerID),
		),
	)
	defer span.End()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.track(j.ID, cancel)
	defer p.untrack(j.ID)

	progress := func(ctx context.Context, percent int) error {
		err := p.store.UpdateProgress(ctx, j.ID, percent)
		if errors.Is(err, job.ErrNotProcessing) || errors.Is(err, job.ErrNotFound) {
			cancel()
			return err
		}
		if err != nil {
			p.logger.Warn("progress update failed", zap.String("job_id", j.ID.String()), zap.Error(err))
		}
		return nil
	}

	start := time.Now()
	results, itemErrs, procErr := p.run(jobCtx, j, progress)
	elapsed := time.Since(start)

	// Terminal writes must land even when the pool is shutting down.
	settleCtx := context.WithoutCancel(ctx)

	if jobCtx.Err() != nil && ctx.Err() == nil {
		p.logger.Info("job canceled during processing", zap.String("job_id", j.ID.String()))
		span.SetStatus(codes.Error, "canceled")
		return
	}

	var (
		final *job.Job
		err   error
	)
	if procErr != nil {
		ae := apperr.From(procErr)
		if ctx.Err() != nil {
			ae = apperr.Newf(apperr.ProcessingError, "Processing was interrupted.")
		}
		span.RecordError(procErr)
		span.SetStatus(codes.Error, string(ae.Code))
		p.logger.Error("job failed",
			zap.String("job_id", j.ID.String()),
			zap.String("request_id", j.RequestID),
			zap.String("error_code", string(ae.Code)),
			zap.Error(procErr),
		)
		final, err = p.store.Transition(settleCtx, j.ID, job.StatusFailed, job.Outcome{
			Failure: &job.Failure{Code: string(ae.Code), Message: ae.Message},
		})
		if err == nil {
			p.metrics.JobsFailedTotal.WithLabelValues(string(ae.Code)).Inc()
		}
	} else {
		final, err = p.store.Transition(settleCtx, j.ID, job.StatusCompleted, job.Outcome{
			Results:    results,
			ItemErrors: itemErrs,
		})
		if err == nil {
			p.metrics.JobsCompletedTotal.Inc()
			p.logger.Info("job completed",
				zap.String("job_id", j.ID.String()),
				zap.String("request_id", j.RequestID),
				zap.Int("results", len(results)),
				zap.Int("item_errors", len(itemErrs)),
				zap.Duration("duration", elapsed),
			)
		}
	}
	if err != nil {
		// A concurrent cancel wins over the worker's outcome.
		p.logger.Info("terminal transition rejected", zap.String("job_id", j.ID.String()), zap.Error(err))
		return
	}

	p.metrics.JobDuration.Observe(elapsed.Seconds())
	p.observeDuration(elapsed)
	events.Emit(settleCtx, p.publisher, p.logger, events.FromJob(events.TypeFor(final.Status), final))
	p.Notify(final)
}

// run invokes the processor, converting panics into failures.
func (p *Pool) run(ctx context.Context, j *job.Job, progress processing.ProgressFunc) (results []job.Result, itemErrs []job.ItemError, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("processor panicked",
				zap.String("job_id", j.ID.String()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			results, itemErrs = nil, nil
			err = apperr.New(apperr.ProcessingError, fmt.Errorf("panic: %v", r))
		}
	}()
	return p.processor.Process(ctx, j, progress)
}

// Notify hands a terminal job to the webhook dispatcher when it has a
// callback URL.
func (p *Pool) Notify(j *job.Job) {
	if p.notifier == nil || j.CallbackURL == "" || !j.Status.IsTerminal() {
		return
	}
	if err := p.notifier.Enqueue(webhook.NewDelivery(j)); err != nil {
		p.logger.Warn("webhook not queued", zap.String("job_id", j.ID.String()), zap.Error(err))
	}
}

// Abort cancels the in-flight processing of id in this process. It reports
// whether the job was running here.
func (p *Pool) Abort(id uuid.UUID) bool {
	p.mu.Lock()
	cancel, ok := p.inflight[id]
	p.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// EstimateWait predicts how long a newly queued job waits before it
// finishes, from the queue depth and a moving average of job durations.
func (p *Pool) EstimateWait(ctx context.Context) time.Duration {
	depth, err := p.queue.Depth(ctx)
	if err != nil {
		depth = 0
	}

	p.mu.Lock()
	avg, busy := p.avgJob, p.busy
	p.mu.Unlock()

	ahead := int(depth) + busy
	rounds := ahead/p.cfg.Concurrency + 1
	return time.Duration(rounds) * avg
}

func (p *Pool) observeDuration(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Exponential moving average with alpha 0.2.
	p.avgJob = time.Duration(0.8*float64(p.avgJob) + 0.2*float64(d))
}

func (p *Pool) setBusy(workerID string, delta int) {
	p.mu.Lock()
	p.busy += delta
	p.mu.Unlock()
	if delta > 0 {
		p.metrics.WorkerBusy.WithLabelValues(workerID).Set(1)
	} else {
		p.metrics.WorkerBusy.WithLabelValues(workerID).Set(0)
	}
}

func (p *Pool) track(id uuid.UUID, cancel context.CancelFunc) {
	p.mu.Lock()
	p.inflight[id] = cancel
	p.mu.Unlock()
}

func (p *Pool) untrack(id uuid.UUID) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.mu.Unlock()
}

// updateMetrics periodically updates gauge metrics from the queue.
func (p *Pool) updateMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := p.queue.Depth(ctx); err == nil {
				p.metrics.QueueDepth.Set(float64(depth))
			}
		}
	}
}
