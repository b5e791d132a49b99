// Package webhook delivers signed job notifications to client callback URLs.
// Deliveries are handed off through a buffered channel so a slow target
// never holds up a worker.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/job"
	"github.com/leejennwah/palette-engine/internal/metrics"
	"github.com/leejennwah/palette-engine/internal/signature"
)

var tracer = otel.Tracer("palette-engine/webhook")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("webhook: dispatcher closed")

// ErrBufferFull is returned by Enqueue when the delivery buffer is full.
var ErrBufferFull = errors.New("webhook: delivery buffer full")

// Payload is the JSON body posted to a callback URL.
type Payload struct {
	JobID        uuid.UUID    `json:"job_id"`
	Status       job.Status   `json:"status"`
	RequestID    string       `json:"request_id"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	FinishedAt   *time.Time   `json:"finished_at,omitempty"`
	ResultsCount *int         `json:"results_count,omitempty"`
	Error        *job.Failure `json:"error,omitempty"`
}

// Delivery is one pending notification.
type Delivery struct {
	URL     string
	Payload Payload
}

// NewDelivery builds the notification for a job in a terminal state.
func NewDelivery(j *job.Job) Delivery {
	p := Payload{
		JobID:      j.ID,
		Status:     j.Status,
		RequestID:  j.RequestID,
		CreatedAt:  j.CreatedAt,
		StartedAt:  j.StartedAt,
		FinishedAt: j.FinishedAt,
		Error:      j.Error,
	}
	if j.Status == job.StatusCompleted {
		n := len(j.Results)
		p.ResultsCount = &n
	}
	return Delivery{URL: j.CallbackURL, Payload: p}
}

// Config holds dispatcher settings.
type Config struct {
	Secret  string
	Timeout time.Duration
	Workers int
	Buffer  int
}

// DefaultConfig returns sensible dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Timeout: 10 * time.Second,
		Workers: 4,
		Buffer:  1024,
	}
}

// Dispatcher posts deliveries on dedicated goroutines. Each delivery gets
// exactly one attempt; failures are recorded and never propagate back to
// the job.
type Dispatcher struct {
	client     *http.Client
	secret     []byte
	workers    int
	deliveries chan Delivery
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start to begin delivering.
func NewDispatcher(cfg Config, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = def.Buffer
	}
	return &Dispatcher{
		client:     &http.Client{Timeout: cfg.Timeout},
		secret:     []byte(cfg.Secret),
		workers:    cfg.Workers,
		deliveries: make(chan Delivery, cfg.Buffer),
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// Start launches the delivery goroutines.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for del := range d.deliveries {
				_ = d.Deliver(context.Background(), del)
			}
		}()
	}
}

// Close stops accepting deliveries and waits for buffered ones to finish.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.deliveries)
	d.mu.Unlock()
	d.wg.Wait()
}

// Enqueue hands a delivery to the dispatcher without blocking. When the
// buffer is full the delivery is dropped and counted.
func (d *Dispatcher) Enqueue(del Delivery) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.deliveries <- del:
		return nil
	default:
		d.metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		d.metrics.WebhookFailuresTotal.WithLabelValues("buffer_full").Inc()
		d.logger.Warn("webhook buffer full, dropping delivery",
			zap.String("job_id", del.Payload.JobID.String()),
			zap.String("request_id", del.Payload.RequestID),
		)
		return ErrBufferFull
	}
}

// Deliver performs a single signed POST of the delivery.
func (d *Dispatcher) Deliver(ctx context.Context, del Delivery) error {
	ctx, span := tracer.Start(ctx, "webhook.deliver",
		trace.WithAttributes(
			attribute.String("job.id", del.Payload.JobID.String()),
			attribute.String("job.status", string(del.Payload.Status)),
		),
	)
	defer span.End()

	start := d.now()
	reason, err := d.post(ctx, del)
	d.metrics.WebhookLatency.Observe(time.Since(start).Seconds())

	logFields := []zap.Field{
		zap.String("job_id", del.Payload.JobID.String()),
		zap.String("request_id", del.Payload.RequestID),
		zap.String("callback_url", del.URL),
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		d.metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		d.metrics.WebhookFailuresTotal.WithLabelValues(reason).Inc()
		d.logger.Warn("webhook delivery failed", append(logFields, zap.String("reason", reason), zap.Error(err))...)
		return err
	}

	d.metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
	d.logger.Info("webhook delivered", logFields...)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, del Delivery) (string, error) {
	u, err := url.Parse(del.URL)
	if err != nil {
		return "invalid_url", fmt.Errorf("parse callback url: %w", err)
	}
	if u.Host == "" {
		return "invalid_url", fmt.Errorf("callback url %q has no host", del.URL)
	}
	body, err := json.Marshal(del.Payload)
	if err != nil {
		return "encode", fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.URL, bytes.NewReader(body))
	if err != nil {
		return "invalid_url", fmt.Errorf("build request: %w", err)
	}
	ts := signature.Timestamp(d.now())
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(signature.HeaderTimestamp, ts)
	req.Header.Set(signature.HeaderSignature, signature.Sign(d.secret, signature.Parts{
		Timestamp: ts,
		Method:    http.MethodPost,
		Path:      path,
		Body:      body,
	}))
	req.Header.Set(signature.HeaderAuthed, strconv.FormatBool(len(d.secret) > 0))
	req.Header.Set(signature.HeaderRequestID, del.Payload.RequestID)

	resp, err := d.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return "timeout", err
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			return "dns", err
		}
		return "connection", err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Sprintf("status_%dxx", resp.StatusCode/100), fmt.Errorf("callback returned %d", resp.StatusCode)
	}
	return "", nil
}
