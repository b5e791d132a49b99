// Package api exposes the palette job engine over HTTP.
package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leejennwah/palette-engine/internal/apperr"
	"github.com/leejennwah/palette-engine/internal/events"
	"github.com/leejennwah/palette-engine/internal/idempotency"
	"github.com/leejennwah/palette-engine/internal/job"
	"github.com/leejennwah/palette-engine/internal/metrics"
	"github.com/leejennwah/palette-engine/internal/nonce"
	"github.com/leejennwah/palette-engine/internal/queue"
	"github.com/leejennwah/palette-engine/internal/retry"
	"github.com/leejennwah/palette-engine/internal/signature"
	"github.com/leejennwah/palette-engine/internal/status"
	"github.com/leejennwah/palette-engine/internal/storage"
	"github.com/leejennwah/palette-engine/internal/webhook"
)

// IdempotencyHeader carries the client's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

// A replayed key may race the request that registered it; the replay waits
// this long for the job to appear.
const (
	defaultAdmissionWait = 5 * time.Second
	admissionPoll        = 20 * time.Millisecond
)

// Blobs stores job inputs and serves previews.
type Blobs interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
	DeletePrefix(ctx context.Context, prefix string) error
}

// Scheduler is the in-process worker pool, when there is one.
type Scheduler interface {
	EstimateWait(ctx context.Context) time.Duration
	Abort(id uuid.UUID) bool
}

// Notifier queues webhook deliveries.
type Notifier interface {
	Enqueue(d webhook.Delivery) error
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Info describes the running service on /health.
type Info struct {
	Service  string
	Version  string
	Features []string
}

// Deps wires the server. Scheduler, Notifier, Publisher and Limiter may be
// nil.
type Deps struct {
	Store          *job.Store
	Queue          queue.Queue
	Blobs          Blobs
	Idempotency    idempotency.Store
	Nonces         nonce.Cache
	Verifier       *signature.Verifier
	Limiter        *RateLimiter
	Scheduler      Scheduler
	Notifier       Notifier
	Publisher      events.Publisher
	Metrics        *metrics.Metrics
	Gatherer       prometheus.Gatherer
	Logger         *zap.Logger
	Checks         []Check
	Info           Info
	MaxUploadBytes int64
}

// Server handles the job API.
type Server struct {
	store       *job.Store
	queue       queue.Queue
	blobs       Blobs
	idem        idempotency.Store
	nonces      nonce.Cache
	verifier    *signature.Verifier
	limiter     *RateLimiter
	scheduler   Scheduler
	notifier    Notifier
	publisher   events.Publisher
	responder   *status.Responder
	metrics     *metrics.Metrics
	gatherer    prometheus.Gatherer
	logger      *zap.Logger
	checks      []Check
	info        Info
	maxBodySize int64

	admissionWait time.Duration
}

// NewServer builds a server from its dependencies.
func NewServer(d Deps) *Server {
	if d.Verifier == nil {
		d.Verifier = signature.NewVerifier(false, "")
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 500 << 20
	}
	if d.Info.Service == "" {
		d.Info.Service = "palette-engine"
	}
	return &Server{
		store:     d.Store,
		queue:     d.Queue,
		blobs:     d.Blobs,
		idem:      d.Idempotency,
		nonces:    d.Nonces,
		verifier:  d.Verifier,
		limiter:   d.Limiter,
		scheduler: d.Scheduler,
		notifier:  d.Notifier,
		publisher: d.Publisher,
		responder: status.NewResponder(d.Store),
		metrics:   d.Metrics,
		gatherer:  d.Gatherer,
		logger:    d.Logger,
		checks:    d.Checks,
		info:      d.Info,

		// Base64 JSON bodies are a third larger than the files they carry.
		maxBodySize:   d.MaxUploadBytes + d.MaxUploadBytes/3 + 64<<10,
		admissionWait: defaultAdmissionWait,
	}
}

// Handler returns the routed HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(RequestID, Recovery(s.logger), Logging(s.logger))

	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.ready).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/blobs/jobs/{id}/preview/{name}", s.preview).Methods(http.MethodGet)

	jobs := r.PathPrefix("/jobs").Subrouter()
	jobs.Use(s.rateLimit)
	jobs.HandleFunc("", s.createJob).Methods(http.MethodPost)
	jobs.HandleFunc("/{id}", s.getJob).Methods(http.MethodGet)
	jobs.HandleFunc("/{id}", s.cancelJob).Methods(http.MethodDelete)

	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(s.limiter.Key(r)) {
			w.Header().Set("Retry-After", "1")
			s.fail(w, r, apperr.New(apperr.RateLimited, nil))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authenticate verifies the signature over the raw body and rejects reused
// client request IDs.
func (s *Server) authenticate(r *http.Request, body []byte) error {
	parts := signature.Parts{
		Timestamp: r.Header.Get(signature.HeaderTimestamp),
		Method:    r.Method,
		Path:      r.URL.Path,
		Body:      body,
	}
	switch s.verifier.Verify(parts, r.Header.Get(signature.HeaderSignature), parts.Timestamp) {
	case signature.InvalidSignature:
		return apperr.New(apperr.InvalidSignature, nil)
	case signature.TimestampOutOfRange:
		return apperr.New(apperr.TimestampOutOfRange, nil)
	}

	ctx := r.Context()
	if s.nonces == nil || !clientSuppliedRequestID(ctx) {
		return nil
	}
	outcome, err := s.nonces.RegisterIfNew(ctx, RequestIDFromContext(ctx))
	if err != nil {
		return apperr.New(apperr.InternalError, err)
	}
	if outcome == nonce.Replayed {
		return apperr.New(apperr.NonceReused, nil)
	}
	return nil
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	if r.ContentLength > s.maxBodySize {
		return nil, apperr.New(apperr.PayloadTooLarge, nil)
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, apperr.New(apperr.PayloadTooLarge, err)
		}
		return nil, &apperr.Error{Code: apperr.InvalidInput, Message: "The request body could not be read.", Err: err}
	}
	return body, nil
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := RequestIDFromContext(ctx)

	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.authenticate(r, body); err != nil {
		s.fail(w, r, err)
		return
	}

	sub, err := parseSubmission(r.Header.Get("Content-Type"), body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	idemKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	spec, err := sub.spec(requestID, idemKey)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	candidate := uuid.New()
	for attempt := 0; ; attempt++ {
		outcome, id, err := s.idem.CheckOrRegister(ctx, idemKey, spec.Fingerprint(), candidate, spec.TTL())
		if err != nil {
			s.fail(w, r, apperr.New(apperr.InternalError, err))
			return
		}
		if outcome == idempotency.Conflict {
			s.fail(w, r, apperr.New(apperr.IdempotencyViolation, nil))
			return
		}
		if outcome == idempotency.New {
			break
		}

		existing, err := s.awaitAdmission(ctx, id)
		if err == nil {
			s.logger.Info("idempotent replay",
				zap.String("job_id", id.String()),
				zap.String("request_id", requestID),
			)
			s.accepted(w, r, existing.ID, existing.Status, existing.RequestID)
			return
		}
		if !errors.Is(err, job.ErrNotFound) {
			s.fail(w, r, err)
			return
		}
		if attempt > 0 {
			// The registering request is still storing inputs.
			s.accepted(w, r, id, job.StatusQueued, requestID)
			return
		}
		// Either the registering request released the key after a failed
		// admission, or it is still admitting; check the key once more.
	}

	j, err := s.admit(ctx, candidate, spec, sub)
	if err != nil {
		if idemKey != "" {
			if rerr := s.idem.Release(context.WithoutCancel(ctx), idemKey); rerr != nil {
				s.logger.Warn("release idempotency key failed", zap.String("request_id", requestID), zap.Error(rerr))
			}
		}
		s.fail(w, r, err)
		return
	}

	s.metrics.JobsSubmittedTotal.WithLabelValues(string(j.Input.Kind)).Inc()
	events.Emit(ctx, s.publisher, s.logger, events.FromJob(events.JobCreated, j))
	s.accepted(w, r, j.ID, j.Status, j.RequestID)
}

// awaitAdmission reads the job bound to an existing idempotency key. A
// concurrent request may have registered the key but not yet created the
// job, so a missing job is re-read until admissionWait elapses.
func (s *Server) awaitAdmission(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	deadline := time.Now().Add(s.admissionWait)
	for {
		j, err := s.store.Get(ctx, id)
		if !errors.Is(err, job.ErrNotFound) || !time.Now().Before(deadline) {
			return j, err
		}
		if err := retry.Sleep(ctx, admissionPoll); err != nil {
			return nil, err
		}
	}
}

// admit stores the inputs, creates the job and queues it. Partial work is
// rolled back on failure.
func (s *Server) admit(ctx context.Context, id uuid.UUID, spec job.Spec, sub *submission) (*job.Job, error) {
	cleanup := func() {
		if err := s.blobs.DeletePrefix(context.WithoutCancel(ctx), storage.JobPrefix(id)); err != nil {
			s.logger.Warn("blob cleanup failed", zap.String("job_id", id.String()), zap.Error(err))
		}
	}

	switch spec.Input.Kind {
	case job.InputZip:
		ref, err := s.blobs.Write(ctx, storage.ArchiveKey(id), sub.archive)
		if err != nil {
			cleanup()
			return nil, apperr.New(apperr.InternalError, err)
		}
		spec.Input.ArchiveRef = ref
	case job.InputImages:
		images := append([]job.ImageRef(nil), spec.Input.Images...)
		for i := range images {
			ref, err := s.blobs.Write(ctx, storage.ImageKey(id, i), sub.images[i].data)
			if err != nil {
				cleanup()
				return nil, apperr.New(apperr.InternalError, err)
			}
			images[i].Ref = ref
		}
		spec.Input.Images = images
	}

	j, err := s.store.Create(ctx, id, spec)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := s.queue.Enqueue(ctx, j.ID); err != nil {
		settle := context.WithoutCancel(ctx)
		if _, cerr := s.store.Transition(settle, j.ID, job.StatusCanceled, job.Outcome{}); cerr != nil {
			s.logger.Error("unqueued job left behind", zap.String("job_id", j.ID.String()), zap.Error(cerr))
		}
		cleanup()
		return nil, apperr.New(apperr.InternalError, err)
	}
	return j, nil
}

func (s *Server) accepted(w http.ResponseWriter, r *http.Request, id uuid.UUID, st job.Status, requestID string) {
	eta := s.estimate(r.Context())
	w.Header().Set("Location", "/jobs/"+id.String())
	writeJSON(w, http.StatusAccepted, CreateResponse{
		JobID:     id.String(),
		Status:    st,
		ETASecs:   int((eta + time.Second - 1) / time.Second),
		RequestID: requestID,
	})
}

// estimate falls back to queue depth times the default job estimate when
// no in-process pool is available.
func (s *Server) estimate(ctx context.Context) time.Duration {
	if s.scheduler != nil {
		return s.scheduler.EstimateWait(ctx)
	}
	depth, err := s.queue.Depth(ctx)
	if err != nil {
		depth = 0
	}
	return time.Duration(depth+1) * 5 * time.Second
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, apperr.New(apperr.JobNotFound, err))
		return
	}

	resp, err := s.responder.GetStatus(r.Context(), id, r.Header.Get("If-None-Match"))
	if err != nil {
		s.fail(w, r, err)
		return
	}

	w.Header().Set("ETag", resp.ETag)
	w.Header().Set("Cache-Control", "no-cache")
	if resp.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(resp.RetryAfter/time.Second)))
	}
	if resp.NotModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	writeJSON(w, http.StatusOK, resp.Body)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, apperr.New(apperr.JobNotFound, err))
		return
	}
	body, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if err := s.authenticate(r, body); err != nil {
		s.fail(w, r, err)
		return
	}

	j, err := s.store.Cancel(ctx, id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if s.scheduler != nil {
		s.scheduler.Abort(id)
	}
	s.logger.Info("job canceled",
		zap.String("job_id", id.String()),
		zap.String("request_id", RequestIDFromContext(ctx)),
	)
	events.Emit(ctx, s.publisher, s.logger, events.FromJob(events.JobCanceled, j))
	if s.notifier != nil && j.CallbackURL != "" {
		if err := s.notifier.Enqueue(webhook.NewDelivery(j)); err != nil {
			s.logger.Warn("webhook not queued", zap.String("job_id", id.String()), zap.Error(err))
		}
	}

	w.Header().Set("ETag", j.ETag)
	writeJSON(w, http.StatusOK, j.View())
}

func (s *Server) preview(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, err := uuid.Parse(vars["id"])
	if err != nil {
		s.fail(w, r, apperr.New(apperr.JobNotFound, err))
		return
	}
	data, err := s.blobs.Read(r.Context(), storage.JobPrefix(id)+"/preview/"+vars["name"])
	if errors.Is(err, storage.ErrBlobNotFound) {
		s.fail(w, r, apperr.New(apperr.JobNotFound, err))
		return
	}
	if err != nil {
		s.fail(w, r, apperr.New(apperr.InternalError, err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(data)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "healthy",
		"service":  s.info.Service,
		"version":  s.info.Version,
		"features": s.info.Features,
	})
}

func (s *Server) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	deps := make(map[string]string, len(s.checks))
	ready := true
	for _, c := range s.checks {
		if err := c.Fn(ctx); err != nil {
			ready = false
			deps[c.Name] = "unavailable"
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			continue
		}
		deps[c.Name] = "ok"
	}

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"ready": ready, "dependencies": deps})
}
