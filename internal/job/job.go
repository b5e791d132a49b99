// Package job defines the core job domain model and state machine.
package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status represents the current state of a job in its lifecycle.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusExpired    Status = "expired"
)

// validTransitions defines the allowed state machine transitions.
var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCanceled, StatusExpired},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCanceled},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCanceled:   {},
	StatusExpired:    {},
}

// IsTerminal reports whether no further transitions are possible from s.
func (s Status) IsTerminal() bool {
	next, ok := validTransitions[s]
	return ok && len(next) == 0
}

// Color is an RGB triple.
type Color [3]uint8

// Hex renders the color as #rrggbb.
func (c Color) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c[0], c[1], c[2])
}

// Result is the processed output for a single image of a batch.
type Result struct {
	Filename   string  `json:"filename"`
	Palette    []Color `json:"palette"`
	PreviewRef string  `json:"preview_ref"`
}

// Failure describes why a job failed.
type Failure struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// ItemError records a single image that could not be processed in a
// best-effort batch.
type ItemError struct {
	Filename string `json:"filename"`
	Code     string `json:"error_code"`
	Message  string `json:"message"`
}

// Job represents a unit of asynchronous batch work.
type Job struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	Status         Status      `json:"status" db:"status"`
	Progress       int         `json:"progress" db:"progress"`
	Input          Input       `json:"input" db:"input"`
	Results        []Result    `json:"results,omitempty" db:"results"`
	ItemErrors     []ItemError `json:"item_errors,omitempty" db:"item_errors"`
	Error          *Failure    `json:"error,omitempty" db:"error"`
	RequestID      string      `json:"request_id" db:"request_id"`
	IdempotencyKey string      `json:"idempotency_key,omitempty" db:"idempotency_key"`
	CallbackURL    string      `json:"callback_url,omitempty" db:"callback_url"`
	ETag           string      `json:"etag" db:"etag"`
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at" db:"updated_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time  `json:"finished_at,omitempty" db:"finished_at"`
	ExpiresAt      time.Time   `json:"expires_at" db:"expires_at"`
}

// NewJob creates a queued job from a validated spec.
func NewJob(id uuid.UUID, spec Spec, now time.Time) *Job {
	if id == uuid.Nil {
		id = uuid.New()
	}
	now = now.UTC()
	j := &Job{
		ID:             id,
		Status:         StatusQueued,
		Input:          spec.Input,
		RequestID:      spec.RequestID,
		IdempotencyKey: spec.IdempotencyKey,
		CallbackURL:    spec.CallbackURL,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(spec.TTL()),
	}
	j.RefreshETag()
	return j
}

// TransitionTo validates and performs a state transition.
func (j *Job) TransitionTo(newStatus Status, now time.Time) error {
	allowed, ok := validTransitions[j.Status]
	if !ok {
		return fmt.Errorf("unknown current status: %s", j.Status)
	}

	for _, s := range allowed {
		if s == newStatus {
			j.Status = newStatus
			j.UpdatedAt = now.UTC()
			return nil
		}
	}

	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, j.Status, newStatus)
}

// MarkProcessing transitions the job to processing and records the start time.
func (j *Job) MarkProcessing(now time.Time) error {
	if err := j.TransitionTo(StatusProcessing, now); err != nil {
		return err
	}
	started := now.UTC()
	j.StartedAt = &started
	j.Progress = 0
	return nil
}

// MarkCompleted transitions the job to completed with its results.
func (j *Job) MarkCompleted(results []Result, itemErrs []ItemError, now time.Time) error {
	if len(results) == 0 {
		return fmt.Errorf("%w: completed job requires results", ErrInvalidTransition)
	}
	if err := j.TransitionTo(StatusCompleted, now); err != nil {
		return err
	}
	j.Results = results
	j.ItemErrors = itemErrs
	j.Error = nil
	j.Progress = 100
	j.finish(now)
	return nil
}

// MarkFailed transitions the job to failed with an error.
func (j *Job) MarkFailed(f Failure, now time.Time) error {
	if f.Code == "" {
		f.Code = "PROCESSING_ERROR"
	}
	if err := j.TransitionTo(StatusFailed, now); err != nil {
		return err
	}
	j.Error = &f
	j.Results = nil
	j.finish(now)
	return nil
}

// MarkCanceled transitions a queued or processing job to canceled.
func (j *Job) MarkCanceled(now time.Time) error {
	if err := j.TransitionTo(StatusCanceled, now); err != nil {
		return err
	}
	j.finish(now)
	return nil
}

// MarkExpired records that a queued job outlived its TTL before any worker
// picked it up.
func (j *Job) MarkExpired(now time.Time) error {
	if err := j.TransitionTo(StatusExpired, now); err != nil {
		return err
	}
	j.finish(now)
	return nil
}

// SetProgress records progress for a processing job. Progress never moves
// backwards; a lower value is ignored and reported as anomalous.
func (j *Job) SetProgress(percent int, now time.Time) (anomalous bool, err error) {
	if j.Status != StatusProcessing {
		return false, fmt.Errorf("%w: status is %s", ErrNotProcessing, j.Status)
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent < j.Progress {
		return true, nil
	}
	j.Progress = percent
	j.UpdatedAt = now.UTC()
	return false, nil
}

// IsExpired reports whether the job is past its expiry at the given time.
func (j *Job) IsExpired(now time.Time) bool {
	return !now.Before(j.ExpiresAt)
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Input = j.Input.clone()
	if j.Results != nil {
		c.Results = make([]Result, len(j.Results))
		for i, r := range j.Results {
			r.Palette = append([]Color(nil), r.Palette...)
			c.Results[i] = r
		}
	}
	if j.ItemErrors != nil {
		c.ItemErrors = append([]ItemError(nil), j.ItemErrors...)
	}
	if j.Error != nil {
		f := *j.Error
		c.Error = &f
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

func (j *Job) finish(now time.Time) {
	finished := now.UTC()
	j.FinishedAt = &finished
}
