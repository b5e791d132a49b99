// Package status builds conditional status responses for job polling.
package status

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/palette-engine/internal/job"
)

// Polling hints per status. Terminal statuses carry none.
const (
	QueuedRetryAfter     = 2 * time.Second
	ProcessingRetryAfter = 5 * time.Second
)

// RetryAfter returns the polling hint for s, or zero when the client should
// stop polling.
func RetryAfter(s job.Status) time.Duration {
	switch s {
	case job.StatusQueued:
		return QueuedRetryAfter
	case job.StatusProcessing:
		return ProcessingRetryAfter
	}
	return 0
}

// Response is a status poll outcome. Body is nil when NotModified is set.
type Response struct {
	Body        *job.View
	ETag        string
	RetryAfter  time.Duration
	NotModified bool
}

// Getter reads jobs.
type Getter interface {
	Get(ctx context.Context, id uuid.UUID) (*job.Job, error)
}

// Responder answers status polls with entity tags.
type Responder struct {
	jobs Getter
}

// NewResponder creates a responder backed by jobs.
func NewResponder(jobs Getter) *Responder {
	return &Responder{jobs: jobs}
}

// GetStatus returns the current representation of the job, or NotModified
// when ifNoneMatch matches its entity tag. Missing and expired jobs surface
// job.ErrNotFound and job.ErrExpired without any body.
func (r *Responder) GetStatus(ctx context.Context, id uuid.UUID, ifNoneMatch string) (*Response, error) {
	j, err := r.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &Response{ETag: j.ETag, RetryAfter: RetryAfter(j.Status)}
	if matches(ifNoneMatch, j.ETag) {
		resp.NotModified = true
		return resp, nil
	}
	v := j.View()
	resp.Body = &v
	return resp, nil
}

// matches implements If-None-Match comparison, accepting a list of tags,
// the wildcard and weak validators.
func matches(header, etag string) bool {
	header = strings.TrimSpace(header)
	if header == "" || etag == "" {
		return false
	}
	if header == "*" {
		return true
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == etag {
			return true
		}
	}
	return false
}
