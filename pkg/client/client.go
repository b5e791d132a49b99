// Package client provides a Go SDK for submitting and polling palette jobs.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/leejennwah/palette-engine/internal/retry"
	"github.com/leejennwah/palette-engine/internal/signature"
)

// ErrTimeout is returned by WaitForCompletion when the polling budget runs
// out before the job reaches a terminal state.
var ErrTimeout = errors.New("client: timed out waiting for job")

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
	StatusExpired    Status = "expired"
)

// IsTerminal reports whether polling can stop.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled, StatusExpired:
		return true
	}
	return false
}

// Client communicates with the palette engine API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
	secret     []byte
	retry      *retry.Policy
	now        func() time.Time
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSigningSecret signs every mutating request with secret.
func WithSigningSecret(secret string) Option {
	return func(c *Client) { c.secret = []byte(secret) }
}

// WithRetryPolicy sets the policy for retrying idempotent submissions on
// transport errors.
func WithRetryPolicy(p *retry.Policy) Option {
	return func(c *Client) { c.retry = p }
}

// New creates a new palette engine client.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		retry: retry.DefaultPolicy(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Image is an uploaded image.
type Image struct {
	Filename string
	Data     []byte
}

// SubmitRequest describes a job. Set exactly one of Zip, Images or URLs.
type SubmitRequest struct {
	Zip         []byte
	Images      []Image
	URLs        []string
	CallbackURL string
	TTLHours    int
	// IdempotencyKey makes the submission safe to retry.
	IdempotencyKey string
	// RequestID is sent as X-Request-Id on the first attempt.
	RequestID string
}

type wireImage struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

type wireSubmit struct {
	URLs        []string    `json:"urls,omitempty"`
	Zip         string      `json:"zip,omitempty"`
	Images      []wireImage `json:"images,omitempty"`
	CallbackURL string      `json:"callback_url,omitempty"`
	TTLHours    int         `json:"ttl_h,omitempty"`
}

// SubmitResponse is the API response for an accepted job.
type SubmitResponse struct {
	JobID     uuid.UUID `json:"job_id"`
	Status    Status    `json:"status"`
	ETASecs   int       `json:"eta_s"`
	RequestID string    `json:"request_id"`
}

// Color is an RGB triple.
type Color [3]uint8

// Result is the palette extracted from one image.
type Result struct {
	Filename   string  `json:"filename"`
	Palette    []Color `json:"palette"`
	PreviewRef string  `json:"preview_ref"`
}

// ItemError is an image that could not be processed.
type ItemError struct {
	Filename string `json:"filename"`
	Code     string `json:"error_code"`
	Message  string `json:"message"`
}

// JobError explains a failed job.
type JobError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// Job is the status representation of a job.
type Job struct {
	JobID        uuid.UUID   `json:"job_id"`
	Status       Status      `json:"status"`
	Progress     int         `json:"progress"`
	RequestID    string      `json:"request_id"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	FinishedAt   *time.Time  `json:"finished_at,omitempty"`
	ExpiresAt    time.Time   `json:"expires_at"`
	ResultsCount int         `json:"results_count"`
	Results      []Result    `json:"results,omitempty"`
	ItemErrors   []ItemError `json:"item_errors,omitempty"`
	Error        *JobError   `json:"error,omitempty"`
}

// StatusResult is one poll. Job is nil when NotModified is set.
type StatusResult struct {
	Job         *Job
	ETag        string
	RetryAfter  time.Duration
	NotModified bool
}

// APIError is an error envelope returned by the server.
type APIError struct {
	StatusCode  int           `json:"-"`
	Code        string        `json:"error_code"`
	UserMessage string        `json:"user_message"`
	RequestID   string        `json:"request_id"`
	Timestamp   time.Time     `json:"timestamp"`
	RetryAfter  time.Duration `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.UserMessage)
}

// SubmitJob submits a new job. Requests carrying an idempotency key are
// retried on transport errors.
func (c *Client) SubmitJob(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	wire := wireSubmit{
		URLs:        req.URLs,
		CallbackURL: req.CallbackURL,
		TTLHours:    req.TTLHours,
	}
	if len(req.Zip) > 0 {
		wire.Zip = base64.StdEncoding.EncodeToString(req.Zip)
	}
	for _, img := range req.Images {
		wire.Images = append(wire.Images, wireImage{Filename: img.Filename, Data: base64.StdEncoding.EncodeToString(img.Data)})
	}
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	requestID := req.RequestID
	for attempt := 0; ; attempt++ {
		if requestID == "" {
			requestID = uuid.NewString()
		}
		headers := http.Header{signature.HeaderRequestID: {requestID}}
		if req.IdempotencyKey != "" {
			headers.Set("Idempotency-Key", req.IdempotencyKey)
		}

		resp, err := c.send(ctx, http.MethodPost, "/jobs", body, headers)
		if err != nil {
			if req.IdempotencyKey == "" || !c.retry.ShouldRetry(attempt) || ctx.Err() != nil {
				return nil, err
			}
			if err := retry.Sleep(ctx, c.retry.NextDelay(attempt+1)); err != nil {
				return nil, err
			}
			// The failed attempt may have reached the server, so its
			// request ID cannot be reused.
			requestID = ""
			continue
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusAccepted {
			return nil, decodeAPIError(resp)
		}
		var out SubmitResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &out, nil
	}
}

// GetStatus polls a job. A non-empty etag is sent as If-None-Match.
func (c *Client) GetStatus(ctx context.Context, id uuid.UUID, etag string) (*StatusResult, error) {
	headers := http.Header{}
	if etag != "" {
		headers.Set("If-None-Match", etag)
	}
	resp, err := c.send(ctx, http.MethodGet, "/jobs/"+id.String(), nil, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	res := &StatusResult{
		ETag:       resp.Header.Get("ETag"),
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	switch resp.StatusCode {
	case http.StatusNotModified:
		res.NotModified = true
		if res.ETag == "" {
			res.ETag = etag
		}
		return res, nil
	case http.StatusOK:
		var j Job
		if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		res.Job = &j
		return res, nil
	}
	return nil, decodeAPIError(resp)
}

// CancelJob cancels a queued or processing job.
func (c *Client) CancelJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	headers := http.Header{signature.HeaderRequestID: {uuid.NewString()}}
	resp, err := c.send(ctx, http.MethodDelete, "/jobs/"+id.String(), nil, headers)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}
	var j Job
	if err := json.NewDecoder(resp.Body).Decode(&j); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &j, nil
}

// WaitForCompletion polls until the job reaches a terminal state. Each
// delay is the larger of the backoff schedule and the server's
// Retry-After. Transport and server errors are retried on the same
// schedule. A nil policy uses retry.PollPolicy. The last seen job is
// returned alongside ErrTimeout or a context error.
func (c *Client) WaitForCompletion(ctx context.Context, id uuid.UUID, policy *retry.Policy) (*Job, error) {
	if policy == nil {
		policy = retry.PollPolicy()
	}
	b := policy.StartAt(c.now)

	var (
		last *Job
		etag string
	)
	for {
		if err := ctx.Err(); err != nil {
			return last, err
		}

		var floor time.Duration
		res, err := c.GetStatus(ctx, id, etag)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				if !retryable(apiErr.StatusCode) {
					return last, err
				}
				floor = apiErr.RetryAfter
			}
		case res.NotModified:
			floor = res.RetryAfter
		default:
			last, etag, floor = res.Job, res.ETag, res.RetryAfter
			if last.Status.IsTerminal() {
				return last, nil
			}
		}

		delay, ok := b.Next(floor)
		if !ok {
			return last, ErrTimeout
		}
		if err := retry.Sleep(ctx, delay); err != nil {
			return last, err
		}
	}
}

func (c *Client) send(ctx context.Context, method, path string, body []byte, headers http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range headers {
		httpReq.Header[k] = v
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if len(c.secret) > 0 && method != http.MethodGet {
		SignRequest(httpReq, c.secret, body, c.now())
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	return resp, nil
}

// SignRequest sets X-Timestamp and X-Signature on req for body.
func SignRequest(req *http.Request, secret, body []byte, now time.Time) {
	ts := signature.Timestamp(now)
	req.Header.Set(signature.HeaderTimestamp, ts)
	req.Header.Set(signature.HeaderSignature, signature.Sign(secret, signature.Parts{
		Timestamp: ts,
		Method:    req.Method,
		Path:      req.URL.Path,
		Body:      body,
	}))
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, apiErr); err != nil {
		apiErr.UserMessage = strings.TrimSpace(string(data))
	}
	return apiErr
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
