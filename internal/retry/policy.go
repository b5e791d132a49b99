// Package retry provides exponential backoff with jitter for polling and
// retrying clients.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Policy defines parameters for retry behavior with exponential backoff and jitter.
type Policy struct {
	MaxRetries  int           `json:"max_retries"`
	BaseDelay   time.Duration `json:"base_delay"`
	MaxDelay    time.Duration `json:"max_delay"`
	Multiplier  float64       `json:"multiplier"`
	JitterRatio float64       `json:"jitter_ratio"` // 0.0 to 1.0
	// Timeout bounds the whole sequence of attempts. Zero means no bound.
	Timeout time.Duration `json:"timeout"`
}

// DefaultPolicy returns the policy used for retrying a single request.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxRetries:  3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		Multiplier:  2.0,
		JitterRatio: 0.1,
	}
}

// PollPolicy returns the policy used while waiting for a job to finish.
func PollPolicy() *Policy {
	return &Policy{
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
		Multiplier:  1.5,
		JitterRatio: 0.2,
		Timeout:     5 * time.Minute,
	}
}

// NextDelay computes the delay before the next retry attempt using
// exponential backoff with jitter.
func (p *Policy) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseDelay
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Apply jitter: +/- jitterRatio of the delay.
	jitter := delay * p.JitterRatio * (2*rand.Float64() - 1)
	delay += jitter

	if delay < 0 {
		delay = float64(p.BaseDelay)
	}

	return time.Duration(delay)
}

// ShouldRetry reports whether another attempt should be made.
func (p *Policy) ShouldRetry(attempt int) bool {
	return attempt < p.MaxRetries
}

// Backoff tracks one sequence of attempts against a policy: how many were
// made and when the overall budget runs out.
type Backoff struct {
	policy   Policy
	attempt  int
	deadline time.Time
	now      func() time.Time
}

// Start begins a backoff sequence at the current time.
func (p *Policy) Start() *Backoff {
	return p.StartAt(time.Now)
}

// StartAt begins a backoff sequence using now as its clock.
func (p *Policy) StartAt(now func() time.Time) *Backoff {
	b := &Backoff{policy: *p, now: now}
	if p.Timeout > 0 {
		b.deadline = now().Add(p.Timeout)
	}
	return b
}

// Attempt returns how many delays have been handed out.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Deadline returns the end of the budget, or the zero time when unbounded.
func (b *Backoff) Deadline() time.Time {
	return b.deadline
}

// Next returns the delay before the next attempt. The delay is never below
// floor, which carries a server-provided Retry-After; a floored delay is
// jittered upwards so clients sharing a hint do not poll in lockstep. It is
// shortened so the last attempt lands on the deadline, and ok is false once
// the budget is exhausted.
func (b *Backoff) Next(floor time.Duration) (delay time.Duration, ok bool) {
	b.attempt++
	delay = b.policy.NextDelay(b.attempt)
	if floor > delay {
		delay = floor + time.Duration(float64(floor)*b.policy.JitterRatio*rand.Float64())
	}
	if b.deadline.IsZero() {
		return delay, true
	}
	remaining := b.deadline.Sub(b.now())
	if remaining <= 0 {
		return 0, false
	}
	if delay > remaining {
		delay = remaining
	}
	return delay, true
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
