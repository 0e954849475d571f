package ratelimit

import (
	"context"
	"math/rand"
	"time"
)

// State is the position of one fetch in its retry lifecycle.
type State int

const (
	StatePending State = iota
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RetryPolicy bounds the attempt loop.
type RetryPolicy struct {
	// MaxAttempts is the total number of tries including the first.
	MaxAttempts int
	// Base is the first backoff delay; each retry doubles it.
	Base time.Duration
	// MaxDelay caps the backoff growth.
	MaxDelay time.Duration
	// Retryable decides whether an error is worth another attempt. A nil
	// predicate retries everything.
	Retryable func(error) bool
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	return p
}

// Retry drives one fetch through its attempt budget. It is not safe for
// concurrent use: create one per task and inspect State/Attempts after Do
// returns.
type Retry struct {
	policy   RetryPolicy
	state    State
	attempts int
}

// NewRetry creates a retry controller in StatePending.
func NewRetry(policy RetryPolicy) *Retry {
	return &Retry{policy: policy.withDefaults(), state: StatePending}
}

// State returns the current lifecycle state.
func (r *Retry) State() State {
	return r.state
}

// Attempts returns how many times fn has run.
func (r *Retry) Attempts() int {
	return r.attempts
}

// Do runs fn until it succeeds, fails permanently, or the attempt budget is
// spent. Between attempts it sleeps an exponentially growing, jittered delay;
// a done context aborts the sleep and fails the task.
func (r *Retry) Do(ctx context.Context, fn func(context.Context) error) error {
	r.state = StatePending
	r.attempts = 0

	var lastErr error
	for r.attempts < r.policy.MaxAttempts {
		r.attempts++

		lastErr = fn(ctx)
		if lastErr == nil {
			r.state = StateSucceeded
			return nil
		}

		if r.policy.Retryable != nil && !r.policy.Retryable(lastErr) {
			r.state = StateFailed
			return lastErr
		}
		if r.attempts == r.policy.MaxAttempts {
			break
		}

		r.state = StateRetrying
		if err := sleepCtx(ctx, r.delay(r.attempts)); err != nil {
			r.state = StateFailed
			return err
		}
	}

	r.state = StateFailed
	return lastErr
}

// delay computes the backoff before attempt n+1: Base doubled per completed
// attempt, capped at MaxDelay, with up to ±25% jitter so synchronized
// clients spread out.
func (r *Retry) delay(attempt int) time.Duration {
	d := r.policy.Base
	for i := 1; i < attempt && d < r.policy.MaxDelay; i++ {
		d *= 2
	}
	if d > r.policy.MaxDelay {
		d = r.policy.MaxDelay
	}
	if jitter := int64(d / 4); jitter > 0 {
		d += time.Duration(rand.Int63n(2*jitter+1) - jitter)
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
