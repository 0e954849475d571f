// Package ratelimit paces outbound source calls and drives retries for
// transient failures. A Pacer enforces a minimum interval between calls to
// one upstream; a Retry walks a single fetch through its attempt budget with
// exponential backoff.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces calls to one upstream so that no two begin closer together
// than the configured minimum interval, across any number of goroutines.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer creates a pacer with the given minimum interval between calls.
// A zero or negative interval disables pacing.
func NewPacer(minInterval time.Duration) *Pacer {
	if minInterval <= 0 {
		return &Pacer{}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(minInterval), 1)}
}

// Wait blocks until the caller may proceed, or until the context ends.
func (p *Pacer) Wait(ctx context.Context) error {
	if p.limiter == nil {
		return ctx.Err()
	}
	return p.limiter.Wait(ctx)
}
