// Package retry provides bounded exponential backoff shared by the LLM client,
// the graph store wrapper and the stage executor.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// ErrExhausted is wrapped into the error returned by Do when every attempt failed.
var ErrExhausted = errors.New("retries exhausted")

// Policy holds the tuning parameters for retries. Zero values are replaced
// with defaults by WithDefaults.
type Policy struct {
	// MaxRetries is the number of retries after the first failure.
	// A value of 3 means fn is called at most 4 times.
	MaxRetries int

	// InitialBackoff is the wait before the first retry. Default: 1s.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait. Default: 60s.
	MaxBackoff time.Duration

	// Factor is the exponential growth multiplier. Default: 2.0.
	Factor float64

	// JitterFraction adds noise in [0, JitterFraction*backoff]. Default: 0.1.
	JitterFraction float64
}

// DefaultPolicy returns the policy used for LLM and store calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:     3,
		InitialBackoff: time.Second,
		MaxBackoff:     60 * time.Second,
		Factor:         2.0,
		JitterFraction: 0.1,
	}
}

// WithDefaults returns a copy of p with zero-valued fields filled in.
// A negative MaxRetries disables retries.
func (p Policy) WithDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxRetries == 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = d.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = d.MaxBackoff
	}
	if p.Factor == 0 {
		p.Factor = d.Factor
	}
	if p.JitterFraction == 0 {
		p.JitterFraction = d.JitterFraction
	}
	return p
}

// Backoff returns the wait duration before retry number attempt (0-indexed):
// min(InitialBackoff * Factor^attempt, MaxBackoff) + jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	base := float64(p.InitialBackoff) * math.Pow(p.Factor, float64(attempt))
	if base > float64(p.MaxBackoff) {
		base = float64(p.MaxBackoff)
	}

	jitter := base * p.JitterFraction * rand.Float64() //nolint:gosec // non-cryptographic jitter
	return time.Duration(base + jitter)
}

// Do calls fn until it succeeds, returns an error rejected by retryable, the
// policy is exhausted, or ctx is done.
func Do(ctx context.Context, p Policy, retryable func(error) bool, fn func(ctx context.Context) error) error {
	p = p.WithDefaults()

	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if retryable == nil || !retryable(err) {
			return err
		}
	}

	return fmt.Errorf("%w after %d retries: %w", ErrExhausted, p.MaxRetries, lastErr)
}
