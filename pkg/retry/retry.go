// Package retry provides the bounded retry-with-backoff combinator shared by
// every collaborator call (ledger, storage, registry read-back).
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is wrapped by Do when all attempts failed
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a retry loop. Multiplier 1 gives a fixed backoff.
type Policy struct {
	MaxAttempts int
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
}

// Fixed returns a fixed-interval policy
func Fixed(attempts int, interval time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Interval: interval, Multiplier: 1}
}

// Exponential returns a policy that doubles the interval up to max
func Exponential(attempts int, initial, max time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Interval: initial, MaxInterval: max, Multiplier: 2}
}

// Backoff returns the wait before attempt n+1 (n starts at 1)
func (p Policy) Backoff(n int) time.Duration {
	d := p.Interval
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxInterval > 0 && d > p.MaxInterval {
			return p.MaxInterval
		}
	}
	return d
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable; Do returns the wrapped error at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do calls fn until it succeeds, returns a Permanent error, the context ends or
// the policy's attempts run out. onRetry, if non-nil, is called before each wait.
func Do(ctx context.Context, p Policy, clock Clock, fn func(ctx context.Context) error, onRetry func(attempt int, err error)) error {
	if clock == nil {
		clock = RealClock{}
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts {
			break
		}
		if onRetry != nil {
			onRetry(attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(p.Backoff(attempt)):
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
