// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// Policy controls how Do retries.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// MaxDelay caps a single backoff sleep. Zero means uncapped.
	MaxDelay time.Duration
}

// DefaultPolicy suits short upstream HTTP calls.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// Do calls fn until it succeeds, returns a *PermanentError, the attempts
// run out, or ctx ends. The delay doubles each retry with ±25% jitter.
// A permanent error is returned unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return err
}

func jittered(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	j := d / 4
	return d - j + time.Duration(rand.Int64N(int64(2*j+1)))
}
