// Package retry retries idempotent backend reads with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// Policy holds retry configuration.
type Policy struct {
	Attempts    int           // Maximum number of attempts (0 = until ctx is done)
	InitialWait time.Duration // Wait after the first failure
	MaxWait     time.Duration // Upper bound for a single wait
	Multiplier  float64       // Backoff multiplier
	Jitter      float64       // Jitter factor (0-1)

	// OnRetry, if set, is called before each wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// DefaultPolicy returns the policy used for listing and download calls.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:    3,
		InitialWait: 100 * time.Millisecond,
		MaxWait:     5 * time.Second,
		Multiplier:  2.0,
		Jitter:      0.1,
	}
}

type transientError struct {
	err error
}

func (e transientError) Error() string { return e.err.Error() }
func (e transientError) Unwrap() error { return e.err }

// Transient marks err as worth retrying. nil stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked with Transient.
func IsTransient(err error) bool {
	var t transientError
	return errors.As(err, &t)
}

// Wait returns the backoff before attempt+1, without jitter.
func (p Policy) Wait(attempt int) time.Duration {
	wait := float64(p.InitialWait) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxWait > 0 && wait > float64(p.MaxWait) {
		wait = float64(p.MaxWait)
	}
	return time.Duration(wait)
}

// Do calls fn until it succeeds, returns a non-transient error, the attempts
// are used up or ctx is done. The last error is returned unwrapped from its
// transient marker.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; p.Attempts == 0 || attempt <= p.Attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if p.Attempts != 0 && attempt == p.Attempts {
			break
		}

		wait := p.Wait(attempt)
		if p.Jitter > 0 {
			wait += time.Duration(float64(wait) * p.Jitter * (rand.Float64()*2 - 1))
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, wait, err)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(wait):
		}
	}

	var t transientError
	if errors.As(lastErr, &t) {
		return zero, t.err
	}
	return zero, lastErr
}
