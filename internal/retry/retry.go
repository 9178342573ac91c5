// Package retry runs calls against the scoring service, the document store,
// the Kafka feed and webhook endpoints with exponential backoff and jitter.
//
// Errors are transient unless wrapped with Permanent.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that no policy retries it. Permanent(nil) is nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// Classify marks err permanent when it matches any of permanent, and leaves
// it transient otherwise.
func Classify(err error, permanent ...error) error {
	if err == nil {
		return nil
	}
	for _, p := range permanent {
		if errors.Is(err, p) {
			return Permanent(err)
		}
	}
	return err
}

// Policy is a backoff schedule. The delay starts at BaseDelay, doubles after
// every failed attempt up to MaxDelay, and carries +-25% jitter.
type Policy struct {
	// Attempts bounds the number of calls; zero or less retries until the
	// context ends or a permanent error is returned.
	Attempts  int
	BaseDelay time.Duration
	// MaxDelay caps the backoff; zero leaves it uncapped.
	MaxDelay time.Duration
	// OnRetry, when set, is called before each sleep with the failed attempt
	// number (starting at 1) and its error.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, returns a permanent error, the attempts run
// out or ctx ends. A permanent error is returned unwrapped; on exhaustion the
// last error is returned; on cancellation ctx.Err().
func (p Policy) Do(ctx context.Context, fn func() error) error {
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.Attempts > 0 && attempt >= p.Attempts {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jitter(delay)):
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// Do calls fn up to maxAttempts times (at least once) starting from
// baseDelay, with no cap on the delay.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, fn)
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
