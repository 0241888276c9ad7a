// Package retry provides the bounded retry combinator and the cancellable
// wait-with-predicate used by every blocking phase of a run.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrExhausted is returned when every attempt failed.
	ErrExhausted = errors.New("retry attempts exhausted")

	// ErrWaitTimeout is returned when a wait reached its deadline.
	ErrWaitTimeout = errors.New("wait timed out")

	// ErrWaitCancelled is returned when the gate refused to continue.
	ErrWaitCancelled = errors.New("wait cancelled")
)

// permanentError stops Do from retrying.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// =============================================================================
// Policy
// =============================================================================

// Policy bounds a retry loop with a fixed delay between attempts.
type Policy struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Fixed returns a policy with a fixed delay between attempts.
func Fixed(attempts int, backoff time.Duration) Policy {
	return Policy{MaxAttempts: attempts, Backoff: backoff}
}

// Delay returns the pause after the given failed attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.Backoff <= 0 {
		return 0
	}
	return p.Backoff
}

// Window returns the wall-clock budget of a paced loop: one Backoff slot per
// attempt.
func (p Policy) Window() time.Duration {
	return time.Duration(p.MaxAttempts) * p.Delay(1)
}

// MaxDuration returns the total time spent sleeping when every attempt fails.
func (p Policy) MaxDuration() time.Duration {
	var total time.Duration
	for a := 1; a < p.MaxAttempts; a++ {
		total += p.Delay(a)
	}
	return total
}

// =============================================================================
// Sleeper
// =============================================================================

// Sleeper pauses for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Sleep is the real-time Sleeper.
func Sleep(ctx context.Context, d time.Duration) error {
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

// =============================================================================
// Do
// =============================================================================

// Result is the outcome of Do.
type Result[T any] struct {
	Value    T
	Attempts int
	Elapsed  time.Duration
	Err      error
}

// Option configures Do.
type Option func(*options)

type options struct {
	sleep   Sleeper
	onRetry func(attempt int, err error, delay time.Duration)
	paced   bool
}

// WithSleeper replaces the real-time sleeper.
func WithSleeper(s Sleeper) Option {
	return func(o *options) { o.sleep = s }
}

// WithOnRetry registers a callback run after each failed attempt that will be retried.
func WithOnRetry(fn func(attempt int, err error, delay time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithPacing measures the delay from the start of the failed attempt instead
// of its end, so attempts start at most one Backoff apart.
func WithPacing() Option {
	return func(o *options) { o.paced = true }
}

// Do runs op until it succeeds, returns a Permanent error, the policy's
// attempts are used up, or ctx is done. There is no sleep after the last
// attempt, so a failing loop ends after at most MaxDuration of sleeping.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context, attempt int) (T, error), opts ...Option) Result[T] {
	o := options{sleep: Sleep}
	for _, opt := range opts {
		opt(&o)
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}

	start := time.Now()
	var res Result[T]
	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			res.Err = joinCause(err, lastErr)
			break
		}

		res.Attempts = attempt
		attemptStart := time.Now()
		value, err := op(ctx, attempt)
		if err == nil {
			res.Value = value
			res.Err = nil
			res.Elapsed = time.Since(start)
			return res
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			res.Err = perm.err
			break
		}
		if attempt == p.MaxAttempts {
			res.Err = fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempt, err)
			break
		}

		delay := p.Delay(attempt)
		if o.paced {
			delay = max(delay-time.Since(attemptStart), 0)
		}
		if o.onRetry != nil {
			o.onRetry(attempt, err, delay)
		}
		if err := o.sleep(ctx, delay); err != nil {
			res.Err = joinCause(err, lastErr)
			break
		}
	}
	res.Elapsed = time.Since(start)
	return res
}

func joinCause(ctxErr, last error) error {
	if last == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %w)", ctxErr, last)
}
