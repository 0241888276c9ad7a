package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Condition reports whether the awaited state has been reached.
type Condition func(ctx context.Context) (bool, error)

// Gate blocks between checks, typically on an operator acknowledgment.
// Returning an error cancels the wait.
type Gate func(ctx context.Context) error

// WaitOptions configures WaitUntil.
type WaitOptions struct {
	// Interval between checks when no Gate is set.
	Interval time.Duration
	// Timeout bounds the whole wait. Zero waits until cancelled.
	Timeout time.Duration
	// Gate, when set, replaces the interval sleep.
	Gate  Gate
	Sleep Sleeper
}

// WaitUntil checks cond until it holds. It returns nil on success,
// ErrWaitTimeout when Timeout passes, ErrWaitCancelled when the gate refuses,
// ctx.Err() when ctx is cancelled, or the condition's own error.
func WaitUntil(ctx context.Context, cond Condition, opts WaitOptions) error {
	sleep := opts.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	for {
		ok, err := cond(waitCtx)
		if err != nil {
			return mapWaitErr(ctx, waitCtx, err)
		}
		if ok {
			return nil
		}

		if opts.Gate != nil {
			if err := opts.Gate(waitCtx); err != nil {
				if waitCtx.Err() != nil {
					return mapWaitErr(ctx, waitCtx, err)
				}
				return fmt.Errorf("%w: %w", ErrWaitCancelled, err)
			}
			continue
		}

		if err := sleep(waitCtx, opts.Interval); err != nil {
			return mapWaitErr(ctx, waitCtx, err)
		}
	}
}

// mapWaitErr distinguishes the wait's own deadline from the caller's
// cancellation.
func mapWaitErr(parent, waitCtx context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(waitCtx.Err(), context.DeadlineExceeded) {
		return ErrWaitTimeout
	}
	return err
}
