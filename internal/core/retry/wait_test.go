package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWaitUntil_ImmediatelyTrue(t *testing.T) {
	gateCalls := 0
	err := WaitUntil(context.Background(), func(ctx context.Context) (bool, error) {
		return true, nil
	}, WaitOptions{Gate: func(ctx context.Context) error {
		gateCalls++
		return nil
	}})

	assert.NoError(t, err)
	assert.Equal(t, 0, gateCalls)
}

func TestWaitUntil_GateBetweenChecks(t *testing.T) {
	checks := 0
	gateCalls := 0
	err := WaitUntil(context.Background(), func(ctx context.Context) (bool, error) {
		checks++
		return checks == 3, nil
	}, WaitOptions{Gate: func(ctx context.Context) error {
		gateCalls++
		return nil
	}})

	assert.NoError(t, err)
	assert.Equal(t, 3, checks)
	assert.Equal(t, 2, gateCalls)
}

func TestWaitUntil_GateRefuses(t *testing.T) {
	refused := errors.New("operator aborted")
	err := WaitUntil(context.Background(), func(ctx context.Context) (bool, error) {
		return false, nil
	}, WaitOptions{Gate: func(ctx context.Context) error { return refused }})

	assert.ErrorIs(t, err, ErrWaitCancelled)
	assert.ErrorIs(t, err, refused)
}

func TestWaitUntil_Timeout(t *testing.T) {
	err := WaitUntil(context.Background(), func(ctx context.Context) (bool, error) {
		return false, nil
	}, WaitOptions{Interval: 5 * time.Millisecond, Timeout: 30 * time.Millisecond})

	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitUntil_TimeoutWhileGateBlocks(t *testing.T) {
	err := WaitUntil(context.Background(), func(ctx context.Context) (bool, error) {
		return false, nil
	}, WaitOptions{Timeout: 20 * time.Millisecond, Gate: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestWaitUntil_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	err := WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		return false, nil
	}, WaitOptions{Gate: func(gctx context.Context) error {
		cancel()
		<-gctx.Done()
		return gctx.Err()
	}})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestWaitUntil_ConditionError(t *testing.T) {
	boom := errors.New("probe misconfigured")
	err := WaitUntil(context.Background(), func(ctx context.Context) (bool, error) {
		return false, boom
	}, WaitOptions{Interval: time.Millisecond})

	assert.ErrorIs(t, err, boom)
}
