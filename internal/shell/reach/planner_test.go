package reach

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/shell/console"
)

var testTarget = domain.Target{Host: "10.0.0.5", Port: 22, User: "deploy", RemoteDir: "/opt/app"}

// flakyProbe reports unreachable for the first n probes.
func flakyProbe(n int32) (ProbeFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(ctx context.Context, addr string, timeout time.Duration) bool {
		return calls.Add(1) > n
	}, &calls
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestWait_ReachableImmediately(t *testing.T) {
	probe, calls := flakyProbe(0)
	prompter := console.NewScripted()
	var out bytes.Buffer
	p := NewPlanner(testTarget, domain.NetworkPolicy{}, prompter, console.New(&out, &out), nil, WithProbe(probe))

	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, prompter.Asked())
	assert.Empty(t, out.String())
}

func TestWait_OperatorConfirmsAfterSwitch(t *testing.T) {
	probe, calls := flakyProbe(2)
	prompter := console.NewScripted(true, true)
	var out bytes.Buffer
	p := NewPlanner(testTarget, domain.NetworkPolicy{}, prompter, console.New(&out, &out), nil, WithProbe(probe))

	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
	require.Len(t, prompter.Asked(), 2)
	assert.Equal(t, "Network switched?", prompter.Asked()[0].Title)
	assert.False(t, prompter.Asked()[0].Default)
	assert.Contains(t, out.String(), "10.0.0.5:22 is not reachable")
	assert.Contains(t, out.String(), "still unreachable")
}

func TestWait_OperatorDeclines(t *testing.T) {
	probe, _ := flakyProbe(100)
	prompter := console.NewScripted(false)
	p := NewPlanner(testTarget, domain.NetworkPolicy{ProbeTimeout: 3 * time.Second}, prompter, nil, nil, WithProbe(probe))

	err := p.Wait(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrPrecondition)
	assert.True(t, domain.IsFatal(err))
	assert.Contains(t, domain.Remediation(err), "nc -vz -w 3 10.0.0.5 22")
}

func TestWait_UnattendedPollsUntilReachable(t *testing.T) {
	probe, calls := flakyProbe(3)
	policy := domain.NetworkPolicy{WaitTimeout: time.Minute, PollInterval: time.Second}
	p := NewPlanner(testTarget, policy, console.AutoApprove{}, nil, nil, WithProbe(probe), WithSleeper(noSleep))

	require.NoError(t, p.Wait(context.Background()))
	assert.Equal(t, int32(4), calls.Load())
}

func TestWait_UnattendedWithoutTimeoutFailsFast(t *testing.T) {
	probe, calls := flakyProbe(100)
	p := NewPlanner(testTarget, domain.NetworkPolicy{}, console.NonInteractive{}, nil, nil, WithProbe(probe))

	err := p.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWait_UnattendedTimesOut(t *testing.T) {
	probe, _ := flakyProbe(1 << 20)
	policy := domain.NetworkPolicy{WaitTimeout: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond}
	p := NewPlanner(testTarget, policy, console.NonInteractive{}, nil, nil, WithProbe(probe))

	start := time.Now()
	err := p.Wait(context.Background())
	assert.ErrorIs(t, err, domain.ErrPrecondition)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestWait_ContextCancelled(t *testing.T) {
	probe, _ := flakyProbe(1 << 20)
	policy := domain.NetworkPolicy{WaitTimeout: time.Hour, PollInterval: 5 * time.Millisecond}
	p := NewPlanner(testTarget, policy, console.NonInteractive{}, nil, nil, WithProbe(probe))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	assert.True(t, TCPProbe(context.Background(), addr, time.Second))

	ln.Close()
	assert.False(t, TCPProbe(context.Background(), addr, 200*time.Millisecond))
}
