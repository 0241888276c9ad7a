package health

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/core/retry"
	"github.com/artpar/shipctl/internal/shell/remotetest"
)

func policy() domain.HealthPolicy {
	return domain.HealthPolicy{
		Service:      "api",
		Port:         "8000/tcp",
		Path:         "/health",
		MaxAttempts:  12,
		Interval:     5 * time.Second,
		ProbeTimeout: 2 * time.Second,
	}
}

type sleeps struct{ n int }

func (s *sleeps) sleep(_ context.Context, _ time.Duration) error {
	s.n++
	return nil
}

func TestURL(t *testing.T) {
	tests := []struct {
		port    string
		path    string
		want    string
		wantErr bool
	}{
		{port: "8000/tcp", path: "/health", want: "http://127.0.0.1:8000/health"},
		{port: "8000", path: "ready", want: "http://127.0.0.1:8000/ready"},
		{port: "9090", path: "", want: "http://127.0.0.1:9090/"},
		{port: "8000/udp", wantErr: true},
		{port: "http", wantErr: true},
		{port: "", wantErr: true},
		{port: "8000-8001/tcp", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.port, func(t *testing.T) {
			got, err := URL(domain.HealthPolicy{Port: tt.port, Path: tt.path})
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidPort)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerify_ReadyAfterWarmup(t *testing.T) {
	h := remotetest.NewHost("deploy")
	defer h.Close()
	var calls atomic.Int32
	h.Serve(8000, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	s := &sleeps{}
	res, err := NewVerifier(policy(), h.DialContext, nil, nil, WithSleeper(s.sleep)).Verify(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, 2, s.n)
}

func TestVerify_TimeoutIsNonFatal(t *testing.T) {
	h := remotetest.NewHost("deploy")
	defer h.Close()
	var calls atomic.Int32
	h.Serve(8000, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))

	diagnostics := []string{"docker compose logs --tail=100 api", "docker compose ps"}
	s := &sleeps{}
	res, err := NewVerifier(policy(), h.DialContext, diagnostics, nil, WithSleeper(s.sleep)).Verify(context.Background())
	require.Error(t, err)

	assert.ErrorIs(t, err, domain.ErrHealthCheckTimeout)
	assert.ErrorIs(t, err, ErrNotReady)
	assert.False(t, domain.IsFatal(err))
	assert.Equal(t, domain.ExitSuccess, domain.ExitCode(err))
	assert.Equal(t, diagnostics, domain.Remediation(err))

	assert.Equal(t, int32(12), calls.Load(), "exactly max_attempts probes")
	assert.Equal(t, 12, res.Attempts)
	assert.Equal(t, 11, s.n, "no sleep after the last probe")
}

func TestVerify_ConnectionRefusedCountsAsAttempt(t *testing.T) {
	h := remotetest.NewHost("deploy") // nothing listening
	p := policy()
	p.MaxAttempts = 3

	_, err := NewVerifier(p, h.DialContext, nil, nil, WithSleeper((&sleeps{}).sleep)).Verify(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHealthCheckTimeout)
	assert.ErrorIs(t, err, retry.ErrExhausted)
}

func TestVerify_BoundedByWallClock(t *testing.T) {
	h := remotetest.NewHost("deploy")
	p := policy()
	p.MaxAttempts = 3
	p.Interval = 10 * time.Millisecond

	start := time.Now()
	_, err := NewVerifier(p, h.DialContext, nil, nil).Verify(context.Background())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Duration(p.MaxAttempts)*p.Interval+200*time.Millisecond)
}

func TestVerify_HangingEndpointBoundedByAttemptsTimesInterval(t *testing.T) {
	h := remotetest.NewHost("deploy")
	defer h.Close()
	release := make(chan struct{})
	defer close(release)
	var calls atomic.Int32
	h.Serve(8000, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))

	p := policy()
	p.MaxAttempts = 4
	p.Interval = 250 * time.Millisecond
	p.ProbeTimeout = 5 * time.Second // capped at the interval

	start := time.Now()
	res, err := NewVerifier(p, h.DialContext, nil, nil).Verify(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHealthCheckTimeout)
	assert.False(t, domain.IsFatal(err))
	assert.LessOrEqual(t, elapsed, time.Duration(p.MaxAttempts)*p.Interval+150*time.Millisecond)
	assert.LessOrEqual(t, res.Attempts, p.MaxAttempts)
	assert.GreaterOrEqual(t, calls.Load(), int32(3))
}

func TestVerify_Cancelled(t *testing.T) {
	h := remotetest.NewHost("deploy")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewVerifier(policy(), h.DialContext, nil, nil).Verify(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, domain.ErrHealthCheckTimeout))
}

func TestVerify_InvalidPort(t *testing.T) {
	p := policy()
	p.Port = "udp"
	_, err := NewVerifier(p, nil, nil, nil).Verify(context.Background())
	assert.ErrorIs(t, err, domain.ErrPrecondition)
}
