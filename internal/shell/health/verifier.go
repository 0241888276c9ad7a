// Package health polls the deployed API's readiness endpoint on the target
// host through the run's SSH tunnel.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/core/retry"
)

var (
	ErrNotReady    = errors.New("service not ready")
	ErrInvalidPort = errors.New("invalid health port")
)

// DialFunc opens a connection as seen from the target host.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Result reports a successful poll.
type Result struct {
	URL      string
	Status   int
	Attempts int
	Elapsed  time.Duration
}

// Verifier polls one readiness endpoint.
type Verifier struct {
	policy      domain.HealthPolicy
	dial        DialFunc
	diagnostics []string
	sleep       retry.Sleeper
	logger      *slog.Logger
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithSleeper replaces the real-time sleep between attempts.
func WithSleeper(s retry.Sleeper) Option {
	return func(v *Verifier) { v.sleep = s }
}

// NewVerifier creates a verifier that dials through dial. diagnostics are
// printed when the service never becomes ready.
func NewVerifier(policy domain.HealthPolicy, dial DialFunc, diagnostics []string, logger *slog.Logger, opts ...Option) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		policy:      policy,
		dial:        dial,
		diagnostics: diagnostics,
		logger:      logger.With("component", "health", "service", policy.Service),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// URL returns the probed URL on the target host's loopback interface.
func URL(policy domain.HealthPolicy) (string, error) {
	port, err := parsePort(policy.Port)
	if err != nil {
		return "", err
	}
	p := policy.Path
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return "http://" + net.JoinHostPort("127.0.0.1", port) + p, nil
}

// parsePort accepts a Docker port spec such as "8000/tcp" or "8000".
func parsePort(spec string) (string, error) {
	if spec == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidPort)
	}
	proto, port := nat.SplitProtoPort(spec)
	if _, err := nat.ParsePort(port); err != nil || port == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPort, spec)
	}
	p, err := nat.NewPort(proto, port)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %w", ErrInvalidPort, spec, err)
	}
	if p.Proto() != "tcp" || p.Int() == 0 {
		return "", fmt.Errorf("%w: %q (need a tcp port)", ErrInvalidPort, spec)
	}
	return p.Port(), nil
}

// =============================================================================
// Verify
// =============================================================================

// Verify polls until the endpoint answers 2xx or the attempts run out. Running
// out returns a HealthCheckTimeout, which does not fail the run.
func (v *Verifier) Verify(ctx context.Context) (Result, error) {
	url, err := URL(v.policy)
	if err != nil {
		return Result{}, domain.NewPreconditionError("health", "health check configuration", err,
			"set health.port in shipctl.yaml, for example 8000/tcp")
	}

	probeTimeout := v.policy.Interval
	if v.policy.ProbeTimeout > 0 && (probeTimeout <= 0 || v.policy.ProbeTimeout < probeTimeout) {
		probeTimeout = v.policy.ProbeTimeout
	}
	if probeTimeout <= 0 {
		probeTimeout = 5 * time.Second
	}

	transport := &http.Transport{
		DialContext:       v.dial,
		DisableKeepAlives: true,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: probeTimeout}

	opts := []retry.Option{retry.WithPacing()}
	if v.sleep != nil {
		opts = append(opts, retry.WithSleeper(v.sleep))
	}
	opts = append(opts, retry.WithOnRetry(func(attempt int, err error, delay time.Duration) {
		v.logger.Info("service not ready yet", "attempt", attempt, "of", v.policy.MaxAttempts, "error", err)
	}))

	// Attempts start one interval apart and the whole poll ends within
	// max_attempts x interval, however long each request takes.
	policy := retry.Fixed(v.policy.MaxAttempts, v.policy.Interval)
	pollCtx := ctx
	if window := policy.Window(); window > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, window)
		defer cancel()
	}
	res := retry.Do(pollCtx, policy, func(ctx context.Context, attempt int) (int, error) {
		return probe(ctx, client, url)
	}, opts...)

	if res.Err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		v.logger.Warn("service did not become ready", "url", url, "attempts", res.Attempts, "error", res.Err)
		return Result{URL: url, Attempts: res.Attempts, Elapsed: res.Elapsed},
			domain.NewHealthCheckTimeout("health",
				fmt.Sprintf("%s not ready after %d attempts", v.policy.Service, res.Attempts),
				res.Err, v.diagnostics...)
	}

	v.logger.Info("service ready", "url", url, "status", res.Value, "attempts", res.Attempts)
	return Result{URL: url, Status: res.Value, Attempts: res.Attempts, Elapsed: res.Elapsed}, nil
}

func probe(ctx context.Context, client *http.Client, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, retry.Permanent(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("%w: status %d", ErrNotReady, resp.StatusCode)
	}
	return resp.StatusCode, nil
}
