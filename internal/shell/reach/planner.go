// Package reach makes sure the target host is reachable before anything is
// sent, asking the operator to switch networks when it is not.
package reach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/core/retry"
	"github.com/artpar/shipctl/internal/shell/console"
)

// ProbeFunc reports whether addr accepts TCP connections.
type ProbeFunc func(ctx context.Context, addr string, timeout time.Duration) bool

// TCPProbe dials addr once.
func TCPProbe(ctx context.Context, addr string, timeout time.Duration) bool {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Planner waits for the target host to become reachable.
type Planner struct {
	target   domain.Target
	policy   domain.NetworkPolicy
	prompter console.Prompter
	console  *console.Console
	probe    ProbeFunc
	sleep    retry.Sleeper
	logger   *slog.Logger
}

// Option configures a Planner.
type Option func(*Planner)

// WithProbe replaces the TCP probe.
func WithProbe(p ProbeFunc) Option {
	return func(pl *Planner) { pl.probe = p }
}

// WithSleeper replaces the sleep between unattended probes.
func WithSleeper(s retry.Sleeper) Option {
	return func(pl *Planner) { pl.sleep = s }
}

// NewPlanner creates a reachability planner.
func NewPlanner(target domain.Target, policy domain.NetworkPolicy, prompter console.Prompter, out *console.Console, logger *slog.Logger, opts ...Option) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	if out == nil {
		out = console.Discard()
	}
	if policy.ProbeTimeout <= 0 {
		policy.ProbeTimeout = 3 * time.Second
	}
	if policy.PollInterval <= 0 {
		policy.PollInterval = 5 * time.Second
	}
	p := &Planner{
		target:   target,
		policy:   policy,
		prompter: prompter,
		console:  out,
		probe:    TCPProbe,
		logger:   logger.With("component", "reach", "host", target.Host),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Reachable probes the target once.
func (p *Planner) Reachable(ctx context.Context) bool {
	return p.probe(ctx, p.target.Address(), p.policy.ProbeTimeout)
}

// Wait returns once the target accepts TCP connections on its SSH port. An
// operator refusal or an elapsed wait timeout is a PreconditionError; a
// cancelled ctx returns ctx.Err().
func (p *Planner) Wait(ctx context.Context) error {
	addr := p.target.Address()
	if p.Reachable(ctx) {
		p.logger.Info("target reachable", "addr", addr)
		return nil
	}

	p.logger.Warn("target unreachable", "addr", addr)
	p.console.WarningBox(
		fmt.Sprintf("%s is not reachable from this machine", addr),
		"Switch this machine to the network the target host is on,",
		"then confirm to continue. Answer no to cancel the run.",
	)

	opts := retry.WaitOptions{
		Timeout: p.policy.WaitTimeout,
		Sleep:   p.sleep,
	}
	if p.prompter != nil && p.prompter.Interactive() {
		opts.Gate = p.askOperator
	} else {
		if p.policy.WaitTimeout <= 0 {
			return p.unreachable(errors.New("no operator to switch networks and no wait timeout set"))
		}
		opts.Interval = p.policy.PollInterval
	}

	attempts := 0
	err := retry.WaitUntil(ctx, func(ctx context.Context) (bool, error) {
		attempts++
		if attempts == 1 {
			return false, nil // just probed above
		}
		ok := p.Reachable(ctx)
		if !ok {
			p.logger.Info("target still unreachable", "addr", addr, "probe", attempts)
			p.console.Warn("%s is still unreachable", addr)
		}
		return ok, nil
	}, opts)

	switch {
	case err == nil:
		p.logger.Info("target reachable", "addr", addr, "probes", attempts)
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return p.unreachable(err)
	}
}

func (p *Planner) askOperator(ctx context.Context) error {
	ok, err := p.prompter.Confirm(ctx, console.Question{
		Title:       "Network switched?",
		Description: fmt.Sprintf("Continue once %s is reachable.", p.target.Host),
		Default:     false,
	})
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("operator cancelled")
	}
	return nil
}

func (p *Planner) unreachable(err error) error {
	return domain.NewPreconditionError("reach",
		fmt.Sprintf("target %s is unreachable", p.target.Address()),
		err,
		fmt.Sprintf("nc -vz -w %d %s %d", int(p.policy.ProbeTimeout.Seconds()), p.target.Host, p.target.Port),
	)
}
