// Package orchestrator sequences one deployment run: build, reach, transfer,
// activate, prune and verify.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-connections/nat"

	"github.com/artpar/shipctl/internal/core/activation"
	"github.com/artpar/shipctl/internal/core/compose"
	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/core/remotecmd"
	"github.com/artpar/shipctl/internal/core/retry"
	"github.com/artpar/shipctl/internal/core/versionstate"
	"github.com/artpar/shipctl/internal/shell/build"
	"github.com/artpar/shipctl/internal/shell/console"
	"github.com/artpar/shipctl/internal/shell/health"
	"github.com/artpar/shipctl/internal/shell/remote"
	"github.com/artpar/shipctl/internal/shell/retention"
	"github.com/artpar/shipctl/internal/shell/store"
	"github.com/artpar/shipctl/internal/shell/transport"
)

// =============================================================================
// Collaborators
// =============================================================================

// Remote is the channel to the target host.
type Remote interface {
	remotecmd.Runner
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	Close() error
}

// Builder produces the run's deployment units.
type Builder interface {
	Prepare(ctx context.Context, cfg domain.RunConfig) (build.Result, error)
}

// Reacher blocks until the target host is reachable.
type Reacher interface {
	Wait(ctx context.Context) error
}

// Connector opens the run's remote channel. The channel itself connects
// lazily on first use.
type Connector func(cfg domain.RunConfig) Remote

// sessionReporter is implemented by remotes that expose their session.
type sessionReporter interface {
	Session() *domain.TransferSession
}

// Phase names.
const (
	PhasePreflight  = "preflight"
	PhaseBuild      = "build"
	PhaseReach      = "reach"
	PhaseTransfer   = "transfer"
	PhaseActivation = "activation"
	PhaseRetention  = "retention"
	PhaseHealth     = "health"
	PhaseDone       = "done"
)

// Deps holds the orchestrator's collaborators.
type Deps struct {
	Builder Builder
	Reacher Reacher
	Connect Connector
	History store.Store     // optional
	Console *console.Console // optional
	Logger  *slog.Logger
	Sleep   retry.Sleeper    // nil = real time
	Now     func() time.Time // nil = time.Now
}

// =============================================================================
// Report
// =============================================================================

// Report describes a run, complete or not.
type Report struct {
	RunID      string
	Version    string
	Previous   string // version the last recorded run activated on this target
	Phase      string
	Session    *domain.TransferSession
	Build      build.Result
	Transfers  []transport.FileResult
	Activation []remote.StepResult
	Retention  []retention.Report
	Health     health.Result
	Healthy    bool
	Warnings   []string
	Elapsed    time.Duration
}

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator runs deployments.
type Orchestrator struct {
	deps   Deps
	out    *console.Console
	logger *slog.Logger
	now    func() time.Time
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := deps.Console
	if out == nil {
		out = console.Discard()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		deps:   deps,
		out:    out,
		logger: logger.With("component", "orchestrator"),
		now:    now,
	}
}

// Run deploys cfg. A fatal error stops the run at the failing phase; phases
// already completed are not undone. A HealthCheckTimeout is returned together
// with a complete report and does not make the run fail.
func (o *Orchestrator) Run(ctx context.Context, cfg domain.RunConfig) (report *Report, err error) {
	start := o.now()
	report = &Report{RunID: cfg.RunID, Version: cfg.Version, Phase: PhasePreflight}
	logger := o.logger.With("run_id", cfg.RunID, "host", cfg.Target.Host, "version", cfg.Version)

	report.Previous = o.previousVersion(ctx, cfg)
	record := o.startRecord(ctx, cfg, start)
	defer func() {
		report.Elapsed = o.now().Sub(start)
		o.finishRecord(ctx, record, report, err)
	}()

	// 1. Preflight: configuration and local files
	stack, err := o.preflight(cfg)
	if err != nil {
		return report, err
	}

	o.out.Title(fmt.Sprintf("Deploying %s to %s@%s:%s", cfg.Version, cfg.Target.User, cfg.Target.Host, cfg.Target.RemoteDir))
	logger.Info("deployment started", "mode", cfg.Mode, "components", len(cfg.Components))
	if report.Previous != "" && report.Previous != cfg.Version {
		o.out.Info("Replacing %s", report.Previous)
	}

	// 2. Build or reuse archives
	report.Phase = PhaseBuild
	o.setPhase(ctx, record, report.Phase)
	built, err := o.deps.Builder.Prepare(ctx, cfg)
	report.Build = built
	if err != nil {
		return report, err
	}
	if built.Reused {
		o.out.Info("Reusing cached archives for %s", cfg.Version)
	} else {
		o.out.Success("Built %d image(s), exported %d archive(s)", len(built.Built), len(built.Exported))
	}

	// 3. Wait until the target is reachable
	report.Phase = PhaseReach
	o.setPhase(ctx, record, report.Phase)
	if err := o.deps.Reacher.Wait(ctx); err != nil {
		return report, err
	}

	// 4. Open the shared remote channel; closed on every exit path
	rem := o.deps.Connect(cfg)
	defer func() {
		if closeErr := rem.Close(); closeErr != nil {
			logger.Warn("closing remote session", "error", closeErr)
		}
	}()

	// 5. Prepare directories, take the lock, transfer
	report.Phase = PhaseTransfer
	o.setPhase(ctx, record, report.Phase)
	files := transport.Plan(cfg)
	tr, err := o.transport(cfg, rem)
	if err != nil {
		return report, err
	}
	for _, dir := range transport.Dirs(files) {
		if err := tr.EnsureDir(ctx, dir); err != nil {
			return report, err
		}
	}
	if s, ok := rem.(sessionReporter); ok {
		report.Session = s.Session()
	}

	lock := remote.NewLock(rem, cfg.Target, o.logger)
	if err := lock.Acquire(ctx, remote.NewLockOwner(cfg.RunID)); err != nil {
		return report, err
	}
	defer func() {
		// The context may already be cancelled; release with a fresh one.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if relErr := lock.Release(releaseCtx); relErr != nil {
			logger.Warn("releasing deployment lock", "error", relErr, "remediation", lock.UnlockCommand())
			report.Warnings = append(report.Warnings, "lock not released: "+lock.UnlockCommand())
		}
	}()

	transfers, err := tr.CopyAll(ctx, files)
	report.Transfers = transfers
	if err != nil {
		return report, err
	}
	o.out.Success("Transferred %d file(s) (%s)", len(transfers), summarizeTransfers(transfers))

	// 6. Activate
	report.Phase = PhaseActivation
	o.setPhase(ctx, record, report.Phase)
	plan, err := activation.Build(activation.InputFromConfig(cfg, stack))
	if err != nil {
		return report, domain.NewPreconditionError("activation", "cannot plan activation", err,
			"docker compose -f "+cfg.Stack.ComposeFile+" config --services")
	}
	logger.Debug("activation plan", "commands", plan.Commands())
	diagnostics := activation.DiagnosticCommands(cfg.Target.RemoteDir, cfg.RemoteComposeFile(), cfg.DockerSudo, diagnosticService(cfg, stack, plan))
	steps, err := remote.NewActivator(rem, o.logger).Execute(ctx, plan, diagnostics)
	report.Activation = steps
	for _, s := range steps {
		if s.Warning != "" {
			report.Warnings = append(report.Warnings, s.Step.Name+": "+s.Warning)
		}
	}
	if err != nil {
		return report, err
	}
	o.out.Success("Activated %s (%d step(s), services: %v)", cfg.Version, len(steps), plan.Services)

	// 7. Prune superseded images
	report.Phase = PhaseRetention
	o.setPhase(ctx, record, report.Phase)
	pruned, err := retention.NewManager(rem, cfg.DockerSudo, o.logger).Prune(ctx, cfg.Units(), cfg.TransportRegistry(), cfg.Retention.Keep)
	report.Retention = pruned
	if err != nil {
		return report, err
	}
	for _, r := range pruned {
		for tag, msg := range r.Failed {
			report.Warnings = append(report.Warnings, fmt.Sprintf("rmi %s:%s: %s", r.Image, tag, msg))
		}
	}

	// 8. Verify readiness through the tunnel
	report.Phase = PhaseHealth
	o.setPhase(ctx, record, report.Phase)
	if cfg.Health.Port == "" {
		logger.Info("no health check configured")
		report.Phase = PhaseDone
		return report, nil
	}
	var opts []health.Option
	if o.deps.Sleep != nil {
		opts = append(opts, health.WithSleeper(o.deps.Sleep))
	}
	healthDiag := activation.DiagnosticCommands(cfg.Target.RemoteDir, cfg.RemoteComposeFile(), cfg.DockerSudo, cfg.Health.Service)
	res, err := health.NewVerifier(healthPolicy(cfg.Health, stack), rem.DialContext, healthDiag, o.logger, opts...).Verify(ctx)
	report.Health = res
	if err != nil {
		if domain.IsFatal(err) {
			return report, err
		}
		report.Phase = PhaseDone
		logger.Warn("deployment activated but not verified", "error", err)
		return report, err
	}
	report.Healthy = true
	report.Phase = PhaseDone
	o.out.Success("%s is healthy (%s, %d attempt(s))", cfg.Health.Service, res.URL, res.Attempts)
	logger.Info("deployment finished", "elapsed", o.now().Sub(start))
	return report, nil
}

// =============================================================================
// Phases
// =============================================================================

// preflight validates cfg and parses the compose file with the run's version
// state, so an unusable stack fails before anything is built.
func (o *Orchestrator) preflight(cfg domain.RunConfig) (*compose.Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, domain.NewPreconditionError(PhasePreflight, "invalid configuration", err,
			"shipctl deploy <host> <user> <remote-dir> --config shipctl.yaml")
	}
	for _, f := range cfg.LocalConfigFiles() {
		if _, err := os.Stat(f); err != nil {
			return nil, domain.NewPreconditionError(PhasePreflight, "config file missing", err, "ls -l "+f)
		}
	}
	content, err := os.ReadFile(cfg.Stack.ComposeFile)
	if err != nil {
		return nil, domain.NewPreconditionError(PhasePreflight, "cannot read compose file", err,
			"ls -l "+cfg.Stack.ComposeFile)
	}
	env := make(map[string]string)
	for _, a := range versionstate.ActivationAssignments(cfg.Version, cfg.TransportRegistry()) {
		env[a.Key] = a.Value
	}
	stack, err := compose.ParseStack(string(content), env)
	if err != nil {
		return nil, domain.NewPreconditionError(PhasePreflight, "invalid compose file "+cfg.Stack.ComposeFile, err,
			"docker compose -f "+cfg.Stack.ComposeFile+" config")
	}
	if svc := cfg.Health.Service; svc != "" {
		if _, ok := stack.Service(svc); !ok {
			return nil, domain.NewPreconditionError(PhasePreflight,
				fmt.Sprintf("health.service %q is not in %s", svc, cfg.Stack.ComposeFile),
				fmt.Errorf("%w: %q (services: %v)", compose.ErrUnknownService, svc, stack.Names()),
				"docker compose -f "+cfg.Stack.ComposeFile+" config --services",
			)
		}
	}
	return stack, nil
}

func (o *Orchestrator) transport(cfg domain.RunConfig, rem Remote) (*transport.Transport, error) {
	journalPath := filepath.Join(domain.VersionCacheDir(cfg.CacheDir, cfg.Version), transport.JournalFile)
	if err := os.MkdirAll(filepath.Dir(journalPath), 0o755); err != nil {
		return nil, domain.NewPreconditionError(PhaseTransfer, "cannot create cache directory", err,
			"mkdir -p "+filepath.Dir(journalPath))
	}
	journal, err := transport.OpenJournal(journalPath, cfg.Version)
	if err != nil {
		o.logger.Warn("transfer journal unusable, continuing without it", "path", journalPath, "error", err)
		journal = nil
	}
	return transport.New(rem, cfg.Target, transport.Options{
		Policy:  retry.Fixed(cfg.Transfer.Attempts, cfg.Transfer.Backoff),
		Journal: journal,
		Sleep:   o.deps.Sleep,
	}, o.logger), nil
}

// diagnosticService picks the service whose logs explain a failed
// activation: the health service, else the first restarted service that
// declares a healthcheck, else the first restarted service.
func diagnosticService(cfg domain.RunConfig, stack *compose.Stack, plan activation.Plan) string {
	if cfg.Health.Service != "" {
		return cfg.Health.Service
	}
	for _, name := range plan.Services {
		if svc, ok := stack.Service(name); ok && svc.Healthy {
			return name
		}
	}
	if len(plan.Services) > 0 {
		return plan.Services[0]
	}
	return ""
}

// healthPolicy maps the configured container port to the host port the
// health service publishes for it. Unpublished ports are probed as given.
func healthPolicy(p domain.HealthPolicy, stack *compose.Stack) domain.HealthPolicy {
	if p.Port == "" || p.Service == "" || stack == nil {
		return p
	}
	svc, ok := stack.Service(p.Service)
	if !ok {
		return p
	}
	proto, port := nat.SplitProtoPort(p.Port)
	target, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return p
	}
	if published, ok := svc.PublishedPort(uint32(target), proto); ok && published != uint32(target) {
		p.Port = fmt.Sprintf("%d/%s", published, proto)
	}
	return p
}

func summarizeTransfers(results []transport.FileResult) string {
	counts := map[transport.Outcome]int{}
	var sent int64
	for _, r := range results {
		counts[r.Outcome]++
		sent += r.Sent
	}
	return fmt.Sprintf("%d copied, %d resumed, %d unchanged, %d bytes sent",
		counts[transport.OutcomeCopied], counts[transport.OutcomeAppended], counts[transport.OutcomeSkipped], sent)
}

// =============================================================================
// History
// =============================================================================

// previousVersion returns the version the newest recorded run activated on
// the target, or "" when history has none.
func (o *Orchestrator) previousVersion(ctx context.Context, cfg domain.RunConfig) string {
	if o.deps.History == nil {
		return ""
	}
	prev, err := o.deps.History.LastDeployed(ctx, cfg.Target.Host, cfg.Target.RemoteDir)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			o.logger.Debug("looking up previous deployment", "error", err)
		}
		return ""
	}
	return prev.Version
}

func (o *Orchestrator) startRecord(ctx context.Context, cfg domain.RunConfig, start time.Time) *store.RunRecord {
	if o.deps.History == nil {
		return nil
	}
	record := store.NewRunRecord(cfg, start)
	record.Phase = PhasePreflight
	if err := o.deps.History.StartRun(ctx, record); err != nil {
		o.logger.Warn("recording run start", "error", err)
		return nil
	}
	return record
}

func (o *Orchestrator) setPhase(ctx context.Context, record *store.RunRecord, phase string) {
	if record == nil {
		return
	}
	record.Phase = phase
	if err := o.deps.History.FinishRun(ctx, record); err != nil {
		o.logger.Debug("recording run phase", "phase", phase, "error", err)
	}
}

func (o *Orchestrator) finishRecord(ctx context.Context, record *store.RunRecord, report *Report, runErr error) {
	if record == nil {
		return
	}
	finished := o.now()
	record.FinishedAt = &finished
	record.Phase = report.Phase
	record.HealthURL = report.Health.URL
	record.HealthAttempts = report.Health.Attempts

	switch {
	case runErr == nil:
		record.Status = store.RunSucceeded
	case !domain.IsFatal(runErr):
		record.Status = store.RunUnverified
	default:
		record.Status = store.RunFailed
	}
	if runErr != nil {
		record.ErrorKind = errorKind(runErr)
		record.ErrorMessage = runErr.Error()
	}

	// The run's context may be cancelled by now.
	if err := o.deps.History.FinishRun(context.WithoutCancel(ctx), record); err != nil {
		o.logger.Warn("recording run result", "error", err)
	}
}

func errorKind(err error) string {
	var de *domain.DeployError
	if errors.As(err, &de) && de.Kind != nil {
		return de.Kind.Error()
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}
	return "error"
}
