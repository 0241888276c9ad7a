// Package activation builds the ordered remote command batch that switches a
// target host to a new version. Building the plan is pure; the remote
// activator executes it.
package activation

import (
	"fmt"
	"path"
	"strings"

	"github.com/artpar/shipctl/internal/core/compose"
	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/core/remotecmd"
	"github.com/artpar/shipctl/internal/core/versionstate"
)

// =============================================================================
// Step Types
// =============================================================================

// StepKind separates plain commands from steps the executor composes itself.
type StepKind int

const (
	// StepCommand runs Command as is.
	StepCommand StepKind = iota
	// StepVersionState reads VersionFile, applies Assignments and writes the
	// result back through a temporary file.
	StepVersionState
)

// Phase groups steps for logs and reports.
type Phase string

const (
	PhaseLoad    Phase = "load"
	PhaseTag     Phase = "tag"
	PhaseVersion Phase = "version-state"
	PhaseRestart Phase = "restart"
	PhaseCleanup Phase = "cleanup"
)

// Step is one entry of the activation batch.
type Step struct {
	Kind        StepKind
	Phase       Phase
	Name        string
	Command     remotecmd.Command
	VersionFile string
	Assignments []versionstate.Assignment
}

// Fatal reports whether a failure of this step aborts the batch.
func (s Step) Fatal() bool {
	if s.Kind == StepVersionState {
		return true
	}
	return s.Command.Policy == remotecmd.Fatal
}

// Describe returns the step in a form an operator can run by hand.
func (s Step) Describe() string {
	if s.Kind == StepVersionState {
		pairs := make([]string, 0, len(s.Assignments))
		for _, a := range s.Assignments {
			pairs = append(pairs, a.Key+"="+a.Value)
		}
		return fmt.Sprintf("set %s in %s", strings.Join(pairs, " "), s.VersionFile)
	}
	return s.Command.Line()
}

// Plan is the ordered activation batch.
type Plan struct {
	Steps    []Step
	Services []string // restart order
	OneShot  []string
}

// Commands returns the command lines of the plan, for dry runs and logs.
func (p Plan) Commands() []string {
	lines := make([]string, 0, len(p.Steps))
	for _, s := range p.Steps {
		lines = append(lines, s.Describe())
	}
	return lines
}

// =============================================================================
// Input
// =============================================================================

// Input carries everything the plan depends on.
type Input struct {
	Units       []domain.DeploymentUnit
	Mode        domain.TransportMode
	Registry    string // transport registry, "" in archive mode
	StagingDir  string
	RemoteDir   string
	ComposeFile string // remote path
	VersionFile string // remote path
	Version     string
	Stack       *compose.Stack
	Services    []string // selected services, empty = every service
	OneShot     []string // forced one-shot services
	Sudo        bool     // run docker through sudo
}

// InputFromConfig derives the plan input from the run configuration and the
// parsed compose file.
func InputFromConfig(cfg domain.RunConfig, stack *compose.Stack) Input {
	return Input{
		Units:       cfg.Units(),
		Mode:        cfg.Mode,
		Registry:    cfg.TransportRegistry(),
		StagingDir:  cfg.RemoteStagingDir(),
		RemoteDir:   cfg.Target.RemoteDir,
		ComposeFile: cfg.RemoteComposeFile(),
		VersionFile: cfg.RemoteVersionFile(),
		Version:     cfg.Version,
		Stack:       stack,
		Services:    cfg.Stack.Services,
		OneShot:     cfg.Stack.OneShot,
		Sudo:        cfg.DockerSudo,
	}
}

// =============================================================================
// Build
// =============================================================================

// Build produces the activation plan: load or pull, tag, version state,
// restarts in dependency order, cleanup of staged archives.
func Build(in Input) (Plan, error) {
	if in.Stack == nil {
		return Plan{}, fmt.Errorf("activation: %w", compose.ErrNoServices)
	}
	order, err := compose.RestartOrder(in.Stack, in.Services)
	if err != nil {
		return Plan{}, fmt.Errorf("activation: %w", err)
	}

	forced := make(map[string]bool, len(in.OneShot))
	for _, name := range in.OneShot {
		forced[name] = true
	}

	var plan Plan
	plan.Services = order

	for _, u := range in.Units {
		plan.Steps = append(plan.Steps, loadStep(in, u))
	}
	for _, u := range in.Units {
		plan.Steps = append(plan.Steps, tagSteps(in, u)...)
	}

	plan.Steps = append(plan.Steps, Step{
		Kind:        StepVersionState,
		Phase:       PhaseVersion,
		Name:        "update " + path.Base(in.VersionFile),
		VersionFile: in.VersionFile,
		Assignments: versionstate.ActivationAssignments(in.Version, in.Registry),
	})

	for _, svc := range order {
		oneShot := forced[svc] || in.Stack.IsOneShot(svc)
		if oneShot {
			plan.OneShot = append(plan.OneShot, svc)
		}
		plan.Steps = append(plan.Steps, restartStep(in, svc, oneShot))
	}

	if in.Mode == domain.ModeArchive && len(in.Units) > 0 {
		paths := make([]string, 0, len(in.Units))
		for _, u := range in.Units {
			paths = append(paths, u.RemoteArchivePath(in.StagingDir))
		}
		plan.Steps = append(plan.Steps, Step{
			Kind:    StepCommand,
			Phase:   PhaseCleanup,
			Name:    "remove staged archives",
			Command: remotecmd.Remove(paths...).WarnOnly(),
		})
	}

	return plan, nil
}

func loadStep(in Input, u domain.DeploymentUnit) Step {
	if in.Mode == domain.ModeRegistry {
		ref := u.TransportRef(in.Registry)
		return Step{
			Kind:    StepCommand,
			Phase:   PhaseLoad,
			Name:    "pull " + u.ComponentName,
			Command: Docker(in.Sudo, "pull", ref),
		}
	}
	return Step{
		Kind:    StepCommand,
		Phase:   PhaseLoad,
		Name:    "load " + u.ComponentName,
		Command: Docker(in.Sudo, "load", "-i", u.RemoteArchivePath(in.StagingDir)),
	}
}

// tagSteps re-tags a pulled image under its canonical names. Archives carry
// the canonical and latest tags already.
func tagSteps(in Input, u domain.DeploymentUnit) []Step {
	ref := u.TransportRef(in.Registry)
	if ref == u.CanonicalRef() {
		return nil
	}
	return []Step{
		{
			Kind:    StepCommand,
			Phase:   PhaseTag,
			Name:    "tag " + u.CanonicalRef(),
			Command: Docker(in.Sudo, "tag", ref, u.CanonicalRef()),
		},
		{
			Kind:    StepCommand,
			Phase:   PhaseTag,
			Name:    "tag " + u.LatestRef(),
			Command: Docker(in.Sudo, "tag", ref, u.LatestRef()),
		},
	}
}

func restartStep(in Input, svc string, oneShot bool) Step {
	if oneShot {
		return Step{
			Kind:    StepCommand,
			Phase:   PhaseRestart,
			Name:    "run " + svc,
			Command: Compose(in.RemoteDir, in.ComposeFile, in.Sudo, "run", "--rm", "--no-deps", svc),
		}
	}
	return Step{
		Kind:    StepCommand,
		Phase:   PhaseRestart,
		Name:    "restart " + svc,
		Command: Compose(in.RemoteDir, in.ComposeFile, in.Sudo, "up", "-d", "--no-deps", "--force-recreate", svc),
	}
}

// =============================================================================
// Docker Commands
// =============================================================================

// Docker returns a docker CLI command on the target host.
func Docker(sudo bool, args ...string) remotecmd.Command {
	name := "docker"
	if len(args) > 0 {
		name = "docker " + args[0]
	}
	return remotecmd.New(name, append([]string{"docker"}, args...)...).WithSudo(sudo)
}

// Compose returns a docker compose command bound to the deployed project.
func Compose(remoteDir, composeFile string, sudo bool, args ...string) remotecmd.Command {
	argv := []string{"docker", "compose", "--project-directory", remoteDir, "-f", composeFile}
	name := "docker compose"
	if len(args) > 0 {
		name = "docker compose " + args[0]
	}
	return remotecmd.New(name, append(argv, args...)...).WithSudo(sudo)
}

// DiagnosticCommands returns the commands an operator runs to inspect a
// failed activation or an unhealthy service.
func DiagnosticCommands(remoteDir, composeFile string, sudo bool, service string) []string {
	cmds := []string{
		Compose(remoteDir, composeFile, sudo, "ps").Line(),
	}
	if service != "" {
		cmds = append(cmds, Compose(remoteDir, composeFile, sudo, "logs", "--tail=100", service).Line())
	}
	return cmds
}
