package domain

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"time"
)

// =============================================================================
// Transport Mode
// =============================================================================

// TransportMode selects how images reach the target host.
type TransportMode string

const (
	// ModeArchive exports images to archives and copies them over SSH
	// (air-gapped or mixed-network targets).
	ModeArchive TransportMode = "archive"
	// ModeRegistry pushes images to a registry the target pulls from.
	ModeRegistry TransportMode = "registry"
)

// IsValid checks if the transport mode is valid.
func (m TransportMode) IsValid() bool {
	switch m {
	case ModeArchive, ModeRegistry:
		return true
	default:
		return false
	}
}

var (
	ErrTransportModeInvalid = errors.New("transport mode must be archive or registry")
	ErrRegistryRequired     = errors.New("registry mode requires a registry URL")
	ErrNoComponents         = errors.New("at least one component must be declared")
	ErrComposeFileRequired  = errors.New("compose file is required")
	ErrDuplicateConfigFile  = errors.New("config files must have distinct names")
	ErrKeepCountInvalid     = errors.New("retention keep count must be at least 1")
	ErrAttemptsInvalid      = errors.New("attempt count must be at least 1")
)

// =============================================================================
// Policies
// =============================================================================

// Registry is the image registry used for transport-qualified names.
type Registry struct {
	URL      string `json:"url"`
	Username string `json:"username"`
}

// Stack describes the declarative service definitions on the target host.
type Stack struct {
	ComposeFile string   `json:"compose_file"` // local path, copied to RemoteDir
	ConfigFiles []string `json:"config_files"` // extra local files copied to RemoteDir
	Services    []string `json:"services"`     // services restarted on activation
	OneShot     []string `json:"oneshot"`      // services run to completion instead of started
	VersionFile string   `json:"version_file"` // file name of the version state in RemoteDir
}

// TransferPolicy bounds the per-file retry loop.
type TransferPolicy struct {
	Attempts int           `json:"attempts"`
	Backoff  time.Duration `json:"backoff"`
}

// RetentionPolicy bounds the number of image versions kept on the host.
type RetentionPolicy struct {
	Keep int `json:"keep"`
}

// HealthPolicy describes the readiness probe and its polling bounds.
type HealthPolicy struct {
	Service      string        `json:"service"` // compose service behind the probe
	Port         string        `json:"port"`    // e.g. "8000/tcp", mapped through Service's published ports
	Path         string        `json:"path"`
	MaxAttempts  int           `json:"max_attempts"`
	Interval     time.Duration `json:"interval"`
	ProbeTimeout time.Duration `json:"probe_timeout"`
}

// NetworkPolicy tunes the reachability probe and the operator wait.
type NetworkPolicy struct {
	ProbeTimeout time.Duration `json:"probe_timeout"`
	WaitTimeout  time.Duration `json:"wait_timeout"` // 0 waits for the operator indefinitely
	PollInterval time.Duration `json:"poll_interval"`
}

// =============================================================================
// RunConfig
// =============================================================================

// RunConfig is the immutable configuration of one orchestrator run. It is
// built once at startup and passed by value into every phase.
type RunConfig struct {
	RunID      string          `json:"run_id"`
	Target     Target          `json:"target"`
	Version    string          `json:"version"`
	Mode       TransportMode   `json:"mode"`
	Registry   Registry        `json:"registry"`
	Components []Component     `json:"components"`
	CacheDir   string          `json:"cache_dir"`
	StagingDir string          `json:"staging_dir"` // remote
	Stack      Stack           `json:"stack"`
	Transfer   TransferPolicy  `json:"transfer"`
	Retention  RetentionPolicy `json:"retention"`
	Health     HealthPolicy    `json:"health"`
	Network    NetworkPolicy   `json:"network"`
	DockerSudo bool            `json:"docker_sudo"`
	SkipBuild  bool            `json:"skip_build"`
}

// Validate checks the values that do not need I/O.
func (c RunConfig) Validate() error {
	if err := c.Target.Validate(); err != nil {
		return err
	}
	if err := ValidateVersionTag(c.Version); err != nil {
		return err
	}
	if !c.Mode.IsValid() {
		return ErrTransportModeInvalid
	}
	if c.Mode == ModeRegistry && c.Registry.URL == "" {
		return ErrRegistryRequired
	}
	if len(c.Components) == 0 {
		return ErrNoComponents
	}
	if err := ValidateComponents(c.Components); err != nil {
		return err
	}
	if c.Stack.ComposeFile == "" {
		return ErrComposeFileRequired
	}
	// Config files all land in the remote directory under their base name.
	seen := make(map[string]string, len(c.Stack.ConfigFiles)+1)
	for _, f := range c.LocalConfigFiles() {
		name := filepath.Base(f)
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("%w: %s and %s both upload to %s", ErrDuplicateConfigFile, prev, f, c.RemoteConfigPath(f))
		}
		seen[name] = f
	}
	if c.Retention.Keep < 1 {
		return ErrKeepCountInvalid
	}
	if c.Transfer.Attempts < 1 {
		return fmt.Errorf("transfer: %w", ErrAttemptsInvalid)
	}
	if c.Health.MaxAttempts < 1 {
		return fmt.Errorf("health: %w", ErrAttemptsInvalid)
	}
	return nil
}

// Units returns the deployment units of every component at the run's version.
func (c RunConfig) Units() []DeploymentUnit {
	units := make([]DeploymentUnit, 0, len(c.Components))
	for _, comp := range c.Components {
		units = append(units, NewDeploymentUnit(comp, c.Version, c.CacheDir))
	}
	return units
}

// TransportRegistry returns the registry images travel through, "" in
// archive mode.
func (c RunConfig) TransportRegistry() string {
	if c.Mode == ModeRegistry {
		return c.Registry.URL
	}
	return ""
}

// LocalConfigFiles returns every declarative file copied to RemoteDir.
func (c RunConfig) LocalConfigFiles() []string {
	files := make([]string, 0, len(c.Stack.ConfigFiles)+1)
	files = append(files, c.Stack.ComposeFile)
	files = append(files, c.Stack.ConfigFiles...)
	return files
}

// RemoteConfigPath returns where a local config file lands on the host.
func (c RunConfig) RemoteConfigPath(local string) string {
	return path.Join(c.Target.RemoteDir, filepath.Base(local))
}

// RemoteComposeFile returns the compose file path on the host.
func (c RunConfig) RemoteComposeFile() string {
	return c.RemoteConfigPath(c.Stack.ComposeFile)
}

// RemoteVersionFile returns the version state path on the host.
func (c RunConfig) RemoteVersionFile() string {
	name := c.Stack.VersionFile
	if name == "" {
		name = ".env"
	}
	return path.Join(c.Target.RemoteDir, name)
}

// RemoteStagingDir returns the staging directory, defaulting to a
// subdirectory of RemoteDir.
func (c RunConfig) RemoteStagingDir() string {
	if c.StagingDir != "" {
		return c.StagingDir
	}
	return path.Join(c.Target.RemoteDir, "staging")
}
