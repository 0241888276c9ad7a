package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/shell/session"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	SSH       SSHConfig       `mapstructure:"ssh"`
	Network   NetworkConfig   `mapstructure:"network"`
	Build     BuildConfig     `mapstructure:"build"`
	Transport TransportConfig `mapstructure:"transport"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Stack     StackConfig     `mapstructure:"stack"`
	Retention RetentionConfig `mapstructure:"retention"`
	Health    HealthConfig    `mapstructure:"health"`
	History   HistoryConfig   `mapstructure:"history"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Log       LogConfig       `mapstructure:"log"`
}

// SSHConfig holds the target connection settings.
type SSHConfig struct {
	Port                  int           `mapstructure:"port"`
	User                  string        `mapstructure:"user"`
	RemoteDir             string        `mapstructure:"remote_dir"`
	IdentityFiles         []string      `mapstructure:"identity_files"`
	UseAgent              bool          `mapstructure:"use_agent"`
	KnownHosts            string        `mapstructure:"known_hosts"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`
	CommandTimeout        time.Duration `mapstructure:"command_timeout"`
	KeepaliveInterval     time.Duration `mapstructure:"keepalive_interval"`
	IdleLifetime          time.Duration `mapstructure:"idle_lifetime"`
	KeyringService        string        `mapstructure:"keyring_service"`
}

// NetworkConfig holds reachability probe settings.
type NetworkConfig struct {
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	// WaitTimeout bounds the wait for the target. 0 waits for the operator
	// indefinitely; unattended runs need it set to wait at all.
	WaitTimeout  time.Duration `mapstructure:"wait_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// BuildConfig holds local build settings.
type BuildConfig struct {
	CacheDir   string            `mapstructure:"cache_dir"`
	Version    string            `mapstructure:"version"` // SHIPCTL_BUILD_VERSION
	SkipBuild  bool              `mapstructure:"skip_build"`
	Components []ComponentConfig `mapstructure:"components"`
}

// ComponentConfig declares one deployable image.
type ComponentConfig struct {
	Name       string            `mapstructure:"name"`
	Image      string            `mapstructure:"image"`
	Context    string            `mapstructure:"context"`
	Dockerfile string            `mapstructure:"dockerfile"`
	BuildArgs  map[string]string `mapstructure:"build_args"`
}

// TransportConfig holds transfer settings.
type TransportConfig struct {
	Mode       string        `mapstructure:"mode"`
	Attempts   int           `mapstructure:"attempts"`
	Backoff    time.Duration `mapstructure:"backoff"`
	StagingDir string        `mapstructure:"staging_dir"`
}

// RegistryConfig holds the registry used in registry mode. The password is
// read from the OS keyring.
type RegistryConfig struct {
	URL      string `mapstructure:"url"`
	Username string `mapstructure:"username"`
}

// StackConfig holds the declarative service definitions.
type StackConfig struct {
	ComposeFile string   `mapstructure:"compose_file"`
	ConfigFiles []string `mapstructure:"config_files"`
	Services    []string `mapstructure:"services"`
	OneShot     []string `mapstructure:"oneshot"`
	VersionFile string   `mapstructure:"version_file"`
}

// RetentionConfig holds image retention settings.
type RetentionConfig struct {
	Keep int `mapstructure:"keep"`
}

// HealthConfig holds readiness probe settings.
type HealthConfig struct {
	Service      string        `mapstructure:"service"`
	Port         string        `mapstructure:"port"`
	Path         string        `mapstructure:"path"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	Interval     time.Duration `mapstructure:"interval"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// HistoryConfig holds the run history database.
type HistoryConfig struct {
	DSN string `mapstructure:"dsn"`
}

// DockerConfig holds Docker settings.
type DockerConfig struct {
	Host string `mapstructure:"host"` // local daemon, "" = environment
	Sudo bool   `mapstructure:"sudo"` // run docker through sudo on the target
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("ssh.port", 22)
	v.SetDefault("ssh.user", "ubuntu")
	v.SetDefault("ssh.remote_dir", "/opt/app")
	v.SetDefault("ssh.identity_files", []string{})
	v.SetDefault("ssh.use_agent", true)
	v.SetDefault("ssh.known_hosts", "~/.ssh/known_hosts")
	v.SetDefault("ssh.insecure_ignore_host_key", false)
	v.SetDefault("ssh.connect_timeout", "10s")
	v.SetDefault("ssh.command_timeout", "10m")
	v.SetDefault("ssh.keepalive_interval", "15s")
	v.SetDefault("ssh.idle_lifetime", "10m")
	v.SetDefault("ssh.keyring_service", session.DefaultKeyringService)

	v.SetDefault("network.probe_timeout", "3s")
	v.SetDefault("network.wait_timeout", "0s")
	v.SetDefault("network.poll_interval", "5s")

	v.SetDefault("build.cache_dir", "./dist")
	v.SetDefault("build.version", "")
	v.SetDefault("build.skip_build", false)
	v.SetDefault("build.components", []map[string]any{
		{"name": "api", "image": "detector-api", "context": "./api"},
		{"name": "init", "image": "detector-init", "context": "./api", "dockerfile": "Dockerfile.init"},
		{"name": "proxy", "image": "detector-proxy", "context": "./proxy"},
	})

	v.SetDefault("transport.mode", string(domain.ModeArchive))
	v.SetDefault("transport.attempts", 3)
	v.SetDefault("transport.backoff", "2s")
	v.SetDefault("transport.staging_dir", "")

	v.SetDefault("registry.url", "")
	v.SetDefault("registry.username", "")

	v.SetDefault("stack.compose_file", "docker-compose.yml")
	v.SetDefault("stack.config_files", []string{})
	v.SetDefault("stack.services", []string{})
	v.SetDefault("stack.oneshot", []string{})
	v.SetDefault("stack.version_file", ".env")

	v.SetDefault("retention.keep", 3)

	v.SetDefault("health.service", "api")
	v.SetDefault("health.port", "8000/tcp")
	v.SetDefault("health.path", "/health")
	v.SetDefault("health.max_attempts", 12)
	v.SetDefault("health.interval", "5s")
	v.SetDefault("health.probe_timeout", "5s")

	v.SetDefault("history.dsn", "~/.local/state/shipctl/history.db")
	v.SetDefault("docker.host", "")
	v.SetDefault("docker.sudo", false)
	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")

	// Load from file if provided, else from ./shipctl.{yaml,json,toml} when present
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("shipctl")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Enable environment variable overrides
	v.SetEnvPrefix("SHIPCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Run Configuration
// =============================================================================

// DeployArgs are the positional arguments of deploy.
type DeployArgs struct {
	Host      string
	User      string
	RemoteDir string
	Version   string
}

// ParseDeployArgs reads host [user] [remote-dir] [version].
func ParseDeployArgs(args []string) DeployArgs {
	var d DeployArgs
	fields := []*string{&d.Host, &d.User, &d.RemoteDir, &d.Version}
	for i, a := range args {
		if i < len(fields) {
			*fields[i] = a
		}
	}
	return d
}

// Target builds the target from positional arguments and defaults.
func (c *Config) Target(host, user, remoteDir string) (domain.Target, error) {
	if user == "" {
		user = c.SSH.User
	}
	if remoteDir == "" {
		remoteDir = c.SSH.RemoteDir
	}
	return domain.NewTarget(host, user, c.SSH.Port, remoteDir)
}

// RunConfig converts the loaded configuration into the immutable
// configuration of one run.
func (c *Config) RunConfig(args DeployArgs, now time.Time) (domain.RunConfig, error) {
	target, err := c.Target(args.Host, args.User, args.RemoteDir)
	if err != nil {
		return domain.RunConfig{}, err
	}

	envVersion := c.Build.Version
	if envVersion == "" {
		envVersion = os.Getenv("IMAGE_TAG")
	}
	version, err := domain.ResolveVersionTag(args.Version, envVersion, now)
	if err != nil {
		return domain.RunConfig{}, err
	}

	components := make([]domain.Component, 0, len(c.Build.Components))
	for _, comp := range c.Build.Components {
		components = append(components, domain.Component{
			Name:       comp.Name,
			Image:      comp.Image,
			Context:    comp.Context,
			Dockerfile: comp.Dockerfile,
			BuildArgs:  comp.BuildArgs,
		})
	}

	cfg := domain.RunConfig{
		RunID:      uuid.NewString(),
		Target:     target,
		Version:    version,
		Mode:       domain.TransportMode(strings.ToLower(c.Transport.Mode)),
		Registry:   domain.Registry{URL: c.Registry.URL, Username: c.Registry.Username},
		Components: components,
		CacheDir:   expandHome(c.Build.CacheDir),
		StagingDir: c.Transport.StagingDir,
		Stack: domain.Stack{
			ComposeFile: c.Stack.ComposeFile,
			ConfigFiles: c.Stack.ConfigFiles,
			Services:    c.Stack.Services,
			OneShot:     c.Stack.OneShot,
			VersionFile: c.Stack.VersionFile,
		},
		Transfer:  domain.TransferPolicy{Attempts: c.Transport.Attempts, Backoff: c.Transport.Backoff},
		Retention: domain.RetentionPolicy{Keep: c.Retention.Keep},
		Health: domain.HealthPolicy{
			Service:      c.Health.Service,
			Port:         c.Health.Port,
			Path:         c.Health.Path,
			MaxAttempts:  c.Health.MaxAttempts,
			Interval:     c.Health.Interval,
			ProbeTimeout: c.Health.ProbeTimeout,
		},
		Network: domain.NetworkPolicy{
			ProbeTimeout: c.Network.ProbeTimeout,
			WaitTimeout:  c.Network.WaitTimeout,
			PollInterval: c.Network.PollInterval,
		},
		DockerSudo: c.Docker.Sudo,
		SkipBuild:  c.Build.SkipBuild,
	}
	if err := cfg.Validate(); err != nil {
		return domain.RunConfig{}, err
	}
	return cfg, nil
}

// SessionConfig returns the SSH session settings.
func (c *Config) SessionConfig() session.Config {
	sc := session.DefaultConfig()
	if len(c.SSH.IdentityFiles) > 0 {
		sc.IdentityFiles = c.SSH.IdentityFiles
	}
	sc.UseAgent = c.SSH.UseAgent
	sc.KnownHostsPath = c.SSH.KnownHosts
	sc.InsecureIgnoreHostKey = c.SSH.InsecureIgnoreHostKey
	if c.SSH.ConnectTimeout > 0 {
		sc.ConnectTimeout = c.SSH.ConnectTimeout
	}
	if c.SSH.CommandTimeout > 0 {
		sc.CommandTimeout = c.SSH.CommandTimeout
	}
	if c.SSH.KeepaliveInterval > 0 {
		sc.KeepaliveInterval = c.SSH.KeepaliveInterval
	}
	if c.SSH.IdleLifetime > 0 {
		sc.IdleLifetime = c.SSH.IdleLifetime
	}
	return sc
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + p[1:]
		}
	}
	return p
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
