package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/shell/build"
	"github.com/artpar/shipctl/internal/shell/console"
	"github.com/artpar/shipctl/internal/shell/orchestrator"
	"github.com/artpar/shipctl/internal/shell/reach"
	"github.com/artpar/shipctl/internal/shell/remote"
	"github.com/artpar/shipctl/internal/shell/session"
	"github.com/artpar/shipctl/internal/shell/store"
)

// =============================================================================
// Root
// =============================================================================

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "shipctl",
		Short:         "Build container images locally and deploy them to a remote Docker host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	rootCmd.AddCommand(newDeployCmd(opts))
	rootCmd.AddCommand(newHistoryCmd(opts))
	rootCmd.AddCommand(newUnlockCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

func (o *rootOptions) load() (*Config, *slog.Logger, error) {
	cfg, err := LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	return cfg, SetupLogger(cfg, os.Stderr), nil
}

func openHistory(cfg *Config, logger *slog.Logger) store.Store {
	dsn := expandHome(cfg.History.DSN)
	if dsn == "" {
		return nil
	}
	if dsn != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			logger.Warn("history disabled", "error", err)
			return nil
		}
	}
	s, err := store.NewSQLiteStore(dsn)
	if err != nil {
		logger.Warn("history disabled", "dsn", dsn, "error", err)
		return nil
	}
	return s
}

// =============================================================================
// deploy
// =============================================================================

type deployOptions struct {
	yes            bool
	nonInteractive bool
	mode           string
	keep           int
	skipBuild      bool
	port           int
	waitTimeout    time.Duration
}

func newDeployCmd(root *rootOptions) *cobra.Command {
	opts := &deployOptions{}
	cmd := &cobra.Command{
		Use:   "deploy <host> [user] [remote-dir] [version]",
		Short: "Build, transfer and activate a version on a remote host",
		Args:  cobra.RangeArgs(1, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			return runDeploy(cmd, cfg, logger, opts, ParseDeployArgs(args))
		},
	}
	f := cmd.Flags()
	f.BoolVarP(&opts.yes, "yes", "y", false, "Answer yes to every question")
	f.BoolVar(&opts.nonInteractive, "non-interactive", false, "Never prompt; use each question's default")
	f.StringVar(&opts.mode, "mode", "", "Transport mode (archive, registry)")
	f.IntVar(&opts.keep, "keep", 0, "Image versions to keep on the host")
	f.BoolVar(&opts.skipBuild, "skip-build", false, "Reuse existing local images instead of building")
	f.IntVarP(&opts.port, "port", "p", 0, "SSH port")
	f.DurationVar(&opts.waitTimeout, "wait-timeout", 0, "How long an unattended run waits for the host")
	return cmd
}

// apply overrides file and environment settings with explicit flags.
func (o *deployOptions) apply(cmd *cobra.Command, cfg *Config) {
	f := cmd.Flags()
	if f.Changed("mode") {
		cfg.Transport.Mode = o.mode
	}
	if f.Changed("keep") {
		cfg.Retention.Keep = o.keep
	}
	if f.Changed("skip-build") {
		cfg.Build.SkipBuild = o.skipBuild
	}
	if f.Changed("port") {
		cfg.SSH.Port = o.port
	}
	if f.Changed("wait-timeout") {
		cfg.Network.WaitTimeout = o.waitTimeout
	}
}

func runDeploy(cmd *cobra.Command, cfg *Config, logger *slog.Logger, opts *deployOptions, args DeployArgs) error {
	ctx := cmd.Context()
	out := console.New(cmd.OutOrStdout(), cmd.ErrOrStderr())

	runCfg, err := cfg.RunConfig(args, time.Now())
	if err != nil {
		err = domain.NewPreconditionError("config", "invalid deployment arguments", err, "shipctl deploy --help")
		out.Failure(err)
		return err
	}

	engine, err := build.NewDockerEngine(cfg.Docker.Host, cmd.ErrOrStderr())
	if err != nil {
		err = domain.NewPreconditionError("docker", "cannot reach the local Docker daemon", err, "docker info")
		out.Failure(err)
		return err
	}
	defer engine.Close()

	history := openHistory(cfg, logger)
	if history != nil {
		defer history.Close()
	}

	secrets := session.Keyring{Service: cfg.SSH.KeyringService}
	prompter := console.NewPrompter(opts.yes, opts.nonInteractive)
	sessionCfg := cfg.SessionConfig()

	orch := orchestrator.New(orchestrator.Deps{
		Builder: build.NewCoordinator(engine, prompter, secrets, logger),
		Reacher: reach.NewPlanner(runCfg.Target, runCfg.Network, prompter, out, logger),
		Connect: func(rc domain.RunConfig) orchestrator.Remote {
			return session.NewManager(rc.Target, sessionCfg, secrets, logger)
		},
		History: history,
		Console: out,
		Logger:  logger,
	})

	report, err := orch.Run(ctx, runCfg)
	printReport(out, runCfg, report, err)
	if err != nil {
		out.Failure(err)
	}
	return err
}

// =============================================================================
// history
// =============================================================================

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		limit     int
		host      string
		remoteDir string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deployment runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			history := openHistory(cfg, logger)
			if history == nil {
				return fmt.Errorf("history database %s is unavailable", cfg.History.DSN)
			}
			defer history.Close()

			opts := store.DefaultListOptions()
			opts.Limit = limit
			var runs []store.RunRecord
			if host != "" {
				if remoteDir == "" {
					remoteDir = cfg.SSH.RemoteDir
				}
				runs, err = history.ListRunsByTarget(cmd.Context(), host, remoteDir, opts)
			} else {
				runs, err = history.ListRuns(cmd.Context(), opts)
			}
			if err != nil {
				return err
			}

			out := console.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
			if len(runs) == 0 {
				out.Info("No runs recorded")
				return nil
			}
			out.Table(historyHeaders, historyRows(runs))
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", store.DefaultListOptions().Limit, "Maximum runs to list")
	cmd.Flags().StringVar(&host, "host", "", "Only runs against this host")
	cmd.Flags().StringVar(&remoteDir, "remote-dir", "", "Remote directory used with --host")
	return cmd
}

var historyHeaders = []string{"STARTED", "TARGET", "VERSION", "MODE", "STATUS", "PHASE", "DURATION", "ERROR"}

func historyRows(runs []store.RunRecord) [][]string {
	rows := make([][]string, 0, len(runs))
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.Duration().Round(time.Second).String()
		}
		errText := r.ErrorKind
		if r.ErrorMessage != "" {
			errText = r.ErrorKind + ": " + truncate(r.ErrorMessage, 60)
		}
		rows = append(rows, []string{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			fmt.Sprintf("%s@%s:%s", r.User, r.Host, r.RemoteDir),
			r.Version,
			string(r.Mode),
			string(r.Status),
			r.Phase,
			duration,
			errText,
		})
	}
	return rows
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// =============================================================================
// unlock
// =============================================================================

func newUnlockCmd(root *rootOptions) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "unlock <host> [user] [remote-dir]",
		Short: "Remove a stale deployment lock from a remote host",
		Args:  cobra.RangeArgs(1, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.SSH.Port = port
			}
			a := ParseDeployArgs(args)
			target, err := cfg.Target(a.Host, a.User, a.RemoteDir)
			if err != nil {
				return err
			}

			out := console.New(cmd.OutOrStdout(), cmd.ErrOrStderr())
			mgr := session.NewManager(target, cfg.SessionConfig(), session.Keyring{Service: cfg.SSH.KeyringService}, logger)
			defer mgr.Close()

			lock := remote.NewLock(mgr, target, logger)
			if owner, err := lock.Owner(cmd.Context()); err == nil {
				out.Info("Lock held by %s", owner)
			}
			if err := lock.ForceRelease(cmd.Context()); err != nil {
				return err
			}
			out.Success("Removed %s on %s", lock.Dir(), target.Host)
			return nil
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 22, "SSH port")
	return cmd
}

// =============================================================================
// version
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "shipctl %s (built %s)\n", Version, BuildTime)
		},
	}
}
