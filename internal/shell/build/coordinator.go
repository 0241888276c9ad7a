package build

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/shell/console"
)

// Secrets looks up a stored secret for an account.
type Secrets interface {
	Get(account string) (string, error)
}

// RegistryAccount returns the keyring account registry passwords are stored
// under.
func RegistryAccount(r domain.Registry) string {
	return "registry:" + r.Username + "@" + r.URL
}

// Result describes what Prepare produced.
type Result struct {
	Units    []domain.DeploymentUnit
	Reused   bool
	Built    []string
	Exported []string
	Elapsed  time.Duration
}

// Coordinator builds or reuses the archives for a run's version.
type Coordinator struct {
	engine   ImageEngine
	prompter console.Prompter
	secrets  Secrets
	logger   *slog.Logger
}

// NewCoordinator creates a build coordinator. secrets may be nil when no
// registry credentials are needed.
func NewCoordinator(engine ImageEngine, prompter console.Prompter, secrets Secrets, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if prompter == nil {
		prompter = console.NonInteractive{}
	}
	return &Coordinator{
		engine:   engine,
		prompter: prompter,
		secrets:  secrets,
		logger:   logger.With("component", "build"),
	}
}

// Prepare returns one DeploymentUnit per component with its archive present
// in the cache. A complete cache is reused after confirmation; otherwise
// every component is built, tagged, pushed in registry mode and exported.
func (c *Coordinator) Prepare(ctx context.Context, cfg domain.RunConfig) (Result, error) {
	start := time.Now()
	units := cfg.Units()
	res := Result{Units: units}
	logger := c.logger.With("version", cfg.Version)

	missing := missingArchives(units)
	if len(missing) == 0 {
		reuse := cfg.SkipBuild
		if !reuse {
			ok, err := c.prompter.Confirm(ctx, console.Question{
				Title:       fmt.Sprintf("Reuse cached archives for %s?", cfg.Version),
				Description: domain.VersionCacheDir(cfg.CacheDir, cfg.Version),
				Default:     true,
			})
			if err != nil {
				return res, err
			}
			reuse = ok
		}
		if reuse {
			logger.Info("reusing cached archives", "count", len(units))
			res.Reused = true
			res.Elapsed = time.Since(start)
			return res, nil
		}
	}

	if err := c.engine.Ping(ctx); err != nil {
		return res, domain.NewPreconditionError("build", "cannot reach the local Docker daemon", err,
			"docker info")
	}

	if err := os.MkdirAll(domain.VersionCacheDir(cfg.CacheDir, cfg.Version), 0o755); err != nil {
		return res, domain.NewPreconditionError("build", "cannot create cache directory", err,
			"mkdir -p "+domain.VersionCacheDir(cfg.CacheDir, cfg.Version))
	}

	for i, comp := range cfg.Components {
		unit := units[i]
		if cfg.SkipBuild {
			if !missing[unit.ComponentName] {
				continue
			}
			exists, err := c.engine.Exists(ctx, unit.CanonicalRef())
			if err != nil {
				return res, domain.NewBuildError("build", "cannot inspect local image "+unit.CanonicalRef(), err,
					"docker image inspect "+unit.CanonicalRef())
			}
			if !exists {
				return res, domain.NewPreconditionError("build",
					fmt.Sprintf("--skip-build set but neither %s nor a local image %s exists", unit.ArchivePath, unit.CanonicalRef()),
					nil,
					fmt.Sprintf("shipctl deploy <host> <user> <remote-dir> %s", cfg.Version),
				)
			}
		} else {
			if err := c.build(ctx, comp, unit); err != nil {
				return res, err
			}
			res.Built = append(res.Built, unit.ComponentName)
		}

		if err := c.publish(ctx, cfg, unit); err != nil {
			return res, err
		}
		res.Exported = append(res.Exported, unit.ComponentName)
	}

	res.Elapsed = time.Since(start)
	logger.Info("archives ready", "built", res.Built, "exported", res.Exported, "elapsed", res.Elapsed)
	return res, nil
}

func (c *Coordinator) build(ctx context.Context, comp domain.Component, unit domain.DeploymentUnit) error {
	c.logger.Info("building image", "ref", unit.CanonicalRef(), "context", comp.Context)
	err := c.engine.Build(ctx, Request{
		Context:    comp.Context,
		Dockerfile: comp.Dockerfile,
		Ref:        unit.CanonicalRef(),
		BuildArgs:  comp.BuildArgs,
	})
	if err != nil {
		return domain.NewBuildError("build",
			fmt.Sprintf("building %s failed", unit.CanonicalRef()),
			err,
			fmt.Sprintf("docker build -t %s %s", unit.CanonicalRef(), comp.Context),
		)
	}
	return nil
}

// publish tags latest, pushes in registry mode and exports the archive.
func (c *Coordinator) publish(ctx context.Context, cfg domain.RunConfig, unit domain.DeploymentUnit) error {
	if err := c.engine.Tag(ctx, unit.CanonicalRef(), unit.LatestRef()); err != nil {
		return domain.NewBuildError("tag", "tagging "+unit.LatestRef()+" failed", err,
			"docker tag "+unit.CanonicalRef()+" "+unit.LatestRef())
	}

	if cfg.Mode == domain.ModeRegistry {
		ref := unit.TransportRef(cfg.Registry.URL)
		if err := c.engine.Tag(ctx, unit.CanonicalRef(), ref); err != nil {
			return domain.NewBuildError("tag", "tagging "+ref+" failed", err,
				"docker tag "+unit.CanonicalRef()+" "+ref)
		}
		c.logger.Info("pushing image", "ref", ref)
		if err := c.engine.Push(ctx, ref, c.registryAuth(cfg.Registry)); err != nil {
			return domain.NewBuildError("push", "pushing "+ref+" failed", err, "docker push "+ref)
		}
	}

	return c.export(ctx, unit)
}

// export writes the archive to a temporary file and renames it into place,
// so an interrupted export never looks like a cache hit.
func (c *Coordinator) export(ctx context.Context, unit domain.DeploymentUnit) error {
	tmp := unit.ArchivePath + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return domain.NewBuildError("save", "cannot create "+tmp, err, "mkdir -p "+filepath.Dir(tmp))
	}

	refs := []string{unit.CanonicalRef(), unit.LatestRef()}
	saveErr := c.engine.Save(ctx, refs, f)
	closeErr := f.Close()
	if saveErr == nil {
		saveErr = closeErr
	}
	if saveErr != nil {
		os.Remove(tmp)
		return domain.NewBuildError("save", "exporting "+unit.CanonicalRef()+" failed", saveErr,
			fmt.Sprintf("docker save -o %s %s %s", unit.ArchivePath, refs[0], refs[1]))
	}
	if err := os.Rename(tmp, unit.ArchivePath); err != nil {
		os.Remove(tmp)
		return domain.NewBuildError("save", "cannot move archive into place", err,
			fmt.Sprintf("mv %s %s", tmp, unit.ArchivePath))
	}
	c.logger.Info("archive exported", "path", unit.ArchivePath)
	return nil
}

func (c *Coordinator) registryAuth(r domain.Registry) RegistryAuth {
	auth := RegistryAuth{Username: r.Username, ServerAddress: r.URL}
	if r.Username == "" || c.secrets == nil {
		return auth
	}
	password, err := c.secrets.Get(RegistryAccount(r))
	if err != nil {
		c.logger.Warn("registry password not found in keyring, pushing without it", "account", RegistryAccount(r), "error", err)
		return auth
	}
	auth.Password = password
	return auth
}

// missingArchives returns the components whose archive is absent or empty.
func missingArchives(units []domain.DeploymentUnit) map[string]bool {
	missing := make(map[string]bool)
	for _, u := range units {
		info, err := os.Stat(u.ArchivePath)
		if err != nil || info.IsDir() || info.Size() == 0 {
			missing[u.ComponentName] = true
		}
	}
	return missing
}
