package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/core/remotecmd"
)

// LockDirName is the lock directory created inside the remote directory.
const LockDirName = ".shipctl.lock"

var ErrLockHeld = errors.New("deployment lock is held")

// LockOwner identifies the run holding the lock.
type LockOwner struct {
	RunID      string    `yaml:"run_id"`
	Host       string    `yaml:"host"`
	PID        int       `yaml:"pid"`
	AcquiredAt time.Time `yaml:"acquired_at"`
}

func (o LockOwner) String() string {
	return fmt.Sprintf("run %s from %s (pid %d) since %s", o.RunID, o.Host, o.PID, o.AcquiredAt.Format(time.RFC3339))
}

// NewLockOwner describes the current process.
func NewLockOwner(runID string) LockOwner {
	host, _ := os.Hostname()
	return LockOwner{RunID: runID, Host: host, PID: os.Getpid(), AcquiredAt: time.Now().UTC()}
}

// Lock serializes deployments to one remote directory. mkdir is atomic on
// every POSIX filesystem, so at most one run creates the directory.
type Lock struct {
	runner remotecmd.Runner
	target domain.Target
	logger *slog.Logger
	held   bool
}

// NewLock creates the lock for target's remote directory.
func NewLock(runner remotecmd.Runner, target domain.Target, logger *slog.Logger) *Lock {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lock{
		runner: runner,
		target: target,
		logger: logger.With("component", "lock", "host", target.Host),
	}
}

// Dir returns the lock directory path.
func (l *Lock) Dir() string {
	return path.Join(l.target.RemoteDir, LockDirName)
}

func (l *Lock) ownerFile() string {
	return path.Join(l.Dir(), "owner")
}

// Acquire takes the lock or returns a PreconditionError naming its holder.
// A mkdir failure only means "held" when the lock directory exists.
func (l *Lock) Acquire(ctx context.Context, owner LockOwner) error {
	if _, err := l.runner.Run(ctx, remotecmd.Mkdir(l.Dir())); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		held, testErr := holds(ctx, l.runner, remotecmd.TestDir(l.Dir()))
		if testErr != nil || !held {
			l.logger.Warn("cannot create lock directory", "dir", l.Dir(), "error", err)
			return domain.NewPreconditionError("lock",
				fmt.Sprintf("cannot create %s on %s", l.Dir(), l.target.Host),
				err,
				fmt.Sprintf("ssh %s 'ls -ld %s && mkdir %s'", l.target.Destination(), l.target.RemoteDir, l.Dir()),
			)
		}
		holder := "unknown holder"
		if current, readErr := l.Owner(ctx); readErr == nil {
			holder = current.String()
		}
		return domain.NewPreconditionError("lock",
			fmt.Sprintf("%s on %s is held by %s", l.Dir(), l.target.Host, holder),
			fmt.Errorf("%w: %w", ErrLockHeld, err),
			l.UnlockCommand(),
		)
	}
	l.held = true

	b, err := yaml.Marshal(owner)
	if err != nil {
		return err
	}
	if _, err := l.runner.Run(ctx, remotecmd.WriteFile(l.ownerFile(), strings.NewReader(string(b)))); err != nil {
		l.logger.Warn("failed to write lock owner", "error", err)
	}
	l.logger.Info("lock acquired", "dir", l.Dir(), "run_id", owner.RunID)
	return nil
}

// Owner reads the current holder.
func (l *Lock) Owner(ctx context.Context) (LockOwner, error) {
	res, err := l.runner.Run(ctx, remotecmd.Cat(l.ownerFile()))
	if err != nil {
		return LockOwner{}, err
	}
	var owner LockOwner
	if err := yaml.Unmarshal(res.Stdout, &owner); err != nil {
		return LockOwner{}, fmt.Errorf("parse lock owner: %w", err)
	}
	return owner, nil
}

// Release removes the lock if this Lock acquired it.
func (l *Lock) Release(ctx context.Context) error {
	if !l.held {
		return nil
	}
	if err := l.ForceRelease(ctx); err != nil {
		return err
	}
	l.held = false
	l.logger.Info("lock released", "dir", l.Dir())
	return nil
}

// ForceRelease removes the lock regardless of holder.
func (l *Lock) ForceRelease(ctx context.Context) error {
	if _, err := l.runner.Run(ctx, remotecmd.RemoveAll(l.Dir())); err != nil {
		return fmt.Errorf("remove lock %s: %w", l.Dir(), err)
	}
	return nil
}

// UnlockCommand returns the CLI command that clears a stale lock.
func (l *Lock) UnlockCommand() string {
	cmd := []string{"shipctl", "unlock", l.target.Host, l.target.User, l.target.RemoteDir}
	if l.target.Port != 0 && l.target.Port != 22 {
		cmd = append(cmd, "--port", strconv.Itoa(l.target.Port))
	}
	return strings.Join(cmd, " ")
}
