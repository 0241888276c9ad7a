package store

import (
	"context"
	"time"

	"github.com/artpar/shipctl/internal/core/domain"
)

// =============================================================================
// Run Record
// =============================================================================

// RunStatus is the outcome of a run.
type RunStatus string

const (
	RunRunning    RunStatus = "running"
	RunSucceeded  RunStatus = "succeeded"
	RunUnverified RunStatus = "unverified" // activated, health check timed out
	RunFailed     RunStatus = "failed"
)

// RunRecord is one orchestrator run.
type RunRecord struct {
	ID             string
	Host           string
	User           string
	RemoteDir      string
	Version        string
	Mode           domain.TransportMode
	Components     []string
	Status         RunStatus
	Phase          string // last phase entered
	ErrorKind      string
	ErrorMessage   string
	HealthURL      string
	HealthAttempts int
	StartedAt      time.Time
	FinishedAt     *time.Time
}

// NewRunRecord starts a record for cfg.
func NewRunRecord(cfg domain.RunConfig, now time.Time) *RunRecord {
	components := make([]string, 0, len(cfg.Components))
	for _, c := range cfg.Components {
		components = append(components, c.Name)
	}
	return &RunRecord{
		ID:         cfg.RunID,
		Host:       cfg.Target.Host,
		User:       cfg.Target.User,
		RemoteDir:  cfg.Target.RemoteDir,
		Version:    cfg.Version,
		Mode:       cfg.Mode,
		Components: components,
		Status:     RunRunning,
		StartedAt:  now,
	}
}

// Duration returns how long the run took, zero while it is running.
func (r RunRecord) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for run history.
type Store interface {
	StartRun(ctx context.Context, run *RunRecord) error
	FinishRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]RunRecord, error)
	ListRunsByTarget(ctx context.Context, host, remoteDir string, opts ListOptions) ([]RunRecord, error)
	// LastDeployed returns the newest run that activated a version on the
	// target, verified or not.
	LastDeployed(ctx context.Context, host, remoteDir string) (*RunRecord, error)

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  20,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
