// Package retention removes superseded image versions from the target host.
// Every failure here is logged and tolerated.
package retention

import (
	"context"
	"log/slog"

	"github.com/artpar/shipctl/internal/core/activation"
	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/core/remotecmd"
	coreretention "github.com/artpar/shipctl/internal/core/retention"
)

const imageListFormat = "{{.Tag}}\t{{.CreatedAt}}"

// Report describes what happened to one image repository.
type Report struct {
	Image   string
	Kept    []string
	Deleted []string
	Failed  map[string]string // tag -> error
}

// Manager applies retention plans on the target host.
type Manager struct {
	runner remotecmd.Runner
	sudo   bool
	logger *slog.Logger
}

// NewManager creates a retention manager. sudo runs docker through sudo.
func NewManager(runner remotecmd.Runner, sudo bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: runner,
		sudo:   sudo,
		logger: logger.With("component", "retention"),
	}
}

// Prune keeps the active version plus keep-1 older versions of each unit's
// image, then prunes dangling images. With a registry the registry-qualified
// repository the host pulled from gets the same treatment, otherwise its tags
// would keep every superseded image alive. Only a cancelled ctx returns an
// error.
func (m *Manager) Prune(ctx context.Context, units []domain.DeploymentUnit, registry string, keep int) ([]Report, error) {
	reports := make([]Report, 0, len(units))
	for _, u := range units {
		repos := []string{u.CanonicalImage}
		if transport := u.TransportImage(registry); transport != u.CanonicalImage {
			repos = append(repos, transport)
		}
		for _, repo := range repos {
			report := m.pruneRepository(ctx, repo, u.VersionTag, keep)
			if err := ctx.Err(); err != nil {
				return reports, err
			}
			reports = append(reports, report)
		}
	}

	if _, err := m.runner.Run(ctx, activation.Docker(m.sudo, "image", "prune", "-f").WarnOnly()); err != nil {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		m.logger.Warn("image prune failed", "error", err)
	}
	return reports, nil
}

func (m *Manager) pruneRepository(ctx context.Context, repo, active string, keep int) Report {
	report := Report{Image: repo, Failed: map[string]string{}}
	log := m.logger.With("image", repo)

	res, err := m.runner.Run(ctx, activation.Docker(m.sudo, "image", "ls", "--format", imageListFormat, repo).WarnOnly())
	if err != nil {
		log.Warn("listing image tags failed", "error", err)
		return report
	}
	tags, err := coreretention.ParseImageList(string(res.Stdout))
	if err != nil {
		log.Warn("parsing image tags failed", "error", err)
		return report
	}

	plan := coreretention.Build(tags, active, keep)
	for _, t := range plan.Keep {
		report.Kept = append(report.Kept, t.Tag)
	}

	for _, t := range plan.Delete {
		ref := repo + ":" + t.Tag
		if _, err := m.runner.Run(ctx, activation.Docker(m.sudo, "rmi", ref).WarnOnly()); err != nil {
			if ctx.Err() != nil {
				return report
			}
			log.Warn("removing image failed", "tag", t.Tag, "error", err)
			report.Failed[t.Tag] = err.Error()
			continue
		}
		report.Deleted = append(report.Deleted, t.Tag)
	}

	log.Info("retention applied",
		"active", active,
		"kept", len(report.Kept),
		"deleted", len(report.Deleted),
		"failed", len(report.Failed),
	)
	return report
}
