package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/shell/console"
	"github.com/artpar/shipctl/internal/shell/orchestrator"
)

// printReport prints the run summary. It is a no-op for runs that never left
// preflight.
func printReport(out *console.Console, cfg domain.RunConfig, report *orchestrator.Report, runErr error) {
	if report == nil || report.Phase == orchestrator.PhasePreflight {
		return
	}

	if len(report.Transfers) > 0 {
		rows := make([][]string, 0, len(report.Transfers))
		for _, t := range report.Transfers {
			rows = append(rows, []string{
				filepath.Base(t.File.Local),
				string(t.Outcome),
				units.BytesSize(float64(t.Size)),
				units.BytesSize(float64(t.Sent)),
				strconv.Itoa(t.Attempts),
			})
		}
		out.Table([]string{"FILE", "OUTCOME", "SIZE", "SENT", "ATTEMPTS"}, rows)
	}

	for _, w := range report.Warnings {
		out.Warn("%s", w)
	}

	summary := fmt.Sprintf("%s on %s@%s:%s in %s", cfg.Version, cfg.Target.User, cfg.Target.Host,
		cfg.Target.RemoteDir, report.Elapsed.Round(time.Second))
	switch {
	case runErr == nil && report.Healthy:
		out.Success("Deployed %s", summary)
	case runErr == nil:
		out.Success("Deployed %s (no health check)", summary)
	case !domain.IsFatal(runErr):
		out.Warn("Deployed %s but readiness was not confirmed", summary)
	default:
		out.Warn("Stopped during %s after %s", report.Phase, report.Elapsed.Round(time.Second))
	}
	if report.Previous != "" && report.Previous != cfg.Version {
		out.Info("Previously deployed: %s", report.Previous)
	}
	if report.Session != nil && report.Session.IsEstablished() {
		out.Info("Session %s (run %s)", report.Session.ControlChannelID, report.RunID)
	}
}
