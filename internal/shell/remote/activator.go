// Package remote executes activation plans and guards the target host's
// deployment directory with a lock.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/shipctl/internal/core/activation"
	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/core/remotecmd"
	"github.com/artpar/shipctl/internal/core/versionstate"
)

// StepResult reports one executed step.
type StepResult struct {
	Step     activation.Step
	Duration time.Duration
	Warning  string // set when a WarnOnly step failed
}

// Activator runs activation plans on the target host.
type Activator struct {
	runner remotecmd.Runner
	logger *slog.Logger
}

// NewActivator creates an activator.
func NewActivator(runner remotecmd.Runner, logger *slog.Logger) *Activator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activator{
		runner: runner,
		logger: logger.With("component", "activator"),
	}
}

// Execute runs the plan's steps in order. The first failing Fatal step stops
// the batch with a RemoteActivationError; earlier steps are not undone.
// diagnostics are attached to that error as remediation.
func (a *Activator) Execute(ctx context.Context, plan activation.Plan, diagnostics []string) ([]StepResult, error) {
	results := make([]StepResult, 0, len(plan.Steps))
	for i, step := range plan.Steps {
		log := a.logger.With("step", i+1, "of", len(plan.Steps), "name", step.Name)
		log.Info("activation step")

		start := time.Now()
		err := a.runStep(ctx, step)
		res := StepResult{Step: step, Duration: time.Since(start)}

		if err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			if !step.Fatal() {
				res.Warning = err.Error()
				log.Warn("activation step failed, continuing", "error", err)
				results = append(results, res)
				continue
			}
			return results, stepError(step, err, diagnostics)
		}
		results = append(results, res)
	}
	return results, nil
}

func (a *Activator) runStep(ctx context.Context, step activation.Step) error {
	switch step.Kind {
	case activation.StepVersionState:
		return a.writeVersionState(ctx, step.VersionFile, step.Assignments)
	default:
		_, err := a.runner.Run(ctx, step.Command)
		return err
	}
}

// writeVersionState rewrites the version file through a temporary file so
// the file is never left half written.
func (a *Activator) writeVersionState(ctx context.Context, file string, assignments []versionstate.Assignment) error {
	current := ""
	exists, err := holds(ctx, a.runner, remotecmd.TestExists(file))
	if err != nil {
		return fmt.Errorf("check %s: %w", file, err)
	}
	if exists {
		res, err := a.runner.Run(ctx, remotecmd.Cat(file))
		if err != nil {
			return fmt.Errorf("read %s: %w", file, err)
		}
		current = string(res.Stdout)
	}

	updated, err := versionstate.Apply(current, assignments...)
	if err != nil {
		return err
	}

	tmp := file + ".tmp"
	if _, err := a.runner.Run(ctx, remotecmd.WriteFile(tmp, bytes.NewBufferString(updated))); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if _, err := a.runner.Run(ctx, remotecmd.Move(tmp, file)); err != nil {
		return fmt.Errorf("replace %s: %w", file, err)
	}
	return nil
}

// holds runs a `test` command. Only `test` answering false (exit 1) means
// false; any other failure leaves the answer unknown and is returned.
func holds(ctx context.Context, runner remotecmd.Runner, test remotecmd.Command) (bool, error) {
	_, err := runner.Run(ctx, test)
	if err == nil {
		return true, nil
	}
	var exitErr *remotecmd.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

func stepError(step activation.Step, err error, diagnostics []string) error {
	msg := fmt.Sprintf("step %q failed", step.Name)
	var exitErr *remotecmd.ExitError
	if errors.As(err, &exitErr) {
		msg = fmt.Sprintf("step %q exited with status %d", step.Name, exitErr.ExitCode)
	}
	remediation := append([]string{step.Describe()}, diagnostics...)
	return domain.NewRemoteActivationError("activate", msg, err, remediation...)
}
