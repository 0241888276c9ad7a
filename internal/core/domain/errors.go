package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Kinds
// =============================================================================

var (
	// ErrPrecondition is a missing argument or local file; nothing has happened yet.
	ErrPrecondition = errors.New("precondition failed")

	// ErrBuild is a non-zero exit of the image build; nothing is transferred.
	ErrBuild = errors.New("build failed")

	// ErrTransfer is a transfer that exhausted its retries. Completed builds
	// and earlier transfers stay cached for the next run.
	ErrTransfer = errors.New("transfer failed")

	// ErrRemoteActivation is a failed step of the remote activation batch.
	ErrRemoteActivation = errors.New("remote activation failed")

	// ErrHealthCheckTimeout means the service never reported ready within the
	// attempt bound. It does not fail the run.
	ErrHealthCheckTimeout = errors.New("health check timed out")
)

// Exit codes of the orchestrator.
const (
	ExitSuccess = 0
	ExitFailure = 1
)

// =============================================================================
// DeployError
// =============================================================================

// DeployError wraps a failure with its kind and the literal commands an
// operator runs to remediate it.
type DeployError struct {
	Kind        error    // one of the Err* kinds above
	Op          string   // phase or operation that failed
	Message     string
	Remediation []string // commands printed alongside the failure
	Err         error    // underlying cause, may be nil
}

func (e *DeployError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *DeployError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// Fatal reports whether the error aborts the run.
func (e *DeployError) Fatal() bool {
	return !errors.Is(e.Kind, ErrHealthCheckTimeout)
}

func newDeployError(kind error, op, message string, err error, remediation []string) *DeployError {
	return &DeployError{
		Kind:        kind,
		Op:          op,
		Message:     message,
		Remediation: remediation,
		Err:         err,
	}
}

// NewPreconditionError creates a PreconditionError.
func NewPreconditionError(op, message string, err error, remediation ...string) *DeployError {
	return newDeployError(ErrPrecondition, op, message, err, remediation)
}

// NewBuildError creates a BuildError.
func NewBuildError(op, message string, err error, remediation ...string) *DeployError {
	return newDeployError(ErrBuild, op, message, err, remediation)
}

// NewTransferError creates a TransferError.
func NewTransferError(op, message string, err error, remediation ...string) *DeployError {
	return newDeployError(ErrTransfer, op, message, err, remediation)
}

// NewRemoteActivationError creates a RemoteActivationError.
func NewRemoteActivationError(op, message string, err error, remediation ...string) *DeployError {
	return newDeployError(ErrRemoteActivation, op, message, err, remediation)
}

// NewHealthCheckTimeout creates a HealthCheckTimeout.
func NewHealthCheckTimeout(op, message string, err error, remediation ...string) *DeployError {
	return newDeployError(ErrHealthCheckTimeout, op, message, err, remediation)
}

// =============================================================================
// Helpers
// =============================================================================

// IsFatal reports whether err should abort the run.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrHealthCheckTimeout)
}

// ExitCode maps a run result to the process exit code.
func ExitCode(err error) int {
	if IsFatal(err) {
		return ExitFailure
	}
	return ExitSuccess
}

// Remediation returns the remediation commands carried by err, if any.
func Remediation(err error) []string {
	var de *DeployError
	if errors.As(err, &de) {
		return de.Remediation
	}
	return nil
}
