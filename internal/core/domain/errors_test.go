package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeployError_IsKindAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewTransferError("transfer", "copy api.tar", cause, "scp a b")

	assert.ErrorIs(t, err, ErrTransfer)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrBuild)
	assert.Equal(t, "transfer: copy api.tar: connection reset", err.Error())
	assert.True(t, err.Fatal())
}

func TestDeployError_WrappedStillMatches(t *testing.T) {
	err := fmt.Errorf("run: %w", NewBuildError("build", "component api", nil))
	assert.ErrorIs(t, err, ErrBuild)
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected int
	}{
		{"success", nil, ExitSuccess},
		{"health timeout", NewHealthCheckTimeout("health", "not ready", nil), ExitSuccess},
		{"precondition", NewPreconditionError("args", "missing host", nil), ExitFailure},
		{"activation", NewRemoteActivationError("activate", "load", nil), ExitFailure},
		{"interrupted", context.Canceled, ExitFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExitCode(tt.err))
		})
	}
}

func TestRemediation(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewTransferError("transfer", "x", nil, "scp /a u@h:/b"))
	assert.Equal(t, []string{"scp /a u@h:/b"}, Remediation(err))
	assert.Nil(t, Remediation(errors.New("plain")))
}
