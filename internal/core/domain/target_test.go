package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Target Tests
// =============================================================================

func TestNewTarget_Defaults(t *testing.T) {
	target, err := NewTarget("10.0.0.5", "", 0, "")
	require.NoError(t, err)

	assert.Equal(t, "10.0.0.5", target.Host)
	assert.Equal(t, DefaultSSHUser, target.User)
	assert.Equal(t, 22, target.Port)
	assert.Equal(t, DefaultRemoteDir, target.RemoteDir)
	assert.Equal(t, "10.0.0.5:22", target.Address())
	assert.Equal(t, "ubuntu@10.0.0.5", target.Destination())
}

func TestNewTarget_MissingHost(t *testing.T) {
	_, err := NewTarget("", "deploy", 22, "/srv/app")
	assert.ErrorIs(t, err, ErrSSHHostRequired)
}

func TestNewTarget_IPv6Address(t *testing.T) {
	target, err := NewTarget("fd00::10", "deploy", 2222, "/srv/app")
	require.NoError(t, err)
	assert.Equal(t, "[fd00::10]:2222", target.Address())
}

func TestValidateSSHHost(t *testing.T) {
	tests := []struct {
		name    string
		host    string
		wantErr error
	}{
		{"ipv4", "192.168.1.10", nil},
		{"hostname", "edge-01.example.com", nil},
		{"single label", "jetson", nil},
		{"empty", "", ErrSSHHostRequired},
		{"underscore", "bad_host", ErrSSHHostInvalid},
		{"leading hyphen", "-edge", ErrSSHHostInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSSHHost(tt.host)
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestValidateSSHPort(t *testing.T) {
	assert.NoError(t, ValidateSSHPort(22))
	assert.NoError(t, ValidateSSHPort(65535))
	assert.ErrorIs(t, ValidateSSHPort(0), ErrSSHPortInvalid)
	assert.ErrorIs(t, ValidateSSHPort(70000), ErrSSHPortInvalid)
}

func TestValidateRemoteDir(t *testing.T) {
	assert.NoError(t, ValidateRemoteDir("/opt/app"))
	assert.ErrorIs(t, ValidateRemoteDir(""), ErrRemoteDirRequired)
	assert.ErrorIs(t, ValidateRemoteDir("opt/app"), ErrRemoteDirRelative)
}
