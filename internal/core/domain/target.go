// Package domain contains the core deployment types and validation logic.
// This is part of the Functional Core - all functions are pure with no I/O.
package domain

import (
	"errors"
	"net"
	"regexp"
	"strconv"
)

// =============================================================================
// Target Errors
// =============================================================================

var (
	// SSH validation errors
	ErrSSHHostRequired = errors.New("target host is required")
	ErrSSHHostInvalid  = errors.New("target host must be a valid hostname or IP address")
	ErrSSHPortInvalid  = errors.New("SSH port must be between 1 and 65535")
	ErrSSHUserRequired = errors.New("SSH user is required")

	// Remote directory validation errors
	ErrRemoteDirRequired = errors.New("remote deployment directory is required")
	ErrRemoteDirRelative = errors.New("remote deployment directory must be an absolute path")
)

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// =============================================================================
// Target
// =============================================================================

// DefaultSSHUser is the remote user when none is given on the command line.
const DefaultSSHUser = "ubuntu"

// DefaultRemoteDir is the remote deployment directory when none is given.
const DefaultRemoteDir = "/opt/app"

// Target identifies the host a run deploys to.
type Target struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	User      string `json:"user"`
	RemoteDir string `json:"remote_dir"`
}

// NewTarget creates a target with validated fields.
func NewTarget(host, user string, port int, remoteDir string) (Target, error) {
	if user == "" {
		user = DefaultSSHUser
	}
	if remoteDir == "" {
		remoteDir = DefaultRemoteDir
	}
	if port == 0 {
		port = 22
	}

	t := Target{Host: host, Port: port, User: user, RemoteDir: remoteDir}
	if err := t.Validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

// Validate checks every field of the target.
func (t Target) Validate() error {
	if err := ValidateSSHHost(t.Host); err != nil {
		return err
	}
	if err := ValidateSSHPort(t.Port); err != nil {
		return err
	}
	if err := ValidateSSHUser(t.User); err != nil {
		return err
	}
	return ValidateRemoteDir(t.RemoteDir)
}

// Address returns the SSH connection address (host:port).
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Destination returns the user@host form used in scp/ssh commands.
func (t Target) Destination() string {
	return t.User + "@" + t.Host
}

// =============================================================================
// Validation Functions
// =============================================================================

// ValidateSSHHost validates an SSH host (hostname or IP).
func ValidateSSHHost(host string) error {
	if host == "" {
		return ErrSSHHostRequired
	}
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}
	if hostnameRegex.MatchString(host) {
		return nil
	}
	return ErrSSHHostInvalid
}

// ValidateSSHPort validates an SSH port.
func ValidateSSHPort(port int) error {
	if port < 1 || port > 65535 {
		return ErrSSHPortInvalid
	}
	return nil
}

// ValidateSSHUser validates an SSH username.
func ValidateSSHUser(user string) error {
	if user == "" {
		return ErrSSHUserRequired
	}
	return nil
}

// ValidateRemoteDir validates the remote deployment directory.
func ValidateRemoteDir(dir string) error {
	if dir == "" {
		return ErrRemoteDirRequired
	}
	if dir[0] != '/' {
		return ErrRemoteDirRelative
	}
	return nil
}
