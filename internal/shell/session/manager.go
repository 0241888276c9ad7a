// Package session owns the single SSH connection of a run. Every remote
// command, file stream and TCP tunnel of the run is multiplexed over it.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/artpar/shipctl/internal/core/domain"
	"github.com/artpar/shipctl/internal/core/remotecmd"
)

var (
	ErrClosed             = errors.New("ssh session is closed")
	ErrNoAuthMethod       = errors.New("no ssh authentication method available")
	ErrPassphraseRequired = errors.New("identity is encrypted and no passphrase is stored")
	ErrCommandTimeout     = errors.New("remote command timed out")
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures authentication and connection lifetime.
type Config struct {
	IdentityFiles         []string      // empty = ~/.ssh/id_{ed25519,ecdsa,rsa} when present
	UseAgent              bool          // use SSH_AUTH_SOCK when set
	KnownHostsPath        string        // default ~/.ssh/known_hosts
	InsecureIgnoreHostKey bool          // skip host key verification
	ConnectTimeout        time.Duration // TCP + handshake bound
	CommandTimeout        time.Duration // per command, 0 = bounded by ctx only
	KeepaliveInterval     time.Duration // 0 disables keepalives
	IdleLifetime          time.Duration // close after this long unused, 0 = never
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		UseAgent:          true,
		ConnectTimeout:    10 * time.Second,
		KeepaliveInterval: 30 * time.Second,
		IdleLifetime:      10 * time.Minute,
	}
}

// =============================================================================
// Manager
// =============================================================================

// Manager lazily opens the SSH connection to the target and shares it.
type Manager struct {
	target  domain.Target
	cfg     Config
	secrets Secrets
	logger  *slog.Logger

	mu          sync.Mutex
	client      *ssh.Client
	closeAgent  func()
	established *domain.TransferSession
	lastUsed    time.Time
	stop        chan struct{}
	closed      bool
	wg          sync.WaitGroup
}

// NewManager creates a manager for target. Nothing is dialed until the first
// remote operation. secrets may be nil when no key is encrypted.
func NewManager(target domain.Target, cfg Config, secrets Secrets, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Manager{
		target:  target,
		cfg:     cfg,
		secrets: secrets,
		logger:  logger.With("component", "session", "host", target.Host),
		stop:    make(chan struct{}),
	}
}

// Session returns the established session, nil before the first connect.
func (m *Manager) Session() *domain.TransferSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.established == nil {
		return nil
	}
	s := *m.established
	return &s
}

// connect returns the live client, dialing if needed.
func (m *Manager) connect(ctx context.Context) (*ssh.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	m.lastUsed = time.Now()

	if m.client != nil {
		// Check if connection is still alive
		if _, _, err := m.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return m.client, nil
		}
		m.logger.Warn("ssh connection lost, reconnecting")
		m.dropLocked()
	}

	client, err := m.dial(ctx)
	if err != nil {
		return nil, err
	}
	m.client = client

	if m.established == nil {
		m.established = &domain.TransferSession{
			TargetHost:       m.target.Host,
			RemoteUser:       m.target.User,
			ControlChannelID: uuid.NewString(),
			EstablishedAt:    time.Now(),
		}
		if m.cfg.KeepaliveInterval > 0 {
			m.wg.Add(1)
			go m.keepalive()
		}
	}
	m.logger.Info("ssh connection established",
		"user", m.target.User,
		"channel_id", m.established.ControlChannelID,
	)
	return client, nil
}

func (m *Manager) dial(ctx context.Context) (*ssh.Client, error) {
	hostKeys, err := m.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	auth, closeAgent, err := m.authMethods()
	if err != nil {
		return nil, err
	}

	config := &ssh.ClientConfig{
		User:            m.target.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         m.cfg.ConnectTimeout,
	}

	addr := m.target.Address()
	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		closeAgent()
		return nil, fmt.Errorf("SSH dial %s: %w", addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
	if err != nil {
		conn.Close()
		closeAgent()
		return nil, fmt.Errorf("SSH handshake %s: %w", addr, err)
	}
	_ = conn.SetDeadline(time.Time{})

	m.closeAgent = closeAgent
	return ssh.NewClient(clientConn, chans, reqs), nil
}

// dropLocked closes the current client. m.mu must be held.
func (m *Manager) dropLocked() {
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	if m.closeAgent != nil {
		m.closeAgent()
		m.closeAgent = nil
	}
}

// keepalive pings the server and closes an idle connection. A dropped
// connection is reopened by the next operation.
func (m *Manager) keepalive() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}

		m.mu.Lock()
		if m.client == nil {
			m.mu.Unlock()
			continue
		}
		if m.cfg.IdleLifetime > 0 && time.Since(m.lastUsed) > m.cfg.IdleLifetime {
			m.logger.Info("closing idle ssh connection", "idle", time.Since(m.lastUsed).Round(time.Second))
			m.dropLocked()
			m.mu.Unlock()
			continue
		}
		if _, _, err := m.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			m.logger.Warn("ssh keepalive failed", "error", err)
			m.dropLocked()
		}
		m.mu.Unlock()
	}
}

// Close releases the connection and stops the keepalive loop. It is safe to
// call more than once.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.stop)
	var err error
	if m.client != nil {
		err = m.client.Close()
		m.client = nil
	}
	if m.closeAgent != nil {
		m.closeAgent()
		m.closeAgent = nil
	}
	m.mu.Unlock()

	m.wg.Wait()
	if m.established != nil {
		m.logger.Info("ssh connection closed", "channel_id", m.established.ControlChannelID)
	}
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// =============================================================================
// Remote Operations
// =============================================================================

// Run executes cmd in a new SSH session on the shared connection.
func (m *Manager) Run(ctx context.Context, cmd remotecmd.Command) (remotecmd.Result, error) {
	client, err := m.connect(ctx)
	if err != nil {
		return remotecmd.Result{}, err
	}

	sess, err := client.NewSession()
	if err != nil {
		return remotecmd.Result{}, fmt.Errorf("create SSH session: %w", err)
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr
	if cmd.Stdin != nil {
		sess.Stdin = cmd.Stdin
	}

	line := cmd.Line()
	m.logger.Debug("remote command", "name", cmd.Name, "command", line)

	var timeout <-chan time.Time
	if m.cfg.CommandTimeout > 0 {
		timer := time.NewTimer(m.cfg.CommandTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	done := make(chan error, 1)
	go func() {
		done <- sess.Run(line)
	}()

	select {
	case <-ctx.Done():
		_ = sess.Signal(ssh.SIGKILL)
		return remotecmd.Result{}, ctx.Err()
	case <-timeout:
		_ = sess.Signal(ssh.SIGKILL)
		return remotecmd.Result{}, fmt.Errorf("%s: %w after %v", cmd.Name, ErrCommandTimeout, m.cfg.CommandTimeout)
	case err := <-done:
		result := remotecmd.Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
		if err == nil {
			return result, nil
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, remotecmd.NewExitError(cmd, result)
		}
		return result, fmt.Errorf("%s: %w", cmd.Name, err)
	}
}

// DialContext opens a TCP connection from the target host to addr through
// the SSH connection.
func (m *Manager) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	client, err := m.connect(ctx)
	if err != nil {
		return nil, err
	}
	conn, err := client.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("tunnel %s via %s: %w", addr, m.target.Host, err)
	}
	return conn, nil
}
