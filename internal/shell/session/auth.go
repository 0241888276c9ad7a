package session

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// =============================================================================
// Secrets
// =============================================================================

// DefaultKeyringService is the keyring service passphrases are stored under.
const DefaultKeyringService = "shipctl"

// Secrets looks up a stored secret for an account.
type Secrets interface {
	Get(account string) (string, error)
}

// Keyring reads secrets from the OS keyring.
type Keyring struct {
	Service string
}

// Get returns the secret stored for account.
func (k Keyring) Get(account string) (string, error) {
	service := k.Service
	if service == "" {
		service = DefaultKeyringService
	}
	secret, err := keyring.Get(service, account)
	if err != nil {
		return "", fmt.Errorf("keyring %s/%s: %w", service, account, err)
	}
	return secret, nil
}

// =============================================================================
// Auth Methods
// =============================================================================

var defaultIdentityFiles = []string{"~/.ssh/id_ed25519", "~/.ssh/id_ecdsa", "~/.ssh/id_rsa"}

// authMethods returns the agent (when available) followed by key files.
// The returned closer releases the agent connection.
func (m *Manager) authMethods() ([]ssh.AuthMethod, func(), error) {
	var methods []ssh.AuthMethod
	closer := func() {}

	if m.cfg.UseAgent {
		if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
			conn, err := net.Dial("unix", sock)
			if err != nil {
				m.logger.Debug("ssh agent unavailable", "socket", sock, "error", err)
			} else {
				methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
				closer = func() { conn.Close() }
			}
		}
	}

	signers, err := m.identitySigners()
	if err != nil {
		closer()
		return nil, nil, err
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if len(methods) == 0 {
		closer()
		return nil, nil, ErrNoAuthMethod
	}
	return methods, closer, nil
}

func (m *Manager) identitySigners() ([]ssh.Signer, error) {
	files := m.cfg.IdentityFiles
	explicit := len(files) > 0
	if !explicit {
		files = defaultIdentityFiles
	}

	var signers []ssh.Signer
	for _, f := range files {
		path, err := expandHome(f)
		if err != nil {
			return nil, err
		}
		pem, err := os.ReadFile(path)
		if err != nil {
			if !explicit && errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read identity %s: %w", path, err)
		}
		signer, err := m.parseKey(path, pem)
		if err != nil {
			return nil, err
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

// parseKey parses a private key, looking up the passphrase of an encrypted
// key in the secret store under the key's path.
func (m *Manager) parseKey(path string, pem []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pem)
	if err == nil {
		return signer, nil
	}
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	if m.secrets == nil {
		return nil, fmt.Errorf("identity %s: %w", path, ErrPassphraseRequired)
	}
	passphrase, err := m.secrets.Get(path)
	if err != nil {
		return nil, fmt.Errorf("identity %s: %w: %w", path, ErrPassphraseRequired, err)
	}
	signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	if err != nil {
		return nil, fmt.Errorf("parse identity %s: %w", path, err)
	}
	return signer, nil
}

// =============================================================================
// Host Keys
// =============================================================================

func (m *Manager) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if m.cfg.InsecureIgnoreHostKey {
		m.logger.Warn("host key verification disabled", "host", m.target.Host)
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := strings.TrimSpace(m.cfg.KnownHostsPath)
	if path == "" {
		path = "~/.ssh/known_hosts"
	}
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("known hosts %s: %w", path, err)
	}
	return callback, nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expand %s: %w", path, err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
