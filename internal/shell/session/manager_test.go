package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/artpar/shipctl/internal/core/remotecmd"
)

func echoHandler(command string, stdin []byte) execResult {
	switch {
	case strings.HasPrefix(command, "fail"):
		return execResult{stderr: "boom\n", status: 3}
	case strings.HasPrefix(command, "dd "):
		return execResult{stdout: fmt.Sprintf("%d", len(stdin))}
	default:
		return execResult{stdout: "ran: " + command}
	}
}

func testConfig(knownHosts, identity string) Config {
	cfg := DefaultConfig()
	cfg.UseAgent = false
	cfg.KnownHostsPath = knownHosts
	cfg.IdentityFiles = []string{identity}
	cfg.ConnectTimeout = 5 * time.Second
	cfg.KeepaliveInterval = 0
	return cfg
}

func TestManager_RunSharesOneConnection(t *testing.T) {
	pub, keyPath := newClientKey(t, "")
	srv := newTestServer(t, pub, echoHandler)

	m := NewManager(srv.target(), testConfig(srv.writeKnownHosts(t), keyPath), nil, nil)
	defer m.Close()

	assert.Nil(t, m.Session(), "nothing is dialed before the first operation")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		res, err := m.Run(ctx, remotecmd.New("echo", "echo", "hi"))
		require.NoError(t, err)
		assert.Equal(t, "ran: echo hi", res.StdoutString())
	}

	assert.Equal(t, 1, srv.Conns())
	assert.Len(t, srv.Commands(), 3)

	sess := m.Session()
	require.NotNil(t, sess)
	assert.True(t, sess.IsEstablished())
	assert.Equal(t, "deploy", sess.RemoteUser)
	assert.NotEmpty(t, sess.ControlChannelID)
}

func TestManager_RunExitError(t *testing.T) {
	pub, keyPath := newClientKey(t, "")
	srv := newTestServer(t, pub, echoHandler)

	m := NewManager(srv.target(), testConfig(srv.writeKnownHosts(t), keyPath), nil, nil)
	defer m.Close()

	res, err := m.Run(context.Background(), remotecmd.New("fail", "fail", "now"))
	require.Error(t, err)

	var exitErr *remotecmd.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Equal(t, "boom", exitErr.Stderr)
	assert.Equal(t, 3, res.ExitCode)
}

func TestManager_RunStreamsStdin(t *testing.T) {
	pub, keyPath := newClientKey(t, "")
	srv := newTestServer(t, pub, echoHandler)

	m := NewManager(srv.target(), testConfig(srv.writeKnownHosts(t), keyPath), nil, nil)
	defer m.Close()

	payload := strings.Repeat("x", 128*1024)
	res, err := m.Run(context.Background(), remotecmd.WriteFile("/tmp/f", strings.NewReader(payload)))
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", len(payload)), res.StdoutString())
}

func TestManager_UnknownHostKeyRejected(t *testing.T) {
	pub, keyPath := newClientKey(t, "")
	srv := newTestServer(t, pub, echoHandler)
	other := newTestServer(t, pub, echoHandler)

	// known_hosts trusts a different server's key under this address
	m := NewManager(srv.target(), testConfig(other.writeKnownHosts(t), keyPath), nil, nil)
	defer m.Close()

	_, err := m.Run(context.Background(), remotecmd.New("echo", "echo"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSH handshake")
}

func TestManager_InsecureIgnoreHostKey(t *testing.T) {
	pub, keyPath := newClientKey(t, "")
	srv := newTestServer(t, pub, echoHandler)

	cfg := testConfig("", keyPath)
	cfg.InsecureIgnoreHostKey = true
	m := NewManager(srv.target(), cfg, nil, nil)
	defer m.Close()

	_, err := m.Run(context.Background(), remotecmd.New("echo", "echo"))
	assert.NoError(t, err)
}

func TestManager_EncryptedKeyFromKeyring(t *testing.T) {
	keyring.MockInit()

	pub, keyPath := newClientKey(t, "s3cret")
	srv := newTestServer(t, pub, echoHandler)
	cfg := testConfig(srv.writeKnownHosts(t), keyPath)

	t.Run("missing passphrase", func(t *testing.T) {
		m := NewManager(srv.target(), cfg, Keyring{Service: "shipctl-test"}, nil)
		defer m.Close()
		_, err := m.Run(context.Background(), remotecmd.New("echo", "echo"))
		assert.ErrorIs(t, err, ErrPassphraseRequired)
	})

	t.Run("stored passphrase", func(t *testing.T) {
		require.NoError(t, keyring.Set("shipctl-test", keyPath, "s3cret"))
		m := NewManager(srv.target(), cfg, Keyring{Service: "shipctl-test"}, nil)
		defer m.Close()
		_, err := m.Run(context.Background(), remotecmd.New("echo", "echo"))
		assert.NoError(t, err)
	})
}

func TestManager_DialContextTunnels(t *testing.T) {
	pub, keyPath := newClientKey(t, "")
	srv := newTestServer(t, pub, echoHandler)

	ready := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer ready.Close()

	m := NewManager(srv.target(), testConfig(srv.writeKnownHosts(t), keyPath), nil, nil)
	defer m.Close()

	client := &http.Client{Transport: &http.Transport{DialContext: m.DialContext}}
	resp, err := client.Get(ready.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "ok", string(body))
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	pub, keyPath := newClientKey(t, "")
	srv := newTestServer(t, pub, echoHandler)

	cfg := testConfig(srv.writeKnownHosts(t), keyPath)
	cfg.KeepaliveInterval = 10 * time.Millisecond
	m := NewManager(srv.target(), cfg, nil, nil)

	_, err := m.Run(context.Background(), remotecmd.New("echo", "echo"))
	require.NoError(t, err)

	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())

	_, err = m.Run(context.Background(), remotecmd.New("echo", "echo"))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_CloseWithoutConnect(t *testing.T) {
	m := NewManager(newTestServerTarget(), DefaultConfig(), nil, nil)
	assert.NoError(t, m.Close())
	assert.Nil(t, m.Session())
}

func TestManager_IdleConnectionReopened(t *testing.T) {
	pub, keyPath := newClientKey(t, "")
	srv := newTestServer(t, pub, echoHandler)

	cfg := testConfig(srv.writeKnownHosts(t), keyPath)
	cfg.KeepaliveInterval = 10 * time.Millisecond
	cfg.IdleLifetime = 20 * time.Millisecond
	m := NewManager(srv.target(), cfg, nil, nil)
	defer m.Close()

	_, err := m.Run(context.Background(), remotecmd.New("echo", "echo"))
	require.NoError(t, err)
	channelID := m.Session().ControlChannelID

	require.Eventually(t, func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.client == nil
	}, 2*time.Second, 10*time.Millisecond)

	_, err = m.Run(context.Background(), remotecmd.New("echo", "echo"))
	require.NoError(t, err)
	assert.Equal(t, 2, srv.Conns())
	assert.Equal(t, channelID, m.Session().ControlChannelID)
}

func TestExpandHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	got, err := expandHome("~/.ssh/id_rsa")
	require.NoError(t, err)
	assert.Equal(t, home+"/.ssh/id_rsa", got)

	got, err = expandHome("/etc/ssh/key")
	require.NoError(t, err)
	assert.Equal(t, "/etc/ssh/key", got)
}
