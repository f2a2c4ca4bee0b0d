package root

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nick-boey/homespun/pkg/auth"
	"github.com/nick-boey/homespun/pkg/config"
	"github.com/nick-boey/homespun/pkg/paths"
	"github.com/nick-boey/homespun/pkg/session"
)

// TestIsFirstRun_AtomicMarker verifies that concurrent callers racing to
// create the first-run marker produce exactly one winner. This test
// overrides `paths.GetConfigDir`; do not run it in parallel with other
// tests that rely on the real config dir.
func TestIsFirstRun_AtomicMarker(t *testing.T) {
	tmp := t.TempDir()

	old := paths.GetConfigDir
	paths.GetConfigDir = func() string { return tmp }
	t.Cleanup(func() { paths.GetConfigDir = old })

	const tries = 20
	var wg sync.WaitGroup
	wg.Add(tries)

	var trues int32
	start := make(chan struct{})

	for range tries {
		go func() {
			defer wg.Done()
			<-start
			if isFirstRun() {
				atomic.AddInt32(&trues, 1)
			}
		}()
	}

	// Release all goroutines simultaneously to maximize contention.
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&trues))
	assert.False(t, isFirstRun(), "expected false once the marker exists")
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var stdout, stderr bytes.Buffer
	err := Execute(t.Context(), &stdout, &stderr, args...)
	return stdout.String(), err
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, APP_NAME+" dev")
}

func TestUnknownLogFormat(t *testing.T) {
	_, err := run(t, "--log-format", "xml", "version")
	require.ErrorContains(t, err, `unknown log format "xml"`)
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("HOMESPUN_CONFIG_DIR", t.TempDir())

	flags := serveFlags{rootFlags: &rootFlags{}, listen: "unix:///tmp/h.sock", backend: config.BackendDocker, mcpListen: ":9001"}
	cfg, err := flags.loadConfig()
	require.NoError(t, err)

	assert.Equal(t, "unix:///tmp/h.sock", cfg.Server.Listen)
	assert.Equal(t, config.BackendDocker, cfg.Backend.Type)
	assert.Equal(t, ":9001", cfg.Server.MCPListen)

	flags.backend = "k8s"
	_, err = flags.loadConfig()
	require.Error(t, err)
}

func TestUnitEnv(t *testing.T) {
	t.Parallel()

	env, err := unitEnv{
		secrets: staticSecrets{"TOKEN": "x"},
		agent:   config.AgentConfig{Binary: "/opt/claude", Model: "opus"},
	}.Env(t.Context(), "e", "p")
	require.NoError(t, err)

	assert.Equal(t, map[string]string{
		"TOKEN":         "x",
		envClaudeBinary: "/opt/claude",
		envModel:        "opus",
	}, env)
}

type staticSecrets map[string]string

func (s staticSecrets) Env(_ context.Context, _, _ string) (map[string]string, error) {
	return s, nil
}

func TestSessionsList(t *testing.T) {
	color.NoColor = true

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/sessions":
			_ = json.NewEncoder(w).Encode([]session.Session{{ID: "abcdef0123", EntityID: "issue-9", State: session.StateRunning}})
		case "/api/projects/proj/sessions":
			_ = json.NewEncoder(w).Encode([]session.Session{})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	out, err := run(t, "sessions", "list", "--server", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "abcdef01")
	assert.Contains(t, out, "issue-9")

	out, err = run(t, "sessions", "list", "proj", "--server", srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "No sessions\n", out)

	out, err = run(t, "sessions", "list", "--json", "--server", srv.URL)
	require.NoError(t, err)
	var list []session.Session
	require.NoError(t, json.Unmarshal([]byte(out), &list))
	assert.Equal(t, "abcdef0123", list[0].ID)

	_, err = run(t, "sessions", "show", "missing", "--server", srv.URL)
	require.Error(t, err)
}

func TestTokenCmd(t *testing.T) {
	t.Setenv(config.EnvConfigFile, "")
	t.Setenv("HOMESPUN_CONFIG_DIR", t.TempDir())

	t.Setenv("HOMESPUN_AUTH_SECRET", "")
	_, err := run(t, "token")
	require.ErrorContains(t, err, "auth_secret is not configured")

	t.Setenv("HOMESPUN_AUTH_SECRET", "s3cret")
	out, err := run(t, "token", "--subject", "ci")
	require.NoError(t, err)

	m, err := auth.NewManager("s3cret")
	require.NoError(t, err)
	claims, err := m.ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ci", claims.Subject)
}

func TestIsLoopback(t *testing.T) {
	t.Parallel()

	assert.True(t, isLoopback("127.0.0.1:8420"))
	assert.True(t, isLoopback("localhost:8420"))
	assert.True(t, isLoopback("[::1]:8420"))
	assert.True(t, isLoopback("unix:///tmp/h.sock"))
	assert.False(t, isLoopback(":8420"))
	assert.False(t, isLoopback("0.0.0.0:8420"))
}
