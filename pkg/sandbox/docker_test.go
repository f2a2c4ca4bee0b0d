package sandbox

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nick-boey/homespun/pkg/config"
)

func TestParseSandboxPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		wantPath string
		wantMode string
	}{
		{input: ".", wantPath: ".", wantMode: "rw"},
		{input: "/tmp", wantPath: "/tmp", wantMode: "rw"},
		{input: "./src", wantPath: "./src", wantMode: "rw"},
		{input: "/tmp:ro", wantPath: "/tmp", wantMode: "ro"},
		{input: "./config:ro", wantPath: "./config", wantMode: "ro"},
		{input: "/data:rw", wantPath: "/data", wantMode: "rw"},
		{input: "./secrets:ro", wantPath: "./secrets", wantMode: "ro"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			path, mode := ParseSandboxPath(tt.input)
			assert.Equal(t, tt.wantPath, path)
			assert.Equal(t, tt.wantMode, mode)
		})
	}
}

func TestIsValidEnvVarName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		valid bool
	}{
		{"HOME", true},
		{"USER", true},
		{"PATH", true},
		{"_private", true},
		{"MY_VAR_123", true},
		{"a", true},
		{"A", true},
		{"_", true},
		{"", false},
		{"123", false},
		{"1VAR", false},
		{"VAR-NAME", false},
		{"VAR.NAME", false},
		{"VAR NAME", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			result := IsValidEnvVarName(tt.name)
			assert.Equal(t, tt.valid, result, "IsValidEnvVarName(%q)", tt.name)
		})
	}
}

func TestIsProcessRunning(t *testing.T) {
	t.Parallel()

	// Current process should be running
	assert.True(t, isProcessRunning(os.Getpid()), "Current process should be running")

	// Non-existent PID should not be running (using a very high PID unlikely to exist)
	assert.False(t, isProcessRunning(999999999), "Very high PID should not be running")
}

type fakeDocker struct {
	mu    sync.Mutex
	calls [][]string
	runID string
	err   error
}

func (f *fakeDocker) run(_ context.Context, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	if args[0] == "run" {
		if f.err != nil {
			return nil, f.err
		}
		return []byte(f.runID + "\n"), nil
	}
	return nil, nil
}

func (f *fakeDocker) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		out = append(out, c[0])
	}
	return out
}

func TestDockerBackend_RunArgs(t *testing.T) {
	t.Parallel()

	d := newDockerBackend(config.DockerConfig{
		Image:   "worker:dev",
		Command: []string{"homespun", "bridge"},
		Memory:  "1g",
		Mounts:  []string{"/srv/cache:ro"},
	}, 8080, NewPortAllocator("127.0.0.1", 40000, 40010), NewProber(time.Second), Readiness{}, (&fakeDocker{}).run)

	args, err := d.runArgs("homespun-test", 40001, Spec{
		WorkingDir: "/work/issue-1",
		Env:        map[string]string{"GITHUB_TOKEN": "t", "bad-name": "x"},
		Resources:  Resources{CPUs: "2"},
		Labels:     map[string]string{"dev.homespun.session": "s1"},
	})
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-p 127.0.0.1:40001:8080")
	assert.Contains(t, joined, "--cpus 2")
	assert.Contains(t, joined, "--memory 1073741824")
	assert.Contains(t, joined, "-v /work/issue-1:/work/issue-1:rw -w /work/issue-1")
	assert.Contains(t, joined, "-v /srv/cache:/srv/cache:ro")
	assert.Contains(t, joined, "--label dev.homespun.session=s1")
	assert.Contains(t, joined, "-e GITHUB_TOKEN=t")
	assert.Contains(t, joined, "-e HOMESPUN_BRIDGE_ADDR=0.0.0.0:8080")
	assert.NotContains(t, joined, "bad-name")
	assert.Equal(t, []string{"worker:dev", "homespun", "bridge"}, args[len(args)-3:])
}

func TestDockerBackend_InvalidMemory(t *testing.T) {
	t.Parallel()

	d := newDockerBackend(config.DockerConfig{Image: "x", Memory: "lots"}, 8080,
		NewPortAllocator("127.0.0.1", 40000, 40010), NewProber(time.Second), Readiness{}, (&fakeDocker{}).run)
	_, err := d.runArgs("n", 40000, Spec{})
	require.Error(t, err)
}

func TestDockerBackend_ReadinessFailureRemovesContainer(t *testing.T) {
	t.Parallel()

	fake := &fakeDocker{runID: "abc123"}
	ports := NewPortAllocator("127.0.0.1", 41000, 41100)
	d := newDockerBackend(config.DockerConfig{Image: "worker"}, 8080, ports, NewProber(100*time.Millisecond),
		Readiness{Interval: 10 * time.Millisecond, Attempts: 3, Timeout: time.Second}, fake.run)

	_, err := d.Start(t.Context(), Spec{Name: "s1"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	require.ErrorIs(t, err, ErrUnitNotReady)

	assert.Equal(t, []string{"run", "rm"}, fake.commands())
	assert.Equal(t, 0, ports.Leased())
	units, err := d.List(t.Context())
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestDockerBackend_RunFailureIsTransient(t *testing.T) {
	t.Parallel()

	fake := &fakeDocker{err: errors.New("daemon unavailable")}
	ports := NewPortAllocator("127.0.0.1", 41200, 41300)
	d := newDockerBackend(config.DockerConfig{Image: "worker"}, 8080, ports, NewProber(time.Second), Readiness{Attempts: 1, Timeout: time.Second}, fake.run)

	_, err := d.Start(t.Context(), Spec{})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 0, ports.Leased())
}

func TestDockerBackend_StopUnknown(t *testing.T) {
	t.Parallel()

	d := newDockerBackend(config.DockerConfig{Image: "worker"}, 8080, NewPortAllocator("127.0.0.1", 1, 2), NewProber(time.Second), Readiness{}, (&fakeDocker{}).run)
	require.ErrorIs(t, d.Stop(t.Context(), "nope"), ErrUnitNotFound)
}
