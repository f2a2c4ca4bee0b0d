package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "homespun.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  model: sonnet\n"), 0o600))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.delay = 20 * time.Millisecond
	go w.Run(t.Context())

	// Invalid content is skipped.
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  mode: yolo\n"), 0o600))
	time.Sleep(100 * time.Millisecond)
	select {
	case cfg := <-w.Changes():
		t.Fatalf("unexpected reload: %+v", cfg.Agent)
	default:
	}

	require.NoError(t, os.WriteFile(path, []byte("agent:\n  model: opus\n"), 0o600))

	select {
	case cfg := <-w.Changes():
		require.NotNil(t, cfg)
		assert.Equal(t, "opus", cfg.Agent.Model)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload")
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "homespun.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	w, err := NewWatcher(path)
	require.NoError(t, err)
	w.delay = 10 * time.Millisecond
	go w.Run(t.Context())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x: 1\n"), 0o600))
	time.Sleep(100 * time.Millisecond)

	select {
	case cfg := <-w.Changes():
		t.Fatalf("unexpected reload: %+v", cfg)
	default:
	}
}

func TestWatcher_ClosesOnCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "homespun.yaml")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o600))

	w, err := NewWatcher(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not stop")
	}
	_, ok := <-w.Changes()
	assert.False(t, ok)
}
