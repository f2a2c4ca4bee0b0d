package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceDelay = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk and delivers each
// valid result on Changes. Invalid edits are logged and skipped.
type Watcher struct {
	fs    *fsnotify.Watcher
	path  string
	delay time.Duration

	changes chan *Config

	mu     sync.Mutex
	timer  *time.Timer
	closed bool
}

// NewWatcher watches path. The parent directory is watched so that editors
// replacing the file by rename are seen.
func NewWatcher(path string) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fs.Add(filepath.Dir(abs)); err != nil {
		_ = fs.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", filepath.Dir(abs), err)
	}

	slog.Debug("Watching config file", "path", abs)
	return &Watcher{
		fs:      fs,
		path:    abs,
		delay:   debounceDelay,
		changes: make(chan *Config, 1),
	}, nil
}

// Changes delivers reloaded configurations. It is closed when Run returns.
func (w *Watcher) Changes() <-chan *Config {
	return w.changes
}

// Run processes file events until ctx is cancelled, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.changes)
	defer w.close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			eventPath, err := filepath.Abs(event.Name)
			if err != nil || eventPath != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			slog.Debug("Config file changed", "path", event.Name, "op", event.Op)
			w.schedule()

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			slog.Error("Config watcher error", "error", err)
		}
	}
}

// schedule coalesces bursts of writes into one reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.delay, w.reload)
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		slog.Warn("Ignoring invalid config change", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	// Only the newest config matters.
	select {
	case <-w.changes:
	default:
	}
	w.changes <- cfg
	slog.Info("Config reloaded", "path", w.path)
}

func (w *Watcher) close() {
	w.mu.Lock()
	w.closed = true
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if err := w.fs.Close(); err != nil {
		slog.Debug("Closing config watcher", "error", err)
	}
}
