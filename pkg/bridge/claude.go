package bridge

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// maxLineSize bounds a single runtime output line. Tool results with large
// file contents produce long lines.
const maxLineSize = 16 * 1024 * 1024

// ClaudeLauncher starts the claude CLI in bidirectional stream-json mode.
type ClaudeLauncher struct {
	Binary    string
	ExtraArgs []string
}

// Args returns the command line for cfg.
func (l *ClaudeLauncher) Args(cfg LaunchConfig) []string {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--permission-prompt-tool", "stdio",
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	if cfg.ResumeID != "" {
		args = append(args, "--resume", cfg.ResumeID)
	}
	return append(args, l.ExtraArgs...)
}

// Launch spawns the CLI.
func (l *ClaudeLauncher) Launch(_ context.Context, cfg LaunchConfig) (Runtime, error) {
	binary := l.Binary
	if binary == "" {
		binary = "claude"
	}

	cmd := exec.Command(binary, l.Args(cfg)...)
	cmd.Dir = cfg.WorkingDir
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), cfg.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("starting %s: %w", binary, err)
	}
	slog.Debug("Started agent runtime", "binary", binary, "pid", cmd.Process.Pid, "resume", cfg.ResumeID)

	return newProcessRuntime(cmd, stdin, stdout), nil
}

// processRuntime adapts a child process to Runtime.
type processRuntime struct {
	cmd   *exec.Cmd
	lines chan []byte
	done  chan struct{}

	mu    sync.Mutex
	stdin io.WriteCloser
	once  sync.Once
}

func newProcessRuntime(cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader) *processRuntime {
	r := &processRuntime{
		cmd:   cmd,
		stdin: stdin,
		lines: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
	go r.read(stdout)
	return r
}

func (r *processRuntime) read(stdout io.Reader) {
	defer close(r.lines)
	defer func() {
		err := r.cmd.Wait()
		close(r.done)
		if err != nil {
			slog.Debug("Agent runtime exited", "error", err)
		}
	}()

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		r.lines <- append([]byte(nil), line...)
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("Reading agent runtime output failed", "error", err)
	}
}

func (r *processRuntime) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stdin == nil {
		return errors.New("runtime input closed")
	}
	_, err = r.stdin.Write(data)
	return err
}

func (r *processRuntime) Lines() <-chan []byte {
	return r.lines
}

// Close closes stdin, which ends a stream-json session, then escalates to
// SIGINT and SIGKILL if the process lingers.
func (r *processRuntime) Close() error {
	r.once.Do(func() {
		r.mu.Lock()
		if r.stdin != nil {
			_ = r.stdin.Close()
			r.stdin = nil
		}
		r.mu.Unlock()

		select {
		case <-r.done:
			return
		case <-time.After(2 * time.Second):
		}
		_ = r.cmd.Process.Signal(os.Interrupt)
		select {
		case <-r.done:
		case <-time.After(5 * time.Second):
			_ = r.cmd.Process.Kill()
		}
	})
	return nil
}
