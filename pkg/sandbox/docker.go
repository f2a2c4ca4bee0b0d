package sandbox

import (
	"bytes"
	"cmp"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/docker/go-units"

	"github.com/nick-boey/homespun/pkg/config"
)

const (
	// unitLabelKey identifies homespun unit containers.
	unitLabelKey = "dev.homespun.unit"
	// unitLabelPID stores the PID of the orchestrator that created the container.
	unitLabelPID = "dev.homespun.unit.pid"
)

// dockerCLI runs the docker binary and returns its stdout.
type dockerCLI func(ctx context.Context, args ...string) ([]byte, error)

func runDocker(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("docker %s: %w\nstderr: %s", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return out, nil
}

// DockerBackend runs each bridge in its own container, publishing the bridge
// port on a host port from the allocator.
type DockerBackend struct {
	config     config.DockerConfig
	bridgePort int
	ports      *PortAllocator
	prober     *Prober
	readiness  Readiness
	docker     dockerCLI

	mu    sync.Mutex
	units map[string]*dockerUnit
}

type dockerUnit struct {
	unit *Unit
	port int
}

var _ Backend = (*DockerBackend)(nil)

// NewDockerBackend creates a Docker backend.
// It cleans up any orphaned containers from previous orchestrator runs.
func NewDockerBackend(cfg config.DockerConfig, bridgePort int, ports *PortAllocator, prober *Prober, readiness Readiness) *DockerBackend {
	d := newDockerBackend(cfg, bridgePort, ports, prober, readiness, runDocker)
	d.cleanupOrphanedContainers(context.Background())
	return d
}

func newDockerBackend(cfg config.DockerConfig, bridgePort int, ports *PortAllocator, prober *Prober, readiness Readiness, cli dockerCLI) *DockerBackend {
	return &DockerBackend{
		config:     cfg,
		bridgePort: bridgePort,
		ports:      ports,
		prober:     prober,
		readiness:  readiness,
		docker:     cli,
		units:      make(map[string]*dockerUnit),
	}
}

func (d *DockerBackend) Name() string { return "docker" }

// cleanupOrphanedContainers removes unit containers from previous orchestrator
// processes that are no longer running. This handles cases where the
// orchestrator was killed or crashed.
func (d *DockerBackend) cleanupOrphanedContainers(ctx context.Context) {
	output, err := d.docker(ctx, "ps", "-q", "--filter", "label="+unitLabelKey)
	if err != nil {
		return // Docker not available or no containers
	}

	currentPID := os.Getpid()
	for _, containerID := range strings.Fields(string(output)) {
		pid := d.containerOwnerPID(ctx, containerID)
		if pid == 0 || pid == currentPID || isProcessRunning(pid) {
			continue
		}

		slog.Debug("Cleaning up orphaned unit container", "container", containerID, "pid", pid)
		_, _ = d.docker(ctx, "rm", "-f", containerID)
	}
}

// containerOwnerPID returns the PID that created the container, or 0 if unknown.
func (d *DockerBackend) containerOwnerPID(ctx context.Context, containerID string) int {
	output, err := d.docker(ctx, "inspect", "-f", "{{index .Config.Labels \""+unitLabelPID+"\"}}", containerID)
	if err != nil {
		return 0
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(output)))
	return pid
}

// isProcessRunning checks if a process with the given PID is still running.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Unix, FindProcess always succeeds, so we need to send signal 0
	// to check if the process actually exists
	err = process.Signal(syscall.Signal(0))
	return err == nil
}

func (d *DockerBackend) Start(ctx context.Context, spec Spec) (*Unit, error) {
	hostPort, err := d.ports.Acquire()
	if err != nil {
		return nil, &TransientError{Op: "allocate port", Err: err}
	}

	name := unitName(spec.Name)
	args, err := d.runArgs(name, hostPort, spec)
	if err != nil {
		d.ports.Release(hostPort)
		return nil, err
	}

	output, err := d.docker(ctx, args...)
	if err != nil {
		d.ports.Release(hostPort)
		return nil, &TransientError{Op: "start container", Err: err}
	}
	containerID := strings.TrimSpace(string(output))

	du := &dockerUnit{
		port: hostPort,
		unit: &Unit{
			ID:         containerID,
			Name:       name,
			WorkingDir: spec.WorkingDir,
			Endpoint:   fmt.Sprintf("http://%s:%d", processHost, hostPort),
			CreatedAt:  time.Now().UTC(),
			Backend:    d.Name(),
			Handle:     containerID,
		},
	}

	if err := d.prober.WaitReady(ctx, du.unit.Endpoint, d.readiness, nil); err != nil {
		d.remove(context.WithoutCancel(ctx), du)
		return nil, &TransientError{Op: "start container unit", Err: err}
	}

	d.mu.Lock()
	d.units[containerID] = du
	d.mu.Unlock()

	slog.Info("Started container unit", "unit", containerID, "name", name, "endpoint", du.unit.Endpoint)
	return du.unit, nil
}

func (d *DockerBackend) runArgs(name string, hostPort int, spec Spec) ([]string, error) {
	args := []string{
		"run", "-d",
		"--name", name,
		"--rm", "--init",
		"--label", unitLabelKey + "=true",
		"--label", fmt.Sprintf("%s=%d", unitLabelPID, os.Getpid()),
		"-p", fmt.Sprintf("%s:%d:%d", processHost, hostPort, d.bridgePort),
	}

	labelKeys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		labelKeys = append(labelKeys, k)
	}
	sort.Strings(labelKeys)
	for _, k := range labelKeys {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}

	cpus := cmp.Or(spec.Resources.CPUs, d.config.CPUs)
	if cpus != "" {
		args = append(args, "--cpus", cpus)
	}
	if memory := cmp.Or(spec.Resources.Memory, d.config.Memory); memory != "" {
		limit, err := units.RAMInBytes(memory)
		if err != nil {
			return nil, fmt.Errorf("invalid memory limit %q: %w", memory, err)
		}
		args = append(args, "--memory", strconv.FormatInt(limit, 10))
	}

	if spec.WorkingDir != "" {
		args = append(args, "-v", spec.WorkingDir+":"+spec.WorkingDir+":rw", "-w", spec.WorkingDir)
	}
	args = append(args, d.buildVolumeMounts(spec.WorkingDir)...)
	args = append(args, buildEnvVars(mergeEnv(spec, fmt.Sprintf("0.0.0.0:%d", d.bridgePort)))...)

	args = append(args, d.config.Image)
	args = append(args, d.config.Command...)
	return args, nil
}

func (d *DockerBackend) Stop(ctx context.Context, unitID string) error {
	d.mu.Lock()
	du, ok := d.units[unitID]
	delete(d.units, unitID)
	d.mu.Unlock()
	if !ok {
		return ErrUnitNotFound
	}
	d.remove(ctx, du)
	slog.Info("Stopped container unit", "unit", unitID)
	return nil
}

func (d *DockerBackend) remove(ctx context.Context, du *dockerUnit) {
	defer d.ports.Release(du.port)
	if _, err := d.docker(ctx, "rm", "-f", du.unit.ID); err != nil {
		slog.Warn("Failed to remove unit container", "unit", du.unit.ID, "error", err)
	}
}

func (d *DockerBackend) List(context.Context) ([]*Unit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	units := make([]*Unit, 0, len(d.units))
	for _, du := range d.units {
		units = append(units, du.unit)
	}
	return units, nil
}

func (d *DockerBackend) HealthCheck(ctx context.Context, unit *Unit) bool {
	return d.prober.Check(ctx, unit.Endpoint)
}

func (d *DockerBackend) Close(ctx context.Context) error {
	d.mu.Lock()
	ids := make([]string, 0, len(d.units))
	for id := range d.units {
		ids = append(ids, id)
	}
	d.mu.Unlock()
	for _, id := range ids {
		_ = d.Stop(ctx, id)
	}
	return nil
}

func randomSuffix() string {
	randomBytes := make([]byte, 4)
	_, _ = rand.Read(randomBytes)
	return hex.EncodeToString(randomBytes)
}

func (d *DockerBackend) buildVolumeMounts(workingDir string) []string {
	var args []string
	for _, pathSpec := range d.config.Mounts {
		hostPath, mode := ParseSandboxPath(pathSpec)

		// Resolve to absolute path
		if !filepath.IsAbs(hostPath) {
			if workingDir != "" {
				hostPath = filepath.Join(workingDir, hostPath)
			} else {
				var err error
				hostPath, err = filepath.Abs(hostPath)
				if err != nil {
					// Skip invalid paths
					continue
				}
			}
		}
		hostPath = filepath.Clean(hostPath)

		// Container path mirrors host path for simplicity
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", hostPath, hostPath, mode))
	}
	return args
}

// buildEnvVars creates Docker -e flags for environment variables.
// Only variables with valid POSIX names are forwarded.
func buildEnvVars(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		if IsValidEnvVarName(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	return args
}

// IsValidEnvVarName checks if an environment variable name is valid for POSIX.
// Valid names start with a letter or underscore and contain only alphanumerics and underscores.
func IsValidEnvVarName(name string) bool {
	if name == "" {
		return false
	}
	for i, c := range name {
		isValid := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' || (i > 0 && c >= '0' && c <= '9')
		if !isValid {
			return false
		}
	}
	return true
}

// ParseSandboxPath parses a path specification like "./path" or "/path:ro" into path and mode.
func ParseSandboxPath(pathSpec string) (path, mode string) {
	mode = "rw" // Default to read-write

	switch {
	case strings.HasSuffix(pathSpec, ":ro"):
		path = strings.TrimSuffix(pathSpec, ":ro")
		mode = "ro"
	case strings.HasSuffix(pathSpec, ":rw"):
		path = strings.TrimSuffix(pathSpec, ":rw")
		mode = "rw"
	default:
		path = pathSpec
	}

	return path, mode
}
