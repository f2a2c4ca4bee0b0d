package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

const processHost = "127.0.0.1"

// ProcessBackend runs each bridge as a child process of the orchestrator.
type ProcessBackend struct {
	command   []string
	ports     *PortAllocator
	prober    *Prober
	readiness Readiness

	mu    sync.Mutex
	units map[string]*processUnit
}

type processUnit struct {
	unit *Unit
	cmd  *exec.Cmd
	port int
	done chan struct{}
}

var _ Backend = (*ProcessBackend)(nil)

// NewProcessBackend launches command (program followed by arguments) for
// every unit. The listen address is passed in HOMESPUN_BRIDGE_ADDR.
func NewProcessBackend(command []string, ports *PortAllocator, prober *Prober, readiness Readiness) *ProcessBackend {
	return &ProcessBackend{
		command:   command,
		ports:     ports,
		prober:    prober,
		readiness: readiness,
		units:     make(map[string]*processUnit),
	}
}

func (p *ProcessBackend) Name() string { return "process" }

func (p *ProcessBackend) Start(ctx context.Context, spec Spec) (*Unit, error) {
	if len(p.command) == 0 {
		return nil, errors.New("process backend has no command configured")
	}

	port, err := p.ports.Acquire()
	if err != nil {
		return nil, &TransientError{Op: "allocate port", Err: err}
	}
	addr := processHost + ":" + strconv.Itoa(port)

	cmd := exec.Command(p.command[0], p.command[1:]...)
	cmd.Dir = spec.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range mergeEnv(spec, addr) {
		if IsValidEnvVarName(k) {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		p.ports.Release(port)
		return nil, fmt.Errorf("starting bridge process: %w", err)
	}

	pu := &processUnit{
		cmd:  cmd,
		port: port,
		done: make(chan struct{}),
		unit: &Unit{
			ID:         uuid.NewString(),
			Name:       unitName(spec.Name),
			WorkingDir: spec.WorkingDir,
			Endpoint:   "http://" + addr,
			CreatedAt:  time.Now().UTC(),
			Backend:    p.Name(),
			Handle:     cmd.Process.Pid,
		},
	}
	go func() {
		_ = cmd.Wait()
		close(pu.done)
	}()

	if err := p.prober.WaitReady(ctx, pu.unit.Endpoint, p.readiness, pu.done); err != nil {
		p.terminate(pu)
		return nil, &TransientError{Op: "start process unit", Err: err}
	}

	p.mu.Lock()
	p.units[pu.unit.ID] = pu
	p.mu.Unlock()

	slog.Info("Started process unit", "unit", pu.unit.ID, "pid", cmd.Process.Pid, "endpoint", pu.unit.Endpoint)
	return pu.unit, nil
}

func (p *ProcessBackend) Stop(_ context.Context, unitID string) error {
	p.mu.Lock()
	pu, ok := p.units[unitID]
	delete(p.units, unitID)
	p.mu.Unlock()
	if !ok {
		return ErrUnitNotFound
	}

	p.terminate(pu)
	slog.Info("Stopped process unit", "unit", unitID)
	return nil
}

// terminate interrupts the process, kills it if it does not exit promptly,
// and releases its port.
func (p *ProcessBackend) terminate(pu *processUnit) {
	defer p.ports.Release(pu.port)

	select {
	case <-pu.done:
		return
	default:
	}
	_ = pu.cmd.Process.Signal(os.Interrupt)
	select {
	case <-pu.done:
	case <-time.After(5 * time.Second):
		_ = pu.cmd.Process.Kill()
		<-pu.done
	}
}

func (p *ProcessBackend) List(context.Context) ([]*Unit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	units := make([]*Unit, 0, len(p.units))
	for _, pu := range p.units {
		units = append(units, pu.unit)
	}
	return units, nil
}

func (p *ProcessBackend) HealthCheck(ctx context.Context, unit *Unit) bool {
	p.mu.Lock()
	pu, ok := p.units[unit.ID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-pu.done:
		return false
	default:
	}
	return p.prober.Check(ctx, unit.Endpoint)
}

// Close kills every child process.
func (p *ProcessBackend) Close(ctx context.Context) error {
	p.mu.Lock()
	ids := make([]string, 0, len(p.units))
	for id := range p.units {
		ids = append(ids, id)
	}
	p.mu.Unlock()

	for _, id := range ids {
		_ = p.Stop(ctx, id)
	}
	return nil
}

func unitName(name string) string {
	if name == "" {
		name = "unit"
	}
	return "homespun-" + name + "-" + randomSuffix()
}
