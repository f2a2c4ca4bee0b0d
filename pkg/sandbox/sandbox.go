// Package sandbox starts, stops and probes the compute units that host an
// agent bridge. Each backend (local process, Docker container, ECS task)
// satisfies the same Backend contract and is selected once at startup.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnitNotFound    = errors.New("compute unit not found")
	ErrUnitNotReady    = errors.New("compute unit did not become ready")
	ErrNoPortAvailable = errors.New("no port available")
)

// Resources are optional limits applied to a unit.
type Resources struct {
	// CPUs is a fractional CPU count ("1.5").
	CPUs string `json:"cpus,omitempty"`
	// Memory is a human size ("2g", "512m").
	Memory string `json:"memory,omitempty"`
}

// Spec describes the unit to start.
type Spec struct {
	// Name is a human label; backends derive a unique unit name from it.
	Name       string            `json:"name,omitempty"`
	WorkingDir string            `json:"working_dir"`
	Env        map[string]string `json:"-"`
	Resources  Resources         `json:"resources"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// Unit is a running compute unit hosting one bridge.
type Unit struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	WorkingDir string    `json:"working_dir"`
	Endpoint   string    `json:"endpoint"`
	CreatedAt  time.Time `json:"created_at"`
	Backend    string    `json:"backend"`
	// Handle is backend-specific and opaque to callers.
	Handle any `json:"-"`
}

// Backend is a pluggable compute provider.
type Backend interface {
	// Name identifies the backend type.
	Name() string
	// Start launches a unit and waits until its bridge answers health checks.
	// On readiness failure the unit is torn down and a *TransientError is
	// returned.
	Start(ctx context.Context, spec Spec) (*Unit, error)
	// Stop releases a unit. It returns ErrUnitNotFound for unknown ids.
	Stop(ctx context.Context, unitID string) error
	// List returns the units started by this backend that are still tracked.
	List(ctx context.Context) ([]*Unit, error)
	// HealthCheck reports whether the unit's bridge is answering.
	HealthCheck(ctx context.Context, unit *Unit) bool
	// Close stops every unit still owned by the backend.
	Close(ctx context.Context) error
}

// TransientError reports a failure that may succeed on a later attempt.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is, or wraps, a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// bridgeEnv names the variable that tells a bridge where to listen.
const bridgeEnv = "HOMESPUN_BRIDGE_ADDR"

func mergeEnv(spec Spec, listen string) map[string]string {
	env := make(map[string]string, len(spec.Env)+1)
	for k, v := range spec.Env {
		env[k] = v
	}
	env[bridgeEnv] = listen
	return env
}
