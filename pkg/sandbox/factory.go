package sandbox

import (
	"context"
	"fmt"
	"os"

	"github.com/nick-boey/homespun/pkg/config"
)

// New builds the backend named by cfg.Type, wrapped with the configured
// retry policy.
func New(ctx context.Context, cfg config.BackendConfig) (Backend, error) {
	prober := NewProber(cfg.HealthTimeout)
	readiness := Readiness{
		Interval: cfg.Readiness.Interval,
		Attempts: cfg.Readiness.Attempts,
		Timeout:  cfg.Readiness.Timeout,
	}
	policy := RetryPolicy{Attempts: cfg.RetryAttempts, Backoff: DefaultRetryPolicy.Backoff}

	var b Backend
	switch cfg.Type {
	case config.BackendProcess, "":
		command := cfg.Process.Command
		if len(command) == 0 {
			self, err := os.Executable()
			if err != nil {
				return nil, fmt.Errorf("resolving bridge executable: %w", err)
			}
			command = []string{self, "bridge"}
		}
		ports := NewPortAllocator(processHost, cfg.Ports.Min, cfg.Ports.Max)
		b = NewProcessBackend(command, ports, prober, readiness)
	case config.BackendDocker:
		ports := NewPortAllocator(processHost, cfg.Ports.Min, cfg.Ports.Max)
		b = NewDockerBackend(cfg.Docker, cfg.BridgePort, ports, prober, readiness)
	case config.BackendECS:
		ecsBackend, err := NewECSBackend(ctx, cfg.ECS, cfg.BridgePort, prober, readiness)
		if err != nil {
			return nil, err
		}
		b = ecsBackend
	default:
		return nil, fmt.Errorf("unknown backend type %q", cfg.Type)
	}
	return WithRetry(b, policy), nil
}
