package root

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"

	"github.com/nick-boey/homespun/pkg/config"
	"github.com/nick-boey/homespun/pkg/environment"
	"github.com/nick-boey/homespun/pkg/msgcache"
	"github.com/nick-boey/homespun/pkg/paths"
	"github.com/nick-boey/homespun/pkg/protocol"
	"github.com/nick-boey/homespun/pkg/sandbox"
	"github.com/nick-boey/homespun/pkg/session"
	"github.com/nick-boey/homespun/pkg/telemetry"
	"github.com/nick-boey/homespun/pkg/version"
)

// Variables read by "homespun bridge" inside a unit.
const (
	envClaudeBinary = "HOMESPUN_CLAUDE_BIN"
	envModel        = "HOMESPUN_MODEL"
)

// orchestrator wires the registry to its backend, cache and secrets.
type orchestrator struct {
	cfg      *config.Config
	backend  sandbox.Backend
	cache    msgcache.Store
	secrets  *environment.Secrets
	registry *session.Registry

	shutdownTelemetry telemetry.ShutdownFunc
}

// resolveConfigPath mirrors the lookup order of config.Load so the file that
// was loaded is also the one watched.
func resolveConfigPath(path string) string {
	path = cmp.Or(path, os.Getenv(config.EnvConfigFile))
	if path != "" {
		return path
	}
	if _, err := os.Stat(paths.GetConfigFile()); err == nil {
		return paths.GetConfigFile()
	}
	return ""
}

func newOrchestrator(ctx context.Context, cfg *config.Config) (_ *orchestrator, err error) {
	o := &orchestrator{cfg: cfg}
	defer func() {
		if err != nil {
			_ = o.close(context.WithoutCancel(ctx))
		}
	}()

	if o.shutdownTelemetry, err = telemetry.Setup(ctx, cfg.Telemetry, version.Version); err != nil {
		return nil, err
	}
	if o.backend, err = sandbox.New(ctx, cfg.Backend); err != nil {
		return nil, fmt.Errorf("creating %s backend: %w", cfg.Backend.Type, err)
	}
	if o.cache, err = msgcache.Open(ctx, cfg.Cache.Driver, cfg.Cache.Dir); err != nil {
		return nil, fmt.Errorf("opening message cache: %w", err)
	}

	mode, err := protocol.ParseSessionMode(cfg.Agent.Mode)
	if err != nil {
		return nil, err
	}

	o.secrets = environment.NewSecrets(cfg.Secrets, environment.NewOSProvider())
	o.registry = session.New(o.backend, o.cache,
		session.WithSecrets(unitEnv{secrets: o.secrets, agent: cfg.Agent}),
		session.WithWorkspaces(session.DirWorkspaces{Root: cfg.Server.WorkspaceRoot}),
		session.WithDefaults(cfg.Agent.Model, mode),
		session.WithIdleTimeout(cfg.Server.IdleTimeout),
	)

	slog.Info("Orchestrator ready",
		"backend", o.backend.Name(),
		"cache", cfg.Cache.Driver,
		"cache_dir", cfg.Cache.Dir,
		"idle_timeout", cfg.Server.IdleTimeout)
	return o, nil
}

// watchConfig applies secret changes from the config file to later session
// starts. Other settings need a restart.
func (o *orchestrator) watchConfig(ctx context.Context, path string) {
	if path == "" {
		return
	}
	w, err := config.NewWatcher(path)
	if err != nil {
		slog.Warn("Config changes will not be picked up", "path", path, "error", err)
		return
	}
	go w.Run(ctx)
	go func() {
		for cfg := range w.Changes() {
			o.secrets.Update(cfg.Secrets)
		}
	}()
}

func (o *orchestrator) close(ctx context.Context) error {
	var errs []error
	if o.registry != nil {
		errs = append(errs, o.registry.Shutdown(ctx))
	}
	if o.backend != nil {
		errs = append(errs, o.backend.Close(ctx))
	}
	if o.cache != nil {
		errs = append(errs, o.cache.Close())
	}
	if o.shutdownTelemetry != nil {
		errs = append(errs, o.shutdownTelemetry(ctx))
	}
	return errors.Join(errs...)
}

// unitEnv adds the agent launch settings to the resolved secrets so the
// bridge in the unit starts the runtime the same way.
type unitEnv struct {
	secrets session.SecretProvider
	agent   config.AgentConfig
}

func (u unitEnv) Env(ctx context.Context, entityID, projectID string) (map[string]string, error) {
	env, err := u.secrets.Env(ctx, entityID, projectID)
	if err != nil {
		return nil, err
	}
	out := maps.Clone(env)
	if out == nil {
		out = map[string]string{}
	}
	if u.agent.Binary != "" {
		out[envClaudeBinary] = u.agent.Binary
	}
	if u.agent.Model != "" {
		out[envModel] = u.agent.Model
	}
	return out, nil
}
