package environment

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/nick-boey/homespun/pkg/config"
)

// Variables describing the session's entity, set in every unit.
const (
	EnvEntityID  = "HOMESPUN_ENTITY_ID"
	EnvProjectID = "HOMESPUN_PROJECT_ID"
)

// Secrets assembles the environment of a compute unit from the configured
// pass-through names, env files and static values, in increasing priority.
// Env files are re-read on every call so rotated credentials apply to the
// next session start.
type Secrets struct {
	host Provider

	mu  sync.RWMutex
	cfg config.SecretsConfig
}

func NewSecrets(cfg config.SecretsConfig, host Provider) *Secrets {
	if host == nil {
		host = NewOSProvider()
	}
	return &Secrets{host: host, cfg: cfg}
}

// Update swaps the configuration used by later calls to Env.
func (s *Secrets) Update(cfg config.SecretsConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

func (s *Secrets) Env(ctx context.Context, entityID, projectID string) (map[string]string, error) {
	s.mu.RLock()
	cfg := s.cfg
	s.mu.RUnlock()

	env := map[string]string{}
	for _, name := range cfg.PassThrough {
		if v, ok := s.host.Get(ctx, name); ok && v != "" {
			env[name] = v
		}
	}

	files, err := ReadEnvFiles(cfg.EnvFiles)
	if err != nil {
		return nil, err
	}
	maps.Copy(env, files.All())
	maps.Copy(env, cfg.Env)

	env[EnvEntityID] = entityID
	env[EnvProjectID] = projectID

	slog.Debug("Resolved unit environment", "entity_id", entityID, "project_id", projectID, "count", len(env))
	return env, nil
}
