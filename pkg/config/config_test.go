package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()

	require.NoError(t, Default().Validate())
}

func TestLoad_File(t *testing.T) {
	t.Setenv(EnvConfigFile, "")

	path := filepath.Join(t.TempDir(), "homespun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  listen: 0.0.0.0:9000
  idle_timeout: 30m
backend:
  type: docker
  docker:
    image: worker:dev
    memory: 2g
    mounts:
      - /srv/cache:ro
cache:
  driver: sqlite
agent:
  model: opus
  mode: plan
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, 30*time.Minute, cfg.Server.IdleTimeout)
	assert.Equal(t, BackendDocker, cfg.Backend.Type)
	assert.Equal(t, "worker:dev", cfg.Backend.Docker.Image)
	assert.Equal(t, []string{"/srv/cache:ro"}, cfg.Backend.Docker.Mounts)
	assert.Equal(t, "sqlite", cfg.Cache.Driver)
	assert.Equal(t, "opus", cfg.Agent.Model)
	assert.Equal(t, "plan", cfg.Agent.Mode)

	// Unset keys keep their defaults.
	assert.Equal(t, 8080, cfg.Backend.BridgePort)
	assert.Equal(t, 2, cfg.Backend.RetryAttempts)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"HOMESPUN_BACKEND":      "ecs",
		"HOMESPUN_PORT_RANGE":   "30000-30010",
		"HOMESPUN_IDLE_TIMEOUT": "5m",
		"HOMESPUN_MODEL":        "haiku",
		"HOMESPUN_LISTEN":       "",
		"HOMESPUN_AUTH_SECRET":  "s3cret",
	}
	cfg := Default()
	require.NoError(t, cfg.applyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))

	assert.Equal(t, BackendECS, cfg.Backend.Type)
	assert.Equal(t, PortRange{Min: 30000, Max: 30010}, cfg.Backend.Ports)
	assert.Equal(t, 5*time.Minute, cfg.Server.IdleTimeout)
	assert.Equal(t, "haiku", cfg.Agent.Model)
	assert.Equal(t, "127.0.0.1:8420", cfg.Server.Listen)
	assert.Equal(t, "s3cret", cfg.Server.AuthSecret)
}

func TestApplyEnv_InvalidPortRange(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.applyEnv(func(k string) (string, bool) {
		if k == "HOMESPUN_PORT_RANGE" {
			return "30000", true
		}
		return "", false
	})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Backend.Type = "k8s" }},
		{"ecs without cluster", func(c *Config) { c.Backend.Type = BackendECS }},
		{"inverted port range", func(c *Config) { c.Backend.Ports = PortRange{Min: 2000, Max: 1000} }},
		{"no retries", func(c *Config) { c.Backend.RetryAttempts = 0 }},
		{"unknown cache driver", func(c *Config) { c.Cache.Driver = "redis" }},
		{"unknown mode", func(c *Config) { c.Agent.Mode = "yolo" }},
		{"negative idle timeout", func(c *Config) { c.Server.IdleTimeout = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
