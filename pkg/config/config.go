// Package config loads the orchestrator configuration from YAML with
// environment overrides.
package config

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/nick-boey/homespun/pkg/paths"
	"github.com/nick-boey/homespun/pkg/protocol"
)

// Backend types.
const (
	BackendProcess = "process"
	BackendDocker  = "docker"
	BackendECS     = "ecs"
)

// EnvConfigFile names the environment variable pointing at the config file.
const EnvConfigFile = "HOMESPUN_CONFIG"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Cache     CacheConfig     `yaml:"cache"`
	Agent     AgentConfig     `yaml:"agent"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Secrets   SecretsConfig   `yaml:"secrets"`
}

type ServerConfig struct {
	Listen string `yaml:"listen"`
	// IdleTimeout stops sessions that have waited for input longer than this.
	// Zero disables reaping.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// WorkspaceRoot holds one working directory per entity for sessions
	// started without an explicit working_dir.
	WorkspaceRoot string `yaml:"workspace_root"`
	// MCPListen additionally serves the MCP tools over HTTP when set.
	MCPListen string `yaml:"mcp_listen,omitempty"`
	// CORSOrigins are allowed to call the API from a browser.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
	// AuthSecret, when set, requires a signed bearer token on /api.
	AuthSecret string `yaml:"auth_secret,omitempty"`
}

type BackendConfig struct {
	Type string `yaml:"type"`
	// BridgePort is the port the bridge listens on inside a container or task.
	BridgePort    int             `yaml:"bridge_port"`
	Ports         PortRange       `yaml:"ports"`
	Readiness     ReadinessConfig `yaml:"readiness"`
	HealthTimeout time.Duration   `yaml:"health_timeout"`
	RetryAttempts int             `yaml:"retry_attempts"`

	Process ProcessConfig `yaml:"process"`
	Docker  DockerConfig  `yaml:"docker"`
	ECS     ECSConfig     `yaml:"ecs"`
}

type PortRange struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

type ReadinessConfig struct {
	Interval time.Duration `yaml:"interval"`
	Attempts int           `yaml:"attempts"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ProcessConfig struct {
	// Command launches the bridge. Empty means the running executable with
	// the "bridge" subcommand.
	Command []string `yaml:"command,omitempty"`
}

type DockerConfig struct {
	Image   string   `yaml:"image"`
	Command []string `yaml:"command,omitempty"`
	CPUs    string   `yaml:"cpus,omitempty"`
	Memory  string   `yaml:"memory,omitempty"`
	// Mounts are extra host paths, optionally suffixed with ":ro" or ":rw".
	Mounts []string `yaml:"mounts,omitempty"`
}

type ECSConfig struct {
	Region         string   `yaml:"region"`
	Cluster        string   `yaml:"cluster"`
	TaskDefinition string   `yaml:"task_definition"`
	Container      string   `yaml:"container"`
	Subnets        []string `yaml:"subnets"`
	SecurityGroups []string `yaml:"security_groups"`
	AssignPublicIP bool     `yaml:"assign_public_ip"`
	CPU            int32    `yaml:"cpu,omitempty"`
	MemoryMiB      int32    `yaml:"memory_mib,omitempty"`
	// StartupTimeout bounds the wait for the task to reach RUNNING.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
}

type CacheConfig struct {
	Driver string `yaml:"driver"`
	Dir    string `yaml:"dir"`
}

type AgentConfig struct {
	Binary    string   `yaml:"binary"`
	Model     string   `yaml:"model"`
	Mode      string   `yaml:"mode"`
	ExtraArgs []string `yaml:"extra_args,omitempty"`
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Insecure    bool   `yaml:"insecure"`
	ServiceName string `yaml:"service_name"`
}

type SecretsConfig struct {
	// EnvFiles are dotenv-style files read on every session start.
	EnvFiles []string `yaml:"env_files,omitempty"`
	// PassThrough names variables copied from the orchestrator's environment.
	PassThrough []string          `yaml:"pass_through,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:        "127.0.0.1:8420",
			WorkspaceRoot: filepath.Join(paths.GetDataDir(), "workspaces"),
		},
		Backend: BackendConfig{
			Type:          BackendProcess,
			BridgePort:    8080,
			Ports:         PortRange{Min: 20000, Max: 20999},
			HealthTimeout: 2 * time.Second,
			RetryAttempts: 2,
			Readiness: ReadinessConfig{
				Interval: 500 * time.Millisecond,
				Attempts: 60,
				Timeout:  60 * time.Second,
			},
			Docker: DockerConfig{
				Image: "ghcr.io/nick-boey/homespun-worker:latest",
			},
			ECS: ECSConfig{
				Container:      "worker",
				StartupTimeout: 5 * time.Minute,
			},
		},
		Cache: CacheConfig{
			Driver: "jsonl",
			Dir:    filepath.Join(paths.GetDataDir(), "sessions"),
		},
		Agent: AgentConfig{
			Binary: "claude",
			Model:  "sonnet",
			Mode:   string(protocol.ModeBuild),
		},
		Telemetry: TelemetryConfig{
			ServiceName: "homespun",
		},
		Secrets: SecretsConfig{
			PassThrough: []string{"ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN", "GITHUB_TOKEN"},
		},
	}
}

// Load reads path on top of the defaults and applies environment overrides.
// An empty path falls back to $HOMESPUN_CONFIG, then to config.yaml in the
// user config directory if it exists.
func Load(path string) (*Config, error) {
	cfg := Default()

	path = cmp.Or(path, os.Getenv(EnvConfigFile))
	if path == "" {
		if _, err := os.Stat(paths.GetConfigFile()); err == nil {
			path = paths.GetConfigFile()
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	str("HOMESPUN_LISTEN", &c.Server.Listen)
	str("HOMESPUN_WORKSPACE_ROOT", &c.Server.WorkspaceRoot)
	str("HOMESPUN_MCP_LISTEN", &c.Server.MCPListen)
	str("HOMESPUN_AUTH_SECRET", &c.Server.AuthSecret)
	str("HOMESPUN_BACKEND", &c.Backend.Type)
	str("HOMESPUN_CACHE_DRIVER", &c.Cache.Driver)
	str("HOMESPUN_CACHE_DIR", &c.Cache.Dir)
	str("HOMESPUN_CLAUDE_BIN", &c.Agent.Binary)
	str("HOMESPUN_MODEL", &c.Agent.Model)
	str("HOMESPUN_MODE", &c.Agent.Mode)
	str("HOMESPUN_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	str("HOMESPUN_DOCKER_IMAGE", &c.Backend.Docker.Image)
	str("HOMESPUN_ECS_CLUSTER", &c.Backend.ECS.Cluster)
	str("HOMESPUN_ECS_TASK_DEFINITION", &c.Backend.ECS.TaskDefinition)
	str("AWS_REGION", &c.Backend.ECS.Region)

	if v, ok := lookup("HOMESPUN_IDLE_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid HOMESPUN_IDLE_TIMEOUT: %w", err)
		}
		c.Server.IdleTimeout = d
	}
	if v, ok := lookup("HOMESPUN_PORT_RANGE"); ok && v != "" {
		lo, hi, found := strings.Cut(v, "-")
		if !found {
			return fmt.Errorf("invalid HOMESPUN_PORT_RANGE %q: expected MIN-MAX", v)
		}
		minPort, err1 := strconv.Atoi(lo)
		maxPort, err2 := strconv.Atoi(hi)
		if err := errors.Join(err1, err2); err != nil {
			return fmt.Errorf("invalid HOMESPUN_PORT_RANGE %q: %w", v, err)
		}
		c.Backend.Ports = PortRange{Min: minPort, Max: maxPort}
	}
	return nil
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case BackendProcess, BackendDocker:
	case BackendECS:
		if c.Backend.ECS.Cluster == "" || c.Backend.ECS.TaskDefinition == "" {
			return errors.New("backend.ecs requires cluster and task_definition")
		}
		if len(c.Backend.ECS.Subnets) == 0 {
			return errors.New("backend.ecs requires at least one subnet")
		}
	default:
		return fmt.Errorf("unknown backend type %q", c.Backend.Type)
	}

	if c.Backend.Type == BackendDocker && c.Backend.Docker.Image == "" {
		return errors.New("backend.docker.image is required")
	}

	p := c.Backend.Ports
	if p.Min <= 0 || p.Max > 65535 || p.Min > p.Max {
		return fmt.Errorf("invalid port range %d-%d", p.Min, p.Max)
	}
	if c.Backend.RetryAttempts < 1 {
		return fmt.Errorf("backend.retry_attempts must be at least 1, got %d", c.Backend.RetryAttempts)
	}
	if c.Backend.Readiness.Attempts < 1 || c.Backend.Readiness.Timeout <= 0 {
		return errors.New("backend.readiness requires positive attempts and timeout")
	}

	switch c.Cache.Driver {
	case "jsonl", "sqlite":
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}

	if _, err := protocol.ParseSessionMode(c.Agent.Mode); err != nil {
		return fmt.Errorf("agent.mode: %w", err)
	}
	if c.Server.IdleTimeout < 0 {
		return errors.New("server.idle_timeout cannot be negative")
	}
	return nil
}
