// Package config loads and validates the service configuration from YAML,
// with environment-variable fallbacks for deployment secrets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	// Session persistence and lifecycle
	Session SessionConfig `yaml:"session"`

	// Workflows declares the agent pipelines turns may target.
	Workflows map[string]WorkflowConfig `yaml:"workflows"`

	// Pipelines declares named multi-agent pipelines.
	Pipelines []PipelineSpec `yaml:"pipelines"`

	// RateLimit bounds per-user turn submission.
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Observability configures the health/metrics endpoint.
	Observability ObservabilityConfig `yaml:"observability"`
}

// SessionConfig holds session store and registry settings.
type SessionConfig struct {
	// Backend selects the store implementation: "file" or "redis".
	Backend string `yaml:"backend"`
	// DataDir is the file backend's base directory.
	DataDir string `yaml:"data_dir"`
	// MaxMessages caps each session's history (FIFO eviction).
	MaxMessages int `yaml:"max_messages"`
	// SweepInterval is how often the registry drops entries whose
	// persisted session has disappeared.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// Redis configures the redis backend.
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis backend settings.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

// WorkflowConfig declares one agent pipeline turns may target.
type WorkflowConfig struct {
	// Description is a human-readable label.
	Description string `yaml:"description"`
	// AllowApproval enables the command-approval sub-protocol for runs of
	// this workflow.
	AllowApproval bool `yaml:"allow_approval"`
}

// PipelineSpec is the YAML shape of one named pipeline.
type PipelineSpec struct {
	Name             string        `yaml:"name"`
	Transition       string        `yaml:"transition"`
	FailurePolicy    string        `yaml:"failure_policy"`
	Aggregation      string        `yaml:"aggregation"`
	MaxExecutionTime time.Duration `yaml:"max_execution_time"`
	Steps            []StepSpec    `yaml:"steps"`
}

// StepSpec is the YAML shape of one pipeline step.
type StepSpec struct {
	AgentID         string        `yaml:"agent_id"`
	Workflow        string        `yaml:"workflow"`
	Timeout         time.Duration `yaml:"timeout"`
	RetryCount      int           `yaml:"retry_count"`
	ConditionalNext string        `yaml:"conditional_next"`
}

// RateLimitConfig bounds per-user turn submission.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ObservabilityConfig configures the health/metrics HTTP endpoint and tracing.
type ObservabilityConfig struct {
	Port          int    `yaml:"port"`
	EnableMetrics bool   `yaml:"enable_metrics"`
	TraceExporter string `yaml:"trace_exporter"`
	OTLPEndpoint  string `yaml:"otlp_endpoint"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Session: SessionConfig{
			Backend:       "file",
			DataDir:       filepath.Join(home, ".conductor", "sessions"),
			MaxMessages:   100,
			SweepInterval: 10 * time.Minute,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "conductor:session:",
			},
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 5,
			Burst:             10,
		},
		Observability: ObservabilityConfig{
			Port:          9090,
			EnableMetrics: true,
			TraceExporter: "none",
		},
	}
}

// LoadConfig loads configuration from a YAML file, applies defaults, and
// fills secrets from the environment when the file leaves them empty.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is operator-supplied configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)
	applyEnv(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Session.Backend == "" {
		cfg.Session.Backend = "file"
	}
	if cfg.Session.MaxMessages == 0 {
		cfg.Session.MaxMessages = 100
	}
	if cfg.Session.SweepInterval == 0 {
		cfg.Session.SweepInterval = 10 * time.Minute
	}
	if cfg.Session.Redis.KeyPrefix == "" {
		cfg.Session.Redis.KeyPrefix = "conductor:session:"
	}
	if cfg.RateLimit.RequestsPerSecond == 0 {
		cfg.RateLimit.RequestsPerSecond = 5
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
	if cfg.Observability.Port == 0 {
		cfg.Observability.Port = 9090
	}
	if cfg.Observability.TraceExporter == "" {
		cfg.Observability.TraceExporter = "none"
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONDUCTOR_DATA_DIR"); v != "" && cfg.Session.DataDir == "" {
		cfg.Session.DataDir = v
	}
	if v := os.Getenv("CONDUCTOR_REDIS_ADDR"); v != "" && cfg.Session.Redis.Addr == "" {
		cfg.Session.Redis.Addr = v
	}
	if cfg.Session.Redis.Password == "" {
		cfg.Session.Redis.Password = os.Getenv("CONDUCTOR_REDIS_PASSWORD")
	}
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	switch c.Session.Backend {
	case "file":
		if c.Session.DataDir == "" {
			return fmt.Errorf("session.data_dir is required for the file backend")
		}
	case "redis":
		if c.Session.Redis.Addr == "" {
			return fmt.Errorf("session.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown session backend %q", c.Session.Backend)
	}

	if c.Session.MaxMessages < 0 {
		return fmt.Errorf("session.max_messages must not be negative")
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		return fmt.Errorf("rate_limit.requests_per_second must not be negative")
	}

	seen := make(map[string]bool, len(c.Pipelines))
	for _, p := range c.Pipelines {
		if p.Name == "" {
			return fmt.Errorf("every pipeline needs a name")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate pipeline name %q", p.Name)
		}
		seen[p.Name] = true
	}

	return nil
}
