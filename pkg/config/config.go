// Package config defines the runtime configuration for a mesh agent and a
// YAML loader with environment variable expansion.
package config

import (
	"fmt"
	"log/slog"
	"regexp"
)

// Config is the root configuration for one agent process.
type Config struct {
	Agent      AgentConfig      `yaml:"agent" mapstructure:"agent"`
	Broker     BrokerConfig     `yaml:"broker" mapstructure:"broker"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" mapstructure:"checkpoint"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
	Metrics    MetricsConfig    `yaml:"metrics" mapstructure:"metrics"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// AgentConfig configures the agent core.
type AgentConfig struct {
	// Name identifies the agent on the mesh. Must match [A-Za-z0-9_]+;
	// invalid characters are sanitized to underscores at startup.
	Name        string `yaml:"name" mapstructure:"name"`
	Description string `yaml:"description" mapstructure:"description"`
	Version     string `yaml:"version" mapstructure:"version"`

	// Instructions is the system prompt prepended to every model turn.
	Instructions string `yaml:"instructions" mapstructure:"instructions"`

	// Namespace is the topic prefix shared by all agents on the mesh.
	Namespace string `yaml:"namespace" mapstructure:"namespace"`

	WorkerPoolSize                  int `yaml:"worker_pool_size" mapstructure:"worker_pool_size"`
	TimeoutSweepIntervalMs          int `yaml:"timeout_sweep_interval_ms" mapstructure:"timeout_sweep_interval_ms"`
	LLMRetryMaxAttempts             int `yaml:"llm_retry_max_attempts" mapstructure:"llm_retry_max_attempts"`
	DefaultPeerTimeoutSeconds       int `yaml:"default_peer_timeout_seconds" mapstructure:"default_peer_timeout_seconds"`
	DiscoveryPublishIntervalSeconds int `yaml:"discovery_publish_interval_seconds" mapstructure:"discovery_publish_interval_seconds"`

	// AllowedPeers restricts which agents this one may delegate to.
	// Empty means any peer except itself.
	AllowedPeers []string `yaml:"allowed_peers" mapstructure:"allowed_peers"`
}

// BrokerConfig selects and configures the broker transport.
type BrokerConfig struct {
	// Type is "memory" or "redis".
	Type string `yaml:"type" mapstructure:"type"`
	URL  string `yaml:"url" mapstructure:"url"`

	PublishAttempts    int `yaml:"publish_attempts" mapstructure:"publish_attempts"`
	PublishBaseDelayMs int `yaml:"publish_base_delay_ms" mapstructure:"publish_base_delay_ms"`
}

// CheckpointConfig configures the durable checkpoint store.
type CheckpointConfig struct {
	// Driver is "postgres", "mysql" or "sqlite".
	Driver string `yaml:"driver" mapstructure:"driver"`
	// BackendURL is the database connection string.
	BackendURL string `yaml:"backend_url" mapstructure:"backend_url"`
	MaxConns   int    `yaml:"max_conns" mapstructure:"max_conns"`
	MaxIdle    int    `yaml:"max_idle" mapstructure:"max_idle"`
}

// LLMConfig configures the inference backend.
type LLMConfig struct {
	// Provider is "openai" (any OpenAI-compatible endpoint) or "gemini".
	Provider       string `yaml:"provider" mapstructure:"provider"`
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	APIKey         string `yaml:"api_key" mapstructure:"api_key"`
	Model          string `yaml:"model" mapstructure:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// MetricsConfig configures the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr    string `yaml:"addr" mapstructure:"addr"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

var agentNamePattern = regexp.MustCompile(`[^A-Za-z0-9_]`)

// SanitizeAgentName replaces characters outside [A-Za-z0-9_] with underscores.
// Logs a warning when the name had to change.
func SanitizeAgentName(name string) string {
	sanitized := agentNamePattern.ReplaceAllString(name, "_")
	if sanitized != name {
		slog.Warn("Agent name contained invalid characters, sanitized",
			"original", name,
			"sanitized", sanitized)
	}
	return sanitized
}

// SetDefaults fills unset fields with their defaults.
func (c *Config) SetDefaults() {
	if c.Agent.WorkerPoolSize <= 0 {
		c.Agent.WorkerPoolSize = 8
	}
	if c.Agent.TimeoutSweepIntervalMs <= 0 {
		c.Agent.TimeoutSweepIntervalMs = 1000
	}
	if c.Agent.LLMRetryMaxAttempts <= 0 {
		c.Agent.LLMRetryMaxAttempts = 3
	}
	if c.Agent.DefaultPeerTimeoutSeconds <= 0 {
		c.Agent.DefaultPeerTimeoutSeconds = 300
	}
	if c.Agent.DiscoveryPublishIntervalSeconds < 0 {
		c.Agent.DiscoveryPublishIntervalSeconds = 0
	} else if c.Agent.DiscoveryPublishIntervalSeconds == 0 {
		c.Agent.DiscoveryPublishIntervalSeconds = 10
	}
	if c.Agent.Version == "" {
		c.Agent.Version = "0.1.0"
	}
	if c.Broker.Type == "" {
		c.Broker.Type = "memory"
	}
	if c.Broker.PublishAttempts <= 0 {
		c.Broker.PublishAttempts = 5
	}
	if c.Broker.PublishBaseDelayMs <= 0 {
		c.Broker.PublishBaseDelayMs = 100
	}
	if c.Checkpoint.Driver == "" {
		c.Checkpoint.Driver = "sqlite"
	}
	if c.Checkpoint.MaxConns <= 0 {
		c.Checkpoint.MaxConns = 10
	}
	if c.Checkpoint.MaxIdle <= 0 {
		c.Checkpoint.MaxIdle = 2
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = 120
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9464"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}

	c.Agent.Name = SanitizeAgentName(c.Agent.Name)
}

// Validate checks required fields and cross-field constraints.
func (c *Config) Validate() error {
	if c.Agent.Name == "" {
		return fmt.Errorf("agent.name is required")
	}
	if c.Agent.Namespace == "" {
		return fmt.Errorf("agent.namespace is required")
	}
	switch c.Broker.Type {
	case "memory":
	case "redis":
		if c.Broker.URL == "" {
			return fmt.Errorf("broker.url is required for redis broker")
		}
	default:
		return fmt.Errorf("unsupported broker.type: %s (supported: memory, redis)", c.Broker.Type)
	}
	switch c.Checkpoint.Driver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("unsupported checkpoint.driver: %s (supported: postgres, mysql, sqlite)", c.Checkpoint.Driver)
	}
	if c.Checkpoint.BackendURL == "" {
		return fmt.Errorf("checkpoint.backend_url is required")
	}
	switch c.LLM.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unsupported llm.provider: %s (supported: openai, gemini)", c.LLM.Provider)
	}
	return nil
}
