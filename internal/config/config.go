// Package config loads the orchestrator configuration from YAML with
// environment overrides for secrets and deployment-specific values.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/meridian-ai/llm-orchestrator/internal/adapters/anthropic"
	"github.com/meridian-ai/llm-orchestrator/internal/adapters/local"
	"github.com/meridian-ai/llm-orchestrator/internal/adapters/openai"
	"github.com/meridian-ai/llm-orchestrator/internal/breaker"
	"github.com/meridian-ai/llm-orchestrator/internal/ratelimit"
	"github.com/meridian-ai/llm-orchestrator/internal/registry"
	"github.com/meridian-ai/llm-orchestrator/internal/types"
)

// Config represents the complete application configuration.
type Config struct {
	Server       ServerConfig               `yaml:"server"`
	Orchestrator OrchestratorConfig         `yaml:"orchestrator"`
	Breaker      BreakerConfig              `yaml:"breaker"`
	RateLimit    RateLimitConfig            `yaml:"rate_limit"`
	Cache        CacheConfig                `yaml:"cache"`
	Backends     BackendsConfig             `yaml:"backends"`
	Models       []registry.ModelDescriptor `yaml:"models"`
	Logging      LoggingConfig              `yaml:"logging"`
	Events       EventsConfig               `yaml:"events"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
}

// OrchestratorConfig holds chain execution parameters.
type OrchestratorConfig struct {
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
}

// BreakerConfig holds per-backend circuit breaker parameters.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	OpenTimeout      time.Duration `yaml:"open_timeout"`
}

// RateLimitConfig holds token bucket parameters. When StorePath is set the
// limiter state is shared through a SQLite store so multiple instances see
// one budget.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	BucketCapacity  float64       `yaml:"bucket_capacity"`
	RefillPerSec    float64       `yaml:"refill_per_sec"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	StorePath       string        `yaml:"store_path"`
}

// CacheConfig holds the tiered cache parameters. The L3 tier is enabled by
// setting its path.
type CacheConfig struct {
	Enabled bool          `yaml:"enabled"`
	L1Size  int           `yaml:"l1_size"`
	L1TTL   time.Duration `yaml:"l1_ttl"`
	L2Size  int           `yaml:"l2_size"`
	L2TTL   time.Duration `yaml:"l2_ttl"`
	L3Path  string        `yaml:"l3_path"`
	L3TTL   time.Duration `yaml:"l3_ttl"`
}

// BackendsConfig holds configuration for all backends. A nil section
// disables that backend.
type BackendsConfig struct {
	OpenAI    *openai.Config    `yaml:"openai"`
	Anthropic *anthropic.Config `yaml:"anthropic"`
	Local     *local.Config     `yaml:"local"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// EventsConfig holds the observability event buffer parameters.
type EventsConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	config.loadFromEnv()

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values.
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   120 * time.Second,
		MaxHeaderBytes: 1 << 20, // 1MB
	}

	c.Orchestrator = OrchestratorConfig{
		InvokeTimeout: 30 * time.Second,
	}

	c.Breaker = BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      60 * time.Second,
	}

	c.RateLimit = RateLimitConfig{
		Enabled:         true,
		BucketCapacity:  60,
		RefillPerSec:    1,
		CleanupInterval: 5 * time.Minute,
	}

	c.Cache = CacheConfig{
		Enabled: true,
		L1Size:  1024,
		L1TTL:   5 * time.Minute,
		L2Size:  8192,
		L2TTL:   time.Hour,
		L3TTL:   24 * time.Hour,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Events = EventsConfig{
		BufferSize: 1000,
	}

	c.Models = []registry.ModelDescriptor{
		{
			ID:           "gpt-4o",
			BackendID:    "openai",
			Capabilities: []types.Capability{types.CapabilityChat, types.CapabilityTools, types.CapabilityVision},
			CostPerToken: 0.00001,
			MaxTokens:    128000,
			Priority:     10,
		},
		{
			ID:           "claude-3-5-sonnet-20241022",
			BackendID:    "anthropic",
			Capabilities: []types.Capability{types.CapabilityChat, types.CapabilityVision},
			CostPerToken: 0.000009,
			MaxTokens:    200000,
			Priority:     8,
		},
		{
			ID:           "gpt-4o-mini",
			BackendID:    "openai",
			Capabilities: []types.Capability{types.CapabilityChat, types.CapabilityTools},
			CostPerToken: 0.00000038,
			MaxTokens:    128000,
			Priority:     5,
		},
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv overrides secrets and deployment values from the environment.
func (c *Config) loadFromEnv() {
	if port := os.Getenv("LLM_ORCH_PORT"); port != "" {
		c.Server.Port = port
	}

	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.Backends.OpenAI == nil {
			c.Backends.OpenAI = &openai.Config{}
		}
		c.Backends.OpenAI.APIKey = key
	}

	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if c.Backends.Anthropic == nil {
			c.Backends.Anthropic = &anthropic.Config{}
		}
		c.Backends.Anthropic.APIKey = key
	}

	if url := os.Getenv("LLM_ORCH_LOCAL_BASE_URL"); url != "" {
		if c.Backends.Local == nil {
			c.Backends.Local = &local.Config{}
		}
		c.Backends.Local.BaseURL = url
	}

	if level := os.Getenv("LLM_ORCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("LLM_ORCH_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
}

// validate validates the configuration.
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure threshold must be positive")
	}
	if c.Breaker.OpenTimeout <= 0 {
		return fmt.Errorf("breaker open timeout must be positive")
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.BucketCapacity <= 0 {
			return fmt.Errorf("rate limit bucket capacity must be positive")
		}
		if c.RateLimit.RefillPerSec <= 0 {
			return fmt.Errorf("rate limit refill rate must be positive")
		}
	}

	backendCount := 0
	if c.Backends.OpenAI != nil {
		if c.Backends.OpenAI.APIKey == "" {
			return fmt.Errorf("OpenAI API key is required when the openai backend is enabled")
		}
		backendCount++
	}
	if c.Backends.Anthropic != nil {
		if c.Backends.Anthropic.APIKey == "" {
			return fmt.Errorf("Anthropic API key is required when the anthropic backend is enabled")
		}
		backendCount++
	}
	if c.Backends.Local != nil {
		if c.Backends.Local.BaseURL == "" {
			return fmt.Errorf("base URL is required when the local backend is enabled")
		}
		backendCount++
	}
	if backendCount == 0 {
		return fmt.Errorf("at least one backend must be configured")
	}

	if len(c.Models) == 0 {
		return fmt.Errorf("at least one model must be configured")
	}
	if len(c.EnabledModels()) == 0 {
		return fmt.Errorf("no configured model references an enabled backend")
	}

	return nil
}

// EnabledModels returns the configured models whose backend is enabled.
// Defaults ship models for every backend; disabling a backend silently
// drops its models instead of failing startup.
func (c *Config) EnabledModels() []registry.ModelDescriptor {
	known := make(map[string]bool)
	for _, name := range c.EnabledBackends() {
		known[name] = true
	}

	var models []registry.ModelDescriptor
	for _, m := range c.Models {
		if known[m.BackendID] {
			models = append(models, m)
		}
	}
	return models
}

// ToBreakerConfig converts to breaker.Config.
func (c *Config) ToBreakerConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: c.Breaker.FailureThreshold,
		OpenTimeout:      c.Breaker.OpenTimeout,
	}
}

// ToRateLimitConfig converts to ratelimit.Config.
func (c *Config) ToRateLimitConfig() ratelimit.Config {
	return ratelimit.Config{
		BucketCapacity:  c.RateLimit.BucketCapacity,
		RefillPerSec:    c.RateLimit.RefillPerSec,
		CleanupInterval: c.RateLimit.CleanupInterval,
	}
}

// EnabledBackends returns the names of the configured backends.
func (c *Config) EnabledBackends() []string {
	var backends []string
	if c.Backends.OpenAI != nil {
		backends = append(backends, "openai")
	}
	if c.Backends.Anthropic != nil {
		backends = append(backends, "anthropic")
	}
	if c.Backends.Local != nil {
		backends = append(backends, "local")
	}
	return backends
}
