// ABOUTME: Configuration loading and parsing for the conversation engine
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete engine configuration
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Providers ProvidersConfig `yaml:"providers"`
	Titles    TitlesConfig    `yaml:"titles"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DispatchConfig holds streaming dispatcher policy
type DispatchConfig struct {
	RetryAttempts int `yaml:"retry_attempts"`
	FlushEvery    int `yaml:"flush_every"`

	RetryBackoff time.Duration `yaml:"-"`
	IdleTimeout  time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	RetryBackoffRaw string `yaml:"retry_backoff"`
	IdleTimeoutRaw  string `yaml:"idle_timeout"`
}

// ProvidersConfig holds per-backend overrides
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic"`
	Ollama    ProviderConfig `yaml:"ollama"`
}

// ProviderConfig holds one backend's tuning knobs
type ProviderConfig struct {
	// Endpoint overrides the default base URL
	Endpoint string `yaml:"endpoint"`
	// ContextBudget bounds the assembled context window, in characters
	ContextBudget int `yaml:"context_budget"`
	// RateLimitPerMinute throttles stream openings; 0 disables
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`
}

// TitlesConfig holds auto-title generation settings
type TitlesConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Defaults applied by Load for anything the file leaves unset
const (
	DefaultOpenAIEndpoint    = "https://api.openai.com"
	DefaultAnthropicEndpoint = "https://api.anthropic.com"
	DefaultOllamaEndpoint    = "http://localhost:11434"
	DefaultContextBudget     = 24000
	DefaultRetryAttempts     = 3
	DefaultRetryBackoff      = 500 * time.Millisecond
	DefaultIdleTimeout       = 60 * time.Second
	DefaultFlushEvery        = 24
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a fully-populated configuration without reading a file.
func Default(databasePath string) *Config {
	cfg := &Config{Database: DatabaseConfig{Path: databasePath}}
	cfg.applyDefaults()
	return cfg
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills in anything the file left unset
func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	if c.Dispatch.RetryAttempts == 0 {
		c.Dispatch.RetryAttempts = DefaultRetryAttempts
	}
	if c.Dispatch.RetryBackoff == 0 {
		c.Dispatch.RetryBackoff = DefaultRetryBackoff
	}
	if c.Dispatch.IdleTimeout == 0 {
		c.Dispatch.IdleTimeout = DefaultIdleTimeout
	}
	if c.Dispatch.FlushEvery == 0 {
		c.Dispatch.FlushEvery = DefaultFlushEvery
	}

	if c.Providers.OpenAI.Endpoint == "" {
		c.Providers.OpenAI.Endpoint = DefaultOpenAIEndpoint
	}
	if c.Providers.Anthropic.Endpoint == "" {
		c.Providers.Anthropic.Endpoint = DefaultAnthropicEndpoint
	}
	if c.Providers.Ollama.Endpoint == "" {
		c.Providers.Ollama.Endpoint = DefaultOllamaEndpoint
	}
	for _, p := range []*ProviderConfig{&c.Providers.OpenAI, &c.Providers.Anthropic, &c.Providers.Ollama} {
		if p.ContextBudget == 0 {
			p.ContextBudget = DefaultContextBudget
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Dispatch.RetryAttempts < 0 {
		return fmt.Errorf("dispatch.retry_attempts must not be negative")
	}
	if c.Dispatch.FlushEvery < 1 {
		return fmt.Errorf("dispatch.flush_every must be at least 1")
	}
	for name, p := range map[string]ProviderConfig{
		"openai":    c.Providers.OpenAI,
		"anthropic": c.Providers.Anthropic,
		"ollama":    c.Providers.Ollama,
	} {
		if p.ContextBudget < 0 {
			return fmt.Errorf("providers.%s.context_budget must not be negative", name)
		}
		if p.RateLimitPerMinute < 0 {
			return fmt.Errorf("providers.%s.rate_limit_per_minute must not be negative", name)
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Dispatch.RetryBackoffRaw != "" {
		cfg.Dispatch.RetryBackoff, err = time.ParseDuration(cfg.Dispatch.RetryBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing retry_backoff %q: %w", cfg.Dispatch.RetryBackoffRaw, err)
		}
	}

	if cfg.Dispatch.IdleTimeoutRaw != "" {
		cfg.Dispatch.IdleTimeout, err = time.ParseDuration(cfg.Dispatch.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Dispatch.IdleTimeoutRaw, err)
		}
	}

	return nil
}

// ForKind returns the provider config section for a backend kind.
// Unknown kinds get zero-value config; callers treat that as defaults.
func (c *Config) ForKind(kind string) ProviderConfig {
	switch kind {
	case "openai":
		return c.Providers.OpenAI
	case "anthropic":
		return c.Providers.Anthropic
	case "ollama":
		return c.Providers.Ollama
	default:
		return ProviderConfig{ContextBudget: DefaultContextBudget}
	}
}
