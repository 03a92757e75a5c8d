// ABOUTME: Tests for configuration loading and validation
// ABOUTME: Covers env expansion, duration parsing, defaults and validation failures

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
database:
  path: /tmp/astrum/engine.db
logging:
  level: debug
  format: json
dispatch:
  retry_attempts: 5
  retry_backoff: "250ms"
  idle_timeout: "30s"
  flush_every: 10
providers:
  openai:
    endpoint: https://proxy.example.com
    context_budget: 12000
    rate_limit_per_minute: 20
  ollama:
    endpoint: http://192.168.1.5:11434
titles:
  enabled: true
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/astrum/engine.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, 5, cfg.Dispatch.RetryAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Dispatch.RetryBackoff)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.IdleTimeout)
	assert.Equal(t, 10, cfg.Dispatch.FlushEvery)
	assert.Equal(t, "https://proxy.example.com", cfg.Providers.OpenAI.Endpoint)
	assert.Equal(t, 12000, cfg.Providers.OpenAI.ContextBudget)
	assert.Equal(t, 20, cfg.Providers.OpenAI.RateLimitPerMinute)
	assert.Equal(t, "http://192.168.1.5:11434", cfg.Providers.Ollama.Endpoint)
	assert.True(t, cfg.Titles.Enabled)

	// Unset sections fall back to defaults
	assert.Equal(t, DefaultAnthropicEndpoint, cfg.Providers.Anthropic.Endpoint)
	assert.Equal(t, DefaultContextBudget, cfg.Providers.Anthropic.ContextBudget)
}

func TestLoad_MinimalConfigGetsDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  path: engine.db
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, DefaultRetryAttempts, cfg.Dispatch.RetryAttempts)
	assert.Equal(t, DefaultRetryBackoff, cfg.Dispatch.RetryBackoff)
	assert.Equal(t, DefaultIdleTimeout, cfg.Dispatch.IdleTimeout)
	assert.Equal(t, DefaultFlushEvery, cfg.Dispatch.FlushEvery)
	assert.Equal(t, DefaultOpenAIEndpoint, cfg.Providers.OpenAI.Endpoint)
	assert.Equal(t, DefaultOllamaEndpoint, cfg.Providers.Ollama.Endpoint)
	assert.False(t, cfg.Titles.Enabled)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("ASTRUM_DB_PATH", "/data/astrum.db")

	path := writeConfig(t, `
database:
  path: ${ASTRUM_DB_PATH}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/astrum.db", cfg.Database.Path)
}

func TestLoad_MissingDatabasePath(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: info
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.path")
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeConfig(t, `
database:
  path: engine.db
dispatch:
  idle_timeout: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle_timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefault(t *testing.T) {
	cfg := Default("x.db")
	assert.Equal(t, "x.db", cfg.Database.Path)
	require.NoError(t, cfg.Validate())
}

func TestForKind(t *testing.T) {
	cfg := Default("x.db")
	assert.Equal(t, DefaultOpenAIEndpoint, cfg.ForKind("openai").Endpoint)
	assert.Equal(t, DefaultOllamaEndpoint, cfg.ForKind("ollama").Endpoint)
	assert.Equal(t, DefaultContextBudget, cfg.ForKind("unknown").ContextBudget)
}
