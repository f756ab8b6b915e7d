package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "loregraph.db", cfg.Store.Path)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 4096, cfg.Anthropic.MaxTokens)
	assert.Equal(t, "anthropic", cfg.Providers.Default)
	assert.Equal(t, ProviderLimit{MaxRequests: 50, WindowSecs: 60, MaxConcurrency: 10}, cfg.Providers.Limits["anthropic"])
	assert.Len(t, cfg.Providers.Limits, 4)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, 500, cfg.Retry.InitialBackoffMs)
	assert.InDelta(t, 2.0, cfg.Retry.Multiplier, 0.001)
	assert.Equal(t, 5, cfg.Circuit.FailureThreshold)
	assert.Equal(t, 2000, cfg.Pipeline.ShortTextThreshold)
	assert.Equal(t, 2000, cfg.Pipeline.ContextMaxTokens)
	assert.False(t, cfg.Pipeline.SkipStopwordAliases)
	assert.Equal(t, 3, cfg.Pipeline.MaxDLQAttempts)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: badger
  path: /tmp/lore
log:
  level: debug
  format: console
providers:
  limits:
    anthropic:
      max_requests: 5
      window_secs: 1
      max_concurrency: 2
pipeline:
  skip_stopword_aliases: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "badger", cfg.Store.Driver)
	assert.Equal(t, "/tmp/lore", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Providers.Limits["anthropic"].MaxRequests)
	assert.True(t, cfg.Pipeline.SkipStopwordAliases)
	// Defaults still apply for unset values
	assert.Equal(t, 2000, cfg.Pipeline.ShortTextThreshold)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("LOREGRAPH_STORE_DRIVER", "postgres")
	t.Setenv("LOREGRAPH_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)
	t.Setenv("LOREGRAPH_PIPELINE_CONTEXT_MAX_TOKENS", "500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Pipeline.ContextMaxTokens)
}

func TestLoadMalformedFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.Path = "lore.db"
	cfg.Anthropic.Key = "sk-ant-key"
	cfg.Anthropic.MaxTokens = 4096
	cfg.Providers.Default = "anthropic"
	cfg.Providers.Limits = DefaultProviderLimits()
	cfg.Pipeline.ContextMaxTokens = 2000
	cfg.Pipeline.ShortTextThreshold = 2000
	return cfg
}

func TestValidateExtract_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("extract"))
}

func TestValidateExtract_MissingFields(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	cfg.Providers.Default = "nope"

	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
	assert.Contains(t, err.Error(), `providers.default_provider "nope" has no limits`)
}

func TestValidateExtract_BadLimits(t *testing.T) {
	cfg := validDefaults()
	cfg.Providers.Limits["openai"] = ProviderLimit{MaxRequests: 0, WindowSecs: 60, MaxConcurrency: 1}

	err := cfg.Validate("extract")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "providers.limits.openai values must be > 0")
}

func TestValidateAdmin_IgnoresProviderSettings(t *testing.T) {
	cfg := validDefaults()
	cfg.Anthropic.Key = ""
	assert.NoError(t, cfg.Validate("admin"))
}

func TestValidateStore(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mongo"
	err := cfg.Validate("admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver")

	cfg.Store.Driver = "postgres"
	err = cfg.Validate("admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required for postgres")

	cfg.Store.DatabaseURL = "postgres://localhost/lore"
	assert.NoError(t, cfg.Validate("admin"))

	cfg.Store.Driver = "memory"
	assert.NoError(t, cfg.Validate("admin"))
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
