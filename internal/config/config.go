package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Providers ProvidersConfig `yaml:"providers" mapstructure:"providers"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Pipeline  PipelineConfig  `yaml:"pipeline" mapstructure:"pipeline"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig selects the persistence backend: memory, sqlite, postgres or
// badger. Path is the file (sqlite) or directory (badger).
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	Path        string `yaml:"path" mapstructure:"path"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ProviderLimit is the rate limit for one external provider.
type ProviderLimit struct {
	MaxRequests    int `yaml:"max_requests" mapstructure:"max_requests"`
	WindowSecs     int `yaml:"window_secs" mapstructure:"window_secs"`
	MaxConcurrency int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
}

// ProvidersConfig holds per-provider limits. Unknown provider names fall back
// to Default.
type ProvidersConfig struct {
	Default string                   `yaml:"default_provider" mapstructure:"default_provider"`
	Limits  map[string]ProviderLimit `yaml:"limits" mapstructure:"limits"`
}

// RetryConfig configures backoff around provider calls.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter           float64 `yaml:"jitter" mapstructure:"jitter"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// PipelineConfig configures chapter extraction.
type PipelineConfig struct {
	ShortTextThreshold  int  `yaml:"short_text_threshold" mapstructure:"short_text_threshold"`
	ContextMaxTokens    int  `yaml:"context_max_tokens" mapstructure:"context_max_tokens"`
	SkipStopwordAliases bool `yaml:"skip_stopword_aliases" mapstructure:"skip_stopword_aliases"`
	SummaryContext      int  `yaml:"summary_context" mapstructure:"summary_context"`
	MaxDLQAttempts      int  `yaml:"max_dlq_attempts" mapstructure:"max_dlq_attempts"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LOREGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "loregraph.db")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("providers.default_provider", "anthropic")
	for name, lim := range DefaultProviderLimits() {
		v.SetDefault("providers.limits."+name+".max_requests", lim.MaxRequests)
		v.SetDefault("providers.limits."+name+".window_secs", lim.WindowSecs)
		v.SetDefault("providers.limits."+name+".max_concurrency", lim.MaxConcurrency)
	}
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("pipeline.short_text_threshold", 2000)
	v.SetDefault("pipeline.context_max_tokens", 2000)
	v.SetDefault("pipeline.skip_stopword_aliases", false)
	v.SetDefault("pipeline.summary_context", 3)
	v.SetDefault("pipeline.max_dlq_attempts", 3)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// DefaultProviderLimits returns the built-in limits for the LLM, embedding
// and rerank providers.
func DefaultProviderLimits() map[string]ProviderLimit {
	return map[string]ProviderLimit{
		"anthropic": {MaxRequests: 50, WindowSecs: 60, MaxConcurrency: 10},
		"openai":    {MaxRequests: 60, WindowSecs: 60, MaxConcurrency: 10},
		"voyage":    {MaxRequests: 300, WindowSecs: 60, MaxConcurrency: 20},
		"cohere":    {MaxRequests: 100, WindowSecs: 60, MaxConcurrency: 10},
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
