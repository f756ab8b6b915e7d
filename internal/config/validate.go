package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

var validDrivers = map[string]bool{"memory": true, "sqlite": true, "postgres": true, "badger": true}

// Validate checks the settings a command mode needs. Modes: "extract" calls
// providers and persists results; "admin" only touches the store.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "extract":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
		if c.Anthropic.MaxTokens <= 0 {
			errs = append(errs, "anthropic.max_tokens must be > 0")
		}
		errs = append(errs, c.validateProviders()...)
		if c.Pipeline.ContextMaxTokens < 0 {
			errs = append(errs, "pipeline.context_max_tokens must be >= 0")
		}
		if c.Pipeline.ShortTextThreshold < 0 {
			errs = append(errs, "pipeline.short_text_threshold must be >= 0")
		}
	case "admin":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}
	errs = append(errs, c.validateStore()...)

	if len(errs) > 0 {
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateStore() []string {
	if !validDrivers[c.Store.Driver] {
		return []string{fmt.Sprintf("store.driver %q must be one of memory, sqlite, postgres, badger", c.Store.Driver)}
	}
	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required for postgres"}
		}
	case "sqlite", "badger":
		if c.Store.Path == "" {
			return []string{"store.path is required for " + c.Store.Driver}
		}
	}
	return nil
}

func (c *Config) validateProviders() []string {
	var errs []string
	if _, ok := c.Providers.Limits[c.Providers.Default]; !ok {
		errs = append(errs, fmt.Sprintf("providers.default_provider %q has no limits", c.Providers.Default))
	}
	for name, lim := range c.Providers.Limits {
		if lim.MaxRequests <= 0 || lim.WindowSecs <= 0 || lim.MaxConcurrency <= 0 {
			errs = append(errs, fmt.Sprintf("providers.limits.%s values must be > 0", name))
		}
	}
	return errs
}
