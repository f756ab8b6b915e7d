package resilience

import (
	"time"

	"github.com/sells-group/loregraph/internal/config"
)

// PolicyFromConfig converts retry settings, keeping defaults for unset values.
func PolicyFromConfig(c config.RetryConfig) RetryPolicy {
	p := DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.Jitter >= 0 {
		p.Jitter = c.Jitter
	}
	return p
}

// BreakerConfigFromConfig converts circuit settings.
func BreakerConfigFromConfig(c config.CircuitConfig) BreakerConfig {
	b := DefaultBreakerConfig()
	if c.FailureThreshold > 0 {
		b.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		b.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return b
}

// LimitersFromConfig builds the provider limiter registry.
func LimitersFromConfig(c config.ProvidersConfig) *Limiters {
	limits := c.Limits
	if len(limits) == 0 {
		limits = config.DefaultProviderLimits()
	}
	l := NewLimiters(c.Default)
	for name, lim := range limits {
		l.Register(NewProviderLimiter(name, lim.MaxRequests, time.Duration(lim.WindowSecs)*time.Second, lim.MaxConcurrency))
	}
	return l
}
