package resilience

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HighConcurrencyRatio is the share of MaxConcurrency above which Acquire
// logs a warning. Concurrency is not capped; the token bucket is the
// throttle.
const HighConcurrencyRatio = 0.8

// ProviderLimiter throttles outbound calls to one provider with a token
// bucket of maxRequests per window and tracks in-flight requests.
type ProviderLimiter struct {
	name           string
	maxRequests    int
	window         time.Duration
	maxConcurrency int

	limiter *rate.Limiter
	active  atomic.Int64
}

// NewProviderLimiter creates a limiter. Non-positive values fall back to one
// request per second and a concurrency of one.
func NewProviderLimiter(name string, maxRequests int, window time.Duration, maxConcurrency int) *ProviderLimiter {
	if maxRequests <= 0 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &ProviderLimiter{
		name:           name,
		maxRequests:    maxRequests,
		window:         window,
		maxConcurrency: maxConcurrency,
		limiter:        rate.NewLimiter(rate.Every(window/time.Duration(maxRequests)), maxRequests),
	}
}

// Name returns the provider name.
func (l *ProviderLimiter) Name() string { return l.name }

// MaxConcurrency returns the soft concurrency ceiling.
func (l *ProviderLimiter) MaxConcurrency() int { return l.maxConcurrency }

// Acquire blocks until the bucket has a token, then counts the request as
// active. Every successful Acquire must be paired with Release.
func (l *ProviderLimiter) Acquire(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "ratelimit: acquire %s", l.name)
	}
	n := l.active.Add(1)
	if float64(n) > HighConcurrencyRatio*float64(l.maxConcurrency) {
		zap.L().Warn("ratelimit: high concurrency",
			zap.String("provider", l.name),
			zap.Int64("active", n),
			zap.Int("max_concurrency", l.maxConcurrency),
		)
	}
	return nil
}

// Release marks one request finished. The counter never drops below zero,
// so an unmatched Release is harmless.
func (l *ProviderLimiter) Release() {
	for {
		cur := l.active.Load()
		if cur <= 0 {
			return
		}
		if l.active.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// ActiveRequests returns the number of in-flight requests.
func (l *ProviderLimiter) ActiveRequests() int64 {
	return l.active.Load()
}

// Limiters maps provider names to their limiter.
type Limiters struct {
	mu       sync.RWMutex
	limiters map[string]*ProviderLimiter
	fallback string
}

// NewLimiters creates an empty registry that falls back to the named
// provider for unknown names.
func NewLimiters(fallback string) *Limiters {
	return &Limiters{limiters: make(map[string]*ProviderLimiter), fallback: fallback}
}

// Register adds or replaces a provider's limiter.
func (ls *Limiters) Register(l *ProviderLimiter) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	ls.limiters[l.name] = l
}

// Get returns the provider's limiter. Unknown names get the fallback
// provider's limiter and a warning; if the fallback itself is missing a
// limiter with default limits is created for it.
func (ls *Limiters) Get(provider string) *ProviderLimiter {
	ls.mu.RLock()
	l, ok := ls.limiters[provider]
	fb, fbOK := ls.limiters[ls.fallback]
	ls.mu.RUnlock()
	if ok {
		return l
	}

	zap.L().Warn("ratelimit: unknown provider, using default",
		zap.String("provider", provider),
		zap.String("default", ls.fallback),
	)
	if fbOK {
		return fb
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()
	if fb, fbOK = ls.limiters[ls.fallback]; fbOK {
		return fb
	}
	fb = NewProviderLimiter(ls.fallback, 50, time.Minute, 10)
	ls.limiters[ls.fallback] = fb
	return fb
}

// Names returns the registered provider names, sorted.
func (ls *Limiters) Names() []string {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	out := make([]string, 0, len(ls.limiters))
	for n := range ls.limiters {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CallProvider runs fn through the provider's limiter, breaker and retry
// policy. The limiter is acquired for every attempt so that retries are
// throttled too.
func CallProvider[T any](ctx context.Context, lim *ProviderLimiter, br *Breaker, p RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryVal(ctx, p, func(ctx context.Context) (T, error) {
		var zero T
		if err := lim.Acquire(ctx); err != nil {
			return zero, err
		}
		defer lim.Release()
		return Guard(ctx, br, fn)
	})
}
