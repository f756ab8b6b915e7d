// Package resilience holds the primitives that keep a book job moving when
// providers misbehave: per-provider rate limiting, retry with backoff,
// circuit breaking, and the dead letter queue for chapter failures.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState is the state of a Breaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	}
	return "unknown"
}

// ErrCircuitOpen is returned without calling the provider while a breaker is
// open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// BreakerConfig controls when a Breaker trips and recovers.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// ResetTimeout is how long the circuit stays open before a probe.
	ResetTimeout time.Duration
	// ProbeSuccesses needed in half-open before closing again.
	ProbeSuccesses int
	// ShouldTrip decides which errors count as failures. Nil counts every
	// error except validation errors and caller cancellation.
	ShouldTrip func(err error) bool
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		ProbeSuccesses:   1,
	}
}

func defaultShouldTrip(err error) bool {
	switch ErrorTypeOf(err) {
	case ErrorTypeValidation, ErrorTypeCanceled:
		return false
	}
	return true
}

// Breaker is a circuit breaker guarding one provider.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time

	now func() time.Time
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = def.ResetTimeout
	}
	if cfg.ProbeSuccesses <= 0 {
		cfg.ProbeSuccesses = def.ProbeSuccesses
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = defaultShouldTrip
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Execute runs fn unless the circuit is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Guard(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Guard runs fn through b and returns its value.
func Guard[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	b.record(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// State returns the current state, reporting half-open once the reset
// timeout has elapsed on an open circuit.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return CircuitHalfOpen
	}
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setState(CircuitClosed)
	b.failures, b.successes = 0, 0
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != CircuitOpen {
		return nil
	}
	if b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		b.setState(CircuitHalfOpen)
		return nil
	}
	return eris.Wrapf(ErrCircuitOpen, "provider %s", b.name)
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err == nil || !b.cfg.ShouldTrip(err) {
		switch b.state {
		case CircuitHalfOpen:
			b.successes++
			if b.successes >= b.cfg.ProbeSuccesses {
				b.setState(CircuitClosed)
				b.failures, b.successes = 0, 0
			}
		case CircuitClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	switch b.state {
	case CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.setState(CircuitOpen)
		}
	case CircuitHalfOpen:
		b.openedAt = b.now()
		b.successes = 0
		b.setState(CircuitOpen)
	}
}

// setState must be called with b.mu held.
func (b *Breaker) setState(to CircuitState) {
	if b.state == to {
		return
	}
	zap.L().Info("circuit breaker state change",
		zap.String("provider", b.name),
		zap.Stringer("from", b.state),
		zap.Stringer("to", to),
	)
	b.state = to
}

// Breakers hands out one Breaker per provider name.
type Breakers struct {
	mu       sync.RWMutex
	cfg      BreakerConfig
	breakers map[string]*Breaker
}

// NewBreakers creates an empty breaker set sharing cfg.
func NewBreakers(cfg BreakerConfig) *Breakers {
	return &Breakers{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the provider's breaker, creating it on first use.
func (s *Breakers) Get(provider string) *Breaker {
	s.mu.RLock()
	b, ok := s.breakers[provider]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.breakers[provider]; ok {
		return b
	}
	b = NewBreaker(provider, s.cfg)
	s.breakers[provider] = b
	return b
}

// States snapshots every breaker's state.
func (s *Breakers) States() map[string]CircuitState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]CircuitState, len(s.breakers))
	for name, b := range s.breakers {
		out[name] = b.State()
	}
	return out
}
