// Package pipeline orchestrates chapter extraction: routing, blue-box
// grouping, mention detection, parallel LLM passes, grounding, and the
// single per-chapter merge into the entity registry.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/loregraph/internal/config"
	"github.com/sells-group/loregraph/internal/mention"
	"github.com/sells-group/loregraph/internal/model"
	"github.com/sells-group/loregraph/internal/resilience"
	"github.com/sells-group/loregraph/internal/routing"
	"github.com/sells-group/loregraph/internal/store"
)

// Job-level failures. Chapter failures never surface as these.
var (
	ErrNoChapters  = eris.New("pipeline: book has no chapters")
	ErrBookMissing = eris.New("pipeline: book record missing")
)

// Extractor runs one extraction pass. Implementations make a single
// outbound call; retry, rate limiting and circuit breaking are applied by
// the pipeline.
type Extractor interface {
	Extract(ctx context.Context, req model.PassRequest) (*model.PassOutput, error)
}

// Pipeline processes chapters and books.
type Pipeline struct {
	cfg       config.PipelineConfig
	extractor Extractor
	dlq       *resilience.DLQ
	store     store.Store
	limiters  *resilience.Limiters
	breakers  *resilience.Breakers
	retry     resilience.RetryPolicy
	provider  string
	router    *routing.Router
	detector  *mention.Detector
	now       func() time.Time
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithProvider sets the provider key used for rate limiting and circuit
// breaking. Defaults to "anthropic".
func WithProvider(name string) Option {
	return func(p *Pipeline) { p.provider = name }
}

// WithRetryPolicy overrides the retry policy around extractor calls.
func WithRetryPolicy(policy resilience.RetryPolicy) Option {
	return func(p *Pipeline) { p.retry = policy }
}

// WithBreakers shares a circuit breaker set across pipelines.
func WithBreakers(b *resilience.Breakers) Option {
	return func(p *Pipeline) { p.breakers = b }
}

// WithRouter overrides the routing policy.
func WithRouter(r *routing.Router) Option {
	return func(p *Pipeline) { p.router = r }
}

// New creates a Pipeline. A nil store falls back to an in-memory store and
// a nil DLQ to a DLQ over that store.
func New(cfg config.PipelineConfig, ex Extractor, dlq *resilience.DLQ, st store.Store, limiters *resilience.Limiters, opts ...Option) *Pipeline {
	if st == nil {
		st = store.NewMemory()
	}
	if dlq == nil {
		dlq = resilience.NewDLQ(st)
	}
	if limiters == nil {
		limiters = resilience.LimitersFromConfig(config.ProvidersConfig{Default: "anthropic"})
	}

	router := routing.NewRouter()
	if cfg.ShortTextThreshold > 0 {
		router.ShortTextThreshold = cfg.ShortTextThreshold
	}
	var detOpts []mention.Option
	if cfg.SkipStopwordAliases {
		detOpts = append(detOpts, mention.WithStopwordFilter())
	}

	p := &Pipeline{
		cfg:       cfg,
		extractor: ex,
		dlq:       dlq,
		store:     st,
		limiters:  limiters,
		breakers:  resilience.NewBreakers(resilience.DefaultBreakerConfig()),
		retry:     resilience.DefaultRetryPolicy(),
		provider:  "anthropic",
		router:    router,
		detector:  mention.NewDetector(detOpts...),
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	if p.retry.OnRetry == nil {
		p.retry.OnRetry = resilience.RetryLogger(p.provider, "extract")
	}
	return p
}

// DLQ returns the dead letter queue the pipeline pushes to.
func (p *Pipeline) DLQ() *resilience.DLQ { return p.dlq }

// Store returns the pipeline's persistence backend.
func (p *Pipeline) Store() store.Store { return p.store }
