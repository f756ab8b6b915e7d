package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/loregraph/internal/config"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
}

func TestRetry_SucceedsAfterTransient(t *testing.T) {
	calls := 0
	var retried []int
	p := fastPolicy(3)
	p.OnRetry = func(attempt int, _ error) { retried = append(retried, attempt) }

	err := Retry(context.Background(), p, func(context.Context) error {
		calls++
		if calls < 3 {
			return NewTransientError(errors.New("503"), 503)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, retried)
}

func TestRetry_StopsOnPermanent(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(5), func(context.Context) error {
		calls++
		return errBoom
	})
	assert.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

func TestRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := NewTransientError(errors.New("429"), 429)
	err := Retry(context.Background(), fastPolicy(4), func(context.Context) error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 4, calls)
}

func TestRetry_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, fastPolicy(5), func(context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("timeout"), 0)
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetryVal_CustomRetryable(t *testing.T) {
	p := fastPolicy(3)
	p.Retryable = func(err error) bool { return errors.Is(err, errBoom) }
	calls := 0
	v, err := RetryVal(context.Background(), p, func(context.Context) (int, error) {
		calls++
		if calls == 1 {
			return 0, errBoom
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBackoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(10))

	p.Jitter = 0.5
	for i := 0; i < 50; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RetryConfig{MaxAttempts: 5, InitialBackoffMs: 10, MaxBackoffMs: 100, Multiplier: 3, Jitter: 0})
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 100*time.Millisecond, p.MaxBackoff)
	assert.InDelta(t, 3.0, p.Multiplier, 1e-9)
	assert.Zero(t, p.Jitter)

	def := PolicyFromConfig(config.RetryConfig{Jitter: -1})
	assert.Equal(t, DefaultRetryPolicy().MaxAttempts, def.MaxAttempts)
	assert.InDelta(t, 0.25, def.Jitter, 1e-9)
}

func TestBreakerConfigFromConfig(t *testing.T) {
	b := BreakerConfigFromConfig(config.CircuitConfig{FailureThreshold: 2, ResetTimeoutSecs: 7})
	assert.Equal(t, 2, b.FailureThreshold)
	assert.Equal(t, 7*time.Second, b.ResetTimeout)

	def := BreakerConfigFromConfig(config.CircuitConfig{})
	assert.Equal(t, 5, def.FailureThreshold)
}
