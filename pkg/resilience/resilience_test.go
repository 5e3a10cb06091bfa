package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Initial: time.Minute, Max: 10 * time.Minute, Multiplier: 2}

	assert.Equal(t, time.Minute, b.Delay(0))
	assert.Equal(t, 2*time.Minute, b.Delay(1))
	assert.Equal(t, 4*time.Minute, b.Delay(2))
	assert.Equal(t, 10*time.Minute, b.Delay(5))
	assert.Equal(t, 10*time.Minute, b.Delay(5000))
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: time.Hour, Multiplier: 2, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		d := b.Delay(1)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	calls := 0
	cfg := RetryConfig{
		MaxAttempts: 5,
		Backoff:     Backoff{Initial: time.Millisecond, Max: time.Millisecond},
		ShouldRetry: func(err error) bool { return !errors.Is(err, permanent) },
	}

	err := Retry(context.Background(), cfg, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	cfg := RetryConfig{MaxAttempts: 3, Backoff: Backoff{Initial: time.Millisecond, Max: time.Millisecond}}

	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestCircuitBreaker_OpensAndReportsSentinel(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("SEND_EMAIL")
	cfg.MinRequests = 2
	cfg.FailureRatio = 0.5
	cb := NewCircuitBreakerRegistry(cfg).Get("SEND_EMAIL")

	boom := errors.New("smtp down")
	for i := 0; i < 2; i++ {
		_, err := cb.ExecuteWithContext(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)
	}

	_, err := cb.ExecuteWithContext(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}

func TestCircuitBreakerRegistry_States(t *testing.T) {
	cfg := DefaultCircuitBreakerConfig("actions")
	cfg.MinRequests = 1
	registry := NewCircuitBreakerRegistry(cfg)
	assert.Empty(t, registry.States())

	_, _ = registry.Get("SEND_EMAIL").ExecuteWithContext(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("smtp down")
	})
	_, _ = registry.Get("CREATE_TASK").ExecuteWithContext(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})

	assert.Equal(t, map[string]string{"SEND_EMAIL": "open", "CREATE_TASK": "closed"}, registry.States())
}

func TestCircuitBreaker_IsSuccessfulKeepsBreakerClosed(t *testing.T) {
	permanent := errors.New("bad config")
	cfg := DefaultCircuitBreakerConfig("CREATE_TASK")
	cfg.MinRequests = 1
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, permanent) }
	cb := NewCircuitBreaker(cfg)

	for i := 0; i < 3; i++ {
		_, err := cb.ExecuteWithContext(context.Background(), func(ctx context.Context) (interface{}, error) {
			return nil, permanent
		})
		assert.ErrorIs(t, err, permanent)
	}
}
