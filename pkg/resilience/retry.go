package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential delays: Initial * Multiplier^attempt, capped at
// Max, optionally spread by +/- Jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64 // 0.0 to 1.0
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    time.Minute,
		Max:        time.Hour,
		Multiplier: 2.0,
	}
}

// Delay returns the wait before retry number attempt (zero-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := b.Multiplier
	if mult <= 1 {
		mult = 2.0
	}

	delay := float64(b.Initial) * math.Pow(mult, float64(attempt))

	if b.Jitter > 0 {
		jitterRange := delay * b.Jitter
		delay = delay - jitterRange + (rand.Float64() * 2 * jitterRange)
	}

	if b.Max > 0 && (delay > float64(b.Max) || math.IsInf(delay, 1)) {
		delay = float64(b.Max)
	}

	return time.Duration(delay)
}

// RetryConfig holds retry configuration
type RetryConfig struct {
	MaxAttempts int
	Backoff     Backoff
	ShouldRetry func(error) bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff: Backoff{
			Initial:    100 * time.Millisecond,
			Max:        10 * time.Second,
			Multiplier: 2.0,
			Jitter:     0.1,
		},
	}
}

// Retry runs fn until it succeeds, attempts run out, ShouldRetry rejects the
// error or ctx is done. Only for short in-process waits such as startup
// connectivity; workflow retries are persisted instead.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if cfg.ShouldRetry != nil && !cfg.ShouldRetry(err) {
			return err
		}

		if attempt < cfg.MaxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(cfg.Backoff.Delay(attempt)):
			}
		}
	}

	return lastErr
}
