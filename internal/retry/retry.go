// Package retry provides exponential backoff for model provider calls.
//
// It is a transport concern only: a failed request or rollback is never
// retried by the pipeline itself.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	perrors "github.com/p-blackswan/incept/internal/errors"
)

// Config holds retry configuration.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool

	// OnRetry, if set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultConfig returns sensible retry defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      true,
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or
// MaxAttempts is reached. A server Retry-After hint replaces the computed
// backoff, capped at MaxDelay.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !perrors.IsRetryable(lastErr) || attempt == cfg.MaxAttempts-1 {
			return lastErr
		}

		delay := cfg.delay(attempt, lastErr)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt+1, lastErr, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c Config) delay(attempt int, err error) time.Duration {
	if hint := perrors.RetryAfter(err); hint > 0 {
		return min(hint, c.MaxDelay)
	}
	d := min(time.Duration(float64(c.BaseDelay)*math.Pow(2, float64(attempt))), c.MaxDelay)
	if c.Jitter {
		d = time.Duration(float64(d) * (0.5 + rand.Float64()*0.5))
	}
	return d
}
