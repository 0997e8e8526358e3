// Package resilience wraps outbound calls (portal fetches, voice
// calls, bridge writes) with retry and circuit-breaker protection.
package resilience

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/fleetwatch/fleetwatch/core"
)

// Retry runs fn with exponential backoff and jitter. Only errors that
// core.IsRetryable recognizes are retried; anything else surfaces
// immediately. Context cancellation stops the loop between attempts.
func Retry(ctx context.Context, cfg core.RetryConfig, logger core.Logger, op string, fn func() error) error {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	interval := cfg.InitialInterval
	if interval <= 0 {
		interval = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !core.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		backoff := jitter(interval)
		logger.Warn("Operation failed, retrying", map[string]interface{}{
			"operation":  op,
			"attempt":    attempt,
			"backoff_ms": backoff.Milliseconds(),
			"error":      lastErr.Error(),
		})

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %v: %w", op, ctx.Err(), core.ErrContextCanceled)
		case <-time.After(backoff):
		}

		interval = time.Duration(float64(interval) * multiplier(cfg))
		if cfg.MaxInterval > 0 && interval > cfg.MaxInterval {
			interval = cfg.MaxInterval
		}
	}

	return fmt.Errorf("%s after %d attempts: %v: %w", op, attempts, lastErr, core.ErrMaxRetriesExceeded)
}

func multiplier(cfg core.RetryConfig) float64 {
	if cfg.Multiplier > 1 {
		return cfg.Multiplier
	}
	return 2.0
}

// jitter spreads the backoff over [interval/2, interval) so parallel
// retriers do not synchronize against the same endpoint.
func jitter(interval time.Duration) time.Duration {
	half := interval / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
