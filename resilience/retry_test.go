package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/fleetwatch/fleetwatch/core"
)

func retryConfig() core.RetryConfig {
	return core.RetryConfig{
		MaxAttempts:     3,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), retryConfig(), nil, "test", func() error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("flaky: %w", core.ErrTransport)
		}
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), retryConfig(), nil, "test", func() error {
		attempts++
		return fmt.Errorf("bad request: %w", core.ErrNotFound)
	})
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustion(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), retryConfig(), nil, "test", func() error {
		attempts++
		return fmt.Errorf("down: %w", core.ErrTransport)
	})
	assert.ErrorIs(t, err, core.ErrMaxRetriesExceeded)
	assert.Equal(t, 3, attempts)
}

func TestRetryCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, retryConfig(), nil, "test", func() error {
		return fmt.Errorf("down: %w", core.ErrTimeout)
	})
	assert.ErrorIs(t, err, core.ErrContextCanceled)
}

func TestCircuitBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("portal", core.CircuitBreakerConfig{
		Enabled:          true,
		Threshold:        2,
		SleepWindow:      time.Hour,
		HalfOpenRequests: 1,
	}, nil)

	failing := errors.New("down")
	assert.Error(t, cb.Execute(func() error { return failing }))
	assert.Error(t, cb.Execute(func() error { return failing }))

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
}

func TestCircuitBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker("portal", core.CircuitBreakerConfig{
		Enabled:          true,
		Threshold:        1,
		SleepWindow:      time.Millisecond,
		HalfOpenRequests: 1,
	}, nil)

	assert.Error(t, cb.Execute(func() error { return errors.New("down") }))
	time.Sleep(5 * time.Millisecond)

	// Probe succeeds, breaker closes again.
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.NoError(t, cb.Execute(func() error { return nil }))
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker("portal", core.CircuitBreakerConfig{
		Enabled:          true,
		Threshold:        1,
		SleepWindow:      50 * time.Millisecond,
		HalfOpenRequests: 1,
	}, nil)

	assert.Error(t, cb.Execute(func() error { return errors.New("down") }))
	time.Sleep(60 * time.Millisecond)
	assert.Error(t, cb.Execute(func() error { return errors.New("still down") }))

	err := cb.Execute(func() error { return nil })
	assert.ErrorIs(t, err, core.ErrCircuitBreakerOpen)
}

func TestDisabledBreakerIsNil(t *testing.T) {
	cb := NewCircuitBreaker("portal", core.CircuitBreakerConfig{Enabled: false}, nil)
	assert.Nil(t, cb)
	assert.NoError(t, cb.Execute(func() error { return nil }))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("portal", core.CircuitBreakerConfig{
		Enabled:          true,
		Threshold:        2,
		SleepWindow:      time.Hour,
		HalfOpenRequests: 1,
	}, nil)

	assert.Error(t, cb.Execute(func() error { return errors.New("down") }))
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Error(t, cb.Execute(func() error { return errors.New("down") }))

	// Still closed: the success in between reset the streak.
	assert.NoError(t, cb.Execute(func() error { return nil }))
}
