package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/fleetwatch/fleetwatch/core"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreaker guards an outbound dependency. After threshold
// consecutive failures the circuit opens for the sleep window, then
// admits a limited number of probes before closing again.
type CircuitBreaker struct {
	name             string
	threshold        int
	sleepWindow      time.Duration
	halfOpenRequests int
	logger           core.Logger

	mu           sync.Mutex
	state        breakerState
	failures     int
	openedAt     time.Time
	probeCount   int
	probeSuccess int
}

// NewCircuitBreaker builds a breaker from the shared configuration.
// A disabled config returns nil; Execute on a nil breaker calls fn
// directly.
func NewCircuitBreaker(name string, cfg core.CircuitBreakerConfig, logger core.Logger) *CircuitBreaker {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	threshold := cfg.Threshold
	if threshold < 1 {
		threshold = 5
	}
	sleep := cfg.SleepWindow
	if sleep <= 0 {
		sleep = 30 * time.Second
	}
	probes := cfg.HalfOpenRequests
	if probes < 1 {
		probes = 1
	}
	return &CircuitBreaker{
		name:             name,
		threshold:        threshold,
		sleepWindow:      sleep,
		halfOpenRequests: probes,
		logger:           logger,
	}
}

// Execute runs fn under the breaker's admission control.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if cb == nil {
		return fn()
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case stateClosed:
		return nil
	case stateOpen:
		if time.Since(cb.openedAt) < cb.sleepWindow {
			return fmt.Errorf("%s: %w", cb.name, core.ErrCircuitBreakerOpen)
		}
		cb.state = stateHalfOpen
		cb.probeCount = 0
		cb.probeSuccess = 0
		cb.logger.Info("Circuit breaker half-open", map[string]interface{}{
			"operation": "circuit_breaker",
			"breaker":   cb.name,
		})
		return nil
	default: // half-open
		if cb.probeCount >= cb.halfOpenRequests {
			return fmt.Errorf("%s: %w", cb.name, core.ErrCircuitBreakerOpen)
		}
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == stateHalfOpen {
		cb.probeCount++
		if err != nil {
			cb.open()
			return
		}
		cb.probeSuccess++
		if cb.probeSuccess >= cb.halfOpenRequests {
			cb.state = stateClosed
			cb.failures = 0
			cb.logger.Info("Circuit breaker closed", map[string]interface{}{
				"operation": "circuit_breaker",
				"breaker":   cb.name,
			})
		}
		return
	}

	if err == nil {
		cb.failures = 0
		return
	}
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.open()
	}
}

// open transitions to the open state. Caller holds the mutex.
func (cb *CircuitBreaker) open() {
	cb.state = stateOpen
	cb.openedAt = time.Now()
	cb.failures = 0
	cb.logger.Warn("Circuit breaker opened", map[string]interface{}{
		"operation": "circuit_breaker",
		"breaker":   cb.name,
	})
}
