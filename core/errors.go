package core

import (
	"errors"
	"fmt"
)

// Standard sentinel errors for comparison using errors.Is()
// These are generic errors that can be wrapped with additional context
var (
	// Pipeline state errors
	ErrAlreadyRunning = errors.New("cycle already running")
	ErrNotInitialized = errors.New("not initialized")

	// Storage bridge errors
	ErrUnauthorized = errors.New("unauthorized")
	ErrConflict     = errors.New("duplicate key")
	ErrNotFound     = errors.New("record not found")
	ErrTransport    = errors.New("transport failure")

	// Configuration errors
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrMissingConfiguration = errors.New("missing required configuration")

	// Operation errors
	ErrTimeout            = errors.New("operation timeout")
	ErrContextCanceled    = errors.New("context canceled")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// Resilience errors
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

	// Fetcher errors
	ErrNoAccessToken      = errors.New("share link has no access token")
	ErrProviderNoURL      = errors.New("provider has no url")
	ErrUnsupportedPayload = errors.New("unsupported payload shape")
)

// ServiceError provides structured error information with context
// It implements the error interface and supports error wrapping
type ServiceError struct {
	Op      string // Operation that failed (e.g., "storage.Query")
	Kind    string // Error kind (e.g., "storage", "fetch", "escalation")
	ID      string // Optional ID of the entity involved
	Message string // Human-readable message
	Err     error  // Underlying error for wrapping
}

// Error returns the string representation of the error
func (e *ServiceError) Error() string {
	if e.Op != "" && e.Err != nil {
		if e.ID != "" {
			return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
		}
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s error", e.Kind)
}

// Unwrap returns the underlying error for use with errors.Is/As
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError creates a new ServiceError
func NewServiceError(op, kind string, err error) *ServiceError {
	return &ServiceError{
		Op:   op,
		Kind: kind,
		Err:  err,
	}
}

// IsRetryable checks if an error is retryable
// Retryable errors are typically transient network or availability issues
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnauthorized)
}

// IsConflict checks if an error represents a duplicate-key condition.
// Idempotent writers (coordinate dedup, escalation-number sync) swallow these.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound checks if an error represents a "not found" condition
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConfigurationError checks if an error is configuration-related
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrInvalidConfiguration) ||
		errors.Is(err, ErrMissingConfiguration)
}
