// Package util provides shared types and helpers for the gateway.
//
// # Error Conventions
//
// Errors follow one pattern across all packages:
//
//   - Sentinel errors (errors.New) for well-known, stable conditions
//     that callers check with errors.Is(). Example: ErrCircuitOpen.
//   - Structured error types for context-rich errors that carry
//     additional fields (e.g., ConfigError, UpstreamError). Each type
//     implements Error(), Unwrap() (if wrapping), and Is().
//   - fmt.Errorf with %w for ad-hoc wrapping.
//
// Classification into the client-facing taxonomy happens in the
// apierror package; nothing here knows about HTTP status codes except
// UpstreamError, which records what a backend answered.
package util

import (
	"errors"
	"fmt"
)

// Common sentinel errors.
var (
	ErrNotFound       = errors.New("not found")
	ErrCircuitOpen    = errors.New("circuit breaker open")
	ErrNoHealthyAddrs = errors.New("no healthy addresses")
	ErrConfigInvalid  = errors.New("invalid configuration")

	// Authentication and authorization outcomes reported by upstream
	// auth middleware or backends.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenExpired       = errors.New("token expired")
	ErrForbidden          = errors.New("forbidden")
	ErrTenantMismatch     = errors.New("tenant mismatch")
)

// ConfigError represents a configuration-related error.
type ConfigError struct {
	Field   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error at %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// Unwrap returns the underlying error.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *ConfigError) Is(target error) bool {
	if target == ErrConfigInvalid {
		return true
	}
	_, ok := target.(*ConfigError)
	return ok
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

// NewConfigErrorWithCause creates a new ConfigError with a cause.
func NewConfigErrorWithCause(field, message string, cause error) *ConfigError {
	return &ConfigError{Field: field, Message: message, Cause: cause}
}

// UpstreamError records a backend that answered with a server error.
// The response itself is relayed to the client untouched; this value only
// exists so the circuit breaker can count the failure.
type UpstreamError struct {
	Service    string
	StatusCode int
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream %s responded with status %d", e.Service, e.StatusCode)
}

// Is checks if the error matches the target.
func (e *UpstreamError) Is(target error) bool {
	_, ok := target.(*UpstreamError)
	return ok
}

// NewUpstreamError creates a new UpstreamError.
func NewUpstreamError(service string, statusCode int) *UpstreamError {
	return &UpstreamError{Service: service, StatusCode: statusCode}
}

// IsUpstreamError reports whether err carries a relayed backend response.
func IsUpstreamError(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}
