// Package apierror defines the gateway's client-facing error taxonomy, the
// classifier that maps arbitrary failures onto it, and the responder that
// writes the uniform error envelope.
package apierror

import (
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"time"
)

// Kind is a member of the fixed error taxonomy.
type Kind string

// Error kinds.
const (
	KindValidation         Kind = "ValidationError"
	KindAuthentication     Kind = "AuthenticationError"
	KindAuthorization      Kind = "AuthorizationError"
	KindTenantIsolation    Kind = "TenantIsolationError"
	KindServiceUnavailable Kind = "ServiceUnavailableError"
	KindNetwork            Kind = "NetworkError"
	KindRateLimit          Kind = "RateLimitError"
	KindDatabase           Kind = "DatabaseError"
	KindInternal           Kind = "InternalError"
	KindRouteNotFound      Kind = "RouteNotFoundError"
)

// Severity drives the log level used when an error is reported.
type Severity string

// Severities.
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Stable machine-readable codes.
const (
	CodeServiceOffline   = "SERVICE_OFFLINE"
	CodeServiceTimeout   = "SERVICE_TIMEOUT"
	CodeServiceNotFound  = "SERVICE_NOT_FOUND"
	CodeNetworkError     = "NETWORK_ERROR"
	CodeRequestCancelled = "REQUEST_CANCELLED"
	CodeInvalidPayload   = "INVALID_PAYLOAD"
	CodeUnauthenticated  = "UNAUTHENTICATED"
	CodeTokenExpired     = "TOKEN_EXPIRED"
	CodeForbidden        = "FORBIDDEN"
	CodeTenantMismatch   = "TENANT_MISMATCH"
	CodeRateLimited      = "RATE_LIMITED"
	CodeDatabaseError    = "DATABASE_ERROR"
	CodeInternalError    = "INTERNAL_ERROR"
	CodeRouteNotFound    = "ROUTE_NOT_FOUND"
)

type kindSpec struct {
	status   int
	severity Severity
}

var kinds = map[Kind]kindSpec{
	KindValidation:         {http.StatusBadRequest, SeverityLow},
	KindAuthentication:     {http.StatusUnauthorized, SeverityMedium},
	KindAuthorization:      {http.StatusForbidden, SeverityMedium},
	KindTenantIsolation:    {http.StatusForbidden, SeverityHigh},
	KindServiceUnavailable: {http.StatusServiceUnavailable, SeverityHigh},
	KindNetwork:            {http.StatusServiceUnavailable, SeverityHigh},
	KindRateLimit:          {http.StatusTooManyRequests, SeverityMedium},
	KindDatabase:           {http.StatusInternalServerError, SeverityHigh},
	KindInternal:           {http.StatusInternalServerError, SeverityCritical},
	KindRouteNotFound:      {http.StatusNotFound, SeverityLow},
}

// StatusCode returns the HTTP status for k.
func (k Kind) StatusCode() int {
	if s, ok := kinds[k]; ok {
		return s.status
	}
	return http.StatusInternalServerError
}

// Severity returns the severity for k.
func (k Kind) Severity() Severity {
	if s, ok := kinds[k]; ok {
		return s.severity
	}
	return SeverityCritical
}

// IsClientError reports whether k is caused by the caller rather than by
// a backend. Such errors are never retried and never trip a breaker.
func (k Kind) IsClientError() bool {
	switch k {
	case KindValidation, KindAuthentication, KindAuthorization:
		return true
	default:
		return false
	}
}

// Error is a classified failure. Status and severity are fixed by Kind.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	StatusCode int
	Severity   Severity
	Details    map[string]any
	Timestamp  time.Time
	Cause      error
	Stack      string
}

// New creates an Error of the given kind.
func New(kind Kind, code, message string) *Error {
	return &Error{
		Kind:       kind,
		Code:       code,
		Message:    message,
		StatusCode: kind.StatusCode(),
		Severity:   kind.Severity(),
		Timestamp:  time.Now().UTC(),
	}
}

// Wrap creates an Error of the given kind that keeps cause for errors.Is.
func Wrap(kind Kind, code, message string, cause error) *Error {
	e := New(kind, code, message)
	e.Cause = cause
	return e
}

// WithDetails attaches structured details and returns e.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%s): %s: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error of the same kind and code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Code == "" || t.Code == e.Code)
}

// ServiceUnavailable builds a 503 for a service that cannot be reached.
func ServiceUnavailable(code, service string, cause error) *Error {
	e := Wrap(KindServiceUnavailable, code, fmt.Sprintf("service %q is unavailable", service), cause)
	e.Details = map[string]any{"service": service}
	return e
}

// RouteNotFound builds the 404 returned when no route prefix matches.
func RouteNotFound(path string, known []string) *Error {
	return New(KindRouteNotFound, CodeRouteNotFound, fmt.Sprintf("no route matches %s", path)).
		WithDetails(map[string]any{"availableRoutes": known})
}

// RateLimited builds the 429 returned by the rate limiter.
func RateLimited(tier string, retryAfter time.Duration) *Error {
	return New(KindRateLimit, CodeRateLimited, "too many requests, please try again later").
		WithDetails(map[string]any{
			"tier":              tier,
			"retryAfterSeconds": int((retryAfter + time.Second - 1) / time.Second),
		})
}

// Internal builds an InternalError carrying the current stack, used for
// recovered panics.
func Internal(cause error) *Error {
	e := Wrap(KindInternal, CodeInternalError, "internal server error", cause)
	e.Stack = string(debug.Stack())
	return e
}

// KindOf returns the kind of err after classification.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err).Kind
}
