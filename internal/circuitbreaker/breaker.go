package circuitbreaker

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed lets every call through.
	StateClosed State = iota

	// StateHalfOpen lets trial calls through to probe recovery.
	StateHalfOpen

	// StateOpen rejects calls without invoking them.
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText renders the state for JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// CircuitBreaker guards calls to one backend service.
type CircuitBreaker struct {
	service string
	config  Config
	logger  observability.Logger
	metrics *observability.Metrics

	mu              sync.Mutex
	state           State
	failureCount    int
	halfOpenSuccess int
	lastFailureAt   time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a CLOSED breaker for service.
func NewCircuitBreaker(
	service string,
	config *Config,
	logger observability.Logger,
	metrics *observability.Metrics,
) *CircuitBreaker {
	cfg := DefaultConfig()
	if config != nil {
		cfg = config
	}
	c := *cfg
	c.Validate()

	if logger == nil {
		logger = observability.NopLogger()
	}

	metrics.SetCircuitBreakerState(service, int(StateClosed))

	return &CircuitBreaker{
		service:         service,
		config:          c,
		logger:          logger,
		metrics:         metrics,
		state:           StateClosed,
		lastStateChange: c.Now(),
	}
}

// Execute runs op unless the circuit is OPEN. The operation's own error is
// returned unchanged; only a short-circuit synthesizes ServiceUnavailable.
func (cb *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !cb.Allow() {
		return apierror.ServiceUnavailable(apierror.CodeServiceOffline, cb.service, util.ErrCircuitOpen)
	}

	err := op(ctx)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case cb.config.IsFailure(err):
		cb.RecordFailure()
	case ctx.Err() == nil:
		// A client-caused error still means the backend answered.
		cb.RecordSuccess()
	}

	return err
}

// Allow reports whether a call may proceed, moving OPEN to HALF_OPEN once
// the reset timeout has elapsed since the last failure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.config.Now().Sub(cb.lastFailureAt) < cb.config.ResetTimeout {
			return false
		}
		cb.transitionTo(StateHalfOpen)
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != StateHalfOpen {
		return
	}

	cb.halfOpenSuccess++
	if cb.halfOpenSuccess >= cb.config.SuccessThreshold {
		cb.transitionTo(StateClosed)
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureAt = cb.config.Now()

	switch cb.state {
	case StateClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		cb.failureCount++
		cb.transitionTo(StateOpen)
	}
}

// transitionTo must be called with cb.mu held.
func (cb *CircuitBreaker) transitionTo(newState State) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	cb.lastStateChange = cb.config.Now()

	switch newState {
	case StateClosed:
		cb.failureCount = 0
		cb.halfOpenSuccess = 0
	case StateHalfOpen:
		cb.halfOpenSuccess = 0
	}

	cb.metrics.SetCircuitBreakerState(cb.service, int(newState))
	cb.metrics.RecordCircuitBreakerTransition(cb.service, oldState.String(), newState.String())

	fields := []observability.Field{
		observability.String("service", cb.service),
		observability.String("from", oldState.String()),
		observability.String("to", newState.String()),
		observability.Int("failure_count", cb.failureCount),
	}
	if newState == StateOpen {
		cb.logger.Warn("circuit breaker opened", fields...)
	} else {
		cb.logger.Info("circuit breaker state changed", fields...)
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.service, oldState, newState)
	}
}

// State returns the current state without advancing it.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Service returns the name of the guarded service.
func (cb *CircuitBreaker) Service() string {
	return cb.service
}

// Reset forces the breaker back to CLOSED.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionTo(StateClosed)
}

// Stats is a point-in-time snapshot of a breaker.
type Stats struct {
	Service                string    `json:"service"`
	State                  State     `json:"state"`
	FailureCount           int       `json:"failureCount"`
	SuccessCountInHalfOpen int       `json:"successCountInHalfOpen"`
	LastFailureAt          time.Time `json:"lastFailureAt"`
	LastStateChange        time.Time `json:"lastStateChange"`
}

// Stats returns the current statistics of the breaker.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Service:                cb.service,
		State:                  cb.state,
		FailureCount:           cb.failureCount,
		SuccessCountInHalfOpen: cb.halfOpenSuccess,
		LastFailureAt:          cb.lastFailureAt,
		LastStateChange:        cb.lastStateChange,
	}
}
