// Package circuitbreaker isolates failing backend services. Each service
// gets its own breaker, created on first use and kept for the life of the
// process.
package circuitbreaker

import (
	"time"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
)

// Default thresholds.
const (
	DefaultFailureThreshold = 5
	DefaultResetTimeout     = 60 * time.Second
	DefaultSuccessThreshold = 3
)

// Config holds configuration for a circuit breaker.
type Config struct {
	// FailureThreshold is the number of counted failures in CLOSED that
	// opens the circuit.
	FailureThreshold int

	// ResetTimeout is how long the circuit stays OPEN, measured from the
	// most recent failure, before a trial call is let through.
	ResetTimeout time.Duration

	// SuccessThreshold is the number of HALF_OPEN successes that close
	// the circuit again.
	SuccessThreshold int

	// IsFailure decides whether an operation error counts against the
	// breaker. Defaults to apierror.CountsAsFailure.
	IsFailure func(err error) bool

	// OnStateChange is called synchronously, under the breaker lock, on
	// every transition. It must not call back into the breaker.
	OnStateChange func(service string, from, to State)

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold: DefaultFailureThreshold,
		ResetTimeout:     DefaultResetTimeout,
		SuccessThreshold: DefaultSuccessThreshold,
	}
}

// Validate fills invalid or missing values with defaults.
func (c *Config) Validate() {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	if c.SuccessThreshold < 1 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.IsFailure == nil {
		c.IsFailure = apierror.CountsAsFailure
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// WithFailureThreshold sets the failure threshold.
func (c *Config) WithFailureThreshold(n int) *Config {
	c.FailureThreshold = n
	return c
}

// WithResetTimeout sets the reset timeout.
func (c *Config) WithResetTimeout(d time.Duration) *Config {
	c.ResetTimeout = d
	return c
}

// WithSuccessThreshold sets the success threshold.
func (c *Config) WithSuccessThreshold(n int) *Config {
	c.SuccessThreshold = n
	return c
}

// WithClock sets the clock used for timeout decisions.
func (c *Config) WithClock(now func() time.Time) *Config {
	c.Now = now
	return c
}
