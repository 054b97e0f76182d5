// Package retry provides bounded exponential backoff with jitter for
// individual backend calls.
package retry

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
)

// Default retry configuration constants.
const (
	// DefaultMaxAttempts is the total number of invocations, first try included.
	DefaultMaxAttempts = 3

	// DefaultBaseDelay is the delay before the first retry.
	DefaultBaseDelay = time.Second

	// DefaultMaxJitter bounds the random delay added to every backoff.
	DefaultMaxJitter = time.Second

	// DefaultMaxDelay caps a single backoff.
	DefaultMaxDelay = 30 * time.Second
)

// Config contains retry configuration parameters.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxJitter   time.Duration
	MaxDelay    time.Duration
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxJitter:   DefaultMaxJitter,
		MaxDelay:    DefaultMaxDelay,
	}
}

// GetMaxAttempts returns the effective attempt bound.
func (c *Config) GetMaxAttempts() int {
	if c == nil || c.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return c.MaxAttempts
}

// GetBaseDelay returns the effective base delay.
func (c *Config) GetBaseDelay() time.Duration {
	if c == nil || c.BaseDelay <= 0 {
		return DefaultBaseDelay
	}
	return c.BaseDelay
}

// GetMaxJitter returns the effective jitter bound. Zero disables jitter.
func (c *Config) GetMaxJitter() time.Duration {
	if c == nil || c.MaxJitter < 0 {
		return DefaultMaxJitter
	}
	return c.MaxJitter
}

// GetMaxDelay returns the effective backoff cap.
func (c *Config) GetMaxDelay() time.Duration {
	if c == nil || c.MaxDelay <= 0 {
		return DefaultMaxDelay
	}
	return c.MaxDelay
}

// JitterFunc returns a random duration in [0, limit].
type JitterFunc func(limit time.Duration) time.Duration

// NewJitter returns a JitterFunc drawing from a PCG source seeded with
// seed. The same seed yields the same sequence; safe for concurrent use.
func NewJitter(seed uint64) JitterFunc {
	var mu sync.Mutex
	//nolint:gosec // jitter for retry timing is not security-sensitive
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return func(limit time.Duration) time.Duration {
		if limit <= 0 {
			return 0
		}
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Int64N(int64(limit) + 1))
	}
}

func defaultJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	//nolint:gosec // jitter for retry timing is not security-sensitive
	return time.Duration(rand.Int64N(int64(limit) + 1))
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// ShouldRetryFunc determines if an error should trigger a retry.
type ShouldRetryFunc func(error) bool

// OnRetryFunc is called before each backoff wait.
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Options contains optional retry behavior configuration.
type Options struct {
	// ShouldRetry defaults to apierror.IsRetryable.
	ShouldRetry ShouldRetryFunc

	// OnRetry is called before each retry attempt.
	OnRetry OnRetryFunc

	// Jitter defaults to the global math/rand/v2 source.
	Jitter JitterFunc
}

// Do invokes fn until it succeeds, returns a non-retryable error, or
// cfg.MaxAttempts invocations have been made; the last error is returned.
// A cancelled context aborts the wait between attempts.
func Do(ctx context.Context, cfg *Config, fn Func, opts *Options) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	shouldRetry := ShouldRetryFunc(apierror.IsRetryable)
	jitter := JitterFunc(defaultJitter)
	var onRetry OnRetryFunc
	if opts != nil {
		if opts.ShouldRetry != nil {
			shouldRetry = opts.ShouldRetry
		}
		if opts.Jitter != nil {
			jitter = opts.Jitter
		}
		onRetry = opts.OnRetry
	}

	maxAttempts := cfg.GetMaxAttempts()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return nil
		}

		if attempt == maxAttempts || !shouldRetry(lastErr) {
			return lastErr
		}

		backoff := Backoff(attempt, cfg.GetBaseDelay(), cfg.GetMaxDelay(), jitter(cfg.GetMaxJitter()))
		if onRetry != nil {
			onRetry(attempt, lastErr, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// Backoff returns base * 2^(attempt-1) + jitter, capped at maxDelay.
func Backoff(attempt int, base, maxDelay, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	delay += jitter

	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
