package store

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/tenantgw/internal/observability"
)

// FallbackConfig configures a FallbackStore.
type FallbackConfig struct {
	// FailureThreshold is the number of consecutive primary failures that
	// divert traffic to the fallback.
	FailureThreshold uint32

	// RecoveryTimeout is how long the fallback is used before the primary
	// is tried again.
	RecoveryTimeout time.Duration

	Logger observability.Logger
}

// FallbackStore counts in primary while it is healthy and in fallback
// while a breaker around primary is open.
type FallbackStore struct {
	primary  Store
	fallback Store
	cb       *gobreaker.CircuitBreaker
	logger   observability.Logger
}

// NewFallbackStore wraps primary with a breaker that diverts to fallback.
func NewFallbackStore(primary, fallback Store, cfg FallbackConfig) *FallbackStore {
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NopLogger()
	}
	logger := cfg.Logger.With(observability.String("component", "ratelimit-store"))

	settings := gobreaker.Settings{
		Name:        "ratelimit-store",
		MaxRequests: 1,
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rate limit store breaker state changed",
				observability.String("name", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()),
			)
		},
	}

	return &FallbackStore{
		primary:  primary,
		fallback: fallback,
		cb:       gobreaker.NewCircuitBreaker(settings),
		logger:   logger,
	}
}

// Increment implements Store.
func (s *FallbackStore) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	v, err := s.cb.Execute(func() (interface{}, error) {
		return s.primary.Increment(ctx, key, ttl)
	})
	if err == nil {
		return v.(int64), nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	if !errors.Is(err, gobreaker.ErrOpenState) && !errors.Is(err, gobreaker.ErrTooManyRequests) {
		s.logger.Debug("primary rate limit store failed, using fallback", observability.Error(err))
	}
	return s.fallback.Increment(ctx, key, ttl)
}

// Degraded reports whether the primary is currently bypassed.
func (s *FallbackStore) Degraded() bool {
	return s.cb.State() == gobreaker.StateOpen
}

// Close closes both stores.
func (s *FallbackStore) Close() error {
	return errors.Join(s.primary.Close(), s.fallback.Close())
}
