package circuitbreaker

import (
	"context"
	"sort"
	"sync"

	"github.com/vyrodovalexey/tenantgw/internal/observability"
)

// Registry holds one breaker per service. Breakers are created lazily on
// first use and never removed.
type Registry struct {
	breakers sync.Map
	config   *Config
	logger   observability.Logger
	metrics  *observability.Metrics
}

// NewRegistry creates a new circuit breaker registry.
func NewRegistry(config *Config, logger observability.Logger, metrics *observability.Metrics) *Registry {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &Registry{
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Get returns the breaker for service, or nil if none exists yet.
func (r *Registry) Get(service string) *CircuitBreaker {
	value, ok := r.breakers.Load(service)
	if !ok {
		return nil
	}
	return value.(*CircuitBreaker)
}

// GetOrCreate returns the breaker for service, creating it if needed.
func (r *Registry) GetOrCreate(service string) *CircuitBreaker {
	if value, ok := r.breakers.Load(service); ok {
		return value.(*CircuitBreaker)
	}

	cb := NewCircuitBreaker(service, r.config, r.logger, r.metrics)

	actual, loaded := r.breakers.LoadOrStore(service, cb)
	if loaded {
		return actual.(*CircuitBreaker)
	}

	r.logger.Debug("created circuit breaker", observability.String("service", service))

	return cb
}

// Execute runs op through the breaker for service.
func (r *Registry) Execute(ctx context.Context, service string, op func(ctx context.Context) error) error {
	return r.GetOrCreate(service).Execute(ctx, op)
}

// Stats returns a snapshot of every breaker, sorted by service name.
func (r *Registry) Stats() []Stats {
	var stats []Stats
	r.breakers.Range(func(_, value any) bool {
		stats = append(stats, value.(*CircuitBreaker).Stats())
		return true
	})
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].Service < stats[j].Service
	})
	return stats
}
