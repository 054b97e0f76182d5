package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
	"github.com/vyrodovalexey/tenantgw/internal/backend"
	"github.com/vyrodovalexey/tenantgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tenantgw/internal/config"
	"github.com/vyrodovalexey/tenantgw/internal/gateway"
	"github.com/vyrodovalexey/tenantgw/internal/health"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/proxy"
	"github.com/vyrodovalexey/tenantgw/internal/ratelimit"
	"github.com/vyrodovalexey/tenantgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/tenantgw/internal/registry"
	"github.com/vyrodovalexey/tenantgw/internal/retry"
	"github.com/vyrodovalexey/tenantgw/internal/router"
)

// memoryCleanupInterval is how often expired in-memory buckets are swept.
const memoryCleanupInterval = time.Minute

// application holds all long-lived components.
type application struct {
	logger  observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	registry    registry.Registry
	coordinated *registry.CoordinatedRegistry
	balancer    *backend.RoundRobinBalancer
	breakers    *circuitbreaker.Registry
	routes      *router.Router

	limitStore store.Store
	gate       *ratelimit.Gate

	gateway *gateway.Gateway

	mu        sync.Mutex
	cfg       *config.Config
	announced []config.Instance
}

// newApplication wires every component from cfg. Nothing is started.
func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	app := &application{cfg: cfg, logger: logger}

	if cfg.Metrics.IsEnabled() {
		app.metrics = observability.NewMetrics(cfg.Metrics.Namespace)
		app.metrics.SetBuildInfo(version)
	}

	tracer, err := observability.NewTracer(observability.TracerConfig{
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SamplingRate: cfg.Tracing.SamplingRate,
		Enabled:      cfg.Tracing.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	app.tracer = tracer

	table, err := router.NewTable(router.FromConfig(cfg.Routes))
	if err != nil {
		return nil, fmt.Errorf("failed to build route table: %w", err)
	}
	app.routes = router.New(table)

	if err := app.initRegistry(cfg); err != nil {
		return nil, err
	}

	app.breakers = circuitbreaker.NewRegistry(breakerConfig(cfg.CircuitBreaker), logger, app.metrics)
	responder := apierror.NewResponder(logger, cfg.Server.Debug)

	px := proxy.New(proxyConfig(cfg), app.routes, app.balancer, app.breakers,
		proxy.WithLogger(logger),
		proxy.WithMetrics(app.metrics),
		proxy.WithTracer(app.tracer),
		proxy.WithResponder(responder),
	)

	if cfg.RateLimit.IsEnabled() {
		if err := app.initRateLimit(cfg, table, responder); err != nil {
			return nil, err
		}
	}

	prober := health.NewProber(app.registry, health.ProberOptions{
		Timeout: cfg.Upstream.ProbeTimeout.Duration(),
		Logger:  logger,
		Metrics: app.metrics,
	})

	gw, err := gateway.New(gateway.Config{
		Address:         cfg.Server.Address(),
		ReadTimeout:     cfg.Server.ReadTimeout.Duration(),
		WriteTimeout:    cfg.Server.WriteTimeout.Duration(),
		IdleTimeout:     cfg.Server.IdleTimeout.Duration(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration(),
		TrustedProxies:  cfg.Server.TrustedProxies,
		MetricsPath:     cfg.Metrics.Path,
	}, gateway.Deps{
		Proxy:     px,
		Router:    app.routes,
		Registry:  app.registry,
		Endpoints: app.balancer,
		Breakers:  app.breakers,
		Gate:      app.gate,
		Checker:   health.NewChecker(version),
		Prober:    prober,
		Responder: responder,
		Logger:    logger,
		Metrics:   app.metrics,
		Tracer:    app.tracer,
	})
	if err != nil {
		_ = app.closeStore()
		return nil, fmt.Errorf("failed to create gateway: %w", err)
	}
	app.gateway = gw

	return app, nil
}

// initRegistry selects the static or coordinated registry and builds the
// balancer over it. A refresh that changes a service's addresses clears
// that service's unhealthy marks.
func (a *application) initRegistry(cfg *config.Config) error {
	if !cfg.Discovery.Enabled {
		a.registry = registry.NewStatic(cfg.Services)
		a.balancer = newBalancer(a.registry, cfg, a.logger)
		return nil
	}

	coordinator, err := registry.NewConsulCoordinator(registry.ConsulConfig{
		Address:    cfg.Discovery.Address,
		Datacenter: cfg.Discovery.Datacenter,
		Token:      cfg.Discovery.Token,
		Tag:        cfg.Discovery.Tag,
		Scheme:     cfg.Discovery.Scheme,
	})
	if err != nil {
		return err
	}

	a.coordinated = registry.NewCoordinated(cfg.Services, coordinator, registry.Options{
		RefreshInterval: cfg.Discovery.RefreshInterval.Duration(),
		QueryRate:       cfg.Discovery.QueryRate,
		Services:        cfg.RouteServices(),
		Logger:          a.logger,
		Metrics:         a.metrics,
		OnRefresh: func(changed []string) {
			a.balancer.Reinstate(changed...)
		},
	})
	a.registry = a.coordinated
	a.balancer = newBalancer(a.registry, cfg, a.logger)
	return nil
}

func newBalancer(src backend.AddressSource, cfg *config.Config, logger observability.Logger) *backend.RoundRobinBalancer {
	return backend.NewRoundRobinBalancer(src,
		backend.WithUnhealthyCooldown(cfg.Upstream.UnhealthyCooldown.Duration()),
		backend.WithLogger(logger),
	)
}

func (a *application) initRateLimit(cfg *config.Config, table *router.Table, responder *apierror.Responder) error {
	resolver, err := ratelimit.NewTierResolver(tiersFromConfig(cfg.RateLimit.Tiers), table.TierTags())
	if err != nil {
		return fmt.Errorf("failed to build rate limit tiers: %w", err)
	}

	st, err := newLimitStore(cfg.RateLimit, a.logger)
	if err != nil {
		return err
	}
	a.limitStore = st

	a.gate = ratelimit.NewGate(ratelimit.GateConfig{
		Limiter:   ratelimit.NewLimiter(st),
		Resolver:  resolver,
		Responder: responder,
		Logger:    a.logger,
		Metrics:   a.metrics,
		SkipPaths: cfg.RateLimit.SkipPaths,
	})
	return nil
}

// newLimitStore builds the bucket store. The Redis store is shared by
// every replica and falls back to local memory while Redis is failing.
func newLimitStore(cfg config.RateLimitConfig, logger observability.Logger) (store.Store, error) {
	memory := store.NewMemoryStore(memoryCleanupInterval)
	if cfg.Store != config.StoreRedis {
		return memory, nil
	}

	redisCfg := store.DefaultRedisConfig()
	redisCfg.Address = cfg.Redis.Address
	redisCfg.Password = cfg.Redis.Password
	redisCfg.DB = cfg.Redis.DB
	if cfg.Redis.Prefix != "" {
		redisCfg.Prefix = cfg.Redis.Prefix
	}

	rs, err := store.NewRedisStore(redisCfg)
	if err != nil {
		_ = memory.Close()
		return nil, fmt.Errorf("failed to create redis store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisCfg.DialTimeout)
	defer cancel()
	if err := rs.Ping(ctx); err != nil {
		logger.Warn("redis rate limit store unreachable, counting locally until it recovers",
			observability.String("address", redisCfg.Address),
			observability.Error(err),
		)
	}

	return store.NewFallbackStore(rs, memory, store.FallbackConfig{Logger: logger}), nil
}

// tiersFromConfig converts configured tiers, ordered by name.
func tiersFromConfig(tiers map[string]config.TierConfig) []ratelimit.Tier {
	out := make([]ratelimit.Tier, 0, len(tiers))
	for name, tc := range tiers {
		out = append(out, ratelimit.Tier{
			Name:         name,
			Window:       tc.Window.Duration(),
			Max:          tc.Max,
			PathPrefixes: tc.PathPrefixes,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func breakerConfig(cfg config.CircuitBreakerConfig) *circuitbreaker.Config {
	return circuitbreaker.DefaultConfig().
		WithFailureThreshold(cfg.FailureThreshold).
		WithResetTimeout(cfg.ResetTimeout.Duration()).
		WithSuccessThreshold(cfg.SuccessThreshold)
}

func proxyConfig(cfg *config.Config) proxy.Config {
	return proxy.Config{
		ConnectTimeout:      cfg.Upstream.ConnectTimeout.Duration(),
		ResponseTimeout:     cfg.Upstream.ResponseTimeout.Duration(),
		MaxIdleConnsPerHost: cfg.Upstream.MaxIdleConnsPerHost,
		MaxBodyBytes:        cfg.Server.MaxBodyBytes,
		Retry: &retry.Config{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay.Duration(),
			MaxJitter:   cfg.Retry.MaxJitter.Duration(),
			MaxDelay:    cfg.Retry.MaxDelay.Duration(),
		},
		RetryDisabled: !cfg.Retry.IsEnabled(),
	}
}

// start launches discovery, announces configured instances and starts
// serving.
func (a *application) start(ctx context.Context) error {
	if a.coordinated != nil {
		a.coordinated.Start(ctx)
		a.announce(ctx)
	}

	if err := a.gateway.Start(ctx); err != nil {
		if a.coordinated != nil {
			a.coordinated.Stop()
		}
		return err
	}
	return nil
}

func (a *application) announce(ctx context.Context) {
	a.mu.Lock()
	instances := a.cfg.Discovery.Announce
	a.mu.Unlock()

	for _, inst := range instances {
		if err := a.registry.Register(ctx, inst.Service, inst.Address); err != nil {
			a.logger.Warn("failed to announce service instance",
				observability.String("service", inst.Service),
				observability.String("address", inst.Address),
				observability.Error(err),
			)
			continue
		}
		a.mu.Lock()
		a.announced = append(a.announced, inst)
		a.mu.Unlock()
	}
}

// shutdown stops accepting requests, drains in-flight ones and releases
// every component. It returns the first error encountered.
func (a *application) shutdown(ctx context.Context) error {
	var errs []error

	if a.gateway.State() == gateway.StateRunning {
		if err := a.gateway.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	a.mu.Lock()
	announced := a.announced
	a.announced = nil
	a.mu.Unlock()
	for _, inst := range announced {
		if err := a.registry.Deregister(ctx, inst.Service, inst.Address); err != nil {
			a.logger.Warn("failed to withdraw service instance",
				observability.String("service", inst.Service),
				observability.Error(err),
			)
		}
	}

	if a.coordinated != nil {
		a.coordinated.Stop()
	}

	if err := a.closeStore(); err != nil {
		errs = append(errs, err)
	}

	if err := a.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown tracer: %w", err))
	}

	return errors.Join(errs...)
}

func (a *application) closeStore() error {
	if a.limitStore == nil {
		return nil
	}
	if err := a.limitStore.Close(); err != nil {
		return fmt.Errorf("failed to close rate limit store: %w", err)
	}
	return nil
}
