package main

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/vyrodovalexey/tenantgw/internal/config"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/ratelimit"
	"github.com/vyrodovalexey/tenantgw/internal/router"
)

// discoveryRefreshTimeout bounds the refresh run for services that a
// reload introduces.
const discoveryRefreshTimeout = 10 * time.Second

// applyConfig swaps in the route table and rate limit tiers of cfg.
// Every other section needs a restart; changes to them are reported and
// ignored. Nothing is swapped unless every part builds. Services that
// only the new routes reference are discovered before the swap.
func (a *application) applyConfig(cfg *config.Config) error {
	table, err := router.NewTable(router.FromConfig(cfg.Routes))
	if err != nil {
		return fmt.Errorf("failed to build route table: %w", err)
	}

	var resolver *ratelimit.TierResolver
	if a.gate != nil {
		resolver, err = ratelimit.NewTierResolver(tiersFromConfig(cfg.RateLimit.Tiers), table.TierTags())
		if err != nil {
			return fmt.Errorf("failed to build rate limit tiers: %w", err)
		}
	}

	if a.coordinated != nil {
		if added := a.coordinated.Track(table.Services()...); len(added) > 0 {
			ctx, cancel := context.WithTimeout(context.Background(), discoveryRefreshTimeout)
			a.coordinated.Refresh(ctx)
			cancel()
			a.logger.Info("refreshed discovery for services of reloaded routes", observability.Strings("services", added))
		}
	}

	a.mu.Lock()
	prev := a.cfg
	next := *prev
	next.Routes = cfg.Routes
	next.RateLimit.Tiers = cfg.RateLimit.Tiers
	a.cfg = &next
	a.mu.Unlock()

	a.routes.Swap(table)
	if resolver != nil {
		a.gate.SetResolver(resolver)
	}

	a.logger.Info("configuration reloaded",
		observability.Int("routes", len(table.Routes())),
		observability.Strings("prefixes", table.Prefixes()),
	)
	if ignored := restartOnlyChanges(prev, cfg); len(ignored) > 0 {
		a.logger.Warn("configuration sections changed that require a restart",
			observability.Strings("sections", ignored),
		)
	}
	return nil
}

// restartOnlyChanges lists the sections of next that differ from prev but
// are not applied on reload.
func restartOnlyChanges(prev, next *config.Config) []string {
	sections := []struct {
		name string
		a, b any
	}{
		{"server", prev.Server, next.Server},
		{"logging", prev.Logging, next.Logging},
		{"services", prev.Services, next.Services},
		{"discovery", prev.Discovery, next.Discovery},
		{"rateLimit.store", prev.RateLimit.Store, next.RateLimit.Store},
		{"rateLimit.redis", prev.RateLimit.Redis, next.RateLimit.Redis},
		{"rateLimit.skipPaths", prev.RateLimit.SkipPaths, next.RateLimit.SkipPaths},
		{"circuitBreaker", prev.CircuitBreaker, next.CircuitBreaker},
		{"retry", prev.Retry, next.Retry},
		{"upstream", prev.Upstream, next.Upstream},
		{"tracing", prev.Tracing, next.Tracing},
		{"metrics", prev.Metrics, next.Metrics},
	}

	var changed []string
	for _, s := range sections {
		if !reflect.DeepEqual(s.a, s.b) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

// startConfigWatcher reloads routes and tiers when the file changes. A
// watcher that cannot start only disables hot reload.
func startConfigWatcher(ctx context.Context, app *application, configPath string) *config.Watcher {
	app.mu.Lock()
	current := app.cfg
	app.mu.Unlock()

	watcher, err := config.NewWatcher(configPath, current, func(cfg *config.Config) {
		if err := app.applyConfig(cfg); err != nil {
			app.logger.Error("failed to apply reloaded configuration", observability.Error(err))
		}
	}, config.WithLogger(app.logger))
	if err != nil {
		app.logger.Warn("failed to create config watcher", observability.Error(err))
		return nil
	}

	if err := watcher.Start(ctx); err != nil {
		app.logger.Warn("failed to start config watcher", observability.Error(err))
		_ = watcher.Stop()
		return nil
	}
	return watcher
}
