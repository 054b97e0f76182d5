package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/tenantgw/internal/observability"
)

// Default refresh settings.
const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultQueryRate       = 20
)

// Refresh outcomes reported to metrics.
const (
	refreshUpdated = "updated"
	refreshKept    = "kept"
	refreshFailed  = "failed"
)

// Options configures a CoordinatedRegistry.
type Options struct {
	// RefreshInterval is the period between refreshes.
	RefreshInterval time.Duration

	// QueryRate bounds coordinator lookups per second during a refresh.
	QueryRate float64

	// Services are extra names to refresh even without a static entry,
	// typically every service referenced by a route.
	Services []string

	Logger  observability.Logger
	Metrics *observability.Metrics

	// OnRefresh, if set, is called after each refresh with the services
	// whose address list changed.
	OnRefresh func(changed []string)
}

// CoordinatedRegistry layers periodic discovery over a static table.
type CoordinatedRegistry struct {
	coordinator Coordinator
	interval    time.Duration
	limiter     *rate.Limiter
	logger      observability.Logger
	metrics     *observability.Metrics
	onRefresh   func(changed []string)

	current atomic.Pointer[snapshot]

	mu    sync.Mutex
	known map[string]struct{}

	refreshMu sync.Mutex

	stopCh    chan struct{}
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewCoordinated creates a registry that serves table until the first
// successful refresh from coordinator.
func NewCoordinated(table map[string][]string, coordinator Coordinator, opts Options) *CoordinatedRegistry {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = DefaultRefreshInterval
	}
	if opts.QueryRate <= 0 {
		opts.QueryRate = DefaultQueryRate
	}
	if opts.Logger == nil {
		opts.Logger = observability.NopLogger()
	}

	r := &CoordinatedRegistry{
		coordinator: coordinator,
		interval:    opts.RefreshInterval,
		limiter:     rate.NewLimiter(rate.Limit(opts.QueryRate), 1),
		logger:      opts.Logger.With(observability.String("component", "registry")),
		metrics:     opts.Metrics,
		onRefresh:   opts.OnRefresh,
		known:       make(map[string]struct{}),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}

	initial := newSnapshot(table)
	r.current.Store(&initial)

	for name := range table {
		r.known[name] = struct{}{}
	}
	for _, name := range opts.Services {
		r.known[name] = struct{}{}
	}

	return r
}

func (r *CoordinatedRegistry) load() snapshot {
	return *r.current.Load()
}

// Resolve returns the primary address of service.
func (r *CoordinatedRegistry) Resolve(_ context.Context, service string) (string, error) {
	return r.load().resolve(service)
}

// Addresses returns the current address list of service.
func (r *CoordinatedRegistry) Addresses(service string) []string {
	return r.load()[service]
}

// Services lists every service with at least one address.
func (r *CoordinatedRegistry) Services() []string {
	return r.load().services()
}

// Register announces address to the coordinator and adds service to the
// refresh set.
func (r *CoordinatedRegistry) Register(ctx context.Context, service, address string) error {
	if err := r.coordinator.Register(ctx, service, address); err != nil {
		return err
	}
	r.mu.Lock()
	r.known[service] = struct{}{}
	r.mu.Unlock()

	r.logger.Info("registered service instance",
		observability.String("service", service),
		observability.String("address", address),
	)
	return nil
}

// Deregister withdraws address from the coordinator.
func (r *CoordinatedRegistry) Deregister(ctx context.Context, service, address string) error {
	if err := r.coordinator.Deregister(ctx, service, address); err != nil {
		return err
	}
	r.logger.Info("deregistered service instance",
		observability.String("service", service),
		observability.String("address", address),
	)
	return nil
}

// Track adds services to the refresh set and returns the ones that were
// not known before.
func (r *CoordinatedRegistry) Track(services ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var added []string
	for _, name := range services {
		if _, ok := r.known[name]; ok || name == "" {
			continue
		}
		r.known[name] = struct{}{}
		added = append(added, name)
	}
	return added
}

func (r *CoordinatedRegistry) knownServices() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.known))
	for name := range r.known {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Refresh queries the coordinator for every known service and publishes
// the result as one new snapshot. A failed or empty lookup keeps the
// previous addresses for that service.
func (r *CoordinatedRegistry) Refresh(ctx context.Context) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	prev := r.load()
	next := make(snapshot, len(prev))
	for name, addrs := range prev {
		next[name] = addrs
	}

	var changed []string
	for _, service := range r.knownServices() {
		if err := r.limiter.Wait(ctx); err != nil {
			r.logger.Debug("registry refresh interrupted", observability.Error(err))
			return
		}

		addrs, err := r.coordinator.Lookup(ctx, service)
		if err != nil {
			r.metrics.RecordRegistryRefresh(service, refreshFailed)
			r.logger.Warn("service lookup failed, keeping last known addresses",
				observability.String("service", service),
				observability.Strings("addresses", prev[service]),
				observability.Error(err),
			)
			continue
		}

		addrs = normalizeAddresses(addrs)
		if len(addrs) == 0 {
			r.metrics.RecordRegistryRefresh(service, refreshKept)
			r.logger.Warn("service lookup returned no instances, keeping last known addresses",
				observability.String("service", service),
				observability.Strings("addresses", prev[service]),
			)
			continue
		}

		r.metrics.RecordRegistryRefresh(service, refreshUpdated)
		if !equalAddresses(prev[service], addrs) {
			changed = append(changed, service)
		}
		next[service] = addrs
	}

	r.current.Store(&next)

	if len(changed) > 0 {
		r.logger.Info("service addresses refreshed", observability.Strings("services", changed))
		if r.onRefresh != nil {
			r.onRefresh(changed)
		}
	}
}

func equalAddresses(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Start runs an immediate refresh and then one per interval until Stop.
func (r *CoordinatedRegistry) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		go func() {
			defer close(r.doneCh)
			defer cancel()

			ticker := time.NewTicker(r.interval)
			defer ticker.Stop()

			go func() {
				select {
				case <-r.stopCh:
					cancel()
				case <-ctx.Done():
				}
			}()

			r.Refresh(ctx)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.Refresh(ctx)
				}
			}
		}()

		r.logger.Info("service discovery started",
			observability.Duration("interval", r.interval),
			observability.Strings("services", r.knownServices()),
		)
	})
}

// Stop halts periodic refresh and waits for an in-flight refresh to end.
func (r *CoordinatedRegistry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.startOnce.Do(func() { close(r.doneCh) })
	<-r.doneCh
}
