package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// UnmatchedRoute is the route label used for requests that matched no
// configured prefix, keeping label cardinality bounded.
const UnmatchedRoute = "unmatched"

// Metrics holds all Prometheus metrics for the gateway. All record methods
// are safe to call on a nil *Metrics so components can run without metrics.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	activeRequests     prometheus.Gauge
	backendAttempts    *prometheus.CounterVec
	backendDuration    *prometheus.HistogramVec
	retriesTotal       *prometheus.CounterVec
	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec
	rateLimitRejects   *prometheus.CounterVec
	registryRefreshes  *prometheus.CounterVec
	serviceUp          *prometheus.GaugeVec
	buildInfo          *prometheus.GaugeVec
	registry           *prometheus.Registry
}

// NewMetrics creates a new Metrics instance backed by its own registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "gateway"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route"},
	)

	m.activeRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests",
		},
	)

	m.backendAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_attempts_total",
			Help:      "Forward attempts per backend service by outcome",
		},
		[]string{"service", "outcome"},
	)

	m.backendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backend_duration_seconds",
			Help:      "Backend round-trip duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	m.retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Retry attempts per backend service",
		},
		[]string{"service"},
	)

	m.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"service"},
	)

	m.breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"service", "from", "to"},
	)

	m.rateLimitRejects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by the rate limiter per tier",
		},
		[]string{"tier"},
	)

	m.registryRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registry_refreshes_total",
			Help:      "Service registry refresh results per service",
		},
		[]string{"service", "result"},
	)

	m.serviceUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "Result of the last backend health probe (1=online, 0=offline)",
		},
		[]string{"service"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the gateway",
		},
		[]string{"version"},
	)

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.activeRequests,
		m.backendAttempts,
		m.backendDuration,
		m.retriesTotal,
		m.breakerState,
		m.breakerTransitions,
		m.rateLimitRejects,
		m.registryRefreshes,
		m.serviceUp,
		m.buildInfo,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordRequest records a completed inbound request. route must be the
// matched route prefix, never the raw path.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncActiveRequests increments the in-flight gauge.
func (m *Metrics) IncActiveRequests() {
	if m == nil {
		return
	}
	m.activeRequests.Inc()
}

// DecActiveRequests decrements the in-flight gauge.
func (m *Metrics) DecActiveRequests() {
	if m == nil {
		return
	}
	m.activeRequests.Dec()
}

// RecordBackendAttempt records one forward attempt against a service.
func (m *Metrics) RecordBackendAttempt(service, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.backendAttempts.WithLabelValues(service, outcome).Inc()
	m.backendDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordRetry counts a retry against a service.
func (m *Metrics) RecordRetry(service string) {
	if m == nil {
		return
	}
	m.retriesTotal.WithLabelValues(service).Inc()
}

// SetCircuitBreakerState publishes the numeric breaker state.
func (m *Metrics) SetCircuitBreakerState(service string, state int) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(service).Set(float64(state))
}

// RecordCircuitBreakerTransition counts a breaker state change.
func (m *Metrics) RecordCircuitBreakerTransition(service, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(service, from, to).Inc()
}

// RecordRateLimitRejection counts a throttled request.
func (m *Metrics) RecordRateLimitRejection(tier string) {
	if m == nil {
		return
	}
	m.rateLimitRejects.WithLabelValues(tier).Inc()
}

// RecordRegistryRefresh counts a refresh outcome (updated, kept, failed).
func (m *Metrics) RecordRegistryRefresh(service, result string) {
	if m == nil {
		return
	}
	m.registryRefreshes.WithLabelValues(service, result).Inc()
}

// SetServiceUp publishes the result of a backend health probe.
func (m *Metrics) SetServiceUp(service string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.serviceUp.WithLabelValues(service).Set(v)
}

// SetBuildInfo publishes the running version.
func (m *Metrics) SetBuildInfo(version string) {
	if m == nil {
		return
	}
	m.buildInfo.WithLabelValues(version).Set(1)
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
