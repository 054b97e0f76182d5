package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
	"github.com/vyrodovalexey/tenantgw/internal/backend"
	"github.com/vyrodovalexey/tenantgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tenantgw/internal/health"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/ratelimit"
	"github.com/vyrodovalexey/tenantgw/internal/router"
)

// Endpoint paths served by the gateway itself.
const (
	PathHealth         = "/health"
	PathServices       = "/services"
	PathServicesStatus = "/services/status"
	DefaultMetricsPath = "/metrics"
)

// DefaultShutdownTimeout bounds Stop when the context has no deadline.
const DefaultShutdownTimeout = 30 * time.Second

// ginModeOnce keeps gin.SetMode off the request path of parallel tests.
var ginModeOnce sync.Once

// State represents the gateway state.
type State int32

const (
	// StateStopped indicates the gateway is stopped.
	StateStopped State = iota
	// StateStarting indicates the gateway is starting.
	StateStarting
	// StateRunning indicates the gateway is running.
	StateRunning
	// StateStopping indicates the gateway is stopping.
	StateStopping
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Config configures the HTTP server.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// TrustedProxies are the networks whose X-Forwarded-For gin honors
	// for client IPs. Empty trusts none.
	TrustedProxies []string

	// MetricsPath serves Prometheus metrics when Metrics is set.
	MetricsPath string
}

// Registry is the read side of the service registry.
type Registry interface {
	Addresses(service string) []string
	Services() []string
}

// EndpointSource reports per-address health.
type EndpointSource interface {
	Endpoints(service string) []backend.Endpoint
}

// Deps are the long-lived components the gateway fronts.
type Deps struct {
	// Proxy handles every path without a gateway endpoint. Required.
	Proxy http.Handler
	// Router is the live route table. Required.
	Router *router.Router
	// Registry lists services and addresses. Required.
	Registry Registry

	Endpoints EndpointSource
	Breakers  *circuitbreaker.Registry

	// Gate throttles requests before routing; nil disables rate limiting.
	Gate *ratelimit.Gate

	Checker   *health.Checker
	Prober    *health.Prober
	Responder *apierror.Responder
	Logger    observability.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// Gateway is the HTTP front of the gateway.
type Gateway struct {
	cfg    Config
	deps   Deps
	engine *gin.Engine
	logger observability.Logger

	state atomic.Int32

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// New builds the gin engine and registers every endpoint.
func New(cfg Config, deps Deps) (*Gateway, error) {
	if deps.Proxy == nil || deps.Router == nil || deps.Registry == nil {
		return nil, errors.New("gateway requires a proxy, a router and a registry")
	}
	if deps.Logger == nil {
		deps.Logger = observability.NopLogger()
	}
	if deps.Responder == nil {
		deps.Responder = apierror.NewResponder(deps.Logger, false)
	}
	if deps.Checker == nil {
		deps.Checker = health.NewChecker("")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = DefaultMetricsPath
	}

	g := &Gateway{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger.With(observability.String("component", "gateway")),
	}
	g.state.Store(int32(StateStopped))

	engine, err := g.buildEngine()
	if err != nil {
		return nil, err
	}
	g.engine = engine

	return g, nil
}

func (g *Gateway) buildEngine() (*gin.Engine, error) {
	ginModeOnce.Do(func() {
		if gin.Mode() == gin.DebugMode {
			gin.SetMode(gin.ReleaseMode)
		}
	})

	engine := gin.New()
	engine.RedirectTrailingSlash = false
	engine.RedirectFixedPath = false
	engine.HandleMethodNotAllowed = false

	if err := engine.SetTrustedProxies(g.cfg.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	engine.Use(
		Recovery(g.deps.Responder, g.logger),
		RequestContext(),
		Tracing(g.deps.Tracer),
		Logging(g.deps.Logger, g.cfg.MetricsPath),
		Metrics(g.deps.Metrics, g.deps.Router),
	)
	if g.deps.Gate != nil {
		engine.Use(g.deps.Gate.Handler())
	}

	engine.GET(PathHealth, g.handleHealth)
	engine.GET(PathServices, g.handleServices)
	engine.GET(PathServicesStatus, g.handleServicesStatus)
	if g.deps.Metrics != nil {
		engine.GET(g.cfg.MetricsPath, gin.WrapH(g.deps.Metrics.Handler()))
	}

	engine.NoRoute(gin.WrapH(g.deps.Proxy))

	return engine, nil
}

// Engine returns the gin engine.
func (g *Gateway) Engine() *gin.Engine {
	return g.engine
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.engine.ServeHTTP(w, r)
}

// State returns the current gateway state.
func (g *Gateway) State() State {
	return State(g.state.Load())
}

// Addr returns the bound listen address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Start binds the listen address and serves in the background. A bind
// failure is returned directly.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return errors.New("gateway is not in stopped state")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.cfg.Address)
	if err != nil {
		g.state.Store(int32(StateStopped))
		return fmt.Errorf("failed to listen on %s: %w", g.cfg.Address, err)
	}

	srv := &http.Server{
		Handler:           g.engine,
		ReadTimeout:       g.cfg.ReadTimeout,
		ReadHeaderTimeout: g.cfg.ReadTimeout,
		WriteTimeout:      g.cfg.WriteTimeout,
		IdleTimeout:       g.cfg.IdleTimeout,
	}

	g.mu.Lock()
	g.server = srv
	g.listener = ln
	g.serveErr = make(chan error, 1)
	serveErr := g.serveErr
	g.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("http server failed", observability.Error(err))
			serveErr <- err
		}
		close(serveErr)
	}()

	g.state.Store(int32(StateRunning))
	g.logger.Info("gateway listening",
		observability.String("address", ln.Addr().String()),
		observability.Duration("read_timeout", g.cfg.ReadTimeout),
		observability.Duration("write_timeout", g.cfg.WriteTimeout),
	)
	return nil
}

// Done is closed when the server stops serving; it carries the serve
// error if the server failed.
func (g *Gateway) Done() <-chan error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.serveErr
}

// Stop drains in-flight requests and stops the server.
func (g *Gateway) Stop(ctx context.Context) error {
	if !g.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return errors.New("gateway is not running")
	}
	defer g.state.Store(int32(StateStopped))

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.ShutdownTimeout)
		defer cancel()
	}

	g.mu.Lock()
	srv := g.server
	g.mu.Unlock()

	g.logger.Info("stopping gateway")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	g.logger.Info("gateway stopped")
	return nil
}
