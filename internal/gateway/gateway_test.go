package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
	"github.com/vyrodovalexey/tenantgw/internal/backend"
	"github.com/vyrodovalexey/tenantgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tenantgw/internal/health"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/proxy"
	"github.com/vyrodovalexey/tenantgw/internal/ratelimit"
	"github.com/vyrodovalexey/tenantgw/internal/ratelimit/store"
	"github.com/vyrodovalexey/tenantgw/internal/registry"
	"github.com/vyrodovalexey/tenantgw/internal/retry"
	"github.com/vyrodovalexey/tenantgw/internal/router"
	"github.com/vyrodovalexey/tenantgw/internal/util"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testBackend struct {
	*httptest.Server
	hits atomic.Int32
}

func newTestBackend(t *testing.T) *testBackend {
	t.Helper()

	b := &testBackend{}
	b.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"status":"ok","uptime":42}`)
			return
		}
		b.hits.Add(1)
		w.Header().Set("X-Seen-Path", r.URL.Path)
		w.Header().Set("X-Seen-Tenant", r.Header.Get(util.HeaderTenantID))
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok")
	}))
	t.Cleanup(b.Close)
	return b
}

type stack struct {
	gw       *Gateway
	metrics  *observability.Metrics
	breakers *circuitbreaker.Registry
	gate     *ratelimit.Gate
}

type stackOpts struct {
	services map[string][]string
	routes   []router.Route
	proxy    http.Handler
	noGate   bool
}

func newStack(t *testing.T, o stackOpts) *stack {
	t.Helper()

	table, err := router.NewTable(o.routes)
	require.NoError(t, err)
	routes := router.New(table)

	reg := registry.NewStatic(o.services)
	bal := backend.NewRoundRobinBalancer(reg)
	metrics := observability.NewMetrics("test")
	breakers := circuitbreaker.NewRegistry(circuitbreaker.DefaultConfig(), nil, metrics)
	responder := apierror.NewResponder(nil, false)

	var handler http.Handler = proxy.New(proxy.Config{
		Retry: &retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond},
	}, routes, bal, breakers, proxy.WithMetrics(metrics), proxy.WithResponder(responder))
	if o.proxy != nil {
		handler = o.proxy
	}

	var gate *ratelimit.Gate
	if !o.noGate {
		resolver, err := ratelimit.NewTierResolver(ratelimit.DefaultTiers(), table.TierTags())
		require.NoError(t, err)

		mem := store.NewMemoryStore(time.Minute)
		t.Cleanup(func() { _ = mem.Close() })

		clock := func() time.Time { return time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC) }
		gate = ratelimit.NewGate(ratelimit.GateConfig{
			Limiter:   ratelimit.NewLimiter(mem, ratelimit.WithClock(clock)),
			Resolver:  resolver,
			Responder: responder,
			Metrics:   metrics,
			SkipPaths: []string{PathHealth, PathServices, DefaultMetricsPath},
		})
	}

	gw, err := New(Config{Address: "127.0.0.1:0"}, Deps{
		Proxy:     handler,
		Router:    routes,
		Registry:  reg,
		Endpoints: bal,
		Breakers:  breakers,
		Gate:      gate,
		Checker:   health.NewChecker("1.2.3"),
		Prober:    health.NewProber(reg, health.ProberOptions{Timeout: time.Second, Metrics: metrics}),
		Responder: responder,
		Metrics:   metrics,
	})
	require.NoError(t, err)

	return &stack{gw: gw, metrics: metrics, breakers: breakers, gate: gate}
}

func (s *stack) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.gw.ServeHTTP(rec, req)
	return rec
}

func TestNew_RequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestNew_InvalidTrustedProxies(t *testing.T) {
	t.Parallel()

	table, err := router.NewTable(nil)
	require.NoError(t, err)

	_, err = New(Config{TrustedProxies: []string{"not-a-cidr"}}, Deps{
		Proxy:    http.NotFoundHandler(),
		Router:   router.New(table),
		Registry: registry.NewStatic(nil),
	})
	assert.Error(t, err)
}

func TestGateway_Health(t *testing.T) {
	t.Parallel()

	s := newStack(t, stackOpts{})
	rec := s.do(httptest.NewRequest(http.MethodGet, PathHealth, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body health.GatewayHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, health.StatusHealthy, body.Status)
	assert.Equal(t, "1.2.3", body.Version)
	assert.GreaterOrEqual(t, body.Uptime, 0.0)
	assert.NotZero(t, body.Memory.SysBytes)
	assert.NotEmpty(t, rec.Header().Get(util.HeaderRequestID))
}

func TestGateway_ProxiesWithTenantAndRequestID(t *testing.T) {
	t.Parallel()

	menu := newTestBackend(t)
	s := newStack(t, stackOpts{
		services: map[string][]string{"menu-service": {menu.URL}},
		routes: []router.Route{
			{Prefix: "/api/menu", Service: "menu-service", Rewrite: router.RewritePreserve, Retry: true},
		},
	})

	req := httptest.NewRequest(http.MethodPatch, "/api/menu/items/123/availability", strings.NewReader(`{}`))
	req.Header.Set(util.HeaderTenantID, "t-1")
	req.Header.Set(util.HeaderRequestID, "req-9-abc")
	rec := s.do(req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
	assert.Equal(t, "/api/menu/items/123/availability", rec.Header().Get("X-Seen-Path"))
	assert.Equal(t, "t-1", rec.Header().Get("X-Seen-Tenant"))
	assert.Equal(t, "req-9-abc", rec.Header().Get(util.HeaderRequestID))
	assert.Equal(t, "100", rec.Header().Get(ratelimit.HeaderLimit))
}

func TestGateway_RelaysEmptyBackendResponsesVerbatim(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/items/missing":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
		case "/items/cleared":
			w.Header().Set("X-Cleared", "true")
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)

	s := newStack(t, stackOpts{
		services: map[string][]string{"menu-service": {srv.URL}},
		routes:   []router.Route{{Prefix: "/api/menu", Service: "menu-service", Retry: true}},
	})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/menu/items/missing", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodDelete, "/api/menu/items/cleared", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "true", rec.Header().Get("X-Cleared"))
	assert.Empty(t, rec.Body.String())

	front := httptest.NewServer(s.gw)
	t.Cleanup(front.Close)

	resp, err := http.Get(front.URL + "/api/menu/items/missing")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Empty(t, body)
}

func TestGateway_UnknownRoute(t *testing.T) {
	t.Parallel()

	menu := newTestBackend(t)
	s := newStack(t, stackOpts{
		services: map[string][]string{"menu-service": {menu.URL}},
		routes:   []router.Route{{Prefix: "/api/menu", Service: "menu-service"}},
	})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var env apierror.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, apierror.CodeRouteNotFound, env.Error.Code)
	assert.Equal(t, "/api/unknown", env.Error.Path)
	assert.Equal(t, rec.Header().Get(util.HeaderRequestID), env.Error.RequestID)
	assert.Equal(t, int32(0), menu.hits.Load())
}

func TestGateway_AuthTierThrottlesBeforeRouting(t *testing.T) {
	t.Parallel()

	auth := newTestBackend(t)
	s := newStack(t, stackOpts{
		services: map[string][]string{"auth-service": {auth.URL}},
		routes:   []router.Route{{Prefix: "/api/auth", Service: "auth-service", Retry: true}},
	})

	for i := 0; i < 5; i++ {
		rec := s.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`)))
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
	}

	rec := s.do(httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get(ratelimit.HeaderRemaining))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, int32(5), auth.hits.Load())

	var env apierror.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, apierror.CodeRateLimited, env.Error.Code)

	// Gateway endpoints are not throttled.
	for i := 0; i < 10; i++ {
		assert.Equal(t, http.StatusOK, s.do(httptest.NewRequest(http.MethodGet, PathHealth, nil)).Code)
	}
}

func TestGateway_RecoversPanics(t *testing.T) {
	t.Parallel()

	s := newStack(t, stackOpts{
		proxy: http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic("boom")
		}),
		noGate: true,
	})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/anything", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var env apierror.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, apierror.CodeInternalError, env.Error.Code)
	assert.Empty(t, env.Error.Stack)
}

func TestGateway_Services(t *testing.T) {
	t.Parallel()

	menu := newTestBackend(t)
	s := newStack(t, stackOpts{
		services: map[string][]string{
			"menu-service": {menu.URL, "http://10.0.0.2:3001"},
			"idle-service": {"http://10.0.0.9:9000"},
		},
		routes: []router.Route{
			{Prefix: "/api/menu", Service: "menu-service"},
			{Prefix: "/api/catalog", Service: "menu-service"},
			{Prefix: "/api/reports", Service: "reports-service"},
		},
		noGate: true,
	})

	// Creates the breaker for menu-service.
	require.Equal(t, http.StatusOK, s.do(httptest.NewRequest(http.MethodGet, "/api/menu/x", nil)).Code)

	rec := s.do(httptest.NewRequest(http.MethodGet, PathServices, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body ServicesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Services, 3)

	m := body.Services["menu-service"]
	assert.ElementsMatch(t, []string{"/api/menu", "/api/catalog"}, m.Routes)
	assert.Equal(t, menu.URL, m.Address)
	assert.Len(t, m.Addresses, 2)
	assert.Equal(t, health.StatusOnline, m.Status)
	require.NotNil(t, m.CircuitBreaker)
	assert.Equal(t, circuitbreaker.StateClosed, m.CircuitBreaker.State)
	assert.Len(t, m.Endpoints, 2)

	r := body.Services["reports-service"]
	assert.Equal(t, health.StatusOffline, r.Status)
	assert.Empty(t, r.Addresses)
	assert.Nil(t, r.CircuitBreaker)

	idle := body.Services["idle-service"]
	assert.Empty(t, idle.Routes)
	assert.Equal(t, health.StatusOnline, idle.Status)
}

func TestServiceStatus(t *testing.T) {
	t.Parallel()

	open := circuitbreaker.Stats{State: circuitbreaker.StateOpen}
	halfOpen := circuitbreaker.Stats{State: circuitbreaker.StateHalfOpen}
	healthy := backend.Endpoint{Health: backend.StatusHealthy}
	unhealthy := backend.Endpoint{Health: backend.StatusUnhealthy}

	tests := []struct {
		name string
		info ServiceInfo
		want health.Status
	}{
		{"no addresses", ServiceInfo{}, health.StatusOffline},
		{"open breaker", ServiceInfo{Addresses: []string{"a"}, CircuitBreaker: &open}, health.StatusOffline},
		{"half-open breaker", ServiceInfo{Addresses: []string{"a"}, CircuitBreaker: &halfOpen}, health.StatusDegraded},
		{"all unhealthy", ServiceInfo{Addresses: []string{"a"}, Endpoints: []backend.Endpoint{unhealthy}}, health.StatusOffline},
		{"some unhealthy", ServiceInfo{Addresses: []string{"a", "b"}, Endpoints: []backend.Endpoint{healthy, unhealthy}}, health.StatusDegraded},
		{"healthy", ServiceInfo{Addresses: []string{"a"}, Endpoints: []backend.Endpoint{healthy}}, health.StatusOnline},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serviceStatus(tt.info))
		})
	}
}

func TestGateway_ServicesStatus(t *testing.T) {
	t.Parallel()

	menu := newTestBackend(t)
	s := newStack(t, stackOpts{
		services: map[string][]string{"menu-service": {menu.URL}},
		routes: []router.Route{
			{Prefix: "/api/menu", Service: "menu-service"},
			{Prefix: "/api/reports", Service: "reports-service"},
		},
	})

	rec := s.do(httptest.NewRequest(http.MethodGet, PathServicesStatus, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var report health.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, health.StatusDegraded, report.Overall)
	assert.Equal(t, health.Summary{Total: 2, Online: 1, Offline: 1}, report.Summary)
	assert.Equal(t, health.StatusOnline, report.Services["menu-service"].Status)
	assert.Equal(t, health.StatusOffline, report.Services["reports-service"].Status)
}

func TestGateway_Metrics(t *testing.T) {
	t.Parallel()

	menu := newTestBackend(t)
	s := newStack(t, stackOpts{
		services: map[string][]string{"menu-service": {menu.URL}},
		routes:   []router.Route{{Prefix: "/api/menu", Service: "menu-service"}},
		noGate:   true,
	})

	s.do(httptest.NewRequest(http.MethodGet, "/api/menu/items/7", nil))
	s.do(httptest.NewRequest(http.MethodGet, "/nope", nil))

	rec := s.do(httptest.NewRequest(http.MethodGet, DefaultMetricsPath, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	out := rec.Body.String()
	assert.Contains(t, out, `test_requests_total{method="GET",route="/api/menu",status="200"} 1`)
	assert.Contains(t, out, `test_requests_total{method="GET",route="unmatched",status="404"} 1`)
	assert.NotContains(t, out, "/api/menu/items/7")
}

func TestGateway_StartStop(t *testing.T) {
	t.Parallel()

	s := newStack(t, stackOpts{noGate: true})
	assert.Equal(t, StateStopped, s.gw.State())
	assert.Nil(t, s.gw.Addr())

	require.NoError(t, s.gw.Start(context.Background()))
	assert.Equal(t, StateRunning, s.gw.State())
	assert.Error(t, s.gw.Start(context.Background()))

	resp, err := http.Get("http://" + s.gw.Addr().String() + PathHealth)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.gw.Stop(ctx))
	assert.Equal(t, StateStopped, s.gw.State())
	assert.Error(t, s.gw.Stop(ctx))

	select {
	case err, ok := <-s.gw.Done():
		assert.False(t, ok && err != nil)
	case <-time.After(time.Second):
		t.Fatal("serve loop did not exit")
	}
}

func TestGateway_StartBindFailure(t *testing.T) {
	t.Parallel()

	first := newStack(t, stackOpts{noGate: true})
	require.NoError(t, first.gw.Start(context.Background()))
	t.Cleanup(func() { _ = first.gw.Stop(context.Background()) })

	table, err := router.NewTable(nil)
	require.NoError(t, err)
	second, err := New(Config{Address: first.gw.Addr().String()}, Deps{
		Proxy:    http.NotFoundHandler(),
		Router:   router.New(table),
		Registry: registry.NewStatic(nil),
	})
	require.NoError(t, err)

	assert.Error(t, second.Start(context.Background()))
	assert.Equal(t, StateStopped, second.State())
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "starting", StateStarting.String())
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopping", StateStopping.String())
	assert.Equal(t, "unknown", State(42).String())
}
