package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tenantgw/internal/config"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/ratelimit"
	"github.com/vyrodovalexey/tenantgw/internal/ratelimit/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newBackend(t *testing.T, name string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			_, _ = io.WriteString(w, `{"status":"ok","uptime":1}`)
			return
		}
		_, _ = io.WriteString(w, name+" "+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(services map[string][]string, routes ...config.Route) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Services = services
	cfg.Routes = routes
	return cfg
}

func serve(app *application, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	app.gateway.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestNewApplication_Static(t *testing.T) {
	t.Parallel()

	menu := newBackend(t, "menu")
	cfg := testConfig(map[string][]string{"menu-service": {menu.URL}},
		config.Route{Prefix: "/api/menu", Service: "menu-service"},
	)

	app, err := newApplication(cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.shutdown(context.Background()) })

	assert.Nil(t, app.coordinated)
	require.NotNil(t, app.gate)

	rec := serve(app, http.MethodGet, "/api/menu/items")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "menu /items", rec.Body.String())
	assert.Equal(t, "100", rec.Header().Get(ratelimit.HeaderLimit))

	rec = serve(app, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(app, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `gateway_requests_total{method="GET",route="/api/menu",status="200"} 1`)
}

func TestNewApplication_RateLimitDisabled(t *testing.T) {
	t.Parallel()

	disabled := false
	cfg := testConfig(nil)
	cfg.RateLimit.Enabled = &disabled
	cfg.Metrics.Enabled = &disabled

	app, err := newApplication(cfg, observability.NopLogger())
	require.NoError(t, err)

	assert.Nil(t, app.gate)
	assert.Nil(t, app.limitStore)
	assert.Nil(t, app.metrics)
	assert.Equal(t, http.StatusNotFound, serve(app, http.MethodGet, "/metrics").Code)
	require.NoError(t, app.shutdown(context.Background()))
}

func TestNewApplication_InvalidRoutes(t *testing.T) {
	t.Parallel()

	cfg := testConfig(nil,
		config.Route{Prefix: "/api/a", Service: "a"},
		config.Route{Prefix: "/api/a/", Service: "b"},
	)
	_, err := newApplication(cfg, observability.NopLogger())
	assert.Error(t, err)

	cfg = testConfig(nil, config.Route{Prefix: "/api/a", Service: "a", Tier: "vip"})
	_, err = newApplication(cfg, observability.NopLogger())
	assert.Error(t, err)
}

func TestApplication_ApplyConfig(t *testing.T) {
	t.Parallel()

	menu := newBackend(t, "menu")
	orders := newBackend(t, "orders")
	services := map[string][]string{"menu-service": {menu.URL}, "orders-service": {orders.URL}}

	app, err := newApplication(testConfig(services,
		config.Route{Prefix: "/api/menu", Service: "menu-service"},
	), observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.shutdown(context.Background()) })

	assert.Equal(t, http.StatusNotFound, serve(app, http.MethodGet, "/api/orders/1").Code)

	next := testConfig(services,
		config.Route{Prefix: "/api/menu", Service: "menu-service"},
		config.Route{Prefix: "/api/orders", Service: "orders-service", Tier: ratelimit.TierPayment},
	)
	next.Server.Port = 9999
	require.NoError(t, app.applyConfig(next))

	rec := serve(app, http.MethodGet, "/api/orders/1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "orders /1", rec.Body.String())
	assert.Equal(t, "10", rec.Header().Get(ratelimit.HeaderLimit))

	// Restart-only sections keep their running values.
	assert.Equal(t, 0, app.cfg.Server.Port)
	assert.Len(t, app.cfg.Routes, 2)

	bad := testConfig(services,
		config.Route{Prefix: "/api/pay", Service: "orders-service", Tier: "unknown"},
	)
	assert.Error(t, app.applyConfig(bad))
	assert.Equal(t, http.StatusOK, serve(app, http.MethodGet, "/api/orders/1").Code)
}

func TestRestartOnlyChanges(t *testing.T) {
	t.Parallel()

	prev := config.DefaultConfig()
	next := config.DefaultConfig()
	assert.Empty(t, restartOnlyChanges(prev, next))

	next.Routes = []config.Route{{Prefix: "/x", Service: "x"}}
	next.RateLimit.Tiers = config.DefaultTiers()
	assert.Empty(t, restartOnlyChanges(prev, next))

	next.Server.Port = 9090
	next.Retry.MaxAttempts = 5
	assert.Equal(t, []string{"server", "retry"}, restartOnlyChanges(prev, next))
}

func TestTiersFromConfig(t *testing.T) {
	t.Parallel()

	tiers := tiersFromConfig(config.DefaultTiers())
	require.Len(t, tiers, 3)
	assert.Equal(t, "auth", tiers[0].Name)
	assert.Equal(t, 5, tiers[0].Max)
	assert.Equal(t, 15*time.Minute, tiers[0].Window)
	assert.Equal(t, []string{"/api/auth"}, tiers[0].PathPrefixes)
	assert.Equal(t, "general", tiers[1].Name)
	assert.Equal(t, "payment", tiers[2].Name)
}

func TestNewLimitStore(t *testing.T) {
	t.Parallel()

	st, err := newLimitStore(config.RateLimitConfig{Store: config.StoreMemory}, observability.NopLogger())
	require.NoError(t, err)
	assert.IsType(t, &store.MemoryStore{}, st)
	require.NoError(t, st.Close())

	mr := miniredis.RunT(t)
	st, err = newLimitStore(config.RateLimitConfig{
		Store: config.StoreRedis,
		Redis: config.RedisConfig{Address: mr.Addr(), Prefix: "tgw:"},
	}, observability.NopLogger())
	require.NoError(t, err)
	require.IsType(t, &store.FallbackStore{}, st)

	n, err := st.Increment(context.Background(), "auth:1.2.3.4:0", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.True(t, mr.Exists("tgw:auth:1.2.3.4:0"))
	require.NoError(t, st.Close())
}

func TestNewLimitStore_UnreachableRedis(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	st, err := newLimitStore(config.RateLimitConfig{
		Store: config.StoreRedis,
		Redis: config.RedisConfig{Address: addr},
	}, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	// Counting keeps working through the memory fallback.
	for i := int64(1); i <= 5; i++ {
		n, err := st.Increment(context.Background(), "k", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
}

type fakeConsul struct {
	*httptest.Server
	mu    sync.Mutex
	calls []string
}

func newFakeConsul(t *testing.T) *fakeConsul {
	t.Helper()

	fc := &fakeConsul{}
	fc.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fc.mu.Lock()
		fc.calls = append(fc.calls, r.Method+" "+r.URL.Path)
		fc.mu.Unlock()

		w.Header().Set("X-Consul-Index", "1")
		w.Header().Set("X-Consul-KnownLeader", "true")
		w.Header().Set("X-Consul-LastContact", "0")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v1/health/service/menu-service":
			_ = json.NewEncoder(w).Encode([]map[string]any{{
				"Node":    map[string]any{"Address": "10.1.0.1"},
				"Service": map[string]any{"Address": "10.1.0.7", "Port": 3001},
			}})
		case r.URL.Path == "/v1/health/service/reports-service":
			_ = json.NewEncoder(w).Encode([]map[string]any{{
				"Node":    map[string]any{"Address": "10.1.0.1"},
				"Service": map[string]any{"Address": "10.1.0.9", "Port": 4000},
			}})
		case strings.HasPrefix(r.URL.Path, "/v1/health/service/"):
			_, _ = io.WriteString(w, "[]")
		}
	}))
	t.Cleanup(fc.Server.Close)
	return fc
}

func (fc *fakeConsul) called(call string) bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, c := range fc.calls {
		if c == call {
			return true
		}
	}
	return false
}

func TestApplication_DiscoveryLifecycle(t *testing.T) {
	t.Parallel()

	consul := newFakeConsul(t)
	cfg := testConfig(map[string][]string{"menu-service": {"http://localhost:3001"}},
		config.Route{Prefix: "/api/menu", Service: "menu-service"},
	)
	cfg.Discovery.Enabled = true
	cfg.Discovery.Address = consul.URL
	cfg.Discovery.RefreshInterval = config.Duration(time.Hour)
	cfg.Discovery.QueryRate = 1000
	cfg.Discovery.Announce = []config.Instance{{Service: "tenantgw", Address: "http://10.1.0.2:8080"}}

	app, err := newApplication(cfg, observability.NopLogger())
	require.NoError(t, err)
	require.NotNil(t, app.coordinated)

	require.NoError(t, app.start(context.Background()))
	require.NotNil(t, app.gateway.Addr())

	assert.Eventually(t, func() bool {
		addrs := app.registry.Addresses("menu-service")
		return len(addrs) == 1 && addrs[0] == "http://10.1.0.7:3001"
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, consul.called("PUT /v1/agent/service/register"))

	resp, err := http.Get("http://" + app.gateway.Addr().String() + "/services")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "http://10.1.0.7:3001")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, app.shutdown(ctx))
	assert.True(t, consul.called("PUT /v1/agent/service/deregister/tenantgw-10.1.0.2-8080"))
}

func TestApplication_ApplyConfigDiscoversNewServices(t *testing.T) {
	t.Parallel()

	consul := newFakeConsul(t)
	cfg := testConfig(map[string][]string{"menu-service": {"http://localhost:3001"}},
		config.Route{Prefix: "/api/menu", Service: "menu-service"},
	)
	cfg.Discovery.Enabled = true
	cfg.Discovery.Address = consul.URL
	cfg.Discovery.RefreshInterval = config.Duration(time.Hour)
	cfg.Discovery.QueryRate = 1000

	app, err := newApplication(cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.shutdown(context.Background()) })

	assert.Empty(t, app.registry.Addresses("reports-service"))

	next := testConfig(map[string][]string{"menu-service": {"http://localhost:3001"}},
		config.Route{Prefix: "/api/menu", Service: "menu-service"},
		config.Route{Prefix: "/api/reports", Service: "reports-service"},
	)
	require.NoError(t, app.applyConfig(next))

	assert.True(t, consul.called("GET /v1/health/service/reports-service"))
	assert.Equal(t, []string{"http://10.1.0.9:4000"}, app.registry.Addresses("reports-service"))

	route, ok := app.routes.Match("/api/reports/daily")
	require.True(t, ok)
	assert.Equal(t, "reports-service", route.Service)
}
