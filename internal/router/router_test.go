package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/tenantgw/internal/config"
)

func testRoutes() []Route {
	return []Route{
		{Prefix: "/api/menu", Service: "menu-service"},
		{Prefix: "/api/menu/items", Service: "inventory-service", Rewrite: RewritePreserve},
		{Prefix: "/api/orders/", Service: "order-service", Tier: "payment"},
		{Prefix: "/api", Service: "core-service"},
	}
}

func TestTable_LongestPrefixWins(t *testing.T) {
	t.Parallel()

	table, err := NewTable(testRoutes())
	require.NoError(t, err)

	tests := []struct {
		path    string
		service string
		ok      bool
	}{
		{"/api/menu/items/123/availability", "inventory-service", true},
		{"/api/menu/categories", "menu-service", true},
		{"/api/menu", "menu-service", true},
		{"/api/menuitems", "core-service", true},
		{"/api/orders/7", "order-service", true},
		{"/health-check", "", false},
		{"/", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			r, ok := table.Match(tt.path)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.service, r.Service)
		})
	}
}

func TestTable_OrderIndependentOfDeclaration(t *testing.T) {
	t.Parallel()

	routes := testRoutes()
	reversed := make([]Route, len(routes))
	for i, r := range routes {
		reversed[len(routes)-1-i] = r
	}

	a, err := NewTable(routes)
	require.NoError(t, err)
	b, err := NewTable(reversed)
	require.NoError(t, err)

	assert.Equal(t, a.Prefixes(), b.Prefixes())
	assert.Equal(t, []string{"/api/menu/items", "/api/orders", "/api/menu", "/api"}, a.Prefixes())
}

func TestRoute_RewritePath(t *testing.T) {
	t.Parallel()

	table, err := NewTable(testRoutes())
	require.NoError(t, err)

	r, _ := table.Match("/api/menu/items/123/availability")
	assert.Equal(t, "/api/menu/items/123/availability", r.RewritePath("/api/menu/items/123/availability"))

	r, _ = table.Match("/api/menu/categories/4")
	assert.Equal(t, "/categories/4", r.RewritePath("/api/menu/categories/4"))

	r, _ = table.Match("/api/menu")
	assert.Equal(t, "/", r.RewritePath("/api/menu"))

	root := Route{Prefix: "/", Service: "web", Rewrite: RewriteStripPrefix}
	assert.Equal(t, "/index.html", root.RewritePath("/index.html"))
}

func TestNewTable_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewTable([]Route{{Prefix: "api", Service: "x"}})
	assert.Error(t, err)

	_, err = NewTable([]Route{{Prefix: "/api"}})
	assert.Error(t, err)

	_, err = NewTable([]Route{{Prefix: "/api", Service: "x", Rewrite: "regex"}})
	assert.Error(t, err)

	_, err = NewTable([]Route{{Prefix: "/api", Service: "x"}, {Prefix: "/api/", Service: "y"}})
	assert.Error(t, err)
}

func TestTable_Accessors(t *testing.T) {
	t.Parallel()

	table, err := NewTable(testRoutes())
	require.NoError(t, err)

	assert.Equal(t, []string{"core-service", "inventory-service", "menu-service", "order-service"}, table.Services())
	assert.Equal(t, []string{"/api/menu"}, table.PrefixesFor("menu-service"))
	assert.Equal(t, map[string]string{"/api/orders": "payment"}, table.TierTags())
	assert.Len(t, table.Routes(), 4)
	assert.Equal(t, RewriteStripPrefix, table.Routes()[1].Rewrite)
}

func TestRouter_Swap(t *testing.T) {
	t.Parallel()

	first, err := NewTable([]Route{{Prefix: "/a", Service: "a"}})
	require.NoError(t, err)
	second, err := NewTable([]Route{{Prefix: "/b", Service: "b"}})
	require.NoError(t, err)

	r := New(first)
	_, ok := r.Match("/a/1")
	assert.True(t, ok)

	r.Swap(second)
	_, ok = r.Match("/a/1")
	assert.False(t, ok)
	assert.Same(t, second, r.Table())
}

func TestFromConfig(t *testing.T) {
	t.Parallel()

	off := false
	routes := FromConfig([]config.Route{
		{Prefix: "/api/pos", Service: "pos-service", Rewrite: "preserve", Tier: "payment"},
		{Prefix: "/api/auth", Service: "auth-service", Retry: &off},
	})

	require.Len(t, routes, 2)
	assert.Equal(t, Route{Prefix: "/api/pos", Service: "pos-service", Rewrite: RewritePreserve, Tier: "payment", Retry: true}, routes[0])
	assert.False(t, routes[1].Retry)
}
