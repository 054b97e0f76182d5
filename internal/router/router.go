package router

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/vyrodovalexey/tenantgw/internal/config"
	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// RewriteRule selects how a matched path is transformed before forwarding.
type RewriteRule string

// Rewrite rules.
const (
	RewriteStripPrefix RewriteRule = "strip-prefix"
	RewritePreserve    RewriteRule = "preserve"
)

// Route binds a path prefix to a service.
type Route struct {
	Prefix  string      `json:"prefix"`
	Service string      `json:"service"`
	Rewrite RewriteRule `json:"rewrite"`
	Tier    string      `json:"tier,omitempty"`
	Retry   bool        `json:"retry"`
}

// RewritePath returns the path to forward for a request path matched by r.
func (r Route) RewritePath(path string) string {
	if r.Rewrite == RewritePreserve || r.Prefix == "/" {
		return path
	}
	rest := strings.TrimPrefix(path, r.Prefix)
	if rest == "" {
		return "/"
	}
	return rest
}

// FromConfig converts configured routes.
func FromConfig(routes []config.Route) []Route {
	out := make([]Route, 0, len(routes))
	for _, rc := range routes {
		out = append(out, Route{
			Prefix:  rc.Prefix,
			Service: rc.Service,
			Rewrite: RewriteRule(rc.Rewrite),
			Tier:    rc.Tier,
			Retry:   rc.RetryEnabled(),
		})
	}
	return out
}

// Table is an immutable, specificity-ordered route set.
type Table struct {
	routes []Route
}

// NewTable validates and orders routes.
func NewTable(routes []Route) (*Table, error) {
	seen := make(map[string]string, len(routes))
	sorted := make([]Route, 0, len(routes))

	for i, r := range routes {
		r.Prefix = normalizePrefix(r.Prefix)
		if !strings.HasPrefix(r.Prefix, "/") {
			return nil, fmt.Errorf("route %d: prefix must start with /", i)
		}
		if r.Service == "" {
			return nil, fmt.Errorf("route %s: service is required", r.Prefix)
		}
		switch r.Rewrite {
		case "":
			r.Rewrite = RewriteStripPrefix
		case RewriteStripPrefix, RewritePreserve:
		default:
			return nil, fmt.Errorf("route %s: unknown rewrite rule %q", r.Prefix, r.Rewrite)
		}
		if prev, ok := seen[r.Prefix]; ok {
			return nil, fmt.Errorf("route %s: duplicate prefix (services %s and %s)", r.Prefix, prev, r.Service)
		}
		seen[r.Prefix] = r.Service
		sorted = append(sorted, r)
	}

	sort.Slice(sorted, func(i, j int) bool {
		if len(sorted[i].Prefix) != len(sorted[j].Prefix) {
			return len(sorted[i].Prefix) > len(sorted[j].Prefix)
		}
		return sorted[i].Prefix < sorted[j].Prefix
	})

	return &Table{routes: sorted}, nil
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
		if p == "" {
			p = "/"
		}
	}
	return p
}

// Match returns the most specific route covering path.
func (t *Table) Match(path string) (Route, bool) {
	for _, r := range t.routes {
		if util.HasPathPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return Route{}, false
}

// Routes returns the routes in match order.
func (t *Table) Routes() []Route {
	return append([]Route(nil), t.routes...)
}

// Prefixes returns every route prefix in match order.
func (t *Table) Prefixes() []string {
	out := make([]string, len(t.routes))
	for i, r := range t.routes {
		out[i] = r.Prefix
	}
	return out
}

// Services returns the distinct services referenced by routes, sorted.
func (t *Table) Services() []string {
	set := make(map[string]struct{})
	for _, r := range t.routes {
		set[r.Service] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// PrefixesFor returns the prefixes routed to service.
func (t *Table) PrefixesFor(service string) []string {
	var out []string
	for _, r := range t.routes {
		if r.Service == service {
			out = append(out, r.Prefix)
		}
	}
	return out
}

// TierTags returns prefix -> tier for routes that carry a tier.
func (t *Table) TierTags() map[string]string {
	tags := make(map[string]string)
	for _, r := range t.routes {
		if r.Tier != "" {
			tags[r.Prefix] = r.Tier
		}
	}
	return tags
}

// Router holds the active Table.
type Router struct {
	table atomic.Pointer[Table]
}

// New creates a Router serving t.
func New(t *Table) *Router {
	r := &Router{}
	r.table.Store(t)
	return r
}

// Table returns the active table.
func (r *Router) Table() *Table {
	return r.table.Load()
}

// Swap replaces the active table.
func (r *Router) Swap(t *Table) {
	r.table.Store(t)
}

// Match matches path against the active table.
func (r *Router) Match(path string) (Route, bool) {
	return r.table.Load().Match(path)
}
