package gateway

import (
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/tenantgw/internal/backend"
	"github.com/vyrodovalexey/tenantgw/internal/circuitbreaker"
	"github.com/vyrodovalexey/tenantgw/internal/health"
)

// ServiceInfo is one entry of GET /services.
type ServiceInfo struct {
	Routes         []string              `json:"routes"`
	Address        string                `json:"address,omitempty"`
	Addresses      []string              `json:"addresses"`
	Status         health.Status         `json:"status"`
	Endpoints      []backend.Endpoint    `json:"endpoints,omitempty"`
	CircuitBreaker *circuitbreaker.Stats `json:"circuitBreaker,omitempty"`
}

// ServicesResponse is the body of GET /services.
type ServicesResponse struct {
	Services  map[string]ServiceInfo `json:"services"`
	Timestamp time.Time              `json:"timestamp"`
}

func (g *Gateway) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, g.deps.Checker.Health())
}

// serviceNames is every service known to the registry or named by a
// route.
func (g *Gateway) serviceNames() []string {
	seen := make(map[string]struct{})
	for _, s := range g.deps.Registry.Services() {
		seen[s] = struct{}{}
	}
	for _, s := range g.deps.Router.Table().Services() {
		seen[s] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for s := range seen {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

func (g *Gateway) handleServices(c *gin.Context) {
	table := g.deps.Router.Table()
	names := g.serviceNames()

	resp := ServicesResponse{
		Services:  make(map[string]ServiceInfo, len(names)),
		Timestamp: time.Now().UTC(),
	}
	for _, name := range names {
		info := ServiceInfo{
			Routes:    table.PrefixesFor(name),
			Addresses: g.deps.Registry.Addresses(name),
		}
		if info.Routes == nil {
			info.Routes = []string{}
		}
		if info.Addresses == nil {
			info.Addresses = []string{}
		}
		if len(info.Addresses) > 0 {
			info.Address = info.Addresses[0]
		}
		if g.deps.Endpoints != nil {
			info.Endpoints = g.deps.Endpoints.Endpoints(name)
		}
		if g.deps.Breakers != nil {
			if cb := g.deps.Breakers.Get(name); cb != nil {
				stats := cb.Stats()
				info.CircuitBreaker = &stats
			}
		}
		info.Status = serviceStatus(info)
		resp.Services[name] = info
	}

	c.JSON(http.StatusOK, resp)
}

// serviceStatus summarizes what the gateway currently knows about a
// service without contacting it.
func serviceStatus(info ServiceInfo) health.Status {
	if len(info.Addresses) == 0 {
		return health.StatusOffline
	}
	if info.CircuitBreaker != nil && info.CircuitBreaker.State == circuitbreaker.StateOpen {
		return health.StatusOffline
	}

	unhealthy := 0
	for _, ep := range info.Endpoints {
		if ep.Health == backend.StatusUnhealthy {
			unhealthy++
		}
	}
	switch {
	case len(info.Endpoints) > 0 && unhealthy == len(info.Endpoints):
		return health.StatusOffline
	case unhealthy > 0:
		return health.StatusDegraded
	case info.CircuitBreaker != nil && info.CircuitBreaker.State == circuitbreaker.StateHalfOpen:
		return health.StatusDegraded
	default:
		return health.StatusOnline
	}
}

func (g *Gateway) handleServicesStatus(c *gin.Context) {
	if g.deps.Prober == nil {
		c.JSON(http.StatusOK, health.Report{
			Overall:   health.StatusHealthy,
			Services:  map[string]health.ServiceHealth{},
			Timestamp: time.Now().UTC(),
		})
		return
	}
	c.JSON(http.StatusOK, g.deps.Prober.Probe(c.Request.Context(), g.serviceNames()))
}
