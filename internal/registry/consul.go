package registry

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulConfig configures the Consul coordinator.
type ConsulConfig struct {
	// Address of the Consul agent (host:port or URL).
	Address    string
	Datacenter string
	Token      string

	// Tag restricts lookups to instances carrying it.
	Tag string

	// Scheme used to build backend base URLs. Defaults to http.
	Scheme string

	// HealthCheckPath is probed by Consul for instances this gateway
	// registers. Defaults to /health.
	HealthCheckPath string
}

// ConsulCoordinator implements Coordinator on the Consul HTTP API.
type ConsulCoordinator struct {
	client *consulapi.Client
	cfg    ConsulConfig
}

// NewConsulCoordinator creates a Consul-backed coordinator.
func NewConsulCoordinator(cfg ConsulConfig) (*ConsulCoordinator, error) {
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	if cfg.HealthCheckPath == "" {
		cfg.HealthCheckPath = "/health"
	}

	consulCfg := consulapi.DefaultConfig()
	if cfg.Address != "" {
		consulCfg.Address = cfg.Address
		if !strings.Contains(cfg.Address, "://") {
			consulCfg.Address = "http://" + cfg.Address
		}
	}
	if cfg.Datacenter != "" {
		consulCfg.Datacenter = cfg.Datacenter
	}
	if cfg.Token != "" {
		consulCfg.Token = cfg.Token
	}

	client, err := consulapi.NewClient(consulCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consul client: %w", err)
	}

	return &ConsulCoordinator{client: client, cfg: cfg}, nil
}

// Lookup returns base URLs of the passing instances of service.
func (c *ConsulCoordinator) Lookup(ctx context.Context, service string) ([]string, error) {
	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.client.Health().Service(service, c.cfg.Tag, true, opts)
	if err != nil {
		return nil, fmt.Errorf("consul lookup %s: %w", service, err)
	}

	addrs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Service == nil {
			continue
		}
		host := e.Service.Address
		if host == "" && e.Node != nil {
			host = e.Node.Address
		}
		if host == "" {
			continue
		}
		addrs = append(addrs, c.cfg.Scheme+"://"+net.JoinHostPort(host, strconv.Itoa(e.Service.Port)))
	}
	return addrs, nil
}

// Register registers address as an instance of service with an HTTP
// health check.
func (c *ConsulCoordinator) Register(_ context.Context, service, address string) error {
	host, port, err := splitAddress(address)
	if err != nil {
		return err
	}

	reg := &consulapi.AgentServiceRegistration{
		ID:      instanceID(service, host, port),
		Name:    service,
		Address: host,
		Port:    port,
		Check: &consulapi.AgentServiceCheck{
			HTTP:                           strings.TrimRight(address, "/") + c.cfg.HealthCheckPath,
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "1m",
		},
	}

	if err := c.client.Agent().ServiceRegister(reg); err != nil {
		return fmt.Errorf("consul register %s: %w", service, err)
	}
	return nil
}

// Deregister removes the instance previously registered for address.
func (c *ConsulCoordinator) Deregister(_ context.Context, service, address string) error {
	host, port, err := splitAddress(address)
	if err != nil {
		return err
	}
	if err := c.client.Agent().ServiceDeregister(instanceID(service, host, port)); err != nil {
		return fmt.Errorf("consul deregister %s: %w", service, err)
	}
	return nil
}

func instanceID(service, host string, port int) string {
	return fmt.Sprintf("%s-%s-%d", service, host, port)
}

func splitAddress(address string) (string, int, error) {
	u, err := url.Parse(address)
	if err != nil || u.Host == "" {
		return "", 0, fmt.Errorf("invalid service address %q", address)
	}

	portStr := u.Port()
	if portStr == "" {
		switch u.Scheme {
		case "https":
			portStr = "443"
		default:
			portStr = "80"
		}
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in service address %q: %w", address, err)
	}
	return u.Hostname(), port, nil
}
