package config

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Rate limit store kinds.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
)

// ProviderConsul is the only discovery provider.
const ProviderConsul = "consul"

// Config is the root gateway configuration.
type Config struct {
	Server         ServerConfig         `yaml:"server" json:"server"`
	Logging        LoggingConfig        `yaml:"logging" json:"logging"`
	Services       map[string][]string  `yaml:"services" json:"services"`
	Routes         []Route              `yaml:"routes" json:"routes"`
	Discovery      DiscoveryConfig      `yaml:"discovery" json:"discovery"`
	RateLimit      RateLimitConfig      `yaml:"rateLimit" json:"rateLimit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuitBreaker" json:"circuitBreaker"`
	Retry          RetryConfig          `yaml:"retry" json:"retry"`
	Upstream       UpstreamConfig       `yaml:"upstream" json:"upstream"`
	Tracing        TracingConfig        `yaml:"tracing" json:"tracing"`
	Metrics        MetricsConfig        `yaml:"metrics" json:"metrics"`
}

// ServerConfig configures the inbound HTTP server.
type ServerConfig struct {
	Host            string   `yaml:"host" json:"host"`
	Port            int      `yaml:"port" json:"port"`
	ReadTimeout     Duration `yaml:"readTimeout" json:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout" json:"shutdownTimeout"`

	// MaxBodyBytes bounds buffered request bodies.
	MaxBodyBytes int64 `yaml:"maxBodyBytes" json:"maxBodyBytes"`

	// Debug exposes error details and stacks in error responses.
	Debug bool `yaml:"debug" json:"debug"`

	// TrustedProxies may set X-Forwarded-For for client identity.
	TrustedProxies []string `yaml:"trustedProxies" json:"trustedProxies"`
}

// Address returns host:port.
func (s ServerConfig) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
	Output string `yaml:"output" json:"output"`
}

// Route binds a path prefix to a backend service.
type Route struct {
	Prefix  string `yaml:"prefix" json:"prefix"`
	Service string `yaml:"service" json:"service"`

	// Rewrite is "strip-prefix" (default) or "preserve".
	Rewrite string `yaml:"rewrite" json:"rewrite"`

	// Tier tags the route with a rate limit tier.
	Tier string `yaml:"tier" json:"tier"`

	// Retry enables retries of failed attempts; defaults to true.
	Retry *bool `yaml:"retry" json:"retry"`
}

// RetryEnabled reports whether failed attempts on this route are retried.
func (r Route) RetryEnabled() bool {
	return r.Retry == nil || *r.Retry
}

// DiscoveryConfig configures dynamic service discovery.
type DiscoveryConfig struct {
	Enabled         bool     `yaml:"enabled" json:"enabled"`
	Provider        string   `yaml:"provider" json:"provider"`
	Address         string   `yaml:"address" json:"address"`
	Datacenter      string   `yaml:"datacenter" json:"datacenter"`
	Token           string   `yaml:"token" json:"-"`
	Tag             string   `yaml:"tag" json:"tag"`
	Scheme          string   `yaml:"scheme" json:"scheme"`
	RefreshInterval Duration `yaml:"refreshInterval" json:"refreshInterval"`
	QueryRate       float64  `yaml:"queryRate" json:"queryRate"`

	// Announce lists instances registered with the coordinator at
	// startup and withdrawn at shutdown.
	Announce []Instance `yaml:"announce" json:"announce"`
}

// Instance is one service address.
type Instance struct {
	Service string `yaml:"service" json:"service"`
	Address string `yaml:"address" json:"address"`
}

// RateLimitConfig configures request throttling.
type RateLimitConfig struct {
	Enabled   *bool                 `yaml:"enabled" json:"enabled"`
	Store     string                `yaml:"store" json:"store"`
	Redis     RedisConfig           `yaml:"redis" json:"redis"`
	Tiers     map[string]TierConfig `yaml:"tiers" json:"tiers"`
	SkipPaths []string              `yaml:"skipPaths" json:"skipPaths"`
}

// IsEnabled reports whether throttling is on; defaults to true.
func (r RateLimitConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RedisConfig configures the shared rate limit store.
type RedisConfig struct {
	Address  string `yaml:"address" json:"address"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// TierConfig configures one rate limit tier.
type TierConfig struct {
	Window       Duration `yaml:"window" json:"window"`
	Max          int      `yaml:"max" json:"max"`
	PathPrefixes []string `yaml:"pathPrefixes" json:"pathPrefixes"`
}

// CircuitBreakerConfig configures per-service breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold" json:"failureThreshold"`
	ResetTimeout     Duration `yaml:"resetTimeout" json:"resetTimeout"`
	SuccessThreshold int      `yaml:"successThreshold" json:"successThreshold"`
}

// RetryConfig configures retries of failed backend attempts.
type RetryConfig struct {
	Enabled     *bool    `yaml:"enabled" json:"enabled"`
	MaxAttempts int      `yaml:"maxAttempts" json:"maxAttempts"`
	BaseDelay   Duration `yaml:"baseDelay" json:"baseDelay"`
	MaxJitter   Duration `yaml:"maxJitter" json:"maxJitter"`
	MaxDelay    Duration `yaml:"maxDelay" json:"maxDelay"`
}

// IsEnabled reports whether retries are on; defaults to true.
func (r RetryConfig) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// UpstreamConfig configures outbound calls.
type UpstreamConfig struct {
	ConnectTimeout      Duration `yaml:"connectTimeout" json:"connectTimeout"`
	ResponseTimeout     Duration `yaml:"responseTimeout" json:"responseTimeout"`
	UnhealthyCooldown   Duration `yaml:"unhealthyCooldown" json:"unhealthyCooldown"`
	ProbeTimeout        Duration `yaml:"probeTimeout" json:"probeTimeout"`
	MaxIdleConnsPerHost int      `yaml:"maxIdleConnsPerHost" json:"maxIdleConnsPerHost"`
}

// TracingConfig configures OpenTelemetry tracing of forwarded calls.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	ServiceName  string  `yaml:"serviceName" json:"serviceName"`
	OTLPEndpoint string  `yaml:"otlpEndpoint" json:"otlpEndpoint"`
	SamplingRate float64 `yaml:"samplingRate" json:"samplingRate"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   *bool  `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Path      string `yaml:"path" json:"path"`
}

// IsEnabled reports whether /metrics is served; defaults to true.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// DefaultTiers returns the built-in rate limit tiers.
func DefaultTiers() map[string]TierConfig {
	window := Duration(15 * time.Minute)
	return map[string]TierConfig{
		"general": {Window: window, Max: 100},
		"auth":    {Window: window, Max: 5, PathPrefixes: []string{"/api/auth"}},
		"payment": {Window: window, Max: 10, PathPrefixes: []string{"/api/payments"}},
	}
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with defaults.
func (c *Config) ApplyDefaults() {
	s := &c.Server
	setDefaultInt(&s.Port, 8080)
	setDefaultDuration(&s.ReadTimeout, 30*time.Second)
	setDefaultDuration(&s.WriteTimeout, 60*time.Second)
	setDefaultDuration(&s.IdleTimeout, 120*time.Second)
	setDefaultDuration(&s.ShutdownTimeout, 30*time.Second)
	if s.MaxBodyBytes == 0 {
		s.MaxBodyBytes = 10 << 20
	}

	setDefaultString(&c.Logging.Level, "info")
	setDefaultString(&c.Logging.Format, "json")
	setDefaultString(&c.Logging.Output, "stdout")

	if c.Services == nil {
		c.Services = map[string][]string{}
	}

	d := &c.Discovery
	setDefaultString(&d.Provider, ProviderConsul)
	setDefaultString(&d.Scheme, "http")
	setDefaultDuration(&d.RefreshInterval, 30*time.Second)
	if d.QueryRate == 0 {
		d.QueryRate = 20
	}

	rl := &c.RateLimit
	setDefaultString(&rl.Store, StoreMemory)
	setDefaultString(&rl.Redis.Address, "localhost:6379")
	setDefaultString(&rl.Redis.Prefix, "ratelimit:")
	if rl.Tiers == nil {
		rl.Tiers = DefaultTiers()
	}
	for name, tier := range rl.Tiers {
		setDefaultDuration(&tier.Window, 15*time.Minute)
		rl.Tiers[name] = tier
	}
	if rl.SkipPaths == nil {
		rl.SkipPaths = []string{"/health", "/services", "/metrics"}
	}

	cb := &c.CircuitBreaker
	setDefaultInt(&cb.FailureThreshold, 5)
	setDefaultDuration(&cb.ResetTimeout, 60*time.Second)
	setDefaultInt(&cb.SuccessThreshold, 3)

	r := &c.Retry
	setDefaultInt(&r.MaxAttempts, 3)
	setDefaultDuration(&r.BaseDelay, time.Second)
	setDefaultDuration(&r.MaxJitter, time.Second)
	setDefaultDuration(&r.MaxDelay, 30*time.Second)

	u := &c.Upstream
	setDefaultDuration(&u.ConnectTimeout, 5*time.Second)
	setDefaultDuration(&u.ResponseTimeout, 30*time.Second)
	setDefaultDuration(&u.UnhealthyCooldown, 30*time.Second)
	setDefaultDuration(&u.ProbeTimeout, 5*time.Second)
	setDefaultInt(&u.MaxIdleConnsPerHost, 32)

	setDefaultString(&c.Tracing.ServiceName, "tenantgw")
	if c.Tracing.SamplingRate == 0 {
		c.Tracing.SamplingRate = 1
	}

	setDefaultString(&c.Metrics.Namespace, "gateway")
	setDefaultString(&c.Metrics.Path, "/metrics")
}

// RouteServices returns every service referenced by a route or the
// static table, sorted.
func (c *Config) RouteServices() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(s string) {
		s = strings.TrimSpace(s)
		if _, ok := seen[s]; ok || s == "" {
			return
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	for _, r := range c.Routes {
		add(r.Service)
	}
	for s := range c.Services {
		add(s)
	}
	sort.Strings(out)
	return out
}

func setDefaultString(p *string, v string) {
	if *p == "" {
		*p = v
	}
}

func setDefaultInt(p *int, v int) {
	if *p == 0 {
		*p = v
	}
}

func setDefaultDuration(p *Duration, v time.Duration) {
	if *p == 0 {
		*p = Duration(v)
	}
}
