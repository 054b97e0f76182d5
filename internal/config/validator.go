package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// ValidationError is one invalid configuration field.
type ValidationError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// ValidationErrors collects every invalid field of a configuration.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:", len(e))
	for _, err := range e {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Is makes every ValidationErrors match util.ErrConfigInvalid.
func (e ValidationErrors) Is(target error) bool {
	return target == util.ErrConfigInvalid
}

type validator struct {
	errs ValidationErrors
}

func (v *validator) add(path, format string, args ...any) {
	v.errs = append(v.errs, ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Validate checks cfg and returns ValidationErrors listing every problem.
func Validate(cfg *Config) error {
	v := &validator{}
	if cfg == nil {
		v.add("", "configuration is nil")
		return v.errs
	}

	v.server(&cfg.Server)
	v.logging(&cfg.Logging)
	v.services(cfg.Services)
	v.routes(cfg)
	v.discovery(&cfg.Discovery)
	v.rateLimit(&cfg.RateLimit)
	v.resilience(cfg)
	v.tracing(&cfg.Tracing)

	if len(v.errs) > 0 {
		return v.errs
	}
	return nil
}

func (v *validator) server(s *ServerConfig) {
	if s.Port < 1 || s.Port > 65535 {
		v.add("server.port", "must be between 1 and 65535, got %d", s.Port)
	}
	if s.MaxBodyBytes < 0 {
		v.add("server.maxBodyBytes", "must not be negative")
	}
	if s.ShutdownTimeout < 0 {
		v.add("server.shutdownTimeout", "must not be negative")
	}
}

func (v *validator) logging(l *LoggingConfig) {
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error":
	default:
		v.add("logging.level", "unknown level %q", l.Level)
	}
	switch l.Format {
	case "json", "console":
	default:
		v.add("logging.format", "must be json or console, got %q", l.Format)
	}
}

func (v *validator) services(services map[string][]string) {
	for name, addrs := range services {
		for i, a := range addrs {
			if err := checkAddress(a); err != nil {
				v.add(fmt.Sprintf("services.%s[%d]", name, i), "%v", err)
			}
		}
	}
}

func checkAddress(a string) error {
	u, err := url.Parse(strings.TrimSpace(a))
	if err != nil {
		return fmt.Errorf("invalid address %q", a)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("address %q must use http or https", a)
	}
	if u.Host == "" {
		return fmt.Errorf("address %q has no host", a)
	}
	return nil
}

func (v *validator) routes(cfg *Config) {
	seen := make(map[string]int)
	for i, r := range cfg.Routes {
		path := fmt.Sprintf("routes[%d]", i)

		prefix := strings.TrimRight(r.Prefix, "/")
		if prefix == "" {
			prefix = "/"
		}
		if !strings.HasPrefix(r.Prefix, "/") {
			v.add(path+".prefix", "must start with /")
		} else if j, dup := seen[prefix]; dup {
			v.add(path+".prefix", "duplicates routes[%d]", j)
		} else {
			seen[prefix] = i
		}

		if r.Service == "" {
			v.add(path+".service", "is required")
		} else if !cfg.Discovery.Enabled && len(cfg.Services[r.Service]) == 0 {
			v.add(path+".service", "service %q has no static address and discovery is disabled", r.Service)
		}

		switch r.Rewrite {
		case "", "strip-prefix", "preserve":
		default:
			v.add(path+".rewrite", "must be strip-prefix or preserve, got %q", r.Rewrite)
		}

		if r.Tier != "" {
			if _, ok := cfg.RateLimit.Tiers[r.Tier]; !ok && r.Tier != "general" {
				v.add(path+".tier", "unknown tier %q", r.Tier)
			}
		}
	}
}

func (v *validator) discovery(d *DiscoveryConfig) {
	if !d.Enabled {
		return
	}
	if d.Provider != ProviderConsul {
		v.add("discovery.provider", "unsupported provider %q", d.Provider)
	}
	if d.RefreshInterval <= 0 {
		v.add("discovery.refreshInterval", "must be positive")
	}
	if d.QueryRate <= 0 {
		v.add("discovery.queryRate", "must be positive")
	}
	for i, inst := range d.Announce {
		if inst.Service == "" {
			v.add(fmt.Sprintf("discovery.announce[%d].service", i), "is required")
		}
		if err := checkAddress(inst.Address); err != nil {
			v.add(fmt.Sprintf("discovery.announce[%d].address", i), "%v", err)
		}
	}
}

func (v *validator) rateLimit(rl *RateLimitConfig) {
	switch rl.Store {
	case StoreMemory:
	case StoreRedis:
		if rl.Redis.Address == "" {
			v.add("rateLimit.redis.address", "is required for the redis store")
		}
	default:
		v.add("rateLimit.store", "must be memory or redis, got %q", rl.Store)
	}
	for name, t := range rl.Tiers {
		if t.Max <= 0 {
			v.add("rateLimit.tiers."+name+".max", "must be positive")
		}
		if t.Window <= 0 {
			v.add("rateLimit.tiers."+name+".window", "must be positive")
		}
		for i, p := range t.PathPrefixes {
			if !strings.HasPrefix(p, "/") {
				v.add(fmt.Sprintf("rateLimit.tiers.%s.pathPrefixes[%d]", name, i), "must start with /")
			}
		}
	}
}

func (v *validator) resilience(cfg *Config) {
	cb := cfg.CircuitBreaker
	if cb.FailureThreshold < 1 {
		v.add("circuitBreaker.failureThreshold", "must be at least 1")
	}
	if cb.SuccessThreshold < 1 {
		v.add("circuitBreaker.successThreshold", "must be at least 1")
	}
	if cb.ResetTimeout <= 0 {
		v.add("circuitBreaker.resetTimeout", "must be positive")
	}

	r := cfg.Retry
	if r.MaxAttempts < 1 {
		v.add("retry.maxAttempts", "must be at least 1")
	}
	if r.BaseDelay < 0 || r.MaxJitter < 0 || r.MaxDelay < 0 {
		v.add("retry", "delays must not be negative")
	}

	u := cfg.Upstream
	if u.ConnectTimeout <= 0 || u.ResponseTimeout <= 0 || u.ProbeTimeout <= 0 {
		v.add("upstream", "timeouts must be positive")
	}
}

func (v *validator) tracing(t *TracingConfig) {
	if t.SamplingRate < 0 || t.SamplingRate > 1 {
		v.add("tracing.samplingRate", "must be between 0 and 1")
	}
	if t.Enabled && t.OTLPEndpoint == "" {
		v.add("tracing.otlpEndpoint", "is required when tracing is enabled")
	}
}
