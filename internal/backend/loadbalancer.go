// Package backend selects backend addresses for a service and tracks which
// of them are currently fit to receive traffic.
package backend

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
	"github.com/vyrodovalexey/tenantgw/internal/observability"
	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// DefaultUnhealthyCooldown is how long a failed address stays out of
// rotation when no refresh reinstates it first.
const DefaultUnhealthyCooldown = 30 * time.Second

// Status represents the health status of an endpoint.
type Status int32

const (
	// StatusHealthy endpoints are in rotation.
	StatusHealthy Status = iota
	// StatusUnhealthy endpoints are skipped until reinstated.
	StatusUnhealthy
)

// String returns the string representation of the status.
func (s Status) String() string {
	if s == StatusUnhealthy {
		return "unhealthy"
	}
	return "healthy"
}

// MarshalText renders the status for JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Endpoint is one address of a service as seen by the balancer.
type Endpoint struct {
	Service       string    `json:"service"`
	Address       string    `json:"address"`
	Health        Status    `json:"health"`
	LastFailureAt time.Time `json:"lastFailureAt,omitzero"`
}

// AddressSource supplies the current address list of a service.
type AddressSource interface {
	Addresses(service string) []string
}

// Option configures a RoundRobinBalancer.
type Option func(*RoundRobinBalancer)

// WithUnhealthyCooldown sets how long a marked address is skipped.
// A non-positive value keeps it out until MarkHealthy or Reinstate.
func WithUnhealthyCooldown(d time.Duration) Option {
	return func(b *RoundRobinBalancer) { b.cooldown = d }
}

// WithClock overrides the clock used for cooldown decisions.
func WithClock(now func() time.Time) Option {
	return func(b *RoundRobinBalancer) { b.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(b *RoundRobinBalancer) { b.logger = logger }
}

// RoundRobinBalancer rotates over the healthy addresses of each service
// with one cursor per service.
type RoundRobinBalancer struct {
	source   AddressSource
	cooldown time.Duration
	now      func() time.Time
	logger   observability.Logger

	cursors sync.Map // service -> *atomic.Uint64

	mu        sync.RWMutex
	unhealthy map[string]map[string]time.Time
}

// NewRoundRobinBalancer creates a balancer over source.
func NewRoundRobinBalancer(source AddressSource, opts ...Option) *RoundRobinBalancer {
	b := &RoundRobinBalancer{
		source:    source,
		cooldown:  DefaultUnhealthyCooldown,
		now:       time.Now,
		logger:    observability.NopLogger(),
		unhealthy: make(map[string]map[string]time.Time),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RoundRobinBalancer) cursor(service string) *atomic.Uint64 {
	if c, ok := b.cursors.Load(service); ok {
		return c.(*atomic.Uint64)
	}
	c, _ := b.cursors.LoadOrStore(service, new(atomic.Uint64))
	return c.(*atomic.Uint64)
}

// Next returns the next healthy address of service.
func (b *RoundRobinBalancer) Next(service string) (string, error) {
	addrs := b.source.Addresses(service)
	if len(addrs) == 0 {
		return "", apierror.ServiceUnavailable(apierror.CodeServiceNotFound, service, util.ErrNotFound)
	}

	healthy := b.healthy(service, addrs)
	if len(healthy) == 0 {
		return "", apierror.ServiceUnavailable(apierror.CodeServiceOffline, service, util.ErrNoHealthyAddrs)
	}

	idx := b.cursor(service).Add(1) - 1
	return healthy[idx%uint64(len(healthy))], nil
}

func (b *RoundRobinBalancer) healthy(service string, addrs []string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	marks := b.unhealthy[service]
	if len(marks) == 0 {
		return addrs
	}

	now := b.now()
	healthy := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if failedAt, ok := marks[a]; ok && !b.expired(failedAt, now) {
			continue
		}
		healthy = append(healthy, a)
	}
	return healthy
}

func (b *RoundRobinBalancer) expired(failedAt, now time.Time) bool {
	return b.cooldown > 0 && now.Sub(failedAt) >= b.cooldown
}

// MarkUnhealthy takes address out of rotation for service. The address
// stays in the registry.
func (b *RoundRobinBalancer) MarkUnhealthy(service, address string) {
	b.mu.Lock()
	marks := b.unhealthy[service]
	if marks == nil {
		marks = make(map[string]time.Time)
		b.unhealthy[service] = marks
	}
	marks[address] = b.now()
	b.mu.Unlock()

	b.logger.Warn("endpoint marked unhealthy",
		observability.String("service", service),
		observability.String("address", address),
		observability.Duration("cooldown", b.cooldown),
	)
}

// MarkHealthy puts address back into rotation.
func (b *RoundRobinBalancer) MarkHealthy(service, address string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.unhealthy[service], address)
}

// Reinstate clears every unhealthy mark of the given services, used when
// a registry refresh delivers a new address set.
func (b *RoundRobinBalancer) Reinstate(services ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range services {
		delete(b.unhealthy, s)
	}
}

// Endpoints returns the current view of every address of service.
func (b *RoundRobinBalancer) Endpoints(service string) []Endpoint {
	addrs := b.source.Addresses(service)

	b.mu.RLock()
	defer b.mu.RUnlock()

	now := b.now()
	marks := b.unhealthy[service]
	endpoints := make([]Endpoint, 0, len(addrs))
	for _, a := range addrs {
		ep := Endpoint{Service: service, Address: a, Health: StatusHealthy}
		if failedAt, ok := marks[a]; ok {
			ep.LastFailureAt = failedAt
			if !b.expired(failedAt, now) {
				ep.Health = StatusUnhealthy
			}
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints
}
