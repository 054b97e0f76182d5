// Package registry resolves logical service names to backend base URLs.
//
// StaticRegistry serves a fixed table and works with no external
// dependencies. CoordinatedRegistry starts from the same table and
// periodically refreshes it from a Coordinator such as Consul, keeping the
// last known good addresses whenever a refresh fails or comes back empty.
package registry

import (
	"context"
	"sort"
	"strings"

	"github.com/vyrodovalexey/tenantgw/internal/apierror"
)

// Registry maps service names to address lists.
type Registry interface {
	// Resolve returns the primary address of service.
	Resolve(ctx context.Context, service string) (string, error)

	// Addresses returns the current address list of service. The slice
	// must not be modified.
	Addresses(service string) []string

	// Register announces address for service. No-op for static registries.
	Register(ctx context.Context, service, address string) error

	// Deregister withdraws address for service. No-op for static registries.
	Deregister(ctx context.Context, service, address string) error

	// Services lists every known service name, sorted.
	Services() []string
}

// Coordinator is an external service-coordination registry.
type Coordinator interface {
	Lookup(ctx context.Context, service string) ([]string, error)
	Register(ctx context.Context, service, address string) error
	Deregister(ctx context.Context, service, address string) error
}

// snapshot is an immutable service table.
type snapshot map[string][]string

func newSnapshot(table map[string][]string) snapshot {
	s := make(snapshot, len(table))
	for name, addrs := range table {
		if normalized := normalizeAddresses(addrs); len(normalized) > 0 {
			s[name] = normalized
		}
	}
	return s
}

func (s snapshot) services() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s snapshot) resolve(service string) (string, error) {
	addrs := s[service]
	if len(addrs) == 0 {
		return "", notFound(service)
	}
	return addrs[0], nil
}

func notFound(service string) *apierror.Error {
	return apierror.ServiceUnavailable(apierror.CodeServiceNotFound, service, nil)
}

// normalizeAddresses trims, drops empties and duplicates, and strips
// trailing slashes while preserving order.
func normalizeAddresses(addrs []string) []string {
	seen := make(map[string]struct{}, len(addrs))
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		a = strings.TrimRight(strings.TrimSpace(a), "/")
		if a == "" {
			continue
		}
		if _, dup := seen[a]; dup {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

// StaticRegistry serves a fixed table.
type StaticRegistry struct {
	table snapshot
}

// NewStatic creates a registry over table (service -> base URLs).
func NewStatic(table map[string][]string) *StaticRegistry {
	return &StaticRegistry{table: newSnapshot(table)}
}

// Resolve returns the first configured address of service.
func (r *StaticRegistry) Resolve(_ context.Context, service string) (string, error) {
	return r.table.resolve(service)
}

// Addresses returns the configured addresses of service.
func (r *StaticRegistry) Addresses(service string) []string {
	return r.table[service]
}

// Register is a no-op.
func (r *StaticRegistry) Register(context.Context, string, string) error { return nil }

// Deregister is a no-op.
func (r *StaticRegistry) Deregister(context.Context, string, string) error { return nil }

// Services lists configured services.
func (r *StaticRegistry) Services() []string {
	return r.table.services()
}
