package ratelimit

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/vyrodovalexey/tenantgw/internal/util"
)

// Built-in tier names.
const (
	TierGeneral = "general"
	TierAuth    = "auth"
	TierPayment = "payment"
)

// DefaultWindow is the window length of the built-in tiers.
const DefaultWindow = 15 * time.Minute

// Tier is a named throttling policy applied to a class of routes.
type Tier struct {
	Name   string
	Window time.Duration
	Max    int

	// PathPrefixes tag request paths with this tier.
	PathPrefixes []string
}

// DefaultTiers returns the built-in tiers.
func DefaultTiers() []Tier {
	return []Tier{
		{Name: TierGeneral, Window: DefaultWindow, Max: 100},
		{Name: TierAuth, Window: DefaultWindow, Max: 5, PathPrefixes: []string{"/api/auth"}},
		{Name: TierPayment, Window: DefaultWindow, Max: 10, PathPrefixes: []string{"/api/payments"}},
	}
}

type tierRule struct {
	prefix string
	tier   string
}

// TierResolver maps request paths to tiers by longest segment-aware
// prefix. Paths no rule covers fall into the general tier.
type TierResolver struct {
	tiers map[string]Tier
	rules []tierRule
}

// NewTierResolver builds a resolver from the tier definitions and a
// prefix -> tier map taken from the route table. A route tag overrides a
// tier's own PathPrefixes entry for the same prefix. When no general tier
// is defined the built-in one is used.
func NewTierResolver(tiers []Tier, routeTiers map[string]string) (*TierResolver, error) {
	r := &TierResolver{tiers: make(map[string]Tier, len(tiers)+1)}

	for _, t := range tiers {
		if t.Name == "" {
			return nil, fmt.Errorf("rate limit tier without name")
		}
		if t.Max <= 0 || t.Window <= 0 {
			return nil, fmt.Errorf("rate limit tier %q: max and window must be positive", t.Name)
		}
		r.tiers[t.Name] = t
	}
	if _, ok := r.tiers[TierGeneral]; !ok {
		r.tiers[TierGeneral] = DefaultTiers()[0]
	}

	byPrefix := make(map[string]string)
	for _, t := range tiers {
		for _, p := range t.PathPrefixes {
			byPrefix[normalizePrefix(p)] = t.Name
		}
	}
	for p, name := range routeTiers {
		if name == "" {
			continue
		}
		if _, ok := r.tiers[name]; !ok {
			return nil, fmt.Errorf("route %q references unknown rate limit tier %q", p, name)
		}
		byPrefix[normalizePrefix(p)] = name
	}

	for p, name := range byPrefix {
		r.rules = append(r.rules, tierRule{prefix: p, tier: name})
	}
	sort.Slice(r.rules, func(i, j int) bool {
		if len(r.rules[i].prefix) != len(r.rules[j].prefix) {
			return len(r.rules[i].prefix) > len(r.rules[j].prefix)
		}
		return r.rules[i].prefix < r.rules[j].prefix
	})

	return r, nil
}

func normalizePrefix(p string) string {
	p = strings.TrimSpace(p)
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	return p
}

// Resolve returns the tier of path.
func (r *TierResolver) Resolve(path string) Tier {
	for _, rule := range r.rules {
		if util.HasPathPrefix(path, rule.prefix) {
			return r.tiers[rule.tier]
		}
	}
	return r.tiers[TierGeneral]
}

// Tier returns the tier named name.
func (r *TierResolver) Tier(name string) (Tier, bool) {
	t, ok := r.tiers[name]
	return t, ok
}
