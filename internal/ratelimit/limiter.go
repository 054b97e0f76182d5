// Package ratelimit implements tiered fixed-window request throttling.
//
// Every request is counted in exactly one tier, chosen by its path. The
// count is kept per (tier, client identity) in a store.Store; a request
// is rejected once the count of the current window exceeds the tier's
// maximum. Rejections happen before any routing.
package ratelimit

import (
	"context"
	"time"

	"github.com/vyrodovalexey/tenantgw/internal/ratelimit/store"
)

// Result represents the result of a rate limit check.
type Result struct {
	// Allowed indicates whether the request is allowed.
	Allowed bool

	// Tier is the name of the tier the request was counted in.
	Tier string

	// Limit is the maximum number of requests allowed in the window.
	Limit int

	// Remaining is the number of requests remaining in the current window.
	Remaining int

	// ResetAt is the end of the current window.
	ResetAt time.Time

	// ResetAfter is the duration until the window ends.
	ResetAfter time.Duration

	// RetryAfter is the duration to wait before retrying (when not allowed).
	RetryAfter time.Duration

	// Bucket is the counter the request was added to.
	Bucket store.Bucket
}

// Limiter implements the fixed window algorithm on a Store.
type Limiter struct {
	store store.Store
	now   func() time.Time
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithClock overrides the limiter's clock.
func WithClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter creates a fixed window limiter counting in s.
func NewLimiter(s store.Store, opts ...LimiterOption) *Limiter {
	l := &Limiter{store: s, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func windowStart(t time.Time, window time.Duration) time.Time {
	n := window.Nanoseconds()
	return time.Unix(0, (t.UnixNano()/n)*n)
}

// Allow counts one request of client in tier and reports whether it is
// within the tier's limit.
func (l *Limiter) Allow(ctx context.Context, tier Tier, client string) (*Result, error) {
	now := l.now()
	start := windowStart(now, tier.Window)
	resetAt := start.Add(tier.Window)
	resetAfter := resetAt.Sub(now)

	bucket := store.Bucket{Key: tier.Name + ":" + client, WindowStart: start}

	// Expire slightly after the window to tolerate clock skew between
	// replicas sharing a store.
	count, err := l.store.Increment(ctx, bucket.StorageKey(), resetAfter+time.Second)
	if err != nil {
		return nil, err
	}
	bucket.Count = count

	res := &Result{
		Allowed:    count <= int64(tier.Max),
		Tier:       tier.Name,
		Limit:      tier.Max,
		Remaining:  max(tier.Max-int(count), 0),
		ResetAt:    resetAt,
		ResetAfter: resetAfter,
		Bucket:     bucket,
	}
	if !res.Allowed {
		res.RetryAfter = resetAfter
	}
	return res, nil
}
