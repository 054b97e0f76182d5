// Package store provides counter storage for rate-limit windows.
//
// A counter is created on the first hit of a window and expires with it,
// so stores never need an explicit reset. The memory store serves a
// single replica; the Redis store shares windows across replicas and is
// normally wrapped in a FallbackStore so that a Redis outage degrades to
// per-replica limits instead of failing requests.
package store

import (
	"context"
	"strconv"
	"time"
)

// Bucket is the counter of one (tier, client) pair in one window.
type Bucket struct {
	Key         string
	WindowStart time.Time
	Count       int64
}

// StorageKey is the key the bucket is counted under.
func (b Bucket) StorageKey() string {
	return b.Key + ":" + strconv.FormatInt(b.WindowStart.UnixMilli(), 10)
}

// Store counts hits per key.
type Store interface {
	// Increment adds one hit to key and returns the new count. A key that
	// does not exist starts at 1 and expires after ttl.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)

	// Close releases resources held by the store.
	Close() error
}
