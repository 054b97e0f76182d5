// Package health reports the gateway's own health and aggregates the
// health of the backend services it fronts.
package health

import (
	"runtime"
	"time"
)

// Status represents a health status.
type Status string

const (
	// StatusHealthy indicates every checked component is fine.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates some backend services are offline.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates every backend service is offline.
	StatusUnhealthy Status = "unhealthy"
	// StatusOnline marks a backend that answered its health probe.
	StatusOnline Status = "online"
	// StatusOffline marks a backend that did not.
	StatusOffline Status = "offline"
)

// MemoryStats is a subset of runtime.MemStats.
type MemoryStats struct {
	AllocBytes     uint64 `json:"allocBytes"`
	HeapInuseBytes uint64 `json:"heapInuseBytes"`
	SysBytes       uint64 `json:"sysBytes"`
	NumGC          uint32 `json:"numGC"`
	Goroutines     int    `json:"goroutines"`
}

// GatewayHealth is the body of GET /health.
type GatewayHealth struct {
	Status    Status      `json:"status"`
	Uptime    float64     `json:"uptime"`
	Memory    MemoryStats `json:"memory"`
	Version   string      `json:"version"`
	Timestamp time.Time   `json:"timestamp"`
}

// Checker reports gateway self-health.
type Checker struct {
	version   string
	startTime time.Time
	now       func() time.Time
}

// NewChecker creates a checker whose uptime starts now.
func NewChecker(version string) *Checker {
	return &Checker{version: version, startTime: time.Now(), now: time.Now}
}

// Health returns the current gateway health. Uptime is in seconds.
func (c *Checker) Health() GatewayHealth {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	now := c.now()
	return GatewayHealth{
		Status: StatusHealthy,
		Uptime: now.Sub(c.startTime).Seconds(),
		Memory: MemoryStats{
			AllocBytes:     ms.Alloc,
			HeapInuseBytes: ms.HeapInuse,
			SysBytes:       ms.Sys,
			NumGC:          ms.NumGC,
			Goroutines:     runtime.NumGoroutine(),
		},
		Version:   c.version,
		Timestamp: now.UTC(),
	}
}
