// Package health reports whether the host can keep running jobs: free space
// for the history database, memory pressure and a working restic binary.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// resticVersionTTL is how long a restic version probe result is reused.
const resticVersionTTL = time.Minute

// Metrics contains the host measurements a check is based on.
type Metrics struct {
	MemoryUsage     float64 `json:"memory_usage"`
	DiskUsage       float64 `json:"disk_usage"`
	DiskFreeBytes   int64   `json:"disk_free_bytes"`
	DiskTotalBytes  int64   `json:"disk_total_bytes"`
	UptimeSeconds   int64   `json:"uptime_seconds"`
	ResticVersion   string  `json:"restic_version,omitempty"`
	ResticAvailable bool    `json:"restic_available"`
}

// VersionFunc reports the installed restic version.
type VersionFunc func(ctx context.Context) (string, error)

// Collector collects host metrics for the directory holding the
// configuration and history.
type Collector struct {
	startTime     time.Time
	dataDir       string
	resticVersion VersionFunc

	mu         sync.Mutex
	version    string
	versionErr error
	probedAt   time.Time
}

// NewCollector creates a new metrics collector. resticVersion may be nil.
func NewCollector(dataDir string, resticVersion VersionFunc) *Collector {
	return &Collector{
		startTime:     time.Now(),
		dataDir:       dataDir,
		resticVersion: resticVersion,
	}
}

// Collect gathers all host metrics. Measurements that fail are left zero.
func (c *Collector) Collect(ctx context.Context) *Metrics {
	m := &Metrics{
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	if memStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryUsage = memStat.UsedPercent
	}

	if diskStat, err := disk.UsageWithContext(ctx, c.dataDir); err == nil {
		m.DiskUsage = diskStat.UsedPercent
		m.DiskFreeBytes = int64(diskStat.Free)
		m.DiskTotalBytes = int64(diskStat.Total)
	}

	m.ResticVersion, m.ResticAvailable = c.probeRestic(ctx)
	return m
}

func (c *Collector) probeRestic(ctx context.Context) (string, bool) {
	if c.resticVersion == nil {
		return "", false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.probedAt.IsZero() || time.Since(c.probedAt) > resticVersionTTL {
		c.version, c.versionErr = c.resticVersion(ctx)
		c.probedAt = time.Now()
	}
	return c.version, c.versionErr == nil
}
