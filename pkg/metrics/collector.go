// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11pki.
//
// go-p11pki is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package metrics

import (
	"context"
	"runtime"
	"time"
)

// StatsFunc reports record counts: collection -> status -> count.
type StatsFunc func() (map[string]map[string]int, error)

// Collector periodically refreshes process gauges and, when a StatsFunc
// is set, the record store gauges.
type Collector struct {
	ctx      context.Context
	cancel   context.CancelFunc
	interval time.Duration
	started  time.Time
	stats    StatsFunc
}

// NewCollector creates a collector that updates gauges every interval.
//
// Example:
//
//	collector := metrics.NewCollector(ctx, 30*time.Second, store.StatsByCollection)
//	go collector.Start()
//	defer collector.Stop()
func NewCollector(ctx context.Context, interval time.Duration, stats StatsFunc) *Collector {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	collectorCtx, cancel := context.WithCancel(ctx)
	return &Collector{
		ctx:      collectorCtx,
		cancel:   cancel,
		interval: interval,
		started:  time.Now(),
		stats:    stats,
	}
}

// Start collects until Stop is called or the parent context ends. It blocks.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Stop halts the collector.
func (c *Collector) Stop() {
	c.cancel()
}

// Collect performs a single collection.
func (c *Collector) Collect() {
	if !IsEnabled() {
		return
	}

	Goroutines.Set(float64(runtime.NumGoroutine()))

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	MemoryAllocBytes.Set(float64(memStats.Alloc))

	ServerUptime.Set(time.Since(c.started).Seconds())

	if c.stats == nil {
		return
	}
	counts, err := c.stats()
	if err != nil {
		return
	}
	for collection, byStatus := range counts {
		for status, n := range byStatus {
			SetRecordsTotal(collection, status, n)
		}
	}
}

// StartCollector creates and starts a collector in the background.
func StartCollector(ctx context.Context, interval time.Duration, stats StatsFunc) *Collector {
	c := NewCollector(ctx, interval, stats)
	go c.Start()
	return c
}
