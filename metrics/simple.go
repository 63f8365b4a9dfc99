package metrics

import (
	"sync"
	"time"
)

// SimpleCollector implements a basic in-memory metrics collector
// that can be read back as a Summary
type SimpleCollector struct {
	mu sync.RWMutex

	// Dispatch counters by channel
	dispatched map[string]int64

	// Failure counters by channel and reason
	failed map[string]map[string]int64

	// Dispatch time stats by channel
	durations map[string]*timeStats
}

// timeStats tracks timing statistics
type timeStats struct {
	count   int64
	totalMs int64
	minMs   int64
	maxMs   int64
}

// NewSimpleCollector creates a new in-memory metrics collector
func NewSimpleCollector() *SimpleCollector {
	return &SimpleCollector{
		dispatched: make(map[string]int64),
		failed:     make(map[string]map[string]int64),
		durations:  make(map[string]*timeStats),
	}
}

// IncDispatched implements dispatch.MetricsCollector
func (c *SimpleCollector) IncDispatched(channel string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dispatched[channel]++
}

// IncFailed implements dispatch.MetricsCollector
func (c *SimpleCollector) IncFailed(channel string, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failed[channel] == nil {
		c.failed[channel] = make(map[string]int64)
	}
	c.failed[channel][reason]++
}

// ObserveDuration implements dispatch.MetricsCollector
func (c *SimpleCollector) ObserveDuration(channel string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ms := d.Milliseconds()

	stats, exists := c.durations[channel]
	if !exists {
		stats = &timeStats{minMs: ms, maxMs: ms}
		c.durations[channel] = stats
	}

	stats.count++
	stats.totalMs += ms
	if ms < stats.minMs {
		stats.minMs = ms
	}
	if ms > stats.maxMs {
		stats.maxMs = ms
	}
}

// DurationStats summarizes dispatch latency for one channel.
type DurationStats struct {
	Count     int64
	AverageMs int64
	MinMs     int64
	MaxMs     int64
}

// Summary is a point-in-time copy of all collected metrics.
type Summary struct {
	Dispatched map[string]int64
	Failed     map[string]map[string]int64
	Durations  map[string]DurationStats
}

// GetSummary returns a summary of all collected metrics
func (c *SimpleCollector) GetSummary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := Summary{
		Dispatched: make(map[string]int64),
		Failed:     make(map[string]map[string]int64),
		Durations:  make(map[string]DurationStats),
	}

	for channel, count := range c.dispatched {
		summary.Dispatched[channel] = count
	}

	for channel, reasons := range c.failed {
		summary.Failed[channel] = make(map[string]int64)
		for reason, count := range reasons {
			summary.Failed[channel][reason] = count
		}
	}

	for channel, stats := range c.durations {
		ds := DurationStats{
			Count: stats.count,
			MinMs: stats.minMs,
			MaxMs: stats.maxMs,
		}
		if stats.count > 0 {
			ds.AverageMs = stats.totalMs / stats.count
		}
		summary.Durations[channel] = ds
	}

	return summary
}
