// Package metrics provides in-memory runtime statistics collection.
package metrics

import (
	"math"
	"sync"
	"time"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	Failures  int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Byte counts (only for transfer operations)
	TotalBytes int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count       int64   `json:"count"`
	Failures    int64   `json:"failures"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`

	TotalBytes *int64 `json:"total_bytes,omitempty"`
}

// Snapshot represents the full pipeline statistics at a point in time.
type Snapshot struct {
	UptimeSeconds  float64            `json:"uptime_seconds"`
	Reconstruction *OperationSnapshot `json:"reconstruction,omitempty"`
	Upload         *OperationSnapshot `json:"upload,omitempty"`
	PublishWait    *OperationSnapshot `json:"publish_wait,omitempty"`
	CatalogCall    *OperationSnapshot `json:"catalog_call,omitempty"`
	Reconcile      *OperationSnapshot `json:"reconcile,omitempty"`
}

// Operation names for the collector.
const (
	OpReconstruction = "reconstruction"
	OpUpload         = "upload"
	OpPublishWait    = "publish_wait"
	OpCatalogCall    = "catalog_call"
	OpReconcile      = "reconcile"
)

// Collector aggregates in-memory runtime statistics.
// All methods are thread-safe. A nil *Collector is valid and records nothing.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
	}
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

func (m *OperationMetrics) observe(duration time.Duration) {
	m.Count++
	m.TotalTime += duration
	if duration < m.MinTime {
		m.MinTime = duration
	}
	if duration > m.MaxTime {
		m.MaxTime = duration
	}
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.getOrCreate(op).observe(duration)
}

// RecordFailure records timing for an operation that ended in an error.
func (c *Collector) RecordFailure(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.observe(duration)
	m.Failures++
}

// RecordTransfer records timing and payload size for a transfer operation.
func (c *Collector) RecordTransfer(op string, duration time.Duration, bytes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.getOrCreate(op)
	m.observe(duration)
	m.TotalBytes += bytes
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics, includeBytes bool) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}

	snap := &OperationSnapshot{
		Count:       m.Count,
		Failures:    m.Failures,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}

	if includeBytes && m.TotalBytes > 0 {
		total := m.TotalBytes
		snap.TotalBytes = &total
	}

	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	return Snapshot{
		UptimeSeconds:  time.Since(c.startTime).Seconds(),
		Reconstruction: snapshotOp(c.ops[OpReconstruction], false),
		Upload:         snapshotOp(c.ops[OpUpload], true),
		PublishWait:    snapshotOp(c.ops[OpPublishWait], false),
		CatalogCall:    snapshotOp(c.ops[OpCatalogCall], false),
		Reconcile:      snapshotOp(c.ops[OpReconcile], false),
	}
}
