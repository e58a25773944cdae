package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	// Latency histograms
	CycleLatency    *LatencyHistogram
	OrderLatency    *LatencyHistogram
	StrategyLatency *LatencyHistogram
	APILatency      *LatencyHistogram

	// Counters
	cyclesRun        uint64
	cyclesSkipped    uint64
	ordersProcessed  uint64
	ordersFailed     uint64
	signalsGenerated uint64
	emergencyExits   uint64
	errorsCount      uint64
	apiRequests      uint64
	apiErrors        uint64

	started time.Time
}

// LatencyHistogram tracks latency samples with sliding window.
// Stats are recomputed lazily after new samples arrive.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool         // Whether samples have changed since last Stats()
	cachedStats LatencyStats // Cached computed stats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		CycleLatency:    NewLatencyHistogram(1000),
		OrderLatency:    NewLatencyHistogram(1000),
		StrategyLatency: NewLatencyHistogram(1000),
		APILatency:      NewLatencyHistogram(1000),
		started:         time.Now(),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		// Shift window: remove oldest
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true // Mark as dirty for lazy recomputation
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99.
// Uses lazy computation - only recomputes when samples have changed.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	// Return cached stats if samples haven't changed
	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	// Compute new stats
	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// CycleCompleted records one trading cycle. outcome is the engine's
// cycle outcome; "skipped" and "error" are counted separately.
func (m *SystemMetrics) CycleCompleted(d time.Duration, outcome string) {
	m.CycleLatency.RecordDuration(d)
	switch outcome {
	case "skipped":
		atomic.AddUint64(&m.cyclesSkipped, 1)
	case "error":
		atomic.AddUint64(&m.errorsCount, 1)
		atomic.AddUint64(&m.cyclesRun, 1)
	case "emergency_exit":
		atomic.AddUint64(&m.emergencyExits, 1)
		atomic.AddUint64(&m.cyclesRun, 1)
	default:
		atomic.AddUint64(&m.cyclesRun, 1)
	}
}

// StrategyAnalyzed records one orchestrator run and whether it produced
// an actionable signal.
func (m *SystemMetrics) StrategyAnalyzed(d time.Duration, actionable bool) {
	m.StrategyLatency.RecordDuration(d)
	if actionable {
		atomic.AddUint64(&m.signalsGenerated, 1)
	}
}

// OrderExecuted records one order attempt.
func (m *SystemMetrics) OrderExecuted(d time.Duration, ok bool) {
	m.OrderLatency.RecordDuration(d)
	atomic.AddUint64(&m.ordersProcessed, 1)
	if !ok {
		atomic.AddUint64(&m.ordersFailed, 1)
	}
}

// APIRequest records one HTTP request; status >= 400 counts as an error.
func (m *SystemMetrics) APIRequest(d time.Duration, status int) {
	m.APILatency.RecordDuration(d)
	atomic.AddUint64(&m.apiRequests, 1)
	if status >= 400 {
		atomic.AddUint64(&m.apiErrors, 1)
	}
}

// IncrementErrors increments error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// MetricsSnapshot is a point-in-time copy of the metrics.
type MetricsSnapshot struct {
	CycleLatency     LatencyStats `json:"cycle_latency"`
	OrderLatency     LatencyStats `json:"order_latency"`
	StrategyLatency  LatencyStats `json:"strategy_latency"`
	APILatency       LatencyStats `json:"api_latency"`
	CyclesRun        uint64       `json:"cycles_run"`
	CyclesSkipped    uint64       `json:"cycles_skipped"`
	OrdersProcessed  uint64       `json:"orders_processed"`
	OrdersFailed     uint64       `json:"orders_failed"`
	SignalsGenerated uint64       `json:"signals_generated"`
	EmergencyExits   uint64       `json:"emergency_exits"`
	ErrorsCount      uint64       `json:"errors_count"`
	APIRequests      uint64       `json:"api_requests"`
	APIErrors        uint64       `json:"api_errors"`
	GoroutineCount   int          `json:"goroutine_count"`
	HeapAlloc        uint64       `json:"heap_alloc_bytes"`
	HeapSys          uint64       `json:"heap_sys_bytes"`
	Uptime           string       `json:"uptime"`
	Timestamp        time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		CycleLatency:     m.CycleLatency.Stats(),
		OrderLatency:     m.OrderLatency.Stats(),
		StrategyLatency:  m.StrategyLatency.Stats(),
		APILatency:       m.APILatency.Stats(),
		CyclesRun:        atomic.LoadUint64(&m.cyclesRun),
		CyclesSkipped:    atomic.LoadUint64(&m.cyclesSkipped),
		OrdersProcessed:  atomic.LoadUint64(&m.ordersProcessed),
		OrdersFailed:     atomic.LoadUint64(&m.ordersFailed),
		SignalsGenerated: atomic.LoadUint64(&m.signalsGenerated),
		EmergencyExits:   atomic.LoadUint64(&m.emergencyExits),
		ErrorsCount:      atomic.LoadUint64(&m.errorsCount),
		APIRequests:      atomic.LoadUint64(&m.apiRequests),
		APIErrors:        atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		HeapSys:          memStats.HeapSys,
		Uptime:           time.Since(m.started).Truncate(time.Second).String(),
		Timestamp:        time.Now(),
	}
}
