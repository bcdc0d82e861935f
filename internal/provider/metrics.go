package provider

import (
	"sort"
	"sync"
	"time"
)

// DefaultMetricsWindow is the rolling sample count kept per strategy when the
// configuration does not set one.
const DefaultMetricsWindow = 100

// MetricsSnapshot is a point-in-time view of one strategy's rolling window.
// SuccessRate is 1.0 for a strategy with no samples yet so new registrations
// are not filtered out by success-rate thresholds before their first call.
type MetricsSnapshot struct {
	SuccessRate      float64       `json:"success_rate"`
	P50              time.Duration `json:"p50"`
	P95              time.Duration `json:"p95"`
	Samples          int           `json:"samples"`
	TotalOperations  int64         `json:"total_operations"`
	TotalFailures    int64         `json:"total_failures"`
	ActiveOperations int64         `json:"active_operations"`
	LastOperation    time.Time     `json:"last_operation,omitempty"`
}

type sample struct {
	duration time.Duration
	success  bool
}

// metricsWindow keeps the last N operation outcomes for one strategy. The
// ring overwrites the oldest sample; percentiles and the success rate are
// computed over whatever the ring currently holds.
type metricsWindow struct {
	mu      sync.Mutex
	samples []sample
	next    int
	filled  bool

	totalOps      int64
	totalFailures int64
	lastOperation time.Time
}

func newMetricsWindow(size int) *metricsWindow {
	if size < 1 {
		size = DefaultMetricsWindow
	}
	return &metricsWindow{samples: make([]sample, size)}
}

// record appends one outcome, evicting the oldest sample once the ring is
// full.
func (w *metricsWindow) record(duration time.Duration, err error, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = sample{duration: duration, success: err == nil}
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.filled = true
	}

	w.totalOps++
	if err != nil {
		w.totalFailures++
	}
	w.lastOperation = at
}

// snapshot computes the rolling view. Percentiles use the nearest-rank method
// over the sorted sample durations.
func (w *metricsWindow) snapshot() MetricsSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := w.next
	if w.filled {
		n = len(w.samples)
	}

	snap := MetricsSnapshot{
		SuccessRate:     1.0,
		Samples:         n,
		TotalOperations: w.totalOps,
		TotalFailures:   w.totalFailures,
		LastOperation:   w.lastOperation,
	}
	if n == 0 {
		return snap
	}

	durations := make([]time.Duration, 0, n)
	successes := 0
	for i := 0; i < n; i++ {
		durations = append(durations, w.samples[i].duration)
		if w.samples[i].success {
			successes++
		}
	}
	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	snap.SuccessRate = float64(successes) / float64(n)
	snap.P50 = durations[(n-1)*50/100]
	snap.P95 = durations[(n-1)*95/100]
	return snap
}
