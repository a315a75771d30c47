package processor

import (
	"sync/atomic"
	"time"
)

// RunMetrics tracks processing throughput for the periodic log report.
// Prometheus series are recorded where the work happens; this exists so the
// consumer can report rates without scraping itself.
type RunMetrics struct {
	processed  int64
	failed     int64
	durationNs int64
	startedNs  int64
}

func NewRunMetrics() *RunMetrics {
	return &RunMetrics{startedNs: time.Now().UnixNano()}
}

func (m *RunMetrics) RecordSuccess(duration time.Duration) {
	atomic.AddInt64(&m.processed, 1)
	atomic.AddInt64(&m.durationNs, int64(duration))
}

func (m *RunMetrics) RecordFailure() {
	atomic.AddInt64(&m.failed, 1)
}

func (m *RunMetrics) Snapshot() map[string]interface{} {
	processed := atomic.LoadInt64(&m.processed)
	failed := atomic.LoadInt64(&m.failed)
	durationNs := atomic.LoadInt64(&m.durationNs)
	elapsed := time.Since(time.Unix(0, atomic.LoadInt64(&m.startedNs))).Seconds()

	rate := 0.0
	if elapsed > 0 {
		rate = float64(processed) / elapsed
	}
	avg := time.Duration(0)
	if processed > 0 {
		avg = time.Duration(durationNs / processed)
	}

	return map[string]interface{}{
		"processed":       processed,
		"failed":          failed,
		"rate_per_second": rate,
		"avg_duration_ms": avg.Milliseconds(),
		"uptime_seconds":  elapsed,
	}
}
