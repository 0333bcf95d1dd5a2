package blockstore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors this engine updates. Callers that
// want to expose them register Registry with their own HTTP handler (e.g.
// promhttp.HandlerFor); the engine never starts a server itself, mirroring
// how the core's Non-goals keep transport concerns external.
type Metrics struct {
	Registry *prometheus.Registry

	OpsTotal      *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
	FlushQueueLen prometheus.Gauge
	JournalUsed   prometheus.Gauge
	DataFree      prometheus.Gauge
	DirtyEntries  prometheus.Gauge
}

// NewMetrics constructs and registers a fresh Metrics set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "blockstore",
			Name:      "ops_total",
			Help:      "Number of completed operations by opcode and result.",
		}, []string{"op", "result"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "blockstore",
			Name:      "op_duration_seconds",
			Help:      "Operation latency by opcode.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		FlushQueueLen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockstore",
			Name:      "flush_queue_length",
			Help:      "Number of objects currently queued for flushing.",
		}),
		JournalUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockstore",
			Name:      "journal_used_bytes",
			Help:      "Bytes currently occupied in the circular journal.",
		}),
		DataFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockstore",
			Name:      "data_free_blocks",
			Help:      "Free blocks remaining in the data region.",
		}),
		DirtyEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "blockstore",
			Name:      "dirty_entries",
			Help:      "Number of dirty index entries not yet flushed.",
		}),
	}
	reg.MustRegister(m.OpsTotal, m.OpDuration, m.FlushQueueLen, m.JournalUsed, m.DataFree, m.DirtyEntries)
	return m
}

func (m *Metrics) observeOp(op string, d float64, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.OpsTotal.WithLabelValues(op, result).Inc()
	m.OpDuration.WithLabelValues(op).Observe(d)
}

// trackOp starts a timer for op and returns a function to be called with a
// pointer to the operation's named error return, deferred at the top of
// Read, Write, Delete, Sync, Stabilize and Rollback.
func (e *Engine) trackOp(op string) func(errp *error) {
	start := time.Now()
	return func(errp *error) {
		var err error
		if errp != nil {
			err = *errp
		}
		e.metrics.observeOp(op, time.Since(start).Seconds(), err)
	}
}
