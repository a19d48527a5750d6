// Package metrics defines the Prometheus collectors the concurrency spine
// emits, trimmed from the teacher's pkg/metrics.go down to the counters
// and histograms this core's components actually produce. Unlike the
// teacher's package-level global Registry, collectors are constructed and
// registered against a Registerer the caller supplies, so a composition
// root can point them at its own registry (or a throwaway one in tests)
// instead of a process-wide singleton.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors threaded through C4/C5/C6/C8/C9.
type Metrics struct {
	LockAcquisitions  *prometheus.CounterVec
	LockWaitSeconds   *prometheus.HistogramVec
	OCCConflicts      *prometheus.CounterVec
	MergeConflicts    *prometheus.CounterVec
	OutboxDelivered   *prometheus.CounterVec
	OutboxLatency     *prometheus.HistogramVec
	ConsumerLag       *prometheus.GaugeVec
	ConsumerProcessed *prometheus.CounterVec
}

// New constructs the collector set and registers it against reg. Passing
// a fresh prometheus.NewRegistry() per test keeps repeated construction
// (one Metrics per test case) from panicking on duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LockAcquisitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oms", Subsystem: "lockmanager", Name: "acquisitions_total",
			Help: "Lock acquisition attempts by scope, type, and result.",
		}, []string{"scope", "type", "result"}),
		LockWaitSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oms", Subsystem: "lockmanager", Name: "wait_seconds",
			Help:    "Time spent waiting before a lock was acquired or timed out.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"scope", "type"}),
		OCCConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oms", Subsystem: "occ", Name: "conflicts_total",
			Help: "Optimistic concurrency conflicts detected, by resource type.",
		}, []string{"resource_type"}),
		MergeConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oms", Subsystem: "merge", Name: "conflicts_total",
			Help: "Semantic merge conflicts raised, by conflict kind.",
		}, []string{"kind"}),
		OutboxDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oms", Subsystem: "outbox", Name: "delivered_total",
			Help: "Outbox relay delivery attempts, by event type and result.",
		}, []string{"event_type", "result"}),
		OutboxLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "oms", Subsystem: "outbox", Name: "delivery_latency_seconds",
			Help:    "Time from outbox write to successful publish.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"event_type"}),
		ConsumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "oms", Subsystem: "consumer", Name: "lag_seconds",
			Help: "Age of the most recently processed event at process time.",
		}, []string{"consumer_id"}),
		ConsumerProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "oms", Subsystem: "consumer", Name: "processed_total",
			Help: "Events processed, by consumer id and outcome (applied|deduped|error).",
		}, []string{"consumer_id", "outcome"}),
	}

	reg.MustRegister(
		m.LockAcquisitions, m.LockWaitSeconds,
		m.OCCConflicts, m.MergeConflicts,
		m.OutboxDelivered, m.OutboxLatency,
		m.ConsumerLag, m.ConsumerProcessed,
	)
	return m
}

// ObserveLatency records a duration since start against hv for labelValues.
func ObserveLatency(hv *prometheus.HistogramVec, start time.Time, labelValues ...string) {
	if hv == nil {
		return
	}
	hv.WithLabelValues(labelValues...).Observe(time.Since(start).Seconds())
}
