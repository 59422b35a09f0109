package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReconcilerMetrics groups the counters the reconciliation layer exports.
type ReconcilerMetrics struct {
	endpointFailovers *prometheus.CounterVec
	endpointDegraded  prometheus.Counter
	skippedItems      *prometheus.CounterVec
	integrityWarnings prometheus.Counter
	reconcileDuration *prometheus.HistogramVec
	txTransitions     *prometheus.CounterVec
	refreshCoalesced  *prometheus.CounterVec
}

var (
	registryOnce sync.Once
	registry     *ReconcilerMetrics
)

// Reconciler returns the lazily-initialised metrics registry.
func Reconciler() *ReconcilerMetrics {
	registryOnce.Do(func() {
		registry = newReconcilerMetrics()
		prometheus.MustRegister(
			registry.endpointFailovers,
			registry.endpointDegraded,
			registry.skippedItems,
			registry.integrityWarnings,
			registry.reconcileDuration,
			registry.txTransitions,
			registry.refreshCoalesced,
		)
	})
	return registry
}

func newReconcilerMetrics() *ReconcilerMetrics {
	return &ReconcilerMetrics{
		endpointFailovers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbon",
			Subsystem: "ledger",
			Name:      "endpoint_failovers_total",
			Help:      "RPC endpoint switches after a connectivity error, by outcome.",
		}, []string{"outcome"}),
		endpointDegraded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carbon",
			Subsystem: "ledger",
			Name:      "endpoint_degraded_total",
			Help:      "Endpoint selections where no candidate answered the liveness probe.",
		}),
		skippedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbon",
			Subsystem: "reconcile",
			Name:      "skipped_items_total",
			Help:      "Ledger records skipped during reconciliation because they could not be fetched or decoded.",
		}, []string{"entity"}),
		integrityWarnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "carbon",
			Subsystem: "reconcile",
			Name:      "balance_integrity_warnings_total",
			Help:      "Balance cross-checks where the ledger aggregate and the per-project sum disagreed.",
		}),
		reconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "carbon",
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Latency of full reconciliation passes.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		txTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbon",
			Subsystem: "tx",
			Name:      "transitions_total",
			Help:      "Client-side transaction status transitions by action kind and status.",
		}, []string{"kind", "status"}),
		refreshCoalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "carbon",
			Subsystem: "refresh",
			Name:      "coalesced_total",
			Help:      "Refresh triggers folded into an in-flight or recent reconciliation.",
		}, []string{"reason"}),
	}
}

// ObserveFailover records an endpoint switch.
func (m *ReconcilerMetrics) ObserveFailover(ok bool) {
	if m == nil {
		return
	}
	outcome := "switched"
	if !ok {
		outcome = "failed"
	}
	m.endpointFailovers.WithLabelValues(outcome).Inc()
}

// ObserveDegraded records a selection that fell back to the first candidate.
func (m *ReconcilerMetrics) ObserveDegraded() {
	if m == nil {
		return
	}
	m.endpointDegraded.Inc()
}

// ObserveSkipped records n skipped records of the given entity.
func (m *ReconcilerMetrics) ObserveSkipped(entity string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.skippedItems.WithLabelValues(entity).Add(float64(n))
}

// ObserveIntegrityWarning records a balance discrepancy.
func (m *ReconcilerMetrics) ObserveIntegrityWarning() {
	if m == nil {
		return
	}
	m.integrityWarnings.Inc()
}

// ObserveReconcile records the latency of one reconciliation pass.
func (m *ReconcilerMetrics) ObserveReconcile(started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.reconcileDuration.WithLabelValues(outcome).Observe(time.Since(started).Seconds())
}

// ObserveTransition records a transaction status change.
func (m *ReconcilerMetrics) ObserveTransition(kind, status string) {
	if m == nil {
		return
	}
	m.txTransitions.WithLabelValues(kind, status).Inc()
}

// ObserveCoalesced records a refresh trigger that did not start a new pass.
func (m *ReconcilerMetrics) ObserveCoalesced(reason string) {
	if m == nil {
		return
	}
	m.refreshCoalesced.WithLabelValues(reason).Inc()
}
