// Package metrics exposes Prometheus counters for the ledger services.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the ledger counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	partialFailures *prometheus.CounterVec
	repairs         *prometheus.CounterVec
	conflicts       *prometheus.CounterVec
	idAttempts      prometheus.Counter
}

// New creates the counters and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		partialFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "splitledger",
			Name:      "partial_failures_total",
			Help:      "Two-write operations that completed only the first write.",
		}, []string{"operation"}),
		repairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "splitledger",
			Name:      "reconcile_repairs_total",
			Help:      "Membership references repaired by reconciliation.",
		}, []string{"kind"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "splitledger",
			Name:      "conflicts_total",
			Help:      "Uniqueness conflicts reported to callers.",
		}, []string{"field"}),
		idAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "splitledger",
			Name:      "id_generation_attempts_total",
			Help:      "Candidate identifiers tested for availability.",
		}),
	}
	reg.MustRegister(m.partialFailures, m.repairs, m.conflicts, m.idAttempts)
	return m
}

// PartialFailure counts a half-applied operation.
func (m *Metrics) PartialFailure(operation string) {
	if m == nil {
		return
	}
	m.partialFailures.WithLabelValues(operation).Inc()
}

// Repair counts one reconciliation repair.
func (m *Metrics) Repair(kind string) {
	if m == nil {
		return
	}
	m.repairs.WithLabelValues(kind).Inc()
}

// Conflict counts a uniqueness conflict on field.
func (m *Metrics) Conflict(field string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(field).Inc()
}

// ObserveIDAttempt implements ident.AttemptObserver.
func (m *Metrics) ObserveIDAttempt() {
	if m == nil {
		return
	}
	m.idAttempts.Inc()
}
