// Package telemetry holds the prometheus metrics and otel tracing helpers
// shared by the ledger components.
//
// Metrics live on their own registry so that tests and embedders never collide
// with the global default registry. A nil *Metrics is valid and records
// nothing.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "govledger"

// Metrics is the set of counters and histograms exported by the engine.
type Metrics struct {
	registry *prometheus.Registry

	appends         *prometheus.CounterVec
	appendConflicts prometheus.Counter
	faults          *prometheus.CounterVec
	gateFailures    *prometheus.CounterVec
	finality        *prometheus.CounterVec
	tokens          prometheus.Counter
	reviewLatency   prometheus.Histogram
	verifications   *prometheus.CounterVec
}

// NewMetrics creates and registers every metric on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "appends_total",
			Help:      "Ledger entries appended, by entry kind.",
		}, []string{"kind"}),
		appendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "append_conflicts_total",
			Help:      "Appends retried because another writer took the sequence.",
		}),
		faults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "faults_total",
			Help:      "Failures recorded as FAULT audit entries, by fault kind.",
		}, []string{"kind"}),
		gateFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "failures_total",
			Help:      "Gate validator failures, by gate and invariant code.",
		}, []string{"gate", "code"}),
		finality: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finality",
			Name:      "transitions_total",
			Help:      "Composite finality transitions, by target state.",
		}, []string{"state"}),
		tokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "tokens_issued_total",
			Help:      "Dispatch tokens issued to agents.",
		}),
		reviewLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "review",
			Name:      "answer_latency_seconds",
			Help:      "Elapsed time between challenge issue and approved answer.",
			Buckets:   []float64{5, 10, 30, 60, 120, 300},
		}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "verifications_total",
			Help:      "Chain verifications, by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.appends, m.appendConflicts, m.faults, m.gateFailures,
		m.finality, m.tokens, m.reviewLatency, m.verifications,
	)
	return m
}

// Registry exposes the registry for an HTTP handler or a test gatherer.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Appended records one appended entry.
func (m *Metrics) Appended(kind string) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(kind).Inc()
}

// AppendConflict records one lost append race.
func (m *Metrics) AppendConflict() {
	if m == nil {
		return
	}
	m.appendConflicts.Inc()
}

// Fault records one audited failure.
func (m *Metrics) Fault(kind string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(kind).Inc()
}

// GateFailed records one gate failure.
func (m *Metrics) GateFailed(gate, code string) {
	if m == nil {
		return
	}
	m.gateFailures.WithLabelValues(gate, code).Inc()
}

// FinalityTransition records a composite reaching state.
func (m *Metrics) FinalityTransition(state string) {
	if m == nil {
		return
	}
	m.finality.WithLabelValues(state).Inc()
}

// TokenIssued records one dispatch token.
func (m *Metrics) TokenIssued() {
	if m == nil {
		return
	}
	m.tokens.Inc()
}

// ReviewLatency records the latency of an approved answer.
func (m *Metrics) ReviewLatency(ms int64) {
	if m == nil {
		return
	}
	m.reviewLatency.Observe(float64(ms) / 1000)
}

// Verified records a chain verification outcome.
func (m *Metrics) Verified(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "broken"
	}
	m.verifications.WithLabelValues(result).Inc()
}
