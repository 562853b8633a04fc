package state

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains Prometheus metrics for the ledger coordinator.
type Metrics struct {
	// Fast-path mutations by entity kind and result
	mutations *prometheus.CounterVec

	// Invariant violations by entity kind
	invariantViolations *prometheus.CounterVec

	// Durable writes by op kind and result
	durableWrites *prometheus.CounterVec

	// Durable write attempts beyond the first
	durableRetries *prometheus.CounterVec

	// Audit events dropped because a shard backlog was full
	auditDropped prometheus.Counter

	// Snapshot writes merged into a newer pending snapshot
	coalesced prometheus.Counter

	// Notifications evicted from subscriber buffers
	notificationsDropped prometheus.Counter

	// Pending durable ops
	queueDepth prometheus.Gauge

	// Durable write latency
	writeDuration *prometheus.HistogramVec
}

// NewMetrics creates coordinator metrics registered with reg. A nil reg
// creates unregistered collectors, which tests use to avoid global state.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		mutations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_mutations_total",
				Help: "Total number of fast-path ledger mutations",
			},
			[]string{"kind", "result"},
		),
		invariantViolations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_invariant_violations_total",
				Help: "Mutations rejected because they would break an entity invariant",
			},
			[]string{"kind"},
		),
		durableWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_durable_writes_total",
				Help: "Durable store writes by op and result",
			},
			[]string{"op", "result"},
		),
		durableRetries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_durable_write_retries_total",
				Help: "Durable store write attempts after a failure",
			},
			[]string{"op"},
		),
		auditDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_audit_events_dropped_total",
			Help: "Audit events dropped because the durable queue was full",
		}),
		coalesced: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_snapshots_coalesced_total",
			Help: "Entity snapshots superseded before being written",
		}),
		notificationsDropped: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_notifications_dropped_total",
			Help: "Notifications evicted from full subscriber buffers",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "ledger_durable_queue_depth",
			Help: "Durable ops waiting to be written",
		}),
		writeDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_durable_write_duration_seconds",
				Help:    "Durable write latency including retries",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"op"},
		),
	}
}

// RecordMutation records a fast-path mutation outcome.
func (m *Metrics) RecordMutation(kind EntityKind, result string) {
	m.mutations.WithLabelValues(string(kind), result).Inc()
}

// RecordInvariantViolation records a rejected, quarantining mutation.
func (m *Metrics) RecordInvariantViolation(kind EntityKind) {
	m.invariantViolations.WithLabelValues(string(kind)).Inc()
}

// RecordDurableWrite records a durable write outcome and its latency.
func (m *Metrics) RecordDurableWrite(op, result string, seconds float64) {
	m.durableWrites.WithLabelValues(op, result).Inc()
	m.writeDuration.WithLabelValues(op).Observe(seconds)
}

// RecordRetry records a retried durable write attempt.
func (m *Metrics) RecordRetry(op string) {
	m.durableRetries.WithLabelValues(op).Inc()
}

// RecordAuditDropped records an audit event dropped on overflow.
func (m *Metrics) RecordAuditDropped() { m.auditDropped.Inc() }

// RecordCoalesced records a snapshot merged into a pending one.
func (m *Metrics) RecordCoalesced() { m.coalesced.Inc() }

// RecordNotificationDropped records a notification evicted from a buffer.
func (m *Metrics) RecordNotificationDropped() { m.notificationsDropped.Inc() }

// AddQueueDepth adjusts the pending durable op gauge.
func (m *Metrics) AddQueueDepth(delta float64) { m.queueDepth.Add(delta) }
