package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OperationMetrics tracks engine operations.
//
// Metrics:
//   - ledger_operations_total: operations by name and result
//   - ledger_operation_duration_seconds: operation latency
//   - ledger_spend_microdollars_total: spend reported against leases
//   - ledger_leases_returned_microdollars_total: unspent funds returned on termination
type OperationMetrics struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	spend      prometheus.Counter
	returned   *prometheus.CounterVec
}

// NewOperationMetrics creates operation metrics registered with reg. A nil
// reg leaves them unregistered.
func NewOperationMetrics(reg prometheus.Registerer) *OperationMetrics {
	f := promauto.With(reg)
	return &OperationMetrics{
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_operations_total",
				Help: "Ledger operations by name and result",
			},
			[]string{"operation", "result"},
		),
		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "ledger_operation_duration_seconds",
				Help: "Ledger operation latency",
				// Operations are in-memory; 10µs to ~80ms
				Buckets: prometheus.ExponentialBuckets(0.00001, 2, 14),
			},
			[]string{"operation"},
		),
		spend: f.NewCounter(prometheus.CounterOpts{
			Name: "ledger_spend_microdollars_total",
			Help: "Spend recorded against leases",
		}),
		returned: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_leases_returned_microdollars_total",
				Help: "Unspent lease funds returned to accounts by terminal status",
			},
			[]string{"status"},
		),
	}
}

// RecordOperation records one operation outcome. result is "ok" or a short
// error class.
func (m *OperationMetrics) RecordOperation(op, result string, d time.Duration) {
	m.operations.WithLabelValues(op, result).Inc()
	m.duration.WithLabelValues(op).Observe(d.Seconds())
}

// RecordSpend adds reported spend.
func (m *OperationMetrics) RecordSpend(micros int64) {
	if micros > 0 {
		m.spend.Add(float64(micros))
	}
}

// RecordReturned adds funds returned by a lease terminating with status.
func (m *OperationMetrics) RecordReturned(status string, micros int64) {
	if micros > 0 {
		m.returned.WithLabelValues(status).Add(float64(micros))
	}
}
