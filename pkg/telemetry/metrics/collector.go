package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Collector owns the Prometheus registry for one ledger process.
type Collector struct {
	registry   *prometheus.Registry
	operations *OperationMetrics
}

// NewCollector creates a collector. If registry is nil a new one is
// created; the Go runtime and process collectors are registered on it.
func NewCollector(registry *prometheus.Registry) *Collector {
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return &Collector{
		registry:   registry,
		operations: NewOperationMetrics(registry),
	}
}

// Registry returns the underlying registry. The coordinator registers its
// own metrics here.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Operations returns the engine operation metrics.
func (c *Collector) Operations() *OperationMetrics {
	return c.operations
}

// WatchLedger registers scrape-time balance gauges read from src.
func (c *Collector) WatchLedger(src Source) error {
	return c.registry.Register(NewLedgerCollector(src))
}
