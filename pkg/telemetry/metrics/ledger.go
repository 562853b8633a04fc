package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is an aggregate view of the ledger at one instant.
type Snapshot struct {
	Accounts        int
	Allocated       int64
	Spent           int64
	Reserved        int64
	Remaining       int64
	ActiveLeases    int
	PendingRequests int
	Quarantined     int
}

// Source produces snapshots. The engine implements it.
type Source interface {
	Snapshot() Snapshot
}

// SourceFunc adapts a function to Source.
type SourceFunc func() Snapshot

// Snapshot calls f.
func (f SourceFunc) Snapshot() Snapshot { return f() }

// LedgerCollector is a prometheus.Collector that reports balances from a
// Source at scrape time.
type LedgerCollector struct {
	src Source

	accounts    *prometheus.Desc
	allocated   *prometheus.Desc
	spent       *prometheus.Desc
	reserved    *prometheus.Desc
	remaining   *prometheus.Desc
	leases      *prometheus.Desc
	requests    *prometheus.Desc
	quarantined *prometheus.Desc
}

// NewLedgerCollector creates a collector over src.
func NewLedgerCollector(src Source) *LedgerCollector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(name, help, nil, nil)
	}
	return &LedgerCollector{
		src:         src,
		accounts:    desc("ledger_accounts", "Registered agent accounts"),
		allocated:   desc("ledger_allocated_microdollars", "Sum of total_allocated over all accounts"),
		spent:       desc("ledger_spent_microdollars", "Sum of total_spent over all accounts"),
		reserved:    desc("ledger_reserved_microdollars", "Funds held by active leases"),
		remaining:   desc("ledger_remaining_microdollars", "Sum of budget_remaining over all accounts"),
		leases:      desc("ledger_active_leases", "Leases in the active state"),
		requests:    desc("ledger_pending_requests", "Change requests awaiting a decision"),
		quarantined: desc("ledger_quarantined_entities", "Entities refusing mutations after an invariant violation"),
	}
}

// Describe implements prometheus.Collector.
func (c *LedgerCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.accounts
	ch <- c.allocated
	ch <- c.spent
	ch <- c.reserved
	ch <- c.remaining
	ch <- c.leases
	ch <- c.requests
	ch <- c.quarantined
}

// Collect implements prometheus.Collector.
func (c *LedgerCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Snapshot()
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	gauge(c.accounts, float64(s.Accounts))
	gauge(c.allocated, float64(s.Allocated))
	gauge(c.spent, float64(s.Spent))
	gauge(c.reserved, float64(s.Reserved))
	gauge(c.remaining, float64(s.Remaining))
	gauge(c.leases, float64(s.ActiveLeases))
	gauge(c.requests, float64(s.PendingRequests))
	gauge(c.quarantined, float64(s.Quarantined))
}
