// Package metrics exposes ledger state and engine activity to Prometheus.
//
// A Collector owns a private registry with the Go runtime and process
// collectors, the coordinator's durable-write metrics, per-operation
// counters recorded by the engine, and a scrape-time view of balances:
//
//	ledger_accounts
//	ledger_allocated_microdollars
//	ledger_spent_microdollars
//	ledger_reserved_microdollars
//	ledger_remaining_microdollars
//	ledger_active_leases
//	ledger_pending_requests
//	ledger_quarantined_entities
//
// Balances are gauges computed from a Source on every scrape, so they are
// never stale and cost nothing between scrapes.
package metrics
