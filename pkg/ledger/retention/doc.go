// Package retention prunes old audit events from the durable store.
//
// Audit events are the only unbounded table the ledger writes that nothing
// reads back at startup, so they are the only rows that may be dropped.
// Accounts, leases, requests and allocation history are never pruned.
//
// # Pruning
//
// A Pruner deletes events older than the configured number of days. When an
// archive directory is configured the events are first written to a JSON
// lines file in that directory and synced to disk; nothing is deleted if the
// archive cannot be written.
//
//	p := retention.NewPruner(store, retention.Config{
//	    RetentionDays: 90,
//	    PruneSchedule: "0 3 * * *",
//	    ArchivePath:   "data/archive",
//	})
//	result, err := p.Prune(ctx)
//
// # Scheduling
//
// Start runs Prune on the cron schedule until Stop is called or the context
// passed to Start is cancelled.
package retention
