// Package lease implements the budget lease protocol.
//
// A lease is a capped reservation carved from an agent's remaining budget
// at open time. Holding the lease id is the authority to report usage
// against it. Usage is checked against the lease's own headroom only, so
// concurrent sessions for one agent never contend on the account.
//
// # Lifecycle
//
//	Active -> Closed   (holder closed the session)
//	Active -> Expired  (sweep recovered an abandoned or overdue lease)
//	Active -> Revoked  (operator terminated the lease)
//
// Every terminal transition credits granted-spent back to the account
// exactly once. Repeating a terminal transition returns the lease as it
// is; only ReportSpend against a terminal lease is an error.
//
// # Sweeping
//
// Sweeper runs on a cron schedule and expires active leases whose
// ExpiresAt has passed, or that have no ExpiresAt and have been idle for
// longer than the stale threshold.
package lease
