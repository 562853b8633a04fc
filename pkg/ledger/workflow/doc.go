// Package workflow implements budget change requests and direct
// allocation changes.
//
// Requests move Pending -> {Approved, Rejected, Cancelled}. Only increases
// go through requests; operators lower an allocation with Decrease, which
// requires an explicit risk acknowledgement and refuses to go below the
// agent's committed spend (spent plus active reservations) unless
// overridden. Every change to an allocation, however it was made, appends
// one immutable History row.
package workflow
