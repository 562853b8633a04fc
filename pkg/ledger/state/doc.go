// Package state owns the canonical in-memory ledger.
//
// The Coordinator keeps one cell per account, lease and change request.
// Mutations take a single cell's lock, apply a transition function to a copy,
// verify the entity's invariants and then commit, so no two mutations of the
// same entity interleave while different entities proceed in parallel. An
// invariant failure rejects the mutation and quarantines the entity until an
// operator clears it.
//
// Committed snapshots, history rows and audit events are handed to a
// Recorder, which writes them to a storage.Store from background shard
// writers with retry and backoff. The mutator never waits on the store.
//
// A Hub broadcasts change notifications. Each subscriber has a bounded
// buffer that discards its oldest entry on overflow; notifications only say
// that something changed and subscribers re-read current state.
package state
