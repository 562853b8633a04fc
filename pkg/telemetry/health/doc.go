// Package health provides liveness and readiness endpoints for the ledger
// service.
//
//   - /health: the process is up
//   - /ready: every registered check passes
//   - /version: build information
//
// The serve command registers a "store" check that queries the durable
// backend and a "quarantine" check that fails while any entity is refusing
// mutations after an invariant violation:
//
//	checker := health.New(5 * time.Second)
//	checker.RegisterCheck("store", eng.CheckStore)
//	health.Register(mux, checker, version.Info())
//
// Checks run concurrently, each bounded by the checker's timeout.
package health
