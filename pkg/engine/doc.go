// Package engine assembles the budget ledger from configuration and exposes
// it as one object.
//
// An Engine owns the durable store, the state coordinator and the services
// built on it (accounts, leases, the change workflow and the cost
// calculator). Every operation is traced and counted. Background work
// (the lease sweeper, audit pruning, pricing hot reload and the Redis
// notification bridge) runs inside Run.
//
// Credential fields in the configuration may hold ${secret:name}
// references; Open resolves them before anything connects.
//
// Basic usage:
//
//	eng, err := engine.Open(ctx, cfg)
//	if err != nil {
//		return err
//	}
//	defer eng.Close(context.Background())
//
//	lease, err := eng.OpenForCall(ctx, "agent-1", "gpt-4o", 1200, 800)
//	...
//	lease, cost, err := eng.ReportUsage(ctx, lease.ID, "gpt-4o", 1200, 412)
//	...
//	lease, err = eng.CloseLease(ctx, lease.ID)
package engine
