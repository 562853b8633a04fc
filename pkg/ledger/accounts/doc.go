// Package accounts implements the agent budget ledger.
//
// A Ledger is a thin domain layer over the state coordinator. It owns the
// money-moving rules for a single account:
//
//   - Reserve carves capacity out of BudgetRemaining into Reserved when a
//     lease opens, sized to the worst-case cost of the work it covers.
//   - RecordSpend moves reported spend from Reserved into TotalSpent. It
//     never touches BudgetRemaining, which was already drawn down.
//   - Release returns unused reservation to BudgetRemaining when a lease
//     terminates.
//   - Adjust changes TotalAllocated for the change workflow.
//
// Every operation is a single serialized mutation of one account; no
// operation here touches a lease.
package accounts
