// Ledger is a budget governance engine for autonomous agents that spend
// money on LLM calls.
//
// It gives each agent an allocation, hands out short-lived spending leases
// against it, records reported spend and returns unused reservations. Budget
// increases go through a request and approval workflow.
//
// Usage:
//
//	# Run the sweeper, pricing watcher and metrics endpoint
//	ledger serve
//
//	# Register an agent with a $100 allocation
//	ledger account register agent-1 --budget 100.00
//
//	# Reserve $10 for a task, report spend, then close
//	ledger lease open agent-1 --amount 10.00
//	ledger lease report <lease-id> --cost 4.50
//	ledger lease close <lease-id>
//
//	# Ask for more budget and approve it
//	ledger request create agent-1 --budget 150.00 --requester user-1 \
//	    --justification "Need more for the Q3 rollout"
//	ledger request approve <request-id> --approver admin-1
//
//	# Check whether the store needs a migration
//	ledger migrate status
package main

func main() {
	Execute()
}
