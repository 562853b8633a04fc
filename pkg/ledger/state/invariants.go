package state

import (
	"fmt"

	"mercator-hq/ledger/pkg/ledger"
)

// checkAccount validates an account transition. old is nil on creation.
func checkAccount(old *ledger.Account, a ledger.Account) error {
	if a.AgentID == "" {
		return fmt.Errorf("empty agent id")
	}
	if old != nil && old.AgentID != a.AgentID {
		return fmt.Errorf("agent id changed from %s to %s", old.AgentID, a.AgentID)
	}
	if a.TotalAllocated < 0 || a.TotalSpent < 0 || a.Reserved < 0 {
		return fmt.Errorf("negative allocation, spend or reservation (allocated=%d spent=%d reserved=%d)",
			a.TotalAllocated, a.TotalSpent, a.Reserved)
	}
	if old != nil && a.TotalSpent < old.TotalSpent {
		return fmt.Errorf("total_spent decreased from %d to %d", old.TotalSpent, a.TotalSpent)
	}

	sum, err := ledger.AddChecked(a.TotalSpent, a.BudgetRemaining)
	if err == nil {
		sum, err = ledger.AddChecked(sum, a.Reserved)
	}
	if err != nil || sum != a.TotalAllocated {
		return fmt.Errorf("conservation broken: allocated=%d spent=%d remaining=%d reserved=%d",
			a.TotalAllocated, a.TotalSpent, a.BudgetRemaining, a.Reserved)
	}
	return nil
}

// checkLease validates a lease transition. old is nil on creation.
func checkLease(old *ledger.Lease, l ledger.Lease) error {
	if l.ID == "" || l.AgentID == "" {
		return fmt.Errorf("lease without id or agent")
	}
	if !l.Status.Valid() {
		return fmt.Errorf("unknown lease status %q", l.Status)
	}
	if l.BudgetGranted <= 0 {
		return fmt.Errorf("non-positive grant %d", l.BudgetGranted)
	}
	if l.BudgetSpent < 0 || l.BudgetSpent > l.BudgetGranted {
		return fmt.Errorf("spent %d outside [0, %d]", l.BudgetSpent, l.BudgetGranted)
	}

	if old == nil {
		if l.Status != ledger.LeaseActive || l.BudgetSpent != 0 {
			return fmt.Errorf("lease must be created active and unspent")
		}
	} else {
		if old.AgentID != l.AgentID || old.BudgetGranted != l.BudgetGranted {
			return fmt.Errorf("lease owner or grant changed")
		}
		if l.BudgetSpent < old.BudgetSpent {
			return fmt.Errorf("budget_spent decreased from %d to %d", old.BudgetSpent, l.BudgetSpent)
		}
		if old.Status.Terminal() && (l.Status != old.Status || l.BudgetSpent != old.BudgetSpent || l.ReturnedAmount != old.ReturnedAmount) {
			return fmt.Errorf("terminal lease %s modified", old.Status)
		}
	}

	if l.Status.Terminal() {
		if l.ReturnedAmount != l.Headroom() {
			return fmt.Errorf("returned %d, want granted-spent %d", l.ReturnedAmount, l.Headroom())
		}
		if l.ClosedAt == nil {
			return fmt.Errorf("terminal lease without closed_at")
		}
	} else if l.ReturnedAmount != 0 {
		return fmt.Errorf("active lease with returned amount %d", l.ReturnedAmount)
	}
	return nil
}

// checkRequest validates a change request transition. old is nil on creation.
func checkRequest(old *ledger.ChangeRequest, r ledger.ChangeRequest) error {
	if r.ID == "" || r.AgentID == "" {
		return fmt.Errorf("request without id or agent")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown request status %q", r.Status)
	}
	if old == nil {
		if r.Status != ledger.RequestPending {
			return fmt.Errorf("request must be created pending")
		}
		if r.RequestedBudget <= r.CurrentBudget {
			return fmt.Errorf("requested %d not above current %d", r.RequestedBudget, r.CurrentBudget)
		}
		return nil
	}
	if old.AgentID != r.AgentID || old.RequestedBudget != r.RequestedBudget || old.CurrentBudget != r.CurrentBudget {
		return fmt.Errorf("request amounts or owner changed")
	}
	if old.Status.Terminal() && r.Status != old.Status {
		return fmt.Errorf("terminal request moved from %s to %s", old.Status, r.Status)
	}
	return nil
}
