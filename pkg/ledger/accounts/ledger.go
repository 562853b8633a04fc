package accounts

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/state"
)

// MaxAgentIDLength bounds agent identifiers.
const MaxAgentIDLength = 128

// Ledger manages per-agent budget accounts.
type Ledger struct {
	coord  *state.Coordinator
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger on top of coord.
func New(coord *state.Coordinator) *Ledger {
	return &Ledger{
		coord:  coord,
		logger: slog.Default().With("component", "ledger.accounts"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// ValidateAgentID checks an agent identifier.
func ValidateAgentID(agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return ledger.NewError("validate", agentID, ledger.ErrInvalidInput, "agent id is empty")
	}
	if len(agentID) > MaxAgentIDLength {
		return ledger.NewError("validate", agentID, ledger.ErrInvalidInput,
			"agent id longer than %d bytes", MaxAgentIDLength)
	}
	return nil
}

// Register creates an account with an initial allocation.
func (l *Ledger) Register(ctx context.Context, agentID string, initial int64) (ledger.Account, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return ledger.Account{}, err
	}
	if initial < 0 {
		return ledger.Account{}, ledger.NewError("register", agentID, ledger.ErrInvalidAmount,
			"initial allocation %d", initial)
	}

	now := l.now()
	a, err := l.coord.CreateAccount(ctx, ledger.Account{
		AgentID:         agentID,
		TotalAllocated:  initial,
		BudgetRemaining: initial,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return ledger.Account{}, err
	}

	l.coord.AppendAudit(ctx, ledger.AuditEvent{
		AgentID:   agentID,
		EventType: ledger.EventAgentRegistered,
		EntityID:  agentID,
		Detail:    "initial allocation " + ledger.FormatUSD(initial),
	})
	l.logger.Info("agent registered", "agent_id", agentID, "allocation", initial)
	return a, nil
}

// Get returns an account snapshot.
func (l *Ledger) Get(agentID string) (ledger.Account, error) {
	return l.coord.Account(agentID)
}

// List returns every account ordered by agent id.
func (l *Ledger) List() []ledger.Account {
	return l.coord.Accounts()
}

// Reserve moves amount from BudgetRemaining into Reserved. It fails with
// ErrInsufficientBudget if amount exceeds the remaining capacity, which
// includes any account left negative by an override decrease.
func (l *Ledger) Reserve(ctx context.Context, agentID string, amount int64) (ledger.Account, error) {
	if amount <= 0 {
		return ledger.Account{}, ledger.NewError("reserve", agentID, ledger.ErrInvalidAmount, "amount %d", amount)
	}
	return l.coord.MutateAccount(ctx, agentID, func(a *ledger.Account) error {
		if amount > a.BudgetRemaining {
			return ledger.NewError("reserve", agentID, ledger.ErrInsufficientBudget,
				"requested %s, remaining %s", ledger.FormatUSD(amount), ledger.FormatUSD(a.BudgetRemaining))
		}
		a.BudgetRemaining -= amount
		a.Reserved += amount
		a.UpdatedAt = l.now()
		return nil
	})
}

// Release returns amount from Reserved to BudgetRemaining. Releasing zero
// leaves the account untouched.
func (l *Ledger) Release(ctx context.Context, agentID string, amount int64) (ledger.Account, error) {
	if amount < 0 {
		return ledger.Account{}, ledger.NewError("release", agentID, ledger.ErrInvalidAmount, "amount %d", amount)
	}
	return l.coord.MutateAccount(ctx, agentID, func(a *ledger.Account) error {
		if amount == 0 {
			return state.ErrUnchanged
		}
		if amount > a.Reserved {
			return ledger.NewError("release", agentID, ledger.ErrInvalidAmount,
				"releasing %d with only %d reserved", amount, a.Reserved)
		}
		a.Reserved -= amount
		a.BudgetRemaining += amount
		a.UpdatedAt = l.now()
		return nil
	})
}

// RecordSpend moves amount from Reserved into TotalSpent. BudgetRemaining
// is unchanged because the capacity was carved out at reservation.
func (l *Ledger) RecordSpend(ctx context.Context, agentID string, amount int64) (ledger.Account, error) {
	if amount < 0 {
		return ledger.Account{}, ledger.NewError("record_spend", agentID, ledger.ErrInvalidAmount, "amount %d", amount)
	}
	return l.coord.MutateAccount(ctx, agentID, func(a *ledger.Account) error {
		if amount == 0 {
			return state.ErrUnchanged
		}
		if amount > a.Reserved {
			return ledger.NewError("record_spend", agentID, ledger.ErrInvalidAmount,
				"spend %d exceeds reserved %d", amount, a.Reserved)
		}
		spent, err := ledger.AddChecked(a.TotalSpent, amount)
		if err != nil {
			return ledger.NewError("record_spend", agentID, err, "")
		}
		a.TotalSpent = spent
		a.Reserved -= amount
		a.UpdatedAt = l.now()
		return nil
	})
}

// Allocator computes a new allocation from the current account. It runs
// under the account lock and may return state.ErrUnchanged.
type Allocator func(a ledger.Account) (int64, error)

// Adjust sets TotalAllocated to the value computed by alloc and moves
// BudgetRemaining by the same delta. Reserved and TotalSpent never change,
// so active leases keep their reservations. It returns the account before
// and after the change.
func (l *Ledger) Adjust(ctx context.Context, agentID string, alloc Allocator) (before, after ledger.Account, err error) {
	after, err = l.coord.MutateAccount(ctx, agentID, l.adjustFn(agentID, alloc, &before))
	return before, after, l.checkAdjusted(agentID, before, after, err)
}

// HistoryFunc builds the History row for an allocation change.
type HistoryFunc func(before, after ledger.Account) ledger.History

// AdjustWithHistory is Adjust with the History row committed together with
// the new allocation. The History is zero when the allocation did not
// change.
func (l *Ledger) AdjustWithHistory(ctx context.Context, agentID string, alloc Allocator, entry HistoryFunc) (before, after ledger.Account, h ledger.History, err error) {
	after, h, err = l.coord.MutateAccountWithHistory(ctx, agentID, l.adjustFn(agentID, alloc, &before), entry)
	return before, after, h, l.checkAdjusted(agentID, before, after, err)
}

func (l *Ledger) adjustFn(agentID string, alloc Allocator, before *ledger.Account) func(*ledger.Account) error {
	return func(a *ledger.Account) error {
		*before = *a
		next, err := alloc(*a)
		if err != nil {
			return err
		}
		if next < 0 {
			return ledger.NewError("adjust", agentID, ledger.ErrInvalidAmount, "allocation %d", next)
		}
		if next == a.TotalAllocated {
			return state.ErrUnchanged
		}
		committed, err := ledger.AddChecked(a.TotalSpent, a.Reserved)
		if err != nil {
			return ledger.NewError("adjust", agentID, err, "")
		}
		a.TotalAllocated = next
		a.BudgetRemaining = next - committed
		a.UpdatedAt = l.now()
		return nil
	}
}

func (l *Ledger) checkAdjusted(agentID string, before, after ledger.Account, err error) error {
	if err != nil {
		return err
	}
	if after.Overdrawn() && !before.Overdrawn() {
		l.logger.Warn("account overdrawn, new reservations blocked",
			"agent_id", agentID,
			"allocated", after.TotalAllocated,
			"remaining", after.BudgetRemaining,
		)
	}
	return nil
}

// IsUnchanged reports whether an Adjust left the allocation as it was.
func IsUnchanged(before, after ledger.Account) bool {
	return before.TotalAllocated == after.TotalAllocated
}
