package lease

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/accounts"
	"mercator-hq/ledger/pkg/ledger/state"
)

// Manager opens leases, records usage against them and terminates them.
//
// Every cross-entity operation is two serialized single-entity mutations:
// the account and the lease are never locked together. Each half keeps its
// own entity consistent on its own, so a crash between them is healed by
// the coordinator's load-time reconciliation.
type Manager struct {
	coord    *state.Coordinator
	accounts *accounts.Ledger
	config   Config
	logger   *slog.Logger
	now      func() time.Time

	onTerminate func(ledger.Lease)
}

// NewManager creates a lease manager.
func NewManager(coord *state.Coordinator, acct *accounts.Ledger, cfg Config) *Manager {
	cfg.applyDefaults()
	return &Manager{
		coord:    coord,
		accounts: acct,
		config:   cfg,
		logger:   slog.Default().With("component", "ledger.lease"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// OnTerminate registers fn to run after each transition out of Active,
// once per lease. It must be called before the manager is used.
func (m *Manager) OnTerminate(fn func(ledger.Lease)) {
	m.onTerminate = fn
}

// Config returns the effective configuration.
func (m *Manager) Config() Config {
	return m.config
}

// Open reserves amount from the agent's remaining budget and creates an
// active lease for it. A zero amount reserves the configured default grant.
//
// On ErrInsufficientBudget no lease is created and the account is unchanged.
func (m *Manager) Open(ctx context.Context, agentID string, amount int64) (ledger.Lease, error) {
	if amount == 0 {
		amount = m.config.DefaultGrant
	}
	if amount < 0 || amount > m.config.MaxGrant {
		return ledger.Lease{}, ledger.NewError("open_lease", agentID, ledger.ErrInvalidAmount,
			"grant %s outside (0, %s]", ledger.FormatUSD(amount), ledger.FormatUSD(m.config.MaxGrant))
	}

	if _, err := m.accounts.Reserve(ctx, agentID, amount); err != nil {
		return ledger.Lease{}, err
	}

	now := m.now()
	l := ledger.Lease{
		ID:            IDPrefix + uuid.NewString(),
		AgentID:       agentID,
		BudgetGranted: amount,
		Status:        ledger.LeaseActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if m.config.DefaultTTL > 0 {
		expires := now.Add(m.config.DefaultTTL)
		l.ExpiresAt = &expires
	}

	l, err := m.coord.CreateLease(ctx, l)
	if err != nil {
		// Hand the reservation back; the lease never existed.
		if _, rerr := m.accounts.Release(ctx, agentID, amount); rerr != nil {
			m.logger.Error("failed to release reservation for unopened lease",
				"agent_id", agentID,
				"amount", amount,
				"error", rerr,
			)
		}
		return ledger.Lease{}, err
	}

	m.coord.AppendAudit(ctx, ledger.AuditEvent{
		AgentID:   agentID,
		EventType: ledger.EventLeaseOpened,
		EntityID:  l.ID,
		Detail:    "granted " + ledger.FormatUSD(amount),
	})
	m.logger.Debug("lease opened", "lease_id", l.ID, "agent_id", agentID, "granted", amount)
	return l, nil
}

// ReportSpend records actual usage against a lease, then moves the same
// amount from the account's reservation to its spend.
//
// It fails with ErrLeaseNotActive if the lease is terminal or past its
// ExpiresAt, and ErrLeaseExhausted if cost exceeds the lease headroom. In
// both cases the lease is unchanged. A zero cost is a heartbeat that only
// refreshes UpdatedAt, which keeps the lease from going stale.
//
// Once the lease accepts the spend the call succeeds, even if the account
// side cannot be updated (for example while the account is quarantined).
// Returning an error there would invite a retry that charges the lease
// twice.
func (m *Manager) ReportSpend(ctx context.Context, leaseID string, cost int64) (ledger.Lease, error) {
	if cost < 0 {
		return ledger.Lease{}, ledger.NewError("report_spend", leaseID, ledger.ErrInvalidAmount, "cost %d", cost)
	}

	now := m.now()
	l, err := m.coord.MutateLease(ctx, leaseID, func(l *ledger.Lease) error {
		if l.Status != ledger.LeaseActive {
			return ledger.NewError("report_spend", leaseID, ledger.ErrLeaseNotActive, "status %s", l.Status)
		}
		if l.Expired(now) {
			return ledger.NewError("report_spend", leaseID, ledger.ErrLeaseNotActive,
				"expired at %s", l.ExpiresAt.Format(time.RFC3339))
		}
		if cost > l.Headroom() {
			return ledger.NewError("report_spend", leaseID, ledger.ErrLeaseExhausted,
				"cost %s, headroom %s", ledger.FormatUSD(cost), ledger.FormatUSD(l.Headroom()))
		}
		l.BudgetSpent += cost
		l.UpdatedAt = now
		return nil
	})
	if err != nil || cost == 0 {
		return l, err
	}

	if _, err := m.accounts.RecordSpend(ctx, l.AgentID, cost); err != nil {
		// The lease already holds the spend; reconciliation on load
		// restores the account's totals from its leases.
		m.logger.Error("lease spend recorded but account update failed",
			"lease_id", leaseID,
			"agent_id", l.AgentID,
			"cost", cost,
			"error", err,
		)
	}
	return l, nil
}

// Close ends the lease and returns its unused reservation. Closing a
// terminal lease returns it unchanged.
func (m *Manager) Close(ctx context.Context, leaseID string) (ledger.Lease, error) {
	l, _, err := m.terminate(ctx, leaseID, ledger.LeaseClosed, "", nil)
	return l, err
}

// Expire moves an active lease to Expired regardless of its deadline.
// The sweeper uses the same transition but only for leases that are due.
func (m *Manager) Expire(ctx context.Context, leaseID string) (ledger.Lease, error) {
	l, _, err := m.terminate(ctx, leaseID, ledger.LeaseExpired, "", nil)
	return l, err
}

// Revoke terminates a lease on operator request. The reason is recorded in
// the audit log.
func (m *Manager) Revoke(ctx context.Context, leaseID, reason string) (ledger.Lease, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ledger.Lease{}, ledger.NewError("revoke_lease", leaseID, ledger.ErrInvalidInput, "reason is required")
	}
	l, _, err := m.terminate(ctx, leaseID, ledger.LeaseRevoked, reason, nil)
	return l, err
}

// Refresh closes an active lease and opens a new one for the same agent.
// A zero amount reuses the old grant. The old lease's headroom is returned
// before the new reservation is taken.
func (m *Manager) Refresh(ctx context.Context, leaseID string, amount int64) (ledger.Lease, error) {
	old, err := m.coord.Lease(leaseID)
	if err != nil {
		return ledger.Lease{}, err
	}
	if old.Status != ledger.LeaseActive {
		return ledger.Lease{}, ledger.NewError("refresh_lease", leaseID, ledger.ErrLeaseNotActive, "status %s", old.Status)
	}
	if amount == 0 {
		amount = old.BudgetGranted
	}
	if amount < 0 || amount > m.config.MaxGrant {
		return ledger.Lease{}, ledger.NewError("refresh_lease", leaseID, ledger.ErrInvalidAmount,
			"grant %s outside (0, %s]", ledger.FormatUSD(amount), ledger.FormatUSD(m.config.MaxGrant))
	}

	closed, ok, err := m.terminate(ctx, leaseID, ledger.LeaseClosed, "", nil)
	if err != nil {
		return ledger.Lease{}, err
	}
	if !ok {
		// Lost a race with the sweeper, an operator or another refresh.
		return ledger.Lease{}, ledger.NewError("refresh_lease", leaseID, ledger.ErrLeaseNotActive, "status %s", closed.Status)
	}
	return m.Open(ctx, old.AgentID, amount)
}

// Get returns a lease snapshot.
func (m *Manager) Get(leaseID string) (ledger.Lease, error) {
	return m.coord.Lease(leaseID)
}

// List returns leases matching f, oldest first.
func (m *Manager) List(f Filter) []ledger.Lease {
	return m.coord.Leases(f.match)
}

// due reports whether an active lease should be swept at now.
func (m *Manager) due(l ledger.Lease, now time.Time) bool {
	if l.Status != ledger.LeaseActive {
		return false
	}
	if l.ExpiresAt != nil {
		return l.Expired(now)
	}
	return now.Sub(l.UpdatedAt) >= m.config.StaleThreshold
}

// terminate moves a lease to status and releases its headroom. guard, if
// set, is re-evaluated under the lease lock; a false result leaves the
// lease active. The account release and audit happen only for the caller
// that performed the transition, which is reported as the second result.
func (m *Manager) terminate(ctx context.Context, leaseID string, status ledger.LeaseStatus, reason string,
	guard func(ledger.Lease) bool) (ledger.Lease, bool, error) {
	transitioned := false
	now := m.now()

	l, err := m.coord.MutateLease(ctx, leaseID, func(l *ledger.Lease) error {
		if l.Status.Terminal() {
			return state.ErrUnchanged
		}
		if guard != nil && !guard(*l) {
			return state.ErrUnchanged
		}
		closedAt := now
		l.Status = status
		l.ClosedAt = &closedAt
		l.ReturnedAmount = l.Headroom()
		l.UpdatedAt = now
		transitioned = true
		return nil
	})
	if err != nil || !transitioned {
		return l, false, err
	}

	if _, err := m.accounts.Release(ctx, l.AgentID, l.ReturnedAmount); err != nil {
		m.logger.Error("lease terminated but reservation release failed",
			"lease_id", leaseID,
			"agent_id", l.AgentID,
			"returned", l.ReturnedAmount,
			"error", err,
		)
		return l, true, err
	}

	detail := "returned " + ledger.FormatUSD(l.ReturnedAmount)
	if reason != "" {
		detail += ": " + reason
	}
	m.coord.AppendAudit(ctx, ledger.AuditEvent{
		AgentID:   l.AgentID,
		EventType: eventFor(status),
		EntityID:  l.ID,
		Detail:    detail,
	})
	m.logger.Debug("lease terminated",
		"lease_id", l.ID,
		"agent_id", l.AgentID,
		"status", status,
		"spent", l.BudgetSpent,
		"returned", l.ReturnedAmount,
	)
	if m.onTerminate != nil {
		m.onTerminate(l)
	}
	return l, true, nil
}

func eventFor(s ledger.LeaseStatus) string {
	switch s {
	case ledger.LeaseClosed:
		return ledger.EventLeaseClosed
	case ledger.LeaseExpired:
		return ledger.EventLeaseExpired
	default:
		return ledger.EventLeaseRevoked
	}
}
