package engine

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"mercator-hq/ledger/pkg/costs"
	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/lease"
	"mercator-hq/ledger/pkg/ledger/retention"
	"mercator-hq/ledger/pkg/ledger/state"
	"mercator-hq/ledger/pkg/ledger/storage"
	"mercator-hq/ledger/pkg/ledger/workflow"
	"mercator-hq/ledger/pkg/telemetry/logging"
	"mercator-hq/ledger/pkg/telemetry/tracing"
)

// Accounts

// RegisterAgent creates an account with an initial allocation.
func (e *Engine) RegisterAgent(ctx context.Context, agentID string, initial int64) (ledger.Account, error) {
	ctx = logging.WithAgentID(ctx, agentID)
	return observe(ctx, e, "register_agent", func(ctx context.Context, span trace.Span) (ledger.Account, error) {
		tracing.SetAgent(span, agentID)
		tracing.SetAmount(span, initial)
		return e.accounts.Register(ctx, agentID, initial)
	})
}

// GetAccount returns an account snapshot.
func (e *Engine) GetAccount(agentID string) (ledger.Account, error) {
	return e.accounts.Get(agentID)
}

// ListAccounts returns every account ordered by agent id.
func (e *Engine) ListAccounts() []ledger.Account {
	return e.accounts.List()
}

// Leases

// OpenLease reserves amount for agentID. A zero amount reserves the
// configured default grant.
func (e *Engine) OpenLease(ctx context.Context, agentID string, amount int64) (ledger.Lease, error) {
	ctx = logging.WithAgentID(ctx, agentID)
	return observe(ctx, e, "open_lease", func(ctx context.Context, span trace.Span) (ledger.Lease, error) {
		tracing.SetAgent(span, agentID)
		tracing.SetAmount(span, amount)
		l, err := e.leases.Open(ctx, agentID, amount)
		if err == nil {
			tracing.SetLease(span, l.ID)
		}
		return l, err
	})
}

// OpenForCall opens a lease sized for the worst case of one provider call:
// inputTokens plus maxOutputTokens (or the model's output cap when
// maxOutputTokens is zero) priced for model. Unknown models fail with
// costs.ErrUnknownModel before anything is reserved.
func (e *Engine) OpenForCall(ctx context.Context, agentID, model string, inputTokens, maxOutputTokens int64) (ledger.Lease, error) {
	ctx = logging.WithAgentID(ctx, agentID)
	return observe(ctx, e, "open_for_call", func(ctx context.Context, span trace.Span) (ledger.Lease, error) {
		tracing.SetAgent(span, agentID)
		tracing.SetUsage(span, model, inputTokens, maxOutputTokens)

		estimate, err := e.calc.MaxCost(inputTokens, maxOutputTokens, model)
		if err != nil {
			return ledger.Lease{}, err
		}
		if estimate == 0 {
			estimate = minCallGrant
		}
		tracing.SetAmount(span, estimate)

		l, err := e.leases.Open(ctx, agentID, estimate)
		if err == nil {
			tracing.SetLease(span, l.ID)
		}
		return l, err
	})
}

// ReportSpend records cost microdollars of usage against a lease.
func (e *Engine) ReportSpend(ctx context.Context, leaseID string, cost int64) (ledger.Lease, error) {
	ctx = logging.WithLeaseID(ctx, leaseID)
	l, err := observe(ctx, e, "report_spend", func(ctx context.Context, span trace.Span) (ledger.Lease, error) {
		tracing.SetLease(span, leaseID)
		tracing.SetAmount(span, cost)
		return e.leases.ReportSpend(ctx, leaseID, cost)
	})
	if err == nil {
		e.ops.RecordSpend(cost)
	}
	return l, err
}

// ReportUsage prices a finished call and records it against a lease. It
// returns the updated lease and the cost charged.
func (e *Engine) ReportUsage(ctx context.Context, leaseID, model string, inputTokens, outputTokens int64) (ledger.Lease, int64, error) {
	ctx = logging.WithLeaseID(ctx, leaseID)
	var cost int64
	l, err := observe(ctx, e, "report_usage", func(ctx context.Context, span trace.Span) (ledger.Lease, error) {
		tracing.SetLease(span, leaseID)
		tracing.SetUsage(span, model, inputTokens, outputTokens)

		var err error
		if cost, err = e.calc.Cost(inputTokens, outputTokens, model); err != nil {
			return ledger.Lease{}, err
		}
		tracing.SetAmount(span, cost)
		return e.leases.ReportSpend(ctx, leaseID, cost)
	})
	if err != nil {
		return l, 0, err
	}
	e.ops.RecordSpend(cost)
	return l, cost, nil
}

// CloseLease ends a lease and returns its unused reservation.
func (e *Engine) CloseLease(ctx context.Context, leaseID string) (ledger.Lease, error) {
	return e.endLease(ctx, "close_lease", leaseID, e.leases.Close)
}

// ExpireLease expires an active lease immediately.
func (e *Engine) ExpireLease(ctx context.Context, leaseID string) (ledger.Lease, error) {
	return e.endLease(ctx, "expire_lease", leaseID, e.leases.Expire)
}

// RevokeLease terminates a lease on operator request.
func (e *Engine) RevokeLease(ctx context.Context, leaseID, actor, reason string) (ledger.Lease, error) {
	ctx = logging.WithActor(ctx, actor)
	return e.endLease(ctx, "revoke_lease", leaseID, func(ctx context.Context, id string) (ledger.Lease, error) {
		return e.leases.Revoke(ctx, id, reason)
	})
}

func (e *Engine) endLease(ctx context.Context, op, leaseID string, end func(context.Context, string) (ledger.Lease, error)) (ledger.Lease, error) {
	ctx = logging.WithLeaseID(ctx, leaseID)
	return observe(ctx, e, op, func(ctx context.Context, span trace.Span) (ledger.Lease, error) {
		tracing.SetLease(span, leaseID)
		l, err := end(ctx, leaseID)
		if err == nil {
			tracing.SetAgent(span, l.AgentID)
			tracing.SetAmount(span, l.ReturnedAmount)
		}
		return l, err
	})
}

// RefreshLease closes a lease and opens a new one for the same agent. A
// zero amount reuses the old grant.
func (e *Engine) RefreshLease(ctx context.Context, leaseID string, amount int64) (ledger.Lease, error) {
	ctx = logging.WithLeaseID(ctx, leaseID)
	return observe(ctx, e, "refresh_lease", func(ctx context.Context, span trace.Span) (ledger.Lease, error) {
		tracing.SetLease(span, leaseID)
		tracing.SetAmount(span, amount)
		return e.leases.Refresh(ctx, leaseID, amount)
	})
}

// GetLease returns a lease snapshot.
func (e *Engine) GetLease(leaseID string) (ledger.Lease, error) {
	return e.leases.Get(leaseID)
}

// ListLeases returns leases matching f, oldest first.
func (e *Engine) ListLeases(f lease.Filter) []ledger.Lease {
	return e.leases.List(f)
}

// SweepLeases expires every due lease now.
func (e *Engine) SweepLeases(ctx context.Context) (lease.SweepResult, error) {
	return observe(ctx, e, "sweep_leases", func(ctx context.Context, _ trace.Span) (lease.SweepResult, error) {
		return e.sweeper.SweepOnce(ctx)
	})
}

// Change requests and direct modifications

// CreateRequest files a pending request for a larger allocation.
func (e *Engine) CreateRequest(ctx context.Context, p workflow.CreateParams) (ledger.ChangeRequest, error) {
	ctx = logging.WithActor(logging.WithAgentID(ctx, p.AgentID), p.RequesterID)
	return observe(ctx, e, "create_request", func(ctx context.Context, span trace.Span) (ledger.ChangeRequest, error) {
		tracing.SetAgent(span, p.AgentID)
		tracing.SetActor(span, p.RequesterID)
		tracing.SetAmount(span, p.RequestedBudget)
		r, err := e.workflow.Create(ctx, p)
		if err == nil {
			tracing.SetRequest(span, r.ID)
		}
		return r, err
	})
}

// ApproveRequest applies a pending request to the live allocation.
func (e *Engine) ApproveRequest(ctx context.Context, requestID, approverID string) (ledger.ChangeRequest, error) {
	return e.decide(ctx, "approve_request", requestID, approverID, func(ctx context.Context) (ledger.ChangeRequest, error) {
		return e.workflow.Approve(ctx, requestID, approverID)
	})
}

// RejectRequest closes a pending request without changing money.
func (e *Engine) RejectRequest(ctx context.Context, requestID, deciderID, reason string) (ledger.ChangeRequest, error) {
	return e.decide(ctx, "reject_request", requestID, deciderID, func(ctx context.Context) (ledger.ChangeRequest, error) {
		return e.workflow.Reject(ctx, requestID, deciderID, reason)
	})
}

// CancelRequest withdraws a pending request.
func (e *Engine) CancelRequest(ctx context.Context, requestID, actorID string) (ledger.ChangeRequest, error) {
	return e.decide(ctx, "cancel_request", requestID, actorID, func(ctx context.Context) (ledger.ChangeRequest, error) {
		return e.workflow.Cancel(ctx, requestID, actorID)
	})
}

func (e *Engine) decide(ctx context.Context, op, requestID, actor string, fn func(context.Context) (ledger.ChangeRequest, error)) (ledger.ChangeRequest, error) {
	ctx = logging.WithActor(logging.WithRequestID(ctx, requestID), actor)
	return observe(ctx, e, op, func(ctx context.Context, span trace.Span) (ledger.ChangeRequest, error) {
		tracing.SetRequest(span, requestID)
		tracing.SetActor(span, actor)
		r, err := fn(ctx)
		if err == nil {
			tracing.SetAgent(span, r.AgentID)
		}
		return r, err
	})
}

// GetRequest returns a change request snapshot.
func (e *Engine) GetRequest(requestID string) (ledger.ChangeRequest, error) {
	return e.workflow.GetRequest(requestID)
}

// ListRequests returns requests matching f, oldest first.
func (e *Engine) ListRequests(f workflow.RequestFilter) []ledger.ChangeRequest {
	return e.workflow.ListRequests(f)
}

// IncreaseBudget raises an allocation directly.
func (e *Engine) IncreaseBudget(ctx context.Context, m workflow.Modification) (ledger.History, error) {
	return e.modify(ctx, "increase_budget", m, e.workflow.Increase)
}

// DecreaseBudget lowers an allocation directly.
func (e *Engine) DecreaseBudget(ctx context.Context, m workflow.Modification) (ledger.History, error) {
	return e.modify(ctx, "decrease_budget", m, e.workflow.Decrease)
}

// ResetBudget sets an allocation to its committed spend.
func (e *Engine) ResetBudget(ctx context.Context, m workflow.Modification) (ledger.History, error) {
	return e.modify(ctx, "reset_budget", m, e.workflow.Reset)
}

func (e *Engine) modify(ctx context.Context, op string, m workflow.Modification,
	fn func(context.Context, workflow.Modification) (ledger.History, error)) (ledger.History, error) {
	ctx = logging.WithActor(logging.WithAgentID(ctx, m.AgentID), m.ModifierID)
	return observe(ctx, e, op, func(ctx context.Context, span trace.Span) (ledger.History, error) {
		tracing.SetAgent(span, m.AgentID)
		tracing.SetActor(span, m.ModifierID)
		tracing.SetAmount(span, m.Amount)
		return fn(ctx, m)
	})
}

// ListHistory returns an agent's allocation history, oldest first. An
// empty agentID lists every agent.
func (e *Engine) ListHistory(agentID string) []ledger.History {
	return e.workflow.ListHistory(agentID)
}

// Audit and quarantine

// ListAudit queries the durable audit log. Events still queued for the
// store are not visible until Flush.
func (e *Engine) ListAudit(ctx context.Context, q storage.AuditQuery) ([]ledger.AuditEvent, error) {
	return e.store.ListAudit(ctx, q)
}

// PruneAudit deletes audit events older than olderThan, archiving them
// first when audit.archive_path is set. A zero olderThan applies
// audit.retention_days, which does nothing when retention is disabled.
func (e *Engine) PruneAudit(ctx context.Context, olderThan time.Duration) (retention.Result, error) {
	if olderThan < 0 {
		return retention.Result{}, ledger.NewError("prune_audit", "", ledger.ErrInvalidInput, "age must not be negative")
	}
	return observe(ctx, e, "prune_audit", func(ctx context.Context, _ trace.Span) (retention.Result, error) {
		if err := e.coord.Flush(ctx); err != nil {
			return retention.Result{}, err
		}
		if olderThan == 0 {
			return e.pruner.Prune(ctx)
		}
		return e.pruner.PruneBefore(ctx, time.Now().Add(-olderThan))
	})
}

// Quarantined returns quarantined entities keyed by "kind:id" with the
// violation that caused each.
func (e *Engine) Quarantined() map[string]string {
	return e.coord.Quarantined()
}

// ClearQuarantine re-admits an entity after manual inspection.
func (e *Engine) ClearQuarantine(ctx context.Context, kind state.EntityKind, id string) error {
	_, err := observe(ctx, e, "clear_quarantine", func(context.Context, trace.Span) (struct{}, error) {
		return struct{}{}, e.coord.ClearQuarantine(kind, id)
	})
	if err == nil {
		e.logger.WarnContext(ctx, "quarantine cleared", "kind", kind, "id", id)
	}
	return err
}

// Pricing

// Cost prices a finished call in microdollars.
func (e *Engine) Cost(inputTokens, outputTokens int64, model string) (int64, error) {
	return e.calc.Cost(inputTokens, outputTokens, model)
}

// MaxCost returns the worst-case price of a call in microdollars.
func (e *Engine) MaxCost(inputTokens, maxOutputTokens int64, model string) (int64, error) {
	return e.calc.MaxCost(inputTokens, maxOutputTokens, model)
}

// Pricing returns the pricing entry for model.
func (e *Engine) Pricing(model string) (costs.ModelPricing, error) {
	return e.calc.Pricing(model)
}
