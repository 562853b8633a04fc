package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/accounts"
	"mercator-hq/ledger/pkg/ledger/state"
)

// Workflow manages budget change requests and direct modifications.
type Workflow struct {
	coord    *state.Coordinator
	accounts *accounts.Ledger
	config   Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a workflow.
func New(coord *state.Coordinator, acct *accounts.Ledger, cfg Config) *Workflow {
	cfg.applyDefaults()
	return &Workflow{
		coord:    coord,
		accounts: acct,
		config:   cfg,
		logger:   slog.Default().With("component", "ledger.workflow"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create records a pending request to raise an agent's allocation.
func (w *Workflow) Create(ctx context.Context, p CreateParams) (ledger.ChangeRequest, error) {
	const op = "create_request"
	if strings.TrimSpace(p.RequesterID) == "" {
		return ledger.ChangeRequest{}, ledger.NewError(op, p.AgentID, ledger.ErrInvalidInput, "requester id is empty")
	}
	justification, err := boundedText(op, p.AgentID, "justification", p.Justification,
		w.config.MinJustification, w.config.MaxJustification)
	if err != nil {
		return ledger.ChangeRequest{}, err
	}
	if p.RequestedBudget > w.config.MaxRequestedBudget {
		return ledger.ChangeRequest{}, ledger.NewError(op, p.AgentID, ledger.ErrInvalidAmount,
			"requested %s exceeds maximum %s", ledger.FormatUSD(p.RequestedBudget), ledger.FormatUSD(w.config.MaxRequestedBudget))
	}

	account, err := w.accounts.Get(p.AgentID)
	if err != nil {
		return ledger.ChangeRequest{}, err
	}
	if p.RequestedBudget <= account.TotalAllocated {
		return ledger.ChangeRequest{}, ledger.NewError(op, p.AgentID, ledger.ErrInvalidAmount,
			"requested %s must exceed current %s", ledger.FormatUSD(p.RequestedBudget), ledger.FormatUSD(account.TotalAllocated))
	}

	now := w.now()
	r, err := w.coord.CreateRequest(ctx, ledger.ChangeRequest{
		ID:              RequestIDPrefix + uuid.NewString(),
		AgentID:         p.AgentID,
		RequesterID:     p.RequesterID,
		CurrentBudget:   account.TotalAllocated,
		RequestedBudget: p.RequestedBudget,
		Justification:   justification,
		Status:          ledger.RequestPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return ledger.ChangeRequest{}, err
	}

	w.coord.AppendAudit(ctx, ledger.AuditEvent{
		AgentID:   r.AgentID,
		EventType: ledger.EventRequestCreated,
		EntityID:  r.ID,
		Actor:     r.RequesterID,
		Detail:    fmt.Sprintf("%s -> %s", ledger.FormatUSD(r.CurrentBudget), ledger.FormatUSD(r.RequestedBudget)),
	})
	w.logger.Info("budget request created",
		"request_id", r.ID,
		"agent_id", r.AgentID,
		"requester_id", r.RequesterID,
		"requested", r.RequestedBudget,
	)
	return r, nil
}

// Approve raises the agent's allocation to the requested budget. The
// History row linked to the request is committed with the new allocation,
// under the request lock.
//
// The delta is taken against the live allocation, not the one captured at
// Create. If the allocation has meanwhile reached the requested budget the
// approval fails with ErrStaleRequest and the request stays pending.
// Approving an approved request returns it unchanged; approving a rejected
// or cancelled one fails with ErrRequestNotPending.
func (w *Workflow) Approve(ctx context.Context, requestID, approverID string) (ledger.ChangeRequest, error) {
	const op = "approve_request"
	if strings.TrimSpace(approverID) == "" {
		return ledger.ChangeRequest{}, ledger.NewError(op, requestID, ledger.ErrInvalidInput, "approver id is empty")
	}

	var before, after ledger.Account
	applied := false
	r, err := w.coord.MutateRequest(ctx, requestID, func(r *ledger.ChangeRequest) error {
		switch r.Status {
		case ledger.RequestApproved:
			return state.ErrUnchanged
		case ledger.RequestPending:
		default:
			return ledger.NewError(op, requestID, ledger.ErrRequestNotPending, "status %s", r.Status)
		}

		raise := func(a ledger.Account) (int64, error) {
			if r.RequestedBudget <= a.TotalAllocated {
				return 0, ledger.NewError(op, requestID, ledger.ErrStaleRequest,
					"allocation %s already at or above requested %s",
					ledger.FormatUSD(a.TotalAllocated), ledger.FormatUSD(r.RequestedBudget))
			}
			return r.RequestedBudget, nil
		}
		entry := w.historyEntry(ledger.ModificationIncrease, approverID,
			fmt.Sprintf("Budget request %s approved", r.ID), r.ID)

		var err error
		before, after, _, err = w.accounts.AdjustWithHistory(ctx, r.AgentID, raise, entry)
		if err != nil {
			return err
		}

		r.Status = ledger.RequestApproved
		r.DecidedBy = approverID
		r.UpdatedAt = w.now()
		applied = true
		return nil
	})
	if err != nil || !applied {
		return r, err
	}

	w.coord.AppendAudit(ctx, ledger.AuditEvent{
		AgentID:   r.AgentID,
		EventType: ledger.EventRequestApproved,
		EntityID:  r.ID,
		Actor:     approverID,
		Detail:    fmt.Sprintf("%s -> %s", ledger.FormatUSD(before.TotalAllocated), ledger.FormatUSD(after.TotalAllocated)),
	})
	w.logger.Info("budget request approved",
		"request_id", r.ID,
		"agent_id", r.AgentID,
		"approver_id", approverID,
		"old_budget", before.TotalAllocated,
		"new_budget", after.TotalAllocated,
	)
	return r, nil
}

// Reject closes a pending request without changing any money.
func (w *Workflow) Reject(ctx context.Context, requestID, deciderID, reason string) (ledger.ChangeRequest, error) {
	const op = "reject_request"
	if strings.TrimSpace(deciderID) == "" {
		return ledger.ChangeRequest{}, ledger.NewError(op, requestID, ledger.ErrInvalidInput, "decider id is empty")
	}
	reason, err := boundedText(op, requestID, "reason", reason, w.config.MinReason, w.config.MaxReason)
	if err != nil {
		return ledger.ChangeRequest{}, err
	}
	return w.decide(ctx, op, requestID, ledger.RequestRejected, deciderID, reason)
}

// Cancel withdraws a pending request without changing any money.
func (w *Workflow) Cancel(ctx context.Context, requestID, actorID string) (ledger.ChangeRequest, error) {
	return w.decide(ctx, "cancel_request", requestID, ledger.RequestCancelled, actorID, "")
}

func (w *Workflow) decide(ctx context.Context, op, requestID string, status ledger.RequestStatus, actorID, reason string) (ledger.ChangeRequest, error) {
	applied := false
	r, err := w.coord.MutateRequest(ctx, requestID, func(r *ledger.ChangeRequest) error {
		switch r.Status {
		case status:
			return state.ErrUnchanged
		case ledger.RequestPending:
		default:
			return ledger.NewError(op, requestID, ledger.ErrRequestNotPending, "status %s", r.Status)
		}
		r.Status = status
		r.DecidedBy = actorID
		r.DecisionReason = reason
		r.UpdatedAt = w.now()
		applied = true
		return nil
	})
	if err != nil || !applied {
		return r, err
	}

	event := ledger.EventRequestRejected
	if status == ledger.RequestCancelled {
		event = ledger.EventRequestCancelled
	}
	w.coord.AppendAudit(ctx, ledger.AuditEvent{
		AgentID:   r.AgentID,
		EventType: event,
		EntityID:  r.ID,
		Actor:     actorID,
		Detail:    reason,
	})
	w.logger.Info("budget request "+string(status), "request_id", r.ID, "agent_id", r.AgentID)
	return r, nil
}

// Increase raises an allocation by m.Amount. Increases always succeed for
// a valid account.
func (w *Workflow) Increase(ctx context.Context, m Modification) (ledger.History, error) {
	const op = "increase_budget"
	if m.Amount <= 0 {
		return ledger.History{}, ledger.NewError(op, m.AgentID, ledger.ErrInvalidAmount, "amount %d", m.Amount)
	}
	return w.modify(ctx, op, m, ledger.ModificationIncrease, func(a ledger.Account) (int64, error) {
		next, err := ledger.AddChecked(a.TotalAllocated, m.Amount)
		if err != nil {
			return 0, ledger.NewError(op, m.AgentID, err, "")
		}
		return next, nil
	})
}

// Decrease lowers an allocation by m.Amount. It needs AcknowledgeRisk, and
// fails with ErrBelowCommitted if the new allocation would be below spent
// plus reserved, unless Override is set. Active leases are never touched.
func (w *Workflow) Decrease(ctx context.Context, m Modification) (ledger.History, error) {
	const op = "decrease_budget"
	if m.Amount <= 0 {
		return ledger.History{}, ledger.NewError(op, m.AgentID, ledger.ErrInvalidAmount, "amount %d", m.Amount)
	}
	if !m.AcknowledgeRisk {
		return ledger.History{}, ledger.NewError(op, m.AgentID, ledger.ErrRiskNotAcknowledged, "")
	}
	return w.modify(ctx, op, m, ledger.ModificationDecrease, func(a ledger.Account) (int64, error) {
		next := a.TotalAllocated - m.Amount
		if next < 0 {
			return 0, ledger.NewError(op, m.AgentID, ledger.ErrInvalidAmount,
				"decrease %s exceeds allocation %s", ledger.FormatUSD(m.Amount), ledger.FormatUSD(a.TotalAllocated))
		}
		if floor := a.TotalSpent + a.Reserved; next < floor && !m.Override {
			return 0, ledger.NewError(op, m.AgentID, ledger.ErrBelowCommitted,
				"new allocation %s below spent plus reserved %s", ledger.FormatUSD(next), ledger.FormatUSD(floor))
		}
		return next, nil
	})
}

// Reset sets the allocation to the committed spend, leaving nothing
// available for new reservations. It needs AcknowledgeRisk.
func (w *Workflow) Reset(ctx context.Context, m Modification) (ledger.History, error) {
	const op = "reset_budget"
	if !m.AcknowledgeRisk {
		return ledger.History{}, ledger.NewError(op, m.AgentID, ledger.ErrRiskNotAcknowledged, "")
	}
	return w.modify(ctx, op, m, ledger.ModificationReset, func(a ledger.Account) (int64, error) {
		return a.TotalSpent + a.Reserved, nil
	})
}

func (w *Workflow) modify(ctx context.Context, op string, m Modification, kind ledger.ModificationType, alloc accounts.Allocator) (ledger.History, error) {
	if strings.TrimSpace(m.ModifierID) == "" {
		return ledger.History{}, ledger.NewError(op, m.AgentID, ledger.ErrInvalidInput, "modifier id is empty")
	}
	reason, err := boundedText(op, m.AgentID, "reason", m.Reason, w.config.MinReason, w.config.MaxReason)
	if err != nil {
		return ledger.History{}, err
	}

	before, after, h, err := w.accounts.AdjustWithHistory(ctx, m.AgentID, alloc,
		w.historyEntry(kind, m.ModifierID, reason, ""))
	if err != nil {
		return ledger.History{}, err
	}
	if accounts.IsUnchanged(before, after) {
		return ledger.History{}, ledger.NewError(op, m.AgentID, ledger.ErrInvalidAmount,
			"allocation already %s", ledger.FormatUSD(after.TotalAllocated))
	}

	w.coord.AppendAudit(ctx, ledger.AuditEvent{
		AgentID:   m.AgentID,
		EventType: ledger.EventBudgetModified,
		EntityID:  h.ID,
		Actor:     m.ModifierID,
		Detail:    fmt.Sprintf("%s %s -> %s", kind, ledger.FormatUSD(h.OldBudget), ledger.FormatUSD(h.NewBudget)),
	})
	w.logger.Info("budget modified",
		"agent_id", m.AgentID,
		"modifier_id", m.ModifierID,
		"type", kind,
		"old_budget", h.OldBudget,
		"new_budget", h.NewBudget,
		"override", m.Override,
	)
	return h, nil
}

// historyEntry returns the builder for the History row committed with an
// allocation change.
func (w *Workflow) historyEntry(kind ledger.ModificationType, modifierID, reason, requestID string) accounts.HistoryFunc {
	return func(before, after ledger.Account) ledger.History {
		return ledger.History{
			ID:               HistoryIDPrefix + uuid.NewString(),
			AgentID:          after.AgentID,
			ModificationType: kind,
			OldBudget:        before.TotalAllocated,
			NewBudget:        after.TotalAllocated,
			ChangeAmount:     after.TotalAllocated - before.TotalAllocated,
			ModifierID:       modifierID,
			Reason:           reason,
			RelatedRequestID: requestID,
			CreatedAt:        w.now(),
		}
	}
}

// GetRequest returns a change request snapshot.
func (w *Workflow) GetRequest(requestID string) (ledger.ChangeRequest, error) {
	return w.coord.Request(requestID)
}

// ListRequests returns requests matching f, oldest first.
func (w *Workflow) ListRequests(f RequestFilter) []ledger.ChangeRequest {
	return w.coord.Requests(f.match)
}

// ListHistory returns an agent's allocation history, oldest first. An
// empty agentID lists every agent.
func (w *Workflow) ListHistory(agentID string) []ledger.History {
	return w.coord.History(agentID)
}

// boundedText trims s and checks its length in characters.
func boundedText(op, id, field, s string, minLen, maxLen int) (string, error) {
	s = strings.TrimSpace(s)
	n := utf8.RuneCountInString(s)
	if n < minLen || n > maxLen {
		return "", ledger.NewError(op, id, ledger.ErrInvalidInput,
			"%s must be %d to %d characters, got %d", field, minLen, maxLen, n)
	}
	return s, nil
}
