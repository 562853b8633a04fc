package ledger

import (
	"time"
)

// MicrosPerUSD is the number of microdollars in one US dollar.
const MicrosPerUSD int64 = 1_000_000

// Account is the per-agent budget record (one per agent).
//
// BudgetRemaining is the unreserved capacity. Money carved out into active
// leases is tracked in Reserved so that
//
//	TotalAllocated == TotalSpent + BudgetRemaining + Reserved
//
// holds for every account at every observable point.
type Account struct {
	// AgentID identifies the agent that owns this budget.
	AgentID string `json:"agent_id"`

	// TotalAllocated is the agent's total budget in microdollars.
	TotalAllocated int64 `json:"total_allocated"`

	// TotalSpent is the monotone sum of reported spend in microdollars.
	TotalSpent int64 `json:"total_spent"`

	// BudgetRemaining is the capacity still available for new reservations.
	// It may be negative after an override decrease.
	BudgetRemaining int64 `json:"budget_remaining"`

	// Reserved is the sum of (granted - spent) over the agent's active leases.
	Reserved int64 `json:"reserved"`

	// CreatedAt is when the agent was registered.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is the time of the last mutation.
	UpdatedAt time.Time `json:"updated_at"`
}

// Overdrawn reports whether an override decrease pushed the account below
// its committed spend. New reservations are refused while this holds.
func (a Account) Overdrawn() bool {
	return a.BudgetRemaining < 0
}

// LeaseStatus is the lifecycle state of a lease.
type LeaseStatus string

const (
	// LeaseActive leases accept usage reports.
	LeaseActive LeaseStatus = "active"

	// LeaseClosed leases were closed by their holder.
	LeaseClosed LeaseStatus = "closed"

	// LeaseExpired leases were recovered by the sweep.
	LeaseExpired LeaseStatus = "expired"

	// LeaseRevoked leases were terminated by an operator.
	LeaseRevoked LeaseStatus = "revoked"
)

// Terminal reports whether no further transitions are possible.
func (s LeaseStatus) Terminal() bool {
	return s == LeaseClosed || s == LeaseExpired || s == LeaseRevoked
}

// Valid reports whether s is a known status.
func (s LeaseStatus) Valid() bool {
	return s == LeaseActive || s.Terminal()
}

// Lease is a session-scoped reservation carved from an agent's budget.
type Lease struct {
	// ID is the opaque capability used to report usage.
	ID string `json:"id"`

	// AgentID is the owning agent.
	AgentID string `json:"agent_id"`

	// BudgetGranted is the amount reserved at open time.
	BudgetGranted int64 `json:"budget_granted"`

	// BudgetSpent is the monotone sum of reported usage.
	BudgetSpent int64 `json:"budget_spent"`

	// Status is the lifecycle state.
	Status LeaseStatus `json:"status"`

	// CreatedAt is when the lease was opened.
	CreatedAt time.Time `json:"created_at"`

	// ExpiresAt is the optional hard deadline.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	// ClosedAt is set on the terminal transition.
	ClosedAt *time.Time `json:"closed_at,omitempty"`

	// ReturnedAmount is the unused reservation credited back on termination.
	ReturnedAmount int64 `json:"returned_amount"`

	// UpdatedAt is refreshed on every usage report, including zero-cost ones.
	UpdatedAt time.Time `json:"updated_at"`
}

// Headroom is the reservation left to spend.
func (l Lease) Headroom() int64 {
	return l.BudgetGranted - l.BudgetSpent
}

// Expired reports whether the lease deadline has passed at now.
func (l Lease) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// RequestStatus is the lifecycle state of a change request.
type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestApproved  RequestStatus = "approved"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// Terminal reports whether the request has left pending.
func (s RequestStatus) Terminal() bool {
	return s != RequestPending
}

// Valid reports whether s is a known status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestRejected, RequestCancelled:
		return true
	}
	return false
}

// ChangeRequest asks for an increase of an agent's allocation.
type ChangeRequest struct {
	ID              string        `json:"id"`
	AgentID         string        `json:"agent_id"`
	RequesterID     string        `json:"requester_id"`
	CurrentBudget   int64         `json:"current_budget"`
	RequestedBudget int64         `json:"requested_budget"`
	Justification   string        `json:"justification"`
	Status          RequestStatus `json:"status"`

	// DecidedBy is the operator that approved or rejected the request.
	DecidedBy string `json:"decided_by,omitempty"`

	// DecisionReason is the rejection reason, if any.
	DecisionReason string `json:"decision_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ModificationType classifies an allocation change.
type ModificationType string

const (
	ModificationIncrease ModificationType = "increase"
	ModificationDecrease ModificationType = "decrease"
	ModificationReset    ModificationType = "reset"
)

// ModificationTypeFor classifies a change from old to new allocation.
func ModificationTypeFor(oldBudget, newBudget int64) ModificationType {
	switch {
	case newBudget > oldBudget:
		return ModificationIncrease
	case newBudget < oldBudget:
		return ModificationDecrease
	default:
		return ModificationReset
	}
}

// History is an immutable record of a change to TotalAllocated.
type History struct {
	ID               string           `json:"id"`
	AgentID          string           `json:"agent_id"`
	ModificationType ModificationType `json:"modification_type"`
	OldBudget        int64            `json:"old_budget"`
	NewBudget        int64            `json:"new_budget"`
	ChangeAmount     int64            `json:"change_amount"`
	ModifierID       string           `json:"modifier_id"`
	Reason           string           `json:"reason"`
	RelatedRequestID string           `json:"related_request_id,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// AuditEvent types.
const (
	EventAgentRegistered   = "agent_registered"
	EventLeaseOpened       = "lease_opened"
	EventLeaseClosed       = "lease_closed"
	EventLeaseExpired      = "lease_expired"
	EventLeaseRevoked      = "lease_revoked"
	EventRequestCreated    = "request_created"
	EventRequestApproved   = "request_approved"
	EventRequestRejected   = "request_rejected"
	EventRequestCancelled  = "request_cancelled"
	EventBudgetModified    = "budget_modified"
	EventInvariantViolated = "invariant_violated"
)

// AuditEvent is a best-effort durable record of a ledger event.
type AuditEvent struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	EventType string    `json:"event_type"`
	EntityID  string    `json:"entity_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NotificationKind distinguishes change notifications.
type NotificationKind string

const (
	AgentBudgetChanged NotificationKind = "agent_budget_changed"
	AuditEventRecorded NotificationKind = "audit_event_recorded"
)

// Notification is an ephemeral "something changed, re-fetch" signal.
type Notification struct {
	Kind      NotificationKind `json:"kind"`
	AgentID   string           `json:"agent_id"`
	EventType string           `json:"event_type,omitempty"`
}
