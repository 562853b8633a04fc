package workflow

import (
	"mercator-hq/ledger/pkg/ledger"
)

// ID prefixes.
const (
	RequestIDPrefix = "breq_"
	HistoryIDPrefix = "bhist_"
)

// Config bounds request and modification inputs.
type Config struct {
	// MinJustification and MaxJustification bound a request's
	// justification, in characters.
	// Default: 20 and 500
	MinJustification int
	MaxJustification int

	// MinReason and MaxReason bound a modification or rejection reason.
	// Default: 10 and 500
	MinReason int
	MaxReason int

	// MaxRequestedBudget caps the allocation a request may ask for.
	// Default: $10,000
	MaxRequestedBudget int64
}

// DefaultConfig returns the default workflow configuration.
func DefaultConfig() Config {
	return Config{
		MinJustification:   20,
		MaxJustification:   500,
		MinReason:          10,
		MaxReason:          500,
		MaxRequestedBudget: 10_000 * ledger.MicrosPerUSD,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MinJustification <= 0 {
		c.MinJustification = d.MinJustification
	}
	if c.MaxJustification <= 0 {
		c.MaxJustification = d.MaxJustification
	}
	if c.MinReason <= 0 {
		c.MinReason = d.MinReason
	}
	if c.MaxReason <= 0 {
		c.MaxReason = d.MaxReason
	}
	if c.MaxRequestedBudget <= 0 {
		c.MaxRequestedBudget = d.MaxRequestedBudget
	}
}

// CreateParams describes a new change request.
type CreateParams struct {
	AgentID         string
	RequesterID     string
	RequestedBudget int64
	Justification   string
}

// Modification describes a direct allocation change.
type Modification struct {
	AgentID    string
	ModifierID string

	// Amount is the change for Increase and Decrease. Reset ignores it.
	Amount int64

	Reason string

	// AcknowledgeRisk must be set for Decrease and Reset.
	AcknowledgeRisk bool

	// Override lets a Decrease go below committed spend, leaving
	// BudgetRemaining negative until spend is returned or raised again.
	Override bool
}

// RequestFilter selects requests in ListRequests. Zero fields match
// everything.
type RequestFilter struct {
	AgentID     string
	RequesterID string
	Status      ledger.RequestStatus
}

func (f RequestFilter) match(r ledger.ChangeRequest) bool {
	if f.AgentID != "" && r.AgentID != f.AgentID {
		return false
	}
	if f.RequesterID != "" && r.RequesterID != f.RequesterID {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	return true
}
