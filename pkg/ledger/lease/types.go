package lease

import (
	"time"

	"mercator-hq/ledger/pkg/ledger"
)

// IDPrefix prefixes every lease id.
const IDPrefix = "lease_"

// Config configures lease sizing and recovery.
type Config struct {
	// DefaultGrant is reserved when Open is called with a zero amount.
	// Default: $10
	DefaultGrant int64

	// MaxGrant caps a single lease.
	// Default: $100
	MaxGrant int64

	// DefaultTTL sets ExpiresAt on new leases. Zero leaves leases without
	// a deadline; they are then recovered only by the stale threshold.
	DefaultTTL time.Duration

	// StaleThreshold is the idle time after which an active lease with no
	// ExpiresAt is swept.
	// Default: 15 minutes
	StaleThreshold time.Duration

	// SweepSchedule is the cron expression for the sweeper. Empty disables
	// scheduled sweeps.
	// Default: "@every 1m"
	SweepSchedule string
}

// DefaultConfig returns the default lease configuration.
func DefaultConfig() Config {
	return Config{
		DefaultGrant:   10 * ledger.MicrosPerUSD,
		MaxGrant:       100 * ledger.MicrosPerUSD,
		StaleThreshold: 15 * time.Minute,
		SweepSchedule:  "@every 1m",
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DefaultGrant <= 0 {
		c.DefaultGrant = d.DefaultGrant
	}
	if c.MaxGrant <= 0 {
		c.MaxGrant = d.MaxGrant
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = d.StaleThreshold
	}
}

// Filter selects leases in List. Zero fields match everything.
type Filter struct {
	AgentID string
	Status  ledger.LeaseStatus
}

func (f Filter) match(l ledger.Lease) bool {
	if f.AgentID != "" && l.AgentID != f.AgentID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	return true
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	// Candidates is the number of active leases found due.
	Candidates int `json:"candidates"`

	// Expired is the number of leases this sweep moved to Expired.
	Expired int `json:"expired"`

	// Returned is the total reservation credited back, in microdollars.
	Returned int64 `json:"returned"`

	// Errors is the number of leases that could not be expired.
	Errors int `json:"errors"`
}
