package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"mercator-hq/ledger/pkg/ledger"
)

// Store is the durable mirror of the ledger. The in-memory coordinator is
// authoritative; a Store receives full-entity snapshots and append-only rows
// and is read back in full at startup.
//
// Put* methods are upserts and Append* methods ignore duplicate ids, so every
// write can be retried safely.
type Store interface {
	PutAccount(ctx context.Context, a ledger.Account) error
	PutLease(ctx context.Context, l ledger.Lease) error
	PutRequest(ctx context.Context, r ledger.ChangeRequest) error
	AppendHistory(ctx context.Context, h ledger.History) error
	AppendAudit(ctx context.Context, e ledger.AuditEvent) error

	LoadAccounts(ctx context.Context) ([]ledger.Account, error)
	LoadLeases(ctx context.Context) ([]ledger.Lease, error)
	LoadRequests(ctx context.Context) ([]ledger.ChangeRequest, error)
	LoadHistory(ctx context.Context) ([]ledger.History, error)
	ListAudit(ctx context.Context, q AuditQuery) ([]ledger.AuditEvent, error)

	// PruneAudit deletes audit events created before cutoff and returns how
	// many were removed. History, leases and accounts are never pruned.
	PruneAudit(ctx context.Context, cutoff time.Time) (int64, error)

	// Status reports schema version and legacy-data detection results.
	Status(ctx context.Context) (Status, error)

	Close() error
}

// AuditQuery filters audit events. Zero values match everything.
type AuditQuery struct {
	AgentID   string
	EventType string
	Since     time.Time

	// Until excludes events created at or after it.
	Until time.Time

	// Limit caps the number of events returned, newest first. 0 means 100.
	Limit int
}

// Status describes the persisted schema.
type Status struct {
	// Backend is the store type ("memory", "sqlite", "postgres").
	Backend string `json:"backend"`

	// Version is the highest applied schema version.
	Version int `json:"version"`

	// Guards lists completed migration guard tables.
	Guards []string `json:"guards"`

	// LegacyFloat is true when a floating-point budget table exists that has
	// not been converted to integer microdollars.
	LegacyFloat bool `json:"legacy_float"`
}

// SchemaVersion is the current schema version.
const SchemaVersion = 1

// MicrosGuard marks that budget data is stored as integer microdollars.
const MicrosGuard = "_migration_001_completed"

// legacyTable is where floating-point budgets lived before the integer migration.
const legacyTable = "agent_budgets"

var (
	// ErrLegacyMigrationRequired indicates floating-point budget data that must
	// be converted by migration tooling before the ledger may start.
	ErrLegacyMigrationRequired = errors.New("legacy floating-point budget data requires migration")

	// ErrClosed indicates use of a closed store.
	ErrClosed = errors.New("store closed")
)

// StorageError represents an error from a storage backend.
type StorageError struct {
	Backend   string // Storage backend type ("sqlite", "postgres", "memory")
	Operation string // Operation that failed ("put_account", "load_leases", ...)
	Cause     error  // Underlying error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error [backend=%s, operation=%s]: %v", e.Backend, e.Operation, e.Cause)
}

// Unwrap returns the underlying cause error.
func (e *StorageError) Unwrap() error {
	return e.Cause
}

// NewStorageError creates a new StorageError.
func NewStorageError(backend, operation string, cause error) *StorageError {
	return &StorageError{
		Backend:   backend,
		Operation: operation,
		Cause:     cause,
	}
}

// CheckStartup returns ErrLegacyMigrationRequired when s holds unconverted
// floating-point budget data.
func CheckStartup(ctx context.Context, s Store) (Status, error) {
	st, err := s.Status(ctx)
	if err != nil {
		return st, err
	}
	if st.LegacyFloat {
		return st, fmt.Errorf("%w: table %s predates %s", ErrLegacyMigrationRequired, legacyTable, MicrosGuard)
	}
	return st, nil
}

func auditLimit(q AuditQuery) int {
	if q.Limit <= 0 {
		return 100
	}
	return q.Limit
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func optUnixNano(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	n := t.UnixNano()
	return &n
}

func fromOptUnixNano(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := time.Unix(0, *n).UTC()
	return &t
}
