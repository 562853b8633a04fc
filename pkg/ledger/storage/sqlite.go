package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // cgo SQLite driver ("sqlite3")
	_ "modernc.org/sqlite"          // pure Go SQLite driver ("sqlite")

	"mercator-hq/ledger/pkg/ledger"
)

// SQLite driver choices.
const (
	// DriverModernc selects the pure Go modernc.org/sqlite driver (default).
	DriverModernc = "modernc"

	// DriverMattn selects the cgo github.com/mattn/go-sqlite3 driver.
	DriverMattn = "mattn"
)

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// Driver is DriverModernc or DriverMattn.
	// Default: modernc
	Driver string

	// BusyTimeout is how long to wait for locks before failing.
	// Default: 5 seconds
	BusyTimeout time.Duration

	// CheckpointInterval is how often to checkpoint the WAL.
	// Default: 5 minutes
	CheckpointInterval time.Duration
}

// SQLiteStore implements Store on a single SQLite file in WAL mode.
type SQLiteStore struct {
	db                 *sql.DB
	driver             string
	checkpointInterval time.Duration
	done               chan struct{}
	closeOnce          sync.Once

	putAccountStmt    *sql.Stmt
	putLeaseStmt      *sql.Stmt
	putRequestStmt    *sql.Stmt
	appendHistoryStmt *sql.Stmt
	appendAuditStmt   *sql.Stmt
}

// NewSQLiteStore opens (and if needed creates) the database at cfg.Path.
// A legacy floating-point budget table is detected but not converted; see
// CheckStartup.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if cfg.Driver == "" {
		cfg.Driver = DriverModernc
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	if cfg.CheckpointInterval == 0 {
		cfg.CheckpointInterval = 5 * time.Minute
	}

	var driverName string
	switch cfg.Driver {
	case DriverModernc:
		driverName = "sqlite"
	case DriverMattn:
		driverName = "sqlite3"
	default:
		return nil, fmt.Errorf("unknown sqlite driver %q (want %q or %q)", cfg.Driver, DriverModernc, DriverMattn)
	}

	db, err := sql.Open(driverName, cfg.Path)
	if err != nil {
		return nil, NewStorageError("sqlite", "open", err)
	}

	// SQLite only supports a single writer; one connection also keeps the
	// PRAGMAs below in effect for every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:                 db,
		driver:             cfg.Driver,
		checkpointInterval: cfg.CheckpointInterval,
		done:               make(chan struct{}),
	}

	if err := s.init(cfg.BusyTimeout); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, NewStorageError("sqlite", "prepare", err)
	}

	go s.checkpointLoop()
	return s, nil
}

func (s *SQLiteStore) init(busyTimeout time.Duration) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busyTimeout.Milliseconds()),
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return NewStorageError("sqlite", "pragma", err)
		}
	}

	legacy, err := s.legacyColumnIsFloat(context.Background())
	if err != nil {
		return NewStorageError("sqlite", "detect_legacy", err)
	}

	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return NewStorageError("sqlite", "create_schema", err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO schema_version (version, applied_at) VALUES (?, ?) ON CONFLICT(version) DO NOTHING`,
		SchemaVersion, time.Now().UnixNano(),
	); err != nil {
		return NewStorageError("sqlite", "schema_version", err)
	}
	if !legacy {
		if _, err := s.db.Exec(createGuard); err != nil {
			return NewStorageError("sqlite", "create_guard", err)
		}
	}
	return nil
}

// legacyColumnIsFloat reports whether a legacy budget table stores money as
// floating point.
func (s *SQLiteStore) legacyColumnIsFloat(ctx context.Context) (bool, error) {
	var colType string
	err := s.db.QueryRowContext(ctx,
		`SELECT type FROM pragma_table_info('`+legacyTable+`') WHERE name = 'total_allocated'`,
	).Scan(&colType)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isFloatType(colType), nil
}

func isFloatType(t string) bool {
	t = strings.ToUpper(t)
	for _, f := range []string{"REAL", "FLOA", "DOUB", "NUMERIC", "DECIMAL"} {
		if strings.Contains(t, f) {
			return true
		}
	}
	return false
}

func (s *SQLiteStore) prepareStatements() error {
	var err error

	s.putAccountStmt, err = s.db.Prepare(`
		INSERT INTO agent_accounts (agent_id, total_allocated, total_spent, budget_remaining, reserved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (agent_id) DO UPDATE SET
			total_allocated = excluded.total_allocated,
			total_spent = excluded.total_spent,
			budget_remaining = excluded.budget_remaining,
			reserved = excluded.reserved,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}

	s.putLeaseStmt, err = s.db.Prepare(`
		INSERT INTO budget_leases (id, agent_id, budget_granted, budget_spent, status, created_at, expires_at, closed_at, returned_amount, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			budget_spent = excluded.budget_spent,
			status = excluded.status,
			expires_at = excluded.expires_at,
			closed_at = excluded.closed_at,
			returned_amount = excluded.returned_amount,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}

	s.putRequestStmt, err = s.db.Prepare(`
		INSERT INTO budget_change_requests (id, agent_id, requester_id, current_budget, requested_budget, justification, status, decided_by, decision_reason, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			decided_by = excluded.decided_by,
			decision_reason = excluded.decision_reason,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return err
	}

	s.appendHistoryStmt, err = s.db.Prepare(`
		INSERT INTO budget_modification_history (id, seq, agent_id, modification_type, old_budget, new_budget, change_amount, modifier_id, reason, related_request_id, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM budget_modification_history), ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return err
	}

	s.appendAuditStmt, err = s.db.Prepare(`
		INSERT INTO audit_events (id, agent_id, event_type, entity_id, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`)
	return err
}

// PutAccount upserts an account snapshot.
func (s *SQLiteStore) PutAccount(ctx context.Context, a ledger.Account) error {
	_, err := s.putAccountStmt.ExecContext(ctx, a.AgentID, a.TotalAllocated, a.TotalSpent,
		a.BudgetRemaining, a.Reserved, unixNano(a.CreatedAt), unixNano(a.UpdatedAt))
	if err != nil {
		return NewStorageError("sqlite", "put_account", err)
	}
	return nil
}

// PutLease upserts a lease snapshot.
func (s *SQLiteStore) PutLease(ctx context.Context, l ledger.Lease) error {
	_, err := s.putLeaseStmt.ExecContext(ctx, l.ID, l.AgentID, l.BudgetGranted, l.BudgetSpent,
		string(l.Status), unixNano(l.CreatedAt), optUnixNano(l.ExpiresAt), optUnixNano(l.ClosedAt),
		l.ReturnedAmount, unixNano(l.UpdatedAt))
	if err != nil {
		return NewStorageError("sqlite", "put_lease", err)
	}
	return nil
}

// PutRequest upserts a change request snapshot.
func (s *SQLiteStore) PutRequest(ctx context.Context, r ledger.ChangeRequest) error {
	_, err := s.putRequestStmt.ExecContext(ctx, r.ID, r.AgentID, r.RequesterID, r.CurrentBudget,
		r.RequestedBudget, r.Justification, string(r.Status), r.DecidedBy, r.DecisionReason,
		unixNano(r.CreatedAt), unixNano(r.UpdatedAt))
	if err != nil {
		return NewStorageError("sqlite", "put_request", err)
	}
	return nil
}

// AppendHistory inserts a history row; a duplicate id is ignored.
func (s *SQLiteStore) AppendHistory(ctx context.Context, h ledger.History) error {
	_, err := s.appendHistoryStmt.ExecContext(ctx, h.ID, h.AgentID, string(h.ModificationType),
		h.OldBudget, h.NewBudget, h.ChangeAmount, h.ModifierID, h.Reason, h.RelatedRequestID,
		unixNano(h.CreatedAt))
	if err != nil {
		return NewStorageError("sqlite", "append_history", err)
	}
	return nil
}

// AppendAudit inserts an audit event; a duplicate id is ignored.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e ledger.AuditEvent) error {
	_, err := s.appendAuditStmt.ExecContext(ctx, e.ID, e.AgentID, e.EventType, e.EntityID,
		e.Actor, e.Detail, unixNano(e.CreatedAt))
	if err != nil {
		return NewStorageError("sqlite", "append_audit", err)
	}
	return nil
}

// LoadAccounts returns all accounts ordered by agent id.
func (s *SQLiteStore) LoadAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, total_allocated, total_spent, budget_remaining, reserved, created_at, updated_at
		FROM agent_accounts ORDER BY agent_id`)
	if err != nil {
		return nil, NewStorageError("sqlite", "load_accounts", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var a ledger.Account
		var created, updated int64
		if err := rows.Scan(&a.AgentID, &a.TotalAllocated, &a.TotalSpent, &a.BudgetRemaining,
			&a.Reserved, &created, &updated); err != nil {
			return nil, NewStorageError("sqlite", "load_accounts", err)
		}
		a.CreatedAt, a.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("sqlite", "load_accounts", err)
	}
	return out, nil
}

// LoadLeases returns all leases ordered by creation time.
func (s *SQLiteStore) LoadLeases(ctx context.Context) ([]ledger.Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, budget_granted, budget_spent, status, created_at, expires_at, closed_at, returned_amount, updated_at
		FROM budget_leases ORDER BY created_at, id`)
	if err != nil {
		return nil, NewStorageError("sqlite", "load_leases", err)
	}
	defer rows.Close()

	var out []ledger.Lease
	for rows.Next() {
		var l ledger.Lease
		var status string
		var created, updated int64
		var expires, closed sql.NullInt64
		if err := rows.Scan(&l.ID, &l.AgentID, &l.BudgetGranted, &l.BudgetSpent, &status,
			&created, &expires, &closed, &l.ReturnedAmount, &updated); err != nil {
			return nil, NewStorageError("sqlite", "load_leases", err)
		}
		l.Status = ledger.LeaseStatus(status)
		l.CreatedAt, l.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
		l.ExpiresAt = fromNullInt64(expires)
		l.ClosedAt = fromNullInt64(closed)
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("sqlite", "load_leases", err)
	}
	return out, nil
}

// LoadRequests returns all change requests ordered by creation time.
func (s *SQLiteStore) LoadRequests(ctx context.Context) ([]ledger.ChangeRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, requester_id, current_budget, requested_budget, justification, status, decided_by, decision_reason, created_at, updated_at
		FROM budget_change_requests ORDER BY created_at, id`)
	if err != nil {
		return nil, NewStorageError("sqlite", "load_requests", err)
	}
	defer rows.Close()

	var out []ledger.ChangeRequest
	for rows.Next() {
		var r ledger.ChangeRequest
		var status string
		var created, updated int64
		if err := rows.Scan(&r.ID, &r.AgentID, &r.RequesterID, &r.CurrentBudget, &r.RequestedBudget,
			&r.Justification, &status, &r.DecidedBy, &r.DecisionReason, &created, &updated); err != nil {
			return nil, NewStorageError("sqlite", "load_requests", err)
		}
		r.Status = ledger.RequestStatus(status)
		r.CreatedAt, r.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("sqlite", "load_requests", err)
	}
	return out, nil
}

// LoadHistory returns history rows in append order.
func (s *SQLiteStore) LoadHistory(ctx context.Context) ([]ledger.History, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, modification_type, old_budget, new_budget, change_amount, modifier_id, reason, related_request_id, created_at
		FROM budget_modification_history ORDER BY seq`)
	if err != nil {
		return nil, NewStorageError("sqlite", "load_history", err)
	}
	defer rows.Close()

	var out []ledger.History
	for rows.Next() {
		var h ledger.History
		var mt string
		var created int64
		if err := rows.Scan(&h.ID, &h.AgentID, &mt, &h.OldBudget, &h.NewBudget, &h.ChangeAmount,
			&h.ModifierID, &h.Reason, &h.RelatedRequestID, &created); err != nil {
			return nil, NewStorageError("sqlite", "load_history", err)
		}
		h.ModificationType = ledger.ModificationType(mt)
		h.CreatedAt = fromUnixNano(created)
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("sqlite", "load_history", err)
	}
	return out, nil
}

// ListAudit returns matching audit events, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, q AuditQuery) ([]ledger.AuditEvent, error) {
	var where []string
	var args []any
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, q.EventType)
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, q.Since.UnixNano())
	}
	if !q.Until.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, q.Until.UnixNano())
	}

	query := `SELECT id, agent_id, event_type, entity_id, actor, detail, created_at FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, auditLimit(q))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, NewStorageError("sqlite", "list_audit", err)
	}
	defer rows.Close()

	var out []ledger.AuditEvent
	for rows.Next() {
		var e ledger.AuditEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.AgentID, &e.EventType, &e.EntityID, &e.Actor, &e.Detail, &created); err != nil {
			return nil, NewStorageError("sqlite", "list_audit", err)
		}
		e.CreatedAt = fromUnixNano(created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageError("sqlite", "list_audit", err)
	}
	return out, nil
}

// PruneAudit deletes audit events created before cutoff.
func (s *SQLiteStore) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM audit_events WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, NewStorageError("sqlite", "prune_audit", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, NewStorageError("sqlite", "prune_audit", err)
	}
	return n, nil
}

// Status reports schema version, guard tables and legacy detection.
func (s *SQLiteStore) Status(ctx context.Context) (Status, error) {
	st := Status{Backend: "sqlite"}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&st.Version); err != nil {
		return st, NewStorageError("sqlite", "status", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name LIKE '\_migration\_%\_completed' ESCAPE '\' ORDER BY name`)
	if err != nil {
		return st, NewStorageError("sqlite", "status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return st, NewStorageError("sqlite", "status", err)
		}
		st.Guards = append(st.Guards, name)
	}
	if err := rows.Err(); err != nil {
		return st, NewStorageError("sqlite", "status", err)
	}

	legacy, err := s.legacyColumnIsFloat(ctx)
	if err != nil {
		return st, NewStorageError("sqlite", "status", err)
	}
	st.LegacyFloat = legacy && !hasGuard(st.Guards, MicrosGuard)
	return st, nil
}

// checkpointLoop runs periodic WAL checkpoints.
func (s *SQLiteStore) checkpointLoop() {
	ticker := time.NewTicker(s.checkpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _ = s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)")
		case <-s.done:
			return
		}
	}
}

// Close stops the checkpoint loop and closes the database.
func (s *SQLiteStore) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.done)
		for _, stmt := range []*sql.Stmt{s.putAccountStmt, s.putLeaseStmt, s.putRequestStmt, s.appendHistoryStmt, s.appendAuditStmt} {
			if stmt != nil {
				stmt.Close()
			}
		}
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		closeErr = s.db.Close()
	})
	return closeErr
}

func fromNullInt64(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	return fromOptUnixNano(&n.Int64)
}

func hasGuard(guards []string, name string) bool {
	for _, g := range guards {
		if g == name {
			return true
		}
	}
	return false
}
