package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mercator-hq/ledger/pkg/ledger"
)

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	// DSN is a libpq connection string or URL.
	DSN string

	// MaxConns caps the pool size.
	// Default: 4
	MaxConns int32
}

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects, creates the schema if needed and records the
// schema version.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, NewStorageError("postgres", "parse_dsn", err)
	}
	poolCfg.MaxConns = cfg.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, NewStorageError("postgres", "connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, NewStorageError("postgres", "ping", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	legacy, err := s.legacyColumnIsFloat(ctx)
	if err != nil {
		return NewStorageError("postgres", "detect_legacy", err)
	}
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return NewStorageError("postgres", "create_schema", err)
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO schema_version (version, applied_at) VALUES ($1, $2) ON CONFLICT (version) DO NOTHING`,
		SchemaVersion, time.Now().UnixNano(),
	); err != nil {
		return NewStorageError("postgres", "schema_version", err)
	}
	if !legacy {
		if _, err := s.pool.Exec(ctx, createGuard); err != nil {
			return NewStorageError("postgres", "create_guard", err)
		}
	}
	return nil
}

func (s *PostgresStore) legacyColumnIsFloat(ctx context.Context) (bool, error) {
	var dataType string
	err := s.pool.QueryRow(ctx, `
		SELECT data_type FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1 AND column_name = 'total_allocated'`,
		legacyTable,
	).Scan(&dataType)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return isFloatType(dataType), nil
}

// PutAccount upserts an account snapshot.
func (s *PostgresStore) PutAccount(ctx context.Context, a ledger.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_accounts (agent_id, total_allocated, total_spent, budget_remaining, reserved, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (agent_id) DO UPDATE SET
			total_allocated = EXCLUDED.total_allocated,
			total_spent = EXCLUDED.total_spent,
			budget_remaining = EXCLUDED.budget_remaining,
			reserved = EXCLUDED.reserved,
			updated_at = EXCLUDED.updated_at`,
		a.AgentID, a.TotalAllocated, a.TotalSpent, a.BudgetRemaining, a.Reserved,
		unixNano(a.CreatedAt), unixNano(a.UpdatedAt))
	if err != nil {
		return NewStorageError("postgres", "put_account", err)
	}
	return nil
}

// PutLease upserts a lease snapshot.
func (s *PostgresStore) PutLease(ctx context.Context, l ledger.Lease) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budget_leases (id, agent_id, budget_granted, budget_spent, status, created_at, expires_at, closed_at, returned_amount, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			budget_spent = EXCLUDED.budget_spent,
			status = EXCLUDED.status,
			expires_at = EXCLUDED.expires_at,
			closed_at = EXCLUDED.closed_at,
			returned_amount = EXCLUDED.returned_amount,
			updated_at = EXCLUDED.updated_at`,
		l.ID, l.AgentID, l.BudgetGranted, l.BudgetSpent, string(l.Status), unixNano(l.CreatedAt),
		optUnixNano(l.ExpiresAt), optUnixNano(l.ClosedAt), l.ReturnedAmount, unixNano(l.UpdatedAt))
	if err != nil {
		return NewStorageError("postgres", "put_lease", err)
	}
	return nil
}

// PutRequest upserts a change request snapshot.
func (s *PostgresStore) PutRequest(ctx context.Context, r ledger.ChangeRequest) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budget_change_requests (id, agent_id, requester_id, current_budget, requested_budget, justification, status, decided_by, decision_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			decided_by = EXCLUDED.decided_by,
			decision_reason = EXCLUDED.decision_reason,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.AgentID, r.RequesterID, r.CurrentBudget, r.RequestedBudget, r.Justification,
		string(r.Status), r.DecidedBy, r.DecisionReason, unixNano(r.CreatedAt), unixNano(r.UpdatedAt))
	if err != nil {
		return NewStorageError("postgres", "put_request", err)
	}
	return nil
}

// AppendHistory inserts a history row; a duplicate id is ignored.
func (s *PostgresStore) AppendHistory(ctx context.Context, h ledger.History) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO budget_modification_history (id, agent_id, modification_type, old_budget, new_budget, change_amount, modifier_id, reason, related_request_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING`,
		h.ID, h.AgentID, string(h.ModificationType), h.OldBudget, h.NewBudget, h.ChangeAmount,
		h.ModifierID, h.Reason, h.RelatedRequestID, unixNano(h.CreatedAt))
	if err != nil {
		return NewStorageError("postgres", "append_history", err)
	}
	return nil
}

// AppendAudit inserts an audit event; a duplicate id is ignored.
func (s *PostgresStore) AppendAudit(ctx context.Context, e ledger.AuditEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, agent_id, event_type, entity_id, actor, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		e.ID, e.AgentID, e.EventType, e.EntityID, e.Actor, e.Detail, unixNano(e.CreatedAt))
	if err != nil {
		return NewStorageError("postgres", "append_audit", err)
	}
	return nil
}

// LoadAccounts returns all accounts ordered by agent id.
func (s *PostgresStore) LoadAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, total_allocated, total_spent, budget_remaining, reserved, created_at, updated_at
		FROM agent_accounts ORDER BY agent_id`)
	if err != nil {
		return nil, NewStorageError("postgres", "load_accounts", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Account, error) {
		var a ledger.Account
		var created, updated int64
		err := row.Scan(&a.AgentID, &a.TotalAllocated, &a.TotalSpent, &a.BudgetRemaining,
			&a.Reserved, &created, &updated)
		a.CreatedAt, a.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
		return a, err
	})
	if err != nil {
		return nil, NewStorageError("postgres", "load_accounts", err)
	}
	return out, nil
}

// LoadLeases returns all leases ordered by creation time.
func (s *PostgresStore) LoadLeases(ctx context.Context) ([]ledger.Lease, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, budget_granted, budget_spent, status, created_at, expires_at, closed_at, returned_amount, updated_at
		FROM budget_leases ORDER BY created_at, id`)
	if err != nil {
		return nil, NewStorageError("postgres", "load_leases", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.Lease, error) {
		var l ledger.Lease
		var status string
		var created, updated int64
		var expires, closed *int64
		err := row.Scan(&l.ID, &l.AgentID, &l.BudgetGranted, &l.BudgetSpent, &status,
			&created, &expires, &closed, &l.ReturnedAmount, &updated)
		l.Status = ledger.LeaseStatus(status)
		l.CreatedAt, l.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
		l.ExpiresAt, l.ClosedAt = fromOptUnixNano(expires), fromOptUnixNano(closed)
		return l, err
	})
	if err != nil {
		return nil, NewStorageError("postgres", "load_leases", err)
	}
	return out, nil
}

// LoadRequests returns all change requests ordered by creation time.
func (s *PostgresStore) LoadRequests(ctx context.Context) ([]ledger.ChangeRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, requester_id, current_budget, requested_budget, justification, status, decided_by, decision_reason, created_at, updated_at
		FROM budget_change_requests ORDER BY created_at, id`)
	if err != nil {
		return nil, NewStorageError("postgres", "load_requests", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.ChangeRequest, error) {
		var r ledger.ChangeRequest
		var status string
		var created, updated int64
		err := row.Scan(&r.ID, &r.AgentID, &r.RequesterID, &r.CurrentBudget, &r.RequestedBudget,
			&r.Justification, &status, &r.DecidedBy, &r.DecisionReason, &created, &updated)
		r.Status = ledger.RequestStatus(status)
		r.CreatedAt, r.UpdatedAt = fromUnixNano(created), fromUnixNano(updated)
		return r, err
	})
	if err != nil {
		return nil, NewStorageError("postgres", "load_requests", err)
	}
	return out, nil
}

// LoadHistory returns history rows in append order.
func (s *PostgresStore) LoadHistory(ctx context.Context) ([]ledger.History, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, modification_type, old_budget, new_budget, change_amount, modifier_id, reason, related_request_id, created_at
		FROM budget_modification_history ORDER BY seq`)
	if err != nil {
		return nil, NewStorageError("postgres", "load_history", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.History, error) {
		var h ledger.History
		var mt string
		var created int64
		err := row.Scan(&h.ID, &h.AgentID, &mt, &h.OldBudget, &h.NewBudget, &h.ChangeAmount,
			&h.ModifierID, &h.Reason, &h.RelatedRequestID, &created)
		h.ModificationType = ledger.ModificationType(mt)
		h.CreatedAt = fromUnixNano(created)
		return h, err
	})
	if err != nil {
		return nil, NewStorageError("postgres", "load_history", err)
	}
	return out, nil
}

// ListAudit returns matching audit events, newest first.
func (s *PostgresStore) ListAudit(ctx context.Context, q AuditQuery) ([]ledger.AuditEvent, error) {
	var where []string
	var args []any
	if q.AgentID != "" {
		args = append(args, q.AgentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if q.EventType != "" {
		args = append(args, q.EventType)
		where = append(where, fmt.Sprintf("event_type = $%d", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since.UnixNano())
		where = append(where, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.Until.IsZero() {
		args = append(args, q.Until.UnixNano())
		where = append(where, fmt.Sprintf("created_at < $%d", len(args)))
	}

	query := `SELECT id, agent_id, event_type, entity_id, actor, detail, created_at FROM audit_events`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, auditLimit(q))
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, NewStorageError("postgres", "list_audit", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (ledger.AuditEvent, error) {
		var e ledger.AuditEvent
		var created int64
		err := row.Scan(&e.ID, &e.AgentID, &e.EventType, &e.EntityID, &e.Actor, &e.Detail, &created)
		e.CreatedAt = fromUnixNano(created)
		return e, err
	})
	if err != nil {
		return nil, NewStorageError("postgres", "list_audit", err)
	}
	return out, nil
}

// PruneAudit deletes audit events created before cutoff.
func (s *PostgresStore) PruneAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_events WHERE created_at < $1`, cutoff.UnixNano())
	if err != nil {
		return 0, NewStorageError("postgres", "prune_audit", err)
	}
	return tag.RowsAffected(), nil
}

// Status reports schema version, guard tables and legacy detection.
func (s *PostgresStore) Status(ctx context.Context) (Status, error) {
	st := Status{Backend: "postgres"}

	if err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&st.Version); err != nil {
		return st, NewStorageError("postgres", "status", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_name LIKE '\_migration\_%\_completed'
		ORDER BY table_name`)
	if err != nil {
		return st, NewStorageError("postgres", "status", err)
	}
	guards, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return st, NewStorageError("postgres", "status", err)
	}
	st.Guards = guards

	legacy, err := s.legacyColumnIsFloat(ctx)
	if err != nil {
		return st, NewStorageError("postgres", "status", err)
	}
	st.LegacyFloat = legacy && !hasGuard(st.Guards, MicrosGuard)
	return st, nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
