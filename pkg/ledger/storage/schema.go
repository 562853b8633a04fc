package storage

// All monetary columns are integer microdollars and all timestamps are
// integer Unix nanoseconds, so the same row layout works on both engines.

// sqliteSchema creates the ledger tables on SQLite.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agent_accounts (
    agent_id TEXT PRIMARY KEY,
    total_allocated INTEGER NOT NULL,
    total_spent INTEGER NOT NULL,
    budget_remaining INTEGER NOT NULL,
    reserved INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_leases (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    budget_granted INTEGER NOT NULL,
    budget_spent INTEGER NOT NULL,
    status TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    expires_at INTEGER,
    closed_at INTEGER,
    returned_amount INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_change_requests (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    requester_id TEXT NOT NULL,
    current_budget INTEGER NOT NULL,
    requested_budget INTEGER NOT NULL,
    justification TEXT NOT NULL,
    status TEXT NOT NULL,
    decided_by TEXT NOT NULL DEFAULT '',
    decision_reason TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_modification_history (
    id TEXT PRIMARY KEY,
    seq INTEGER NOT NULL,
    agent_id TEXT NOT NULL,
    modification_type TEXT NOT NULL,
    old_budget INTEGER NOT NULL,
    new_budget INTEGER NOT NULL,
    change_amount INTEGER NOT NULL,
    modifier_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    related_request_id TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_agent ON budget_leases(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_requests_agent ON budget_change_requests(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_history_agent ON budget_modification_history(agent_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_events(agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at);
`

// postgresSchema creates the ledger tables on PostgreSQL.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS agent_accounts (
    agent_id TEXT PRIMARY KEY,
    total_allocated BIGINT NOT NULL,
    total_spent BIGINT NOT NULL,
    budget_remaining BIGINT NOT NULL,
    reserved BIGINT NOT NULL,
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_leases (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    budget_granted BIGINT NOT NULL,
    budget_spent BIGINT NOT NULL,
    status TEXT NOT NULL,
    created_at BIGINT NOT NULL,
    expires_at BIGINT,
    closed_at BIGINT,
    returned_amount BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_change_requests (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    requester_id TEXT NOT NULL,
    current_budget BIGINT NOT NULL,
    requested_budget BIGINT NOT NULL,
    justification TEXT NOT NULL,
    status TEXT NOT NULL,
    decided_by TEXT NOT NULL DEFAULT '',
    decision_reason TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL,
    updated_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_modification_history (
    id TEXT PRIMARY KEY,
    seq BIGSERIAL,
    agent_id TEXT NOT NULL,
    modification_type TEXT NOT NULL,
    old_budget BIGINT NOT NULL,
    new_budget BIGINT NOT NULL,
    change_amount BIGINT NOT NULL,
    modifier_id TEXT NOT NULL,
    reason TEXT NOT NULL,
    related_request_id TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_events (
    id TEXT PRIMARY KEY,
    agent_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    entity_id TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    detail TEXT NOT NULL DEFAULT '',
    created_at BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER PRIMARY KEY,
    applied_at BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_leases_agent ON budget_leases(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_requests_agent ON budget_change_requests(agent_id, status);
CREATE INDEX IF NOT EXISTS idx_history_agent ON budget_modification_history(agent_id, seq);
CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_events(agent_id, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_events(created_at);
`

// createGuard marks the integer-microdollar layout as in place. The guard is
// created with the schema so a fresh database is never mistaken for legacy data.
const createGuard = `CREATE TABLE IF NOT EXISTS ` + MicrosGuard + ` (completed_at BIGINT NOT NULL)`
