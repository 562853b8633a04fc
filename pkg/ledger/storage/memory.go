package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"mercator-hq/ledger/pkg/ledger"
)

// MemoryStore keeps everything in process memory. It is the default for
// tests and for deployments that accept losing state on restart.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]ledger.Account
	leases   map[string]ledger.Lease
	requests map[string]ledger.ChangeRequest
	history  []ledger.History
	histIDs  map[string]struct{}
	audit    []ledger.AuditEvent
	auditIDs map[string]struct{}
	closed   bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]ledger.Account),
		leases:   make(map[string]ledger.Lease),
		requests: make(map[string]ledger.ChangeRequest),
		histIDs:  make(map[string]struct{}),
		auditIDs: make(map[string]struct{}),
	}
}

func (m *MemoryStore) write(op string, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return NewStorageError("memory", op, ErrClosed)
	}
	fn()
	return nil
}

// PutAccount upserts an account snapshot.
func (m *MemoryStore) PutAccount(_ context.Context, a ledger.Account) error {
	return m.write("put_account", func() { m.accounts[a.AgentID] = a })
}

// PutLease upserts a lease snapshot.
func (m *MemoryStore) PutLease(_ context.Context, l ledger.Lease) error {
	return m.write("put_lease", func() { m.leases[l.ID] = l })
}

// PutRequest upserts a change request snapshot.
func (m *MemoryStore) PutRequest(_ context.Context, r ledger.ChangeRequest) error {
	return m.write("put_request", func() { m.requests[r.ID] = r })
}

// AppendHistory appends a history row, ignoring duplicates.
func (m *MemoryStore) AppendHistory(_ context.Context, h ledger.History) error {
	return m.write("append_history", func() {
		if _, dup := m.histIDs[h.ID]; dup {
			return
		}
		m.histIDs[h.ID] = struct{}{}
		m.history = append(m.history, h)
	})
}

// AppendAudit appends an audit event, ignoring duplicates.
func (m *MemoryStore) AppendAudit(_ context.Context, e ledger.AuditEvent) error {
	return m.write("append_audit", func() {
		if _, dup := m.auditIDs[e.ID]; dup {
			return
		}
		m.auditIDs[e.ID] = struct{}{}
		m.audit = append(m.audit, e)
	})
}

// LoadAccounts returns all accounts ordered by agent id.
func (m *MemoryStore) LoadAccounts(context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// LoadLeases returns all leases ordered by creation time.
func (m *MemoryStore) LoadLeases(context.Context) ([]ledger.Lease, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.Lease, 0, len(m.leases))
	for _, l := range m.leases {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LoadRequests returns all change requests ordered by creation time.
func (m *MemoryStore) LoadRequests(context.Context) ([]ledger.ChangeRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]ledger.ChangeRequest, 0, len(m.requests))
	for _, r := range m.requests {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// LoadHistory returns history rows in append order.
func (m *MemoryStore) LoadHistory(context.Context) ([]ledger.History, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ledger.History(nil), m.history...), nil
}

// ListAudit returns matching audit events, newest first.
func (m *MemoryStore) ListAudit(_ context.Context, q AuditQuery) ([]ledger.AuditEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := auditLimit(q)
	var out []ledger.AuditEvent
	for i := len(m.audit) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.audit[i]
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		if !q.Since.IsZero() && e.CreatedAt.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && !e.CreatedAt.Before(q.Until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// PruneAudit drops audit events created before cutoff.
func (m *MemoryStore) PruneAudit(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := m.write("prune_audit", func() {
		kept := m.audit[:0]
		for _, e := range m.audit {
			if e.CreatedAt.Before(cutoff) {
				delete(m.auditIDs, e.ID)
				n++
				continue
			}
			kept = append(kept, e)
		}
		clear(m.audit[len(kept):])
		m.audit = kept
	})
	return n, err
}

// Status reports the in-memory schema, which never holds legacy data.
func (m *MemoryStore) Status(context.Context) (Status, error) {
	return Status{Backend: "memory", Version: SchemaVersion, Guards: []string{MicrosGuard}}, nil
}

// Close marks the store closed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
