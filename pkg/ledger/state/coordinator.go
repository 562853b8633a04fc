package state

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/storage"
)

// EntityKind names the kinds of entities the coordinator owns.
type EntityKind string

const (
	KindAccount EntityKind = "account"
	KindLease   EntityKind = "lease"
	KindRequest EntityKind = "request"
)

// ErrUnchanged may be returned by a mutation function to leave the entity
// untouched and report success with the current snapshot. Idempotent
// repeats of terminal transitions use it.
var ErrUnchanged = errors.New("unchanged")

// nowUTC is the clock for records the coordinator creates itself.
var nowUTC = func() time.Time { return time.Now().UTC() }

// Config configures the coordinator.
type Config struct {
	// Recorder configures durable mirroring.
	Recorder RecorderConfig

	// SubscriberBuffer is the per-subscriber notification buffer.
	// Default: 256
	SubscriberBuffer int
}

// Coordinator is the single point of mutation for accounts, leases and
// change requests. Each entity lives in its own cell; a mutation holds only
// that cell's lock, applies a caller-supplied transition to a copy, checks
// the entity invariants and commits. Committed snapshots are mirrored to the
// durable store in the background and announced to subscribers.
type Coordinator struct {
	accounts *arena[ledger.Account]
	leases   *arena[ledger.Lease]
	requests *arena[ledger.ChangeRequest]

	histMu  sync.RWMutex
	history map[string][]ledger.History

	store    storage.Store
	recorder *Recorder
	hub      *Hub
	metrics  *Metrics
	logger   *slog.Logger

	loadOnce sync.Once
}

// New creates a coordinator mirroring to store and starts its recorder.
func New(store storage.Store, cfg Config, metrics *Metrics) *Coordinator {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	c := &Coordinator{
		accounts: newArena[ledger.Account](),
		leases:   newArena[ledger.Lease](),
		requests: newArena[ledger.ChangeRequest](),
		history:  make(map[string][]ledger.History),
		store:    store,
		recorder: NewRecorder(store, cfg.Recorder, metrics),
		metrics:  metrics,
		logger:   slog.Default().With("component", "ledger.coordinator"),
	}
	c.hub = NewHub(cfg.SubscriberBuffer, metrics.RecordNotificationDropped)
	return c
}

// Load rebuilds the fast path from the durable store. It must run once,
// before any mutation. Each account's reservation is recomputed from its
// active leases, and its spend from all of its leases, so a crash between
// the lease and account halves of an operation heals here.
func (c *Coordinator) Load(ctx context.Context) error {
	err := fmt.Errorf("coordinator already loaded")
	c.loadOnce.Do(func() { err = c.load(ctx) })
	return err
}

func (c *Coordinator) load(ctx context.Context) error {
	if c.accounts.len() > 0 || c.leases.len() > 0 {
		return fmt.Errorf("coordinator already has state")
	}

	accounts, err := c.store.LoadAccounts(ctx)
	if err != nil {
		return err
	}
	leases, err := c.store.LoadLeases(ctx)
	if err != nil {
		return err
	}
	requests, err := c.store.LoadRequests(ctx)
	if err != nil {
		return err
	}
	history, err := c.store.LoadHistory(ctx)
	if err != nil {
		return err
	}

	spent := make(map[string]int64)
	reserved := make(map[string]int64)
	for _, l := range leases {
		spent[l.AgentID] += l.BudgetSpent
		if l.Status == ledger.LeaseActive {
			reserved[l.AgentID] += l.Headroom()
		}
		if cell, ok := c.leases.insertLocked(l.ID, l); ok {
			cell.mu.Unlock()
		}
	}

	for _, a := range accounts {
		fixed := a
		if s := spent[a.AgentID]; s > fixed.TotalSpent {
			fixed.TotalSpent = s
		}
		fixed.Reserved = reserved[a.AgentID]
		fixed.BudgetRemaining = fixed.TotalAllocated - fixed.TotalSpent - fixed.Reserved

		cell, ok := c.accounts.insertLocked(a.AgentID, fixed)
		if !ok {
			continue
		}
		if err := checkAccount(nil, fixed); err != nil {
			c.quarantineLocked(KindAccount, a.AgentID, &cell.quarantined, &cell.reason, err)
		}
		if fixed != a {
			c.logger.Warn("account reconciled from leases",
				"agent_id", a.AgentID,
				"stored_spent", a.TotalSpent, "spent", fixed.TotalSpent,
				"stored_remaining", a.BudgetRemaining, "remaining", fixed.BudgetRemaining,
				"stored_reserved", a.Reserved, "reserved", fixed.Reserved,
			)
			c.recorder.RecordAccount(fixed)
		}
		cell.mu.Unlock()
	}

	for _, r := range requests {
		if cell, ok := c.requests.insertLocked(r.ID, r); ok {
			cell.mu.Unlock()
		}
	}

	c.histMu.Lock()
	for _, h := range history {
		c.history[h.AgentID] = append(c.history[h.AgentID], h)
	}
	c.histMu.Unlock()

	c.logger.Info("ledger state loaded",
		"accounts", len(accounts),
		"leases", len(leases),
		"requests", len(requests),
		"history", len(history),
	)
	return nil
}

// CreateAccount registers a new account.
func (c *Coordinator) CreateAccount(ctx context.Context, a ledger.Account) (ledger.Account, error) {
	if err := checkAccount(nil, a); err != nil {
		return a, c.violation(KindAccount, a.AgentID, err)
	}
	cell, ok := c.accounts.insertLocked(a.AgentID, a)
	if !ok {
		c.metrics.RecordMutation(KindAccount, "conflict")
		return ledger.Account{}, ledger.NewError("create_account", a.AgentID, ledger.ErrAlreadyExists, "")
	}
	defer cell.mu.Unlock()

	c.recorder.RecordAccount(a)
	c.metrics.RecordMutation(KindAccount, "ok")
	c.hub.Publish(ledger.Notification{Kind: ledger.AgentBudgetChanged, AgentID: a.AgentID})
	return a, nil
}

// CreateLease inserts a new active lease.
func (c *Coordinator) CreateLease(ctx context.Context, l ledger.Lease) (ledger.Lease, error) {
	if err := checkLease(nil, l); err != nil {
		return l, c.violation(KindLease, l.ID, err)
	}
	cell, ok := c.leases.insertLocked(l.ID, l)
	if !ok {
		c.metrics.RecordMutation(KindLease, "conflict")
		return ledger.Lease{}, ledger.NewError("create_lease", l.ID, ledger.ErrAlreadyExists, "")
	}
	defer cell.mu.Unlock()

	c.recorder.RecordLease(l)
	c.metrics.RecordMutation(KindLease, "ok")
	c.hub.Publish(ledger.Notification{Kind: ledger.AgentBudgetChanged, AgentID: l.AgentID})
	return l, nil
}

// CreateRequest inserts a new pending change request.
func (c *Coordinator) CreateRequest(ctx context.Context, r ledger.ChangeRequest) (ledger.ChangeRequest, error) {
	if err := checkRequest(nil, r); err != nil {
		return r, c.violation(KindRequest, r.ID, err)
	}
	cell, ok := c.requests.insertLocked(r.ID, r)
	if !ok {
		c.metrics.RecordMutation(KindRequest, "conflict")
		return ledger.ChangeRequest{}, ledger.NewError("create_request", r.ID, ledger.ErrAlreadyExists, "")
	}
	defer cell.mu.Unlock()

	c.recorder.RecordRequest(r)
	c.metrics.RecordMutation(KindRequest, "ok")
	c.hub.Publish(ledger.Notification{Kind: ledger.AgentBudgetChanged, AgentID: r.AgentID})
	return r, nil
}

// MutateAccount applies fn to the account under exclusive access to that
// account only. If fn fails nothing changes and its error is returned.
func (c *Coordinator) MutateAccount(ctx context.Context, agentID string, fn func(*ledger.Account) error) (ledger.Account, error) {
	return mutate(c, c.accounts, KindAccount, agentID, fn, checkAccount,
		func(_, a ledger.Account) {
			c.recorder.RecordAccount(a)
			c.hub.Publish(ledger.Notification{Kind: ledger.AgentBudgetChanged, AgentID: a.AgentID})
		})
}

// MutateAccountWithHistory is MutateAccount for allocation changes. When fn
// commits, entry builds the History row from the account before and after,
// and the row is recorded under the account lock ahead of the snapshot, so
// the durable queue never holds the new allocation without its history.
// The returned History is zero when nothing was committed.
func (c *Coordinator) MutateAccountWithHistory(
	ctx context.Context,
	agentID string,
	fn func(*ledger.Account) error,
	entry func(before, after ledger.Account) ledger.History,
) (ledger.Account, ledger.History, error) {
	var h ledger.History
	a, err := mutate(c, c.accounts, KindAccount, agentID, fn, checkAccount,
		func(old, a ledger.Account) {
			h = entry(old, a)
			c.AppendHistory(ctx, h)
			c.recorder.RecordAccount(a)
			c.hub.Publish(ledger.Notification{Kind: ledger.AgentBudgetChanged, AgentID: a.AgentID})
		})
	return a, h, err
}

// MutateLease applies fn to the lease under exclusive access to that lease only.
func (c *Coordinator) MutateLease(ctx context.Context, leaseID string, fn func(*ledger.Lease) error) (ledger.Lease, error) {
	return mutate(c, c.leases, KindLease, leaseID, fn, checkLease,
		func(_, l ledger.Lease) {
			c.recorder.RecordLease(l)
			c.hub.Publish(ledger.Notification{Kind: ledger.AgentBudgetChanged, AgentID: l.AgentID})
		})
}

// MutateRequest applies fn to the change request under exclusive access.
// fn may call MutateAccount; the lock order is always request then account.
func (c *Coordinator) MutateRequest(ctx context.Context, requestID string, fn func(*ledger.ChangeRequest) error) (ledger.ChangeRequest, error) {
	return mutate(c, c.requests, KindRequest, requestID, fn, checkRequest,
		func(_, r ledger.ChangeRequest) {
			c.recorder.RecordRequest(r)
			c.hub.Publish(ledger.Notification{Kind: ledger.AgentBudgetChanged, AgentID: r.AgentID})
		})
}

func mutate[T any](
	c *Coordinator,
	a *arena[T],
	kind EntityKind,
	id string,
	fn func(*T) error,
	check func(old *T, v T) error,
	commit func(old, next T),
) (T, error) {
	cell, ok := a.get(id)
	if !ok {
		var zero T
		c.metrics.RecordMutation(kind, "not_found")
		return zero, ledger.NewError("mutate_"+string(kind), id, ledger.ErrNotFound, "")
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()

	if cell.quarantined {
		c.metrics.RecordMutation(kind, "quarantined")
		return cell.val, ledger.NewError("mutate_"+string(kind), id, ledger.ErrInvariantViolation,
			"quarantined: %s", cell.reason)
	}

	old := cell.val
	next := old
	if err := fn(&next); err != nil {
		if errors.Is(err, ErrUnchanged) {
			c.metrics.RecordMutation(kind, "unchanged")
			return old, nil
		}
		c.metrics.RecordMutation(kind, "rejected")
		return old, err
	}

	if err := check(&old, next); err != nil {
		c.quarantineLocked(kind, id, &cell.quarantined, &cell.reason, err)
		return old, ledger.NewError("mutate_"+string(kind), id, ledger.ErrInvariantViolation, "%v", err)
	}

	cell.val = next
	commit(old, next)
	c.metrics.RecordMutation(kind, "ok")
	return next, nil
}

// violation reports an invariant failure on an entity that was never stored.
func (c *Coordinator) violation(kind EntityKind, id string, err error) error {
	c.metrics.RecordInvariantViolation(kind)
	c.logger.Error("invariant violation on create",
		"severity", "critical",
		"kind", kind,
		"id", id,
		"error", err,
	)
	return ledger.NewError("create_"+string(kind), id, ledger.ErrInvariantViolation, "%v", err)
}

// quarantineLocked marks a cell so that it refuses further mutations until
// ClearQuarantine. The caller holds the cell lock.
func (c *Coordinator) quarantineLocked(kind EntityKind, id string, flag *bool, reason *string, err error) {
	*flag = true
	*reason = err.Error()
	c.metrics.RecordInvariantViolation(kind)
	c.logger.Error("invariant violation, entity quarantined",
		"severity", "critical",
		"kind", kind,
		"id", id,
		"error", err,
	)
	agentID := ""
	if kind == KindAccount {
		agentID = id
	}
	c.recorder.RecordAudit(ledger.AuditEvent{
		ID:        "audit_" + uuid.NewString(),
		AgentID:   agentID,
		EventType: ledger.EventInvariantViolated,
		EntityID:  string(kind) + ":" + id,
		Detail:    err.Error(),
		CreatedAt: nowUTC(),
	})
}

// ClearQuarantine re-admits an entity after manual inspection. The current
// snapshot must satisfy its invariants on its own.
func (c *Coordinator) ClearQuarantine(kind EntityKind, id string) error {
	release := func(locker sync.Locker, flag *bool, reason *string, check func() error) error {
		locker.Lock()
		defer locker.Unlock()
		if !*flag {
			return nil
		}
		if err := check(); err != nil {
			return ledger.NewError("clear_quarantine", id, ledger.ErrInvariantViolation, "%v", err)
		}
		*flag = false
		*reason = ""
		c.logger.Warn("quarantine cleared", "kind", kind, "id", id)
		return nil
	}

	switch kind {
	case KindAccount:
		cell, ok := c.accounts.get(id)
		if !ok {
			return ledger.NewError("clear_quarantine", id, ledger.ErrNotFound, "")
		}
		return release(&cell.mu, &cell.quarantined, &cell.reason, func() error { return checkAccount(nil, cell.val) })
	case KindLease:
		cell, ok := c.leases.get(id)
		if !ok {
			return ledger.NewError("clear_quarantine", id, ledger.ErrNotFound, "")
		}
		return release(&cell.mu, &cell.quarantined, &cell.reason, func() error { return checkLease(&cell.val, cell.val) })
	case KindRequest:
		cell, ok := c.requests.get(id)
		if !ok {
			return ledger.NewError("clear_quarantine", id, ledger.ErrNotFound, "")
		}
		return release(&cell.mu, &cell.quarantined, &cell.reason, func() error { return checkRequest(&cell.val, cell.val) })
	default:
		return fmt.Errorf("unknown entity kind %q", kind)
	}
}

// Quarantined lists quarantined entities as "kind:id" mapped to the reason.
func (c *Coordinator) Quarantined() map[string]string {
	out := make(map[string]string)
	for id, r := range c.accounts.quarantined() {
		out[string(KindAccount)+":"+id] = r
	}
	for id, r := range c.leases.quarantined() {
		out[string(KindLease)+":"+id] = r
	}
	for id, r := range c.requests.quarantined() {
		out[string(KindRequest)+":"+id] = r
	}
	return out
}

// AppendHistory records an allocation change in the fast path and the
// durable store.
func (c *Coordinator) AppendHistory(ctx context.Context, h ledger.History) {
	c.histMu.Lock()
	c.history[h.AgentID] = append(c.history[h.AgentID], h)
	c.histMu.Unlock()

	c.recorder.RecordHistory(h)
}

// AppendAudit enqueues an audit event and notifies subscribers. It never
// blocks past the enqueue; the durable write is best-effort.
func (c *Coordinator) AppendAudit(ctx context.Context, e ledger.AuditEvent) {
	if e.ID == "" {
		e.ID = "audit_" + uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = nowUTC()
	}
	c.recorder.RecordAudit(e)
	c.hub.Publish(ledger.Notification{Kind: ledger.AuditEventRecorded, AgentID: e.AgentID, EventType: e.EventType})
}

// Account returns a snapshot of an account.
func (c *Coordinator) Account(agentID string) (ledger.Account, error) {
	a, ok := c.accounts.read(agentID)
	if !ok {
		return a, ledger.NewError("get_account", agentID, ledger.ErrNotFound, "")
	}
	return a, nil
}

// Lease returns a snapshot of a lease.
func (c *Coordinator) Lease(leaseID string) (ledger.Lease, error) {
	l, ok := c.leases.read(leaseID)
	if !ok {
		return l, ledger.NewError("get_lease", leaseID, ledger.ErrNotFound, "")
	}
	return l, nil
}

// Request returns a snapshot of a change request.
func (c *Coordinator) Request(requestID string) (ledger.ChangeRequest, error) {
	r, ok := c.requests.read(requestID)
	if !ok {
		return r, ledger.NewError("get_request", requestID, ledger.ErrNotFound, "")
	}
	return r, nil
}

// Accounts returns every account ordered by agent id.
func (c *Coordinator) Accounts() []ledger.Account {
	return c.accounts.values(nil)
}

// Leases returns leases accepted by keep (nil keeps all), oldest first.
func (c *Coordinator) Leases(keep func(ledger.Lease) bool) []ledger.Lease {
	out := c.leases.values(keep)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Requests returns change requests accepted by keep (nil keeps all), oldest first.
func (c *Coordinator) Requests(keep func(ledger.ChangeRequest) bool) []ledger.ChangeRequest {
	out := c.requests.values(keep)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns an agent's allocation history in append order. An empty
// agentID returns every agent's history.
func (c *Coordinator) History(agentID string) []ledger.History {
	c.histMu.RLock()
	defer c.histMu.RUnlock()

	if agentID != "" {
		return append([]ledger.History(nil), c.history[agentID]...)
	}
	var out []ledger.History
	for _, h := range c.history {
		out = append(out, h...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Subscribe returns a new notification stream.
func (c *Coordinator) Subscribe() *Subscription {
	return c.hub.Subscribe()
}

// Store returns the durable store, for read-only queries such as audit listing.
func (c *Coordinator) Store() storage.Store {
	return c.store
}

// Flush waits for the durable queue to drain.
func (c *Coordinator) Flush(ctx context.Context) error {
	return c.recorder.Flush(ctx)
}

// Close drains the durable queue and closes all subscriptions. The store is
// owned by the caller and is not closed.
func (c *Coordinator) Close(ctx context.Context) error {
	err := c.recorder.Close(ctx)
	c.hub.CloseAll()
	return err
}
