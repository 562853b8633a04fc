package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/storage"
)

func newTestCoordinator(t *testing.T, store storage.Store) (*Coordinator, *Metrics) {
	t.Helper()
	metrics := NewMetrics(nil)
	c := New(store, Config{Recorder: RecorderConfig{RetryDelay: time.Millisecond}}, metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c, metrics
}

func account(id string, allocated int64) ledger.Account {
	now := time.Now().UTC()
	return ledger.Account{
		AgentID:         id,
		TotalAllocated:  allocated,
		BudgetRemaining: allocated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestCoordinator_CreateAccount(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, storage.NewMemoryStore())

	_, err := c.CreateAccount(ctx, account("agent-1", 100))
	require.NoError(t, err)

	_, err = c.CreateAccount(ctx, account("agent-1", 50))
	assert.ErrorIs(t, err, ledger.ErrAlreadyExists)

	bad := account("agent-2", 100)
	bad.BudgetRemaining = 90
	_, err = c.CreateAccount(ctx, bad)
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
	_, err = c.Account("agent-2")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	got, err := c.Account("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.TotalAllocated)
}

func TestCoordinator_RejectedMutationLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, storage.NewMemoryStore())
	_, err := c.CreateAccount(ctx, account("agent-1", 100))
	require.NoError(t, err)

	_, err = c.MutateAccount(ctx, "agent-1", func(a *ledger.Account) error {
		a.BudgetRemaining -= 60
		a.TotalSpent += 60
		return ledger.ErrInsufficientBudget
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBudget)

	got, err := c.Account("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.BudgetRemaining)
	assert.Equal(t, int64(0), got.TotalSpent)

	_, err = c.MutateAccount(ctx, "missing", func(*ledger.Account) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestCoordinator_UnchangedIsNoOp(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, storage.NewMemoryStore())
	_, err := c.CreateAccount(ctx, account("agent-1", 100))
	require.NoError(t, err)

	sub := c.Subscribe()
	defer sub.Close()

	got, err := c.MutateAccount(ctx, "agent-1", func(a *ledger.Account) error {
		a.TotalAllocated = 999
		return ErrUnchanged
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.TotalAllocated)
	assert.Empty(t, sub.C())
}

func TestCoordinator_InvariantViolationQuarantines(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c, metrics := newTestCoordinator(t, store)
	_, err := c.CreateAccount(ctx, account("agent-1", 100))
	require.NoError(t, err)

	// Spending without touching remaining breaks conservation.
	_, err = c.MutateAccount(ctx, "agent-1", func(a *ledger.Account) error {
		a.TotalSpent += 10
		return nil
	})
	require.ErrorIs(t, err, ledger.ErrInvariantViolation)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.invariantViolations.WithLabelValues("account")))

	got, err := c.Account("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.TotalSpent)

	q := c.Quarantined()
	require.Contains(t, q, "account:agent-1")
	assert.Contains(t, q["account:agent-1"], "conservation")

	// Every further mutation is refused, even a valid one.
	_, err = c.MutateAccount(ctx, "agent-1", func(a *ledger.Account) error {
		a.TotalSpent += 10
		a.BudgetRemaining -= 10
		return nil
	})
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)

	require.NoError(t, c.ClearQuarantine(KindAccount, "agent-1"))
	assert.Empty(t, c.Quarantined())

	got, err = c.MutateAccount(ctx, "agent-1", func(a *ledger.Account) error {
		a.TotalSpent += 10
		a.BudgetRemaining -= 10
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(90), got.BudgetRemaining)

	require.NoError(t, c.Flush(ctx))
	events, err := store.ListAudit(ctx, storage.AuditQuery{EventType: ledger.EventInvariantViolated})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "account:agent-1", events[0].EntityID)
}

func TestCoordinator_ClearQuarantineErrors(t *testing.T) {
	c, _ := newTestCoordinator(t, storage.NewMemoryStore())
	assert.ErrorIs(t, c.ClearQuarantine(KindLease, "lease_missing"), ledger.ErrNotFound)
	assert.Error(t, c.ClearQuarantine(EntityKind("bogus"), "x"))
}

func TestCoordinator_ConcurrentMutationsSerialize(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, storage.NewMemoryStore())
	_, err := c.CreateAccount(ctx, account("agent-1", 10_000))
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 250; j++ {
				_, err := c.MutateAccount(ctx, "agent-1", func(a *ledger.Account) error {
					if a.BudgetRemaining < 1 {
						return ledger.ErrInsufficientBudget
					}
					a.BudgetRemaining--
					a.TotalSpent++
					return nil
				})
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	got, err := c.Account("agent-1")
	require.NoError(t, err)
	assert.Equal(t, 10_000, successes)
	assert.Equal(t, int64(10_000), got.TotalSpent)
	assert.Equal(t, int64(0), got.BudgetRemaining)
	assert.Empty(t, c.Quarantined())
}

func TestCoordinator_MirrorsToStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	c, _ := newTestCoordinator(t, store)

	_, err := c.CreateAccount(ctx, account("agent-1", 100))
	require.NoError(t, err)
	_, err = c.MutateAccount(ctx, "agent-1", func(a *ledger.Account) error {
		a.TotalAllocated += 50
		a.BudgetRemaining += 50
		return nil
	})
	require.NoError(t, err)
	c.AppendHistory(ctx, ledger.History{ID: "bhist_1", AgentID: "agent-1", OldBudget: 100, NewBudget: 150})

	require.NoError(t, c.Flush(ctx))
	accounts, err := store.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, int64(150), accounts[0].TotalAllocated)

	hist, err := store.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Len(t, c.History("agent-1"), 1)
	assert.Len(t, c.History(""), 1)
}

// orderStore records the order of durable account and history writes.
type orderStore struct {
	*storage.MemoryStore
	mu     sync.Mutex
	writes []string
}

func (o *orderStore) PutAccount(ctx context.Context, a ledger.Account) error {
	o.mu.Lock()
	o.writes = append(o.writes, "account")
	o.mu.Unlock()
	return o.MemoryStore.PutAccount(ctx, a)
}

func (o *orderStore) AppendHistory(ctx context.Context, h ledger.History) error {
	o.mu.Lock()
	o.writes = append(o.writes, "history:"+h.ID)
	o.mu.Unlock()
	return o.MemoryStore.AppendHistory(ctx, h)
}

func TestCoordinator_MutateAccountWithHistory(t *testing.T) {
	ctx := context.Background()
	store := &orderStore{MemoryStore: storage.NewMemoryStore()}
	c, _ := newTestCoordinator(t, store)

	_, err := c.CreateAccount(ctx, account("agent-1", 100))
	require.NoError(t, err)
	require.NoError(t, c.Flush(ctx))
	store.mu.Lock()
	store.writes = nil
	store.mu.Unlock()

	n := 0
	entry := func(before, after ledger.Account) ledger.History {
		n++
		return ledger.History{
			ID:        fmt.Sprintf("bhist_%d", n),
			AgentID:   after.AgentID,
			OldBudget: before.TotalAllocated,
			NewBudget: after.TotalAllocated,
		}
	}

	a, h, err := c.MutateAccountWithHistory(ctx, "agent-1", func(a *ledger.Account) error {
		a.TotalAllocated += 50
		a.BudgetRemaining += 50
		return nil
	}, entry)
	require.NoError(t, err)
	assert.Equal(t, int64(150), a.TotalAllocated)
	assert.Equal(t, "bhist_1", h.ID)
	assert.Equal(t, int64(100), h.OldBudget)
	assert.Equal(t, int64(150), h.NewBudget)
	assert.Len(t, c.History("agent-1"), 1)

	// Unchanged, rejected and invariant-breaking mutations record nothing.
	_, h, err = c.MutateAccountWithHistory(ctx, "agent-1", func(*ledger.Account) error {
		return ErrUnchanged
	}, entry)
	require.NoError(t, err)
	assert.Empty(t, h.ID)

	_, h, err = c.MutateAccountWithHistory(ctx, "agent-1", func(*ledger.Account) error {
		return ledger.ErrBelowCommitted
	}, entry)
	assert.ErrorIs(t, err, ledger.ErrBelowCommitted)
	assert.Empty(t, h.ID)

	_, h, err = c.MutateAccountWithHistory(ctx, "agent-1", func(a *ledger.Account) error {
		a.TotalAllocated += 10
		return nil
	}, entry)
	assert.ErrorIs(t, err, ledger.ErrInvariantViolation)
	assert.Empty(t, h.ID)
	assert.Equal(t, 1, n)

	require.NoError(t, c.Flush(ctx))
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"history:bhist_1", "account"}, store.writes)
	assert.Len(t, c.History("agent-1"), 1)
}

func TestCoordinator_NotifiesSubscribers(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCoordinator(t, storage.NewMemoryStore())
	sub := c.Subscribe()
	defer sub.Close()

	_, err := c.CreateAccount(ctx, account("agent-1", 100))
	require.NoError(t, err)
	c.AppendAudit(ctx, ledger.AuditEvent{AgentID: "agent-1", EventType: ledger.EventAgentRegistered})

	n := <-sub.C()
	assert.Equal(t, ledger.AgentBudgetChanged, n.Kind)
	assert.Equal(t, "agent-1", n.AgentID)
	n = <-sub.C()
	assert.Equal(t, ledger.AuditEventRecorded, n.Kind)
	assert.Equal(t, ledger.EventAgentRegistered, n.EventType)
}

func TestCoordinator_LoadReconcilesFromLeases(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now().UTC()

	// The account snapshot predates the last spend report and a lease open.
	require.NoError(t, store.PutAccount(ctx, ledger.Account{
		AgentID: "agent-1", TotalAllocated: 100, TotalSpent: 10, BudgetRemaining: 70, Reserved: 20,
		CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.PutLease(ctx, ledger.Lease{
		ID: "lease_a", AgentID: "agent-1", BudgetGranted: 20, BudgetSpent: 15,
		Status: ledger.LeaseActive, CreatedAt: now, UpdatedAt: now,
	}))
	closed := now.Add(time.Second)
	require.NoError(t, store.PutLease(ctx, ledger.Lease{
		ID: "lease_b", AgentID: "agent-1", BudgetGranted: 10, BudgetSpent: 4,
		Status: ledger.LeaseClosed, ReturnedAmount: 6, ClosedAt: &closed,
		CreatedAt: now.Add(-time.Minute), UpdatedAt: closed,
	}))
	require.NoError(t, store.PutLease(ctx, ledger.Lease{
		ID: "lease_c", AgentID: "agent-1", BudgetGranted: 10,
		Status: ledger.LeaseActive, CreatedAt: now.Add(time.Minute), UpdatedAt: now,
	}))

	c, _ := newTestCoordinator(t, store)
	require.NoError(t, c.Load(ctx))
	assert.Error(t, c.Load(ctx))

	got, err := c.Account("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(19), got.TotalSpent)
	assert.Equal(t, int64(15), got.Reserved)
	assert.Equal(t, int64(66), got.BudgetRemaining)
	assert.Equal(t, got.TotalAllocated, got.TotalSpent+got.BudgetRemaining+got.Reserved)
	assert.Empty(t, c.Quarantined())

	leases := c.Leases(func(l ledger.Lease) bool { return l.Status == ledger.LeaseActive })
	require.Len(t, leases, 2)
	assert.Equal(t, "lease_a", leases[0].ID)

	require.NoError(t, c.Flush(ctx))
	stored, err := store.LoadAccounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(19), stored[0].TotalSpent)
}

func TestCoordinator_LoadKeepsOverdrawnAccount(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	now := time.Now().UTC()

	require.NoError(t, store.PutAccount(ctx, ledger.Account{
		AgentID: "agent-1", TotalAllocated: 10, BudgetRemaining: 10, CreatedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.PutLease(ctx, ledger.Lease{
		ID: "lease_a", AgentID: "agent-1", BudgetGranted: 30, BudgetSpent: 30,
		Status: ledger.LeaseActive, CreatedAt: now, UpdatedAt: now,
	}))

	c, _ := newTestCoordinator(t, store)
	require.NoError(t, c.Load(ctx))

	// Remaining is negative but conservation holds, so the account loads.
	got, err := c.Account("agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(-20), got.BudgetRemaining)
	assert.True(t, got.Overdrawn())
	assert.Empty(t, c.Quarantined())
}

type brokenLoadStore struct {
	*storage.MemoryStore
}

func (brokenLoadStore) LoadLeases(context.Context) ([]ledger.Lease, error) {
	return nil, storage.NewStorageError("memory", "load_leases", errors.New("disk unavailable"))
}

func TestCoordinator_LoadFailsOnStoreError(t *testing.T) {
	c, _ := newTestCoordinator(t, brokenLoadStore{storage.NewMemoryStore()})
	err := c.Load(context.Background())
	require.Error(t, err)
	var serr *storage.StorageError
	assert.True(t, errors.As(err, &serr))
}
