package state

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/storage"
)

// flakyStore fails the first failures account writes.
type flakyStore struct {
	*storage.MemoryStore
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) PutAccount(ctx context.Context, a ledger.Account) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return errors.New("disk unavailable")
	}
	return f.MemoryStore.PutAccount(ctx, a)
}

// gatedStore blocks account writes until the gate is opened.
type gatedStore struct {
	*storage.MemoryStore
	started chan struct{}
	gate    chan struct{}
	once    sync.Once
	puts    atomic.Int32
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: storage.NewMemoryStore(),
		started:     make(chan struct{}),
		gate:        make(chan struct{}),
	}
}

func (g *gatedStore) PutAccount(ctx context.Context, a ledger.Account) error {
	g.once.Do(func() { close(g.started) })
	<-g.gate
	g.puts.Add(1)
	return g.MemoryStore.PutAccount(ctx, a)
}

// outageStore rejects history, audit and account writes while down is set.
type outageStore struct {
	*storage.MemoryStore
	down         atomic.Bool
	historyCalls atomic.Int32
	auditCalls   atomic.Int32
}

var errStoreDown = errors.New("store unavailable")

func (o *outageStore) AppendHistory(ctx context.Context, h ledger.History) error {
	o.historyCalls.Add(1)
	if o.down.Load() {
		return errStoreDown
	}
	return o.MemoryStore.AppendHistory(ctx, h)
}

func (o *outageStore) AppendAudit(ctx context.Context, e ledger.AuditEvent) error {
	o.auditCalls.Add(1)
	if o.down.Load() {
		return errStoreDown
	}
	return o.MemoryStore.AppendAudit(ctx, e)
}

func (o *outageStore) PutAccount(ctx context.Context, a ledger.Account) error {
	if o.down.Load() {
		return errStoreDown
	}
	return o.MemoryStore.PutAccount(ctx, a)
}

func fastRetry() RecorderConfig {
	return RecorderConfig{
		Shards:        1,
		MaxAttempts:   5,
		RetryDelay:    time.Millisecond,
		MaxRetryDelay: 5 * time.Millisecond,
		WriteTimeout:  time.Second,
	}
}

func TestRecorder_RetriesFailedWrites(t *testing.T) {
	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	store.failures.Store(2)
	metrics := NewMetrics(nil)

	r := NewRecorder(store, fastRetry(), metrics)
	r.RecordAccount(ledger.Account{AgentID: "agent-1", TotalAllocated: 5, BudgetRemaining: 5})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
	require.NoError(t, r.Close(ctx))

	accounts, err := store.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, int64(5), accounts[0].TotalAllocated)
	assert.Equal(t, int32(3), store.calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.durableRetries.WithLabelValues("put_account")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.durableWrites.WithLabelValues("put_account", "ok")))
}

func TestRecorder_GivesUpOnAuditAfterMaxAttempts(t *testing.T) {
	store := &outageStore{MemoryStore: storage.NewMemoryStore()}
	store.down.Store(true)
	metrics := NewMetrics(nil)

	cfg := fastRetry()
	cfg.MaxAttempts = 3
	r := NewRecorder(store, cfg, metrics)
	assert.True(t, r.RecordAudit(ledger.AuditEvent{ID: "a1", AgentID: "agent-1"}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
	require.NoError(t, r.Close(ctx))

	assert.Equal(t, int32(3), store.auditCalls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.durableWrites.WithLabelValues("append_audit", "error")))
	assert.Equal(t, 0, r.Pending())
}

func TestRecorder_HistorySurvivesOutage(t *testing.T) {
	store := &outageStore{MemoryStore: storage.NewMemoryStore()}
	store.down.Store(true)
	metrics := NewMetrics(nil)

	cfg := fastRetry()
	cfg.MaxAttempts = 3
	r := NewRecorder(store, cfg, metrics)
	r.RecordHistory(ledger.History{ID: "h1", AgentID: "agent-1", OldBudget: 5, NewBudget: 8})
	r.RecordAccount(ledger.Account{AgentID: "agent-1", TotalAllocated: 8, BudgetRemaining: 8})

	require.Eventually(t, func() bool {
		return store.historyCalls.Load() > int32(cfg.MaxAttempts)*2
	}, 5*time.Second, time.Millisecond)
	assert.Equal(t, 2, r.Pending())

	store.down.Store(false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Flush(ctx))
	require.NoError(t, r.Close(ctx))

	hist, err := store.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, int64(8), hist[0].NewBudget)

	accounts, err := store.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.durableWrites.WithLabelValues("append_history", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.durableWrites.WithLabelValues("append_history", "ok")))
}

func TestRecorder_CloseAbandonsRetriesAtDeadline(t *testing.T) {
	store := &outageStore{MemoryStore: storage.NewMemoryStore()}
	store.down.Store(true)

	r := NewRecorder(store, fastRetry(), nil)
	r.RecordHistory(ledger.History{ID: "h1", AgentID: "agent-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := r.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, r.Pending())
}

func TestRecorder_CoalescesSnapshots(t *testing.T) {
	store := newGatedStore()
	metrics := NewMetrics(nil)
	r := NewRecorder(store, fastRetry(), metrics)

	r.RecordAccount(ledger.Account{AgentID: "agent-1", TotalAllocated: 1, BudgetRemaining: 1})
	<-store.started

	for i := int64(2); i <= 5; i++ {
		r.RecordAccount(ledger.Account{AgentID: "agent-1", TotalAllocated: i, BudgetRemaining: i})
	}
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.coalesced))

	close(store.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	assert.Equal(t, int32(2), store.puts.Load())
	accounts, err := store.LoadAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, int64(5), accounts[0].TotalAllocated)
}

func TestRecorder_DropsOnlyAuditOnOverflow(t *testing.T) {
	store := newGatedStore()
	metrics := NewMetrics(nil)
	cfg := fastRetry()
	cfg.QueueSize = 2
	r := NewRecorder(store, cfg, metrics)

	r.RecordAccount(ledger.Account{AgentID: "agent-1"})
	<-store.started

	assert.True(t, r.RecordAudit(ledger.AuditEvent{ID: "a1", AgentID: "agent-1"}))
	assert.True(t, r.RecordAudit(ledger.AuditEvent{ID: "a2", AgentID: "agent-1"}))
	assert.False(t, r.RecordAudit(ledger.AuditEvent{ID: "a3", AgentID: "agent-1"}))
	r.RecordHistory(ledger.History{ID: "h1", AgentID: "agent-1"})
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.auditDropped))

	close(store.gate)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	events, err := store.ListAudit(ctx, storage.AuditQuery{})
	require.NoError(t, err)
	assert.Len(t, events, 2)
	hist, err := store.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

func TestRecorder_PreservesPerAgentOrder(t *testing.T) {
	store := storage.NewMemoryStore()
	r := NewRecorder(store, RecorderConfig{Shards: 4, RetryDelay: time.Millisecond}, nil)

	for i := 0; i < 50; i++ {
		r.RecordHistory(ledger.History{ID: string(rune('A' + i)), AgentID: "agent-1", NewBudget: int64(i)})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, r.Close(ctx))

	hist, err := store.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 50)
	for i, h := range hist {
		assert.Equal(t, int64(i), h.NewBudget)
	}
}
