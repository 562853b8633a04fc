package workflow

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/accounts"
	"mercator-hq/ledger/pkg/ledger/state"
	"mercator-hq/ledger/pkg/ledger/storage"
)

const usd = ledger.MicrosPerUSD

const justification = "Need more budget for Q3 runs"

type fixture struct {
	store    *storage.MemoryStore
	coord    *state.Coordinator
	accounts *accounts.Ledger
	workflow *Workflow
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	coord := state.New(store, state.Config{}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
	})
	acct := accounts.New(coord)
	return &fixture{store: store, coord: coord, accounts: acct, workflow: New(coord, acct, DefaultConfig())}
}

func (f *fixture) register(t *testing.T, agentID string, allocation int64) {
	t.Helper()
	_, err := f.accounts.Register(context.Background(), agentID, allocation)
	require.NoError(t, err)
}

func (f *fixture) account(t *testing.T, agentID string) ledger.Account {
	t.Helper()
	a, err := f.accounts.Get(agentID)
	require.NoError(t, err)
	require.Equal(t, a.TotalAllocated, a.TotalSpent+a.BudgetRemaining+a.Reserved, "conservation: %+v", a)
	return a
}

func TestCreateAndApprove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "agent-1", 50*usd)

	r, err := f.workflow.Create(ctx, CreateParams{
		AgentID:         "agent-1",
		RequesterID:     "user-7",
		RequestedBudget: 150 * usd,
		Justification:   "Scaling up the crawler", // 22 characters
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.ID, RequestIDPrefix))
	assert.Equal(t, ledger.RequestPending, r.Status)
	assert.Equal(t, 50*usd, r.CurrentBudget)

	before := f.account(t, "agent-1")
	r, err = f.workflow.Approve(ctx, r.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestApproved, r.Status)
	assert.Equal(t, "admin-1", r.DecidedBy)

	after := f.account(t, "agent-1")
	assert.Equal(t, 150*usd, after.TotalAllocated)
	assert.Equal(t, before.BudgetRemaining+100*usd, after.BudgetRemaining)

	hist := f.workflow.ListHistory("agent-1")
	require.Len(t, hist, 1)
	assert.Equal(t, ledger.ModificationIncrease, hist[0].ModificationType)
	assert.Equal(t, 50*usd, hist[0].OldBudget)
	assert.Equal(t, 150*usd, hist[0].NewBudget)
	assert.Equal(t, 100*usd, hist[0].ChangeAmount)
	assert.Equal(t, r.ID, hist[0].RelatedRequestID)
	assert.Equal(t, "Budget request "+r.ID+" approved", hist[0].Reason)
	assert.True(t, strings.HasPrefix(hist[0].ID, HistoryIDPrefix))

	// A retried approval is a no-op.
	again, err := f.workflow.Approve(ctx, r.ID, "admin-1")
	require.NoError(t, err)
	assert.Equal(t, r, again)
	assert.Len(t, f.workflow.ListHistory("agent-1"), 1)
	assert.Equal(t, after, f.account(t, "agent-1"))

	// A different outcome is a conflict.
	_, err = f.workflow.Reject(ctx, r.ID, "admin-2", "changed my mind entirely")
	assert.ErrorIs(t, err, ledger.ErrRequestNotPending)
	_, err = f.workflow.Cancel(ctx, r.ID, "user-7")
	assert.ErrorIs(t, err, ledger.ErrRequestNotPending)
}

// writeLog records the order of durable history and request writes.
type writeLog struct {
	*storage.MemoryStore
	mu     sync.Mutex
	writes []string
}

func (w *writeLog) AppendHistory(ctx context.Context, h ledger.History) error {
	w.mu.Lock()
	w.writes = append(w.writes, "history")
	w.mu.Unlock()
	return w.MemoryStore.AppendHistory(ctx, h)
}

func (w *writeLog) PutRequest(ctx context.Context, r ledger.ChangeRequest) error {
	w.mu.Lock()
	w.writes = append(w.writes, "request:"+string(r.Status))
	w.mu.Unlock()
	return w.MemoryStore.PutRequest(ctx, r)
}

func TestApproveQueuesHistoryBeforeDecision(t *testing.T) {
	ctx := context.Background()
	store := &writeLog{MemoryStore: storage.NewMemoryStore()}
	coord := state.New(store, state.Config{}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = coord.Close(ctx)
	})
	acct := accounts.New(coord)
	wf := New(coord, acct, DefaultConfig())

	_, err := acct.Register(ctx, "agent-1", 50*usd)
	require.NoError(t, err)
	r, err := wf.Create(ctx, CreateParams{
		AgentID:         "agent-1",
		RequesterID:     "user-7",
		RequestedBudget: 80 * usd,
		Justification:   justification,
	})
	require.NoError(t, err)
	require.NoError(t, coord.Flush(ctx))

	_, err = wf.Approve(ctx, r.ID, "admin-1")
	require.NoError(t, err)
	require.NoError(t, coord.Flush(ctx))

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"request:pending", "history", "request:approved"}, store.writes)

	hist, err := store.LoadHistory(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, r.ID, hist[0].RelatedRequestID)
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "agent-1", 50*usd)

	tests := []struct {
		name    string
		params  CreateParams
		wantErr error
	}{
		{
			name:    "short justification",
			params:  CreateParams{AgentID: "agent-1", RequesterID: "u", RequestedBudget: 60 * usd, Justification: "too short"},
			wantErr: ledger.ErrInvalidInput,
		},
		{
			name:    "long justification",
			params:  CreateParams{AgentID: "agent-1", RequesterID: "u", RequestedBudget: 60 * usd, Justification: strings.Repeat("x", 501)},
			wantErr: ledger.ErrInvalidInput,
		},
		{
			name:    "padding does not count",
			params:  CreateParams{AgentID: "agent-1", RequesterID: "u", RequestedBudget: 60 * usd, Justification: "   short   " + strings.Repeat(" ", 20)},
			wantErr: ledger.ErrInvalidInput,
		},
		{
			name:    "not an increase",
			params:  CreateParams{AgentID: "agent-1", RequesterID: "u", RequestedBudget: 50 * usd, Justification: justification},
			wantErr: ledger.ErrInvalidAmount,
		},
		{
			name:    "above cap",
			params:  CreateParams{AgentID: "agent-1", RequesterID: "u", RequestedBudget: 10_001 * usd, Justification: justification},
			wantErr: ledger.ErrInvalidAmount,
		},
		{
			name:    "missing requester",
			params:  CreateParams{AgentID: "agent-1", RequestedBudget: 60 * usd, Justification: justification},
			wantErr: ledger.ErrInvalidInput,
		},
		{
			name:    "unknown agent",
			params:  CreateParams{AgentID: "ghost", RequesterID: "u", RequestedBudget: 60 * usd, Justification: justification},
			wantErr: ledger.ErrNotFound,
		},
		{
			name:   "multibyte justification counts characters",
			params: CreateParams{AgentID: "agent-1", RequesterID: "u", RequestedBudget: 60 * usd, Justification: strings.Repeat("é", 20)},
		},
		{
			name:   "exactly the cap",
			params: CreateParams{AgentID: "agent-1", RequesterID: "u", RequestedBudget: 10_000 * usd, Justification: justification},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.workflow.Create(ctx, tt.params)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestRejectAndCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "agent-1", 50*usd)
	before := f.account(t, "agent-1")

	create := func() ledger.ChangeRequest {
		r, err := f.workflow.Create(ctx, CreateParams{AgentID: "agent-1", RequesterID: "user-7", RequestedBudget: 80 * usd, Justification: justification})
		require.NoError(t, err)
		return r
	}

	rejected := create()
	_, err := f.workflow.Reject(ctx, rejected.ID, "admin-1", "short")
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	got, err := f.workflow.Reject(ctx, rejected.ID, "admin-1", "Not in this quarter's plan")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestRejected, got.Status)
	assert.Equal(t, "Not in this quarter's plan", got.DecisionReason)

	again, err := f.workflow.Reject(ctx, rejected.ID, "admin-1", "Not in this quarter's plan")
	require.NoError(t, err)
	assert.Equal(t, got, again)
	_, err = f.workflow.Approve(ctx, rejected.ID, "admin-1")
	assert.ErrorIs(t, err, ledger.ErrRequestNotPending)

	cancelled := create()
	got, err = f.workflow.Cancel(ctx, cancelled.ID, "user-7")
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestCancelled, got.Status)
	_, err = f.workflow.Cancel(ctx, cancelled.ID, "user-7")
	assert.NoError(t, err)

	_, err = f.workflow.Approve(ctx, "breq_missing", "admin-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)

	assert.Equal(t, before, f.account(t, "agent-1"))
	assert.Empty(t, f.workflow.ListHistory("agent-1"))

	assert.Len(t, f.workflow.ListRequests(RequestFilter{AgentID: "agent-1"}), 2)
	assert.Len(t, f.workflow.ListRequests(RequestFilter{Status: ledger.RequestCancelled}), 1)
	assert.Len(t, f.workflow.ListRequests(RequestFilter{RequesterID: "someone-else"}), 0)
}

func TestApproveStaleRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "agent-1", 50*usd)

	r, err := f.workflow.Create(ctx, CreateParams{AgentID: "agent-1", RequesterID: "u", RequestedBudget: 80 * usd, Justification: justification})
	require.NoError(t, err)

	_, err = f.workflow.Increase(ctx, Modification{AgentID: "agent-1", ModifierID: "admin", Amount: 40 * usd, Reason: "End of quarter top-up"})
	require.NoError(t, err)

	_, err = f.workflow.Approve(ctx, r.ID, "admin")
	assert.ErrorIs(t, err, ledger.ErrStaleRequest)

	got, err := f.workflow.GetRequest(r.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.RequestPending, got.Status)
	assert.Equal(t, 90*usd, f.account(t, "agent-1").TotalAllocated)
}

func TestApproveUsesLiveAllocation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "agent-1", 50*usd)

	r, err := f.workflow.Create(ctx, CreateParams{AgentID: "agent-1", RequesterID: "u", RequestedBudget: 100 * usd, Justification: justification})
	require.NoError(t, err)
	_, err = f.workflow.Increase(ctx, Modification{AgentID: "agent-1", ModifierID: "admin", Amount: 20 * usd, Reason: "Interim top-up"})
	require.NoError(t, err)

	_, err = f.workflow.Approve(ctx, r.ID, "admin")
	require.NoError(t, err)

	a := f.account(t, "agent-1")
	assert.Equal(t, 100*usd, a.TotalAllocated)
	assert.Equal(t, 100*usd, a.BudgetRemaining)

	hist := f.workflow.ListHistory("agent-1")
	require.Len(t, hist, 2)
	assert.Equal(t, 30*usd, hist[1].ChangeAmount)
}

func TestDirectModification(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(t, "agent-1", 100*usd)

	// 30 reserved, 10 of it spent: committed floor is 30.
	_, err := f.accounts.Reserve(ctx, "agent-1", 30*usd)
	require.NoError(t, err)
	_, err = f.accounts.RecordSpend(ctx, "agent-1", 10*usd)
	require.NoError(t, err)

	mod := func(amount int64, ack, override bool) Modification {
		return Modification{
			AgentID: "agent-1", ModifierID: "admin-1", Amount: amount,
			Reason: "Quarterly rebalance", AcknowledgeRisk: ack, Override: override,
		}
	}

	t.Run("decrease needs acknowledgement", func(t *testing.T) {
		_, err := f.workflow.Decrease(ctx, mod(10*usd, false, false))
		assert.ErrorIs(t, err, ledger.ErrRiskNotAcknowledged)
	})

	t.Run("decrease to the floor", func(t *testing.T) {
		h, err := f.workflow.Decrease(ctx, mod(70*usd, true, false))
		require.NoError(t, err)
		assert.Equal(t, ledger.ModificationDecrease, h.ModificationType)
		assert.Equal(t, -70*usd, h.ChangeAmount)
		a := f.account(t, "agent-1")
		assert.Equal(t, 30*usd, a.TotalAllocated)
		assert.Equal(t, int64(0), a.BudgetRemaining)
	})

	t.Run("decrease below floor without override", func(t *testing.T) {
		_, err := f.workflow.Decrease(ctx, mod(1, true, false))
		assert.ErrorIs(t, err, ledger.ErrBelowCommitted)
	})

	t.Run("override goes negative and blocks reservations", func(t *testing.T) {
		_, err := f.workflow.Decrease(ctx, mod(5*usd, true, true))
		require.NoError(t, err)
		a := f.account(t, "agent-1")
		assert.Equal(t, -5*usd, a.BudgetRemaining)
		assert.Equal(t, 20*usd, a.Reserved, "active reservations are untouched")

		_, err = f.accounts.Reserve(ctx, "agent-1", 1)
		assert.ErrorIs(t, err, ledger.ErrInsufficientBudget)
	})

	t.Run("decrease below zero", func(t *testing.T) {
		_, err := f.workflow.Decrease(ctx, mod(1000*usd, true, true))
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	})

	t.Run("increase", func(t *testing.T) {
		h, err := f.workflow.Increase(ctx, mod(15*usd, false, false))
		require.NoError(t, err)
		assert.Equal(t, 15*usd, h.ChangeAmount)
		assert.Equal(t, 10*usd, f.account(t, "agent-1").BudgetRemaining)
	})

	t.Run("reset", func(t *testing.T) {
		_, err := f.workflow.Reset(ctx, mod(0, false, false))
		assert.ErrorIs(t, err, ledger.ErrRiskNotAcknowledged)

		h, err := f.workflow.Reset(ctx, mod(0, true, false))
		require.NoError(t, err)
		assert.Equal(t, ledger.ModificationReset, h.ModificationType)
		a := f.account(t, "agent-1")
		assert.Equal(t, 30*usd, a.TotalAllocated)
		assert.Equal(t, int64(0), a.BudgetRemaining)

		_, err = f.workflow.Reset(ctx, mod(0, true, false))
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	})

	t.Run("invalid inputs", func(t *testing.T) {
		_, err := f.workflow.Increase(ctx, mod(0, false, false))
		assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

		m := mod(usd, false, false)
		m.Reason = "too short"
		_, err = f.workflow.Increase(ctx, m)
		assert.ErrorIs(t, err, ledger.ErrInvalidInput)

		m = mod(usd, false, false)
		m.ModifierID = ""
		_, err = f.workflow.Increase(ctx, m)
		assert.ErrorIs(t, err, ledger.ErrInvalidInput)
	})

	hist := f.workflow.ListHistory("agent-1")
	assert.Len(t, hist, 4)
	for _, h := range hist {
		assert.Equal(t, h.NewBudget-h.OldBudget, h.ChangeAmount)
	}

	require.NoError(t, f.coord.Flush(ctx))
	stored, err := f.store.LoadHistory(ctx)
	require.NoError(t, err)
	assert.Len(t, stored, 4)
	events, err := f.store.ListAudit(ctx, storage.AuditQuery{EventType: ledger.EventBudgetModified})
	require.NoError(t, err)
	assert.Len(t, events, 4)
}
