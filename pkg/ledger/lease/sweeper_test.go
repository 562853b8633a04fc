package lease

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/ledger/pkg/ledger"
)

func TestSweepRecoversAbandonedLease(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.StaleThreshold = 10 * time.Minute
	f := newFixture(t, cfg)
	f.register(t, "agent-1", 100*usd)
	sweeper := NewSweeper(f.manager)

	l, err := f.manager.Open(ctx, "agent-1", 10*usd)
	require.NoError(t, err)
	_, err = f.manager.ReportSpend(ctx, l.ID, 2*usd)
	require.NoError(t, err)

	// The session crashes. Before the threshold nothing happens.
	f.clock.Advance(9 * time.Minute)
	result, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)

	f.clock.Advance(time.Minute)
	result, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Candidates: 1, Expired: 1, Returned: 8 * usd}, result)

	got, err := f.manager.Get(l.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LeaseExpired, got.Status)
	assert.Equal(t, 8*usd, got.ReturnedAmount)

	a := f.account(t, "agent-1")
	assert.Equal(t, 98*usd, a.BudgetRemaining)
	assert.Equal(t, 2*usd, a.TotalSpent)

	// A second sweep is a no-op.
	result, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, result)
	assert.Equal(t, a, f.account(t, "agent-1"))
}

func TestSweepHonorsDeadlinesAndHeartbeats(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.StaleThreshold = 10 * time.Minute
	f := newFixture(t, cfg)
	f.register(t, "agent-1", 100*usd)
	sweeper := NewSweeper(f.manager)

	idle, err := f.manager.Open(ctx, "agent-1", usd)
	require.NoError(t, err)
	busy, err := f.manager.Open(ctx, "agent-1", usd)
	require.NoError(t, err)

	// A lease with a deadline is swept at the deadline even if it is busy.
	f.manager.config.DefaultTTL = 3 * time.Minute
	timed, err := f.manager.Open(ctx, "agent-1", usd)
	require.NoError(t, err)
	f.manager.config.DefaultTTL = 0

	f.clock.Advance(3 * time.Minute)
	_, err = f.manager.ReportSpend(ctx, busy.ID, 0)
	require.NoError(t, err)

	result, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)

	got, err := f.manager.Get(timed.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LeaseExpired, got.Status)

	f.clock.Advance(8 * time.Minute)
	result, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Expired)

	got, err = f.manager.Get(idle.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LeaseExpired, got.Status)
	got, err = f.manager.Get(busy.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.LeaseActive, got.Status)
}

func TestSweepStopsOnCancelledContext(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.register(t, "agent-1", 100*usd)
	_, err := f.manager.Open(context.Background(), "agent-1", usd)
	require.NoError(t, err)
	f.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result, err := NewSweeper(f.manager).SweepOnce(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, result.Expired)
}

func TestSweeperSchedule(t *testing.T) {
	t.Run("empty schedule does nothing", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SweepSchedule = ""
		f := newFixture(t, cfg)

		s := NewSweeper(f.manager)
		require.NoError(t, s.Start(context.Background()))
		assert.False(t, s.IsRunning())
		assert.Nil(t, s.NextRun())
	})

	t.Run("invalid schedule", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.manager.config.SweepSchedule = "not a schedule"

		err := NewSweeper(f.manager).Start(context.Background())
		assert.Error(t, err)
	})

	t.Run("start and stop", func(t *testing.T) {
		f := newFixture(t, DefaultConfig())
		f.manager.config.SweepSchedule = "@every 1h"

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		s := NewSweeper(f.manager)
		require.NoError(t, s.Start(ctx))
		assert.True(t, s.IsRunning())
		assert.NotNil(t, s.NextRun())

		s.Stop()
		assert.False(t, s.IsRunning())
		s.Stop()
	})
}
