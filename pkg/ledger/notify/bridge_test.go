package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mercator-hq/ledger/pkg/ledger"
	"mercator-hq/ledger/pkg/ledger/state"
)

func setupBridge(t *testing.T, mr *miniredis.Miniredis) *RedisBridge {
	t.Helper()
	b, err := NewRedisBridge(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

type collector struct {
	mu  sync.Mutex
	got []ledger.Notification
}

func (c *collector) handle(n ledger.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
}

func (c *collector) snapshot() []ledger.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]ledger.Notification(nil), c.got...)
}

func listen(t *testing.T, mr *miniredis.Miniredis, b *RedisBridge) *collector {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Listen(ctx, c.handle)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	before := mr.PubSubNumSub(DefaultChannel)[DefaultChannel]
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(DefaultChannel)[DefaultChannel] > before
	}, 2*time.Second, 10*time.Millisecond)
	return c
}

func TestNewRedisBridge_Unreachable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = NewRedisBridge(ctx, Config{Addr: addr})
	assert.Error(t, err)

	_, err = NewRedisBridge(ctx, Config{})
	assert.Error(t, err)
}

func TestRedisBridge_PublishAndListen(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	publisher := setupBridge(t, mr)
	received := listen(t, mr, setupBridge(t, mr))

	n := ledger.Notification{Kind: ledger.AuditEventRecorded, AgentID: "agent-1", EventType: ledger.EventLeaseOpened}
	require.NoError(t, publisher.Publish(context.Background(), n))

	require.Eventually(t, func() bool { return len(received.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, n, received.snapshot()[0])
}

func TestRedisBridge_SkipsOwnMessages(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	b := setupBridge(t, mr)
	own := listen(t, mr, b)
	other := listen(t, mr, setupBridge(t, mr))

	require.NoError(t, b.Publish(context.Background(), ledger.Notification{Kind: ledger.AgentBudgetChanged, AgentID: "agent-1"}))

	require.Eventually(t, func() bool { return len(other.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, own.snapshot())
}

func TestRedisBridge_ForwardsCoordinatorNotifications(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	hub := state.NewHub(16, nil)
	sub := hub.Subscribe()

	forwarder := setupBridge(t, mr)
	received := listen(t, mr, setupBridge(t, mr))

	done := make(chan error, 1)
	go func() { done <- forwarder.Forward(context.Background(), sub) }()

	hub.Publish(ledger.Notification{Kind: ledger.AgentBudgetChanged, AgentID: "agent-1"})
	hub.Publish(ledger.Notification{Kind: ledger.AgentBudgetChanged, AgentID: "agent-2"})

	require.Eventually(t, func() bool { return len(received.snapshot()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := received.snapshot()
	assert.Equal(t, "agent-1", got[0].AgentID)
	assert.Equal(t, "agent-2", got[1].AgentID)

	// Closing the subscription ends forwarding cleanly.
	sub.Close()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Forward did not return after subscription closed")
	}
}
