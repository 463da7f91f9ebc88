package node_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/poseidon/internal/events"
	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/node/nodefake"
	"github.com/cuemby/poseidon/internal/node/rpc"
)

func seedPool(name string) rpc.PoolInfo {
	return rpc.PoolInfo{Name: name, CapacityB: 100, UsedB: 0, Disks: []string{"/dev/sda"}, State: "online"}
}

func TestNodeCreatePoolIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := nodefake.New()
	n := node.New("n1", fake, node.Config{SyncPeriod: time.Hour, BadSyncLimit: 1, SyncRetry: time.Hour}, func(events.Event) {})
	require.NoError(t, n.Connect(ctx))
	defer n.Disconnect()

	p1, err := n.CreatePool(ctx, "pool0", []string{"/dev/sda"})
	require.NoError(t, err)
	require.Equal(t, "pool0", p1.Name)

	p2, err := n.CreatePool(ctx, "pool0", []string{"/dev/sda"})
	require.NoError(t, err)
	require.Equal(t, p1.Name, p2.Name)
}

func TestNodeDestroyPoolNotFoundIsSuccess(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := nodefake.New()
	n := node.New("n1", fake, node.Config{SyncPeriod: time.Hour}, func(events.Event) {})
	require.NoError(t, n.Connect(ctx))
	defer n.Disconnect()

	require.NoError(t, n.DestroyPool(ctx, "nonexistent"))
}

func TestNodeSyncPicksUpSeededPool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := nodefake.New()
	fake.SeedPool(seedPool("pool0"))
	done := make(chan struct{})
	var once bool
	emit := func(e events.Event) {
		if e.Kind == events.KindPool && e.Type == events.New && !once {
			once = true
			close(done)
		}
	}
	n := node.New("n1", fake, node.Config{SyncPeriod: 20 * time.Millisecond}, emit)
	require.NoError(t, n.Connect(ctx))
	defer n.Disconnect()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pool/new event")
	}
	require.True(t, n.IsSynced())
}

func TestNodeDisconnectOfflinesPools(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := nodefake.New()
	n := node.New("n1", fake, node.Config{SyncPeriod: time.Hour, BadSyncLimit: 1, SyncRetry: time.Hour}, func(events.Event) {})
	require.NoError(t, n.Connect(ctx))

	_, err := n.CreatePool(ctx, "pool0", []string{"/dev/sda"})
	require.NoError(t, err)

	n.Disconnect()
	require.False(t, n.Healthy())
}
