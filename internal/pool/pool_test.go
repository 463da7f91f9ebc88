package pool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/node/nodefake"
	"github.com/cuemby/poseidon/internal/node/rpc"
	"github.com/cuemby/poseidon/internal/pool"
	"github.com/cuemby/poseidon/internal/pstore"
	"github.com/cuemby/poseidon/internal/registry"
)

func TestReconcilerDeclareIsImmutableOnceSet(t *testing.T) {
	r := pool.New(nil, nil)
	require.NoError(t, r.Declare("pool0", "n1", []string{"/dev/sda"}))
	require.NoError(t, r.Declare("pool0", "n1", []string{"/dev/sda"}))
	require.Error(t, r.Declare("pool0", "n2", []string{"/dev/sda"}))
	require.Error(t, r.Declare("pool0", "n1", []string{"/dev/sdb"}))
}

type memStore struct {
	pools map[string]pstore.PoolStatus
}

func newMemStore() *memStore { return &memStore{pools: make(map[string]pstore.PoolStatus)} }

func (m *memStore) SavePoolStatus(ctx context.Context, s pstore.PoolStatus) error {
	m.pools[s.NodeName+"/"+s.Name] = s
	return nil
}
func (m *memStore) SaveVolumeStatus(ctx context.Context, s pstore.VolumeStatus) error { return nil }
func (m *memStore) UnhealthyReplicas(ctx context.Context, uuid string) (map[string]bool, error) {
	return nil, nil
}
func (m *memStore) Close() error { return nil }

// TestReconcilerCreatesDesiredPoolOnHealthyNode subscribes the
// reconciler before the node ever connects, so the node/sync event that
// fires on first-connect healthy transition reaches it.
func TestReconcilerCreatesDesiredPoolOnHealthyNode(t *testing.T) {
	r := registry.New(node.Config{SyncPeriod: 20 * time.Millisecond})
	store := newMemStore()
	rec := pool.New(r, store)
	require.NoError(t, rec.Declare("pool1", "n1", []string{"/dev/sda"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Route(ctx, r)

	fake := nodefake.New()
	_, err := r.AddNode(context.Background(), "n1", fake)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pools, err := fake.ListPools(context.Background())
		require.NoError(t, err)
		for _, p := range pools {
			if p.Name == "pool1" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		status, ok := store.pools["n1/pool1"]
		return ok && status.State == "online"
	}, 2*time.Second, 10*time.Millisecond)
}

// TestReconcilerDestroysUnknownPool subscribes the reconciler before the
// node connects so the pool/new event for the stray pool, emitted during
// the node's first sync, reaches it.
func TestReconcilerDestroysUnknownPool(t *testing.T) {
	r := registry.New(node.Config{SyncPeriod: 20 * time.Millisecond})
	rec := pool.New(r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Route(ctx, r)

	fake := nodefake.New()
	fake.SeedPool(rpc.PoolInfo{Name: "stray", CapacityB: 100, State: "online"})
	_, err := r.AddNode(context.Background(), "n1", fake)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		pools, err := fake.ListPools(context.Background())
		require.NoError(t, err)
		for _, p := range pools {
			if p.Name == "stray" {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcilerMarksBusyOnReplica(t *testing.T) {
	r := registry.New(node.Config{SyncPeriod: 20 * time.Millisecond})
	store := newMemStore()
	rec := pool.New(r, store)
	require.NoError(t, rec.Declare("pool0", "n1", []string{"/dev/sda"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Route(ctx, r)

	fake := nodefake.New()
	fake.SeedPool(rpc.PoolInfo{Name: "pool0", CapacityB: 100, State: "online"})
	n, err := r.AddNode(context.Background(), "n1", fake)
	require.NoError(t, err)
	require.Eventually(t, n.IsSynced, 2*time.Second, 10*time.Millisecond)

	_, err = fake.CreateReplica(context.Background(), "U", "pool0", 10, false, "none")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, ok := store.pools["n1/pool0"]
		return ok && status.Reason != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconcilerDestroyRemovesDesiredRecordEvenWhenNodeUnreachable(t *testing.T) {
	r := registry.New(node.Config{SyncPeriod: 20 * time.Millisecond})
	rec := pool.New(r, nil)
	require.NoError(t, rec.Declare("pool0", "ghost", []string{"/dev/sda"}))
	require.NoError(t, rec.Destroy(context.Background(), "pool0"))
	require.Empty(t, rec.Desired())
}
