package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/node/nodefake"
	"github.com/cuemby/poseidon/internal/node/rpc"
	"github.com/cuemby/poseidon/internal/registry"
)

func addNodeWithPool(t *testing.T, r *registry.Registry, name, poolName string, cap, used uint64) {
	t.Helper()
	fake := nodefake.New()
	fake.SeedPool(rpc.PoolInfo{Name: poolName, CapacityB: cap, UsedB: used, State: "online"})
	n, err := r.AddNode(context.Background(), name, fake)
	require.NoError(t, err)
	require.Eventually(t, n.IsSynced, 2*time.Second, 10*time.Millisecond)
}

func TestChoosePoolsOrdersByFreeBytesAndLimitsOnePerNode(t *testing.T) {
	r := registry.New(node.Config{SyncPeriod: 10 * time.Millisecond})
	addNodeWithPool(t, r, "n1", "pool0", 100, 50)
	addNodeWithPool(t, r, "n2", "pool0", 100, 10)
	addNodeWithPool(t, r, "n3", "pool0", 100, 90)

	pools := r.ChoosePools(registry.ChooseRequest{RequiredBytes: 5})
	require.Len(t, pools, 3)
	require.Equal(t, "n2", pools[0].NodeName)
	require.Equal(t, "n1", pools[1].NodeName)
	require.Equal(t, "n3", pools[2].NodeName)
}

func TestChoosePoolsFiltersByRequiredBytes(t *testing.T) {
	r := registry.New(node.Config{SyncPeriod: 10 * time.Millisecond})
	addNodeWithPool(t, r, "n1", "pool0", 100, 95)

	pools := r.ChoosePools(registry.ChooseRequest{RequiredBytes: 10})
	require.Empty(t, pools)
}

func TestChoosePoolsHonorsRequiredNodes(t *testing.T) {
	r := registry.New(node.Config{SyncPeriod: 10 * time.Millisecond})
	addNodeWithPool(t, r, "n1", "pool0", 100, 50)
	addNodeWithPool(t, r, "n2", "pool0", 100, 0)

	pools := r.ChoosePools(registry.ChooseRequest{RequiredBytes: 5, RequiredNodes: []string{"n1"}})
	require.Len(t, pools, 1)
	require.Equal(t, "n1", pools[0].NodeName)
}
