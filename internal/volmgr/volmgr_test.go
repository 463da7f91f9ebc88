package volmgr_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/poseidon/internal/model"
	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/node/nodefake"
	"github.com/cuemby/poseidon/internal/node/rpc"
	"github.com/cuemby/poseidon/internal/registry"
	"github.com/cuemby/poseidon/internal/volmgr"
	"github.com/cuemby/poseidon/internal/volume"
)

func newTestRegistry(t *testing.T, nodeNames ...string) *registry.Registry {
	t.Helper()
	r := registry.New(node.Config{SyncPeriod: 20 * time.Millisecond})
	for _, name := range nodeNames {
		fake := nodefake.New()
		fake.SeedPool(rpc.PoolInfo{Name: "pool0", CapacityB: 100, UsedB: 50, State: "online"})
		n, err := r.AddNode(context.Background(), name, fake)
		require.NoError(t, err)
		require.Eventually(t, n.IsSynced, 2*time.Second, 10*time.Millisecond)
	}
	return r
}

func TestManagerCreateProvisionsAcrossNodes(t *testing.T) {
	r := newTestRegistry(t, "n1", "n2", "n3")
	m := volmgr.New(r, r, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vol, err := m.Create(ctx, "U", volume.Spec{
		ReplicaCount:  3,
		RequiredBytes: 10,
		Protocol:      model.ShareNvmf,
	})
	require.NoError(t, err)

	status := vol.Snapshot()
	require.Equal(t, uint64(10), status.Size)
	require.Len(t, status.Replicas, 3)
	require.Contains(t, []volume.State{volume.StateHealthy, volume.StateDegraded}, status.State)
}

func TestManagerCreateRejectsZeroSize(t *testing.T) {
	r := newTestRegistry(t, "n1")
	m := volmgr.New(r, r, nil)

	_, err := m.Create(context.Background(), "U", volume.Spec{ReplicaCount: 1})
	require.Error(t, err)
}

func TestManagerCreateIsIdempotentPerUUID(t *testing.T) {
	r := newTestRegistry(t, "n1")
	m := volmgr.New(r, r, nil)

	spec := volume.Spec{ReplicaCount: 1, RequiredBytes: 10}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v1, err := m.Create(ctx, "U", spec)
	require.NoError(t, err)
	v2, err := m.Create(ctx, "U", spec)
	require.NoError(t, err)
	require.Same(t, v1, v2)
	require.Len(t, m.List(), 1)
}

func TestManagerDestroyUnknownUUIDIsNoop(t *testing.T) {
	r := newTestRegistry(t, "n1")
	m := volmgr.New(r, r, nil)
	require.NoError(t, m.Destroy(context.Background(), "nonexistent"))
}

func TestManagerDestroyTearsDownCreatedVolume(t *testing.T) {
	r := newTestRegistry(t, "n1")
	m := volmgr.New(r, r, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := m.Create(ctx, "U", volume.Spec{ReplicaCount: 1, RequiredBytes: 10})
	require.NoError(t, err)

	require.NoError(t, m.Destroy(ctx, "U"))
	_, ok := m.Get("U")
	require.False(t, ok)
}
