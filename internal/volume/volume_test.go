package volume_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/poseidon/internal/events"
	"github.com/cuemby/poseidon/internal/model"
	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/node/nodefake"
	"github.com/cuemby/poseidon/internal/node/rpc"
	"github.com/cuemby/poseidon/internal/registry"
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

func TestVolumeCreateProvisionsAllReplicas(t *testing.T) {
	r := newTestRegistry(t, "n1", "n2", "n3")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vol := volume.New("U", volume.Spec{
		ReplicaCount:  3,
		RequiredBytes: 10,
		Protocol:      model.ShareNvmf,
	}, r, r, nil, func(events.Event) {})

	go vol.Serve(ctx)
	require.NoError(t, vol.Create(ctx))

	status := vol.Snapshot()
	require.Equal(t, uint64(10), status.Size)
	require.Len(t, status.Replicas, 3)
	require.Contains(t, []volume.State{volume.StateHealthy, volume.StateDegraded}, status.State)
}

func TestVolumePublishReturnsNexusURI(t *testing.T) {
	r := newTestRegistry(t, "n1", "n2", "n3")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	vol := volume.New("U", volume.Spec{
		ReplicaCount:  3,
		RequiredBytes: 10,
		Protocol:      model.ShareNvmf,
	}, r, r, nil, func(events.Event) {})

	go vol.Serve(ctx)
	require.NoError(t, vol.Create(ctx))
	require.Eventually(t, func() bool {
		s := vol.Snapshot().State
		return s == volume.StateHealthy || s == volume.StateDegraded
	}, 2*time.Second, 10*time.Millisecond)

	var uri string
	var err error
	pubDone := make(chan struct{})
	go func() {
		uri, err = vol.Publish(ctx, "n1")
		close(pubDone)
	}()

	require.Eventually(t, func() bool { return vol.Snapshot().Nexus != nil }, 2*time.Second, 10*time.Millisecond)
	vol.ModNexus(nexusFromStatus(vol.UUID, vol.Snapshot().Nexus))
	<-pubDone
	require.NoError(t, err)
	require.NotEmpty(t, uri)
}

func TestVolumeUpdateRejectsExtendingSize(t *testing.T) {
	r := newTestRegistry(t, "n1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vol := volume.New("U", volume.Spec{ReplicaCount: 1, RequiredBytes: 10}, r, r, nil, func(events.Event) {})
	go vol.Serve(ctx)
	require.NoError(t, vol.Create(ctx))

	err := vol.Update(volume.Spec{ReplicaCount: 1, RequiredBytes: 1000})
	require.Error(t, err)
}

func TestVolumeDestroyTearsDownReplicasAndEndsDestroyed(t *testing.T) {
	r := newTestRegistry(t, "n1")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vol := volume.New("U", volume.Spec{ReplicaCount: 1, RequiredBytes: 10}, r, r, nil, func(events.Event) {})
	go vol.Serve(ctx)
	require.NoError(t, vol.Create(ctx))

	require.NoError(t, vol.Destroy(ctx))
	require.Equal(t, volume.StateDestroyed, vol.Snapshot().State)
}

// nexusFromStatus rebuilds a *model.Nexus from a Volume's own status view,
// standing in for the node-sync-derived event a Manager would normally
// route to ModNexus.
func nexusFromStatus(uuid string, ns *volume.NexusStatus) *model.Nexus {
	children := make([]model.NexusChild, 0, len(ns.Children))
	for _, c := range ns.Children {
		children = append(children, model.NexusChild{URI: c.URI, State: c.State})
	}
	return &model.Nexus{
		UUID:      uuid,
		NodeName:  ns.Node,
		DeviceURI: ns.DeviceURI,
		State:     ns.State,
		Children:  children,
	}
}

// TestVolumeReplacesFaultedNexusChild exercises a nexus child going
// faulted while enough spare capacity exists elsewhere: the FSA's health
// step must provision a replacement replica rather than leaving the
// volume permanently degraded.
func TestVolumeReplacesFaultedNexusChild(t *testing.T) {
	r := newTestRegistry(t, "n1", "n2", "n3")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vol := volume.New("U", volume.Spec{
		ReplicaCount:   2,
		RequiredBytes:  10,
		PreferredNodes: []string{"n1", "n2"},
		Protocol:       model.ShareNvmf,
	}, r, r, nil, func(events.Event) {})

	go vol.Serve(ctx)
	require.NoError(t, vol.Create(ctx))
	require.Len(t, vol.Snapshot().Replicas, 2)

	var pubErr error
	pubDone := make(chan struct{})
	go func() {
		_, pubErr = vol.Publish(ctx, "n1")
		close(pubDone)
	}()

	require.Eventually(t, func() bool { return vol.Snapshot().Nexus != nil }, 2*time.Second, 10*time.Millisecond)
	vol.ModNexus(nexusFromStatus(vol.UUID, vol.Snapshot().Nexus))
	<-pubDone
	require.NoError(t, pubErr)

	snap := vol.Snapshot()
	require.Len(t, snap.Nexus.Children, 2)

	faulted := nexusFromStatus(vol.UUID, snap.Nexus)
	faulted.Children[1].State = model.ChildFaulted
	vol.ModNexus(faulted)

	require.Eventually(t, func() bool {
		return len(vol.Snapshot().Replicas) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

// TestVolumeUnpublishCancelsInFlightPublish confirms a concurrent Unpublish
// resolves a still-pending Publish waiter with the unpublished error rather
// than leaving it hanging.
func TestVolumeUnpublishCancelsInFlightPublish(t *testing.T) {
	r := newTestRegistry(t, "n1")

	vol := volume.New("U", volume.Spec{ReplicaCount: 1, RequiredBytes: 10, Protocol: model.ShareNvmf}, r, r, nil, func(events.Event) {})
	require.NoError(t, vol.Create(context.Background()))

	var pubErr error
	pubDone := make(chan struct{})
	go func() {
		_, pubErr = vol.Publish(context.Background(), "n1")
		close(pubDone)
	}()
	time.Sleep(20 * time.Millisecond)

	unpubCtx, unpubCancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer unpubCancel()
	_ = vol.Unpublish(unpubCtx)

	<-pubDone
	require.Error(t, pubErr)
	require.Contains(t, pubErr.Error(), "Volume has been unpublished")
}

// TestVolumeRecoversPublishAfterNodeOutage exercises a publish attempted
// while the target node is out of the registry (it fails and leaves the
// volume offline) and a later publish succeeding once the node rejoins.
func TestVolumeRecoversPublishAfterNodeOutage(t *testing.T) {
	fake := nodefake.New()
	fake.SeedPool(rpc.PoolInfo{Name: "pool0", CapacityB: 100, UsedB: 50, State: "online"})
	r := registry.New(node.Config{SyncPeriod: 20 * time.Millisecond})
	n, err := r.AddNode(context.Background(), "n1", fake)
	require.NoError(t, err)
	require.Eventually(t, n.IsSynced, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vol := volume.New("U", volume.Spec{ReplicaCount: 1, RequiredBytes: 10, Protocol: model.ShareNvmf}, r, r, nil, func(events.Event) {})
	go vol.Serve(ctx)
	require.NoError(t, vol.Create(ctx))

	r.RemoveNode("n1")

	_, err = vol.Publish(ctx, "n1")
	require.Error(t, err)
	require.Equal(t, volume.StateOffline, vol.Snapshot().State)

	n2, err := r.AddNode(ctx, "n1", fake)
	require.NoError(t, err)
	require.Eventually(t, n2.IsSynced, 2*time.Second, 10*time.Millisecond)

	var pubErr error
	var pubURI string
	pubDone := make(chan struct{})
	go func() {
		pubURI, pubErr = vol.Publish(ctx, "n1")
		close(pubDone)
	}()

	require.Eventually(t, func() bool { return vol.Snapshot().Nexus != nil }, 2*time.Second, 10*time.Millisecond)
	vol.ModNexus(nexusFromStatus(vol.UUID, vol.Snapshot().Nexus))

	<-pubDone
	require.NoError(t, pubErr)
	require.NotEmpty(t, pubURI)
}
