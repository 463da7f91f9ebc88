package boltpstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/poseidon/internal/pstore"
	"github.com/cuemby/poseidon/internal/pstore/boltpstore"
)

func TestSaveAndOverwritePoolStatus(t *testing.T) {
	store, err := boltpstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.SavePoolStatus(ctx, pstore.PoolStatus{
		Name: "pool0", NodeName: "n1", State: "online", CapacityB: 100, UsedB: 10,
	}))
	require.NoError(t, store.SavePoolStatus(ctx, pstore.PoolStatus{
		Name: "pool0", NodeName: "n1", State: "online", CapacityB: 100, UsedB: 20,
	}))
}

func TestSaveVolumeStatus(t *testing.T) {
	store, err := boltpstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	err = store.SaveVolumeStatus(context.Background(), pstore.VolumeStatus{
		UUID: "U", Size: 10, State: "healthy",
	})
	require.NoError(t, err)
}

func TestUnhealthyReplicasRoundTrip(t *testing.T) {
	store, err := boltpstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	set, err := store.UnhealthyReplicas(ctx, "U")
	require.NoError(t, err)
	require.Empty(t, set)

	require.NoError(t, store.MarkUnhealthyReplica("U", "r1", true))
	require.NoError(t, store.MarkUnhealthyReplica("U", "r2", true))
	set, err = store.UnhealthyReplicas(ctx, "U")
	require.NoError(t, err)
	require.True(t, set["r1"])
	require.True(t, set["r2"])

	require.NoError(t, store.MarkUnhealthyReplica("U", "r1", false))
	set, err = store.UnhealthyReplicas(ctx, "U")
	require.NoError(t, err)
	require.False(t, set["r1"])
	require.True(t, set["r2"])
}

func TestUnhealthyReplicasUnknownVolumeIsEmpty(t *testing.T) {
	store, err := boltpstore.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	set, err := store.UnhealthyReplicas(context.Background(), "nonexistent")
	require.NoError(t, err)
	require.Empty(t, set)
}

func TestReopenPersistsData(t *testing.T) {
	dir := t.TempDir()

	store, err := boltpstore.Open(dir)
	require.NoError(t, err)
	require.NoError(t, store.SaveVolumeStatus(context.Background(), pstore.VolumeStatus{UUID: "U", Size: 5}))
	require.NoError(t, store.MarkUnhealthyReplica("U", "r1", true))
	require.NoError(t, store.Close())

	store2, err := boltpstore.Open(dir)
	require.NoError(t, err)
	defer store2.Close()
	require.NoError(t, store2.SaveVolumeStatus(context.Background(), pstore.VolumeStatus{UUID: "U", Size: 5}))
	set, err := store2.UnhealthyReplicas(context.Background(), "U")
	require.NoError(t, err)
	require.True(t, set["r1"])
}
