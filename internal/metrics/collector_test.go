package metrics_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/poseidon/internal/metrics"
	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/node/nodefake"
	"github.com/cuemby/poseidon/internal/node/rpc"
	"github.com/cuemby/poseidon/internal/registry"
	"github.com/cuemby/poseidon/internal/volmgr"
)

func TestCollectorSamplesNodeHealth(t *testing.T) {
	r := registry.New(node.Config{SyncPeriod: 20 * time.Millisecond})
	fake := nodefake.New()
	n, err := r.AddNode(context.Background(), "n1", fake)
	require.NoError(t, err)
	require.Eventually(t, n.IsSynced, 2*time.Second, 10*time.Millisecond)

	mgr := volmgr.New(r, r, nil)
	c := metrics.NewCollector(r, mgr, time.Hour)
	c.Collect()

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.NodesTotal.WithLabelValues("healthy")))
}

func TestCollectorSamplesPoolState(t *testing.T) {
	r := registry.New(node.Config{SyncPeriod: 20 * time.Millisecond})
	fake := nodefake.New()
	fake.SeedPool(rpc.PoolInfo{Name: "pool0", CapacityB: 100, State: "online"})
	n, err := r.AddNode(context.Background(), "n1", fake)
	require.NoError(t, err)
	require.Eventually(t, n.IsSynced, 2*time.Second, 10*time.Millisecond)

	mgr := volmgr.New(r, r, nil)
	c := metrics.NewCollector(r, mgr, time.Hour)
	c.Collect()

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.PoolsTotal.WithLabelValues("online")))
}

func TestCollectorStartStopDoesNotPanic(t *testing.T) {
	r := registry.New(node.Config{SyncPeriod: 20 * time.Millisecond})
	mgr := volmgr.New(r, r, nil)
	c := metrics.NewCollector(r, mgr, 10*time.Millisecond)
	c.Start()
	time.Sleep(30 * time.Millisecond)
	c.Stop()
}
