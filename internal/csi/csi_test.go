package csi_test

import (
	"context"
	"testing"
	"time"

	csipb "github.com/container-storage-interface/spec/lib/go/csi"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cuemby/poseidon/internal/csi"
	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/node/nodefake"
	"github.com/cuemby/poseidon/internal/node/rpc"
	"github.com/cuemby/poseidon/internal/registry"
	"github.com/cuemby/poseidon/internal/volmgr"
)

const testUUID = "11111111-2222-3333-4444-555555555555"

func newHarness(t *testing.T, nodeNames ...string) (*csi.ControllerServer, *registry.Registry) {
	t.Helper()
	r := registry.New(node.Config{SyncPeriod: 20 * time.Millisecond})
	for _, name := range nodeNames {
		fake := nodefake.New()
		fake.SeedPool(rpc.PoolInfo{Name: "pool0", CapacityB: 100, UsedB: 0, State: "online"})
		n, err := r.AddNode(context.Background(), name, fake)
		require.NoError(t, err)
		require.Eventually(t, n.IsSynced, 2*time.Second, 10*time.Millisecond)
	}
	mgr := volmgr.New(r, r, nil)
	return csi.NewControllerServer(mgr, r), r
}

func writerCapability() *csipb.VolumeCapability {
	return &csipb.VolumeCapability{
		AccessMode: &csipb.VolumeCapability_AccessMode{
			Mode: csipb.VolumeCapability_AccessMode_SINGLE_NODE_WRITER,
		},
	}
}

func TestCreateVolumeRejectsMalformedName(t *testing.T) {
	srv, _ := newHarness(t, "n1")
	_, err := srv.CreateVolume(context.Background(), &csipb.CreateVolumeRequest{
		Name:               "not-a-pvc-name",
		CapacityRange:      &csipb.CapacityRange{RequiredBytes: 10},
		VolumeCapabilities: []*csipb.VolumeCapability{writerCapability()},
	})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCreateVolumeRejectsNonSingleNodeWriter(t *testing.T) {
	srv, _ := newHarness(t, "n1")
	_, err := srv.CreateVolume(context.Background(), &csipb.CreateVolumeRequest{
		Name:          "pvc-" + testUUID,
		CapacityRange: &csipb.CapacityRange{RequiredBytes: 10},
		VolumeCapabilities: []*csipb.VolumeCapability{{
			AccessMode: &csipb.VolumeCapability_AccessMode{
				Mode: csipb.VolumeCapability_AccessMode_MULTI_NODE_MULTI_WRITER,
			},
		}},
	})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCreateVolumeRejectsContentSource(t *testing.T) {
	srv, _ := newHarness(t, "n1")
	_, err := srv.CreateVolume(context.Background(), &csipb.CreateVolumeRequest{
		Name:                "pvc-" + testUUID,
		CapacityRange:       &csipb.CapacityRange{RequiredBytes: 10},
		VolumeCapabilities:  []*csipb.VolumeCapability{writerCapability()},
		VolumeContentSource: &csipb.VolumeContentSource{},
	})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCreateVolumeRejectsUnsupportedTopologySegment(t *testing.T) {
	srv, _ := newHarness(t, "n1")
	_, err := srv.CreateVolume(context.Background(), &csipb.CreateVolumeRequest{
		Name:               "pvc-" + testUUID,
		CapacityRange:      &csipb.CapacityRange{RequiredBytes: 10},
		VolumeCapabilities: []*csipb.VolumeCapability{writerCapability()},
		AccessibilityRequirements: &csipb.TopologyRequirement{
			Requisite: []*csipb.Topology{{Segments: map[string]string{"zone": "us-east"}}},
		},
	})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCreateVolumeSucceeds(t *testing.T) {
	srv, _ := newHarness(t, "n1", "n2", "n3")
	resp, err := srv.CreateVolume(context.Background(), &csipb.CreateVolumeRequest{
		Name:               "pvc-" + testUUID,
		CapacityRange:      &csipb.CapacityRange{RequiredBytes: 10},
		VolumeCapabilities: []*csipb.VolumeCapability{writerCapability()},
		Parameters:         map[string]string{"replicaCount": "3"},
	})
	require.NoError(t, err)
	require.Equal(t, testUUID, resp.Volume.VolumeId)
	require.Equal(t, int64(10), resp.Volume.CapacityBytes)
}

func TestCreateVolumeRejectsNonNumericReplicaCount(t *testing.T) {
	srv, _ := newHarness(t, "n1")
	_, err := srv.CreateVolume(context.Background(), &csipb.CreateVolumeRequest{
		Name:               "pvc-" + testUUID,
		CapacityRange:      &csipb.CapacityRange{RequiredBytes: 10},
		VolumeCapabilities: []*csipb.VolumeCapability{writerCapability()},
		Parameters:         map[string]string{"replicaCount": "many"},
	})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestCreateVolumeParsesHumanLimitBytes(t *testing.T) {
	srv, _ := newHarness(t, "n1")
	resp, err := srv.CreateVolume(context.Background(), &csipb.CreateVolumeRequest{
		Name:               "pvc-" + testUUID,
		CapacityRange:      &csipb.CapacityRange{RequiredBytes: 10},
		VolumeCapabilities: []*csipb.VolumeCapability{writerCapability()},
		Parameters:         map[string]string{"limitBytes": "1Ki"},
	})
	require.NoError(t, err)
	require.Equal(t, testUUID, resp.Volume.VolumeId)
}

func TestDeleteVolumeUnknownIsNoop(t *testing.T) {
	srv, _ := newHarness(t, "n1")
	_, err := srv.DeleteVolume(context.Background(), &csipb.DeleteVolumeRequest{VolumeId: "nonexistent"})
	require.NoError(t, err)
}

func TestControllerPublishVolumeRejectsReadOnly(t *testing.T) {
	srv, _ := newHarness(t, "n1")
	_, err := srv.CreateVolume(context.Background(), &csipb.CreateVolumeRequest{
		Name:               "pvc-" + testUUID,
		CapacityRange:      &csipb.CapacityRange{RequiredBytes: 10},
		VolumeCapabilities: []*csipb.VolumeCapability{writerCapability()},
	})
	require.NoError(t, err)

	_, err = srv.ControllerPublishVolume(context.Background(), &csipb.ControllerPublishVolumeRequest{
		VolumeId:         testUUID,
		NodeId:           "n1",
		VolumeCapability: writerCapability(),
		Readonly:         true,
	})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestControllerGetCapabilitiesListsExpectedRPCs(t *testing.T) {
	srv, _ := newHarness(t, "n1")
	resp, err := srv.ControllerGetCapabilities(context.Background(), &csipb.ControllerGetCapabilitiesRequest{})
	require.NoError(t, err)
	require.Len(t, resp.Capabilities, 4)
}

func TestGetCapacityReflectsRegistry(t *testing.T) {
	srv, _ := newHarness(t, "n1", "n2")
	resp, err := srv.GetCapacity(context.Background(), &csipb.GetCapacityRequest{})
	require.NoError(t, err)
	require.Equal(t, int64(200), resp.AvailableCapacity)
}

func TestIdentityServerReportsPluginInfo(t *testing.T) {
	id := csi.NewIdentityServer()
	resp, err := id.GetPluginInfo(context.Background(), &csipb.GetPluginInfoRequest{})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Name)

	probe, err := id.Probe(context.Background(), &csipb.ProbeRequest{})
	require.NoError(t, err)
	require.True(t, probe.Ready.GetValue())
}
