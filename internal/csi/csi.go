// Package csi implements the CSI Identity and Controller gRPC services,
// the only surface an orchestrator talks to directly. It validates every
// request against the restrictions the control plane imposes
// (SINGLE_NODE_WRITER only, "hostname" topology only, no content
// sources, no read-only publish, pvc-<uuid> naming) before delegating to
// internal/volmgr, and coalesces duplicate in-flight requests per
// (uuid, operation) through internal/csi/inflight.
package csi

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	csipb "github.com/container-storage-interface/spec/lib/go/csi"
	units "github.com/docker/go-units"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/cuemby/poseidon/internal/apierror"
	"github.com/cuemby/poseidon/internal/csi/inflight"
	"github.com/cuemby/poseidon/internal/log"
	"github.com/cuemby/poseidon/internal/metrics"
	"github.com/cuemby/poseidon/internal/model"
	"github.com/cuemby/poseidon/internal/registry"
	"github.com/cuemby/poseidon/internal/volmgr"
	"github.com/cuemby/poseidon/internal/volume"
)

const (
	pluginName    = "csi.poseidon.cuemby.io"
	pluginVersion = "1.0.0"
	topologyKey   = "hostname"
)

var volumeNamePattern = regexp.MustCompile(`^pvc-[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

// MetricsInterceptor records request duration and outcome for every CSI
// Controller/Identity RPC, keyed by the bare method name.
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		method := methodNameOf(info.FullMethod)
		timer := metrics.NewTimer()
		resp, err := handler(ctx, req)
		timer.ObserveDurationVec(metrics.CSIRequestDuration, method)

		outcome := "ok"
		if err != nil {
			outcome = status.Code(err).String()
		}
		metrics.CSIRequestsTotal.WithLabelValues(method, outcome).Inc()
		return resp, err
	}
}

func methodNameOf(fullMethod string) string {
	parts := strings.Split(fullMethod, "/")
	return parts[len(parts)-1]
}

// IdentityServer implements the CSI Identity service. It has no state:
// every call answers with this plugin's static name, version and
// capabilities.
type IdentityServer struct {
	csipb.UnimplementedIdentityServer
}

func NewIdentityServer() *IdentityServer { return &IdentityServer{} }

func (s *IdentityServer) GetPluginInfo(ctx context.Context, req *csipb.GetPluginInfoRequest) (*csipb.GetPluginInfoResponse, error) {
	return &csipb.GetPluginInfoResponse{Name: pluginName, VendorVersion: pluginVersion}, nil
}

func (s *IdentityServer) GetPluginCapabilities(ctx context.Context, req *csipb.GetPluginCapabilitiesRequest) (*csipb.GetPluginCapabilitiesResponse, error) {
	return &csipb.GetPluginCapabilitiesResponse{
		Capabilities: []*csipb.PluginCapability{
			{
				Type: &csipb.PluginCapability_Service_{
					Service: &csipb.PluginCapability_Service{
						Type: csipb.PluginCapability_Service_CONTROLLER_SERVICE,
					},
				},
			},
			{
				Type: &csipb.PluginCapability_Service_{
					Service: &csipb.PluginCapability_Service{
						Type: csipb.PluginCapability_Service_VOLUME_ACCESSIBILITY_CONSTRAINTS,
					},
				},
			},
		},
	}, nil
}

func (s *IdentityServer) Probe(ctx context.Context, req *csipb.ProbeRequest) (*csipb.ProbeResponse, error) {
	return &csipb.ProbeResponse{Ready: wrapperspb.Bool(true)}, nil
}

// ControllerServer implements the CSI Controller service over
// internal/volmgr and internal/registry.
type ControllerServer struct {
	csipb.UnimplementedControllerServer

	volumes  *volmgr.Manager
	reg      *registry.Registry
	inflight *inflight.Tracker
	logger   zerolog.Logger
}

func NewControllerServer(volumes *volmgr.Manager, reg *registry.Registry) *ControllerServer {
	return &ControllerServer{
		volumes:  volumes,
		reg:      reg,
		inflight: inflight.New(),
		logger:   log.WithComponent("csi"),
	}
}

func volumeUUID(name string) (string, error) {
	if !volumeNamePattern.MatchString(name) {
		return "", fmt.Errorf("volume name %q must match pvc-<uuid>", name)
	}
	return name[len("pvc-"):], nil
}

func validateCapabilities(caps []*csipb.VolumeCapability) error {
	for _, c := range caps {
		mode := c.GetAccessMode()
		if mode != nil && mode.Mode != csipb.VolumeCapability_AccessMode_SINGLE_NODE_WRITER {
			return fmt.Errorf("access mode %s is not supported, only SINGLE_NODE_WRITER", mode.Mode)
		}
	}
	return nil
}

// topologyNodes extracts required/preferred node names from a topology
// requirement, rejecting any segment key other than "hostname".
func topologyNodes(req *csipb.TopologyRequirement) (required, preferred []string, err error) {
	if req == nil {
		return nil, nil, nil
	}
	extract := func(topo []*csipb.Topology) ([]string, error) {
		var names []string
		for _, t := range topo {
			for k, v := range t.GetSegments() {
				if k != topologyKey {
					return nil, fmt.Errorf("unsupported topology segment %q", k)
				}
				names = append(names, v)
			}
		}
		return names, nil
	}
	if required, err = extract(req.Requisite); err != nil {
		return nil, nil, err
	}
	if preferred, err = extract(req.Preferred); err != nil {
		return nil, nil, err
	}
	return required, preferred, nil
}

func (s *ControllerServer) CreateVolume(ctx context.Context, req *csipb.CreateVolumeRequest) (*csipb.CreateVolumeResponse, error) {
	if req.Name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	uuid, err := volumeUUID(req.Name)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if req.VolumeContentSource != nil {
		return nil, status.Error(codes.InvalidArgument, "volume content sources are not supported")
	}
	if err := validateCapabilities(req.VolumeCapabilities); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	required, preferred, err := topologyNodes(req.AccessibilityRequirements)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	requiredBytes := uint64(req.GetCapacityRange().GetRequiredBytes())
	if requiredBytes == 0 {
		return nil, status.Error(codes.InvalidArgument, "capacity_range.required_bytes must be > 0")
	}

	replicaCount, err := replicaCountOf(req.Parameters)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	limitBytes, err := limitBytesOf(req.Parameters, req.GetCapacityRange().GetLimitBytes())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.inflight.Begin(uuid, "CreateVolume"); err != nil {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	defer s.inflight.End(uuid, "CreateVolume")

	spec := volume.Spec{
		ReplicaCount:   replicaCount,
		RequiredBytes:  requiredBytes,
		LimitBytes:     limitBytes,
		Protocol:       model.ShareNvmf,
		RequiredNodes:  required,
		PreferredNodes: preferred,
		Local:          req.Parameters["local"] == "true",
	}

	vol, err := s.volumes.Create(ctx, uuid, spec)
	if err != nil {
		return nil, apierror.ToGRPCError(err)
	}
	return &csipb.CreateVolumeResponse{Volume: toCSIVolume(uuid, vol)}, nil
}

func replicaCountOf(params map[string]string) (int, error) {
	raw, ok := params["replicaCount"]
	if !ok || raw == "" {
		return 1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apierror.New(apierror.InvalidArgument, "parameters.replicaCount %q is not an integer", raw)
	}
	if n < 1 {
		return 0, apierror.New(apierror.InvalidArgument, "parameters.replicaCount must be >= 1, got %d", n)
	}
	return n, nil
}

// limitBytesOf resolves a volume's soft capacity ceiling. The CSI
// CapacityRange's LimitBytes wins when set; otherwise a StorageClass
// parameter may supply a human-readable quantity such as "10Gi".
func limitBytesOf(params map[string]string, csiLimitBytes int64) (uint64, error) {
	if csiLimitBytes > 0 {
		return uint64(csiLimitBytes), nil
	}
	raw, ok := params["limitBytes"]
	if !ok || raw == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(raw)
	if err != nil {
		return 0, apierror.New(apierror.InvalidArgument, "parameters.limitBytes %q: %v", raw, err)
	}
	return uint64(n), nil
}

func toCSIVolume(uuid string, vol *volume.Volume) *csipb.Volume {
	st := vol.Snapshot()
	v := &csipb.Volume{
		VolumeId:      uuid,
		CapacityBytes: int64(st.Size),
	}
	for _, r := range st.Replicas {
		v.AccessibleTopology = append(v.AccessibleTopology, &csipb.Topology{
			Segments: map[string]string{topologyKey: r.Node},
		})
	}
	return v
}

func (s *ControllerServer) DeleteVolume(ctx context.Context, req *csipb.DeleteVolumeRequest) (*csipb.DeleteVolumeResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id is required")
	}
	if err := s.inflight.Begin(req.VolumeId, "DeleteVolume"); err != nil {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	defer s.inflight.End(req.VolumeId, "DeleteVolume")

	if err := s.volumes.Destroy(ctx, req.VolumeId); err != nil {
		return nil, apierror.ToGRPCError(err)
	}
	return &csipb.DeleteVolumeResponse{}, nil
}

func (s *ControllerServer) ControllerPublishVolume(ctx context.Context, req *csipb.ControllerPublishVolumeRequest) (*csipb.ControllerPublishVolumeResponse, error) {
	if req.VolumeId == "" || req.NodeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id and node_id are required")
	}
	if req.Readonly {
		return nil, status.Error(codes.InvalidArgument, "read-only publish is not supported")
	}
	if err := validateCapabilities([]*csipb.VolumeCapability{req.VolumeCapability}); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	if err := s.inflight.Begin(req.VolumeId, "ControllerPublishVolume"); err != nil {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	defer s.inflight.End(req.VolumeId, "ControllerPublishVolume")

	vol, ok := s.volumes.Get(req.VolumeId)
	if !ok {
		return nil, status.Errorf(codes.NotFound, "volume %s not found", req.VolumeId)
	}
	uri, err := vol.Publish(ctx, req.NodeId)
	if err != nil {
		return nil, apierror.ToGRPCError(err)
	}
	return &csipb.ControllerPublishVolumeResponse{
		PublishContext: map[string]string{"deviceUri": uri},
	}, nil
}

func (s *ControllerServer) ControllerUnpublishVolume(ctx context.Context, req *csipb.ControllerUnpublishVolumeRequest) (*csipb.ControllerUnpublishVolumeResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id is required")
	}
	if err := s.inflight.Begin(req.VolumeId, "ControllerUnpublishVolume"); err != nil {
		return nil, status.Error(codes.Aborted, err.Error())
	}
	defer s.inflight.End(req.VolumeId, "ControllerUnpublishVolume")

	vol, ok := s.volumes.Get(req.VolumeId)
	if !ok {
		return &csipb.ControllerUnpublishVolumeResponse{}, nil
	}
	if err := vol.Unpublish(ctx); err != nil {
		return nil, apierror.ToGRPCError(err)
	}
	return &csipb.ControllerUnpublishVolumeResponse{}, nil
}

func (s *ControllerServer) ValidateVolumeCapabilities(ctx context.Context, req *csipb.ValidateVolumeCapabilitiesRequest) (*csipb.ValidateVolumeCapabilitiesResponse, error) {
	if req.VolumeId == "" {
		return nil, status.Error(codes.InvalidArgument, "volume_id is required")
	}
	if _, ok := s.volumes.Get(req.VolumeId); !ok {
		return nil, status.Errorf(codes.NotFound, "volume %s not found", req.VolumeId)
	}
	if err := validateCapabilities(req.VolumeCapabilities); err != nil {
		return &csipb.ValidateVolumeCapabilitiesResponse{Message: err.Error()}, nil
	}
	return &csipb.ValidateVolumeCapabilitiesResponse{
		Confirmed: &csipb.ValidateVolumeCapabilitiesResponse_Confirmed{
			VolumeContext:      req.VolumeContext,
			VolumeCapabilities: req.VolumeCapabilities,
			Parameters:         req.Parameters,
		},
	}, nil
}

func (s *ControllerServer) ListVolumes(ctx context.Context, req *csipb.ListVolumesRequest) (*csipb.ListVolumesResponse, error) {
	all := s.volumes.List()
	sort.Slice(all, func(i, j int) bool { return all[i].UUID < all[j].UUID })

	start := 0
	if req.StartingToken != "" {
		n, err := strconv.Atoi(req.StartingToken)
		if err != nil || n < 0 || n > len(all) {
			return nil, status.Errorf(codes.Aborted, "invalid starting_token %q", req.StartingToken)
		}
		start = n
	}
	end := len(all)
	if req.MaxEntries > 0 && start+int(req.MaxEntries) < end {
		end = start + int(req.MaxEntries)
	}

	entries := make([]*csipb.ListVolumesResponse_Entry, 0, end-start)
	for _, vol := range all[start:end] {
		entries = append(entries, &csipb.ListVolumesResponse_Entry{Volume: toCSIVolume(vol.UUID, vol)})
	}
	nextToken := ""
	if end < len(all) {
		nextToken = strconv.Itoa(end)
	}
	return &csipb.ListVolumesResponse{Entries: entries, NextToken: nextToken}, nil
}

func (s *ControllerServer) GetCapacity(ctx context.Context, req *csipb.GetCapacityRequest) (*csipb.GetCapacityResponse, error) {
	if err := validateCapabilities(req.VolumeCapabilities); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	free, _ := s.reg.Capacity()
	return &csipb.GetCapacityResponse{AvailableCapacity: int64(free)}, nil
}

func (s *ControllerServer) ControllerGetCapabilities(ctx context.Context, req *csipb.ControllerGetCapabilitiesRequest) (*csipb.ControllerGetCapabilitiesResponse, error) {
	capsOf := func(types ...csipb.ControllerServiceCapability_RPC_Type) []*csipb.ControllerServiceCapability {
		out := make([]*csipb.ControllerServiceCapability, 0, len(types))
		for _, t := range types {
			out = append(out, &csipb.ControllerServiceCapability{
				Type: &csipb.ControllerServiceCapability_Rpc{
					Rpc: &csipb.ControllerServiceCapability_RPC{Type: t},
				},
			})
		}
		return out
	}
	return &csipb.ControllerGetCapabilitiesResponse{
		Capabilities: capsOf(
			csipb.ControllerServiceCapability_RPC_CREATE_DELETE_VOLUME,
			csipb.ControllerServiceCapability_RPC_PUBLISH_UNPUBLISH_VOLUME,
			csipb.ControllerServiceCapability_RPC_LIST_VOLUMES,
			csipb.ControllerServiceCapability_RPC_GET_CAPACITY,
		),
	}, nil
}
