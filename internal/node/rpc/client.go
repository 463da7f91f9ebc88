// Package rpc declares the storage-node wire contract consumed by
// internal/node. No .proto is compiled into this tree: StorageNodeClient
// models exactly what a generated gRPC client for the storage-node service
// would expose. Dial provides the transport underneath a real
// implementation of that interface.
package rpc

import (
	"context"
	"crypto/tls"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// PoolInfo is the wire shape of a pool as reported by ListPools.
type PoolInfo struct {
	Name      string
	CapacityB uint64
	UsedB     uint64
	Disks     []string
	State     string
}

// ReplicaInfo is the wire shape of a replica.
type ReplicaInfo struct {
	UUID     string
	PoolName string
	SizeB    uint64
	Share    string
	URI      string
	State    string
}

// NexusChildInfo is the wire shape of one nexus child.
type NexusChildInfo struct {
	URI   string
	State string
}

// NexusInfo is the wire shape of a nexus.
type NexusInfo struct {
	UUID      string
	SizeB     uint64
	DeviceURI string
	State     string
	Children  []NexusChildInfo
}

// ReplicaStats is a single entry of StatReplicas.
type ReplicaStats struct {
	UUID        string
	BytesRead   uint64
	BytesWritten uint64
}

// StorageNodeClient is the set of RPCs a storage node exposes, exactly as
// enumerated in the external-interfaces section: listNexus, listPools,
// listReplicas, createPool, destroyPool, createReplica, destroyReplica,
// shareReplica, createNexus, destroyNexus, publishNexus, unpublishNexus,
// addChildNexus, removeChildNexus, statReplicas.
//
// Implementations translate AlreadyExists/NotFound into apierror.Code via
// their own gRPC status mapping; everything else surfaces as
// apierror.Internal.
type StorageNodeClient interface {
	ListPools(ctx context.Context) ([]PoolInfo, error)
	ListReplicas(ctx context.Context) ([]ReplicaInfo, error)
	ListNexus(ctx context.Context) ([]NexusInfo, error)

	CreatePool(ctx context.Context, name string, disks []string) (PoolInfo, error)
	DestroyPool(ctx context.Context, name string) error

	CreateReplica(ctx context.Context, uuid, pool string, sizeB uint64, thin bool, share string) (ReplicaInfo, error)
	DestroyReplica(ctx context.Context, uuid string) error
	ShareReplica(ctx context.Context, uuid, share string) (ReplicaInfo, error)

	CreateNexus(ctx context.Context, uuid string, sizeB uint64, children []string) (NexusInfo, error)
	DestroyNexus(ctx context.Context, uuid string) error
	PublishNexus(ctx context.Context, uuid, key, share string) (devicePath string, err error)
	UnpublishNexus(ctx context.Context, uuid string) error
	AddChildNexus(ctx context.Context, uuid, uri string, rebuild bool) (NexusInfo, error)
	RemoveChildNexus(ctx context.Context, uuid, uri string) (NexusInfo, error)

	StatReplicas(ctx context.Context) ([]ReplicaStats, error)

	Close() error
}

// TLSConfig selects the transport credentials used to dial a storage
// node. A nil *TLSConfig, or one whose embedded *tls.Config is nil, dials
// insecure; any non-nil *tls.Config dials TLS.
type TLSConfig struct {
	*tls.Config
}

// Dial opens a gRPC client connection to a storage node endpoint. The
// caller wraps the returned *grpc.ClientConn in a generated stub that
// implements StorageNodeClient.
func Dial(ctx context.Context, endpoint string, tlsCfg *TLSConfig) (*grpc.ClientConn, error) {
	var creds credentials.TransportCredentials
	if tlsCfg != nil && tlsCfg.Config != nil {
		creds = credentials.NewTLS(tlsCfg.Config)
	} else {
		creds = insecure.NewCredentials()
	}
	return grpc.NewClient(endpoint, grpc.WithTransportCredentials(creds))
}
