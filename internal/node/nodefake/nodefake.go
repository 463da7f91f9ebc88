// Package nodefake is an in-memory stand-in for rpc.StorageNodeClient,
// used to drive Node/Registry/Volume FSA tests end to end without a real
// storage engine underneath.
package nodefake

import (
	"context"
	"sync"

	"github.com/cuemby/poseidon/internal/apierror"
	"github.com/cuemby/poseidon/internal/node/rpc"
)

// Client is a fully in-memory storage node: pools, replicas and nexuses
// live in maps guarded by a mutex, and every RPC mutates them directly.
type Client struct {
	mu       sync.Mutex
	pools    map[string]*rpc.PoolInfo
	replicas map[string]*rpc.ReplicaInfo
	nexuses  map[string]*rpc.NexusInfo
	closed   bool

	// FailSync, when set, makes ListPools/ListReplicas/ListNexus fail.
	FailSync error
}

// New constructs an empty fake storage node.
func New() *Client {
	return &Client{
		pools:    make(map[string]*rpc.PoolInfo),
		replicas: make(map[string]*rpc.ReplicaInfo),
		nexuses:  make(map[string]*rpc.NexusInfo),
	}
}

// SeedPool injects a pool directly, bypassing CreatePool, for tests that
// want pools to already exist before a Node connects.
func (c *Client) SeedPool(p rpc.PoolInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools[p.Name] = &p
}

func (c *Client) ListPools(ctx context.Context) ([]rpc.PoolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSync != nil {
		return nil, c.FailSync
	}
	out := make([]rpc.PoolInfo, 0, len(c.pools))
	for _, p := range c.pools {
		out = append(out, *p)
	}
	return out, nil
}

func (c *Client) ListReplicas(ctx context.Context) ([]rpc.ReplicaInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSync != nil {
		return nil, c.FailSync
	}
	out := make([]rpc.ReplicaInfo, 0, len(c.replicas))
	for _, r := range c.replicas {
		out = append(out, *r)
	}
	return out, nil
}

func (c *Client) ListNexus(ctx context.Context) ([]rpc.NexusInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.FailSync != nil {
		return nil, c.FailSync
	}
	out := make([]rpc.NexusInfo, 0, len(c.nexuses))
	for _, nx := range c.nexuses {
		out = append(out, *nx)
	}
	return out, nil
}

func (c *Client) CreatePool(ctx context.Context, name string, disks []string) (rpc.PoolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pools[name]; ok {
		return rpc.PoolInfo{}, apierror.New(apierror.AlreadyExists, "pool %s exists", name)
	}
	p := rpc.PoolInfo{Name: name, CapacityB: 100, UsedB: 0, Disks: disks, State: "online"}
	c.pools[name] = &p
	return p, nil
}

func (c *Client) DestroyPool(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pools[name]; !ok {
		return apierror.New(apierror.NotFound, "pool %s not found", name)
	}
	delete(c.pools, name)
	for uuid, r := range c.replicas {
		if r.PoolName == name {
			delete(c.replicas, uuid)
		}
	}
	return nil
}

func (c *Client) CreateReplica(ctx context.Context, uuid, pool string, sizeB uint64, thin bool, share string) (rpc.ReplicaInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.replicas[uuid]; ok {
		return rpc.ReplicaInfo{}, apierror.New(apierror.AlreadyExists, "replica %s exists", uuid)
	}
	p, ok := c.pools[pool]
	if !ok {
		return rpc.ReplicaInfo{}, apierror.New(apierror.NotFound, "pool %s not found", pool)
	}
	r := rpc.ReplicaInfo{UUID: uuid, PoolName: pool, SizeB: sizeB, Share: share, URI: "bdev:///" + uuid, State: "online"}
	c.replicas[uuid] = &r
	p.UsedB += sizeB
	return r, nil
}

func (c *Client) DestroyReplica(ctx context.Context, uuid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.replicas[uuid]
	if !ok {
		return apierror.New(apierror.NotFound, "replica %s not found", uuid)
	}
	if p, ok := c.pools[r.PoolName]; ok {
		if p.UsedB >= r.SizeB {
			p.UsedB -= r.SizeB
		}
	}
	delete(c.replicas, uuid)
	return nil
}

func (c *Client) ShareReplica(ctx context.Context, uuid, share string) (rpc.ReplicaInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.replicas[uuid]
	if !ok {
		return rpc.ReplicaInfo{}, apierror.New(apierror.NotFound, "replica %s not found", uuid)
	}
	r.Share = share
	if share == "none" {
		r.URI = "bdev:///" + uuid
	} else {
		r.URI = "nvmf://" + uuid
	}
	return *r, nil
}

func (c *Client) CreateNexus(ctx context.Context, uuid string, sizeB uint64, children []string) (rpc.NexusInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nexuses[uuid]; ok {
		return rpc.NexusInfo{}, apierror.New(apierror.AlreadyExists, "nexus %s exists", uuid)
	}
	ch := make([]rpc.NexusChildInfo, 0, len(children))
	for _, uri := range children {
		ch = append(ch, rpc.NexusChildInfo{URI: uri, State: "online"})
	}
	nx := rpc.NexusInfo{UUID: uuid, SizeB: sizeB, State: "online", Children: ch}
	c.nexuses[uuid] = &nx
	return nx, nil
}

func (c *Client) DestroyNexus(ctx context.Context, uuid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nexuses[uuid]; !ok {
		return apierror.New(apierror.NotFound, "nexus %s not found", uuid)
	}
	delete(c.nexuses, uuid)
	return nil
}

func (c *Client) PublishNexus(ctx context.Context, uuid, key, share string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nx, ok := c.nexuses[uuid]
	if !ok {
		return "", apierror.New(apierror.NotFound, "nexus %s not found", uuid)
	}
	nx.DeviceURI = "nvmf://published/" + uuid
	return nx.DeviceURI, nil
}

func (c *Client) UnpublishNexus(ctx context.Context, uuid string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	nx, ok := c.nexuses[uuid]
	if !ok {
		return apierror.New(apierror.NotFound, "nexus %s not found", uuid)
	}
	nx.DeviceURI = ""
	return nil
}

func (c *Client) AddChildNexus(ctx context.Context, uuid, uri string, rebuild bool) (rpc.NexusInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nx, ok := c.nexuses[uuid]
	if !ok {
		return rpc.NexusInfo{}, apierror.New(apierror.NotFound, "nexus %s not found", uuid)
	}
	state := "online"
	if rebuild {
		state = "degraded"
	}
	nx.Children = append(nx.Children, rpc.NexusChildInfo{URI: uri, State: state})
	return *nx, nil
}

// FaultChild marks a nexus child faulted in place, for tests driving the
// degraded-rebuild path without a real storage engine underneath.
func (c *Client) FaultChild(uuid, uri string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nx, ok := c.nexuses[uuid]
	if !ok {
		return
	}
	for i := range nx.Children {
		if nx.Children[i].URI == uri {
			nx.Children[i].State = "faulted"
		}
	}
}

func (c *Client) RemoveChildNexus(ctx context.Context, uuid, uri string) (rpc.NexusInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	nx, ok := c.nexuses[uuid]
	if !ok {
		return rpc.NexusInfo{}, apierror.New(apierror.NotFound, "nexus %s not found", uuid)
	}
	out := nx.Children[:0]
	for _, ch := range nx.Children {
		if ch.URI != uri {
			out = append(out, ch)
		}
	}
	nx.Children = out
	return *nx, nil
}

func (c *Client) StatReplicas(ctx context.Context) ([]rpc.ReplicaStats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]rpc.ReplicaStats, 0, len(c.replicas))
	for uuid := range c.replicas {
		out = append(out, rpc.ReplicaStats{UUID: uuid})
	}
	return out, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
