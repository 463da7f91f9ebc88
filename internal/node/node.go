// Package node wraps a single storage-node RPC endpoint: it serializes
// every outgoing call through a work queue, polls the node on a fixed
// period to refresh local caches of pools, replicas and nexuses, and
// emits fine-grained change events for every diff it finds.
package node

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/poseidon/internal/apierror"
	"github.com/cuemby/poseidon/internal/events"
	"github.com/cuemby/poseidon/internal/log"
	"github.com/cuemby/poseidon/internal/model"
	"github.com/cuemby/poseidon/internal/node/rpc"
	"github.com/cuemby/poseidon/internal/workqueue"
)

// Config tunes a Node's sync cadence and queue depth.
type Config struct {
	SyncPeriod   time.Duration
	BadSyncLimit int
	SyncRetry    time.Duration
	QueueBuffer  int
}

func (c Config) withDefaults() Config {
	if c.SyncPeriod <= 0 {
		c.SyncPeriod = 10 * time.Second
	}
	if c.BadSyncLimit <= 0 {
		c.BadSyncLimit = 3
	}
	if c.SyncRetry <= 0 {
		c.SyncRetry = 5 * time.Second
	}
	if c.QueueBuffer <= 0 {
		c.QueueBuffer = 32
	}
	return c
}

// EmitFunc receives every event a Node produces.
type EmitFunc func(events.Event)

// Snapshot is an immutable, copyable view of a Node's health used as the
// payload of node/* events so consumers never touch live Node state.
type Snapshot struct {
	Name     string
	Healthy  bool
	Failures int
	Synced   bool
}

// Node serializes RPCs to one storage node and tracks its observed pools
// and nexuses.
type Node struct {
	name   string
	client rpc.StorageNodeClient
	cfg    Config
	emit   EmitFunc
	logger zerolog.Logger

	queue *workqueue.Queue

	mu       sync.RWMutex
	healthy  bool
	synced   bool
	failures int
	pools    map[string]*model.Pool
	nexuses  map[string]*model.Nexus

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Node bound to an already-dialed client. Connect must
// be called before any cached state is populated.
func New(name string, client rpc.StorageNodeClient, cfg Config, emit EmitFunc) *Node {
	return &Node{
		name:    name,
		client:  client,
		cfg:     cfg.withDefaults(),
		emit:    emit,
		logger:  log.WithNodeName(name),
		queue:   workqueue.New(cfg.withDefaults().QueueBuffer),
		pools:   make(map[string]*model.Pool),
		nexuses: make(map[string]*model.Nexus),
	}
}

func (n *Node) Name() string { return n.name }

// Connect starts the work-queue consumer and the periodic sync loop.
func (n *Node) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.queue.Run(runCtx)
	}()
	go func() {
		defer n.wg.Done()
		n.syncLoop(runCtx)
	}()
	return nil
}

// Disconnect cancels the sync loop, closes the work queue (failing every
// queued call with a closed-connection error), and offlines every pool
// and nexus this Node owned.
func (n *Node) Disconnect() {
	if n.cancel != nil {
		n.cancel()
	}
	n.queue.Close()
	n.wg.Wait()
	_ = n.client.Close()
	n.markOffline()
}

func (n *Node) Healthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.healthy
}

func (n *Node) IsSynced() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.synced
}

// Snapshot returns an immutable copy of this Node's health fields.
func (n *Node) Snapshot() Snapshot {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return Snapshot{Name: n.name, Healthy: n.healthy, Failures: n.failures, Synced: n.synced}
}

// Pools returns a shallow copy of every pool currently cached.
func (n *Node) Pools() []*model.Pool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*model.Pool, 0, len(n.pools))
	for _, p := range n.pools {
		out = append(out, p)
	}
	return out
}

// Pool looks up a single cached pool by name.
func (n *Node) Pool(name string) (*model.Pool, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.pools[name]
	return p, ok
}

// Nexuses returns a shallow copy of every nexus currently cached.
func (n *Node) Nexuses() []*model.Nexus {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*model.Nexus, 0, len(n.nexuses))
	for _, nx := range n.nexuses {
		out = append(out, nx)
	}
	return out
}

func (n *Node) GetStats(ctx context.Context) ([]rpc.ReplicaStats, error) {
	v, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		return n.client.StatReplicas(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]rpc.ReplicaStats), nil
}

func (n *Node) markOffline() {
	n.mu.Lock()
	pools := snapshotPools(n.pools)
	nexuses := snapshotNexuses(n.nexuses)
	alreadyOffline := !n.healthy && n.failures == 0
	n.healthy = false
	n.mu.Unlock()
	if alreadyOffline {
		return
	}
	for _, p := range pools {
		cp := *p
		cp.State = model.PoolOffline
		n.emit(events.Event{Kind: events.KindPool, Type: events.Mod, Object: &cp})
	}
	for _, nx := range nexuses {
		cp := *nx
		cp.State = model.NexusOffline
		n.emit(events.Event{Kind: events.KindNexus, Type: events.Mod, Object: &cp})
	}
	n.emit(events.Event{Kind: events.KindNode, Type: events.Mod, Object: n.Snapshot()})
}

func (n *Node) syncLoop(ctx context.Context) {
	n.runSync(ctx)
	for {
		interval := n.cfg.SyncPeriod
		if !n.Healthy() {
			interval = n.cfg.SyncRetry
		}
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
			n.runSync(ctx)
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (n *Node) runSync(ctx context.Context) {
	_, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		return nil, n.doSync(ctx)
	})
	if err != nil {
		if errors.Is(err, workqueue.ErrClosed) || errors.Is(err, context.Canceled) {
			return
		}
		n.onSyncFailure(err)
		return
	}
	n.onSyncSuccess()
}

func (n *Node) onSyncFailure(err error) {
	n.mu.Lock()
	n.failures++
	failures := n.failures
	n.mu.Unlock()
	n.logger.Warn().Err(err).Int("failures", failures).Msg("node sync failed")
	if failures == n.cfg.BadSyncLimit+1 {
		n.markOffline()
	}
}

func (n *Node) onSyncSuccess() {
	n.mu.Lock()
	wasHealthy := n.healthy
	n.failures = 0
	n.healthy = true
	n.synced = true
	n.mu.Unlock()
	if !wasHealthy {
		n.emit(events.Event{Kind: events.KindNode, Type: events.Sync, Object: n.Snapshot()})
	}
}

// doSync polls listNexus, listPools and listReplicas in order and diffs
// the result against the cache, emitting new/mod/del events. Runs inside
// the work queue, so it never overlaps another call to this Node.
func (n *Node) doSync(ctx context.Context) error {
	remoteNexus, err := n.client.ListNexus(ctx)
	if err != nil {
		return err
	}
	remotePools, err := n.client.ListPools(ctx)
	if err != nil {
		return err
	}
	remoteReplicas, err := n.client.ListReplicas(ctx)
	if err != nil {
		return err
	}

	newPools := buildPools(n.name, remotePools, remoteReplicas)
	newNexuses := buildNexuses(n.name, remoteNexus)

	n.mu.Lock()
	oldPools := n.pools
	oldNexuses := n.nexuses
	n.pools = newPools
	n.nexuses = newNexuses
	n.mu.Unlock()

	n.diffPools(oldPools, newPools)
	n.diffNexuses(oldNexuses, newNexuses)
	return nil
}

func buildPools(nodeName string, pools []rpc.PoolInfo, replicas []rpc.ReplicaInfo) map[string]*model.Pool {
	out := make(map[string]*model.Pool, len(pools))
	for _, pi := range pools {
		out[pi.Name] = &model.Pool{
			Name:      pi.Name,
			NodeName:  nodeName,
			CapacityB: pi.CapacityB,
			UsedB:     pi.UsedB,
			Disks:     append([]string(nil), pi.Disks...),
			State:     model.PoolState(pi.State),
			Replicas:  make(map[string]*model.Replica),
		}
	}
	for _, ri := range replicas {
		p, ok := out[ri.PoolName]
		if !ok {
			continue
		}
		p.Replicas[ri.UUID] = replicaFromInfo(nodeName, ri)
	}
	return out
}

func replicaFromInfo(nodeName string, ri rpc.ReplicaInfo) *model.Replica {
	return &model.Replica{
		UUID:     ri.UUID,
		PoolName: ri.PoolName,
		NodeName: nodeName,
		SizeB:    ri.SizeB,
		Share:    model.ShareProtocol(ri.Share),
		URI:      ri.URI,
		State:    model.ReplicaState(ri.State),
	}
}

func buildNexuses(nodeName string, nexuses []rpc.NexusInfo) map[string]*model.Nexus {
	out := make(map[string]*model.Nexus, len(nexuses))
	for _, ni := range nexuses {
		children := make([]model.NexusChild, 0, len(ni.Children))
		for _, c := range ni.Children {
			children = append(children, model.NexusChild{URI: c.URI, State: model.ChildState(c.State)})
		}
		sortChildren(children)
		out[ni.UUID] = &model.Nexus{
			UUID:      ni.UUID,
			NodeName:  nodeName,
			DeviceURI: ni.DeviceURI,
			SizeB:     ni.SizeB,
			State:     model.NexusState(ni.State),
			Children:  children,
		}
	}
	return out
}

func sortChildren(c []model.NexusChild) {
	sort.Slice(c, func(i, j int) bool { return c[i].URI < c[j].URI })
}

func (n *Node) diffPools(old, newer map[string]*model.Pool) {
	for name, np := range newer {
		op, existed := old[name]
		if !existed {
			cp := clonePool(np)
			n.emit(events.Event{Kind: events.KindPool, Type: events.New, Object: cp})
			for _, r := range np.Replicas {
				rc := *r
				n.emit(events.Event{Kind: events.KindReplica, Type: events.New, Object: &rc})
			}
			continue
		}
		if poolChanged(op, np) {
			n.emit(events.Event{Kind: events.KindPool, Type: events.Mod, Object: clonePool(np)})
		}
		n.diffReplicas(op.Replicas, np.Replicas)
	}
	for name, op := range old {
		if _, still := newer[name]; !still {
			n.emit(events.Event{Kind: events.KindPool, Type: events.Del, Object: clonePool(op)})
			for _, r := range op.Replicas {
				rc := *r
				n.emit(events.Event{Kind: events.KindReplica, Type: events.Del, Object: &rc})
			}
		}
	}
}

func clonePool(p *model.Pool) *model.Pool {
	cp := *p
	cp.Disks = append([]string(nil), p.Disks...)
	cp.Replicas = make(map[string]*model.Replica, len(p.Replicas))
	for k, v := range p.Replicas {
		rc := *v
		cp.Replicas[k] = &rc
	}
	return &cp
}

func poolChanged(a, b *model.Pool) bool {
	if a.CapacityB != b.CapacityB || a.UsedB != b.UsedB || a.State != b.State {
		return true
	}
	if len(a.Disks) != len(b.Disks) {
		return true
	}
	for i := range a.Disks {
		if a.Disks[i] != b.Disks[i] {
			return true
		}
	}
	return false
}

func (n *Node) diffReplicas(old, newer map[string]*model.Replica) {
	for uuid, nr := range newer {
		or, existed := old[uuid]
		if !existed {
			rc := *nr
			n.emit(events.Event{Kind: events.KindReplica, Type: events.New, Object: &rc})
			continue
		}
		if replicaChanged(or, nr) {
			rc := *nr
			n.emit(events.Event{Kind: events.KindReplica, Type: events.Mod, Object: &rc})
		}
	}
	for uuid, or := range old {
		if _, still := newer[uuid]; !still {
			rc := *or
			n.emit(events.Event{Kind: events.KindReplica, Type: events.Del, Object: &rc})
		}
	}
}

func replicaChanged(a, b *model.Replica) bool {
	return a.SizeB != b.SizeB || a.Share != b.Share || a.URI != b.URI || a.State != b.State
}

func (n *Node) diffNexuses(old, newer map[string]*model.Nexus) {
	for uuid, nn := range newer {
		on, existed := old[uuid]
		if !existed {
			cp := *nn
			n.emit(events.Event{Kind: events.KindNexus, Type: events.New, Object: &cp})
			continue
		}
		if nexusChanged(on, nn) {
			cp := *nn
			n.emit(events.Event{Kind: events.KindNexus, Type: events.Mod, Object: &cp})
		}
	}
	for uuid, on := range old {
		if _, still := newer[uuid]; !still {
			cp := *on
			n.emit(events.Event{Kind: events.KindNexus, Type: events.Del, Object: &cp})
		}
	}
}

func nexusChanged(a, b *model.Nexus) bool {
	if a.DeviceURI != b.DeviceURI || a.State != b.State || len(a.Children) != len(b.Children) {
		return true
	}
	for i := range a.Children {
		if a.Children[i] != b.Children[i] {
			return true
		}
	}
	return false
}

func snapshotPools(m map[string]*model.Pool) []*model.Pool {
	out := make([]*model.Pool, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	return out
}

func snapshotNexuses(m map[string]*model.Nexus) []*model.Nexus {
	out := make([]*model.Nexus, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	return out
}

// CreatePool is idempotent: if the remote reports AlreadyExists, the local
// cache is refreshed from the node instead of failing.
func (n *Node) CreatePool(ctx context.Context, name string, disks []string) (*model.Pool, error) {
	v, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		info, cerr := n.client.CreatePool(ctx, name, disks)
		if cerr != nil {
			if !apierror.Is(cerr, apierror.AlreadyExists) {
				return nil, cerr
			}
			if serr := n.doSync(ctx); serr != nil {
				return nil, serr
			}
			n.mu.RLock()
			p, ok := n.pools[name]
			n.mu.RUnlock()
			if !ok {
				return nil, apierror.New(apierror.Internal, "pool %s missing after AlreadyExists", name)
			}
			return p, nil
		}
		pool := &model.Pool{
			Name: info.Name, NodeName: n.name, CapacityB: info.CapacityB, UsedB: info.UsedB,
			Disks: append([]string(nil), info.Disks...), State: model.PoolState(info.State),
			Replicas: make(map[string]*model.Replica),
		}
		n.mu.Lock()
		n.pools[name] = pool
		n.mu.Unlock()
		n.emit(events.Event{Kind: events.KindPool, Type: events.New, Object: clonePool(pool)})
		return pool, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Pool), nil
}

// DestroyPool treats NotFound as success, per the destroy-type propagation
// policy.
func (n *Node) DestroyPool(ctx context.Context, name string) error {
	_, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		derr := n.client.DestroyPool(ctx, name)
		if derr != nil && !apierror.Is(derr, apierror.NotFound) {
			return nil, derr
		}
		n.mu.Lock()
		p, ok := n.pools[name]
		delete(n.pools, name)
		n.mu.Unlock()
		if ok {
			n.emit(events.Event{Kind: events.KindPool, Type: events.Del, Object: clonePool(p)})
		}
		return nil, nil
	})
	return err
}

func (n *Node) CreateReplica(ctx context.Context, uuid, pool string, sizeB uint64, thin bool, share string) (*model.Replica, error) {
	v, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		info, cerr := n.client.CreateReplica(ctx, uuid, pool, sizeB, thin, share)
		if cerr != nil {
			if !apierror.Is(cerr, apierror.AlreadyExists) {
				return nil, cerr
			}
			if serr := n.doSync(ctx); serr != nil {
				return nil, serr
			}
			n.mu.RLock()
			p, ok := n.pools[pool]
			n.mu.RUnlock()
			if ok {
				if r, ok := p.Replicas[uuid]; ok {
					return r, nil
				}
			}
			return nil, apierror.New(apierror.Internal, "replica %s missing after AlreadyExists", uuid)
		}
		r := replicaFromInfo(n.name, info)
		n.mu.Lock()
		if p, ok := n.pools[pool]; ok {
			p.Replicas[uuid] = r
		}
		n.mu.Unlock()
		rc := *r
		n.emit(events.Event{Kind: events.KindReplica, Type: events.New, Object: &rc})
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Replica), nil
}

func (n *Node) DestroyReplica(ctx context.Context, uuid string) error {
	_, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		derr := n.client.DestroyReplica(ctx, uuid)
		if derr != nil && !apierror.Is(derr, apierror.NotFound) {
			return nil, derr
		}
		n.mu.Lock()
		for _, p := range n.pools {
			if r, ok := p.Replicas[uuid]; ok {
				delete(p.Replicas, uuid)
				n.mu.Unlock()
				n.emit(events.Event{Kind: events.KindReplica, Type: events.Del, Object: r})
				n.mu.Lock()
			}
		}
		n.mu.Unlock()
		return nil, nil
	})
	return err
}

func (n *Node) ShareReplica(ctx context.Context, uuid string, share model.ShareProtocol) (*model.Replica, error) {
	v, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		info, serr := n.client.ShareReplica(ctx, uuid, string(share))
		if serr != nil {
			return nil, serr
		}
		r := replicaFromInfo(n.name, info)
		n.mu.Lock()
		if p, ok := n.pools[r.PoolName]; ok {
			p.Replicas[uuid] = r
		}
		n.mu.Unlock()
		rc := *r
		n.emit(events.Event{Kind: events.KindReplica, Type: events.Mod, Object: &rc})
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Replica), nil
}

// CreateNexus is idempotent like CreatePool.
func (n *Node) CreateNexus(ctx context.Context, uuid string, sizeB uint64, children []string) (*model.Nexus, error) {
	v, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		info, cerr := n.client.CreateNexus(ctx, uuid, sizeB, children)
		if cerr != nil {
			if !apierror.Is(cerr, apierror.AlreadyExists) {
				return nil, cerr
			}
			if serr := n.doSync(ctx); serr != nil {
				return nil, serr
			}
			n.mu.RLock()
			nx, ok := n.nexuses[uuid]
			n.mu.RUnlock()
			if !ok {
				return nil, apierror.New(apierror.Internal, "nexus %s missing after AlreadyExists", uuid)
			}
			return nx, nil
		}
		nx := nexusFromInfo(n.name, info)
		n.mu.Lock()
		n.nexuses[uuid] = nx
		n.mu.Unlock()
		cp := *nx
		n.emit(events.Event{Kind: events.KindNexus, Type: events.New, Object: &cp})
		return nx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Nexus), nil
}

func nexusFromInfo(nodeName string, info rpc.NexusInfo) *model.Nexus {
	children := make([]model.NexusChild, 0, len(info.Children))
	for _, c := range info.Children {
		children = append(children, model.NexusChild{URI: c.URI, State: model.ChildState(c.State)})
	}
	sortChildren(children)
	return &model.Nexus{UUID: info.UUID, NodeName: nodeName, DeviceURI: info.DeviceURI, SizeB: info.SizeB, State: model.NexusState(info.State), Children: children}
}

func (n *Node) DestroyNexus(ctx context.Context, uuid string) error {
	_, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		derr := n.client.DestroyNexus(ctx, uuid)
		if derr != nil && !apierror.Is(derr, apierror.NotFound) {
			return nil, derr
		}
		n.mu.Lock()
		nx, ok := n.nexuses[uuid]
		delete(n.nexuses, uuid)
		n.mu.Unlock()
		if ok {
			n.emit(events.Event{Kind: events.KindNexus, Type: events.Del, Object: nx})
		}
		return nil, nil
	})
	return err
}

func (n *Node) PublishNexus(ctx context.Context, uuid, key string, share model.ShareProtocol) (string, error) {
	v, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		devicePath, perr := n.client.PublishNexus(ctx, uuid, key, string(share))
		if perr != nil {
			return nil, perr
		}
		n.mu.Lock()
		if nx, ok := n.nexuses[uuid]; ok {
			nx.DeviceURI = devicePath
		}
		n.mu.Unlock()
		return devicePath, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (n *Node) UnpublishNexus(ctx context.Context, uuid string) error {
	_, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		uerr := n.client.UnpublishNexus(ctx, uuid)
		if uerr != nil && !apierror.Is(uerr, apierror.NotFound) {
			return nil, uerr
		}
		n.mu.Lock()
		if nx, ok := n.nexuses[uuid]; ok {
			nx.DeviceURI = ""
		}
		n.mu.Unlock()
		return nil, nil
	})
	return err
}

func (n *Node) AddChildNexus(ctx context.Context, uuid, uri string, rebuild bool) (*model.Nexus, error) {
	v, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		info, aerr := n.client.AddChildNexus(ctx, uuid, uri, rebuild)
		if aerr != nil {
			return nil, aerr
		}
		nx := nexusFromInfo(n.name, info)
		n.mu.Lock()
		n.nexuses[uuid] = nx
		n.mu.Unlock()
		cp := *nx
		n.emit(events.Event{Kind: events.KindNexus, Type: events.Mod, Object: &cp})
		return nx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Nexus), nil
}

func (n *Node) RemoveChildNexus(ctx context.Context, uuid, uri string) (*model.Nexus, error) {
	v, err := n.queue.Submit(ctx, func(ctx context.Context) (any, error) {
		info, rerr := n.client.RemoveChildNexus(ctx, uuid, uri)
		if rerr != nil {
			return nil, rerr
		}
		nx := nexusFromInfo(n.name, info)
		n.mu.Lock()
		n.nexuses[uuid] = nx
		n.mu.Unlock()
		cp := *nx
		n.emit(events.Event{Kind: events.KindNexus, Type: events.Mod, Object: &cp})
		return nx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.Nexus), nil
}
