// Package pool implements the PoolReconciler: the owner of every desired
// pool record {name, node, disks}, driven by Registry pool, node and
// replica events exactly as VolumeManager is driven by the same broker.
package pool

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/poseidon/internal/apierror"
	"github.com/cuemby/poseidon/internal/events"
	"github.com/cuemby/poseidon/internal/log"
	"github.com/cuemby/poseidon/internal/metrics"
	"github.com/cuemby/poseidon/internal/model"
	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/pstore"
)

// NodeAccessor looks up a Node by name. *registry.Registry satisfies
// this via its GetNode method.
type NodeAccessor interface {
	GetNode(name string) (*node.Node, bool)
}

// Source is anything emitting the pool/node/replica events a Reconciler
// routes. *registry.Registry satisfies this.
type Source interface {
	Subscribe() events.Subscriber
	Unsubscribe(events.Subscriber)
}

// DesiredPool is the committed spec for a pool: once declared, Node and
// Disks are immutable.
type DesiredPool struct {
	Name  string
	Node  string
	Disks []string
}

// Reconciler owns the desired-pool set and mirrors observed pool state
// to a persistent store.
type Reconciler struct {
	mu      sync.Mutex
	desired map[string]DesiredPool
	busy    map[string]bool // pool name -> set by replica/new, cleared by any replica/del

	nodes  NodeAccessor
	store  pstore.Store
	logger zerolog.Logger
}

// New constructs an empty Reconciler. store may be nil, in which case
// status mirroring is skipped silently. A non-nil store's write failures
// are logged and are not fatal.
func New(nodes NodeAccessor, store pstore.Store) *Reconciler {
	return &Reconciler{
		desired: make(map[string]DesiredPool),
		busy:    make(map[string]bool),
		nodes:   nodes,
		store:   store,
		logger:  log.WithComponent("pool"),
	}
}

// Declare registers a desired pool. A second Declare for the same name
// with a different node or disk list is rejected: the committed spec is
// immutable once set.
func (r *Reconciler) Declare(name, nodeName string, disks []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.desired[name]; ok {
		if existing.Node != nodeName || !sameDisks(existing.Disks, disks) {
			return apierror.New(apierror.InvalidArgument,
				"pool %s: node and disks are immutable once declared", name)
		}
		return nil
	}
	r.desired[name] = DesiredPool{Name: name, Node: nodeName, Disks: append([]string(nil), disks...)}
	return nil
}

func sameDisks(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Destroy removes a pool's desired record and destroys it on its node.
// A failure to reach the node is logged, not returned: the desired
// record is removed regardless, per the destroy-on-unreachable-node rule.
func (r *Reconciler) Destroy(ctx context.Context, name string) error {
	r.mu.Lock()
	d, ok := r.desired[name]
	delete(r.desired, name)
	delete(r.busy, name)
	r.mu.Unlock()
	if !ok {
		return nil
	}

	n, ok := r.nodes.GetNode(d.Node)
	if !ok {
		r.logger.Warn().Str("pool", name).Str("node", d.Node).
			Msg("destroy desired pool: node unreachable, desired record removed anyway")
		return nil
	}
	if err := n.DestroyPool(ctx, name); err != nil {
		r.logger.Warn().Err(err).Str("pool", name).Msg("destroy pool failed")
	}
	return nil
}

// Desired returns a snapshot of every declared pool, for the REST/CLI
// read surfaces.
func (r *Reconciler) Desired() []DesiredPool {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DesiredPool, 0, len(r.desired))
	for _, d := range r.desired {
		out = append(out, d)
	}
	return out
}

// Route consumes source's events until ctx is cancelled, serialized
// through this single goroutine: the reconciler's work queue.
func (r *Reconciler) Route(ctx context.Context, source Source) {
	sub := source.Subscribe()
	defer source.Unsubscribe(sub)
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			r.handle(ctx, e)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) handle(ctx context.Context, e events.Event) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	switch e.Kind {
	case events.KindPool:
		p, ok := e.Object.(*model.Pool)
		if !ok {
			return
		}
		if e.Type == events.New || e.Type == events.Mod {
			r.reconcileObserved(ctx, p)
		}
	case events.KindNode:
		if e.Type != events.Sync && e.Type != events.Mod {
			return
		}
		snap, ok := e.Object.(node.Snapshot)
		if !ok {
			return
		}
		r.reconcileNodePools(ctx, snap.Name, snap.Healthy)
	case events.KindReplica:
		rep, ok := e.Object.(*model.Replica)
		if !ok {
			return
		}
		switch e.Type {
		case events.New:
			r.setBusy(ctx, rep.PoolName, rep.NodeName, true)
		case events.Del:
			r.setBusy(ctx, rep.PoolName, rep.NodeName, false)
		}
	}
}

// reconcileObserved handles a pool actually reported by a node: destroy
// it if nothing declared it, otherwise mirror its state to the store.
func (r *Reconciler) reconcileObserved(ctx context.Context, p *model.Pool) {
	r.mu.Lock()
	_, desired := r.desired[p.Name]
	busy := r.busy[p.Name]
	r.mu.Unlock()

	if !desired {
		n, ok := r.nodes.GetNode(p.NodeName)
		if !ok {
			return
		}
		if err := n.DestroyPool(ctx, p.Name); err != nil {
			r.logger.Warn().Err(err).Str("pool", p.Name).Msg("destroy unknown pool failed")
		}
		return
	}

	reason := ""
	if busy {
		reason = "busy: pool has at least one replica"
	}
	r.save(ctx, pstore.PoolStatus{
		Name:      p.Name,
		NodeName:  p.NodeName,
		State:     string(p.State),
		Reason:    reason,
		CapacityB: p.CapacityB,
		UsedB:     p.UsedB,
		Disks:     append([]string(nil), p.Disks...),
	})
}

// reconcileNodePools creates every desired pool missing on a healthy
// node, and mirrors a pending/informational status for desired pools on
// a node that is not yet reachable.
func (r *Reconciler) reconcileNodePools(ctx context.Context, nodeName string, healthy bool) {
	r.mu.Lock()
	var mine []DesiredPool
	for _, d := range r.desired {
		if d.Node == nodeName {
			mine = append(mine, d)
		}
	}
	r.mu.Unlock()

	for _, d := range mine {
		if !healthy {
			r.save(ctx, pstore.PoolStatus{
				Name: d.Name, NodeName: d.Node, State: "pending",
				Reason: "node unreachable", Disks: d.Disks,
			})
			continue
		}
		n, ok := r.nodes.GetNode(d.Node)
		if !ok {
			continue
		}
		if _, exists := n.Pool(d.Name); exists {
			continue
		}
		if _, err := n.CreatePool(ctx, d.Name, d.Disks); err != nil {
			r.logger.Warn().Err(err).Str("pool", d.Name).Msg("create desired pool failed")
			r.save(ctx, pstore.PoolStatus{
				Name: d.Name, NodeName: d.Node, State: "pending",
				Reason: err.Error(), Disks: d.Disks,
			})
		}
	}
}

func (r *Reconciler) setBusy(ctx context.Context, poolName, nodeName string, busy bool) {
	r.mu.Lock()
	if busy {
		r.busy[poolName] = true
	} else {
		delete(r.busy, poolName)
	}
	_, desired := r.desired[poolName]
	r.mu.Unlock()
	if !desired {
		return
	}
	n, ok := r.nodes.GetNode(nodeName)
	if !ok {
		return
	}
	p, ok := n.Pool(poolName)
	if !ok {
		return
	}
	r.reconcileObserved(ctx, p)
}

func (r *Reconciler) save(ctx context.Context, status pstore.PoolStatus) {
	if r.store == nil {
		return
	}
	if err := r.store.SavePoolStatus(ctx, status); err != nil {
		r.logger.Warn().Err(err).Str("pool", status.Name).Msg("persist pool status failed")
	}
}
