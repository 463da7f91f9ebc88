// Package registry is the directory of Nodes keyed by name. It fans out
// every event emitted by any Node under the same {kind, eventType,
// object} shape, and answers pool-selection queries used by volume
// replica placement.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/poseidon/internal/events"
	"github.com/cuemby/poseidon/internal/log"
	"github.com/cuemby/poseidon/internal/model"
	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/node/rpc"
)

// Registry is the node directory.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*node.Node
	cfg    node.Config
	broker *events.Broker
	logger zerolog.Logger
}

// New constructs an empty Registry. cfg tunes every Node added to it.
func New(cfg node.Config) *Registry {
	return &Registry{
		nodes:  make(map[string]*node.Node),
		cfg:    cfg,
		broker: events.NewBroker(),
		logger: log.WithComponent("registry"),
	}
}

// AddNode binds a new Node to the given name and endpoint client. If the
// orchestrator re-advertises an existing node with a new endpoint, the old
// binding is torn down first.
func (r *Registry) AddNode(ctx context.Context, name string, client rpc.StorageNodeClient) (*node.Node, error) {
	r.mu.Lock()
	if existing, ok := r.nodes[name]; ok {
		delete(r.nodes, name)
		r.mu.Unlock()
		existing.Disconnect()
		r.broker.Publish(events.Event{Kind: events.KindNode, Type: events.Del, Object: existing.Snapshot()})
		r.mu.Lock()
	}
	n := node.New(name, client, r.cfg, r.broker.Publish)
	r.nodes[name] = n
	r.mu.Unlock()

	if err := n.Connect(ctx); err != nil {
		r.mu.Lock()
		delete(r.nodes, name)
		r.mu.Unlock()
		return nil, err
	}
	r.broker.Publish(events.Event{Kind: events.KindNode, Type: events.New, Object: n.Snapshot()})
	return n, nil
}

// RemoveNode disconnects and forgets a node, offlining its pools and
// nexuses as a side effect of Node.Disconnect.
func (r *Registry) RemoveNode(name string) {
	r.mu.Lock()
	n, ok := r.nodes[name]
	delete(r.nodes, name)
	r.mu.Unlock()
	if !ok {
		return
	}
	n.Disconnect()
	r.broker.Publish(events.Event{Kind: events.KindNode, Type: events.Del, Object: n.Snapshot()})
}

func (r *Registry) GetNode(name string) (*node.Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[name]
	return n, ok
}

func (r *Registry) ListNodes() []*node.Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*node.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out
}

// Subscribe registers to receive every event this Registry's Nodes emit.
func (r *Registry) Subscribe() events.Subscriber { return r.broker.Subscribe() }

// Unsubscribe tears down a subscription created with Subscribe.
func (r *Registry) Unsubscribe(s events.Subscriber) { r.broker.Unsubscribe(s) }

// ChooseRequest parameterizes pool selection for replica placement.
type ChooseRequest struct {
	RequiredBytes  uint64
	RequiredNodes  []string
	PreferredNodes []string
}

// ChoosePools implements the strict-order selection policy: filter to
// usable pools with enough free space (and, if set, on a required node),
// then sort online-before-degraded, preferred-node order, fewest existing
// replicas, most free bytes — returning at most one pool per node.
func (r *Registry) ChoosePools(req ChooseRequest) []*model.Pool {
	r.mu.RLock()
	nodes := make([]*node.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.RUnlock()

	required := toSet(req.RequiredNodes)
	preferredIndex := make(map[string]int, len(req.PreferredNodes))
	for i, name := range req.PreferredNodes {
		preferredIndex[name] = i
	}

	type candidate struct {
		pool     *model.Pool
		nodeName string
	}
	var candidates []candidate
	for _, n := range nodes {
		for _, p := range n.Pools() {
			if !p.Usable() {
				continue
			}
			if p.FreeBytes() < req.RequiredBytes {
				continue
			}
			if len(required) > 0 {
				if _, ok := required[n.Name()]; !ok {
					continue
				}
			}
			candidates = append(candidates, candidate{pool: p, nodeName: n.Name()})
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		aOnline := a.pool.State == model.PoolOnline
		bOnline := b.pool.State == model.PoolOnline
		if aOnline != bOnline {
			return aOnline
		}
		ai, aok := preferredIndex[a.nodeName]
		bi, bok := preferredIndex[b.nodeName]
		if aok != bok {
			return aok
		}
		if aok && bok && ai != bi {
			return ai < bi
		}
		if len(a.pool.Replicas) != len(b.pool.Replicas) {
			return len(a.pool.Replicas) < len(b.pool.Replicas)
		}
		return a.pool.FreeBytes() > b.pool.FreeBytes()
	})

	seen := make(map[string]bool, len(candidates))
	out := make([]*model.Pool, 0, len(candidates))
	for _, c := range candidates {
		if seen[c.nodeName] {
			continue
		}
		seen[c.nodeName] = true
		out = append(out, c.pool)
	}
	return out
}

// WarmUp synthesizes a new-event for every node, pool, replica and nexus
// currently known, in node-name order, satisfying the EventStream
// requirement that a fresh subscriber sees the full current state before
// any live event.
func (r *Registry) WarmUp(emit func(events.Event)) {
	r.mu.RLock()
	names := make([]string, 0, len(r.nodes))
	for name := range r.nodes {
		names = append(names, name)
	}
	nodes := r.nodes
	r.mu.RUnlock()
	sort.Strings(names)

	for _, name := range names {
		n := nodes[name]
		emit(events.Event{Kind: events.KindNode, Type: events.New, Object: n.Snapshot()})
		for _, p := range n.Pools() {
			emit(events.Event{Kind: events.KindPool, Type: events.New, Object: p})
			for _, rep := range p.Replicas {
				emit(events.Event{Kind: events.KindReplica, Type: events.New, Object: rep})
			}
		}
		for _, nx := range n.Nexuses() {
			emit(events.Event{Kind: events.KindNexus, Type: events.New, Object: nx})
		}
		emit(events.Event{Kind: events.KindNode, Type: events.Sync, Object: n.Snapshot()})
	}
}

// Capacity aggregates free and total bytes across every known pool,
// feeding CSI GetCapacity and the REST stats endpoint.
func (r *Registry) Capacity() (free, total uint64) {
	r.mu.RLock()
	nodes := make([]*node.Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.RUnlock()
	for _, n := range nodes {
		for _, p := range n.Pools() {
			total += p.CapacityB
			free += p.FreeBytes()
		}
	}
	return free, total
}

func toSet(items []string) map[string]struct{} {
	if len(items) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(items))
	for _, i := range items {
		out[i] = struct{}{}
	}
	return out
}
