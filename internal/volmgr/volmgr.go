// Package volmgr implements the VolumeManager: the owner of every Volume
// keyed by uuid, and the router that turns Registry events into the
// per-Volume event handlers and FSA re-run requests described in the
// volume reconciliation design.
package volmgr

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/poseidon/internal/apierror"
	"github.com/cuemby/poseidon/internal/events"
	"github.com/cuemby/poseidon/internal/log"
	"github.com/cuemby/poseidon/internal/model"
	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/pstore"
	"github.com/cuemby/poseidon/internal/volume"
)

// Source is anything emitting the node/pool/replica/nexus events a
// Manager routes. *registry.Registry satisfies this.
type Source interface {
	Subscribe() events.Subscriber
	Unsubscribe(events.Subscriber)
}

// Manager owns every Volume keyed by uuid.
type Manager struct {
	mu      sync.RWMutex
	volumes map[string]*volume.Volume
	cancels map[string]context.CancelFunc

	nodes  volume.NodeDirectory
	pools  volume.PoolChooser
	store  pstore.Store
	broker *events.Broker
	logger zerolog.Logger
}

// New constructs an empty Manager. nodes and pools back every Volume it
// creates or imports. store may be nil; see volume.New.
func New(nodes volume.NodeDirectory, pools volume.PoolChooser, store pstore.Store) *Manager {
	return &Manager{
		volumes: make(map[string]*volume.Volume),
		cancels: make(map[string]context.CancelFunc),
		nodes:   nodes,
		pools:   pools,
		store:   store,
		broker:  events.NewBroker(),
		logger:  log.WithComponent("volmgr"),
	}
}

func (m *Manager) emit(e events.Event) { m.broker.Publish(e) }

// Create instantiates a new Volume in pending, or updates an existing
// one's spec if uuid is already known. On initial-provisioning failure
// it tears down any partial state before returning the error.
func (m *Manager) Create(ctx context.Context, uuid string, spec volume.Spec) (*volume.Volume, error) {
	if spec.RequiredBytes == 0 {
		return nil, apierror.New(apierror.InvalidArgument, "volume %s: requiredBytes must be > 0", uuid)
	}

	m.mu.Lock()
	if existing, ok := m.volumes[uuid]; ok {
		m.mu.Unlock()
		if err := existing.Update(spec); err != nil {
			return nil, err
		}
		return existing, nil
	}
	vctx, cancel := context.WithCancel(context.Background())
	vol := volume.New(uuid, spec, m.nodes, m.pools, m.store, m.emit)
	m.volumes[uuid] = vol
	m.cancels[uuid] = cancel
	m.mu.Unlock()

	go vol.Serve(vctx)

	if err := vol.Create(ctx); err != nil {
		_ = vol.Destroy(ctx)
		m.forget(uuid)
		return nil, err
	}
	return vol, nil
}

// Destroy tears a Volume down and forgets it. Idempotent: destroying an
// unknown uuid is a no-op success.
func (m *Manager) Destroy(ctx context.Context, uuid string) error {
	m.mu.RLock()
	vol, ok := m.volumes[uuid]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	if err := vol.Destroy(ctx); err != nil {
		return err
	}
	m.forget(uuid)
	return nil
}

func (m *Manager) forget(uuid string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[uuid]; ok {
		cancel()
		delete(m.cancels, uuid)
	}
	delete(m.volumes, uuid)
}

// Import rebuilds an in-memory Volume from a persisted spec and status,
// without going through initial provisioning. Used at startup to
// restore state from mirrored custom resources.
func (m *Manager) Import(uuid string, spec volume.Spec, status volume.Status) *volume.Volume {
	m.mu.Lock()
	if existing, ok := m.volumes[uuid]; ok {
		m.mu.Unlock()
		return existing
	}
	vctx, cancel := context.WithCancel(context.Background())
	vol := volume.New(uuid, spec, m.nodes, m.pools, m.store, m.emit)
	vol.Import(status)
	m.volumes[uuid] = vol
	m.cancels[uuid] = cancel
	m.mu.Unlock()

	go vol.Serve(vctx)
	vol.RequestRun()
	return vol
}

func (m *Manager) Get(uuid string) (*volume.Volume, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.volumes[uuid]
	return v, ok
}

func (m *Manager) List() []*volume.Volume {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*volume.Volume, 0, len(m.volumes))
	for _, v := range m.volumes {
		out = append(out, v)
	}
	return out
}

// StateCounts tallies volumes by lifecycle state, for metrics collection
// without exposing the volume package's types across that boundary.
func (m *Manager) StateCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[string]int, len(m.volumes))
	for _, v := range m.volumes {
		counts[string(v.Snapshot().State)]++
	}
	return counts
}

// Subscribe registers to receive every volume/* event this Manager's
// Volumes emit.
func (m *Manager) Subscribe() events.Subscriber { return m.broker.Subscribe() }

func (m *Manager) Unsubscribe(s events.Subscriber) { m.broker.Unsubscribe(s) }

// WarmUp synthesizes a new-event for every volume currently known, for
// EventStream's warm-up batch.
func (m *Manager) WarmUp(emit func(events.Event)) {
	for _, vol := range m.List() {
		emit(events.Event{Kind: events.KindVolume, Type: events.New, Object: vol.Snapshot()})
	}
}

// Route consumes source's events until ctx is cancelled, applying the
// routing rules: pool/new nudges every degraded volume, replica/nexus
// events with a matching uuid go to the owning volume's handler, and
// node/sync|mod nudges every volume published on that node.
func (m *Manager) Route(ctx context.Context, source Source) {
	sub := source.Subscribe()
	defer source.Unsubscribe(sub)
	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			m.handle(e)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) handle(e events.Event) {
	switch e.Kind {
	case events.KindPool:
		if e.Type != events.New {
			return
		}
		for _, vol := range m.List() {
			if vol.Snapshot().State == volume.StateDegraded {
				vol.RequestRun()
			}
		}
	case events.KindReplica:
		r, ok := e.Object.(*model.Replica)
		if !ok {
			return
		}
		vol, ok := m.Get(r.UUID)
		if !ok {
			return
		}
		switch e.Type {
		case events.New:
			vol.NewReplica(r)
		case events.Mod:
			vol.ModReplica(r)
		case events.Del:
			vol.DelReplica(r)
		}
	case events.KindNexus:
		nx, ok := e.Object.(*model.Nexus)
		if !ok {
			return
		}
		vol, ok := m.Get(nx.UUID)
		if !ok {
			return
		}
		switch e.Type {
		case events.New:
			vol.NewNexus(nx)
		case events.Mod:
			vol.ModNexus(nx)
		case events.Del:
			vol.DelNexus(nx)
		}
	case events.KindNode:
		if e.Type != events.Sync && e.Type != events.Mod {
			return
		}
		snap, ok := e.Object.(node.Snapshot)
		if !ok {
			return
		}
		for _, vol := range m.List() {
			if vol.PublishedOn() == snap.Name {
				vol.RequestRun()
			}
		}
	}
}
