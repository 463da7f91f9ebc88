// Package volume implements the Volume object and its reconciling finite
// state automaton: the part of the control plane that turns a replica
// count and a placement policy into an actual nexus with healthy,
// correctly-shared replicas, kept that way as nodes and pools change
// underneath it.
package volume

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/poseidon/internal/apierror"
	"github.com/cuemby/poseidon/internal/events"
	"github.com/cuemby/poseidon/internal/log"
	"github.com/cuemby/poseidon/internal/metrics"
	"github.com/cuemby/poseidon/internal/model"
	"github.com/cuemby/poseidon/internal/node"
	"github.com/cuemby/poseidon/internal/pstore"
	"github.com/cuemby/poseidon/internal/registry"
	"github.com/cuemby/poseidon/internal/tracing"
)

// State is a Volume's lifecycle/health state.
type State string

const (
	StateUnknown   State = "unknown"
	StatePending   State = "pending"
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateOffline   State = "offline"
	StateFaulted   State = "faulted"
	StateDestroyed State = "destroyed"
	StateError     State = "error"
)

// DefaultRetryDelay is how long the FSA waits before rearming after an
// unhandled run error with no delegated-op caller awaiting it.
const DefaultRetryDelay = 30 * time.Second

// Spec is the desired configuration of a Volume, set at creation and
// only narrowly mutable afterward via Update.
type Spec struct {
	ReplicaCount   int
	Local          bool
	PreferredNodes []string
	RequiredNodes  []string
	RequiredBytes  uint64
	LimitBytes     uint64
	Protocol       model.ShareProtocol
}

// ReplicaStatus is the CR-status-facing view of one replica.
type ReplicaStatus struct {
	Node    string
	Pool    string
	URI     string
	Offline bool
}

// ChildStatus is the CR-status-facing view of one nexus child.
type ChildStatus struct {
	URI   string
	State model.ChildState
}

// NexusStatus is the CR-status-facing view of the volume's nexus.
type NexusStatus struct {
	Node      string
	DeviceURI string
	State     model.NexusState
	Children  []ChildStatus
}

// Status is the full external status view of a Volume, matching the
// fields a mirrored custom resource's status section carries.
type Status struct {
	Size     uint64
	State    State
	Reason   string
	Replicas []ReplicaStatus
	Nexus    *NexusStatus
}

// Observed is a Volume's in-memory reconciled state: what the FSA has
// learned from Node events versus what Spec wants.
type Observed struct {
	Size        uint64
	PublishedOn string
	Nexus       *model.Nexus
	Replicas    map[string]*model.Replica // keyed by replica's pool's node name
	State       State
	Reason      string
}

// NodeDirectory is the subset of Registry a Volume needs to reach the
// Node that owns a given replica or nexus.
type NodeDirectory interface {
	GetNode(name string) (*node.Node, bool)
}

// PoolChooser is the subset of Registry a Volume needs for replica
// placement.
type PoolChooser interface {
	ChoosePools(req registry.ChooseRequest) []*model.Pool
}

type opKind int

const (
	opPublish opKind = iota
	opUnpublish
	opDestroy
)

func (k opKind) String() string {
	switch k {
	case opPublish:
		return "publish"
	case opUnpublish:
		return "unpublish"
	case opDestroy:
		return "destroy"
	default:
		return "unknown"
	}
}

// waiter is one in-flight delegated-op request. uri is only meaningful
// for opPublish.
type waiter struct {
	kind opKind
	done chan struct{}
	uri  string
	err  error
}

func newWaiter(kind opKind) *waiter {
	return &waiter{kind: kind, done: make(chan struct{})}
}

func (w *waiter) resolve(uri string, err error) {
	w.uri = uri
	w.err = err
	close(w.done)
}

// Volume owns one replicated, nexus-fronted block device and reconciles
// it toward Spec via its FSA. FSA actions run on a single goroutine
// (Serve); public methods and the event handlers only update desired or
// observed state under mu, register waiters, and signal the scheduler.
// Create is the exception: it provisions the first replicas directly.
type Volume struct {
	UUID string

	nodes  NodeDirectory
	pools  PoolChooser
	store  pstore.Store
	emit   func(events.Event)
	logger zerolog.Logger

	retryDelay time.Duration

	mu             sync.Mutex
	spec           Spec
	observed       Observed
	pendingDestroy bool
	waiters        []*waiter

	runCh          chan struct{}
	running        bool
	rerunRequested bool
	retryTimer     *time.Timer
	closed         bool
}

// New constructs a Volume in state pending. Create must be called once
// to perform initial provisioning before the FSA will do anything else.
// store may be nil, in which case the unhealthy-replica filter consulted
// before nexus creation treats every replica as healthy.
func New(uuid string, spec Spec, nodes NodeDirectory, pools PoolChooser, store pstore.Store, emit func(events.Event)) *Volume {
	return &Volume{
		UUID:       uuid,
		nodes:      nodes,
		pools:      pools,
		store:      store,
		emit:       emit,
		logger:     log.WithVolumeID(uuid),
		retryDelay: DefaultRetryDelay,
		spec:       spec,
		observed: Observed{
			State:    StatePending,
			Replicas: make(map[string]*model.Replica),
		},
		runCh: make(chan struct{}, 1),
	}
}

// Spec returns a copy of the volume's desired configuration.
func (v *Volume) Spec() Spec {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.spec
}

// NewReplica, ModReplica and DelReplica are the event handlers the
// manager routes replica/new|mod|del events to once it has matched an
// event's uuid to this volume. They update the in-memory observed state
// and request an FSA run; the FSA itself performs no I/O here.
func (v *Volume) NewReplica(r *model.Replica) {
	v.mu.Lock()
	v.observed.Replicas[r.NodeName] = r
	v.mu.Unlock()
	v.requestRun()
}

func (v *Volume) ModReplica(r *model.Replica) {
	v.mu.Lock()
	v.observed.Replicas[r.NodeName] = r
	v.mu.Unlock()
	v.requestRun()
}

func (v *Volume) DelReplica(r *model.Replica) {
	v.mu.Lock()
	if existing, ok := v.observed.Replicas[r.NodeName]; ok && existing.UUID == r.UUID {
		delete(v.observed.Replicas, r.NodeName)
	}
	v.mu.Unlock()
	v.requestRun()
}

// NewNexus, ModNexus and DelNexus are the analogous handlers for
// nexus/new|mod|del events.
func (v *Volume) NewNexus(nx *model.Nexus) {
	v.mu.Lock()
	v.observed.Nexus = nx
	v.mu.Unlock()
	v.requestRun()
}

func (v *Volume) ModNexus(nx *model.Nexus) {
	v.mu.Lock()
	v.observed.Nexus = nx
	v.mu.Unlock()
	v.requestRun()
}

func (v *Volume) DelNexus(nx *model.Nexus) {
	v.mu.Lock()
	if v.observed.Nexus != nil && v.observed.Nexus.UUID == nx.UUID {
		v.observed.Nexus = nil
	}
	v.mu.Unlock()
	v.requestRun()
}

// Snapshot returns the CR-status-facing view of this volume.
func (v *Volume) Snapshot() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.statusLocked()
}

func (v *Volume) statusLocked() Status {
	s := Status{Size: v.observed.Size, State: v.observed.State, Reason: v.observed.Reason}
	for _, r := range v.observed.Replicas {
		s.Replicas = append(s.Replicas, ReplicaStatus{
			Node: r.NodeName, Pool: r.PoolName, URI: r.URI, Offline: !r.Online(),
		})
	}
	if nx := v.observed.Nexus; nx != nil {
		ns := &NexusStatus{Node: nx.NodeName, DeviceURI: nx.DeviceURI, State: nx.State}
		for _, c := range nx.Children {
			ns.Children = append(ns.Children, ChildStatus{URI: c.URI, State: c.State})
		}
		s.Nexus = ns
	}
	return s
}

// Create performs initial provisioning: choosing pools and creating the
// first generation of replicas. The FSA is quiescent while the volume is
// pending, so this runs directly rather than through the scheduler. On
// return the volume has left pending (healthy, degraded, error if no
// replica could be created, or destroyed if a destroy arrived while
// creation was in flight) and an FSA run has been
// requested to handle nexus creation on a subsequent publish.
func (v *Volume) Create(ctx context.Context) error {
	v.mu.Lock()
	spec := v.spec
	v.mu.Unlock()

	size := spec.RequiredBytes
	created, failErr := v.createReplicas(ctx, registry.ChooseRequest{
		RequiredBytes:  size,
		RequiredNodes:  spec.RequiredNodes,
		PreferredNodes: spec.PreferredNodes,
	}, spec, size, spec.ReplicaCount, nil)

	v.mu.Lock()
	v.observed.Size = size
	pendingDestroy := v.pendingDestroy
	switch {
	case pendingDestroy:
		// A destroy arrived while creation was in flight; whatever got
		// created still needs tearing down, so leave that to stepDestroyed
		// rather than reporting a misleading health state.
		v.observed.State = StateDestroyed
	case len(created) == 0:
		v.observed.State = StateError
		if failErr != nil {
			v.observed.Reason = failErr.Error()
		}
	case len(created) < spec.ReplicaCount:
		v.observed.State = StateDegraded
	default:
		v.observed.State = StateHealthy
	}
	v.mu.Unlock()

	v.emit(events.Event{Kind: events.KindVolume, Type: events.New, Object: v.Snapshot()})

	if pendingDestroy {
		v.requestRun()
		return nil
	}
	if len(created) == 0 {
		v.requestRun()
		return apierror.Wrap(apierror.ResourceExhausted, failErr, "volume %s: no replicas could be created", v.UUID)
	}
	v.requestRun()
	return nil
}

// Update applies a mutation to Spec. Once a volume has left pending,
// extending requiredBytes beyond the current size or changing the share
// protocol is rejected outright; every other field is replaced as given.
func (v *Volume) Update(spec Spec) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if spec.RequiredBytes > v.observed.Size && v.observed.Size > 0 {
		return apierror.New(apierror.InvalidArgument, "extending volume %s beyond its current size is not supported", v.UUID)
	}
	if spec.Protocol != v.spec.Protocol && v.observed.Size > 0 {
		return apierror.New(apierror.InvalidArgument, "changing the share protocol of volume %s is not supported", v.UUID)
	}
	v.spec = spec
	return nil
}

// Publish delegates nexus publication on nodeName to the FSA and blocks
// until it completes, returning the device URI.
func (v *Volume) Publish(ctx context.Context, nodeName string) (string, error) {
	v.mu.Lock()
	v.cancelWaiters(opUnpublish, "Volume is being published")
	v.observed.PublishedOn = nodeName
	w := newWaiter(opPublish)
	v.waiters = append(v.waiters, w)
	v.mu.Unlock()

	v.requestRun()
	select {
	case <-w.done:
		return w.uri, w.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Unpublish delegates nexus teardown to the FSA and blocks until done.
func (v *Volume) Unpublish(ctx context.Context) error {
	v.mu.Lock()
	v.cancelWaiters(opPublish, "Volume has been unpublished")
	v.observed.PublishedOn = ""
	w := newWaiter(opUnpublish)
	v.waiters = append(v.waiters, w)
	v.mu.Unlock()

	v.requestRun()
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy delegates full teardown to the FSA. If the volume is still
// pending (initial creation in flight), it sets pendingDestroy and
// returns once Create notices the flag and the FSA finishes tearing
// things down.
func (v *Volume) Destroy(ctx context.Context) error {
	v.mu.Lock()
	v.cancelWaiters(opPublish, "Volume is being destroyed")
	v.cancelWaiters(opUnpublish, "Volume is being destroyed")
	if v.observed.State == StatePending {
		v.pendingDestroy = true
	} else {
		v.observed.State = StateDestroyed
	}
	w := newWaiter(opDestroy)
	v.waiters = append(v.waiters, w)
	v.mu.Unlock()

	v.requestRun()
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelWaiters resolves every outstanding waiter of kind with the given
// cancellation message. Caller must hold v.mu.
func (v *Volume) cancelWaiters(kind opKind, message string) {
	remaining := v.waiters[:0]
	for _, w := range v.waiters {
		if w.kind == kind {
			w.resolve("", apierror.New(apierror.FailedPrecondition, "%s", message))
			continue
		}
		remaining = append(remaining, w)
	}
	v.waiters = remaining
}

// takeWaiters removes and returns every waiter of the given kind. Caller
// must hold v.mu.
func (v *Volume) takeWaiters(kind opKind) []*waiter {
	var taken []*waiter
	remaining := v.waiters[:0]
	for _, w := range v.waiters {
		if w.kind == kind {
			taken = append(taken, w)
			continue
		}
		remaining = append(remaining, w)
	}
	v.waiters = remaining
	return taken
}

func (v *Volume) completeWaiters(kind opKind, uri string, err error) {
	v.mu.Lock()
	taken := v.takeWaiters(kind)
	v.mu.Unlock()
	for _, w := range taken {
		w.resolve(uri, err)
	}
}

func (v *Volume) hasWaiter(kind opKind) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, w := range v.waiters {
		if w.kind == kind {
			return true
		}
	}
	return false
}

// PublishedOn returns the node the volume's nexus is meant to be
// published on, or "" if it is not meant to be published.
func (v *Volume) PublishedOn() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.observed.PublishedOn
}

// RequestRun asks for an FSA run without blocking for its result, used
// by the manager to nudge a volume in response to an unrelated event
// (a new pool appearing, a node resyncing).
func (v *Volume) RequestRun() {
	v.requestRun()
}

// Import rebuilds observed state from a persisted status, used when the
// manager restores a Volume from its mirrored custom resource instead of
// creating one fresh. Per the pending→unknown rewrite, an imported
// volume never comes back as pending: that state only exists during a
// live Create.
func (v *Volume) Import(status Status) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.observed.Size = status.Size
	state := status.State
	if state == StatePending {
		state = StateUnknown
	}
	v.observed.State = state
	v.observed.Reason = status.Reason

	v.observed.Replicas = make(map[string]*model.Replica, len(status.Replicas))
	for _, rs := range status.Replicas {
		state := model.ReplicaOnline
		if rs.Offline {
			state = model.ReplicaOffline
		}
		v.observed.Replicas[rs.Node] = &model.Replica{
			UUID: v.UUID, PoolName: rs.Pool, NodeName: rs.Node, URI: rs.URI, State: state,
		}
	}

	if status.Nexus != nil {
		children := make([]model.NexusChild, 0, len(status.Nexus.Children))
		for _, c := range status.Nexus.Children {
			children = append(children, model.NexusChild{URI: c.URI, State: c.State})
		}
		v.observed.Nexus = &model.Nexus{
			UUID: v.UUID, NodeName: status.Nexus.Node, DeviceURI: status.Nexus.DeviceURI,
			State: status.Nexus.State, Children: children,
		}
		if status.Nexus.DeviceURI != "" {
			v.observed.PublishedOn = status.Nexus.Node
		}
	}
}

// requestRun posts a run to a later scheduling slice via the buffered
// runCh, coalescing bursts of requests into at most one pending signal.
func (v *Volume) requestRun() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	if v.running {
		v.rerunRequested = true
		v.mu.Unlock()
		return
	}
	v.running = true
	v.mu.Unlock()

	select {
	case v.runCh <- struct{}{}:
	default:
	}
}

// Serve drains run requests until ctx is cancelled. Exactly one Serve
// goroutine should run per Volume; it is the "single scheduler thread"
// the FSA runs on.
func (v *Volume) Serve(ctx context.Context) {
	for {
		select {
		case <-v.runCh:
			v.runOnce(ctx)
		case <-ctx.Done():
			v.mu.Lock()
			if v.retryTimer != nil {
				v.retryTimer.Stop()
				v.retryTimer = nil
			}
			v.closed = true
			v.mu.Unlock()
			return
		}
	}
}

func (v *Volume) runOnce(ctx context.Context) {
	ctx, span := tracing.Start(ctx, "volume.fsaRun")
	timer := metrics.NewTimer()
	err := v.runFSA(ctx)
	timer.ObserveDuration(metrics.FSARunDuration)
	span.End()

	v.mu.Lock()
	v.running = false
	rerun := v.rerunRequested
	v.rerunRequested = false
	v.mu.Unlock()

	if err != nil {
		anyWaiter := v.hasWaiter(opPublish) || v.hasWaiter(opUnpublish) || v.hasWaiter(opDestroy)
		if !anyWaiter {
			v.logger.Warn().Err(err).Msg("fsa run failed, rearming retry timer")
			v.armRetry()
		}
	}

	if rerun {
		metrics.FSARerunsTotal.Inc()
		v.requestRun()
	}
}

func (v *Volume) armRetry() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if v.retryTimer != nil {
		v.retryTimer.Stop()
	}
	v.retryTimer = time.AfterFunc(v.retryDelay, func() {
		v.mu.Lock()
		v.retryTimer = nil
		v.mu.Unlock()
		v.requestRun()
	})
}

// setState changes observed.State and emits mod, unless both the state
// and the reason are unchanged.
func (v *Volume) setState(s State, reason string) {
	v.mu.Lock()
	changed := v.observed.State != s || v.observed.Reason != reason
	v.observed.State = s
	v.observed.Reason = reason
	status := v.statusLocked()
	v.mu.Unlock()
	if changed {
		v.emit(events.Event{Kind: events.KindVolume, Type: events.Mod, Object: status})
	}
}
