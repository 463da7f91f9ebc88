// Package model holds the wire-level data model shared by internal/node,
// internal/registry, internal/volume and internal/pool: Pool, Replica,
// Nexus and their component states. Node itself, and Volume's spec/
// observed split, live in their own owning packages.
package model

// ShareProtocol is how a Replica or Nexus is exposed over the network.
type ShareProtocol string

const (
	ShareNone ShareProtocol = "none"
	ShareNvmf ShareProtocol = "nvmf"
)

// PoolState is the lifecycle state of a Pool as observed from a Node.
type PoolState string

const (
	PoolOnline   PoolState = "online"
	PoolDegraded PoolState = "degraded"
	PoolFaulted  PoolState = "faulted"
	PoolOffline  PoolState = "offline"
	PoolPending  PoolState = "pending"
	PoolError    PoolState = "error"
	PoolUnknown  PoolState = "unknown"
)

// ReplicaState mirrors the healthiness of a single replica as reported by
// its owning node, independent of nexus child state.
type ReplicaState string

const (
	ReplicaOnline  ReplicaState = "online"
	ReplicaFaulted ReplicaState = "faulted"
	ReplicaOffline ReplicaState = "offline"
)

// NexusState is the lifecycle state of a Nexus.
type NexusState string

const (
	NexusOnline   NexusState = "online"
	NexusDegraded NexusState = "degraded"
	NexusFaulted  NexusState = "faulted"
	NexusOffline  NexusState = "offline"
)

// ChildState is the state of a single nexus child.
type ChildState string

const (
	ChildOnline   ChildState = "online"
	ChildDegraded ChildState = "degraded"
	ChildFaulted  ChildState = "faulted"
)

// Replica is a single piece of a volume's data, identified by (pool, uuid)
// where uuid is the owning volume's uuid. It is owned by its Pool:
// removing the Pool destroys every Replica on it.
type Replica struct {
	UUID     string
	PoolName string
	NodeName string
	SizeB    uint64
	Share    ShareProtocol
	URI      string
	State    ReplicaState
}

// Online reports whether this replica can participate in a healthy nexus.
// A replica is offline if its node is unreachable or it was itself
// reported faulted; callers must combine this with the node's health.
func (r *Replica) Online() bool {
	return r != nil && r.State == ReplicaOnline
}

// Pool is an allocation domain on a single node backed by one or more
// disks. Pools are discovered through a Node's periodic sync, never
// created directly by the core outside of PoolReconciler's desired-state
// push.
type Pool struct {
	Name      string
	NodeName  string
	CapacityB uint64
	UsedB     uint64
	Disks     []string
	State     PoolState
	Replicas  map[string]*Replica // keyed by replica uuid
}

// FreeBytes returns remaining capacity, zero if the pool reports used >=
// capacity.
func (p *Pool) FreeBytes() uint64 {
	if p.UsedB >= p.CapacityB {
		return 0
	}
	return p.CapacityB - p.UsedB
}

// Usable reports whether the pool can currently host a new replica.
func (p *Pool) Usable() bool {
	return p.State == PoolOnline || p.State == PoolDegraded
}

// NexusChild is one member of a nexus's mirror set. Its URI either
// matches a Replica's URI or is a stray block device unknown to the
// control plane.
type NexusChild struct {
	URI   string
	State ChildState
}

// Nexus is the per-volume front-end aggregator, identified by uuid (equal
// to its volume's uuid).
type Nexus struct {
	UUID       string
	NodeName   string
	SizeB      uint64
	DeviceURI  string // non-empty iff published
	State      NexusState
	Children   []NexusChild
	ShareProto ShareProtocol
}

// Published reports whether the nexus currently exposes a device URI.
func (n *Nexus) Published() bool {
	return n != nil && n.DeviceURI != ""
}

// OnlineChildCount counts children in ChildOnline state.
func (n *Nexus) OnlineChildCount() int {
	if n == nil {
		return 0
	}
	count := 0
	for _, c := range n.Children {
		if c.State == ChildOnline {
			count++
		}
	}
	return count
}

// ChildByURI finds a child by URI, or nil.
func (n *Nexus) ChildByURI(uri string) *NexusChild {
	if n == nil {
		return nil
	}
	for i := range n.Children {
		if n.Children[i].URI == uri {
			return &n.Children[i]
		}
	}
	return nil
}
