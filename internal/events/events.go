// Package events implements a tagged event variant: every change in the
// system is one Event{Kind, Type, Object}, and every consumer is a single
// switch over Kind. Broker never drops an event on a full subscriber
// buffer — each subscriber is backed by an unbounded queue, because the
// control plane's CR mirrors and the volume manager must never silently
// miss a state transition.
package events

import (
	"sync"

	infinity "github.com/Code-Hex/go-infinity-channel"
)

// Kind identifies the kind of object an Event carries.
type Kind string

const (
	KindNode    Kind = "node"
	KindPool    Kind = "pool"
	KindReplica Kind = "replica"
	KindNexus   Kind = "nexus"
	KindVolume  Kind = "volume"
)

// Type identifies what happened to the object.
type Type string

const (
	New  Type = "new"
	Mod  Type = "mod"
	Del  Type = "del"
	Sync Type = "sync"
)

// Event is the single shape every consumer switches on.
type Event struct {
	Kind   Kind
	Type   Type
	Object any
}

// Subscriber is a handle returned by Broker.Subscribe. Read from C()
// until it closes.
type Subscriber struct {
	ch *infinity.Channel[Event]
}

// C returns the receive side of the subscriber's queue.
func (s Subscriber) C() <-chan Event {
	return s.ch.Out()
}

// Broker fans out Events to every subscriber without ever dropping one.
type Broker struct {
	mu   sync.RWMutex
	subs map[*infinity.Channel[Event]]struct{}
}

// NewBroker constructs an empty Broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[*infinity.Channel[Event]]struct{})}
}

// Subscribe registers a new subscriber with its own unbounded queue.
func (b *Broker) Subscribe() Subscriber {
	ch := infinity.NewChannel[Event]()
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return Subscriber{ch: ch}
}

// Unsubscribe removes and closes a subscriber's queue.
func (b *Broker) Unsubscribe(s Subscriber) {
	b.mu.Lock()
	delete(b.subs, s.ch)
	b.mu.Unlock()
	s.ch.Close()
}

// Publish fans e out to every current subscriber. Never blocks on a slow
// consumer: each subscriber's queue is unbounded.
func (b *Broker) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		ch.In() <- e
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
