// Package eventstream composes the Registry and the VolumeManager into a
// single restartable, backpressure-aware, lazy sequence of tagged change
// events. On first consumption it synthesizes new-events for every
// currently known object, followed by a per-node sync marker, then
// forwards live events.
package eventstream

import (
	"context"

	"github.com/cuemby/poseidon/internal/events"
)

// Source is anything that can be subscribed to for live events and
// enumerated for a warm-up snapshot. Registry and volmgr.Manager both
// implement the subscribe half directly; Stream asks each for its
// current objects through the narrower interfaces below.
type Source interface {
	Subscribe() events.Subscriber
	Unsubscribe(events.Subscriber)
}

// NodeLister enumerates currently known nodes, pools, replicas and
// nexuses for the warm-up batch.
type NodeLister interface {
	WarmUp(emit func(events.Event))
}

// VolumeLister enumerates currently known volumes for the warm-up batch.
type VolumeLister interface {
	WarmUp(emit func(events.Event))
}

// Stream is a single EventStream instance over a Registry and a
// VolumeManager.
type Stream struct {
	registry Source
	nodes    NodeLister
	volumes  Source
	volList  VolumeLister
}

// New builds a Stream. registry and volumes are the live event sources;
// nodeLister and volList supply the warm-up enumeration.
func New(registry Source, nodeLister NodeLister, volumes Source, volList VolumeLister) *Stream {
	return &Stream{registry: registry, nodes: nodeLister, volumes: volumes, volList: volList}
}

// Subscribe returns a channel of events: first the warm-up batch, then
// live events in arrival order, until ctx is cancelled (at which point
// the channel closes). Calling Subscribe again after cancelling a
// previous context restarts the sequence from a fresh warm-up — the
// stream is restartable but not rewindable.
func (s *Stream) Subscribe(ctx context.Context) <-chan events.Event {
	out := make(chan events.Event, 64)
	go s.run(ctx, out)
	return out
}

func (s *Stream) run(ctx context.Context, out chan<- events.Event) {
	defer close(out)

	regSub := s.registry.Subscribe()
	defer s.registry.Unsubscribe(regSub)
	volSub := s.volumes.Subscribe()
	defer s.volumes.Unsubscribe(volSub)

	send := func(e events.Event) bool {
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	cancelled := false
	s.nodes.WarmUp(func(e events.Event) {
		if cancelled {
			return
		}
		if !send(e) {
			cancelled = true
		}
	})
	if cancelled {
		return
	}
	s.volList.WarmUp(func(e events.Event) {
		if cancelled {
			return
		}
		if !send(e) {
			cancelled = true
		}
	})
	if cancelled {
		return
	}

	for {
		select {
		case e, ok := <-regSub.C():
			if !ok {
				return
			}
			if !send(e) {
				return
			}
		case e, ok := <-volSub.C():
			if !ok {
				return
			}
			if !send(e) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
