// Package workqueue implements the single-consumer FIFO serialization
// primitive Node uses to keep one call in flight per storage node.
package workqueue

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned to every job queued or submitted after Close, and
// to every job still queued at the moment Close runs.
var ErrClosed = errors.New("workqueue: closed")

type job struct {
	fn     func(ctx context.Context) (any, error)
	result chan result
}

type result struct {
	value any
	err   error
}

// Queue is a single-consumer FIFO. Call Run once in its own goroutine;
// Submit from any number of goroutines.
type Queue struct {
	jobs   chan job
	done   chan struct{}
	once   sync.Once
	closed chan struct{}
}

// New creates a Queue with the given pending-job buffer size.
func New(buffer int) *Queue {
	return &Queue{
		jobs:   make(chan job, buffer),
		done:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled or Close is called,
// executing exactly one job at a time in FIFO order. It returns once no
// more jobs will ever be executed.
func (q *Queue) Run(ctx context.Context) {
	defer close(q.done)
	for {
		select {
		case j := <-q.jobs:
			v, err := j.fn(ctx)
			j.result <- result{v, err}
		case <-ctx.Done():
			q.drain()
			return
		case <-q.closed:
			q.drain()
			return
		}
	}
}

// drain fails every job still sitting in the channel buffer with
// ErrClosed. Called only from the Run goroutine. A Submit that enqueues
// after drain has returned resolves itself with ErrClosed once Run has
// returned.
func (q *Queue) drain() {
	for {
		select {
		case j := <-q.jobs:
			j.result <- result{nil, ErrClosed}
		default:
			return
		}
	}
}

// Submit enqueues fn and blocks until it has run (or the queue refuses it).
func (q *Queue) Submit(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	j := job{fn: fn, result: make(chan result, 1)}
	select {
	case q.jobs <- j:
	case <-q.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-j.result:
		return r.value, r.err
	case <-q.done:
		select {
		case r := <-j.result:
			return r.value, r.err
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops the queue. Any job already sitting in the buffer (and any
// future Submit) resolves with ErrClosed. Idempotent.
func (q *Queue) Close() {
	q.once.Do(func() { close(q.closed) })
}

// Wait blocks until Run has returned.
func (q *Queue) Wait() {
	<-q.done
}
