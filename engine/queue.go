// File: engine/queue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package engine

import (
	"context"
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/evnet/api"
)

// EventQueue is the ordered hand-off between the readiness loop and the
// application: the loop pushes, any number of consumers receive. Events
// come out in exactly the order they were produced. The queue is
// unbounded; backpressure lives on the send side of the engine, not here.
type EventQueue struct {
	mu     sync.Mutex
	q      *queue.Queue
	signal chan struct{}
	closed bool
}

func newEventQueue() *EventQueue {
	return &EventQueue{
		q:      queue.New(),
		signal: make(chan struct{}, 1),
	}
}

// Push appends one event. Events pushed after close are dropped.
func (e *EventQueue) Push(ev api.Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.q.Add(ev)
	e.mu.Unlock()
	select {
	case e.signal <- struct{}{}:
	default:
	}
}

// Poll removes the next event without blocking.
func (e *EventQueue) Poll() (api.Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.q.Length() == 0 {
		return api.Event{}, false
	}
	return e.q.Remove().(api.Event), true
}

// Receive blocks until an event is available, the context is done, or the
// queue is closed. Remaining events are still delivered after close; only
// a drained closed queue reports ErrEngineClosed.
func (e *EventQueue) Receive(ctx context.Context) (api.Event, error) {
	for {
		e.mu.Lock()
		if e.q.Length() > 0 {
			ev := e.q.Remove().(api.Event)
			e.mu.Unlock()
			return ev, nil
		}
		if e.closed {
			e.mu.Unlock()
			return api.Event{}, api.ErrEngineClosed
		}
		e.mu.Unlock()

		select {
		case <-e.signal:
		case <-ctx.Done():
			return api.Event{}, ctx.Err()
		}
	}
}

// Len reports the number of undelivered events.
func (e *EventQueue) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.q.Length()
}

func (e *EventQueue) close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	close(e.signal)
}
