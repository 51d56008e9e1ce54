// File: pool/resource.go
// Package pool tracks live resources behind stable handles.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"net"
	"sync/atomic"

	"github.com/eapache/queue"

	"github.com/momentics/evnet/api"
)

// Outbound is one buffered unit on a resource's send path: either a framed
// message or transport-level control bytes, optionally targeted at a
// datagram peer.
type Outbound struct {
	Wire []byte
	To   net.Addr // non-nil: datagram reply through a listener socket
	off  int
}

// Remaining returns the bytes still to be written.
func (o *Outbound) Remaining() []byte { return o.Wire[o.off:] }

// Advance records a partial write of n bytes.
func (o *Outbound) Advance(n int) { o.off += n }

// Done reports whether the unit is fully written.
func (o *Outbound) Done() bool { return o.off >= len(o.Wire) }

// Resource is one live OS-level socket plus its adapter-private state and
// the engine's send bookkeeping. All fields except the queued-bytes
// counter are owned by the engine loop; the counter is atomic so send
// callers can apply the backpressure watermark without entering the loop.
type Resource struct {
	id       api.ResourceID
	remote   api.Remote
	local    api.Local
	listener api.Endpoint // set on accepted remotes

	// pri holds transport-level bytes (handshake, pongs) and is flushed
	// ahead of out. out holds framed application messages and is flushed
	// only once the resource is established, preserving per-endpoint send
	// order across partial writes.
	pri *queue.Queue
	out *queue.Queue

	queued      atomic.Int64
	established bool
	closing     bool
	writeArmed  bool
	reason      api.CloseReason
}

func newResource(id api.ResourceID) *Resource {
	return &Resource{
		id:  id,
		pri: queue.New(),
		out: queue.New(),
	}
}

// ID returns the stable handle of this resource.
func (r *Resource) ID() api.ResourceID { return r.id }

// Remote returns the connection-side adapter state, or nil for listeners.
func (r *Resource) Remote() api.Remote { return r.remote }

// Local returns the listener-side adapter state, or nil for connections.
func (r *Resource) Local() api.Local { return r.local }

// Listener identifies the listener an accepted resource came from.
func (r *Resource) Listener() api.Endpoint { return r.listener }

// SetListener records the originating listener on an accepted resource.
func (r *Resource) SetListener(ep api.Endpoint) { r.listener = ep }

// Established reports whether the engine has announced this resource
// (Connected/Accepted emitted, or a connectionless resource that is ready
// immediately).
func (r *Resource) Established() bool { return r.established }

// MarkEstablished flips the resource into the established state.
func (r *Resource) MarkEstablished() { r.established = true }

// Closing reports whether the resource is scheduled for removal.
func (r *Resource) Closing() bool { return r.closing }

// MarkClosing schedules the resource for removal with a reason. It
// reports whether this call was the first; later calls lose the race and
// must not emit a second Disconnected event.
func (r *Resource) MarkClosing(reason api.CloseReason) bool {
	if r.closing {
		return false
	}
	r.closing = true
	r.reason = reason
	return true
}

// Reason returns the close reason recorded by MarkClosing.
func (r *Resource) Reason() api.CloseReason { return r.reason }

// WriteArmed reports whether write-readiness interest is currently set on
// the poller for this resource.
func (r *Resource) WriteArmed() bool { return r.writeArmed }

// SetWriteArmed records the current write-interest state.
func (r *Resource) SetWriteArmed(v bool) { r.writeArmed = v }

// AddQueued adjusts the buffered-unsent byte count. Safe from any
// goroutine.
func (r *Resource) AddQueued(n int64) { r.queued.Add(n) }

// QueuedBytes returns the buffered-unsent byte count. Safe from any
// goroutine.
func (r *Resource) QueuedBytes() int64 { return r.queued.Load() }

// PushControl queues transport-level bytes ahead of application messages.
func (r *Resource) PushControl(wire []byte) {
	r.pri.Add(&Outbound{Wire: wire})
	r.queued.Add(int64(len(wire)))
}

// PushOutbound queues one framed application message. The byte count is
// not touched here: sends are charged via AddQueued when the engine
// accepts them, so the watermark covers commands still in flight.
func (r *Resource) PushOutbound(wire []byte, to net.Addr) {
	r.out.Add(&Outbound{Wire: wire, To: to})
}

// PeekSend returns the next unit eligible for flushing, or nil. Control
// bytes always flush; application messages wait for establishment.
func (r *Resource) PeekSend() *Outbound {
	if r.pri.Length() > 0 {
		return r.pri.Peek().(*Outbound)
	}
	if r.established && r.out.Length() > 0 {
		return r.out.Peek().(*Outbound)
	}
	return nil
}

// PopSend removes the unit last returned by PeekSend.
func (r *Resource) PopSend() {
	if r.pri.Length() > 0 {
		r.pri.Remove()
		return
	}
	r.out.Remove()
}

// HasListener reports whether this resource was accepted through a
// listener. Sequence numbers start at one, so the zero handle never names
// a real listener.
func (r *Resource) HasListener() bool { return r.listener.Resource() != 0 }

// HasPending reports whether any flushable unit is queued.
func (r *Resource) HasPending() bool { return r.PeekSend() != nil }

// ClearQueued drops all buffered units and zeroes the byte count. Called
// during close processing.
func (r *Resource) ClearQueued() {
	for r.pri.Length() > 0 {
		r.pri.Remove()
	}
	for r.out.Length() > 0 {
		r.out.Remove()
	}
	r.queued.Store(0)
}

// FD returns the underlying descriptor of either side.
func (r *Resource) FD() int {
	if r.remote != nil {
		return r.remote.FD()
	}
	return r.local.FD()
}
