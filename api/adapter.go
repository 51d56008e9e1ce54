// File: api/adapter.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The adapter contract every transport implementation satisfies. Adapters
// are stateless factories: connection state lives in the Remote and Local
// values they produce, which are owned and driven exclusively by one
// engine readiness loop.

package api

import "net"

// ReadStatus is the outcome of draining a readable resource.
type ReadStatus uint8

const (
	// ReadMore: the socket is drained; wait for the next readiness signal.
	ReadMore ReadStatus = iota
	// ReadClosed: the peer closed the connection cleanly.
	ReadClosed
	// ReadReset: the peer reset the connection or a read failed.
	ReadReset
	// ReadViolation: the byte stream cannot be resynchronized; the
	// connection must be closed with a protocol-violation reason.
	ReadViolation
)

// Sink receives the products of one readiness wake, in order. All callbacks
// run on the engine loop and must not block.
type Sink struct {
	// Opened is invoked once when a handshaking transport becomes ready to
	// carry messages. Transports without a post-connect handshake never
	// call it.
	Opened func()

	// Message delivers one decoded application payload. The slice is owned
	// by the receiver.
	Message func(payload []byte)

	// Control queues transport-level bytes (handshake replies, pongs) on
	// the resource's ordered send path, ahead of application messages.
	Control func(wire []byte)
}

// Remote is one connection resource: the socket plus adapter-private
// read/write state such as a partial-frame buffer. Not safe for concurrent
// use; the engine loop is the only caller.
type Remote interface {
	// FD returns the underlying OS file descriptor.
	FD() int

	// LocalAddr returns the locally bound address, or nil while a
	// non-blocking connect is still in flight.
	LocalAddr() net.Addr

	// PeerAddr returns the peer address.
	PeerAddr() net.Addr

	// Connecting reports whether the initial non-blocking connect has not
	// completed yet. Completion is signaled by write readiness.
	Connecting() bool

	// Established reports whether the resource is ready to carry messages.
	// For handshaking transports this stays false until the handshake is
	// done.
	Established() bool

	// FinishConnect finalizes a pending connect after the first write
	// readiness. It may return opening bytes (for example a WebSocket
	// upgrade request) that the engine queues ahead of application sends.
	FinishConnect() (opening []byte, err error)

	// Receive drains the socket using buf as scratch space, decoding into
	// sink until the read would block.
	Receive(buf []byte, sink Sink) ReadStatus

	// Enframe wraps an application payload in the transport's wire framing
	// as one contiguous unit. Must be callable from any goroutine.
	Enframe(payload []byte) ([]byte, error)

	// Write performs one non-blocking write and returns the bytes written.
	// A full socket buffer is reported as ErrWouldBlock.
	Write(b []byte) (int, error)

	// Close releases the OS resource.
	Close() error
}

// Local is one listener resource.
type Local interface {
	// FD returns the underlying OS file descriptor.
	FD() int

	// BoundAddr returns the actual bound address (with the resolved port).
	BoundAddr() net.Addr

	// Accept drains the pending-connection backlog, invoking emit once per
	// new connection, until the accept would block. The emitted Remote may
	// still be handshaking (Established false).
	Accept(emit func(Remote)) error

	// Close releases the OS resource.
	Close() error
}

// PacketLocal is implemented by connectionless listeners. Arriving
// datagrams are tagged with the sender address, which is only valid as a
// reply target.
type PacketLocal interface {
	Local

	// ReceiveFrom drains pending datagrams using buf as scratch space,
	// invoking emit once per datagram, until the read would block.
	ReceiveFrom(buf []byte, emit func(payload []byte, from net.Addr)) error

	// WriteTo sends one datagram to addr without blocking.
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Adapter is the per-transport factory. One instance exists per mounted
// transport id; it holds no connection state of its own. The id itself
// lives in the registry slot the adapter is mounted into.
type Adapter interface {
	// Connect opens a non-blocking outbound resource toward raddr.
	// Resource creation is synchronous; completion may be pending.
	Connect(raddr string) (Remote, error)

	// Listen binds a local resource on laddr.
	Listen(laddr string) (Local, error)
}
