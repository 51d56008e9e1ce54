// File: transport/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package transport declares the closed set of transports the engine can
// drive and the capability descriptor of each one. The set is fixed:
// adding a variant extends numTransports and forces every switch in this
// package to be revisited at build time.
package transport

import (
	"fmt"

	"github.com/momentics/evnet/adapters"
)

// Transport identifies the underlying protocol of a connection or
// listener. Pass it to Engine.Connect and Engine.Listen.
type Transport uint8

const (
	// Tcp is the raw stream protocol. Receiving a message does not imply
	// reading one entire peer send; boundaries are the caller's problem.
	// Use FramedTcp for packet semantics over TCP.
	Tcp Transport = iota

	// FramedTcp is TCP with a slim length-prefixed frame layer, so data is
	// managed as packets instead of as a stream.
	FramedTcp

	// Udp is the datagram protocol. Not connection oriented; packets can
	// be lost or reordered. A listener bound to an IPv4 address inside
	// 224.0.0.0-239.255.255.255 is configured in multicast mode.
	Udp

	// Ws is the WebSocket protocol: an opening handshake over a stream,
	// then packet-based binary messages.
	Ws

	numTransports
)

// Count is the number of declared transports.
const Count = int(numTransports)

// All returns every declared transport in declaration order.
func All() []Transport {
	return []Transport{Tcp, FramedTcp, Udp, Ws}
}

// FromID maps an adapter id back to its transport.
func FromID(id uint8) (Transport, bool) {
	if int(id) >= Count {
		return 0, false
	}
	return Transport(id), true
}

// ID returns the adapter id used for this transport: its position in the
// declaration order. The id is an internal routing key only; it is never
// persisted or sent on the wire.
func (t Transport) ID() uint8 { return uint8(t) }

// MaxMessageSize is the hard ceiling on a single logical payload for this
// transport. For stream transports it is the maximum bytes a single read
// event can produce. The values are part of the wire contract.
func (t Transport) MaxMessageSize() int {
	switch t {
	case Tcp:
		return adapters.TCPInputBufferSize
	case FramedTcp:
		return adapters.MaxFramedTCPPayload
	case Udp:
		return adapters.MaxUDPPayload
	case Ws:
		return adapters.MaxWSPayload
	}
	panic(fmt.Sprintf("transport: unknown transport %d", uint8(t)))
}

// IsConnectionOriented reports whether Connected and Disconnected events
// are meaningful for this transport.
func (t Transport) IsConnectionOriented() bool {
	switch t {
	case Tcp, FramedTcp, Ws:
		return true
	case Udp:
		return false
	}
	panic(fmt.Sprintf("transport: unknown transport %d", uint8(t)))
}

// IsPacketBased reports whether one send corresponds to exactly one
// received message on the peer. Stream transports (Tcp) leave message
// reconstruction to the caller.
func (t Transport) IsPacketBased() bool {
	switch t {
	case FramedTcp, Udp, Ws:
		return true
	case Tcp:
		return false
	}
	panic(fmt.Sprintf("transport: unknown transport %d", uint8(t)))
}

// Mount binds this transport's adapter into the registry. This is the only
// place a Transport touches engine state.
func (t Transport) Mount(r *Registry) error {
	switch t {
	case Tcp:
		return r.Mount(t.ID(), adapters.NewTCP())
	case FramedTcp:
		return r.Mount(t.ID(), adapters.NewFramedTCP())
	case Udp:
		return r.Mount(t.ID(), adapters.NewUDP())
	case Ws:
		return r.Mount(t.ID(), adapters.NewWS())
	}
	panic(fmt.Sprintf("transport: unknown transport %d", uint8(t)))
}

func (t Transport) String() string {
	switch t {
	case Tcp:
		return "Tcp"
	case FramedTcp:
		return "FramedTcp"
	case Udp:
		return "Udp"
	case Ws:
		return "Ws"
	}
	return fmt.Sprintf("Transport(%d)", uint8(t))
}
