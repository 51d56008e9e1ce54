// File: api/events.go
// Package api defines the event model produced by the evnet engine.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "fmt"

// EventKind tags the variants of Event.
type EventKind uint8

const (
	// EventConnected signals that an outbound connect completed (including
	// any transport handshake). Only produced for connection-oriented
	// transports.
	EventConnected EventKind = iota
	// EventAccepted signals a new inbound connection on a listener.
	EventAccepted
	// EventMessage carries one received payload.
	EventMessage
	// EventDisconnected signals that a connection resource was destroyed.
	// Produced exactly once per connection-oriented resource.
	EventDisconnected
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "Connected"
	case EventAccepted:
		return "Accepted"
	case EventMessage:
		return "Message"
	case EventDisconnected:
		return "Disconnected"
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// CloseReason explains why a Disconnected event was produced.
type CloseReason uint8

const (
	// ReasonGracefulClose: the peer closed cleanly or the application
	// requested the close.
	ReasonGracefulClose CloseReason = iota
	// ReasonPeerReset: the peer reset the connection.
	ReasonPeerReset
	// ReasonProtocolViolation: the peer sent data the transport framing
	// cannot recover from (for example an oversized frame header).
	ReasonProtocolViolation
	// ReasonIOError: a local I/O failure on the resource.
	ReasonIOError
)

func (r CloseReason) String() string {
	switch r {
	case ReasonGracefulClose:
		return "graceful close"
	case ReasonPeerReset:
		return "peer reset"
	case ReasonProtocolViolation:
		return "protocol violation"
	case ReasonIOError:
		return "io error"
	}
	return fmt.Sprintf("CloseReason(%d)", uint8(r))
}

// Event is the single tagged value the engine hands to the application.
// Field validity depends on Kind:
//
//	Connected:    Endpoint
//	Accepted:     Endpoint (new connection), Listener
//	Message:      Endpoint, Payload
//	Disconnected: Endpoint, Reason
type Event struct {
	Kind     EventKind
	Endpoint Endpoint
	Listener Endpoint
	Payload  []byte
	Reason   CloseReason
}

func (e Event) String() string {
	switch e.Kind {
	case EventAccepted:
		return fmt.Sprintf("Accepted(%s on %s)", e.Endpoint, e.Listener)
	case EventMessage:
		return fmt.Sprintf("Message(%s, %d bytes)", e.Endpoint, len(e.Payload))
	case EventDisconnected:
		return fmt.Sprintf("Disconnected(%s, %s)", e.Endpoint, e.Reason)
	default:
		return fmt.Sprintf("%s(%s)", e.Kind, e.Endpoint)
	}
}
