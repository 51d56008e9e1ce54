// File: adapters/ws.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WebSocket adapter: an opening handshake over a raw stream, then
// packet-based binary messages. The payload ceiling is enforced locally
// even though the protocol's length fields would permit more.

package adapters

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/momentics/evnet/api"
	"github.com/momentics/evnet/protocol"
)

// MaxWSPayload is the locally enforced ceiling on one WebSocket message.
const MaxWSPayload = 1 << 20 // 1 MiB

// wsPhase is the explicit position of a WebSocket connection's state
// machine, so the readiness loop can re-enter it after any interleaving
// of events.
type wsPhase uint8

const (
	wsHandshaking wsPhase = iota
	wsOpen
)

// WSAdapter creates WebSocket resources.
type WSAdapter struct{}

// NewWS returns the WebSocket adapter.
func NewWS() *WSAdapter { return &WSAdapter{} }

// Connect starts a non-blocking connect; the upgrade request is produced
// by FinishConnect once the stream connect completes.
func (a *WSAdapter) Connect(raddr string) (api.Remote, error) {
	rem, err := dialStream(raddr)
	if err != nil {
		return nil, err
	}
	return &wsRemote{tcpRemote: rem, client: true}, nil
}

// Listen binds a stream listener whose accepted connections expect a
// client upgrade request before any message flows.
func (a *WSAdapter) Listen(laddr string) (api.Local, error) {
	return listenStream(laddr, func(fd int, la, ra net.Addr) api.Remote {
		return &wsRemote{
			tcpRemote: &tcpRemote{fd: fd, laddr: la, raddr: ra},
		}
	})
}

// wsRemote is one WebSocket connection. Owned by the engine loop.
type wsRemote struct {
	*tcpRemote
	client bool

	phase      wsPhase
	wantAccept string // client: expected Sec-WebSocket-Accept
	hsBuf      []byte // handshake header accumulation
	frameBuf   []byte // frame reassembly across reads
	fragBuf    []byte // accumulated fragmented-message payload
	fragActive bool
	closeSent  bool
}

// Established reports readiness to carry messages: only after the opening
// handshake, not merely after the stream connect.
func (w *wsRemote) Established() bool { return w.phase == wsOpen }

// FinishConnect completes the stream connect and emits the upgrade
// request as opening bytes for the engine's priority send path.
func (w *wsRemote) FinishConnect() ([]byte, error) {
	if _, err := w.tcpRemote.FinishConnect(); err != nil {
		return nil, err
	}
	key := protocol.NewClientKey()
	w.wantAccept = protocol.AcceptKey(key)
	return protocol.BuildClientRequest(w.host, protocol.DefaultWSPath, key), nil
}

// Receive drains the socket through the handshake and frame state
// machines.
func (w *wsRemote) Receive(buf []byte, sink api.Sink) api.ReadStatus {
	for {
		n, err := unix.Read(w.fd, buf)
		if n > 0 {
			if st := w.consume(buf[:n], sink); st != api.ReadMore {
				return st
			}
			continue
		}
		if n == 0 && err == nil {
			return api.ReadClosed
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return api.ReadMore
		default:
			return api.ReadReset
		}
	}
}

func (w *wsRemote) consume(chunk []byte, sink api.Sink) api.ReadStatus {
	if w.phase == wsHandshaking {
		w.hsBuf = append(w.hsBuf, chunk...)
		if len(w.hsBuf) > protocol.MaxHandshakeBytes {
			return api.ReadViolation
		}
		end := protocol.HeaderEnd(w.hsBuf)
		if end < 0 {
			return api.ReadMore
		}
		header, rest := w.hsBuf[:end], w.hsBuf[end:]
		if w.client {
			if err := protocol.ParseServerResponse(header, w.wantAccept); err != nil {
				return api.ReadViolation
			}
		} else {
			accept, err := protocol.ParseClientRequest(header)
			if err != nil {
				return api.ReadViolation
			}
			sink.Control(protocol.BuildServerResponse(accept))
		}
		w.phase = wsOpen
		w.hsBuf = nil
		sink.Opened()
		chunk = rest
		if len(chunk) == 0 {
			return api.ReadMore
		}
	}

	w.frameBuf = append(w.frameBuf, chunk...)
	for {
		f, consumed, err := protocol.DecodeWSFrame(w.frameBuf, MaxWSPayload)
		if err != nil {
			return api.ReadViolation
		}
		if f == nil {
			if len(w.frameBuf) == 0 {
				w.frameBuf = nil
			}
			return api.ReadMore
		}
		w.frameBuf = w.frameBuf[consumed:]
		if st := w.handleFrame(f, sink); st != api.ReadMore {
			return st
		}
	}
}

func (w *wsRemote) handleFrame(f *protocol.WSFrame, sink api.Sink) api.ReadStatus {
	// Data frames must be masked client-to-server and unmasked
	// server-to-client.
	if f.Opcode < protocol.OpcodeClose && f.Masked == w.client {
		return api.ReadViolation
	}

	switch f.Opcode {
	case protocol.OpcodeContinuation:
		if !w.fragActive {
			return api.ReadViolation
		}
		if len(w.fragBuf)+len(f.Payload) > MaxWSPayload {
			return api.ReadViolation
		}
		w.fragBuf = append(w.fragBuf, f.Payload...)
		if f.Final {
			msg := w.fragBuf
			w.fragBuf = nil
			w.fragActive = false
			sink.Message(msg)
		}
		return api.ReadMore

	case protocol.OpcodeText, protocol.OpcodeBinary:
		if w.fragActive {
			return api.ReadViolation
		}
		if f.Final {
			sink.Message(f.Payload)
			return api.ReadMore
		}
		w.fragBuf = append([]byte(nil), f.Payload...)
		w.fragActive = true
		return api.ReadMore

	case protocol.OpcodePing:
		sink.Control(protocol.EncodeWSFrame(protocol.OpcodePong, f.Payload, true, w.client))
		return api.ReadMore

	case protocol.OpcodePong:
		return api.ReadMore

	case protocol.OpcodeClose:
		if !w.closeSent {
			w.closeSent = true
			sink.Control(protocol.EncodeCloseFrame(1000, w.client))
		}
		return api.ReadClosed

	default:
		return api.ReadViolation
	}
}

// Enframe encodes the payload as one binary message, masked in the client
// role.
func (w *wsRemote) Enframe(payload []byte) ([]byte, error) {
	if len(payload) > MaxWSPayload {
		return nil, api.ErrMessageTooLarge
	}
	return protocol.EncodeWSFrame(protocol.OpcodeBinary, payload, true, w.client), nil
}
