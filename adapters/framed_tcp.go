// File: adapters/framed_tcp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Length-framed TCP adapter: TCP with packet semantics. Each message is
// wrapped in the protocol package's length prefix; the decoder state
// machine survives arbitrary chunking of the underlying stream.

package adapters

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/momentics/evnet/api"
	"github.com/momentics/evnet/protocol"
)

// MaxFramedTCPPayload is the hard ceiling on one framed message.
const MaxFramedTCPPayload = protocol.MaxFramePayload

// FramedTCPAdapter creates length-framed stream resources.
type FramedTCPAdapter struct{}

// NewFramedTCP returns the framed TCP adapter.
func NewFramedTCP() *FramedTCPAdapter { return &FramedTCPAdapter{} }

// Connect starts a non-blocking connect toward raddr.
func (a *FramedTCPAdapter) Connect(raddr string) (api.Remote, error) {
	rem, err := dialStream(raddr)
	if err != nil {
		return nil, err
	}
	return newFramedRemote(rem), nil
}

// Listen binds a framed stream listener on laddr.
func (a *FramedTCPAdapter) Listen(laddr string) (api.Local, error) {
	return listenStream(laddr, func(fd int, la, ra net.Addr) api.Remote {
		return newFramedRemote(&tcpRemote{fd: fd, laddr: la, raddr: ra, established: true})
	})
}

// framedRemote layers the frame decoder over a raw stream connection.
type framedRemote struct {
	*tcpRemote
	dec *protocol.FrameDecoder
}

func newFramedRemote(r *tcpRemote) *framedRemote {
	return &framedRemote{tcpRemote: r, dec: protocol.NewFrameDecoder(MaxFramedTCPPayload)}
}

// Receive drains the socket through the frame decoder. A declared length
// above the ceiling is unrecoverable: the stream cannot be resynchronized,
// so the connection is reported as a protocol violation with no Message
// emitted for the bad frame. A peer that disappears mid-frame produces no
// Message either; the partial state dies with the decoder.
func (r *framedRemote) Receive(buf []byte, sink api.Sink) api.ReadStatus {
	for {
		n, err := unix.Read(r.fd, buf)
		if n > 0 {
			if err := r.dec.Consume(buf[:n], sink.Message); err != nil {
				return api.ReadViolation
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

// Enframe wraps the payload in the length prefix as one contiguous unit.
func (r *framedRemote) Enframe(payload []byte) ([]byte, error) {
	wire, err := protocol.Enframe(payload, MaxFramedTCPPayload)
	if err != nil {
		return nil, api.ErrMessageTooLarge
	}
	return wire, nil
}
