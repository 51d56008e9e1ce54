// File: protocol/frame.go
// Package protocol implements the wire codecs that give stream transports
// packet semantics, with frame size enforcement.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Wire format: a 4-byte big-endian unsigned length prefix followed by
// exactly that many payload bytes. The prefix width, byte order and the
// payload ceiling are part of the wire contract and must not be tuned.

package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// FrameHeaderLen is the fixed width of the length prefix.
const FrameHeaderLen = 4

// MaxFramePayload is the hard ceiling on a single framed payload.
const MaxFramePayload = 1 << 20 // 1 MiB

// ErrFrameTooLarge reports a frame whose declared or requested length
// exceeds the ceiling. On decode the stream cannot be resynchronized.
var ErrFrameTooLarge = errors.New("frame payload exceeds maximum allowed size")

// Enframe wraps payload in a length prefix as one contiguous unit, so the
// send path's ordering guarantee keeps prefix and payload adjacent in the
// peer's reconstructed stream. Oversized payloads are rejected, never
// truncated.
func Enframe(payload []byte, max int) ([]byte, error) {
	if len(payload) > max {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), max)
	}
	wire := make([]byte, FrameHeaderLen+len(payload))
	binary.BigEndian.PutUint32(wire, uint32(len(payload)))
	copy(wire[FrameHeaderLen:], payload)
	return wire, nil
}

// DecoderState is the explicit position of a FrameDecoder between chunks,
// so the readiness loop can re-enter it after any interleaving of reads.
type DecoderState uint8

const (
	// AwaitingHeader: accumulating the length prefix.
	AwaitingHeader DecoderState = iota
	// AwaitingBody: the prefix is complete; accumulating payload bytes.
	AwaitingBody
)

// FrameDecoder reassembles frames from arbitrarily chunked stream bytes.
// Surplus bytes belonging to the next frame are carried over without loss
// or duplication. Not safe for concurrent use.
type FrameDecoder struct {
	state  DecoderState
	header [FrameHeaderLen]byte
	have   int // header bytes accumulated
	need   int // declared payload length
	body   []byte
	max    int
}

// NewFrameDecoder returns a decoder enforcing the given payload ceiling.
func NewFrameDecoder(max int) *FrameDecoder {
	if max <= 0 || max > MaxFramePayload {
		max = MaxFramePayload
	}
	return &FrameDecoder{max: max}
}

// State exposes the decoder position, mainly for tests and diagnostics.
func (d *FrameDecoder) State() DecoderState { return d.state }

// Buffered reports how many bytes of the current partial frame are held.
func (d *FrameDecoder) Buffered() int {
	if d.state == AwaitingHeader {
		return d.have
	}
	return FrameHeaderLen + len(d.body)
}

// Consume feeds one chunk through the state machine, invoking emit once
// per completed frame. A declared length above the ceiling returns
// ErrFrameTooLarge; the connection must then be closed, since no further
// byte of the stream can be trusted.
func (d *FrameDecoder) Consume(chunk []byte, emit func(payload []byte)) error {
	for len(chunk) > 0 {
		switch d.state {
		case AwaitingHeader:
			n := copy(d.header[d.have:], chunk)
			d.have += n
			chunk = chunk[n:]
			if d.have < FrameHeaderLen {
				return nil
			}
			declared := int(binary.BigEndian.Uint32(d.header[:]))
			if declared > d.max {
				return fmt.Errorf("%w: declared %d > %d", ErrFrameTooLarge, declared, d.max)
			}
			d.have = 0
			d.need = declared
			if declared == 0 {
				emit(nil)
				continue
			}
			d.state = AwaitingBody
			d.body = make([]byte, 0, declared)

		case AwaitingBody:
			take := d.need - len(d.body)
			if take > len(chunk) {
				take = len(chunk)
			}
			d.body = append(d.body, chunk[:take]...)
			chunk = chunk[take:]
			if len(d.body) == d.need {
				payload := d.body
				d.body = nil
				d.need = 0
				d.state = AwaitingHeader
				emit(payload)
			}
		}
	}
	return nil
}
