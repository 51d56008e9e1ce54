// File: protocol/wsframe.go
// Package protocol
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WebSocket (RFC 6455) frame encoding and incremental decoding. The engine
// enforces its own payload ceiling locally even though the protocol's
// 63-bit lengths would permit more, to bound memory use predictably.

package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
)

// WebSocket opcodes.
const (
	OpcodeContinuation = 0x0
	OpcodeText         = 0x1
	OpcodeBinary       = 0x2
	OpcodeClose        = 0x8
	OpcodePing         = 0x9
	OpcodePong         = 0xA
)

const (
	wsFinBit  = 0x80
	wsMaskBit = 0x80
	wsRsvMask = 0x70
)

// ErrReservedBits reports a frame using RSV bits without a negotiated
// extension.
var ErrReservedBits = errors.New("websocket frame uses reserved bits")

// ErrUnmaskedClientFrame reports a client-to-server frame without masking,
// which the protocol forbids.
var ErrUnmaskedClientFrame = errors.New("client frame is not masked")

// WSFrame is one decoded WebSocket frame.
type WSFrame struct {
	Final   bool
	Opcode  byte
	Masked  bool
	Payload []byte
}

// DecodeWSFrame parses one frame from the front of buf, unmasking the
// payload. It returns the frame and the bytes consumed. An incomplete
// frame returns (nil, 0, nil): keep the buffer and retry with more bytes.
// A payload above maxPayload is unrecoverable.
func DecodeWSFrame(buf []byte, maxPayload int) (*WSFrame, int, error) {
	if len(buf) < 2 {
		return nil, 0, nil
	}
	if buf[0]&wsRsvMask != 0 {
		return nil, 0, ErrReservedBits
	}
	fin := buf[0]&wsFinBit != 0
	opcode := buf[0] & 0x0F
	masked := buf[1]&wsMaskBit != 0
	length := int64(buf[1] & 0x7F)
	offset := 2

	switch length {
	case 126:
		if len(buf) < offset+2 {
			return nil, 0, nil
		}
		length = int64(binary.BigEndian.Uint16(buf[offset:]))
		offset += 2
	case 127:
		if len(buf) < offset+8 {
			return nil, 0, nil
		}
		u := binary.BigEndian.Uint64(buf[offset:])
		if u > uint64(maxPayload) {
			return nil, 0, fmt.Errorf("%w: declared %d > %d", ErrFrameTooLarge, u, maxPayload)
		}
		length = int64(u)
		offset += 8
	}
	if length > int64(maxPayload) {
		return nil, 0, fmt.Errorf("%w: declared %d > %d", ErrFrameTooLarge, length, maxPayload)
	}

	var maskKey [4]byte
	if masked {
		if len(buf) < offset+4 {
			return nil, 0, nil
		}
		copy(maskKey[:], buf[offset:offset+4])
		offset += 4
	}

	total := offset + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[offset:total])
	if masked {
		for i := range payload {
			payload[i] ^= maskKey[i%4]
		}
	}

	return &WSFrame{
		Final:   fin,
		Opcode:  opcode,
		Masked:  masked,
		Payload: payload,
	}, total, nil
}

// EncodeWSFrame serializes one frame. When mask is set (client role) a
// fresh random mask key is applied.
func EncodeWSFrame(opcode byte, payload []byte, final, mask bool) []byte {
	var b0 byte
	if final {
		b0 = wsFinBit
	}
	b0 |= opcode & 0x0F

	plen := len(payload)
	var hdr [10]byte
	var header []byte
	switch {
	case plen <= 125:
		header = hdr[:2]
		header[1] = byte(plen)
	case plen <= 0xFFFF:
		header = hdr[:4]
		header[1] = 126
		binary.BigEndian.PutUint16(header[2:], uint16(plen))
	default:
		header = hdr[:10]
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(plen))
	}
	header[0] = b0
	if mask {
		header[1] |= wsMaskBit
	}

	wire := make([]byte, 0, len(header)+4+plen)
	wire = append(wire, header...)
	if mask {
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			// crypto/rand never fails on supported platforms
			panic(fmt.Sprintf("protocol: mask key: %v", err))
		}
		wire = append(wire, key[:]...)
		start := len(wire)
		wire = append(wire, payload...)
		for i := 0; i < plen; i++ {
			wire[start+i] ^= key[i%4]
		}
		return wire
	}
	return append(wire, payload...)
}

// EncodeCloseFrame serializes a close frame carrying a status code.
func EncodeCloseFrame(code uint16, mask bool) []byte {
	var body [2]byte
	binary.BigEndian.PutUint16(body[:], code)
	return EncodeWSFrame(OpcodeClose, body[:], true, mask)
}
