// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Common error values shared across the evnet packages.

package api

import "errors"

var (
	// ErrMessageTooLarge: the payload exceeds the transport's hard ceiling.
	// Reported before any byte reaches the wire.
	ErrMessageTooLarge = errors.New("message exceeds transport ceiling")

	// ErrBusy: the endpoint's buffered-unsent bytes are above the engine
	// watermark. Recoverable; the caller should retry later.
	ErrBusy = errors.New("send queue above watermark")

	// ErrUnknownEndpoint: the endpoint does not address a live resource.
	ErrUnknownEndpoint = errors.New("unknown endpoint")

	// ErrWouldBlock: a non-blocking operation cannot complete now.
	// Internal to the adapter/engine boundary.
	ErrWouldBlock = errors.New("operation would block")

	// ErrEngineClosed: the engine has been stopped or closed.
	ErrEngineClosed = errors.New("engine closed")

	// ErrNotSupported: the resource does not support the operation
	// (for example a reply-send on a stream listener).
	ErrNotSupported = errors.New("operation not supported")
)
