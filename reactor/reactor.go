// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral readiness multiplexer interface. One reactor backs one
// engine readiness loop; Wait dispatches callbacks on the calling
// goroutine, so all readiness handling stays on the loop thread.

package reactor

import (
	"errors"
	"time"
)

// ErrUnsupportedPlatform is returned by New on platforms without a
// readiness backend.
var ErrUnsupportedPlatform = errors.New("reactor: unsupported platform")

// Interest selects which readiness transitions a descriptor is watched for.
type Interest uint8

const (
	// Readable requests read-readiness notification.
	Readable Interest = 1 << iota
	// Writable requests write-readiness notification.
	Writable
)

// Readiness describes one descriptor's state at wake time.
type Readiness struct {
	Readable bool
	Writable bool
	// Err covers error and hang-up conditions reported by the OS.
	Err bool
}

// Callback handles one readiness notification. It runs on the goroutine
// calling Wait and must not block.
type Callback func(Readiness)

// Reactor is an edge-triggered readiness multiplexer. Registration and
// wakeup are safe from any goroutine; Wait must be called from exactly one.
type Reactor interface {
	// Register starts watching fd with the given interest.
	Register(fd int, interest Interest, cb Callback) error

	// Modify replaces the interest set of a registered fd.
	Modify(fd int, interest Interest) error

	// Unregister stops watching fd.
	Unregister(fd int) error

	// Wait blocks until readiness or timeout, dispatching callbacks, and
	// returns the number of descriptors handled. A negative timeout blocks
	// indefinitely; the engine always bounds it to keep timer work running.
	Wait(timeout time.Duration) (int, error)

	// Wakeup forces a concurrent Wait to return early. Wakeups are not
	// lost if no Wait is in progress.
	Wakeup() error

	// Close releases the multiplexer.
	Close() error
}
