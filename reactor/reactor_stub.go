//go:build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package reactor - stub for platforms without a readiness backend.

package reactor

// New reports that no reactor backend exists for this platform.
func New() (Reactor, error) {
	return nil, ErrUnsupportedPlatform
}
