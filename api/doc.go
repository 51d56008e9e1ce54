// File: api/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package api defines the contracts shared by every layer of evnet: the
// event model consumed by applications, the Endpoint handles that address
// live resources, and the adapter interfaces each transport implements.
//
// Nothing in this package performs I/O. The engine package drives adapters
// through these interfaces from its readiness loop.
package api
