// File: adapters/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package adapters implements the per-transport resource factories: raw
// TCP, length-framed TCP, UDP (with automatic multicast membership), and
// WebSocket. All sockets are created non-blocking and are driven by the
// engine's readiness loop; no call in this package blocks on I/O.
//
// Socket plumbing goes through golang.org/x/sys/unix; the readiness
// backend itself (package reactor) is Linux epoll.
package adapters
