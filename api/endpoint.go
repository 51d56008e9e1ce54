// File: api/endpoint.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import (
	"fmt"
	"net"
)

// ResourceRole distinguishes listener resources from connection resources.
type ResourceRole uint8

const (
	// RoleRemote identifies a connection resource (outbound or accepted).
	RoleRemote ResourceRole = iota
	// RoleLocal identifies a listener resource.
	RoleLocal
)

// ResourceID is a stable opaque handle for one live resource.
//
// Layout: the high 8 bits carry the adapter id, the next bit the role, and
// the low 55 bits a per-engine monotonic sequence number. Sequence numbers
// are never recycled, so a ResourceID observed by the application can never
// silently start addressing a different resource.
type ResourceID uint64

const (
	ridAdapterShift = 56
	ridRoleShift    = 55
	ridSeqMask      = (uint64(1) << ridRoleShift) - 1
)

// MakeResourceID packs an adapter id, role and sequence number into a handle.
func MakeResourceID(adapter uint8, role ResourceRole, seq uint64) ResourceID {
	v := uint64(adapter) << ridAdapterShift
	if role == RoleLocal {
		v |= uint64(1) << ridRoleShift
	}
	return ResourceID(v | (seq & ridSeqMask))
}

// Adapter extracts the adapter id routing key.
func (r ResourceID) Adapter() uint8 {
	return uint8(uint64(r) >> ridAdapterShift)
}

// Role reports whether the handle addresses a listener or a connection.
func (r ResourceID) Role() ResourceRole {
	if uint64(r)>>ridRoleShift&1 == 1 {
		return RoleLocal
	}
	return RoleRemote
}

// Seq extracts the monotonic sequence number.
func (r ResourceID) Seq() uint64 {
	return uint64(r) & ridSeqMask
}

func (r ResourceID) String() string {
	role := "R"
	if r.Role() == RoleLocal {
		role = "L"
	}
	return fmt.Sprintf("%d.%s.%d", r.Adapter(), role, r.Seq())
}

// Endpoint addresses one live resource plus, for connectionless transports,
// the ephemeral peer a datagram arrived from. Endpoints are plain values and
// safe to copy and share across goroutines.
type Endpoint struct {
	rid  ResourceID
	addr net.Addr
}

// NewEndpoint builds an Endpoint for a resource and its peer address.
func NewEndpoint(rid ResourceID, addr net.Addr) Endpoint {
	return Endpoint{rid: rid, addr: addr}
}

// Resource returns the handle of the resource this endpoint addresses.
func (e Endpoint) Resource() ResourceID { return e.rid }

// Addr returns the peer address associated with the endpoint. For listener
// endpoints this is the bound address; for datagram reply endpoints it is
// the sender of the datagram.
func (e Endpoint) Addr() net.Addr { return e.addr }

func (e Endpoint) String() string {
	if e.addr == nil {
		return e.rid.String()
	}
	return fmt.Sprintf("%s@%s", e.rid, e.addr)
}
