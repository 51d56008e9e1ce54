// File: adapters/udp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// UDP adapter. Connectionless: no Connected/Disconnected events are
// meaningful, each datagram is exactly one Message. A listener bound to an
// IPv4 multicast address (224.0.0.0-239.255.255.255) joins the group and
// enables address/port reuse so several listeners may share it.

package adapters

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/momentics/evnet/api"
)

// MaxUDPPayload is the largest datagram payload: 65535 minus the IPv4 and
// UDP headers.
const MaxUDPPayload = 65535 - 20 - 8

// UDPAdapter creates datagram resources.
type UDPAdapter struct{}

// NewUDP returns the UDP adapter.
func NewUDP() *UDPAdapter { return &UDPAdapter{} }

// Connect creates a connected datagram socket toward raddr. Datagram
// connects complete immediately; the resource is usable at once and no
// Connected event will follow.
func (a *UDPAdapter) Connect(raddr string) (api.Remote, error) {
	ua, err := net.ResolveUDPAddr("udp", raddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", raddr, err)
	}
	sa, err := toSockaddr(ua.IP, ua.Port)
	if err != nil {
		return nil, err
	}
	fd, err := newSocket(family(ua.IP), unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}
	if err := unix.Connect(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", raddr, err)
	}
	return &udpRemote{fd: fd, raddr: ua, laddr: localUDPAddr(fd)}, nil
}

// Listen binds a datagram listener on laddr, joining the multicast group
// when the bind address calls for it.
func (a *UDPAdapter) Listen(laddr string) (api.Local, error) {
	ua, err := net.ResolveUDPAddr("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", laddr, err)
	}
	sa, err := toSockaddr(ua.IP, ua.Port)
	if err != nil {
		return nil, err
	}
	fd, err := newSocket(family(ua.IP), unix.SOCK_DGRAM)
	if err != nil {
		return nil, err
	}
	if group := multicastIPv4(ua.IP); group != nil {
		// Address/port reuse first, so multiple listeners can share the
		// group, then the bind, then the membership.
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		if err := unix.Bind(fd, sa); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("bind %s: %w", laddr, err)
		}
		mreq := &unix.IPMreq{}
		copy(mreq.Multiaddr[:], group)
		if err := unix.SetsockoptIPMreq(fd, unix.IPPROTO_IP, unix.IP_ADD_MEMBERSHIP, mreq); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("join multicast %s: %w", group, err)
		}
	} else if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", laddr, err)
	}
	return &udpLocal{fd: fd, bound: localUDPAddr(fd)}, nil
}

// multicastIPv4 returns the 4-byte group address when ip falls inside
// 224.0.0.0-239.255.255.255, else nil. The range check is part of the
// engine's contract: exactly the IPv4 class D block triggers membership.
func multicastIPv4(ip net.IP) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	if ip4[0] < 224 || ip4[0] > 239 {
		return nil
	}
	return ip4
}

// udpRemote is a connected datagram socket.
type udpRemote struct {
	fd    int
	laddr net.Addr
	raddr net.Addr
}

func (r *udpRemote) FD() int             { return r.fd }
func (r *udpRemote) LocalAddr() net.Addr { return r.laddr }
func (r *udpRemote) PeerAddr() net.Addr  { return r.raddr }
func (r *udpRemote) Connecting() bool    { return false }
func (r *udpRemote) Established() bool   { return true }

func (r *udpRemote) FinishConnect() ([]byte, error) { return nil, nil }

// Receive drains pending datagrams, one Message each. Zero-length
// datagrams are legal and distinct from stream EOF.
func (r *udpRemote) Receive(buf []byte, sink api.Sink) api.ReadStatus {
	for {
		n, err := unix.Read(r.fd, buf)
		if err == nil {
			msg := make([]byte, n)
			copy(msg, buf[:n])
			sink.Message(msg)
			continue
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return api.ReadMore
		case unix.ECONNREFUSED:
			// ICMP unreachable from a previous send; the socket stays
			// usable.
			continue
		default:
			return api.ReadReset
		}
	}
}

// Enframe adds no framing for datagrams; the copy hands ownership of the
// bytes to the send path.
func (r *udpRemote) Enframe(payload []byte) ([]byte, error) {
	if len(payload) > MaxUDPPayload {
		return nil, api.ErrMessageTooLarge
	}
	return append([]byte(nil), payload...), nil
}

// Write sends one datagram. Datagram writes never split: either the whole
// payload is queued by the kernel or nothing is.
func (r *udpRemote) Write(b []byte) (int, error) {
	for {
		n, err := unix.Write(r.fd, b)
		switch err {
		case nil:
			return n, nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, api.ErrWouldBlock
		default:
			return 0, fmt.Errorf("write: %w", err)
		}
	}
}

func (r *udpRemote) Close() error { return unix.Close(r.fd) }

// udpLocal is a datagram listener. It implements PacketLocal: arriving
// datagrams carry the sender address, valid only as a reply target.
type udpLocal struct {
	fd    int
	bound net.Addr
}

func (l *udpLocal) FD() int             { return l.fd }
func (l *udpLocal) BoundAddr() net.Addr { return l.bound }

// Accept never applies to datagram listeners.
func (l *udpLocal) Accept(emit func(api.Remote)) error {
	return api.ErrNotSupported
}

// ReceiveFrom drains pending datagrams with their sender addresses.
func (l *udpLocal) ReceiveFrom(buf []byte, emit func(payload []byte, from net.Addr)) error {
	for {
		n, sa, err := unix.Recvfrom(l.fd, buf, 0)
		if err == nil {
			msg := make([]byte, n)
			copy(msg, buf[:n])
			emit(msg, fromSockaddrUDP(sa))
			continue
		}
		switch err {
		case unix.EINTR, unix.ECONNREFUSED:
			continue
		case unix.EAGAIN:
			return nil
		default:
			return fmt.Errorf("recvfrom: %w", err)
		}
	}
}

// WriteTo sends one datagram to addr.
func (l *udpLocal) WriteTo(b []byte, addr net.Addr) (int, error) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok {
		return 0, api.ErrNotSupported
	}
	sa, err := toSockaddr(ua.IP, ua.Port)
	if err != nil {
		return 0, err
	}
	for {
		err := unix.Sendto(l.fd, b, 0, sa)
		switch err {
		case nil:
			return len(b), nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return 0, api.ErrWouldBlock
		default:
			return 0, fmt.Errorf("sendto: %w", err)
		}
	}
}

func (l *udpLocal) Close() error { return unix.Close(l.fd) }
