// File: adapters/sockaddr.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Address conversion helpers between net addresses and unix sockaddrs,
// plus non-blocking socket creation.

package adapters

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// family selects the socket family for an IP. A nil IP (wildcard bind)
// maps to IPv4.
func family(ip net.IP) int {
	if ip == nil || ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

// toSockaddr converts an IP/port pair into a unix sockaddr.
func toSockaddr(ip net.IP, port int) (unix.Sockaddr, error) {
	if ip == nil {
		return &unix.SockaddrInet4{Port: port}, nil
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	if ip16 := ip.To16(); ip16 != nil {
		sa := &unix.SockaddrInet6{Port: port}
		copy(sa.Addr[:], ip16)
		return sa, nil
	}
	return nil, fmt.Errorf("adapters: unrepresentable address %s", ip)
}

// fromSockaddrTCP converts a sockaddr into a *net.TCPAddr.
func fromSockaddrTCP(sa unix.Sockaddr) *net.TCPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]).To16(), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return nil
}

// fromSockaddrUDP converts a sockaddr into a *net.UDPAddr.
func fromSockaddrUDP(sa unix.Sockaddr) *net.UDPAddr {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]).To16(), Port: a.Port}
	case *unix.SockaddrInet6:
		return &net.UDPAddr{IP: net.IP(a.Addr[:]), Port: a.Port}
	}
	return nil
}

// newSocket creates a non-blocking close-on-exec socket.
func newSocket(fam, typ int) (int, error) {
	fd, err := unix.Socket(fam, typ, 0)
	if err != nil {
		return -1, fmt.Errorf("socket create: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set nonblock: %w", err)
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

// localTCPAddr reads back the bound address of a stream socket.
func localTCPAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return fromSockaddrTCP(sa)
}

// localUDPAddr reads back the bound address of a datagram socket.
func localUDPAddr(fd int) net.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return fromSockaddrUDP(sa)
}
