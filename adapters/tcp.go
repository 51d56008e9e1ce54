// File: adapters/tcp.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw TCP adapter. Stream semantics: a Message event carries whatever
// chunk one read produced; boundaries are the caller's responsibility.

package adapters

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/momentics/evnet/api"
)

// TCPInputBufferSize is the read-chunk ceiling for raw TCP: the maximum
// bytes a single Message event can carry.
const TCPInputBufferSize = 1 << 16 // 64 KiB

// TCPAdapter creates raw stream resources.
type TCPAdapter struct{}

// NewTCP returns the raw TCP adapter.
func NewTCP() *TCPAdapter { return &TCPAdapter{} }

// Connect starts a non-blocking connect toward raddr.
func (a *TCPAdapter) Connect(raddr string) (api.Remote, error) {
	rem, err := dialStream(raddr)
	if err != nil {
		return nil, err
	}
	return rem, nil
}

// Listen binds a stream listener on laddr.
func (a *TCPAdapter) Listen(laddr string) (api.Local, error) {
	return listenStream(laddr, func(fd int, la, ra net.Addr) api.Remote {
		return &tcpRemote{fd: fd, laddr: la, raddr: ra, established: true}
	})
}

// tcpRemote is one raw stream connection. Owned by the engine loop.
type tcpRemote struct {
	fd          int
	laddr       net.Addr
	raddr       net.Addr
	host        string // dial target, kept for handshaking transports
	connecting  bool
	established bool
}

// dialStream creates a non-blocking socket and initiates the connect. The
// remote always starts in the connecting state: completion, including the
// immediate-success case, is observed uniformly through the first write
// readiness.
func dialStream(raddr string) (*tcpRemote, error) {
	ta, err := net.ResolveTCPAddr("tcp", raddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", raddr, err)
	}
	sa, err := toSockaddr(ta.IP, ta.Port)
	if err != nil {
		return nil, err
	}
	fd, err := newSocket(family(ta.IP), unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", raddr, err)
	}
	return &tcpRemote{fd: fd, raddr: ta, host: raddr, connecting: true}, nil
}

func (r *tcpRemote) FD() int { return r.fd }

func (r *tcpRemote) LocalAddr() net.Addr {
	if r.laddr == nil {
		r.laddr = localTCPAddr(r.fd)
	}
	return r.laddr
}

func (r *tcpRemote) PeerAddr() net.Addr { return r.raddr }

func (r *tcpRemote) Connecting() bool { return r.connecting }

func (r *tcpRemote) Established() bool { return r.established }

// FinishConnect resolves the pending connect after write readiness.
func (r *tcpRemote) FinishConnect() ([]byte, error) {
	soerr, err := unix.GetsockoptInt(r.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return nil, fmt.Errorf("so_error: %w", err)
	}
	if soerr != 0 {
		return nil, fmt.Errorf("connect %s: %w", r.raddr, unix.Errno(soerr))
	}
	r.connecting = false
	r.established = true
	r.laddr = localTCPAddr(r.fd)
	return nil, nil
}

// Receive drains the socket, emitting each read chunk as one Message.
func (r *tcpRemote) Receive(buf []byte, sink api.Sink) api.ReadStatus {
	if len(buf) > TCPInputBufferSize {
		buf = buf[:TCPInputBufferSize]
	}
	for {
		n, err := unix.Read(r.fd, buf)
		if n > 0 {
			msg := make([]byte, n)
			copy(msg, buf[:n])
			sink.Message(msg)
			continue
		}
		if n == 0 && err == nil {
			return api.ReadClosed
		}
		switch err {
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			return api.ReadMore
		case unix.ECONNRESET, unix.EPIPE:
			return api.ReadReset
		default:
			return api.ReadReset
		}
	}
}

// Enframe adds no framing for raw streams; the copy hands ownership of
// the bytes to the send path.
func (r *tcpRemote) Enframe(payload []byte) ([]byte, error) {
	if len(payload) > TCPInputBufferSize {
		return nil, api.ErrMessageTooLarge
	}
	return append([]byte(nil), payload...), nil
}

// Write performs one non-blocking write.
func (r *tcpRemote) Write(b []byte) (int, error) {
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

func (r *tcpRemote) Close() error { return unix.Close(r.fd) }

// streamLocal is a stream listener parameterized by the connection wrapper
// its adapter uses, so framed and WebSocket listeners share the accept
// machinery.
type streamLocal struct {
	fd      int
	bound   net.Addr
	newConn func(fd int, laddr, raddr net.Addr) api.Remote
}

func listenStream(laddr string, newConn func(int, net.Addr, net.Addr) api.Remote) (*streamLocal, error) {
	ta, err := net.ResolveTCPAddr("tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", laddr, err)
	}
	sa, err := toSockaddr(ta.IP, ta.Port)
	if err != nil {
		return nil, err
	}
	fd, err := newSocket(family(ta.IP), unix.SOCK_STREAM)
	if err != nil {
		return nil, err
	}
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("bind %s: %w", laddr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("listen %s: %w", laddr, err)
	}
	return &streamLocal{fd: fd, bound: localTCPAddr(fd), newConn: newConn}, nil
}

func (l *streamLocal) FD() int { return l.fd }

func (l *streamLocal) BoundAddr() net.Addr { return l.bound }

// Accept drains the backlog until it would block, so a burst of inbound
// connections is never missed under edge-triggered readiness.
func (l *streamLocal) Accept(emit func(api.Remote)) error {
	for {
		nfd, sa, err := unix.Accept(l.fd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
				return nil
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		if err := unix.SetNonblock(nfd, true); err != nil {
			unix.Close(nfd)
			continue
		}
		unix.CloseOnExec(nfd)
		_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		emit(l.newConn(nfd, localTCPAddr(nfd), fromSockaddrTCP(sa)))
	}
}

func (l *streamLocal) Close() error { return unix.Close(l.fd) }
