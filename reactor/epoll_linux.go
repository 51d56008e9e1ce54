//go:build linux

// File: reactor/epoll_linux.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package reactor - Linux epoll implementation with an eventfd waker.

package reactor

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const maxEvents = 128

// epollReactor implements Reactor using edge-triggered Linux epoll.
type epollReactor struct {
	epfd      int
	wakeFd    int
	callbacks sync.Map // int -> Callback
	events    []unix.EpollEvent
}

// New creates the platform reactor.
func New() (Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	r := &epollReactor{
		epfd:   epfd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, maxEvents),
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLET, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(wakeFd)
		unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add waker: %w", err)
	}
	return r, nil
}

func epollMask(interest Interest) uint32 {
	// Edge-triggered across the board: the engine drains sockets until
	// EAGAIN on every wake.
	mask := uint32(unix.EPOLLET | unix.EPOLLRDHUP)
	if interest&Readable != 0 {
		mask |= unix.EPOLLIN
	}
	if interest&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// Register adds a file descriptor to the epoll watch list.
func (r *epollReactor) Register(fd int, interest Interest, cb Callback) error {
	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	r.callbacks.Store(fd, cb)
	return nil
}

// Modify replaces the interest set of a registered descriptor.
func (r *epollReactor) Modify(fd int, interest Interest) error {
	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Unregister removes a file descriptor from the epoll watch list.
func (r *epollReactor) Unregister(fd int) error {
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	r.callbacks.Delete(fd)
	return nil
}

// Wait blocks for readiness and dispatches callbacks on this goroutine.
func (r *epollReactor) Wait(timeout time.Duration) (int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	n, err := unix.EpollWait(r.epfd, r.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil // interrupted by signal, not an error
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	handled := 0
	for i := 0; i < n; i++ {
		ev := r.events[i]
		fd := int(ev.Fd)
		if fd == r.wakeFd {
			r.drainWaker()
			continue
		}
		val, ok := r.callbacks.Load(fd)
		if !ok {
			continue
		}
		ready := Readiness{
			Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP) != 0,
			Writable: ev.Events&unix.EPOLLOUT != 0,
			Err:      ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0,
		}
		val.(Callback)(ready)
		handled++
	}
	return handled, nil
}

// Wakeup posts to the eventfd, forcing Wait to return. The counter is
// persistent, so a wakeup posted between Waits is observed by the next one.
func (r *epollReactor) Wakeup() error {
	// Any nonzero 8-byte value increments the eventfd counter.
	one := [8]byte{0: 1}
	_, err := unix.Write(r.wakeFd, one[:])
	if err == unix.EAGAIN {
		// Counter saturated: a wakeup is already pending.
		return nil
	}
	return err
}

func (r *epollReactor) drainWaker() {
	var buf [8]byte
	for {
		if _, err := unix.Read(r.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll and eventfd descriptors.
func (r *epollReactor) Close() error {
	if err := unix.Close(r.wakeFd); err != nil {
		unix.Close(r.epfd)
		return err
	}
	return unix.Close(r.epfd)
}
