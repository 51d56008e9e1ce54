// File: engine/engine.go
// Package engine runs the readiness-driven dispatch loop that turns
// OS-level socket readiness into the ordered event stream of the evnet
// API, and drives all sends without ever blocking on I/O.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency model: one engine instance owns one cooperative loop
// goroutine (the caller of Run). Every resource and pool mutation happens
// on that goroutine. Application threads interact only through two
// thread-safe hand-offs: the command channel feeding sends and closes in,
// and the event queue carrying events out.

package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/momentics/evnet/api"
	"github.com/momentics/evnet/pool"
	"github.com/momentics/evnet/reactor"
	"github.com/momentics/evnet/transport"
)

// ErrAlreadyRunning reports a second concurrent Run call.
var ErrAlreadyRunning = errors.New("engine: loop already running")

type cmdKind uint8

const (
	cmdSend cmdKind = iota
	cmdClose
)

// command is one application-to-loop hand-off unit.
type command struct {
	kind   cmdKind
	rid    api.ResourceID
	to     net.Addr // datagram reply target
	wire   []byte   // framed bytes, ready for the wire
	reason api.CloseReason
}

// Engine is one independent instance of the event engine. Instances share
// nothing; no cross-instance synchronization exists or is needed.
type Engine struct {
	cfg      Config
	log      *zap.Logger
	clk      clock.Clock
	registry *transport.Registry
	poller   reactor.Reactor
	pool     *pool.ResourcePool
	events   *EventQueue
	commands chan command
	buffers  *pool.BytePool

	// Loop-owned state.
	scratch      []byte
	pendingClose []*pool.Resource
	lastTick     time.Time

	running  atomic.Bool
	closed   atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// New builds an engine over a registry populated at startup. Transports
// the configuration names but the registry lacks are rejected here, never
// at connection time.
func New(reg *transport.Registry, cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if reg == nil {
		return nil, errors.New("engine: nil registry")
	}
	if err := reg.Validate(cfg.Transports...); err != nil {
		return nil, err
	}
	p, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("engine: reactor: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger.Named("evnet"),
		clk:      cfg.Clock,
		registry: reg,
		poller:   p,
		pool:     pool.NewResourcePool(),
		events:   newEventQueue(),
		commands: make(chan command, cfg.CommandBacklog),
		buffers:  pool.NewBytePool(DefaultScratchSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Connect creates an outbound resource synchronously, returning its
// endpoint and the local socket address. For connection-oriented
// transports completion is signaled later by a Connected event;
// connectionless endpoints are usable immediately.
func (e *Engine) Connect(t transport.Transport, raddr string) (api.Endpoint, net.Addr, error) {
	if e.closed.Load() {
		return api.Endpoint{}, nil, api.ErrEngineClosed
	}
	rem, err := e.registry.Adapter(t.ID()).Connect(raddr)
	if err != nil {
		return api.Endpoint{}, nil, err
	}
	res := e.pool.AddRemote(t.ID(), rem)
	if rem.Established() {
		res.MarkEstablished()
	}
	interest := reactor.Readable
	if rem.Connecting() {
		// Connect completion, including the immediate-success case, is
		// observed through write readiness.
		interest |= reactor.Writable
		res.SetWriteArmed(true)
	}
	if err := e.poller.Register(rem.FD(), interest, e.callbackFor(res)); err != nil {
		e.pool.Remove(res.ID())
		rem.Close()
		return api.Endpoint{}, nil, err
	}
	ep := api.NewEndpoint(res.ID(), rem.PeerAddr())
	e.log.Debug("connect",
		zap.Stringer("transport", t),
		zap.Stringer("endpoint", ep))
	return ep, rem.LocalAddr(), nil
}

// Listen binds a listener resource and returns its endpoint together with
// the actually bound address.
func (e *Engine) Listen(t transport.Transport, laddr string) (api.Endpoint, net.Addr, error) {
	if e.closed.Load() {
		return api.Endpoint{}, nil, api.ErrEngineClosed
	}
	loc, err := e.registry.Adapter(t.ID()).Listen(laddr)
	if err != nil {
		return api.Endpoint{}, nil, err
	}
	res := e.pool.AddLocal(t.ID(), loc)
	res.MarkEstablished()
	if err := e.poller.Register(loc.FD(), reactor.Readable, e.callbackFor(res)); err != nil {
		e.pool.Remove(res.ID())
		loc.Close()
		return api.Endpoint{}, nil, err
	}
	ep := api.NewEndpoint(res.ID(), loc.BoundAddr())
	e.log.Debug("listen",
		zap.Stringer("transport", t),
		zap.Stringer("endpoint", ep),
		zap.Stringer("bound", loc.BoundAddr()))
	return ep, loc.BoundAddr(), nil
}

// Send queues one payload toward an endpoint. It fails fast with
// ErrMessageTooLarge before any byte is framed, and with the recoverable
// ErrBusy once the endpoint's buffered bytes pass the watermark.
func (e *Engine) Send(ep api.Endpoint, payload []byte) error {
	if e.closed.Load() {
		return api.ErrEngineClosed
	}
	rid := ep.Resource()
	t, ok := transport.FromID(rid.Adapter())
	if !ok {
		return api.ErrUnknownEndpoint
	}
	if len(payload) > t.MaxMessageSize() {
		return api.ErrMessageTooLarge
	}
	res, ok := e.pool.Get(rid)
	if !ok {
		return api.ErrUnknownEndpoint
	}
	if res.QueuedBytes() > e.cfg.SendWatermark {
		return api.ErrBusy
	}

	var wire []byte
	var to net.Addr
	if rid.Role() == api.RoleLocal {
		// Reply through a datagram listener to an ephemeral peer.
		if _, ok := res.Local().(api.PacketLocal); !ok {
			return api.ErrNotSupported
		}
		if ep.Addr() == nil {
			return api.ErrUnknownEndpoint
		}
		to = ep.Addr()
		wire = append([]byte(nil), payload...)
	} else {
		var err error
		wire, err = res.Remote().Enframe(payload)
		if err != nil {
			return err
		}
	}

	res.AddQueued(int64(len(wire)))
	select {
	case e.commands <- command{kind: cmdSend, rid: rid, to: to, wire: wire}:
		e.poller.Wakeup()
		return nil
	default:
		res.AddQueued(-int64(len(wire)))
		return api.ErrBusy
	}
}

// CloseEndpoint requests a cooperative close. It takes effect at the next
// loop iteration; for connection-oriented transports exactly one
// Disconnected event with a graceful reason follows.
func (e *Engine) CloseEndpoint(ep api.Endpoint) error {
	if e.closed.Load() {
		return api.ErrEngineClosed
	}
	if _, ok := e.pool.Get(ep.Resource()); !ok {
		return api.ErrUnknownEndpoint
	}
	select {
	case e.commands <- command{kind: cmdClose, rid: ep.Resource(), reason: api.ReasonGracefulClose}:
		e.poller.Wakeup()
		return nil
	default:
		return api.ErrBusy
	}
}

// Receive blocks for the next event in FIFO order.
func (e *Engine) Receive(ctx context.Context) (api.Event, error) {
	return e.events.Receive(ctx)
}

// PollEvent removes the next event without blocking.
func (e *Engine) PollEvent() (api.Event, bool) {
	return e.events.Poll()
}

// PendingEvents reports the number of undelivered events.
func (e *Engine) PendingEvents() int { return e.events.Len() }

// Run executes the readiness loop on the calling goroutine until Stop or
// Close. No operation inside the loop blocks on I/O.
func (e *Engine) Run() error {
	if e.closed.Load() {
		return api.ErrEngineClosed
	}
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(e.doneCh)

	e.scratch = e.buffers.GetBuffer()
	defer func() {
		e.buffers.PutBuffer(e.scratch)
		e.scratch = nil
	}()
	e.lastTick = e.clk.Now()

	for {
		select {
		case <-e.stopCh:
			return nil
		default:
		}
		e.drainCommands()
		if _, err := e.poller.Wait(e.cfg.PollInterval); err != nil {
			select {
			case <-e.stopCh:
				return nil
			default:
			}
			return err
		}
		e.drainCommands()
		e.processCloses()
		e.maybeTick()
	}
}

// Stop signals the loop to exit. Safe from any goroutine, idempotent.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.poller.Wakeup()
}

// Close stops the loop, tears down every resource and releases the
// poller. Errors from individual resources are aggregated, not fatal.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	wasRunning := e.running.Load()
	e.Stop()
	if wasRunning {
		<-e.doneCh
	}

	var err error
	for _, res := range e.pool.Snapshot() {
		if rem := res.Remote(); rem != nil {
			err = multierr.Append(err, rem.Close())
		}
		if loc := res.Local(); loc != nil {
			err = multierr.Append(err, loc.Close())
		}
		e.pool.Remove(res.ID())
	}
	err = multierr.Append(err, e.poller.Close())
	e.events.close()
	return err
}

// --- loop internals -----------------------------------------------------

func (e *Engine) callbackFor(res *pool.Resource) reactor.Callback {
	return func(r reactor.Readiness) { e.handleReadiness(res, r) }
}

func (e *Engine) handleReadiness(res *pool.Resource, r reactor.Readiness) {
	if res.Closing() {
		return
	}
	if r.Writable {
		e.handleWritable(res)
	}
	if r.Readable && !res.Closing() {
		e.handleReadable(res)
	}
	if r.Err && !res.Closing() {
		// Error without data to read: connect refusals surface through
		// handleWritable; anything else is a peer-side failure.
		if rem := res.Remote(); rem != nil && !rem.Connecting() {
			e.scheduleClose(res, api.ReasonPeerReset)
		}
	}
}

func (e *Engine) handleWritable(res *pool.Resource) {
	rem := res.Remote()
	if rem != nil && rem.Connecting() {
		opening, err := rem.FinishConnect()
		if err != nil {
			e.log.Debug("connect failed", zap.Stringer("id", res.ID()), zap.Error(err))
			e.scheduleClose(res, api.ReasonIOError)
			return
		}
		if len(opening) > 0 {
			res.PushControl(opening)
		}
		if rem.Established() && !res.Established() {
			res.MarkEstablished()
			e.announce(res)
		}
	}
	e.flush(res)
}

func (e *Engine) handleReadable(res *pool.Resource) {
	if loc := res.Local(); loc != nil {
		if pl, ok := loc.(api.PacketLocal); ok {
			err := pl.ReceiveFrom(e.scratch, func(payload []byte, from net.Addr) {
				e.events.Push(api.Event{
					Kind:     api.EventMessage,
					Endpoint: api.NewEndpoint(res.ID(), from),
					Payload:  payload,
				})
			})
			if err != nil {
				e.log.Warn("datagram receive", zap.Stringer("id", res.ID()), zap.Error(err))
			}
			return
		}
		if err := loc.Accept(func(rem api.Remote) { e.onAccepted(res, rem) }); err != nil {
			e.log.Warn("accept", zap.Stringer("id", res.ID()), zap.Error(err))
		}
		return
	}

	rem := res.Remote()
	if rem.Connecting() {
		return
	}
	sink := api.Sink{
		Opened:  func() { e.onOpened(res) },
		Message: func(p []byte) { e.emitMessage(res, p) },
		Control: func(wire []byte) {
			res.PushControl(wire)
			e.flush(res)
		},
	}
	switch rem.Receive(e.scratch, sink) {
	case api.ReadMore:
	case api.ReadClosed:
		e.scheduleClose(res, api.ReasonGracefulClose)
	case api.ReadReset:
		e.scheduleClose(res, api.ReasonPeerReset)
	case api.ReadViolation:
		e.scheduleClose(res, api.ReasonProtocolViolation)
	}
}

// onAccepted registers a freshly accepted connection. Transports that are
// ready immediately yield the Accepted event here; handshaking transports
// yield it from onOpened once the handshake completes.
func (e *Engine) onAccepted(listener *pool.Resource, rem api.Remote) {
	res := e.pool.AddRemote(listener.ID().Adapter(), rem)
	res.SetListener(api.NewEndpoint(listener.ID(), listener.Local().BoundAddr()))
	if err := e.poller.Register(rem.FD(), reactor.Readable, e.callbackFor(res)); err != nil {
		e.log.Warn("register accepted", zap.Stringer("id", res.ID()), zap.Error(err))
		e.pool.Remove(res.ID())
		rem.Close()
		return
	}
	if rem.Established() {
		res.MarkEstablished()
		e.announce(res)
	}
}

// onOpened finishes a transport handshake: the resource becomes
// established and the deferred Connected/Accepted event is emitted before
// any Message decoded in the same wake.
func (e *Engine) onOpened(res *pool.Resource) {
	if res.Established() {
		return
	}
	res.MarkEstablished()
	e.announce(res)
	// Application sends queued during the handshake may flow now.
	e.flush(res)
}

// announce emits Connected or Accepted for a newly established resource.
func (e *Engine) announce(res *pool.Resource) {
	t, _ := transport.FromID(res.ID().Adapter())
	if !t.IsConnectionOriented() {
		return
	}
	ep := api.NewEndpoint(res.ID(), res.Remote().PeerAddr())
	if res.HasListener() {
		e.events.Push(api.Event{Kind: api.EventAccepted, Endpoint: ep, Listener: res.Listener()})
	} else {
		e.events.Push(api.Event{Kind: api.EventConnected, Endpoint: ep})
	}
	e.log.Debug("established", zap.Stringer("endpoint", ep))
}

func (e *Engine) emitMessage(res *pool.Resource, payload []byte) {
	e.events.Push(api.Event{
		Kind:     api.EventMessage,
		Endpoint: api.NewEndpoint(res.ID(), res.Remote().PeerAddr()),
		Payload:  payload,
	})
}

// flush writes buffered units until drained or the socket pushes back.
// Buffered remainders always go first, so per-endpoint send order holds
// across any number of partial writes.
func (e *Engine) flush(res *pool.Resource) {
	for {
		item := res.PeekSend()
		if item == nil {
			break
		}
		n, err := e.writeItem(res, item)
		if n > 0 {
			item.Advance(n)
			res.AddQueued(-int64(n))
		}
		if err == api.ErrWouldBlock {
			e.armWrite(res)
			return
		}
		if err != nil {
			e.log.Debug("write failed", zap.Stringer("id", res.ID()), zap.Error(err))
			e.scheduleClose(res, api.ReasonIOError)
			return
		}
		if item.Done() {
			res.PopSend()
		}
	}
	if rem := res.Remote(); rem != nil && rem.Connecting() {
		// Write interest still carries the pending connect completion.
		return
	}
	e.disarmWrite(res)
}

func (e *Engine) writeItem(res *pool.Resource, item *pool.Outbound) (int, error) {
	if item.To != nil {
		pl, ok := res.Local().(api.PacketLocal)
		if !ok {
			return len(item.Remaining()), nil // drop; cannot happen past Send validation
		}
		return pl.WriteTo(item.Remaining(), item.To)
	}
	return res.Remote().Write(item.Remaining())
}

func (e *Engine) armWrite(res *pool.Resource) {
	if res.WriteArmed() {
		return
	}
	if err := e.poller.Modify(res.FD(), reactor.Readable|reactor.Writable); err == nil {
		res.SetWriteArmed(true)
	}
}

func (e *Engine) disarmWrite(res *pool.Resource) {
	if !res.WriteArmed() {
		return
	}
	if err := e.poller.Modify(res.FD(), reactor.Readable); err == nil {
		res.SetWriteArmed(false)
	}
}

func (e *Engine) drainCommands() {
	for {
		select {
		case cmd := <-e.commands:
			switch cmd.kind {
			case cmdSend:
				e.applySend(cmd)
			case cmdClose:
				if res, ok := e.pool.Get(cmd.rid); ok {
					e.scheduleClose(res, cmd.reason)
				}
			}
		default:
			return
		}
	}
}

func (e *Engine) applySend(cmd command) {
	res, ok := e.pool.Get(cmd.rid)
	if !ok || res.Closing() {
		return
	}
	res.PushOutbound(cmd.wire, cmd.to)
	e.flush(res)
}

// scheduleClose marks a resource for removal; the actual teardown runs in
// processCloses at loop granularity. The first caller wins: both a local
// close request and a peer-driven failure may race here, and only one
// Disconnected event may result.
func (e *Engine) scheduleClose(res *pool.Resource, reason api.CloseReason) {
	if !res.MarkClosing(reason) {
		return
	}
	e.pendingClose = append(e.pendingClose, res)
}

func (e *Engine) processCloses() {
	for len(e.pendingClose) > 0 {
		batch := e.pendingClose
		e.pendingClose = nil
		for _, res := range batch {
			e.finalizeClose(res)
		}
	}
}

func (e *Engine) finalizeClose(res *pool.Resource) {
	// Best-effort final flush on graceful closes, so a send immediately
	// followed by a close is not silently dropped.
	if res.Reason() == api.ReasonGracefulClose {
		e.finalFlush(res)
	}
	e.poller.Unregister(res.FD())
	if rem := res.Remote(); rem != nil {
		rem.Close()
	}
	if loc := res.Local(); loc != nil {
		loc.Close()
	}
	e.pool.Remove(res.ID())
	res.ClearQueued()

	t, _ := transport.FromID(res.ID().Adapter())
	if res.Remote() != nil && t.IsConnectionOriented() {
		e.events.Push(api.Event{
			Kind:     api.EventDisconnected,
			Endpoint: api.NewEndpoint(res.ID(), res.Remote().PeerAddr()),
			Reason:   res.Reason(),
		})
	}
	e.log.Debug("closed",
		zap.Stringer("id", res.ID()),
		zap.Stringer("reason", res.Reason()))
}

// finalFlush makes one non-blocking pass over the pending queue without
// touching poller interest; whatever does not fit is dropped with the
// resource.
func (e *Engine) finalFlush(res *pool.Resource) {
	for {
		item := res.PeekSend()
		if item == nil {
			return
		}
		n, err := e.writeItem(res, item)
		if n > 0 {
			item.Advance(n)
			res.AddQueued(-int64(n))
		}
		if err != nil {
			return
		}
		if item.Done() {
			res.PopSend()
		}
	}
}

func (e *Engine) maybeTick() {
	if e.cfg.OnTick == nil {
		return
	}
	now := e.clk.Now()
	if now.Sub(e.lastTick) >= e.cfg.TickInterval {
		e.lastTick = now
		e.cfg.OnTick(now)
	}
}
