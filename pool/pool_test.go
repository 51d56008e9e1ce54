// File: pool/pool_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/evnet/api"
)

// fakeRemote satisfies just enough of api.Remote for pool bookkeeping.
type fakeRemote struct{ fd int }

func (f *fakeRemote) FD() int                        { return f.fd }
func (f *fakeRemote) LocalAddr() net.Addr            { return nil }
func (f *fakeRemote) PeerAddr() net.Addr             { return nil }
func (f *fakeRemote) Connecting() bool               { return false }
func (f *fakeRemote) Established() bool              { return true }
func (f *fakeRemote) FinishConnect() ([]byte, error) { return nil, nil }
func (f *fakeRemote) Receive(_ []byte, _ api.Sink) api.ReadStatus {
	return api.ReadMore
}
func (f *fakeRemote) Enframe(p []byte) ([]byte, error) { return p, nil }
func (f *fakeRemote) Write(b []byte) (int, error)      { return len(b), nil }
func (f *fakeRemote) Close() error                     { return nil }

type fakeLocal struct{ fd int }

func (f *fakeLocal) FD() int                       { return f.fd }
func (f *fakeLocal) BoundAddr() net.Addr           { return nil }
func (f *fakeLocal) Accept(func(api.Remote)) error { return nil }
func (f *fakeLocal) Close() error                  { return nil }

func TestPoolAddGetRemove(t *testing.T) {
	p := NewResourcePool()
	res := p.AddRemote(1, &fakeRemote{fd: 10})

	got, ok := p.Get(res.ID())
	require.True(t, ok)
	assert.Same(t, res, got)
	assert.Equal(t, 1, p.Len())

	assert.True(t, p.Remove(res.ID()))
	_, ok = p.Get(res.ID())
	assert.False(t, ok)
	assert.Zero(t, p.Len())
}

// A close request and a peer-driven teardown can both try to remove the
// same handle; only one of them may win.
func TestPoolRemoveIsIdempotent(t *testing.T) {
	p := NewResourcePool()
	res := p.AddRemote(0, &fakeRemote{fd: 3})
	assert.True(t, p.Remove(res.ID()))
	assert.False(t, p.Remove(res.ID()))
	assert.False(t, p.Remove(res.ID()))
}

// Handles are never recycled: removing a resource and adding a new one
// must never produce a previously observed handle.
func TestPoolHandlesAreNeverReused(t *testing.T) {
	p := NewResourcePool()
	seen := make(map[api.ResourceID]bool)
	for i := 0; i < 1000; i++ {
		res := p.AddRemote(2, &fakeRemote{fd: i})
		require.False(t, seen[res.ID()], "handle %s reused", res.ID())
		seen[res.ID()] = true
		p.Remove(res.ID())
	}
}

func TestPoolHandleEncodesAdapterAndRole(t *testing.T) {
	p := NewResourcePool()
	rem := p.AddRemote(3, &fakeRemote{fd: 1})
	loc := p.AddLocal(3, &fakeLocal{fd: 2})

	assert.EqualValues(t, 3, rem.ID().Adapter())
	assert.Equal(t, api.RoleRemote, rem.ID().Role())
	assert.EqualValues(t, 3, loc.ID().Adapter())
	assert.Equal(t, api.RoleLocal, loc.ID().Role())
	assert.NotEqual(t, rem.ID(), loc.ID())
}

func TestResourceSendQueueOrdering(t *testing.T) {
	p := NewResourcePool()
	res := p.AddRemote(1, &fakeRemote{fd: 5})

	// Application messages queued before establishment are held back.
	res.PushOutbound([]byte("app-1"), nil)
	res.PushOutbound([]byte("app-2"), nil)
	assert.Nil(t, res.PeekSend())

	// Control bytes flush regardless of establishment and jump the queue.
	res.PushControl([]byte("ctl"))
	item := res.PeekSend()
	require.NotNil(t, item)
	assert.Equal(t, []byte("ctl"), item.Remaining())
	res.PopSend()

	res.MarkEstablished()
	item = res.PeekSend()
	require.NotNil(t, item)
	assert.Equal(t, []byte("app-1"), item.Remaining())
	res.PopSend()
	item = res.PeekSend()
	require.NotNil(t, item)
	assert.Equal(t, []byte("app-2"), item.Remaining())
	res.PopSend()
	assert.False(t, res.HasPending())
}

func TestOutboundPartialWriteAccounting(t *testing.T) {
	o := &Outbound{Wire: []byte("abcdef")}
	assert.Equal(t, []byte("abcdef"), o.Remaining())
	o.Advance(4)
	assert.Equal(t, []byte("ef"), o.Remaining())
	assert.False(t, o.Done())
	o.Advance(2)
	assert.True(t, o.Done())
	assert.Empty(t, o.Remaining())
}

func TestMarkClosingFirstCallWins(t *testing.T) {
	p := NewResourcePool()
	res := p.AddRemote(0, &fakeRemote{fd: 7})

	assert.True(t, res.MarkClosing(api.ReasonGracefulClose))
	assert.False(t, res.MarkClosing(api.ReasonPeerReset))
	assert.Equal(t, api.ReasonGracefulClose, res.Reason())
	assert.True(t, res.Closing())
}

func TestQueuedBytesAccounting(t *testing.T) {
	p := NewResourcePool()
	res := p.AddRemote(0, &fakeRemote{fd: 8})

	res.AddQueued(100)
	res.PushControl(make([]byte, 50)) // control charges itself
	assert.EqualValues(t, 150, res.QueuedBytes())
	res.AddQueued(-100)
	assert.EqualValues(t, 50, res.QueuedBytes())

	res.ClearQueued()
	assert.Zero(t, res.QueuedBytes())
	assert.False(t, res.HasPending())
}

func TestHasListener(t *testing.T) {
	p := NewResourcePool()
	lis := p.AddLocal(1, &fakeLocal{fd: 1})
	res := p.AddRemote(1, &fakeRemote{fd: 2})

	assert.False(t, res.HasListener())
	res.SetListener(api.NewEndpoint(lis.ID(), nil))
	assert.True(t, res.HasListener())
	assert.Equal(t, lis.ID(), res.Listener().Resource())
}

func TestBytePoolRecyclesRightSizedBuffers(t *testing.T) {
	bp := NewBytePool(1024)
	buf := bp.GetBuffer()
	require.Len(t, buf, 1024)
	bp.PutBuffer(buf)
	bp.PutBuffer(make([]byte, 7)) // wrong size, silently dropped
	again := bp.GetBuffer()
	assert.Len(t, again, 1024)
}
