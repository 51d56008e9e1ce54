// File: transport/transport_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Adapter ids are positional routing keys and must stay stable across the
// declaration: reordering variants would silently remap live handles.
func TestTransportIDsAreStable(t *testing.T) {
	assert.EqualValues(t, 0, Tcp.ID())
	assert.EqualValues(t, 1, FramedTcp.ID())
	assert.EqualValues(t, 2, Udp.ID())
	assert.EqualValues(t, 3, Ws.ID())
	assert.Equal(t, 4, Count)
}

func TestAllCoversEveryVariantInOrder(t *testing.T) {
	all := All()
	require.Len(t, all, Count)
	for i, tr := range all {
		assert.EqualValues(t, i, tr.ID())
	}
}

func TestFromIDRoundTrip(t *testing.T) {
	for _, tr := range All() {
		got, ok := FromID(tr.ID())
		require.True(t, ok)
		assert.Equal(t, tr, got)
	}
	_, ok := FromID(uint8(Count))
	assert.False(t, ok)
	_, ok = FromID(255)
	assert.False(t, ok)
}

func TestCapabilityMatrix(t *testing.T) {
	cases := []struct {
		tr       Transport
		oriented bool
		packet   bool
	}{
		{Tcp, true, false},
		{FramedTcp, true, true},
		{Udp, false, true},
		{Ws, true, true},
	}
	for _, c := range cases {
		assert.Equal(t, c.oriented, c.tr.IsConnectionOriented(), "%s oriented", c.tr)
		assert.Equal(t, c.packet, c.tr.IsPacketBased(), "%s packet", c.tr)
		assert.Positive(t, c.tr.MaxMessageSize(), "%s ceiling", c.tr)
	}
}

func TestMaxMessageSizeWireContract(t *testing.T) {
	// These values are fixed wire/behavior contracts, not tunables.
	assert.Equal(t, 1<<16, Tcp.MaxMessageSize())
	assert.Equal(t, 1<<20, FramedTcp.MaxMessageSize())
	assert.Equal(t, 65507, Udp.MaxMessageSize())
	assert.Equal(t, 1<<20, Ws.MaxMessageSize())
}

func TestStringNames(t *testing.T) {
	assert.Equal(t, "Tcp", Tcp.String())
	assert.Equal(t, "FramedTcp", FramedTcp.String())
	assert.Equal(t, "Udp", Udp.String())
	assert.Equal(t, "Ws", Ws.String())
	assert.Equal(t, "Transport(9)", Transport(9).String())
}

func TestUnknownVariantPanics(t *testing.T) {
	bogus := Transport(numTransports)
	assert.Panics(t, func() { bogus.MaxMessageSize() })
	assert.Panics(t, func() { bogus.IsConnectionOriented() })
	assert.Panics(t, func() { bogus.IsPacketBased() })
}
