// File: protocol/handshake_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptKeyKnownVector(t *testing.T) {
	// The worked example from RFC 6455 section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=",
		AcceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestClientServerHandshakeRoundTrip(t *testing.T) {
	key := NewClientKey()
	req := BuildClientRequest("127.0.0.1:9000", "", key)
	require.Positive(t, HeaderEnd(req))

	accept, err := ParseClientRequest(req)
	require.NoError(t, err)
	assert.Equal(t, AcceptKey(key), accept)

	resp := BuildServerResponse(accept)
	require.NoError(t, ParseServerResponse(resp, AcceptKey(key)))
}

func TestParseClientRequestRejectsMissingUpgrade(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n")
	_, err := ParseClientRequest(req)
	assert.ErrorIs(t, err, ErrInvalidUpgradeHeaders)
}

func TestParseClientRequestRejectsWrongVersion(t *testing.T) {
	key := NewClientKey()
	req := BuildClientRequest("x", "/", key)
	req = bytes.Replace(req, []byte("Sec-WebSocket-Version: 13"),
		[]byte("Sec-WebSocket-Version: 8"), 1)
	_, err := ParseClientRequest(req)
	assert.ErrorIs(t, err, ErrBadWebSocketVersion)
}

func TestParseClientRequestRejectsMissingKey(t *testing.T) {
	req := []byte("GET / HTTP/1.1\r\nHost: x\r\n" +
		"Upgrade: websocket\r\nConnection: Upgrade\r\n" +
		"Sec-WebSocket-Version: 13\r\n\r\n")
	_, err := ParseClientRequest(req)
	assert.ErrorIs(t, err, ErrMissingWebSocketKey)
}

func TestParseServerResponseRejectsBadAccept(t *testing.T) {
	resp := BuildServerResponse("bogus-accept-value")
	err := ParseServerResponse(resp, AcceptKey(NewClientKey()))
	assert.ErrorIs(t, err, ErrHandshakeRejected)
}

func TestParseServerResponseRejectsNonUpgradeStatus(t *testing.T) {
	resp := []byte("HTTP/1.1 403 Forbidden\r\nContent-Length: 0\r\n\r\n")
	err := ParseServerResponse(resp, "whatever")
	assert.ErrorIs(t, err, ErrHandshakeRejected)
}

func TestHeaderEndIncomplete(t *testing.T) {
	assert.Equal(t, -1, HeaderEnd([]byte("GET / HTTP/1.1\r\nHost: x\r\n")))
	buf := []byte("GET / HTTP/1.1\r\n\r\ntrailing frame bytes")
	end := HeaderEnd(buf)
	require.Positive(t, end)
	assert.Equal(t, "trailing frame bytes", string(buf[end:]))
}
