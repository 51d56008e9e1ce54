// File: protocol/handshake.go
// Package protocol
// Core WebSocket opening handshake: building and validating the upgrade
// request/response pair and computing Sec-WebSocket-Accept.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package protocol

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

const (
	// WebSocketGUID is the fixed GUID the accept key is derived from.
	WebSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

	// MaxHandshakeBytes bounds the size of the opening handshake headers.
	MaxHandshakeBytes = 8192

	// DefaultWSPath is the request path used when connecting by socket
	// address rather than URL.
	DefaultWSPath = "/evnet-default"

	requiredWebSocketVersion = "13"
)

var (
	// ErrInvalidUpgradeHeaders: the Connection/Upgrade headers do not
	// request a WebSocket upgrade.
	ErrInvalidUpgradeHeaders = fmt.Errorf("invalid WebSocket upgrade headers")
	// ErrMissingWebSocketKey: the client request lacks Sec-WebSocket-Key.
	ErrMissingWebSocketKey = fmt.Errorf("missing Sec-WebSocket-Key header")
	// ErrBadWebSocketVersion: only version 13 is supported.
	ErrBadWebSocketVersion = fmt.Errorf("unsupported WebSocket version; only '13' is supported")
	// ErrHandshakeRejected: the server response is not a valid 101 upgrade.
	ErrHandshakeRejected = fmt.Errorf("WebSocket handshake rejected")
	// ErrHandshakeTooLarge: the handshake headers exceed MaxHandshakeBytes.
	ErrHandshakeTooLarge = fmt.Errorf("handshake headers too large")
)

// HeaderEnd locates the end of an HTTP header block in buf. It returns the
// index just past the terminating CRLFCRLF, or -1 while incomplete.
func HeaderEnd(buf []byte) int {
	i := bytes.Index(buf, []byte("\r\n\r\n"))
	if i < 0 {
		return -1
	}
	return i + 4
}

// AcceptKey computes the Sec-WebSocket-Accept value for a client key.
func AcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key + WebSocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// NewClientKey returns a fresh random Sec-WebSocket-Key.
func NewClientKey() string {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(fmt.Sprintf("protocol: client key: %v", err))
	}
	return base64.StdEncoding.EncodeToString(raw[:])
}

// BuildClientRequest serializes the upgrade request a connecting client
// sends first on the stream.
func BuildClientRequest(host, path, key string) []byte {
	if path == "" {
		path = DefaultWSPath
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", host)
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)
	fmt.Fprintf(&b, "Sec-WebSocket-Version: %s\r\n", requiredWebSocketVersion)
	b.WriteString("\r\n")
	return b.Bytes()
}

// ParseClientRequest validates a client upgrade request (the header block
// only, as returned by HeaderEnd) and returns the accept key to respond
// with.
func ParseClientRequest(header []byte) (accept string, err error) {
	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		return "", fmt.Errorf("handshake read request: %w", err)
	}
	if !headerContainsToken(req.Header, "Connection", "Upgrade") ||
		!headerContainsToken(req.Header, "Upgrade", "websocket") {
		return "", ErrInvalidUpgradeHeaders
	}
	if req.Header.Get("Sec-WebSocket-Version") != requiredWebSocketVersion {
		return "", ErrBadWebSocketVersion
	}
	key := req.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return "", ErrMissingWebSocketKey
	}
	return AcceptKey(key), nil
}

// BuildServerResponse serializes the 101 response completing the upgrade.
func BuildServerResponse(accept string) []byte {
	var b bytes.Buffer
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Accept: %s\r\n", accept)
	b.WriteString("\r\n")
	return b.Bytes()
}

// ParseServerResponse validates the server's upgrade response against the
// accept value expected for the client key that was sent.
func ParseServerResponse(header []byte, wantAccept string) error {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(header)), nil)
	if err != nil {
		return fmt.Errorf("handshake read response: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return fmt.Errorf("%w: status %s", ErrHandshakeRejected, resp.Status)
	}
	if !headerContainsToken(resp.Header, "Connection", "Upgrade") ||
		!headerContainsToken(resp.Header, "Upgrade", "websocket") {
		return ErrInvalidUpgradeHeaders
	}
	if resp.Header.Get("Sec-WebSocket-Accept") != wantAccept {
		return fmt.Errorf("%w: bad Sec-WebSocket-Accept", ErrHandshakeRejected)
	}
	return nil
}

// headerContainsToken checks for token in a comma-separated header value.
func headerContainsToken(h http.Header, name, token string) bool {
	token = strings.ToLower(token)
	for _, v := range h[http.CanonicalHeaderKey(name)] {
		for _, p := range strings.Split(v, ",") {
			if strings.ToLower(strings.TrimSpace(p)) == token {
				return true
			}
		}
	}
	return false
}
