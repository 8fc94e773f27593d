package websocket

import (
	"bufio"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptKeyKnownVector(t *testing.T) {
	// The exact example from RFC 6455 section 1.3.
	assert.Equal(t, "s3pPLMBiTxaQ9kYGzzhZRbK+xOo=", acceptKey("dGhlIHNhbXBsZSBub25jZQ=="))
}

func TestBuildRequestIncludesMandatoryHeaders(t *testing.T) {
	u, err := ParseURL("ws://example.com/chat")
	require.NoError(t, err)

	req, key, err := buildRequest(u, HandshakeOptions{})
	require.NoError(t, err)
	require.NotEmpty(t, key)

	s := string(req)
	assert.True(t, strings.HasPrefix(s, "GET /chat HTTP/1.1\r\n"))
	assert.Contains(t, s, "Host: example.com\r\n")
	assert.Contains(t, s, "Upgrade: websocket\r\n")
	assert.Contains(t, s, "Connection: Upgrade\r\n")
	assert.Contains(t, s, "Sec-WebSocket-Version: 13\r\n")
	assert.Contains(t, s, "Sec-WebSocket-Key: "+key+"\r\n")
	assert.True(t, strings.HasSuffix(s, "\r\n\r\n"))
}

func TestBuildRequestWithSubprotocolsAndCompression(t *testing.T) {
	u, err := ParseURL("wss://example.com/")
	require.NoError(t, err)

	opts := HandshakeOptions{
		Subprotocols: []string{"chat", "superchat"},
		Compression:  &CompressionOptions{},
		Cookie:       "session=abc",
	}
	req, _, err := buildRequest(u, opts)
	require.NoError(t, err)

	s := string(req)
	assert.Contains(t, s, "Sec-WebSocket-Protocol: chat, superchat\r\n")
	assert.Contains(t, s, "Sec-WebSocket-Extensions: permessage-deflate\r\n")
	assert.Contains(t, s, "Cookie: session=abc\r\n")
}

func validHandshakeResponse(key string) string {
	return "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey(key) + "\r\n" +
		"\r\n"
}

func TestValidateResponseAccepts(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	br := bufio.NewReader(strings.NewReader(validHandshakeResponse(key)))
	resp, err := readHandshakeResponse(br)
	require.NoError(t, err)

	subprotocol, compression, err := validateResponse(resp, key, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, subprotocol)
	assert.Nil(t, compression)
}

func TestValidateResponseRejectsBadAccept(t *testing.T) {
	resp := &handshakeResponse{
		Status: 101,
		Headers: http.Header{
			"Upgrade":               []string{"websocket"},
			"Connection":            []string{"Upgrade"},
			"Sec-Websocket-Accept":  []string{"not-the-right-value"},
		},
	}
	_, _, err := validateResponse(resp, "dGhlIHNhbXBsZSBub25jZQ==", nil, nil)
	require.Error(t, err)
	var handshakeErr *HandshakeError
	assert.ErrorAs(t, err, &handshakeErr)
}

func TestValidateResponseRejectsWrongStatus(t *testing.T) {
	resp := &handshakeResponse{Status: 200, Headers: http.Header{}}
	_, _, err := validateResponse(resp, "key", nil, nil)
	require.Error(t, err)
}

func TestValidateResponseRejectsUnofferedSubprotocol(t *testing.T) {
	key := "dGhlIHNhbXBsZSBub25jZQ=="
	resp := &handshakeResponse{
		Status: 101,
		Headers: http.Header{
			"Upgrade":              []string{"websocket"},
			"Connection":           []string{"Upgrade"},
			"Sec-Websocket-Accept": []string{acceptKey(key)},
			"Sec-Websocket-Protocol": []string{"unoffered"},
		},
	}
	_, _, err := validateResponse(resp, key, []string{"chat"}, nil)
	require.Error(t, err)
}
