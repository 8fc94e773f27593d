package websocket

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeConns returns a Conn driven over a loopback TCP connection, with
// peer being the raw end a test can write frames into and read frames
// from, acting as the server side of the connection. The kernel's socket
// buffers let the Conn's PONG and CLOSE writes complete before the test
// reads them back, which an unbuffered net.Pipe would not.
func pipeConns(t *testing.T) (conn *Conn, peer net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	fixedKey := [4]byte{0x01, 0x02, 0x03, 0x04}
	conn = newConn(client, bufio.NewReader(client), connConfig{
		maskKeyGenerator: func() ([4]byte, error) { return fixedKey, nil },
	})
	return conn, server
}

func readFrameFromPeer(t *testing.T, peer net.Conn) *Frame {
	t.Helper()
	decoder := NewFrameDecoder(peer, 0)
	f, err := decoder.Decode()
	require.NoError(t, err)
	return f
}

func writeFrameToPeer(t *testing.T, peer net.Conn, f *Frame) {
	t.Helper()
	data, err := EncodeFrame(f, nil)
	require.NoError(t, err)
	_, err = peer.Write(data)
	require.NoError(t, err)
}

func TestConnWriteMessageIsMasked(t *testing.T) {
	conn, peer := pipeConns(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, conn.WriteMessage(OpText, []byte("hi")))
	}()

	f := readFrameFromPeer(t, peer)
	assert.True(t, f.Mask)
	assert.Equal(t, [4]byte{0x01, 0x02, 0x03, 0x04}, f.MaskKey)
	assert.Equal(t, OpText, f.Opcode)
	assert.True(t, f.Fin)
	assert.Equal(t, []byte("hi"), f.Payload)
	<-done
}

func TestConnReadMessageDeliversFragmentsSeparately(t *testing.T) {
	conn, peer := pipeConns(t)

	go func() {
		writeFrameToPeer(t, peer, &Frame{Fin: false, Opcode: OpText, Payload: []byte("hel")})
		writeFrameToPeer(t, peer, &Frame{Fin: false, Opcode: OpContinuation, Payload: []byte("lo ")})
		writeFrameToPeer(t, peer, &Frame{Fin: true, Opcode: OpContinuation, Payload: []byte("world")})
	}()

	first, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, OpText, first.Opcode)
	assert.False(t, first.Fin)

	second, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, OpContinuation, second.Opcode)
	assert.False(t, second.Fin)

	third, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.True(t, third.Fin)
}

func TestConnReadMessageRejectsInterleavedDataFrame(t *testing.T) {
	conn, peer := pipeConns(t)

	go func() {
		writeFrameToPeer(t, peer, &Frame{Fin: false, Opcode: OpText, Payload: []byte("hel")})
		writeFrameToPeer(t, peer, &Frame{Fin: true, Opcode: OpBinary, Payload: []byte("oops")})
	}()

	_, err := conn.ReadMessage()
	require.NoError(t, err)

	_, err = conn.ReadMessage()
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestConnAutoRepliesToPing(t *testing.T) {
	conn, peer := pipeConns(t)

	go func() {
		writeFrameToPeer(t, peer, &Frame{Fin: true, Opcode: OpPing, Payload: []byte("ping-data")})
	}()

	msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, OpPing, msg.Opcode)

	pong := readFrameFromPeer(t, peer)
	assert.Equal(t, OpPong, pong.Opcode)
	assert.Equal(t, []byte("ping-data"), pong.Payload)
}

func TestConnReadMessageRejectsInvalidUTF8(t *testing.T) {
	conn, peer := pipeConns(t)

	go func() {
		writeFrameToPeer(t, peer, &Frame{Fin: true, Opcode: OpText, Payload: []byte{0xff, 0xfe, 0xfd}})
	}()

	_, err := conn.ReadMessage()
	require.Error(t, err)
	var payloadErr *PayloadError
	assert.ErrorAs(t, err, &payloadErr)
}

func TestConnCloseIsIdempotent(t *testing.T) {
	conn, peer := pipeConns(t)

	go func() {
		f := readFrameFromPeer(t, peer)
		assert.Equal(t, OpClose, f.Opcode)
		writeFrameToPeer(t, peer, &Frame{Fin: true, Opcode: OpClose, Payload: f.Payload})
	}()

	require.NoError(t, conn.Close(CloseNormalClosure, "bye"))
	assert.NoError(t, conn.Close(CloseNormalClosure, "bye again"))
	assert.Equal(t, StateClosed, conn.State())
}

func TestParseClosePayloadRejectsLengthOne(t *testing.T) {
	_, _, err := parseClosePayload([]byte{0x03})
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestParseClosePayloadRejectsInvalidCode(t *testing.T) {
	_, _, err := parseClosePayload([]byte{0x07, 0xd0}) // 2000, outside any valid range
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestParseClosePayloadRejectsLocalOnlyCode(t *testing.T) {
	_, _, err := parseClosePayload([]byte{0x03, 0xee}) // 1006, local synthesis only
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestParseClosePayloadRejectsInvalidUTF8Reason(t *testing.T) {
	payload := append([]byte{0x03, 0xe8}, 0xff, 0xfe) // 1000 + invalid UTF-8
	_, _, err := parseClosePayload(payload)
	require.Error(t, err)
	var payloadErr *PayloadError
	assert.ErrorAs(t, err, &payloadErr)
}

func TestParseClosePayloadAcceptsValidCodeAndReason(t *testing.T) {
	code, reason, err := parseClosePayload([]byte{0x03, 0xe8, 'b', 'y', 'e'})
	require.NoError(t, err)
	assert.Equal(t, CloseNormalClosure, code)
	assert.Equal(t, "bye", reason)
}

func TestConnReadMessageRejectsCloseWithPayloadLengthOne(t *testing.T) {
	conn, peer := pipeConns(t)

	go func() {
		writeFrameToPeer(t, peer, &Frame{Fin: true, Opcode: OpClose, Payload: []byte{0x03}})
	}()

	_, err := conn.ReadMessage()
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestConnCloseTimesOutWithoutPeerReply(t *testing.T) {
	conn, peer := pipeConns(t)
	_ = peer // the peer deliberately never answers

	start := time.Now()
	err := conn.Close(CloseGoingAway, "")
	elapsed := time.Since(start)

	assert.NoError(t, err)
	assert.Less(t, elapsed, 4*time.Second)
	assert.Equal(t, StateClosed, conn.State())
}
