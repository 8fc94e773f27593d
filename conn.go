package websocket

import (
	"bufio"
	"net"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/nats-io/nuid"
)

// ConnState is the lifecycle described in spec.md §4.4:
// Connecting -> Open -> Closing -> Closed, never moving backward.
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// closeHandshakeTimeout bounds how long Close waits for the peer's
// answering CLOSE frame before tearing down the transport unilaterally,
// per spec.md §4.4.
const closeHandshakeTimeout = 3 * time.Second

type connConfig struct {
	subprotocol      string
	compression      *CompressionOptions
	maskKeyGenerator MaskKeyGenerator
	logger           LeveledLogger
}

// Conn is one open WebSocket connection: the frame codec plus the
// OPEN/CLOSING/CLOSED state machine of spec.md §4.4. A Conn is safe for
// concurrent ReadMessage and WriteMessage/WriteControl calls from
// separate goroutines; concurrent writers are serialized by an internal
// mutex, matching the "optional multi-thread send path" of spec.md §6.
type Conn struct {
	id     string
	stream net.Conn
	decode *FrameDecoder

	subprotocol string
	compression *CompressionExtension

	maskKeyGen MaskKeyGenerator
	log        LeveledLogger

	writeMu sync.Mutex

	mu            sync.Mutex
	state         ConnState
	closeSent     bool
	closeReceived bool
	closeOnce     sync.Once

	// fragOpcode/inFragment track fragmentation legality only; per
	// spec.md §4.2, accumulating fragment payloads into a whole message
	// is left to the caller (see Message.Fin).
	fragOpcode Opcode
	inFragment bool
}

func newConn(stream net.Conn, br *bufio.Reader, cfg connConfig) *Conn {
	decoder := NewFrameDecoder(br, 0)

	var comp *CompressionExtension
	if cfg.compression != nil {
		comp = NewCompressionExtension(cfg.compression)
	}

	return &Conn{
		id:          nuid.Next(),
		stream:      stream,
		decode:      decoder,
		subprotocol: cfg.subprotocol,
		compression: comp,
		maskKeyGen:  cfg.maskKeyGenerator,
		log:         loggerOrDefault(cfg.logger, "conn"),
		state:       StateOpen,
	}
}

// ID returns the connection's correlation ID, used in log lines to
// distinguish reconnect attempts.
func (c *Conn) ID() string { return c.id }

// Subprotocol returns the subprotocol negotiated during the handshake,
// or "" if none.
func (c *Conn) Subprotocol() string { return c.subprotocol }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CloseHandshakeComplete reports whether both a CLOSE frame has been
// sent and one has been received from the peer.
func (c *Conn) CloseHandshakeComplete() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeSent && c.closeReceived
}

// UnderlyingConn exposes the raw transport, letting a caller perform
// readiness selection (see waitReadable) ahead of ReadMessage.
func (c *Conn) UnderlyingConn() net.Conn { return c.stream }

// SetReadDeadline and SetWriteDeadline forward to the underlying stream,
// letting a caller bound ReadMessage/WriteMessage per spec.md §6 timeout.
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// WriteMessage sends a single, unfragmented TEXT or BINARY message,
// compressing it first when permessage-deflate is active.
func (c *Conn) WriteMessage(opcode Opcode, payload []byte) error {
	if !opcode.IsData() {
		return &ProtocolError{Reason: "WriteMessage requires TEXT or BINARY"}
	}
	if c.State() != StateOpen {
		return &ConnectionClosed{Reason: "write on a non-open connection"}
	}
	f := &Frame{Fin: true, Opcode: opcode, Mask: true, Payload: payload}
	return c.writeFrame(f)
}

// WriteControl sends a PING, PONG, or CLOSE frame, per spec.md §3's
// 125-byte control payload limit.
func (c *Conn) WriteControl(opcode Opcode, payload []byte) error {
	if !opcode.IsControl() {
		return &ProtocolError{Reason: "WriteControl requires a control opcode"}
	}
	if len(payload) > maxControlPayload {
		return &ProtocolError{Reason: "control payload exceeds 125 bytes"}
	}
	f := &Frame{Fin: true, Opcode: opcode, Mask: true, Payload: payload}
	return c.writeFrameRaw(f)
}

// writeFrame runs payload through the compression extension (if active)
// before handing off to writeFrameRaw.
func (c *Conn) writeFrame(f *Frame) error {
	if c.compression != nil {
		compressed, err := c.compression.Compress(f)
		if err != nil {
			return err
		}
		f = compressed
	}
	return c.writeFrameRaw(f)
}

func (c *Conn) writeFrameRaw(f *Frame) error {
	data, err := EncodeFrame(f, c.maskKeyGen)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stream.Write(data); err != nil {
		return classifyReadErr(err)
	}
	return nil
}

// Message is a single decoded frame handed up from the read loop, after
// unmasking and decompression. Fin marks the last frame of a
// TEXT/BINARY/CONTINUATION message; a caller that does not need
// per-fragment delivery accumulates Payload across frames with the same
// message until Fin, mirroring fire_cont_frame=false in the original
// client. Opcode is OpContinuation for every frame after the first in a
// fragmented message, exactly as it appears on the wire.
type Message struct {
	Opcode  Opcode
	Payload []byte
	Fin     bool
}

// ReadMessage blocks until the next TEXT, BINARY or CONTINUATION frame
// arrives and returns it, after decompression, as one Message; fragments
// are not joined here (see Message.Fin). A PING or PONG frame is returned
// as-is, a PING after it has already been auto-answered with a PONG of
// the same payload. ReadMessage returns an error when the connection
// moves to Closed. A CLOSE frame drives the
// close handshake (spec.md §4.4) and is reported back as
// *ConnectionClosed carrying the peer's close code and reason.
func (c *Conn) ReadMessage() (*Message, error) {
	for {
		if c.State() == StateClosed {
			return nil, &ConnectionClosed{Code: CloseNoStatusReceived, Reason: "connection already closed"}
		}

		f, err := c.decode.Decode()
		if err != nil {
			c.abortOnError(err)
			return nil, err
		}

		if f.Opcode.IsControl() {
			msg, err := c.handleControlFrame(f)
			if err != nil {
				if _, alreadyClosed := err.(*ConnectionClosed); !alreadyClosed {
					c.failConnection(err)
				}
				return nil, err
			}
			if msg != nil {
				return msg, nil
			}
			continue
		}

		msg, err := c.validateDataFrame(f)
		if err != nil {
			c.failConnection(err)
			return nil, err
		}
		return msg, nil
	}
}

// validateDataFrame decompresses f (if permessage-deflate is active),
// checks fragmentation legality (no data frame mid-fragment, no stray
// continuation), and validates UTF-8 on an unfragmented TEXT message,
// per spec.md §4.2; a fragmented TEXT message is not validated here. It
// rejects rsv1 on a continuation frame or when permessage-deflate is not
// active. The frame is returned unaccumulated, Fin as on the wire;
// ReadMessage's callers choose whether to buffer across fragments.
func (c *Conn) validateDataFrame(f *Frame) (*Message, error) {
	if f.Rsv1 && (c.compression == nil || f.Opcode == OpContinuation) {
		return nil, &ProtocolError{Reason: "rsv1 set on a continuation frame or without permessage-deflate"}
	}
	if c.compression != nil {
		decompressed, err := c.compression.Decompress(f, 0)
		if err != nil {
			return nil, err
		}
		f = decompressed
	}

	switch {
	case f.Opcode == OpContinuation:
		if !c.inFragment {
			return nil, &ProtocolError{Reason: "unexpected continuation frame"}
		}
	case f.Opcode.IsData():
		if c.inFragment {
			return nil, &ProtocolError{Reason: "data frame received mid-fragmented message"}
		}
		c.inFragment = !f.Fin
		c.fragOpcode = f.Opcode
	}

	if f.Fin {
		c.inFragment = false
		// An unfragmented TEXT message can be validated immediately;
		// a fragmented one must wait for the accumulated whole, which
		// is the caller's responsibility (see Message.Fin).
		if f.Opcode == OpText && !utf8.Valid(f.Payload) {
			return nil, &PayloadError{Reason: "invalid UTF-8 in text message"}
		}
	}

	return &Message{Opcode: f.Opcode, Payload: f.Payload, Fin: f.Fin}, nil
}

// handleControlFrame processes a PING/PONG/CLOSE frame. PING is answered
// with a PONG carrying the same payload before being handed back so a
// caller can still observe it (e.g. App.OnPing). CLOSE drives the close
// handshake and is reported as an error, not a Message.
func (c *Conn) handleControlFrame(f *Frame) (*Message, error) {
	switch f.Opcode {
	case OpPing:
		if err := c.WriteControl(OpPong, f.Payload); err != nil {
			return nil, err
		}
		return &Message{Opcode: OpPing, Payload: f.Payload, Fin: true}, nil
	case OpPong:
		return &Message{Opcode: OpPong, Payload: f.Payload, Fin: true}, nil
	case OpClose:
		code, reason, err := parseClosePayload(f.Payload)
		if err != nil {
			return nil, err
		}
		c.onPeerClose(code, reason)
		return nil, &ConnectionClosed{Code: code, Reason: reason}
	default:
		return nil, &ProtocolError{Reason: "unknown control opcode"}
	}
}

// parseClosePayload decodes and validates a received CLOSE frame's
// payload per RFC 6455 §5.5.1/§7.4 (mirrored by
// original_source/websocket/_abnf.py's close_frame validation): a
// payload of length 1 is always a protocol error, a present code must
// be one IsValidCloseCode accepts, and a present reason must be valid
// UTF-8.
func parseClosePayload(payload []byte) (code int, reason string, err error) {
	if len(payload) == 0 {
		return CloseNoStatusReceived, "", nil
	}
	if len(payload) == 1 {
		return 0, "", &ProtocolError{Reason: "close frame payload length 1"}
	}
	code = int(payload[0])<<8 | int(payload[1])
	if !IsValidCloseCode(code) {
		return 0, "", &ProtocolError{Reason: "invalid close code"}
	}
	reason = string(payload[2:])
	if !utf8.ValidString(reason) {
		return 0, "", &PayloadError{Reason: "invalid UTF-8 in close reason"}
	}
	return code, reason, nil
}

// onPeerClose runs when a CLOSE frame arrives from the peer. If this
// side had already sent its own CLOSE (an active Close() in progress),
// the handshake is complete and the transport is torn down. Otherwise
// this is the peer initiating closure: echo a CLOSE frame back before
// tearing down, per spec.md §4.4. The echo carries the peer's code, or
// CloseNormalClosure when that code may not appear on the wire (an empty
// CLOSE arrives as CloseNoStatusReceived).
func (c *Conn) onPeerClose(code int, reason string) {
	c.mu.Lock()
	alreadySent := c.closeSent
	c.closeReceived = true
	c.state = StateClosing
	c.mu.Unlock()

	if !IsValidCloseCode(code) {
		code = CloseNormalClosure
	}
	if !alreadySent {
		payload := encodeClosePayload(code, reason)
		_ = c.WriteControl(OpClose, payload)
	}
	c.teardown()
}

// Close performs the active close handshake of spec.md §4.4: send
// CLOSE, wait up to closeHandshakeTimeout for the peer's answering
// CLOSE (observed via a concurrent ReadMessage loop calling onPeerClose,
// or directly here if no reader is running), then tear down the
// transport. Close is idempotent; later calls after the first return
// nil immediately.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.state == StateClosed {
			c.mu.Unlock()
			return
		}
		c.closeSent = true
		c.state = StateClosing
		c.mu.Unlock()

		payload := encodeClosePayload(code, reason)
		if werr := c.WriteControl(OpClose, payload); werr != nil {
			c.log.Warnf("conn %s: close: failed to send close frame: %v", c.id, werr)
		}

		deadline := time.Now().Add(closeHandshakeTimeout)
		c.stream.SetReadDeadline(deadline)
		for {
			if c.State() != StateClosing {
				break
			}
			f, derr := c.decode.Decode()
			if derr != nil {
				break
			}
			if f.Opcode == OpClose {
				code, reason, perr := parseClosePayload(f.Payload)
				if perr != nil {
					break
				}
				c.onPeerClose(code, reason)
				break
			}
		}
		c.teardown()
	})
	return err
}

func (c *Conn) teardown() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.state = StateClosed
	c.mu.Unlock()
	c.stream.Close()
}

// failConnection implements spec.md §7: a protocol or payload error
// aborts the receive loop with a best-effort CLOSE, suppressing any
// further I/O error from that attempt.
func (c *Conn) failConnection(err error) {
	code, ok := closeCodeForError(err)
	if !ok {
		code = CloseProtocolError
	}
	c.mu.Lock()
	alreadyClosing := c.state != StateOpen
	c.mu.Unlock()
	if alreadyClosing {
		c.teardown()
		return
	}
	_ = c.WriteControl(OpClose, encodeClosePayload(code, ""))
	c.teardown()
}

// abortOnError handles a decode-level transport error (EOF, timeout):
// there is no peer to close with, so just tear down.
func (c *Conn) abortOnError(err error) {
	switch err.(type) {
	case *ConnectionClosed:
		c.teardown()
	case *TimeoutError:
		// Leave the state as-is; a caller may retry the read after
		// adjusting the deadline.
	default:
		c.failConnection(err)
	}
}

// encodeClosePayload builds a CLOSE payload. Code 0 and the local-only
// codes 1005 and 1006 produce an empty payload, so they never reach the
// wire.
func encodeClosePayload(code int, reason string) []byte {
	if code == 0 || code == CloseNoStatusReceived || code == CloseAbnormalClosure {
		return nil
	}
	payload := make([]byte, 2, 2+len(reason))
	payload[0] = byte(code >> 8)
	payload[1] = byte(code)
	payload = append(payload, reason...)
	if len(payload) > maxControlPayload {
		payload = payload[:maxControlPayload]
	}
	return payload
}
