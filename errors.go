package websocket

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error taxonomy for the client, per the protocol's error handling design.
//
// Protocol and payload errors abort the receive loop and trigger a
// best-effort CLOSE (1002 or 1007) followed by transport teardown.
// Timeout errors trigger a CLOSE with code 1011. ConnectionClosed does
// not attempt a CLOSE exchange.

// URLError reports a malformed or unsupported ws/wss URL.
type URLError struct {
	URL    string
	Reason string
}

func (e *URLError) Error() string {
	return fmt.Sprintf("websocket: invalid url %q: %s", e.URL, e.Reason)
}

// HandshakeError reports a failed HTTP upgrade handshake: bad status,
// missing or mismatched headers, or a bad Sec-WebSocket-Accept value.
type HandshakeError struct {
	Reason string
}

func (e *HandshakeError) Error() string {
	return "websocket: handshake failed: " + e.Reason
}

// ProtocolError reports a frame validation failure or illegal
// interleaving of frames, as detailed in the frame codec's validation
// rules.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "websocket: protocol error: " + e.Reason
}

// PayloadError reports a UTF-8 validation failure on a text message or
// a decompression-size overflow.
type PayloadError struct {
	Reason string
}

func (e *PayloadError) Error() string {
	return "websocket: payload error: " + e.Reason
}

// TimeoutError reports a read, write, or ping-timeout being exceeded,
// or a timeout while waiting for the server's upgrade response. A
// timeout during the TCP dial or the TLS handshake is not reported as a
// TimeoutError.
type TimeoutError struct {
	Reason string
}

func (e *TimeoutError) Error() string {
	return "websocket: timeout: " + e.Reason
}

func (e *TimeoutError) Timeout() bool { return true }

// ConnectionClosed reports the peer closing the TCP/TLS transport, or an
// EOF, outside of a clean close handshake. Code is the peer's close code
// when a CLOSE frame was involved, or CloseNoStatusReceived/
// CloseAbnormalClosure for a bare transport teardown.
type ConnectionClosed struct {
	Code   int
	Reason string
}

func (e *ConnectionClosed) Error() string {
	if e.Reason == "" {
		return "websocket: connection closed"
	}
	return "websocket: connection closed: " + e.Reason
}

// AbortedError reports a locally aborted operation. Conn has no Abort
// method, and no function in this package returns an AbortedError.
type AbortedError struct{}

func (e *AbortedError) Error() string { return "websocket: aborted" }

// EncodingError reports a frame that cannot be legally encoded, per
// spec.md §4.2 (a payload of length >= 2^63).
type EncodingError struct {
	Reason string
}

func (e *EncodingError) Error() string { return "websocket: encoding error: " + e.Reason }

// wrap attaches a stack trace to err using pkg/errors, preserving the
// original typed error for errors.As / errors.Cause.
func wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, msg)
}

// Cause unwraps an error wrapped by this package back to its root cause.
func Cause(err error) error {
	return errors.Cause(err)
}

// closeCodeForError maps an error from the receive loop to the close
// code that should be sent to the peer before tearing down the
// transport, per the error propagation rules. ok is false when no CLOSE
// should be attempted (ConnectionClosed, AbortedError).
func closeCodeForError(err error) (code int, ok bool) {
	switch errors.Cause(err).(type) {
	case *ProtocolError:
		return CloseProtocolError, true
	case *PayloadError:
		return CloseInvalidFramePayload, true
	case *TimeoutError:
		return CloseInternalServerErr, true
	default:
		return 0, false
	}
}
