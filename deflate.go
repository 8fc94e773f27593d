package websocket

import (
	"bytes"
	"compress/flate"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

// CompressionOptions controls the permessage-deflate extension (RFC
// 7692), per spec.md §3 and §4.3.
type CompressionOptions struct {
	ServerNoContextTakeover bool
	ClientNoContextTakeover bool
	// ServerMaxWindowBits is nil when unset.
	ServerMaxWindowBits *int
	// ClientMaxWindowBits is nil when unset, a non-nil *int when a
	// concrete value [8,15] was negotiated, and a non-nil *int pointing
	// at 0 as a sentinel for "offered bare, no value" is never produced
	// by FromHeader/Negotiate (see ClientMaxWindowBitsOffered).
	ClientMaxWindowBits *int
	// ClientMaxWindowBitsOffered records that the client_max_window_bits
	// token was present without a value (the "offered bare" case),
	// distinct from it being entirely absent.
	ClientMaxWindowBitsOffered bool
}

func intPtr(v int) *int { return &v }

// ToHeader serializes o as the value of a Sec-WebSocket-Extensions
// header, per spec.md §4.3 and S7.
func (o *CompressionOptions) ToHeader() string {
	parts := []string{"permessage-deflate"}
	if o.ServerNoContextTakeover {
		parts = append(parts, "server_no_context_takeover")
	}
	if o.ClientNoContextTakeover {
		parts = append(parts, "client_no_context_takeover")
	}
	if o.ServerMaxWindowBits != nil {
		parts = append(parts, fmt.Sprintf("server_max_window_bits=%d", *o.ServerMaxWindowBits))
	}
	if o.ClientMaxWindowBits != nil {
		parts = append(parts, fmt.Sprintf("client_max_window_bits=%d", *o.ClientMaxWindowBits))
	} else if o.ClientMaxWindowBitsOffered {
		parts = append(parts, "client_max_window_bits")
	}
	return strings.Join(parts, "; ")
}

// compressionOptionsFromExtensionsHeader scans a full
// Sec-WebSocket-Extensions header value (possibly listing several
// extensions, comma-separated) for a permessage-deflate entry and
// parses its parameters. It returns nil, nil when no permessage-deflate
// entry is present.
func compressionOptionsFromExtensionsHeader(header string) (*CompressionOptions, error) {
	for _, extension := range strings.Split(header, ",") {
		params := strings.Split(extension, ";")
		name := strings.ToLower(strings.TrimSpace(params[0]))
		if name != "permessage-deflate" {
			continue
		}
		return parseDeflateParams(params[1:])
	}
	return nil, nil
}

func parseDeflateParams(params []string) (*CompressionOptions, error) {
	o := &CompressionOptions{}
	for _, raw := range params {
		p := strings.TrimSpace(raw)
		if p == "" {
			continue
		}
		name, value, hasValue := strings.Cut(p, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch name {
		case "server_no_context_takeover":
			o.ServerNoContextTakeover = true
		case "client_no_context_takeover":
			o.ClientNoContextTakeover = true
		case "server_max_window_bits":
			if !hasValue {
				return nil, &ProtocolError{Reason: "server_max_window_bits requires a value"}
			}
			bits, err := strconv.Atoi(value)
			if err != nil || bits < 8 || bits > 15 {
				return nil, &ProtocolError{Reason: "invalid server_max_window_bits: " + value}
			}
			o.ServerMaxWindowBits = intPtr(bits)
		case "client_max_window_bits":
			if !hasValue {
				o.ClientMaxWindowBitsOffered = true
				continue
			}
			bits, err := strconv.Atoi(value)
			if err != nil || bits < 8 || bits > 15 {
				return nil, &ProtocolError{Reason: "invalid client_max_window_bits: " + value}
			}
			o.ClientMaxWindowBits = intPtr(bits)
		default:
			return nil, &ProtocolError{Reason: "unknown permessage-deflate parameter: " + name}
		}
	}
	return o, nil
}

// Negotiate reconciles the client-offered options (the receiver) with
// the server-returned options, producing the effective options used for
// the connection, per spec.md §4.3:
//
//   - server_no_context_takeover: a client demand with no server
//     response fails.
//   - client_no_context_takeover: the server may unilaterally enable it
//     even when the client did not request it (RFC 7692).
//   - server_max_window_bits: if the client requested N, the server must
//     return a value <= N; a missing server response when the client
//     requested one fails.
//   - client_max_window_bits: if the client did not signal support, the
//     server must not return one; if the client offered it bare, the
//     server may choose any value up to 15; if the client offered N, the
//     server must return a value <= N.
//
// Any window-bits left unset after negotiation default to 15.
func (o *CompressionOptions) Negotiate(returned *CompressionOptions) (*CompressionOptions, error) {
	effective := &CompressionOptions{
		ServerNoContextTakeover:    returned.ServerNoContextTakeover,
		ClientNoContextTakeover:    returned.ClientNoContextTakeover,
		ServerMaxWindowBits:        returned.ServerMaxWindowBits,
		ClientMaxWindowBits:        returned.ClientMaxWindowBits,
		ClientMaxWindowBitsOffered: returned.ClientMaxWindowBitsOffered,
	}

	if o.ServerNoContextTakeover && !effective.ServerNoContextTakeover {
		return nil, &HandshakeError{Reason: "server did not allow context takeover, but client requested it"}
	}

	if o.ClientNoContextTakeover && !effective.ClientNoContextTakeover {
		effective.ClientNoContextTakeover = true
	}

	if o.ServerMaxWindowBits != nil {
		if effective.ServerMaxWindowBits == nil {
			return nil, &HandshakeError{Reason: "server did not provide server_max_window_bits, but client requested it"}
		}
		if *effective.ServerMaxWindowBits > *o.ServerMaxWindowBits {
			return nil, &HandshakeError{Reason: "server_max_window_bits exceeds what client requested"}
		}
	}

	switch {
	case o.ClientMaxWindowBits == nil && !o.ClientMaxWindowBitsOffered:
		if effective.ClientMaxWindowBits != nil || effective.ClientMaxWindowBitsOffered {
			return nil, &HandshakeError{Reason: "server provided client_max_window_bits, but client did not offer support"}
		}
	case o.ClientMaxWindowBits != nil:
		if effective.ClientMaxWindowBits == nil {
			effective.ClientMaxWindowBits = o.ClientMaxWindowBits
		} else if *effective.ClientMaxWindowBits > *o.ClientMaxWindowBits {
			return nil, &HandshakeError{Reason: "client_max_window_bits exceeds what client requested"}
		}
	}

	if effective.ClientMaxWindowBits == nil {
		effective.ClientMaxWindowBits = intPtr(15)
	}
	if effective.ServerMaxWindowBits == nil {
		effective.ServerMaxWindowBits = intPtr(15)
	}
	return effective, nil
}

// emptyUncompressedBlock is the fixed suffix produced by a zlib
// SYNC_FLUSH, stripped from the final frame of a compressed message and
// re-appended before decompression.
var emptyUncompressedBlock = []byte{0x00, 0x00, 0xff, 0xff}

// CompressionExtension holds the per-direction compressor/decompressor
// state for one connection's negotiated permessage-deflate options.
type CompressionExtension struct {
	options *CompressionOptions

	mu                     sync.Mutex
	compressor             *flate.Writer
	compressBuf            bytes.Buffer
	decompressor           io.ReadCloser
	decompressWindow       []byte
	initialFrameCompressed bool
}

// maxDeflateWindow bounds the decompression history carried across
// Reset calls so context takeover can prime the next frame's dictionary
// (the Go flate.Resetter replaces its sliding window on every Reset, so
// the dictionary is how the window survives the per-frame Reset this
// codec requires).
const maxDeflateWindow = 32768

// NewCompressionExtension builds a compressor/decompressor pair in raw
// (no zlib wrapper) mode. The negotiated window bits are not applied:
// compress/flate always uses its fixed 32 KiB window, so a negotiated
// client_max_window_bits below 15 does not narrow what the compressor
// emits.
func NewCompressionExtension(options *CompressionOptions) *CompressionExtension {
	c := &CompressionExtension{options: options}
	c.resetCompressor()
	c.resetDecompressor()
	return c
}

func (c *CompressionExtension) resetCompressor() {
	c.compressBuf.Reset()
	w, _ := flate.NewWriter(&c.compressBuf, flate.DefaultCompression)
	c.compressor = w
}

func (c *CompressionExtension) resetDecompressor() {
	c.decompressor = flate.NewReader(bytes.NewReader(nil))
	c.decompressWindow = nil
}

// Compress transforms an outgoing frame per spec.md §4.3. Control frames
// pass through untouched. The compressor is reset ahead of a new message
// when client_no_context_takeover is in effect. The SYNC_FLUSH suffix is
// stripped on the final frame of a message.
func (c *CompressionExtension) Compress(f *Frame) (*Frame, error) {
	if f.Opcode == OpClose || f.Opcode == OpPing || f.Opcode == OpPong {
		return f, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f.Opcode != OpContinuation && c.options.ClientNoContextTakeover {
		c.resetCompressor()
	}

	c.compressBuf.Reset()
	if _, err := c.compressor.Write(f.Payload); err != nil {
		return nil, wrap(err, "compressing frame")
	}
	if err := c.compressor.Flush(); err != nil {
		return nil, wrap(err, "flushing compressor")
	}
	data := append([]byte(nil), c.compressBuf.Bytes()...)
	if f.Fin {
		if !bytes.HasSuffix(data, emptyUncompressedBlock) {
			return nil, &ProtocolError{Reason: "compressor did not produce expected sync-flush suffix"}
		}
		data = data[:len(data)-len(emptyUncompressedBlock)]
	}

	out := *f
	out.Payload = data
	out.Rsv1 = f.Opcode != OpContinuation
	return &out, nil
}

// Decompress is the mirror of Compress, applied during message
// reassembly in the connection's receive loop. max_size, when positive,
// bounds the decompressed output; exceeding it raises a *PayloadError.
// Zlib failures raise a *ProtocolError.
func (c *CompressionExtension) Decompress(f *Frame, maxSize int) (*Frame, error) {
	if f.Opcode == OpClose || f.Opcode == OpPing || f.Opcode == OpPong {
		return f, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if f.Opcode == OpContinuation {
		if !c.initialFrameCompressed {
			return f, nil
		}
		if f.Fin {
			c.initialFrameCompressed = false
		}
	} else {
		if !f.Rsv1 {
			return f, nil
		}
		if !f.Fin {
			c.initialFrameCompressed = true
		}
		if c.options.ServerNoContextTakeover {
			c.decompressWindow = nil
		}
	}

	data := f.Payload
	if f.Fin {
		// After the sync-flush suffix, a final empty stored block lets the
		// flate reader end with io.EOF instead of io.ErrUnexpectedEOF.
		data = append(append(append([]byte(nil), data...), emptyUncompressedBlock...), 0x01, 0x00, 0x00, 0xff, 0xff)
	}

	// The dictionary (rather than a nil-dict hard reset) is what
	// preserves context takeover: Reset must run every frame to switch
	// the decompressor onto this frame's bytes, but priming it with the
	// trailing window of prior output lets back-references into earlier
	// messages resolve, matching the server's persistent compressor.
	c.decompressor.(flate.Resetter).Reset(bytes.NewReader(data), c.decompressWindow)

	var limited io.Reader = c.decompressor
	if maxSize > 0 {
		limited = io.LimitReader(limited, int64(maxSize)+1)
	}
	out, err := io.ReadAll(limited)
	if err != nil {
		return nil, &ProtocolError{Reason: "decompression failed: " + err.Error()}
	}
	if maxSize > 0 && len(out) > maxSize {
		return nil, &PayloadError{Reason: "decompressed message exceeds max size"}
	}

	c.decompressWindow = append(c.decompressWindow, out...)
	if len(c.decompressWindow) > maxDeflateWindow {
		c.decompressWindow = c.decompressWindow[len(c.decompressWindow)-maxDeflateWindow:]
	}

	result := *f
	result.Payload = out
	result.Rsv1 = false
	return &result, nil
}
