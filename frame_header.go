package websocket

import (
	"bufio"
	"crypto/rand"
	"encoding/binary"
	"io"
	"math"
)

// MaskKeyGenerator produces the 4-byte masking key for an outgoing
// client frame. The default generates cryptographically random bytes;
// tests inject a deterministic generator (see S3).
type MaskKeyGenerator func() ([4]byte, error)

// defaultMaskKeyGenerator reads 4 bytes from crypto/rand.
func defaultMaskKeyGenerator() ([4]byte, error) {
	var key [4]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, wrap(err, "generating mask key")
	}
	return key, nil
}

// EncodeFrame serializes f per spec.md §4.2:
//
//	byte 0: fin<<7 | rsv1<<6 | rsv2<<5 | rsv3<<4 | opcode
//	byte 1: mask<<7 | len7
//	bytes 2..: extended length, 0/2/8 bytes depending on len7
//	then: 4-byte mask key iff mask=1
//	then: payload, XOR-masked iff mask=1
//
// A payload of length >= 2^63 is rejected as an *EncodingError. If f.Mask
// is set, genKey supplies the mask key (nil uses crypto/rand).
func EncodeFrame(f *Frame, genKey MaskKeyGenerator) ([]byte, error) {
	n := len(f.Payload)
	if uint64(n) >= (uint64(1) << 63) {
		return nil, &EncodingError{Reason: "payload length exceeds 2^63"}
	}

	header := make([]byte, 0, 14)

	var b0 byte
	if f.Fin {
		b0 |= 0x80
	}
	if f.Rsv1 {
		b0 |= 0x40
	}
	if f.Rsv2 {
		b0 |= 0x20
	}
	if f.Rsv3 {
		b0 |= 0x10
	}
	b0 |= byte(f.Opcode) & 0x0F
	header = append(header, b0)

	var b1 byte
	if f.Mask {
		b1 |= 0x80
	}
	switch {
	case n <= 125:
		b1 |= byte(n)
		header = append(header, b1)
	case n <= math.MaxUint16:
		b1 |= 126
		header = append(header, b1)
		var ext [2]byte
		binary.BigEndian.PutUint16(ext[:], uint16(n))
		header = append(header, ext[:]...)
	default:
		b1 |= 127
		header = append(header, b1)
		var ext [8]byte
		binary.BigEndian.PutUint64(ext[:], uint64(n))
		header = append(header, ext[:]...)
	}

	payload := f.Payload
	if f.Mask {
		gen := genKey
		if gen == nil {
			gen = defaultMaskKeyGenerator
		}
		key, err := gen()
		if err != nil {
			return nil, err
		}
		header = append(header, key[:]...)
		payload = append([]byte(nil), payload...)
		maskBytes(key, 0, payload)
	}

	out := make([]byte, 0, len(header)+len(payload))
	out = append(out, header...)
	out = append(out, payload...)
	return out, nil
}

// FrameDecoder decodes a sequence of frames from a buffered reader. Each
// call to Decode reads exactly one frame, blocking on the underlying
// reader as needed; this is the resumption model of spec.md §4.2
// expressed with Go's blocking I/O instead of explicit suspend/resume
// states; a read that blocks is a suspension point (spec.md §5), and the
// partially-read prefix lives safely in br's internal buffer across
// short reads performed by the kernel.
type FrameDecoder struct {
	br            *bufio.Reader
	maxPayload    int64 // 0 means unlimited
}

// NewFrameDecoder wraps r (if not already a *bufio.Reader) for frame
// decoding. maxPayload, when positive, bounds the payload length
// accepted before the frame header has committed to allocating a
// buffer.
func NewFrameDecoder(r io.Reader, maxPayload int64) *FrameDecoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &FrameDecoder{br: br, maxPayload: maxPayload}
}

// Decode reads and validates one wire frame. The mask (if present) is
// applied in place before the Frame is returned, satisfying P1 since
// decode is the inverse of a masked encode.
func (d *FrameDecoder) Decode() (*Frame, error) {
	var head [2]byte
	if _, err := io.ReadFull(d.br, head[:]); err != nil {
		return nil, classifyReadErr(err)
	}

	f := &Frame{
		Fin:    head[0]&0x80 != 0,
		Rsv1:   head[0]&0x40 != 0,
		Rsv2:   head[0]&0x20 != 0,
		Rsv3:   head[0]&0x10 != 0,
		Opcode: Opcode(head[0] & 0x0F),
		Mask:   head[1]&0x80 != 0,
	}
	if !f.Opcode.valid() {
		return nil, &ProtocolError{Reason: "reserved opcode"}
	}
	if f.Rsv2 || f.Rsv3 {
		return nil, &ProtocolError{Reason: "rsv2/rsv3 set without a negotiated extension"}
	}

	length := uint64(head[1] & 0x7F)
	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(d.br, ext[:]); err != nil {
			return nil, classifyReadErr(err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(d.br, ext[:]); err != nil {
			return nil, classifyReadErr(err)
		}
		length = binary.BigEndian.Uint64(ext[:])
		if length>>63 != 0 {
			return nil, &ProtocolError{Reason: "payload length has high bit set"}
		}
	}
	if d.maxPayload > 0 && int64(length) > d.maxPayload {
		return nil, &PayloadError{Reason: "frame payload exceeds configured maximum"}
	}

	if f.Opcode.IsControl() {
		if !f.Fin {
			return nil, &ProtocolError{Reason: "control frame with fin=0"}
		}
		if length > maxControlPayload {
			return nil, &ProtocolError{Reason: "control frame payload exceeds 125 bytes"}
		}
	}

	if f.Mask {
		if _, err := io.ReadFull(d.br, f.MaskKey[:]); err != nil {
			return nil, classifyReadErr(err)
		}
	}

	if length > 0 {
		f.Payload = make([]byte, length)
		if _, err := io.ReadFull(d.br, f.Payload); err != nil {
			return nil, classifyReadErr(err)
		}
	}

	if f.Mask {
		maskBytes(f.MaskKey, 0, f.Payload)
	}

	return f, nil
}

func classifyReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return &ConnectionClosed{Code: CloseAbnormalClosure, Reason: err.Error()}
	}
	if ne, ok := err.(interface{ Timeout() bool }); ok && ne.Timeout() {
		return &TimeoutError{Reason: err.Error()}
	}
	return wrap(err, "reading frame")
}
