package websocket

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testReader wraps a byte slice and hands it back in small, arbitrary
// chunks, so a decode path that assumes one Read() fills its buffer
// fails loudly. Modeled on the teacher pack's short-read test doubles.
type testReader struct {
	data     []byte
	chunk    int
	position int
}

func newTestReader(data []byte, chunk int) *testReader {
	return &testReader{data: data, chunk: chunk}
}

func (r *testReader) Read(p []byte) (int, error) {
	if r.position >= len(r.data) {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(p) {
		n = len(p)
	}
	if r.position+n > len(r.data) {
		n = len(r.data) - r.position
	}
	copy(p, r.data[r.position:r.position+n])
	r.position += n
	return n, nil
}

func encodeFixed(t *testing.T, f *Frame, key [4]byte) []byte {
	t.Helper()
	gen := func() ([4]byte, error) { return key, nil }
	data, err := EncodeFrame(f, gen)
	require.NoError(t, err)
	return data
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := [4]byte{0xAA, 0xBB, 0xCC, 0xDD}
	f := &Frame{Fin: true, Opcode: OpText, Mask: true, Payload: []byte("hello world")}
	data := encodeFixed(t, f, key)

	decoder := NewFrameDecoder(bytes.NewReader(data), 0)
	got, err := decoder.Decode()
	require.NoError(t, err)
	assert.Equal(t, f.Fin, got.Fin)
	assert.Equal(t, f.Opcode, got.Opcode)
	assert.Equal(t, f.Payload, got.Payload)
}

func TestDecodeSurvivesShortReads(t *testing.T) {
	key := [4]byte{1, 2, 3, 4}
	f := &Frame{Fin: true, Opcode: OpBinary, Mask: true, Payload: bytes.Repeat([]byte{0x42}, 300)}
	data := encodeFixed(t, f, key)

	for _, chunk := range []int{1, 2, 3, 7} {
		decoder := NewFrameDecoder(bufio.NewReader(newTestReader(data, chunk)), 0)
		got, err := decoder.Decode()
		require.NoError(t, err, "chunk size %d", chunk)
		assert.Equal(t, f.Payload, got.Payload, "chunk size %d", chunk)
	}
}

func TestEncodeLengthEncoding(t *testing.T) {
	cases := []struct {
		name       string
		size       int
		headerSize int // header bytes before the mask key, given a masked frame
	}{
		{"tiny", 10, 2},
		{"boundary 125", 125, 2},
		{"needs 16-bit length", 126, 4},
		{"large 16-bit", 65535, 4},
		{"needs 64-bit length", 65536, 10},
	}
	key := [4]byte{9, 9, 9, 9}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := &Frame{Fin: true, Opcode: OpBinary, Mask: true, Payload: make([]byte, tc.size)}
			data := encodeFixed(t, f, key)
			assert.Equal(t, tc.headerSize+4+tc.size, len(data))
		})
	}
}

func TestDecodeRejectsControlFrameTooLarge(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x80 | byte(OpPing))
	buf.WriteByte(126) // claims extended length despite being a control frame
	buf.Write([]byte{0x00, 0x7E})

	decoder := NewFrameDecoder(&buf, 0)
	_, err := decoder.Decode()
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDecodeRejectsFragmentedControlFrame(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(byte(OpPing)) // fin=0
	buf.WriteByte(0)

	decoder := NewFrameDecoder(&buf, 0)
	_, err := decoder.Decode()
	require.Error(t, err)
	var protoErr *ProtocolError
	assert.ErrorAs(t, err, &protoErr)
}

func TestDecodeRejectsReservedOpcode(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(0x80 | 0x3)
	buf.WriteByte(0)

	decoder := NewFrameDecoder(&buf, 0)
	_, err := decoder.Decode()
	require.Error(t, err)
}

func TestDecodeEnforcesMaxPayload(t *testing.T) {
	key := [4]byte{1, 1, 1, 1}
	f := &Frame{Fin: true, Opcode: OpBinary, Mask: true, Payload: make([]byte, 1000)}
	data := encodeFixed(t, f, key)

	decoder := NewFrameDecoder(bytes.NewReader(data), 100)
	_, err := decoder.Decode()
	require.Error(t, err)
	var payloadErr *PayloadError
	assert.ErrorAs(t, err, &payloadErr)
}
