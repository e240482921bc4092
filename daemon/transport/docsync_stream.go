package transport

import (
	"encoding/binary"
	"io"

	"github.com/quillsync/core/internal/wire"
)

// FrameStream length-prefixes quillsync wire envelopes over any
// bidirectional byte stream as [length:u32 big-endian][body], where body is
// one wire.Encode'd envelope.
type FrameStream struct {
	rw io.ReadWriter
}

// NewFrameStream wraps a stream (a QUIC stream satisfies io.ReadWriter).
func NewFrameStream(rw io.ReadWriter) *FrameStream {
	return &FrameStream{rw: rw}
}

// WriteFrame encodes and writes one envelope.
func (f *FrameStream) WriteFrame(env *wire.Envelope) error {
	return f.WriteRaw(wire.Encode(env))
}

// WriteRaw writes an already-encoded frame.
func (f *FrameStream) WriteRaw(raw []byte) error {
	if err := binary.Write(f.rw, binary.BigEndian, uint32(len(raw))); err != nil {
		return err
	}
	_, err := f.rw.Write(raw)
	return err
}

// ReadRaw reads one length-prefixed frame's raw bytes.
func (f *FrameStream) ReadRaw() ([]byte, error) {
	var length uint32
	if err := binary.Read(f.rw, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(f.rw, data); err != nil {
		return nil, err
	}
	return data, nil
}
