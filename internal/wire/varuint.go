package wire

import "github.com/quillsync/core/internal/docerr"

// appendVaruint encodes v as a little-endian base-128 varuint (LEB128-style:
// 7 payload bits per byte, high bit set while more bytes follow).
func appendVaruint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

// readVaruint decodes a varuint starting at pos, returning the value, the
// number of bytes consumed, and an error if the buffer is exhausted or the
// varuint is malformed (more than 10 bytes, which would overflow uint64).
func readVaruint(buf []byte, pos int) (uint64, int, error) {
	var result uint64
	var shift uint
	start := pos
	for {
		if pos >= len(buf) {
			return 0, 0, docerr.Codec("truncated varuint", start)
		}
		b := buf[pos]
		pos++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, pos - start, nil
		}
		shift += 7
		if shift > 63 {
			return 0, 0, docerr.Codec("varuint overflow", start)
		}
	}
}

// appendBytes writes a varuint length prefix followed by the raw bytes.
func appendBytes(buf []byte, b []byte) []byte {
	buf = appendVaruint(buf, uint64(len(b)))
	return append(buf, b...)
}

// readBytes reads a varuint-length-prefixed byte string starting at pos,
// returning the slice, new position, and error.
func readBytes(buf []byte, pos int) ([]byte, int, error) {
	n, adv, err := readVaruint(buf, pos)
	if err != nil {
		return nil, pos, err
	}
	pos += adv
	if n > uint64(len(buf)-pos) {
		return nil, pos, docerr.Codec("length exceeds remaining buffer", pos)
	}
	out := buf[pos : pos+int(n)]
	return out, pos + int(n), nil
}

func appendString(buf []byte, s string) []byte {
	return appendBytes(buf, []byte(s))
}

func readString(buf []byte, pos int) (string, int, error) {
	b, newPos, err := readBytes(buf, pos)
	if err != nil {
		return "", pos, err
	}
	return string(b), newPos, nil
}
