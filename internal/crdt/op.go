package crdt

import (
	"github.com/quillsync/core/internal/docerr"
	"github.com/quillsync/core/internal/lamport"
)

// OpKind distinguishes an insert from a delete within an update.
type OpKind uint8

const (
	OpInsert OpKind = iota
	OpDelete
)

// Op is a single CRDT operation: either "insert Value with id ID, just
// right of OriginID" or "delete the element with id ID".
type Op struct {
	Kind     OpKind
	ID       lamport.Timestamp
	OriginID lamport.Timestamp
	Value    rune
}

func appendVaruint(buf []byte, v uint64) []byte {
	for v >= 0x80 {
		buf = append(buf, byte(v)|0x80)
		v >>= 7
	}
	return append(buf, byte(v))
}

func readVaruint(buf []byte, pos int) (uint64, int, error) {
	var result uint64
	var shift uint
	start := pos
	for {
		if pos >= len(buf) {
			return 0, 0, docerr.Codec("truncated crdt varuint", start)
		}
		b := buf[pos]
		pos++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, pos - start, nil
		}
		shift += 7
	}
}

func appendTimestamp(buf []byte, ts lamport.Timestamp) []byte {
	buf = appendVaruint(buf, uint64(ts.ClientID))
	return appendVaruint(buf, ts.Counter)
}

func readTimestamp(buf []byte, pos int) (lamport.Timestamp, int, error) {
	clientID, adv, err := readVaruint(buf, pos)
	if err != nil {
		return lamport.Timestamp{}, pos, err
	}
	pos += adv
	counter, adv, err := readVaruint(buf, pos)
	if err != nil {
		return lamport.Timestamp{}, pos, err
	}
	pos += adv
	return lamport.Timestamp{ClientID: uint32(clientID), Counter: counter}, pos, nil
}

// EncodeOps serializes a batch of ops into the opaque bytes carried as a
// plaintext CRDT update (the payload of wire.EncodeDocUpdate /
// wire.EncodeDocSyncStep2 for unencrypted documents).
func EncodeOps(ops []Op) []byte {
	buf := appendVaruint(nil, uint64(len(ops)))
	for _, op := range ops {
		buf = append(buf, byte(op.Kind))
		buf = appendTimestamp(buf, op.ID)
		switch op.Kind {
		case OpInsert:
			buf = appendTimestamp(buf, op.OriginID)
			buf = appendVaruint(buf, uint64(op.Value))
		case OpDelete:
			// no further fields
		}
	}
	return buf
}

// DecodeOps parses the encoding built by EncodeOps.
func DecodeOps(buf []byte) ([]Op, error) {
	count, pos, err := readVaruint(buf, 0)
	if err != nil {
		return nil, err
	}
	ops := make([]Op, 0, count)
	for i := uint64(0); i < count; i++ {
		if pos >= len(buf) {
			return nil, docerr.Codec("truncated crdt op: missing kind byte", pos)
		}
		kind := OpKind(buf[pos])
		pos++
		id, newPos, err := readTimestamp(buf, pos)
		if err != nil {
			return nil, err
		}
		pos = newPos

		op := Op{Kind: kind, ID: id}
		if kind == OpInsert {
			origin, newPos, err := readTimestamp(buf, pos)
			if err != nil {
				return nil, err
			}
			pos = newPos
			value, adv, err := readVaruint(buf, pos)
			if err != nil {
				return nil, err
			}
			pos += adv
			op.OriginID = origin
			op.Value = rune(value)
		}
		ops = append(ops, op)
	}
	return ops, nil
}
