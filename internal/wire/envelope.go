// Package wire implements the binary message envelope of spec.md §4.A: a
// fixed header (magic, version, document id, variant tag, encrypted flag,
// message id, optional context block) wrapping a variant-specific payload.
// It generalizes the framing style of the teacher's control stream
// (daemon/transport/control_stream.go), which length-prefixes a JSON
// payload behind a single opcode byte, into a fully binary, length-prefixed
// layout with a closed set of typed variants.
package wire

import (
	"bytes"
	"crypto/rand"
	"fmt"

	"github.com/quillsync/core/internal/docerr"
)

// Magic identifies a quillsync wire frame.
var Magic = [3]byte{0x59, 0x4A, 0x53}

// ProtocolVersion is the only version this codec understands.
const ProtocolVersion = 1

// Category is the top-level variant family carried in the header. The
// specific operation within a category (e.g. which doc.* message this is)
// is encoded in the payload itself, per the worked examples in spec.md §6.
type Category uint8

const (
	CategoryDoc Category = iota
	CategoryAwareness
	CategoryAck
	CategoryRPC
	CategoryFile
)

func (c Category) String() string {
	switch c {
	case CategoryDoc:
		return "doc"
	case CategoryAwareness:
		return "awareness"
	case CategoryAck:
		return "ack"
	case CategoryRPC:
		return "rpc"
	case CategoryFile:
		return "file"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// hasContextBit is OR'd into the on-wire variant byte to flag the presence
// of a trailing context block, per spec.md §4.A ("context block presence is
// bit-flagged inside variant").
const hasContextBit = 0x80
const categoryMask = 0x7f

// DocSubVariant distinguishes the doc.* operations, encoded as the first
// byte of a CategoryDoc payload (see spec.md §6's worked sub-variant bytes).
type DocSubVariant uint8

const (
	DocSyncStep1 DocSubVariant = iota
	DocSyncStep2
	DocUpdate
	DocSyncDone
	DocAuthMessage
)

// FileSubVariant distinguishes the legacy file-* tag's operations.
type FileSubVariant uint8

const (
	FileMetadata FileSubVariant = iota
	FileChunkData
	FileAuth
)

// MessageID is the random 16-byte frame identifier used for ack correlation
// and dedupe keys.
type MessageID [16]byte

// NewMessageID draws a fresh random message id.
func NewMessageID() MessageID {
	var id MessageID
	if _, err := rand.Read(id[:]); err != nil {
		panic("wire: failed to read random bytes: " + err.Error())
	}
	return id
}

func (m MessageID) String() string {
	return fmt.Sprintf("%x", m[:])
}

// Context carries the optional per-frame context block: the sender's client
// id and the last event id it has observed, used by awareness and resume
// flows.
type Context struct {
	ClientID    uint64
	LastEventID uint64
}

// Envelope is a single decoded wire frame. Payload holds the
// category-specific encoding; the helpers in variants.go build and parse
// Payload for each category.
type Envelope struct {
	DocID     string
	Category  Category
	Encrypted bool
	MessageID MessageID
	Context   *Context
	Payload   []byte
}

// Encode serializes the envelope per spec.md §4.A's layout:
// [magic:3][version:varuint][docIdLen:varuint][docId:utf8][variant:u8]
// [encrypted:u8][msgId:16][contextBlock?][payloadLen:varuint][payload:bytes].
func Encode(e *Envelope) []byte {
	buf := make([]byte, 0, 32+len(e.Payload))
	buf = append(buf, Magic[:]...)
	buf = appendVaruint(buf, ProtocolVersion)
	buf = appendString(buf, e.DocID)

	variantByte := byte(e.Category) & categoryMask
	if e.Context != nil {
		variantByte |= hasContextBit
	}
	buf = append(buf, variantByte)

	if e.Encrypted {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}

	buf = append(buf, e.MessageID[:]...)

	if e.Context != nil {
		buf = appendVaruint(buf, e.Context.ClientID)
		buf = appendVaruint(buf, e.Context.LastEventID)
	}

	buf = appendBytes(buf, e.Payload)
	return buf
}

// Decode parses a wire frame produced by Encode. It returns a *docerr.Error
// of kind docerr.KindCodec on any malformed input, including an unknown
// protocol version or a length prefix exceeding the remaining buffer.
func Decode(buf []byte) (*Envelope, error) {
	if len(buf) < len(Magic) {
		return nil, docerr.Codec("frame shorter than magic bytes", 0)
	}
	if !bytes.Equal(buf[:len(Magic)], Magic[:]) {
		return nil, docerr.Codec("bad magic bytes", 0)
	}
	pos := len(Magic)

	version, adv, err := readVaruint(buf, pos)
	if err != nil {
		return nil, err
	}
	pos += adv
	if version != ProtocolVersion {
		return nil, docerr.Codec(fmt.Sprintf("unsupported protocol version %d", version), pos)
	}

	docID, pos, err := readString(buf, pos)
	if err != nil {
		return nil, err
	}

	if pos >= len(buf) {
		return nil, docerr.Codec("truncated frame: missing variant byte", pos)
	}
	variantByte := buf[pos]
	pos++
	category := Category(variantByte & categoryMask)
	if category > CategoryFile {
		return nil, docerr.Codec(fmt.Sprintf("unknown variant category %d", category), pos-1)
	}
	hasContext := variantByte&hasContextBit != 0

	if pos >= len(buf) {
		return nil, docerr.Codec("truncated frame: missing encrypted flag", pos)
	}
	encrypted := buf[pos] != 0
	pos++

	if pos+16 > len(buf) {
		return nil, docerr.Codec("truncated frame: missing message id", pos)
	}
	var msgID MessageID
	copy(msgID[:], buf[pos:pos+16])
	pos += 16

	var ctx *Context
	if hasContext {
		clientID, adv, err := readVaruint(buf, pos)
		if err != nil {
			return nil, err
		}
		pos += adv
		lastEventID, adv, err := readVaruint(buf, pos)
		if err != nil {
			return nil, err
		}
		pos += adv
		ctx = &Context{ClientID: clientID, LastEventID: lastEventID}
	}

	payload, pos, err := readBytes(buf, pos)
	if err != nil {
		return nil, err
	}
	_ = pos

	return &Envelope{
		DocID:     docID,
		Category:  category,
		Encrypted: encrypted,
		MessageID: msgID,
		Context:   ctx,
		Payload:   append([]byte{}, payload...),
	}, nil
}
