package wire

import "github.com/quillsync/core/internal/docerr"

// DocSyncStep1 payload: [subVariant:u8][stateVector:bytes].

// EncodeDocSyncStep1 builds a CategoryDoc payload carrying a sync-step-1
// state vector (opaque: plaintext state vector, or the encoded
// encrypted-state-vector tuple built by EncodeEncryptedStateVector).
func EncodeDocSyncStep1(stateVector []byte) []byte {
	buf := []byte{byte(DocSyncStep1)}
	return append(buf, stateVector...)
}

// EncodeDocSyncStep2 builds a CategoryDoc payload carrying sync-step-2
// update bytes.
func EncodeDocSyncStep2(update []byte) []byte {
	buf := []byte{byte(DocSyncStep2)}
	return append(buf, update...)
}

// EncodeDocUpdate builds a CategoryDoc payload carrying a single update.
func EncodeDocUpdate(update []byte) []byte {
	buf := []byte{byte(DocUpdate)}
	return append(buf, update...)
}

// EncodeDocSyncDone builds the empty CategoryDoc sync-done payload.
func EncodeDocSyncDone() []byte {
	return []byte{byte(DocSyncDone)}
}

// AuthMessage is the doc.auth-message payload: a permission decision with an
// optional human-readable reason.
type AuthMessage struct {
	Permission string
	Reason     string
	HasReason  bool
}

// EncodeDocAuthMessage builds a CategoryDoc payload carrying an auth
// decision.
func EncodeDocAuthMessage(m AuthMessage) []byte {
	buf := []byte{byte(DocAuthMessage)}
	buf = appendString(buf, m.Permission)
	if m.HasReason {
		buf = append(buf, 1)
		buf = appendString(buf, m.Reason)
	} else {
		buf = append(buf, 0)
	}
	return buf
}

// DecodedDoc is the parsed form of a CategoryDoc payload.
type DecodedDoc struct {
	SubVariant  DocSubVariant
	Bytes       []byte // state vector or update bytes, for the *Bytes-carrying variants
	AuthMessage AuthMessage
}

// DecodeDoc parses a CategoryDoc envelope's payload.
func DecodeDoc(payload []byte) (*DecodedDoc, error) {
	if len(payload) == 0 {
		return nil, docerr.Codec("empty doc payload: missing sub-variant byte", 0)
	}
	sub := DocSubVariant(payload[0])
	rest := payload[1:]

	switch sub {
	case DocSyncStep1, DocSyncStep2, DocUpdate:
		return &DecodedDoc{SubVariant: sub, Bytes: append([]byte{}, rest...)}, nil
	case DocSyncDone:
		return &DecodedDoc{SubVariant: sub}, nil
	case DocAuthMessage:
		permission, pos, err := readString(rest, 0)
		if err != nil {
			return nil, err
		}
		if pos >= len(rest) {
			return nil, docerr.Codec("truncated auth-message: missing reason flag", pos+1)
		}
		hasReason := rest[pos] != 0
		pos++
		am := AuthMessage{Permission: permission, HasReason: hasReason}
		if hasReason {
			reason, _, err := readString(rest, pos)
			if err != nil {
				return nil, err
			}
			am.Reason = reason
		}
		return &DecodedDoc{SubVariant: sub, AuthMessage: am}, nil
	default:
		return nil, docerr.Codec("unknown doc sub-variant", 0)
	}
}

// EncodeAwarenessUpdate builds a CategoryAwareness payload carrying presence
// bytes. A zero-length result (produced by passing nil/empty presence)
// round-trips as an awareness-request per spec.md §6.
func EncodeAwarenessUpdate(presence []byte) []byte {
	return append([]byte{}, presence...)
}

// EncodeAwarenessRequest builds the empty awareness-request payload.
func EncodeAwarenessRequest() []byte {
	return nil
}

// IsAwarenessRequest reports whether a decoded CategoryAwareness payload is
// a request (empty) rather than an update (non-empty), per spec.md §6.
func IsAwarenessRequest(payload []byte) bool {
	return len(payload) == 0
}

// EncodeAck builds a CategoryAck payload referencing the acknowledged
// message id.
func EncodeAck(ref MessageID) []byte {
	return append([]byte{}, ref[:]...)
}

// DecodeAck parses a CategoryAck payload.
func DecodeAck(payload []byte) (MessageID, error) {
	if len(payload) != 16 {
		return MessageID{}, docerr.Codec("ack payload must be exactly 16 bytes", 0)
	}
	var id MessageID
	copy(id[:], payload)
	return id, nil
}

// RequestType distinguishes the three shapes an rpc frame may take.
type RequestType uint8

const (
	RPCRequest RequestType = iota
	RPCResponse
	RPCStream
)

// RPCMessage is the rpc variant payload: a named method call or reply,
// correlated across the exchange by CorrelationID. File upload/download/part
// operations are carried as rpc methods per spec.md §3.
type RPCMessage struct {
	Method        string
	RequestType   RequestType
	CorrelationID string
	Payload       []byte
}

// EncodeRPC builds a CategoryRPC payload.
func EncodeRPC(m RPCMessage) []byte {
	buf := appendString(nil, m.Method)
	buf = append(buf, byte(m.RequestType))
	buf = appendString(buf, m.CorrelationID)
	buf = appendBytes(buf, m.Payload)
	return buf
}

// DecodeRPC parses a CategoryRPC payload.
func DecodeRPC(payload []byte) (*RPCMessage, error) {
	method, pos, err := readString(payload, 0)
	if err != nil {
		return nil, err
	}
	if pos >= len(payload) {
		return nil, docerr.Codec("truncated rpc: missing request type", pos)
	}
	reqType := RequestType(payload[pos])
	if reqType > RPCStream {
		return nil, docerr.Codec("unknown rpc request type", pos)
	}
	pos++
	correlationID, pos, err := readString(payload, pos)
	if err != nil {
		return nil, err
	}
	body, _, err := readBytes(payload, pos)
	if err != nil {
		return nil, err
	}
	return &RPCMessage{
		Method:        method,
		RequestType:   reqType,
		CorrelationID: correlationID,
		Payload:       append([]byte{}, body...),
	}, nil
}

// FileMessage is the legacy file-* tag payload: chunked-transfer metadata,
// chunk data, or transfer auth, kept for backward-compatible ingestion of
// the teacher's original CAS chunk protocol.
type FileMessage struct {
	SubVariant FileSubVariant
	Body       []byte
}

// EncodeFile builds a CategoryFile legacy payload.
func EncodeFile(m FileMessage) []byte {
	buf := []byte{byte(m.SubVariant)}
	return append(buf, m.Body...)
}

// DecodeFile parses a CategoryFile legacy payload.
func DecodeFile(payload []byte) (*FileMessage, error) {
	if len(payload) == 0 {
		return nil, docerr.Codec("empty file payload: missing sub-variant byte", 0)
	}
	sub := FileSubVariant(payload[0])
	if sub > FileAuth {
		return nil, docerr.Codec("unknown file sub-variant", 0)
	}
	return &FileMessage{SubVariant: sub, Body: append([]byte{}, payload[1:]...)}, nil
}
