package wire

import "github.com/quillsync/core/internal/docerr"

// This file implements the three encrypted-document sub-encodings of
// spec.md §4.A/§4.H, layered inside the opaque payload bytes that
// DecodedDoc.Bytes carries when Envelope.Encrypted is true. They are
// independent of the envelope/category framing: the encryption client
// engine (internal/docclient), the encrypted document store
// (internal/storage/encstore) and the server dispatcher (internal/dispatch)
// use them.

const encodingVersion0 = 0

// EncryptedStateVector is the decoded form of an encrypted sync-step-1
// payload: the client's last-known active snapshot and server version.
type EncryptedStateVector struct {
	ActiveSnapshotID string
	ServerVersion    uint64
}

// EncodeEncryptedStateVector implements spec.md §4.A's
// `[version=0:u8][snapshotIdLen:varuint][snapshotId:utf8][serverVersion:varuint]`.
func EncodeEncryptedStateVector(sv EncryptedStateVector) []byte {
	buf := []byte{encodingVersion0}
	buf = appendString(buf, sv.ActiveSnapshotID)
	buf = appendVaruint(buf, sv.ServerVersion)
	return buf
}

// DecodeEncryptedStateVector parses the encoding built by
// EncodeEncryptedStateVector.
func DecodeEncryptedStateVector(buf []byte) (EncryptedStateVector, error) {
	if len(buf) == 0 || buf[0] != encodingVersion0 {
		return EncryptedStateVector{}, docerr.Codec("unsupported encrypted state vector version", 0)
	}
	snapshotID, pos, err := readString(buf, 1)
	if err != nil {
		return EncryptedStateVector{}, err
	}
	serverVersion, _, err := readVaruint(buf, pos)
	if err != nil {
		return EncryptedStateVector{}, err
	}
	return EncryptedStateVector{ActiveSnapshotID: snapshotID, ServerVersion: serverVersion}, nil
}

// EncryptedSnapshot is an opaque ciphertext blob whose plaintext is a full
// CRDT state update, per spec.md §3's Snapshot (encrypted) type.
type EncryptedSnapshot struct {
	SnapshotID       string
	ParentSnapshotID string
	Payload          []byte
}

// EncryptedUpdate is the wire form of spec.md §3's EncryptedUpdate record.
type EncryptedUpdate struct {
	ID            string
	SnapshotID    string
	ClientID      uint64
	Counter       uint64
	ServerVersion uint64
	Payload       []byte
}

func appendSnapshot(buf []byte, s EncryptedSnapshot) []byte {
	buf = appendString(buf, s.SnapshotID)
	buf = appendString(buf, s.ParentSnapshotID)
	buf = appendBytes(buf, s.Payload)
	return buf
}

func readSnapshot(buf []byte, pos int) (EncryptedSnapshot, int, error) {
	id, pos, err := readString(buf, pos)
	if err != nil {
		return EncryptedSnapshot{}, pos, err
	}
	parent, pos, err := readString(buf, pos)
	if err != nil {
		return EncryptedSnapshot{}, pos, err
	}
	payload, pos, err := readBytes(buf, pos)
	if err != nil {
		return EncryptedSnapshot{}, pos, err
	}
	return EncryptedSnapshot{SnapshotID: id, ParentSnapshotID: parent, Payload: append([]byte{}, payload...)}, pos, nil
}

func appendUpdate(buf []byte, u EncryptedUpdate) []byte {
	buf = appendString(buf, u.ID)
	buf = appendString(buf, u.SnapshotID)
	buf = appendVaruint(buf, u.ClientID)
	buf = appendVaruint(buf, u.Counter)
	buf = appendVaruint(buf, u.ServerVersion)
	buf = appendBytes(buf, u.Payload)
	return buf
}

func readUpdate(buf []byte, pos int) (EncryptedUpdate, int, error) {
	id, pos, err := readString(buf, pos)
	if err != nil {
		return EncryptedUpdate{}, pos, err
	}
	snapshotID, pos, err := readString(buf, pos)
	if err != nil {
		return EncryptedUpdate{}, pos, err
	}
	clientID, adv, err := readVaruint(buf, pos)
	if err != nil {
		return EncryptedUpdate{}, pos, err
	}
	pos += adv
	counter, adv, err := readVaruint(buf, pos)
	if err != nil {
		return EncryptedUpdate{}, pos, err
	}
	pos += adv
	serverVersion, adv, err := readVaruint(buf, pos)
	if err != nil {
		return EncryptedUpdate{}, pos, err
	}
	pos += adv
	payload, pos, err := readBytes(buf, pos)
	if err != nil {
		return EncryptedUpdate{}, pos, err
	}
	return EncryptedUpdate{
		ID:            id,
		SnapshotID:    snapshotID,
		ClientID:      clientID,
		Counter:       counter,
		ServerVersion: serverVersion,
		Payload:       append([]byte{}, payload...),
	}, pos, nil
}

// EncryptedUpdateKind distinguishes the two shapes an encrypted doc.update
// payload may take.
type EncryptedUpdateKind uint8

const (
	EncryptedUpdateKindUpdates  EncryptedUpdateKind = 0
	EncryptedUpdateKindSnapshot EncryptedUpdateKind = 1
)

// EncryptedUpdateMessage is the decoded form of an encrypted doc.update
// payload: either a batch of updates or a single snapshot.
type EncryptedUpdateMessage struct {
	Kind     EncryptedUpdateKind
	Snapshot EncryptedSnapshot
	Updates  []EncryptedUpdate
}

// EncodeEncryptedUpdate implements spec.md §4.A's encodeEncryptedUpdate:
// first byte kind ∈ {0: updates, 1: snapshot}; snapshot encodes
// (snapshotId, parentSnapshotId, payload); updates encodes a varuint count
// followed by that many update records.
func EncodeEncryptedUpdate(m EncryptedUpdateMessage) []byte {
	switch m.Kind {
	case EncryptedUpdateKindSnapshot:
		buf := []byte{byte(EncryptedUpdateKindSnapshot)}
		return appendSnapshot(buf, m.Snapshot)
	default:
		buf := []byte{byte(EncryptedUpdateKindUpdates)}
		buf = appendVaruint(buf, uint64(len(m.Updates)))
		for _, u := range m.Updates {
			buf = appendUpdate(buf, u)
		}
		return buf
	}
}

// DecodeEncryptedUpdate parses the encoding built by EncodeEncryptedUpdate.
func DecodeEncryptedUpdate(buf []byte) (*EncryptedUpdateMessage, error) {
	if len(buf) == 0 {
		return nil, docerr.Codec("empty encrypted update payload", 0)
	}
	kind := EncryptedUpdateKind(buf[0])
	switch kind {
	case EncryptedUpdateKindSnapshot:
		s, _, err := readSnapshot(buf, 1)
		if err != nil {
			return nil, err
		}
		return &EncryptedUpdateMessage{Kind: kind, Snapshot: s}, nil
	case EncryptedUpdateKindUpdates:
		count, adv, err := readVaruint(buf, 1)
		if err != nil {
			return nil, err
		}
		pos := 1 + adv
		updates := make([]EncryptedUpdate, 0, count)
		for i := uint64(0); i < count; i++ {
			u, newPos, err := readUpdate(buf, pos)
			if err != nil {
				return nil, err
			}
			pos = newPos
			updates = append(updates, u)
		}
		return &EncryptedUpdateMessage{Kind: kind, Updates: updates}, nil
	default:
		return nil, docerr.Codec("unsupported encrypted update kind; legacy clock-map schema is rejected", 0)
	}
}

// EncryptedSyncStep2 is the decoded form of an encrypted doc.sync-step-2
// payload: an optional compaction snapshot plus the suffix of the delta log
// the requesting peer is missing.
type EncryptedSyncStep2 struct {
	HasSnapshot bool
	Snapshot    EncryptedSnapshot
	Updates     []EncryptedUpdate
}

// EncodeToSyncStep2 implements spec.md §4.A's encodeToSyncStep2:
// [version=0][hasSnapshot:u8](snapshotFields?)[updatesCount:varuint](updateFields…).
func EncodeToSyncStep2(m EncryptedSyncStep2) []byte {
	buf := []byte{encodingVersion0}
	if m.HasSnapshot {
		buf = append(buf, 1)
		buf = appendSnapshot(buf, m.Snapshot)
	} else {
		buf = append(buf, 0)
	}
	buf = appendVaruint(buf, uint64(len(m.Updates)))
	for _, u := range m.Updates {
		buf = appendUpdate(buf, u)
	}
	return buf
}

// DecodeFromSyncStep2 parses the encoding built by EncodeToSyncStep2.
func DecodeFromSyncStep2(buf []byte) (*EncryptedSyncStep2, error) {
	if len(buf) == 0 || buf[0] != encodingVersion0 {
		return nil, docerr.Codec("unsupported sync-step-2 encoding version", 0)
	}
	if len(buf) < 2 {
		return nil, docerr.Codec("truncated sync-step-2: missing hasSnapshot flag", 1)
	}
	hasSnapshot := buf[1] != 0
	pos := 2

	out := &EncryptedSyncStep2{HasSnapshot: hasSnapshot}
	if hasSnapshot {
		s, newPos, err := readSnapshot(buf, pos)
		if err != nil {
			return nil, err
		}
		out.Snapshot = s
		pos = newPos
	}

	count, adv, err := readVaruint(buf, pos)
	if err != nil {
		return nil, err
	}
	pos += adv
	out.Updates = make([]EncryptedUpdate, 0, count)
	for i := uint64(0); i < count; i++ {
		u, newPos, err := readUpdate(buf, pos)
		if err != nil {
			return nil, err
		}
		pos = newPos
		out.Updates = append(out.Updates, u)
	}
	return out, nil
}
