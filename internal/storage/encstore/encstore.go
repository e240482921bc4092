// Package encstore implements the encrypted document storage flavor of
// spec.md §4.G: a metadata record naming the active snapshot and server
// version, one ciphertext blob per snapshot, and a per-snapshot update log
// stamped with server-assigned version numbers. Grounded on the same
// KeyValueStore layering as internal/storage/docstore, generalized for the
// snapshot/serverVersion bookkeeping spec.md §3 describes for encrypted
// documents.
package encstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/quillsync/core/internal/docerr"
	"github.com/quillsync/core/internal/storage"
	"github.com/quillsync/core/internal/wire"
)

// Store is the encrypted document storage flavor.
type Store struct {
	kv storage.KeyValueStore
}

// New wraps a KeyValueStore as an encrypted document store.
func New(kv storage.KeyValueStore) *Store {
	return &Store{kv: kv}
}

type metaRecord struct {
	CreatedAt        int64    `json:"createdAt"`
	UpdatedAt        int64    `json:"updatedAt"`
	Encrypted        bool     `json:"encrypted"`
	Snapshots        []string `json:"snapshots"`
	ActiveSnapshotID string   `json:"activeSnapshotId,omitempty"`
	ServerVersion    uint64   `json:"serverVersion"`
	Files            []string `json:"files"`
}

func metaKey(id string) string { return id + ":meta" }

func snapshotPayloadKey(id, sid string) string { return id + ":snapshot:" + sid + ":payload" }
func snapshotMetaKey(id, sid string) string    { return id + ":snapshot:" + sid + ":meta" }
func snapshotUpdatesKey(id, sid string) string { return id + ":snapshot:" + sid + ":updates" }

type snapshotMeta struct {
	ID               string `json:"id"`
	ParentSnapshotID string `json:"parentSnapshotId,omitempty"`
	CreatedAt        int64  `json:"createdAt"`
}

type storedUpdate struct {
	ID            string `json:"id"`
	SnapshotID    string `json:"snapshotId"`
	ClientID      uint64 `json:"clientId"`
	Counter       uint64 `json:"counter"`
	ServerVersion uint64 `json:"serverVersion"`
	Payload       []byte `json:"payload"`
}

func (s *Store) readMeta(id string) (metaRecord, error) {
	raw, err := s.kv.GetMeta(metaKey(id))
	if err == storage.ErrNotFound {
		now := time.Now().UnixMilli()
		return metaRecord{CreatedAt: now, UpdatedAt: now, Encrypted: true}, nil
	}
	if err != nil {
		return metaRecord{}, err
	}
	var m metaRecord
	if err := json.Unmarshal(raw, &m); err != nil {
		return metaRecord{}, err
	}
	return m, nil
}

func (s *Store) writeMeta(id string, m metaRecord) error {
	m.UpdatedAt = time.Now().UnixMilli()
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.kv.SetMeta(metaKey(id), raw)
}

func (s *Store) readUpdates(id, sid string) ([]storedUpdate, error) {
	raw, err := s.kv.Get(snapshotUpdatesKey(id, sid))
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var updates []storedUpdate
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, err
	}
	return updates, nil
}

func (s *Store) writeUpdates(id, sid string, updates []storedUpdate) error {
	raw, err := json.Marshal(updates)
	if err != nil {
		return err
	}
	return s.kv.Set(snapshotUpdatesKey(id, sid), raw)
}

// CurrentStateVector returns the document's own (activeSnapshotId,
// serverVersion) pair, for the dispatcher's "fresh sync-step-1 carrying the
// server's state vector" reply (spec.md §4.I step 5).
func (s *Store) CurrentStateVector(id string) (wire.EncryptedStateVector, error) {
	m, err := s.readMeta(id)
	if err != nil {
		return wire.EncryptedStateVector{}, err
	}
	return wire.EncryptedStateVector{ActiveSnapshotID: m.ActiveSnapshotID, ServerVersion: m.ServerVersion}, nil
}

// HandleSyncStep1 decodes the client's (snapshotId, serverVersion) and
// builds the sync-step-2 reply: the active snapshot (if the client's
// snapshotId differs from it) and every update with ServerVersion greater
// than the client's.
func (s *Store) HandleSyncStep1(id string, sv wire.EncryptedStateVector) (wire.EncryptedSyncStep2, error) {
	m, err := s.readMeta(id)
	if err != nil {
		return wire.EncryptedSyncStep2{}, err
	}

	out := wire.EncryptedSyncStep2{}
	if m.ActiveSnapshotID != "" && sv.ActiveSnapshotID != m.ActiveSnapshotID {
		payload, err := s.kv.Get(snapshotPayloadKey(id, m.ActiveSnapshotID))
		if err != nil {
			return wire.EncryptedSyncStep2{}, err
		}
		smeta, err := s.readSnapshotMeta(id, m.ActiveSnapshotID)
		if err != nil {
			return wire.EncryptedSyncStep2{}, err
		}
		out.HasSnapshot = true
		out.Snapshot = wire.EncryptedSnapshot{
			SnapshotID:       m.ActiveSnapshotID,
			ParentSnapshotID: smeta.ParentSnapshotID,
			Payload:          payload,
		}
	}

	if m.ActiveSnapshotID != "" {
		stored, err := s.readUpdates(id, m.ActiveSnapshotID)
		if err != nil {
			return wire.EncryptedSyncStep2{}, err
		}
		for _, u := range stored {
			if u.ServerVersion > sv.ServerVersion {
				out.Updates = append(out.Updates, wire.EncryptedUpdate{
					ID: u.ID, SnapshotID: u.SnapshotID, ClientID: u.ClientID,
					Counter: u.Counter, ServerVersion: u.ServerVersion, Payload: u.Payload,
				})
			}
		}
	}
	return out, nil
}

func (s *Store) readSnapshotMeta(id, sid string) (snapshotMeta, error) {
	raw, err := s.kv.Get(snapshotMetaKey(id, sid))
	if err != nil {
		return snapshotMeta{}, err
	}
	var sm snapshotMeta
	if err := json.Unmarshal(raw, &sm); err != nil {
		return snapshotMeta{}, err
	}
	return sm, nil
}

// HandleEncryptedUpdate applies one encrypted doc.update payload under the
// caller's per-document lock, per spec.md §4.G. A snapshot payload installs
// a new active snapshot (resetting serverVersion); an updates payload
// stamps each update with the next serverVersion if it targets the active
// snapshot, or is rejected with docerr.StaleSnapshot otherwise. It returns
// the re-emitted, server-stamped payload.
func (s *Store) HandleEncryptedUpdate(id string, msg wire.EncryptedUpdateMessage) (wire.EncryptedUpdateMessage, error) {
	m, err := s.readMeta(id)
	if err != nil {
		return wire.EncryptedUpdateMessage{}, err
	}

	switch msg.Kind {
	case wire.EncryptedUpdateKindSnapshot:
		if _, err := s.kv.Get(snapshotPayloadKey(id, msg.Snapshot.SnapshotID)); err == nil {
			// Already stored; idempotent re-delivery.
			return msg, nil
		}
		if err := s.kv.Set(snapshotPayloadKey(id, msg.Snapshot.SnapshotID), msg.Snapshot.Payload); err != nil {
			return wire.EncryptedUpdateMessage{}, err
		}
		smRaw, err := json.Marshal(snapshotMeta{
			ID:               msg.Snapshot.SnapshotID,
			ParentSnapshotID: msg.Snapshot.ParentSnapshotID,
			CreatedAt:        time.Now().UnixMilli(),
		})
		if err != nil {
			return wire.EncryptedUpdateMessage{}, err
		}
		if err := s.kv.Set(snapshotMetaKey(id, msg.Snapshot.SnapshotID), smRaw); err != nil {
			return wire.EncryptedUpdateMessage{}, err
		}

		m.Snapshots = append(m.Snapshots, msg.Snapshot.SnapshotID)
		m.ActiveSnapshotID = msg.Snapshot.SnapshotID
		m.ServerVersion = 0
		if err := s.writeMeta(id, m); err != nil {
			return wire.EncryptedUpdateMessage{}, err
		}
		return msg, nil

	case wire.EncryptedUpdateKindUpdates:
		stamped := make([]wire.EncryptedUpdate, 0, len(msg.Updates))
		for _, u := range msg.Updates {
			if u.SnapshotID != m.ActiveSnapshotID {
				return wire.EncryptedUpdateMessage{}, docerr.StaleSnapshot(u.SnapshotID)
			}
			m.ServerVersion++
			u.ServerVersion = m.ServerVersion
			stamped = append(stamped, u)
		}

		existing, err := s.readUpdates(id, m.ActiveSnapshotID)
		if err != nil {
			return wire.EncryptedUpdateMessage{}, err
		}
		for _, u := range stamped {
			existing = append(existing, storedUpdate{
				ID: u.ID, SnapshotID: u.SnapshotID, ClientID: u.ClientID,
				Counter: u.Counter, ServerVersion: u.ServerVersion, Payload: u.Payload,
			})
		}
		if err := s.writeUpdates(id, m.ActiveSnapshotID, existing); err != nil {
			return wire.EncryptedUpdateMessage{}, err
		}
		if err := s.writeMeta(id, m); err != nil {
			return wire.EncryptedUpdateMessage{}, err
		}
		return wire.EncryptedUpdateMessage{Kind: wire.EncryptedUpdateKindUpdates, Updates: stamped}, nil

	default:
		return wire.EncryptedUpdateMessage{}, docerr.Codec(fmt.Sprintf("unknown encrypted update kind %d", msg.Kind), 0)
	}
}

// AddFile appends fileID to the document's files[] list, satisfying
// filestore.DocumentMetadataUpdater for encrypted documents.
func (s *Store) AddFile(id, fileID string) error {
	m, err := s.readMeta(id)
	if err != nil {
		return err
	}
	for _, f := range m.Files {
		if f == fileID {
			return nil // idempotent re-attach
		}
	}
	m.Files = append(m.Files, fileID)
	return s.writeMeta(id, m)
}

// RemoveFile removes fileID from the document's files[] list.
func (s *Store) RemoveFile(id, fileID string) error {
	m, err := s.readMeta(id)
	if err != nil {
		return err
	}
	out := m.Files[:0]
	for _, f := range m.Files {
		if f != fileID {
			out = append(out, f)
		}
	}
	m.Files = out
	return s.writeMeta(id, m)
}

// ListFiles returns the document's files[] list.
func (s *Store) ListFiles(id string) ([]string, error) {
	m, err := s.readMeta(id)
	if err != nil {
		return nil, err
	}
	return m.Files, nil
}

// ClearFiles empties the document's files[] list in one write, used by
// filestore.DeleteFilesByDocument after it has removed every file's rows.
func (s *Store) ClearFiles(id string) error {
	m, err := s.readMeta(id)
	if err != nil {
		return err
	}
	m.Files = nil
	return s.writeMeta(id, m)
}
