// Package docstore implements the plaintext document storage flavor of
// spec.md §4.G: an update log per document with read-time compaction,
// layered over a storage.KeyValueStore. It is grounded on the same
// append-then-compact idiom as the teacher's chunk bookkeeping
// (daemon/manager/bitmap.go tracks arrival incrementally and is only
// queried in its compacted, final bitmap form) generalized to CRDT update
// bytes.
package docstore

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/quillsync/core/internal/crdt"
	"github.com/quillsync/core/internal/storage"
)

// Store is the plaintext document storage flavor.
type Store struct {
	kv storage.KeyValueStore
}

// New wraps a KeyValueStore as a plaintext document store.
func New(kv storage.KeyValueStore) *Store {
	return &Store{kv: kv}
}

type metaRecord struct {
	CreatedAt int64    `json:"createdAt"`
	UpdatedAt int64    `json:"updatedAt"`
	Encrypted bool     `json:"encrypted"`
	Files     []string `json:"files"`
}

func metaKey(id string) string   { return "doc:" + id + ":meta" }
func updatePrefix(id string) string { return "doc:" + id + "-update-" }
func updateKey(id, updateID string) string { return updatePrefix(id) + updateID }

func (s *Store) readMeta(id string) (metaRecord, error) {
	raw, err := s.kv.GetMeta(metaKey(id))
	if err == storage.ErrNotFound {
		now := time.Now().UnixMilli()
		return metaRecord{CreatedAt: now, UpdatedAt: now}, nil
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
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.kv.SetMeta(metaKey(id), raw)
}

// Write appends update bytes as a new update key and bumps the document's
// updatedAt metadata. Callers are expected to hold the document's TTL lock.
func (s *Store) Write(id string, update []byte) error {
	m, err := s.readMeta(id)
	if err != nil {
		return err
	}
	if err := s.kv.Set(updateKey(id, uuid.NewString()), update); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UnixMilli()
	return s.writeMeta(id, m)
}

// Fetched is the result of Fetch: the merged update plus its derived state
// vector.
type Fetched struct {
	Update      []byte
	StateVector crdt.StateVector
}

// Fetch performs read-time compaction: enumerate every update key for the
// document, merge their ops into a single update, write it back under one
// key, and remove the prior keys. Returns the merged update and the state
// vector derived from it.
func (s *Store) Fetch(id string) (Fetched, error) {
	merged, err := s.compact(id)
	if err != nil {
		return Fetched{}, err
	}
	ops, err := crdt.DecodeOps(merged)
	if err != nil {
		return Fetched{}, err
	}
	sv := stateVectorOf(ops)
	return Fetched{Update: merged, StateVector: sv}, nil
}

// Unload runs the same synchronous compaction as Fetch and discards the
// merged result.
func (s *Store) Unload(id string) error {
	_, err := s.compact(id)
	return err
}

func (s *Store) compact(id string) ([]byte, error) {
	keys, err := s.kv.GetKeys(updatePrefix(id))
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return crdt.EncodeOps(nil), nil
	}
	if len(keys) == 1 {
		return s.kv.Get(keys[0])
	}

	var allOps []crdt.Op
	for _, k := range keys {
		raw, err := s.kv.Get(k)
		if err != nil {
			return nil, err
		}
		ops, err := crdt.DecodeOps(raw)
		if err != nil {
			return nil, err
		}
		allOps = append(allOps, ops...)
	}

	merged := crdt.EncodeOps(allOps)
	mergedKey := updateKey(id, uuid.NewString())
	if err := s.kv.Set(mergedKey, merged); err != nil {
		return nil, err
	}
	for _, k := range keys {
		if k == mergedKey {
			continue
		}
		_ = s.kv.Remove(k)
	}
	return merged, nil
}

// AddFile appends fileID to the document's files[] list, satisfying
// filestore.DocumentMetadataUpdater. A completed upload calls this once.
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

func stateVectorOf(ops []crdt.Op) crdt.StateVector {
	sv := make(crdt.StateVector)
	for _, op := range ops {
		if op.ID.Counter > sv[op.ID.ClientID] {
			sv[op.ID.ClientID] = op.ID.Counter
		}
	}
	return sv
}
