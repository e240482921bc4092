// Package milestone implements the named-snapshot bookkeeping behind the
// rpc category's milestone.list/create/snapshot/rename operations (spec.md
// §4.I): a document owner can pin a point in its history under a
// human-readable name and later fetch the bytes captured at that point.
// Grounded on the same JSON-over-KeyValueStore layering internal/storage/encstore
// and internal/storage/docstore already use, under the "milestone:*" key
// prefix spec.md §6 reserves for it.
package milestone

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quillsync/core/internal/docerr"
	"github.com/quillsync/core/internal/storage"
)

// Milestone is one named point in a document's history. HasData is false
// until Snapshot has been called at least once for this milestone; the
// captured bytes are read with Store.Payload.
type Milestone struct {
	ID        string `json:"id"`
	DocID     string `json:"docId"`
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
	HasData   bool   `json:"hasData"`
}

// Store persists milestones over a KeyValueStore.
type Store struct {
	kv storage.KeyValueStore
}

// New wraps a KeyValueStore as a milestone store.
func New(kv storage.KeyValueStore) *Store {
	return &Store{kv: kv}
}

func recordKey(docID, id string) string   { return "milestone:" + docID + ":" + id }
func indexKey(docID string) string        { return "milestone:" + docID + ":index" }
func payloadKey(docID, id string) string  { return "milestone:" + docID + ":" + id + ":payload" }

func (s *Store) readIndex(docID string) ([]string, error) {
	raw, err := s.kv.Get(indexKey(docID))
	if err == storage.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) writeIndex(docID string, ids []string) error {
	raw, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	return s.kv.Set(indexKey(docID), raw)
}

// Create registers a new named milestone with no captured payload yet.
func (s *Store) Create(docID, name string) (Milestone, error) {
	now := time.Now().UnixMilli()
	m := Milestone{
		ID:        uuid.NewString(),
		DocID:     docID,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.write(m); err != nil {
		return Milestone{}, err
	}
	ids, err := s.readIndex(docID)
	if err != nil {
		return Milestone{}, err
	}
	ids = append(ids, m.ID)
	if err := s.writeIndex(docID, ids); err != nil {
		return Milestone{}, err
	}
	return m, nil
}

// List returns every milestone recorded for a document, in creation order.
func (s *Store) List(docID string) ([]Milestone, error) {
	ids, err := s.readIndex(docID)
	if err != nil {
		return nil, err
	}
	out := make([]Milestone, 0, len(ids))
	for _, id := range ids {
		m, err := s.read(docID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Snapshot captures payload (the document's current wire-level bytes, as
// produced by the caller from docstore/encstore) under an existing
// milestone, overwriting whatever was captured before.
func (s *Store) Snapshot(docID, id string, payload []byte) (Milestone, error) {
	m, err := s.read(docID, id)
	if err != nil {
		return Milestone{}, err
	}
	if err := s.kv.Set(payloadKey(docID, id), payload); err != nil {
		return Milestone{}, err
	}
	m.HasData = true
	m.UpdatedAt = time.Now().UnixMilli()
	if err := s.write(m); err != nil {
		return Milestone{}, err
	}
	return m, nil
}

// Payload returns the bytes last captured by Snapshot for a milestone.
func (s *Store) Payload(docID, id string) ([]byte, error) {
	raw, err := s.kv.Get(payloadKey(docID, id))
	if err == storage.ErrNotFound {
		return nil, docerr.NotFound(fmt.Sprintf("milestone %s has no captured snapshot", id))
	}
	return raw, err
}

// Rename changes a milestone's display name.
func (s *Store) Rename(docID, id, newName string) (Milestone, error) {
	m, err := s.read(docID, id)
	if err != nil {
		return Milestone{}, err
	}
	m.Name = newName
	m.UpdatedAt = time.Now().UnixMilli()
	if err := s.write(m); err != nil {
		return Milestone{}, err
	}
	return m, nil
}

func (s *Store) read(docID, id string) (Milestone, error) {
	raw, err := s.kv.GetMeta(recordKey(docID, id))
	if err == storage.ErrNotFound {
		return Milestone{}, docerr.NotFound(fmt.Sprintf("milestone %s", id))
	}
	if err != nil {
		return Milestone{}, err
	}
	var m Milestone
	if err := json.Unmarshal(raw, &m); err != nil {
		return Milestone{}, err
	}
	return m, nil
}

func (s *Store) write(m Milestone) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return s.kv.SetMeta(recordKey(m.DocID, m.ID), raw)
}
