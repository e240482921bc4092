// Package boltstore adapts github.com/boltdb/bolt to storage.KeyValueStore,
// generalizing the teacher's daemon/manager/cas_bolt.go (a single-bucket
// content-addressed chunk cache) into a two-bucket store: one bucket for
// values, one for metadata, matching the namespace split described in
// spec.md §4.G.
package boltstore

import (
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"

	"github.com/quillsync/core/internal/storage"
)

var (
	bucketValues = []byte("values")
	bucketMeta   = []byte("meta")
)

// Store is a boltdb-backed KeyValueStore.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if absent) a boltdb file at path and ensures both
// buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketValues); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) get(bucket []byte, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucket)
		v := bk.Get([]byte(key))
		if v == nil {
			return storage.ErrNotFound
		}
		out = append([]byte{}, v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) set(bucket []byte, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), value)
	})
}

func (s *Store) Get(key string) ([]byte, error)  { return s.get(bucketValues, key) }
func (s *Store) GetMeta(key string) ([]byte, error) { return s.get(bucketMeta, key) }

func (s *Store) Set(key string, value []byte) error      { return s.set(bucketValues, key, value) }
func (s *Store) SetMeta(key string, value []byte) error { return s.set(bucketMeta, key, value) }

func (s *Store) Remove(key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketValues).Delete([]byte(key))
	})
}

func (s *Store) GetKeys(prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketValues).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && hasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func hasPrefix(k, prefix []byte) bool {
	if len(k) < len(prefix) {
		return false
	}
	for i := range prefix {
		if k[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (s *Store) Close() error { return s.db.Close() }

var _ storage.KeyValueStore = (*Store)(nil)
