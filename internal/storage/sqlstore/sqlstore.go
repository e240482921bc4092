// Package sqlstore adapts modernc.org/sqlite to storage.KeyValueStore,
// generalizing the schema/connection-pool conventions of the teacher's
// daemon/manager/persistence.go (a SQLite-backed session store) into a
// generic two-table key/value schema.
package sqlstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quillsync/core/internal/storage"
)

// Store is a sqlite-backed KeyValueStore.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) a sqlite database at path and applies the
// key/value schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS kv_values (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
		CREATE TABLE IF NOT EXISTS kv_meta (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("sqlstore: init schema: %w", err)
	}
	return nil
}

func (s *Store) get(table, key string) ([]byte, error) {
	var v []byte
	query := fmt.Sprintf("SELECT value FROM %s WHERE key = ?", table)
	err := s.db.QueryRow(query, key).Scan(&v)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get: %w", err)
	}
	return v, nil
}

func (s *Store) set(table, key string, value []byte) error {
	query := fmt.Sprintf("INSERT INTO %s (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value", table)
	if _, err := s.db.Exec(query, key, value); err != nil {
		return fmt.Errorf("sqlstore: set: %w", err)
	}
	return nil
}

func (s *Store) Get(key string) ([]byte, error)     { return s.get("kv_values", key) }
func (s *Store) GetMeta(key string) ([]byte, error) { return s.get("kv_meta", key) }

func (s *Store) Set(key string, value []byte) error     { return s.set("kv_values", key, value) }
func (s *Store) SetMeta(key string, value []byte) error { return s.set("kv_meta", key, value) }

func (s *Store) Remove(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv_values WHERE key = ?", key); err != nil {
		return fmt.Errorf("sqlstore: remove: %w", err)
	}
	return nil
}

func (s *Store) GetKeys(prefix string) ([]string, error) {
	rows, err := s.db.Query("SELECT key FROM kv_values WHERE key GLOB ? ORDER BY key", prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("sqlstore: getKeys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

var _ storage.KeyValueStore = (*Store)(nil)
