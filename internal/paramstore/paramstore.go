// Package paramstore is a persistent, typed key/value parameter store
// backed by a single sqlite table. It is the synchronization substrate
// between this daemon and the external fingerprinting/controls
// subsystems, so every read and write is an independent atomic
// operation.
package paramstore

import (
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Store is a typed, persistent key/value store.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) a sqlite-backed parameter store
// at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "open param store")
	}
	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS params (
		key   TEXT PRIMARY KEY,
		value BLOB
	)`)
	if err != nil {
		return errors.Wrap(err, "initialize param store schema")
	}
	return nil
}

// Put writes raw bytes for key.
func (s *Store) Put(key string, value []byte) error {
	_, err := s.db.Exec(`INSERT INTO params (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return errors.Wrapf(err, "put param %q", key)
	}
	return nil
}

// Get reads the raw bytes stored for key. ok is false if unset.
func (s *Store) Get(key string) (value []byte, ok bool, err error) {
	row := s.db.QueryRow(`SELECT value FROM params WHERE key = ?`, key)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, errors.Wrapf(err, "get param %q", key)
	}
	return value, true, nil
}

// PutBool is a convenience wrapper for boolean-valued parameters.
func (s *Store) PutBool(key string, v bool) error {
	if v {
		return s.Put(key, []byte{1})
	}
	return s.Put(key, []byte{0})
}

// GetBool reads a boolean-valued parameter; defaults to false if unset.
func (s *Store) GetBool(key string) (bool, error) {
	v, ok, err := s.Get(key)
	if err != nil {
		return false, err
	}
	if !ok || len(v) == 0 {
		return false, nil
	}
	return v[0] != 0, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
