// Package sqlstore persists session states in sqlite. One row per session,
// the blob column holding the same bytes the file store would hold.
package sqlstore

import (
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/firefish-io/go-escrow/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	data BLOB NOT NULL,
	updated_at TEXT NOT NULL DEFAULT (datetime('now'))
);`

type sqlStore struct {
	db *sql.DB
}

// NewSessionStore opens (or creates) a sqlite-backed session store at path.
func NewSessionStore(path string) (store.SessionStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init session schema: %w", err)
	}
	return &sqlStore{db: db}, nil
}

func (s *sqlStore) Save(id string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, data, updated_at) VALUES (?, ?, datetime('now'))
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		id, data,
	)
	return err
}

func (s *sqlStore) Load(id string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return data, err
}

func (s *sqlStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}
