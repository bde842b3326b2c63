// Package kvstore persists session states in a badger database. Suitable for
// witness services holding many concurrent loan sessions in one place.
package kvstore

import (
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	badgerhold "github.com/timshannon/badgerhold/v4"

	"github.com/firefish-io/go-escrow/store"
)

type sessionRecord struct {
	ID        string `badgerhold:"key"`
	Data      []byte
	UpdatedAt time.Time
}

type kvStore struct {
	db *badgerhold.Store
}

// NewSessionStore opens (or creates) a badger-backed session store at dir. An
// empty dir opens an in-memory store.
func NewSessionStore(dir string, logger badger.Logger) (store.SessionStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = logger
	if dir == "" {
		opts.InMemory = true
	}
	db, err := badgerhold.Open(badgerhold.Options{
		Encoder:          badgerhold.DefaultEncode,
		Decoder:          badgerhold.DefaultDecode,
		SequenceBandwith: 100,
		Options:          opts,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open session db: %w", err)
	}
	return &kvStore{db: db}, nil
}

func (s *kvStore) Save(id string, data []byte) error {
	record := sessionRecord{ID: id, Data: data, UpdatedAt: time.Now()}
	return s.db.Upsert(id, record)
}

func (s *kvStore) Load(id string) ([]byte, error) {
	var record sessionRecord
	if err := s.db.Get(id, &record); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return record.Data, nil
}

func (s *kvStore) Delete(id string) error {
	if err := s.db.Delete(id, sessionRecord{}); err != nil &&
		!errors.Is(err, badgerhold.ErrNotFound) {
		return err
	}
	return nil
}

func (s *kvStore) Close() error {
	return s.db.Close()
}
