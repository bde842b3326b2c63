// Package filestore keeps each session state in a single flat file, the
// layout used by the CLI host. Writes go through a temp file and rename so a
// crash never leaves a half-written state, and an advisory lock file guards
// against two concurrent invocations on the same session. The lock is a
// courtesy, not a correctness mechanism.
package filestore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/firefish-io/go-escrow/store"
)

type fileStore struct {
	dir string
}

// NewSessionStore creates a file-backed session store rooted at dir.
func NewSessionStore(dir string) (store.SessionStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}
	return &fileStore{dir: dir}, nil
}

func (s *fileStore) path(id string) (string, error) {
	if id == "" || strings.ContainsAny(id, "/\\") {
		return "", fmt.Errorf("invalid session id %q", id)
	}
	return filepath.Join(s.dir, id+".state"), nil
}

func (s *fileStore) Save(id string, data []byte) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	unlock, err := s.lock(path)
	if err != nil {
		return err
	}
	defer unlock()

	tmp := path + ".tmp"
	file, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Load(id string) ([]byte, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, store.ErrNotFound
	}
	return data, err
}

func (s *fileStore) Delete(id string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) Close() error {
	return nil
}

// lock takes a best-effort advisory lock next to the state file. A stale lock
// only produces a warning: the caller may have crashed, and refusing to ever
// proceed again would strand funds.
func (s *fileStore) lock(path string) (func(), error) {
	lockPath := path + ".lock"
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			log.WithField("lock", lockPath).Warn(
				"state file appears locked by another invocation, proceeding anyway",
			)
			return func() {}, nil
		}
		return nil, err
	}
	file.Close()
	return func() {
		if err := os.Remove(lockPath); err != nil {
			log.WithError(err).Warn("failed to remove state lock file")
		}
	}, nil
}
