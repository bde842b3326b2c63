package filestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/firefish-io/go-escrow/store"
)

func TestFileStoreRoundTrip(t *testing.T) {
	s, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load("loan-1.borrower")
	require.ErrorIs(t, err, store.ErrNotFound)

	data := []byte{0xff, 0x00, 0x00, 0x00, 0x01, 0x01, 0x02}
	require.NoError(t, s.Save("loan-1.borrower", data))
	got, err := s.Load("loan-1.borrower")
	require.NoError(t, err)
	require.Equal(t, data, got)

	// replace
	updated := append(data, 0xaa)
	require.NoError(t, s.Save("loan-1.borrower", updated))
	got, err = s.Load("loan-1.borrower")
	require.NoError(t, err)
	require.Equal(t, updated, got)

	require.NoError(t, s.Delete("loan-1.borrower"))
	_, err = s.Load("loan-1.borrower")
	require.ErrorIs(t, err, store.ErrNotFound)
	// deleting twice is fine
	require.NoError(t, s.Delete("loan-1.borrower"))
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	s, err := NewSessionStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.Error(t, s.Save("../evil", []byte{1}))
	require.Error(t, s.Save("", []byte{1}))
	_, err = s.Load("a/b")
	require.Error(t, err)
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSessionStore(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Save("loan", []byte{1, 2, 3}))
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "loan.state", filepath.Base(entries[0].Name()))
}
