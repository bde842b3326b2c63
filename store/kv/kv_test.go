package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/firefish-io/go-escrow/store"
)

func TestKvStoreRoundTrip(t *testing.T) {
	s, err := NewSessionStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Load("loan-1.ted-o")
	require.ErrorIs(t, err, store.ErrNotFound)

	data := []byte{0x01, 0x02, 0x03}
	require.NoError(t, s.Save("loan-1.ted-o", data))
	got, err := s.Load("loan-1.ted-o")
	require.NoError(t, err)
	require.Equal(t, data, got)

	require.NoError(t, s.Save("loan-1.ted-o", []byte{0x09}))
	got, err = s.Load("loan-1.ted-o")
	require.NoError(t, err)
	require.Equal(t, []byte{0x09}, got)

	require.NoError(t, s.Delete("loan-1.ted-o"))
	_, err = s.Load("loan-1.ted-o")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.NoError(t, s.Delete("loan-1.ted-o"))
}

func TestKvStoreManySessions(t *testing.T) {
	s, err := NewSessionStore(t.TempDir(), nil)
	require.NoError(t, err)
	defer s.Close()

	for i := byte(0); i < 20; i++ {
		require.NoError(t, s.Save(string(rune('a'+i)), []byte{i}))
	}
	for i := byte(0); i < 20; i++ {
		got, err := s.Load(string(rune('a' + i)))
		require.NoError(t, err)
		require.Equal(t, []byte{i}, got)
	}
}
