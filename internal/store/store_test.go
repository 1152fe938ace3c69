package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenIdempotentForSamePath(t *testing.T) {
	s := New(0)
	path := filepath.Join(t.TempDir(), "events.store")
	require.NoError(t, s.Open(path))
	require.NoError(t, s.Open(path))
	assert.Error(t, s.Open(path+".other"))
}

func writeBurst(t *testing.T, s *Store, msgs [][]byte) {
	t.Helper()
	buf := s.Acquire()
	var lengths []int
	off := 0
	for _, m := range msgs {
		copy(buf[off:], m)
		lengths = append(lengths, len(m))
		off += len(m)
	}
	require.NoError(t, s.Commit(lengths, 0, len(msgs)))
}

func TestCommitThenReadRoundTrips(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Open(filepath.Join(t.TempDir(), "events.store")))

	writeBurst(t, s, [][]byte{[]byte("hello"), []byte("world!")})
	assert.EqualValues(t, 2, s.NumMessages())

	dest := make([]byte, 32)
	n, err := s.Read(dest, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(dest[:n]))

	n, err = s.Read(dest, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, "world!", string(dest[:n]))
}

func TestReadOutOfRangeFails(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Open(filepath.Join(t.TempDir(), "events.store")))
	writeBurst(t, s, [][]byte{[]byte("a")})

	dest := make([]byte, 32)
	_, err := s.Read(dest, 0, 0)
	assert.Error(t, err)
	_, err = s.Read(dest, 0, 2)
	assert.Error(t, err)
}

func TestReopenReplaysIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.store")

	s1 := New(0)
	require.NoError(t, s1.Open(path))
	writeBurst(t, s1, [][]byte{[]byte("one"), []byte("two"), []byte("three")})
	require.NoError(t, s1.Close())

	s2 := New(0)
	require.NoError(t, s2.Open(path))
	assert.EqualValues(t, 3, s2.NumMessages())

	dest := make([]byte, 32)
	n, err := s2.Read(dest, 0, 3)
	require.NoError(t, err)
	assert.Equal(t, "three", string(dest[:n]))
}

func TestCommitBurstIsContiguousAndOrdered(t *testing.T) {
	s := New(0)
	require.NoError(t, s.Open(filepath.Join(t.TempDir(), "events.store")))

	writeBurst(t, s, [][]byte{[]byte("a"), []byte("bb"), []byte("ccc")})
	require.EqualValues(t, 3, s.NumMessages())

	dest := make([]byte, 32)
	for i, want := range []string{"a", "bb", "ccc"} {
		n, err := s.Read(dest, 0, uint64(i+1))
		require.NoError(t, err)
		assert.Equal(t, want, string(dest[:n]))
	}
}
