package storage

import (
	"context"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocalCAS(t *testing.T) *LocalCAS {
	t.Helper()
	s, err := NewLocalCAS(LocalOptions{Path: "cas", FS: vfs.NewMem()})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLocalCAS(t *testing.T) {
	ctx := context.Background()

	t.Run("upload and fetch", func(t *testing.T) {
		s := newTestLocalCAS(t)
		data := []byte("sealed document bundle")

		addr, err := s.Upload(ctx, data)
		require.NoError(t, err)
		expected, err := Address(data)
		require.NoError(t, err)
		assert.Equal(t, expected, addr)

		got, err := s.Fetch(ctx, addr)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("upload is idempotent", func(t *testing.T) {
		s := newTestLocalCAS(t)
		first, err := s.Upload(ctx, []byte("same"))
		require.NoError(t, err)
		second, err := s.Upload(ctx, []byte("same"))
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("missing content", func(t *testing.T) {
		s := newTestLocalCAS(t)
		addr, err := Address([]byte("never stored"))
		require.NoError(t, err)

		_, err = s.Fetch(ctx, addr)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("invalid address", func(t *testing.T) {
		s := newTestLocalCAS(t)
		_, err := s.Fetch(ctx, "zzz")
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("corrupted blob detected", func(t *testing.T) {
		s := newTestLocalCAS(t)
		addr, err := s.Upload(ctx, []byte("original"))
		require.NoError(t, err)
		require.NoError(t, s.db.Set(blobKey(addr), []byte("flipped"), pebble.Sync))

		_, err = s.Fetch(ctx, addr)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("closed", func(t *testing.T) {
		s := newTestLocalCAS(t)
		require.NoError(t, s.Ping(ctx))
		require.NoError(t, s.Close())
		assert.Error(t, s.Ping(ctx))
		_, err := s.Upload(ctx, []byte("x"))
		assert.Error(t, err)
		assert.NoError(t, s.Close())
	})

	t.Run("path required", func(t *testing.T) {
		_, err := NewLocalCAS(LocalOptions{})
		assert.Error(t, err)
	})
}

func TestLocalCAS_Persistence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewLocalCAS(LocalOptions{Path: dir})
	require.NoError(t, err)
	addr, err := s.Upload(ctx, []byte("durable"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewLocalCAS(LocalOptions{Path: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Fetch(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("durable"), got)
}
