package mqttmesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()

	t.Run("connect and lookup", func(t *testing.T) {
		directory := NewMemoryDirectory()

		require.NoError(t, directory.RecordConnect(ctx, "dev-1", "node-a"))

		entry, ok, err := directory.Lookup(ctx, "dev-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "dev-1", entry.ClientID)
		assert.Equal(t, NodeID("node-a"), entry.NodeID)
		assert.NotZero(t, entry.ConnectedAt)
	})

	t.Run("lookup unknown client", func(t *testing.T) {
		directory := NewMemoryDirectory()

		_, ok, err := directory.Lookup(ctx, "ghost")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("last writer wins on connect", func(t *testing.T) {
		directory := NewMemoryDirectory()

		require.NoError(t, directory.RecordConnect(ctx, "dev-1", "node-a"))
		require.NoError(t, directory.RecordConnect(ctx, "dev-1", "node-b"))

		entry, ok, err := directory.Lookup(ctx, "dev-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, NodeID("node-b"), entry.NodeID)
		assert.Equal(t, 1, directory.Len())
	})

	t.Run("connect idempotent under retry", func(t *testing.T) {
		directory := NewMemoryDirectory()

		require.NoError(t, directory.RecordConnect(ctx, "dev-1", "node-a"))
		require.NoError(t, directory.RecordConnect(ctx, "dev-1", "node-a"))

		assert.Equal(t, 1, directory.Len())
	})

	t.Run("disconnect removes own entry", func(t *testing.T) {
		directory := NewMemoryDirectory()

		require.NoError(t, directory.RecordConnect(ctx, "dev-1", "node-a"))
		require.NoError(t, directory.RecordDisconnect(ctx, "dev-1", "node-a"))

		_, ok, err := directory.Lookup(ctx, "dev-1")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("disconnect of absent entry is a no-op", func(t *testing.T) {
		directory := NewMemoryDirectory()
		require.NoError(t, directory.RecordDisconnect(ctx, "ghost", "node-a"))
	})

	t.Run("disconnect guarded against takeover", func(t *testing.T) {
		directory := NewMemoryDirectory()

		require.NoError(t, directory.RecordConnect(ctx, "dev-1", "node-a"))
		require.NoError(t, directory.RecordConnect(ctx, "dev-1", "node-b"))

		// node-a's stale disconnect must not remove node-b's entry.
		require.NoError(t, directory.RecordDisconnect(ctx, "dev-1", "node-a"))

		entry, ok, err := directory.Lookup(ctx, "dev-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, NodeID("node-b"), entry.NodeID)
	})

	t.Run("closed directory rejects operations", func(t *testing.T) {
		directory := NewMemoryDirectory()
		require.NoError(t, directory.Close())

		assert.ErrorIs(t, directory.RecordConnect(ctx, "dev-1", "node-a"), ErrDirectoryClosed)
		assert.ErrorIs(t, directory.RecordDisconnect(ctx, "dev-1", "node-a"), ErrDirectoryClosed)

		_, _, err := directory.Lookup(ctx, "dev-1")
		assert.ErrorIs(t, err, ErrDirectoryClosed)
	})
}
