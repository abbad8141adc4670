package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/storage/sqlite"
	"pkt.systems/syncd/internal/storage/storagetest"
	"pkt.systems/syncd/internal/synctime"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, err := sqlite.Open(sqlite.Config{Path: filepath.Join(t.TempDir(), "sync.db")})
		require.NoError(t, err)
		return store
	})
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	store, err := sqlite.Open(sqlite.Config{Path: path})
	require.NoError(t, err)
	ctx := context.Background()
	ts := synctime.FromMillis(9_000_000)
	require.NoError(t, store.Apply(ctx, storage.Batch{Timestamp: ts, Ops: []storage.Op{
		{Kind: storage.OpPutItem, UserID: 3, Collection: "tabs", Item: storage.Item{ID: "a", Payload: "p"}},
	}}))
	require.NoError(t, store.Close())

	store, err = sqlite.Open(sqlite.Config{Path: path})
	require.NoError(t, err)
	defer store.Close()
	item, err := store.Item(ctx, 3, "tabs", "a")
	require.NoError(t, err)
	require.Equal(t, ts, item.Modified)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := sqlite.Open(sqlite.Config{})
	require.Error(t, err)
}
