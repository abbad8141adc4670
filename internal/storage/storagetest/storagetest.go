// Package storagetest holds the behaviour every storage.Store must share.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/synctime"
)

// Opener returns a fresh, empty store. The suite closes it.
type Opener func(t *testing.T) storage.Store

// Run executes the conformance suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Helper()
	t.Run("EmptyStore", func(t *testing.T) { testEmpty(t, open(t)) })
	t.Run("PutAndRead", func(t *testing.T) { testPutAndRead(t, open(t)) })
	t.Run("DeleteItem", func(t *testing.T) { testDeleteItem(t, open(t)) })
	t.Run("DeleteCollection", func(t *testing.T) { testDeleteCollection(t, open(t)) })
	t.Run("TenantIsolation", func(t *testing.T) { testIsolation(t, open(t)) })
	t.Run("ExpiryRoundTrip", func(t *testing.T) { testExpiryRoundTrip(t, open(t)) })
	t.Run("PurgeExpired", func(t *testing.T) { testPurgeExpired(t, open(t)) })
	t.Run("StagedCommit", func(t *testing.T) { testStagedCommit(t, open(t)) })
	t.Run("StagedRollback", func(t *testing.T) { testStagedRollback(t, open(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open(t)) })
}

func put(uid uint64, coll, id, payload string) storage.Op {
	return storage.Op{Kind: storage.OpPutItem, UserID: uid, Collection: coll, Item: storage.Item{ID: id, Payload: payload}}
}

func testEmpty(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	ts, err := s.StorageTimestamp(ctx, 1)
	require.NoError(t, err)
	require.Zero(t, ts)
	_, err = s.CollectionTimestamp(ctx, 1, "tabs")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Item(ctx, 1, "tabs", "a")
	require.ErrorIs(t, err, storage.ErrNotFound)
	items, err := s.Items(ctx, 1, "tabs")
	require.NoError(t, err)
	require.Empty(t, items)
	colls, err := s.CollectionTimestamps(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, colls)
	require.NoError(t, s.Ping(ctx))
}

func testPutAndRead(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	ts1 := synctime.FromMillis(1_000_000)
	sort := int64(7)
	op := put(1, "tabs", "b", "two")
	op.Item.SortIndex = &sort
	require.NoError(t, s.Apply(ctx, storage.Batch{Timestamp: ts1, Ops: []storage.Op{put(1, "tabs", "a", "one"), op}}))

	item, err := s.Item(ctx, 1, "tabs", "b")
	require.NoError(t, err)
	require.Equal(t, "two", item.Payload)
	require.Equal(t, ts1, item.Modified)
	require.NotNil(t, item.SortIndex)
	require.Equal(t, int64(7), *item.SortIndex)

	items, err := s.Items(ctx, 1, "tabs")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "a", items[0].ID)
	require.Equal(t, "b", items[1].ID)

	ts2 := ts1.Next()
	require.NoError(t, s.Apply(ctx, storage.Batch{Timestamp: ts2, Ops: []storage.Op{put(1, "tabs", "a", "uno")}}))
	item, err = s.Item(ctx, 1, "tabs", "a")
	require.NoError(t, err)
	require.Equal(t, "uno", item.Payload)
	require.Equal(t, ts2, item.Modified)

	collTS, err := s.CollectionTimestamp(ctx, 1, "tabs")
	require.NoError(t, err)
	require.Equal(t, ts2, collTS)
	userTS, err := s.StorageTimestamp(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, ts2, userTS)
	colls, err := s.CollectionTimestamps(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, map[string]synctime.Timestamp{"tabs": ts2}, colls)
}

func testDeleteItem(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	ts1 := synctime.FromMillis(2_000_000)
	require.NoError(t, s.Apply(ctx, storage.Batch{Timestamp: ts1, Ops: []storage.Op{put(1, "forms", "x", "1"), put(1, "forms", "y", "2")}}))
	ts2 := ts1.Next()
	require.NoError(t, s.Apply(ctx, storage.Batch{Timestamp: ts2, Ops: []storage.Op{{Kind: storage.OpDeleteItem, UserID: 1, Collection: "forms", Item: storage.Item{ID: "x"}}}}))
	_, err := s.Item(ctx, 1, "forms", "x")
	require.ErrorIs(t, err, storage.ErrNotFound)
	collTS, err := s.CollectionTimestamp(ctx, 1, "forms")
	require.NoError(t, err)
	require.Equal(t, ts2, collTS)
}

func testDeleteCollection(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	ts1 := synctime.FromMillis(3_000_000)
	require.NoError(t, s.Apply(ctx, storage.Batch{Timestamp: ts1, Ops: []storage.Op{put(1, "prefs", "p", "1"), put(1, "tabs", "t", "1")}}))
	ts2 := ts1.Next()
	require.NoError(t, s.Apply(ctx, storage.Batch{Timestamp: ts2, Ops: []storage.Op{{Kind: storage.OpDeleteCollection, UserID: 1, Collection: "prefs"}}}))
	_, err := s.CollectionTimestamp(ctx, 1, "prefs")
	require.ErrorIs(t, err, storage.ErrNotFound)
	items, err := s.Items(ctx, 1, "prefs")
	require.NoError(t, err)
	require.Empty(t, items)
	userTS, err := s.StorageTimestamp(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, ts2, userTS)
	colls, err := s.CollectionTimestamps(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, map[string]synctime.Timestamp{"tabs": ts1}, colls)
}

func testIsolation(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	ts := synctime.FromMillis(4_000_000)
	require.NoError(t, s.Apply(ctx, storage.Batch{Timestamp: ts, Ops: []storage.Op{put(1, "tabs", "a", "mine")}}))
	_, err := s.Item(ctx, 2, "tabs", "a")
	require.ErrorIs(t, err, storage.ErrNotFound)
	other, err := s.StorageTimestamp(ctx, 2)
	require.NoError(t, err)
	require.Zero(t, other)
}

func testExpiryRoundTrip(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	ts := synctime.FromMillis(6_000_000)
	expiry := synctime.FromMillis(6_060_000)
	op := put(1, "tabs", "a", "short-lived")
	op.Item.Expiry = expiry
	require.NoError(t, s.Apply(ctx, storage.Batch{Timestamp: ts, Ops: []storage.Op{op, put(1, "tabs", "b", "forever")}}))

	item, err := s.Item(ctx, 1, "tabs", "a")
	require.NoError(t, err)
	require.Equal(t, expiry, item.Expiry)
	require.False(t, item.Expired(expiry-1))
	require.True(t, item.Expired(expiry))

	items, err := s.Items(ctx, 1, "tabs")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, expiry, items[0].Expiry)
	require.Zero(t, items[1].Expiry)
	require.Len(t, storage.LiveItems(items, expiry), 1)

	// A later put without expiry clears it.
	require.NoError(t, s.Apply(ctx, storage.Batch{Timestamp: ts.Next(), Ops: []storage.Op{put(1, "tabs", "a", "kept")}}))
	item, err = s.Item(ctx, 1, "tabs", "a")
	require.NoError(t, err)
	require.Zero(t, item.Expiry)
}

func testPurgeExpired(t *testing.T, s storage.Store) {
	defer s.Close()
	ctx := context.Background()
	ts := synctime.FromMillis(7_000_000)
	soon := put(1, "tabs", "soon", "1")
	soon.Item.Expiry = ts + 1_000
	later := put(2, "forms", "later", "2")
	later.Item.Expiry = ts + 5_000
	require.NoError(t, s.Apply(ctx, storage.Batch{Timestamp: ts, Ops: []storage.Op{soon, later, put(1, "tabs", "keep", "3")}}))

	purged, err := s.PurgeExpired(ctx, ts+999)
	require.NoError(t, err)
	require.Zero(t, purged)

	purged, err = s.PurgeExpired(ctx, ts+1_000)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
	_, err = s.Item(ctx, 1, "tabs", "soon")
	require.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.Item(ctx, 2, "forms", "later")
	require.NoError(t, err)

	collTS, err := s.CollectionTimestamp(ctx, 1, "tabs")
	require.NoError(t, err)
	require.Equal(t, ts, collTS, "purging must not bump collection timestamps")

	purged, err = s.PurgeExpired(ctx, ts+10_000)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
	items, err := s.Items(ctx, 1, "tabs")
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, "keep", items[0].ID)
}

func testStagedCommit(t *testing.T, s storage.Store) {
	backend := storage.NewStagedBackend(s)
	defer backend.Close()
	ctx := context.Background()
	tx, err := backend.Begin(ctx)
	require.NoError(t, err)
	tx.Stage(put(1, "tabs", "a", "staged"))
	require.Equal(t, 1, tx.Pending())

	item, err := tx.Item(ctx, 1, "tabs", "a")
	require.NoError(t, err)
	require.Equal(t, "staged", item.Payload)
	_, err = s.Item(ctx, 1, "tabs", "a")
	require.ErrorIs(t, err, storage.ErrNotFound, "staged writes must stay invisible before commit")

	ts := synctime.FromMillis(5_000_000)
	require.NoError(t, tx.Commit(ctx, ts))
	item, err = s.Item(ctx, 1, "tabs", "a")
	require.NoError(t, err)
	require.Equal(t, ts, item.Modified)
	require.ErrorIs(t, tx.Commit(ctx, ts), storage.ErrTxDone)
	require.ErrorIs(t, tx.Rollback(ctx), storage.ErrTxDone)
}

func testStagedRollback(t *testing.T, s storage.Store) {
	backend := storage.NewStagedBackend(s)
	defer backend.Close()
	ctx := context.Background()
	tx, err := backend.Begin(ctx)
	require.NoError(t, err)
	tx.Stage(put(1, "tabs", "a", "gone"))
	tx.Stage(storage.Op{Kind: storage.OpDeleteCollection, UserID: 1, Collection: "tabs"})
	items, err := tx.Items(ctx, 1, "tabs")
	require.NoError(t, err)
	require.Empty(t, items)
	require.NoError(t, tx.Rollback(ctx))
	_, err = s.CollectionTimestamp(ctx, 1, "tabs")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testClosed(t *testing.T, s storage.Store) {
	require.NoError(t, s.Close())
	require.Error(t, s.Ping(context.Background()))
}
