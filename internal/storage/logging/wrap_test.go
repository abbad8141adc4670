package logging_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/storage/logging"
	"pkt.systems/syncd/internal/storage/memory"
	"pkt.systems/syncd/internal/synctime"
)

func TestWrapPassesThrough(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf).LogLevel(pslog.TraceLevel)
	store := logging.Wrap(memory.New(), logger, "storage.test")
	ctx := context.Background()
	ts := synctime.FromMillis(10_000)
	err := store.Apply(ctx, storage.Batch{Timestamp: ts, Ops: []storage.Op{
		{Kind: storage.OpPutItem, UserID: 1, Collection: "tabs", Item: storage.Item{ID: "a", Payload: "x"}},
	}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	item, err := store.Item(ctx, 1, "tabs", "a")
	if err != nil || item.Modified != ts {
		t.Fatalf("item: %+v %v", item, err)
	}
	if _, err := store.Item(ctx, 1, "tabs", "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if !strings.Contains(buf.String(), "storage.apply.success") {
		t.Fatalf("expected trace log, got %q", buf.String())
	}
}

func TestWrapPurgeExpired(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := pslog.NewStructured(context.Background(), &buf).LogLevel(pslog.TraceLevel)
	store := logging.Wrap(memory.New(), logger, "storage.test")
	ctx := context.Background()
	ts := synctime.FromMillis(10_000)
	err := store.Apply(ctx, storage.Batch{Timestamp: ts, Ops: []storage.Op{
		{Kind: storage.OpPutItem, UserID: 1, Collection: "tabs", Item: storage.Item{ID: "a", Payload: "x", Expiry: ts.Next()}},
	}})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	purged, err := store.PurgeExpired(ctx, ts.Next())
	if err != nil || purged != 1 {
		t.Fatalf("purge: %d %v", purged, err)
	}
	if !strings.Contains(buf.String(), "storage.purge_expired.success") {
		t.Fatalf("expected purge trace log, got %q", buf.String())
	}
}
