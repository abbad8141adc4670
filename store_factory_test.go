package syncd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/synctime"
)

func TestParseStoreURL(t *testing.T) {
	abs := filepath.Join(t.TempDir(), "sync.db")
	cases := []struct {
		raw        string
		wantScheme string
		wantPath   string
	}{
		{"mem://", "mem", ""},
		{"memory://", "mem", ""},
		{"", "mem", ""},
		{"sqlite://" + abs, "sqlite", abs},
		{"bolt://" + abs, "bolt", abs},
	}
	for _, tc := range cases {
		loc, err := parseStoreURL(tc.raw)
		if err != nil {
			t.Fatalf("%q: %v", tc.raw, err)
		}
		if loc.Scheme != tc.wantScheme || loc.Path != tc.wantPath {
			t.Fatalf("%q: got %+v", tc.raw, loc)
		}
	}
	rel, err := parseStoreURL("sqlite://data/sync.db")
	if err != nil {
		t.Fatalf("relative: %v", err)
	}
	if !filepath.IsAbs(rel.Path) {
		t.Fatalf("expected absolute path, got %s", rel.Path)
	}
	for _, bad := range []string{"s3://bucket", "sqlite://", "/just/a/path"} {
		if _, err := parseStoreURL(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func TestOpenBackendPersistsAcrossReopen(t *testing.T) {
	for _, scheme := range []string{"sqlite", "bolt"} {
		t.Run(scheme, func(t *testing.T) {
			cfg := Config{
				MasterSecret: testSecret,
				Store:        scheme + "://" + filepath.Join(t.TempDir(), "sync.db"),
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("validate: %v", err)
			}
			ctx := context.Background()
			backend, err := openBackend(cfg, pslog.NoopLogger(), synctime.Real{})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			tx, err := backend.Begin(ctx)
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			tx.Stage(storage.Op{Kind: storage.OpPutItem, UserID: 7, Collection: "tabs", Item: storage.Item{ID: "a", Payload: "x"}})
			if err := tx.Commit(ctx, synctime.Timestamp(5000)); err != nil {
				t.Fatalf("commit: %v", err)
			}
			if err := backend.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			backend, err = openBackend(cfg, pslog.NoopLogger(), synctime.Real{})
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer backend.Close()
			tx, err = backend.Begin(ctx)
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			defer tx.Rollback(ctx)
			item, err := tx.Item(ctx, 7, "tabs", "a")
			if err != nil {
				t.Fatalf("item: %v", err)
			}
			if item.Payload != "x" || item.Modified != synctime.Timestamp(5000) {
				t.Fatalf("unexpected item %+v", item)
			}
		})
	}
}

func TestVerifyStore(t *testing.T) {
	for _, scheme := range []string{"mem://", "sqlite://", "bolt://"} {
		store := scheme
		if scheme != "mem://" {
			store += filepath.Join(t.TempDir(), "verify.db")
		}
		cfg := Config{Store: store}
		res, err := VerifyStore(context.Background(), cfg, pslog.NoopLogger())
		if err != nil {
			t.Fatalf("%s: verify: %v", scheme, err)
		}
		if !res.Passed() {
			t.Fatalf("%s: checks failed: %+v", scheme, res.Checks)
		}
	}
	if _, err := VerifyStore(context.Background(), Config{Store: "s3://bucket"}, nil); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestPurgeExpired(t *testing.T) {
	for _, scheme := range []string{"sqlite", "bolt"} {
		t.Run(scheme, func(t *testing.T) {
			cfg := Config{Store: scheme + "://" + filepath.Join(t.TempDir(), "sync.db")}
			ctx := context.Background()
			backend, err := openBackend(cfg, pslog.NoopLogger(), synctime.Real{})
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			tx, err := backend.Begin(ctx)
			if err != nil {
				t.Fatalf("begin: %v", err)
			}
			tx.Stage(storage.Op{Kind: storage.OpPutItem, UserID: 7, Collection: "tabs", Item: storage.Item{ID: "old", Payload: "x", Expiry: synctime.Timestamp(6000)}})
			tx.Stage(storage.Op{Kind: storage.OpPutItem, UserID: 7, Collection: "tabs", Item: storage.Item{ID: "new", Payload: "y"}})
			if err := tx.Commit(ctx, synctime.Timestamp(5000)); err != nil {
				t.Fatalf("commit: %v", err)
			}
			if err := backend.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			purged, err := PurgeExpired(ctx, cfg, nil, time.UnixMilli(6000))
			if err != nil {
				t.Fatalf("purge: %v", err)
			}
			if purged != 1 {
				t.Fatalf("expected 1 purged item, got %d", purged)
			}
			purged, err = PurgeExpired(ctx, cfg, nil, time.UnixMilli(60_000))
			if err != nil || purged != 0 {
				t.Fatalf("second purge: %d %v", purged, err)
			}
		})
	}
	if _, err := PurgeExpired(context.Background(), Config{Store: "s3://bucket"}, nil, time.Now()); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
