package storagecheck

import (
	"context"
	"errors"
	"testing"
	"time"

	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/storage/memory"
	"pkt.systems/syncd/internal/synctime"
)

func TestVerifyMemoryBackend(t *testing.T) {
	store := memory.New()
	backend := storage.NewStagedBackend(store)
	defer backend.Close()

	res := Verify(context.Background(), "mem", "", backend, synctime.NewManual(time.Unix(5000, 0)))
	if !res.Passed() {
		t.Fatalf("expected checks to pass: %+v", res.Checks)
	}
	want := []string{"Ping", "CommitItem", "ReadItem", "RollbackDiscards", "PurgeExpired", "DeleteCollection"}
	if len(res.Checks) != len(want) {
		t.Fatalf("unexpected checks %+v", res.Checks)
	}
	for i, name := range want {
		if res.Checks[i].Name != name {
			t.Fatalf("check %d: got %s want %s", i, res.Checks[i].Name, name)
		}
	}
	collections, err := store.CollectionTimestamps(context.Background(), DiagnosticsUserID)
	if err != nil {
		t.Fatalf("collections: %v", err)
	}
	if len(collections) != 0 {
		t.Fatalf("diagnostics data left behind: %v", collections)
	}
}

type brokenBackend struct {
	storage.Backend
}

var errBroken = errors.New("backend unreachable")

func (brokenBackend) Ping(context.Context) error { return errBroken }

func (brokenBackend) Begin(context.Context) (storage.Tx, error) { return nil, errBroken }

func TestVerifyReportsFailures(t *testing.T) {
	res := Verify(context.Background(), "bolt", "/nowhere", brokenBackend{}, nil)
	if res.Passed() {
		t.Fatalf("expected failures")
	}
	for _, check := range res.Checks {
		if !errors.Is(check.Err, errBroken) {
			t.Fatalf("%s: expected injected error, got %v", check.Name, check.Err)
		}
	}
	if res.Provider != "bolt" || res.Path != "/nowhere" {
		t.Fatalf("unexpected result metadata %+v", res)
	}
}
