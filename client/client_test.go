package client

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/auth"
	"pkt.systems/syncd/internal/httpapi"
	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/storage/memory"
	"pkt.systems/syncd/internal/synctime"
	"pkt.systems/syncd/internal/txn"
)

const testSecret = "0123456789abcdef-client-tests"

func newTestMux(t *testing.T) (*http.ServeMux, auth.Secrets) {
	t.Helper()
	secrets, err := auth.NewSecrets(testSecret)
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	logger := pslog.NewStructured(context.Background(), io.Discard)
	txns, err := txn.NewManager(txn.Config{
		Backend:     storage.NewStagedBackend(memory.New()),
		PoolSize:    4,
		PoolTimeout: time.Second,
		LockTimeout: time.Second,
		Clock:       synctime.Real{},
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("txn manager: %v", err)
	}
	t.Cleanup(txns.Close)
	handler, err := httpapi.New(httpapi.Config{
		Transactions: txns,
		Verifier:     auth.NewVerifier(secrets, 0, nil),
		Logger:       logger,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	return mux, secrets
}

func newTestClient(t *testing.T, baseURL string, secrets auth.Secrets, uid uint64, opts ...Option) *Client {
	t.Helper()
	id, key, err := auth.MintFor(secrets, uid, "", time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	cli, err := New(baseURL, uid, append([]Option{WithToken(id, key)}, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return cli
}

func strPtr(s string) *string { return &s }

func TestClientItemLifecycle(t *testing.T) {
	mux, secrets := newTestMux(t)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	cli := newTestClient(t, srv.URL, secrets, 7)
	ctx := context.Background()

	ts, meta, err := cli.Put(ctx, "bookmarks", "a", api.BSOInput{Payload: strPtr("one")})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ts == 0 || meta.LastModified != ts {
		t.Fatalf("unexpected put timestamp %s meta %+v", ts, meta)
	}
	if meta.RequestID == "" || meta.ServiceTime < ts {
		t.Fatalf("missing service headers %+v", meta)
	}

	item, _, err := cli.Get(ctx, "bookmarks", "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.ID != "a" || item.Payload != "one" || item.Modified != ts {
		t.Fatalf("unexpected item %+v", item)
	}

	idx := int64(9)
	post, _, err := cli.Post(ctx, "bookmarks", []api.BSOInput{
		{ID: "b", Payload: strPtr("two"), SortIndex: &idx},
		{ID: "bad/id", Payload: strPtr("nope")},
	})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if len(post.Success) != 1 || post.Success[0] != "b" || len(post.Failed["bad/id"]) == 0 {
		t.Fatalf("unexpected post result %+v", post)
	}

	ids, meta, err := cli.ListIDs(ctx, "bookmarks", WithSort(SortIndex))
	if err != nil {
		t.Fatalf("list ids: %v", err)
	}
	if strings.Join(ids, ",") != "b,a" || meta.Records != 2 {
		t.Fatalf("unexpected ids %v records %d", ids, meta.Records)
	}
	full, _, err := cli.ListFull(ctx, "bookmarks", WithIDs("b"))
	if err != nil {
		t.Fatalf("list full: %v", err)
	}
	if len(full) != 1 || full[0].Payload != "two" {
		t.Fatalf("unexpected full listing %+v", full)
	}

	collections, _, err := cli.InfoCollections(ctx)
	if err != nil {
		t.Fatalf("info collections: %v", err)
	}
	if collections["bookmarks"] < ts {
		t.Fatalf("unexpected collections %v", collections)
	}

	if _, _, err := cli.DeleteItem(ctx, "bookmarks", "a"); err != nil {
		t.Fatalf("delete item: %v", err)
	}
	if _, _, err := cli.Get(ctx, "bookmarks", "a"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, _, err := cli.DeleteCollection(ctx, "bookmarks"); err != nil {
		t.Fatalf("delete collection: %v", err)
	}
	if _, _, err := cli.DeleteCollection(ctx, "bookmarks"); !IsNotFound(err) {
		t.Fatalf("expected not found deleting a missing collection, got %v", err)
	}
}

func TestClientPreconditions(t *testing.T) {
	mux, secrets := newTestMux(t)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	cli := newTestClient(t, srv.URL, secrets, 8)
	ctx := context.Background()

	ts, _, err := cli.Put(ctx, "tabs", "x", api.BSOInput{Payload: strPtr("v1")})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, _, err := cli.Get(ctx, "tabs", "x", IfModifiedSince(ts)); !errors.Is(err, ErrNotModified) {
		t.Fatalf("expected ErrNotModified, got %v", err)
	}
	_, meta, err := cli.Put(ctx, "tabs", "x", api.BSOInput{Payload: strPtr("v2")}, IfUnmodifiedSince(ts-10))
	if !IsPreconditionFailed(err) {
		t.Fatalf("expected precondition failure, got %v", err)
	}
	if meta.LastModified != ts {
		t.Fatalf("expected current timestamp on 412, got %s", meta.LastModified)
	}
	if _, _, err := cli.Put(ctx, "tabs", "x", api.BSOInput{Payload: strPtr("v2")}, IfUnmodifiedSince(ts)); err != nil {
		t.Fatalf("conditional put: %v", err)
	}
	item, _, err := cli.Get(ctx, "tabs", "x")
	if err != nil || item.Payload != "v2" {
		t.Fatalf("unexpected item %+v err %v", item, err)
	}
}

func TestClientRejectsForeignUser(t *testing.T) {
	mux, secrets := newTestMux(t)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	id, key, err := auth.MintFor(secrets, 1, "", time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	cli, err := New(srv.URL, 2, WithToken(id, key))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, _, err = cli.InfoCollections(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Response.ErrorCode != "auth_invalid" {
		t.Fatalf("expected auth_invalid, got %v", err)
	}
}

func TestClientRetriesServiceUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") == "" {
			t.Errorf("request was not signed")
		}
		w.Header().Set("Retry-After", "0.01")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":"lock_unavailable","detail":"collection is busy","retry_after_seconds":1}`)
	}))
	defer srv.Close()
	cli, err := New(srv.URL, 3, WithToken("id", "key"), WithRetries(2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	_, _, err = cli.ListIDs(context.Background(), "history")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Response.ErrorCode != "lock_unavailable" || apiErr.RetryAfterDuration() != 10*time.Millisecond {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestClientUnixSocket(t *testing.T) {
	mux, secrets := newTestMux(t)
	socket := filepath.Join(t.TempDir(), "syncd.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Skipf("unix sockets unavailable: %v", err)
	}
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	defer srv.Close()

	cli := newTestClient(t, "unix://"+socket, secrets, 11)
	ctx := context.Background()
	if err := cli.Heartbeat(ctx); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if _, _, err := cli.Put(ctx, "prefs", "p", api.BSOInput{Payload: strPtr("{}")}); err != nil {
		t.Fatalf("put over unix socket: %v", err)
	}
}

func TestNewValidatesArguments(t *testing.T) {
	cases := []struct {
		name string
		base string
		uid  uint64
		opts []Option
	}{
		{"missing uid", "http://localhost", 0, []Option{WithToken("i", "k")}},
		{"missing token", "http://localhost", 1, nil},
		{"bad scheme", "ftp://localhost", 1, []Option{WithToken("i", "k")}},
		{"empty base", " ", 1, []Option{WithToken("i", "k")}},
		{"unix without path", "unix://", 1, []Option{WithToken("i", "k")}},
	}
	for _, tc := range cases {
		if _, err := New(tc.base, tc.uid, tc.opts...); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestParseRetryAfterHeader(t *testing.T) {
	if d := parseRetryAfterHeader("2"); d != 2*time.Second {
		t.Fatalf("unexpected %s", d)
	}
	if d := parseRetryAfterHeader("-1"); d != 0 {
		t.Fatalf("unexpected %s", d)
	}
	if d := parseRetryAfterHeader("garbage"); d != 0 {
		t.Fatalf("unexpected %s", d)
	}
}
