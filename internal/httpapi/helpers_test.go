package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/auth"
	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/storage/memory"
	"pkt.systems/syncd/internal/synctime"
	"pkt.systems/syncd/internal/txn"
)

const testMasterSecret = "0123456789abcdef-test-master"

var errInjected = errors.New("injected backend failure")

// countingBackend observes every transaction the pipeline finalizes and can
// be told to fail commits or rollbacks.
type countingBackend struct {
	storage.Backend
	begins       atomic.Int64
	commits      atomic.Int64
	rollbacks    atomic.Int64
	failCommit   atomic.Bool
	failRollback atomic.Bool
}

func (b *countingBackend) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := b.Backend.Begin(ctx)
	if err != nil {
		return nil, err
	}
	b.begins.Add(1)
	return &countingTx{Tx: tx, b: b}, nil
}

type countingTx struct {
	storage.Tx
	b *countingBackend
}

func (t *countingTx) Commit(ctx context.Context, ts synctime.Timestamp) error {
	t.b.commits.Add(1)
	if t.b.failCommit.Load() {
		_ = t.Tx.Rollback(ctx)
		return errInjected
	}
	return t.Tx.Commit(ctx, ts)
}

func (t *countingTx) Rollback(ctx context.Context) error {
	t.b.rollbacks.Add(1)
	err := t.Tx.Rollback(ctx)
	if t.b.failRollback.Load() {
		return errInjected
	}
	return err
}

type harnessOptions struct {
	poolSize    int
	poolTimeout time.Duration
	lockTimeout time.Duration
}

type harness struct {
	t       *testing.T
	clock   *synctime.Manual
	secrets auth.Secrets
	backend *countingBackend
	txns    *txn.Manager
	handler *Handler
	mux     *http.ServeMux
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	if opts.poolSize == 0 {
		opts.poolSize = 4
	}
	if opts.poolTimeout == 0 {
		opts.poolTimeout = time.Second
	}
	if opts.lockTimeout == 0 {
		opts.lockTimeout = 2 * time.Second
	}
	clk := synctime.NewManual(time.Unix(1000, 0))
	secrets, err := auth.NewSecrets(testMasterSecret)
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	logger := pslog.NewStructured(context.Background(), io.Discard)
	backend := &countingBackend{Backend: storage.NewStagedBackend(memory.New())}
	txns, err := txn.NewManager(txn.Config{
		Backend:     backend,
		PoolSize:    opts.poolSize,
		PoolTimeout: opts.poolTimeout,
		LockTimeout: opts.lockTimeout,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("txn manager: %v", err)
	}
	handler, err := New(Config{
		Transactions:    txns,
		Verifier:        auth.NewVerifier(secrets, 0, clk.Now),
		Clock:           clk,
		Logger:          logger,
		MaxRequestBytes: 4 << 10,
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	handler.Register(mux)
	t.Cleanup(txns.Close)
	return &harness{t: t, clock: clk, secrets: secrets, backend: backend, txns: txns, handler: handler, mux: mux}
}

// request builds a Hawk-signed request for uid.
func (h *harness) request(ctx context.Context, uid uint64, method, target string, body string) *http.Request {
	h.t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader).WithContext(ctx)
	id, key, err := auth.MintFor(h.secrets, uid, "", h.clock.Now(), time.Hour)
	if err != nil {
		h.t.Fatalf("mint token: %v", err)
	}
	conn := auth.ConnInfoFromHost(req.Host, false)
	req.Header.Set("Authorization", auth.SignRequest(id, key, method, req.URL.RequestURI(), conn, h.clock.Now(), xid.New().String()))
	return req
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

// call signs and serves a request against the registered routes.
func (h *harness) call(uid uint64, method, target, body string) *httptest.ResponseRecorder {
	h.t.Helper()
	return h.do(h.request(context.Background(), uid, method, target, body))
}

// serveWith serves req through a pipeline-wrapped fn instead of a real route.
func (h *harness) serveWith(req *http.Request, fn handlerFunc) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.handler.wrap("test", fn).ServeHTTP(rec, req)
	return rec
}

func (h *harness) assertIdle() {
	h.t.Helper()
	stats := h.txns.Stats()
	if stats.PoolInUse != 0 || stats.LockedKeys != 0 {
		h.t.Fatalf("expected idle manager, got %+v", stats)
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return resp
}

func expectError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if rec.Code != status {
		t.Fatalf("expected status %d, got %d body=%s", status, rec.Code, rec.Body.String())
	}
	if resp := decodeError(t, rec); resp.ErrorCode != code {
		t.Fatalf("expected error code %q, got %q", code, resp.ErrorCode)
	}
}
