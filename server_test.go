package syncd

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/xid"

	"pkt.systems/syncd/api"
	"pkt.systems/syncd/internal/auth"
	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/storage/memory"
	"pkt.systems/syncd/internal/synctime"
)

func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, func(context.Context) error) {
	t.Helper()
	srv, stop, err := StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = stop(context.Background()) })
	return srv, stop
}

func signedRequest(t *testing.T, method, url, body string, uid uint64) *http.Request {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	secrets, err := auth.NewSecrets(testSecret)
	if err != nil {
		t.Fatalf("secrets: %v", err)
	}
	now := time.Now()
	id, key, err := auth.MintFor(secrets, uid, "", now, time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	conn := auth.ConnInfoFromHost(req.URL.Host, false)
	req.Header.Set("Authorization", auth.SignRequest(id, key, method, req.URL.RequestURI(), conn, now, xid.New().String()))
	return req
}

func TestServerServesSignedRequests(t *testing.T) {
	srv, _ := startTestServer(t, Config{Listen: "127.0.0.1:0", MasterSecret: testSecret})
	base := "http://" + srv.ListenerAddr().String()

	resp, err := http.DefaultClient.Do(signedRequest(t, http.MethodPut, base+"/1.5/11/storage/tabs/main", `{"payload":"hello"}`, 11))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	putBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put status %d: %s", resp.StatusCode, putBody)
	}
	if resp.Header.Get(api.HeaderLastModified) != string(putBody) {
		t.Fatalf("expected last-modified %q to match body %q", resp.Header.Get(api.HeaderLastModified), putBody)
	}
	if resp.Header.Get(api.HeaderServiceTimestamp) == "" || resp.Header.Get(api.HeaderRequestID) == "" {
		t.Fatalf("missing service headers: %v", resp.Header)
	}

	resp, err = http.DefaultClient.Do(signedRequest(t, http.MethodGet, base+"/1.5/11/storage/tabs/main", "", 11))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	getBody, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(getBody), `"payload":"hello"`) {
		t.Fatalf("get status %d: %s", resp.StatusCode, getBody)
	}

	resp, err = http.Get(base + "/1.5/11/storage/tabs/main")
	if err != nil {
		t.Fatalf("unsigned get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Fatalf("unsigned request must not succeed")
	}
}

func TestServerShutdownIsIdempotent(t *testing.T) {
	backend := storage.NewStagedBackend(memory.New())
	srv, stop := startTestServer(t, Config{Listen: "127.0.0.1:0", MasterSecret: testSecret}, WithBackend(backend))
	addr := srv.ListenerAddr().String()
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if err := backend.Ping(context.Background()); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("expected backend closed, got %v", err)
	}
	if conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond); err == nil {
		conn.Close()
		t.Fatalf("expected listener closed")
	}
}

func TestServerUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "syncd.sock")
	srv, stop := startTestServer(t, Config{ListenProto: "unix", Listen: sock, MasterSecret: testSecret})
	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", sock)
		},
	}}
	resp, err := client.Get("http://syncd/__lbheartbeat__")
	if err != nil {
		t.Fatalf("lbheartbeat: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lbheartbeat status %d", resp.StatusCode)
	}
	if srv.Handler() == nil {
		t.Fatalf("expected handler")
	}
	if err := stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := net.Dial("unix", sock); err == nil {
		t.Fatalf("expected socket removed")
	}
}

func TestNewServerRejectsInvalidConfig(t *testing.T) {
	if _, err := NewServer(Config{MasterSecret: "short"}); err == nil {
		t.Fatalf("expected config error")
	}
	if _, err := NewServer(Config{MasterSecret: testSecret, Store: "s3://bucket"}); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestServerPurgesExpiredItems(t *testing.T) {
	clk := synctime.NewManual(time.Unix(1000, 0))
	store := memory.New()
	ctx := context.Background()
	now := synctime.Now(clk)
	if err := store.Apply(ctx, storage.Batch{Timestamp: now, Ops: []storage.Op{
		{Kind: storage.OpPutItem, UserID: 4, Collection: "tabs", Item: storage.Item{ID: "gone", Payload: "x", Expiry: now + 30_000}},
		{Kind: storage.OpPutItem, UserID: 4, Collection: "tabs", Item: storage.Item{ID: "kept", Payload: "y"}},
	}}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	srv, err := NewServer(Config{MasterSecret: testSecret, PurgeInterval: time.Minute},
		WithBackend(storage.NewStagedBackend(store)), WithClock(clk))
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	defer srv.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := store.Item(ctx, 4, "tabs", "gone"); errors.Is(err, storage.ErrNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expired item was never purged")
		}
		if clk.Pending() > 0 {
			clk.Advance(time.Minute)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := store.Item(ctx, 4, "tabs", "kept"); err != nil {
		t.Fatalf("live item purged: %v", err)
	}
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
