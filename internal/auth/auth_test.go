package auth_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"pkt.systems/syncd/internal/auth"
)

const testMaster = "0123456789abcdef0123456789abcdef"

var (
	testNow  = time.Unix(1_700_000_000, 0)
	testConn = auth.ConnInfo{Host: "sync.example.test", Port: 443}
)

func newVerifier(t *testing.T) (*auth.Verifier, auth.Secrets) {
	t.Helper()
	secrets, err := auth.NewSecrets(testMaster)
	if err != nil {
		t.Fatalf("new secrets: %v", err)
	}
	return auth.NewVerifier(secrets, time.Minute, func() time.Time { return testNow }), secrets
}

func mint(t *testing.T, secrets auth.Secrets, uid uint64, ttl time.Duration) (string, string) {
	t.Helper()
	id, key, err := auth.MintFor(secrets, uid, "https://sync.example.test", testNow, ttl)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	return id, key
}

func TestVerifySuccess(t *testing.T) {
	t.Parallel()
	v, secrets := newVerifier(t)
	id, key := mint(t, secrets, 42, time.Hour)
	uri := "/1.5/42/storage/tabs?full=1"
	header := auth.SignRequest(id, key, "GET", uri, testConn, testNow, "n0nce")
	identity, err := v.Verify("GET", header, testConn, uri)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if identity.UserID != 42 || identity.String() != "42" {
		t.Fatalf("unexpected identity %+v", identity)
	}
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	t.Parallel()
	secrets, err := auth.NewSecrets(testMaster)
	if err != nil {
		t.Fatalf("new secrets: %v", err)
	}
	now := testNow
	v := auth.NewVerifier(secrets, time.Minute, func() time.Time { return now })
	id, key := mint(t, secrets, 42, time.Hour)
	uri := "/1.5/42/storage/tabs"
	header := auth.SignRequest(id, key, "GET", uri, testConn, testNow, "once")
	if _, err := v.Verify("GET", header, testConn, uri); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	now = testNow.Add(30 * time.Second)
	_, err = v.Verify("GET", header, testConn, uri)
	if !errors.Is(err, auth.ErrReplay) {
		t.Fatalf("expected replay rejection, got %v", err)
	}
	fresh := auth.SignRequest(id, key, "GET", uri, testConn, testNow, "twice")
	if _, err := v.Verify("GET", fresh, testConn, uri); err != nil {
		t.Fatalf("fresh nonce: %v", err)
	}
	otherID, otherKey := mint(t, secrets, 42, 2*time.Hour)
	sameNonce := auth.SignRequest(otherID, otherKey, "GET", uri, testConn, testNow, "once")
	if _, err := v.Verify("GET", sameNonce, testConn, uri); err != nil {
		t.Fatalf("same nonce under another token: %v", err)
	}
	now = testNow.Add(2 * time.Minute)
	_, err = v.Verify("GET", header, testConn, uri)
	if !errors.Is(err, auth.ErrExpired) {
		t.Fatalf("expected stale rejection once the window closes, got %v", err)
	}
}

func TestVerifyFailures(t *testing.T) {
	t.Parallel()
	v, secrets := newVerifier(t)
	id, key := mint(t, secrets, 42, time.Hour)
	expiredID, expiredKey := mint(t, secrets, 42, -time.Minute)
	other, err := auth.NewSecrets("ffffffffffffffffffffffffffffffff")
	if err != nil {
		t.Fatalf("other secrets: %v", err)
	}
	foreignID, foreignKey := mint(t, other, 42, time.Hour)
	uri := "/1.5/42/storage/tabs"

	cases := []struct {
		name   string
		header string
		method string
		uri    string
		want   error
	}{
		{name: "missing", header: "", want: auth.ErrMissing},
		{name: "scheme", header: "Bearer abc", want: auth.ErrMalformed},
		{name: "unquoted", header: `Hawk id=abc`, want: auth.ErrMalformed},
		{name: "missing mac", header: `Hawk id="` + id + `", ts="1", nonce="x"`, want: auth.ErrMalformed},
		{name: "garbage id", header: `Hawk id="!!", ts="1700000000", nonce="x", mac="AA=="`, want: auth.ErrMalformed},
		{name: "foreign token", header: auth.SignRequest(foreignID, foreignKey, "GET", uri, testConn, testNow, "n"), want: auth.ErrSignature},
		{name: "expired token", header: auth.SignRequest(expiredID, expiredKey, "GET", uri, testConn, testNow, "n"), want: auth.ErrExpired},
		{name: "stale ts", header: auth.SignRequest(id, key, "GET", uri, testConn, testNow.Add(-10*time.Minute), "n"), want: auth.ErrExpired},
		{name: "method tamper", header: auth.SignRequest(id, key, "GET", uri, testConn, testNow, "n"), method: "PUT", want: auth.ErrSignature},
		{name: "uri tamper", header: auth.SignRequest(id, key, "GET", uri, testConn, testNow, "n"), uri: "/1.5/42/storage/forms", want: auth.ErrSignature},
		{name: "uid mismatch", header: auth.SignRequest(id, key, "GET", "/1.5/7/storage/tabs", testConn, testNow, "n"), uri: "/1.5/7/storage/tabs", want: auth.ErrMalformed},
	}
	for _, tc := range cases {
		method := tc.method
		if method == "" {
			method = "GET"
		}
		target := tc.uri
		if target == "" {
			target = uri
		}
		identity, err := v.Verify(method, tc.header, testConn, target)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
		if identity != (auth.Identity{}) {
			t.Fatalf("%s: partial identity leaked: %+v", tc.name, identity)
		}
		var authErr *auth.Error
		if !errors.As(err, &authErr) {
			t.Fatalf("%s: expected *auth.Error", tc.name)
		}
	}
}

func TestNewSecretsRejectsShortMaster(t *testing.T) {
	t.Parallel()
	if _, err := auth.NewSecrets("short"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestConnInfoFromHost(t *testing.T) {
	t.Parallel()
	if got := auth.ConnInfoFromHost("Sync.Example.Test:8443", true); got.Host != "sync.example.test" || got.Port != 8443 {
		t.Fatalf("unexpected conn %+v", got)
	}
	if got := auth.ConnInfoFromHost("localhost", false); got.Port != 80 {
		t.Fatalf("unexpected default port %+v", got)
	}
	if got := auth.ConnInfoFromHost("localhost", true); got.Port != 443 {
		t.Fatalf("unexpected tls port %+v", got)
	}
}

func TestSignRequestFormat(t *testing.T) {
	t.Parallel()
	header := auth.SignRequest("id", "key", "GET", "/", testConn, testNow, "abc")
	if !strings.HasPrefix(header, `Hawk id="id", ts="1700000000", nonce="abc", mac="`) {
		t.Fatalf("unexpected header %q", header)
	}
}
