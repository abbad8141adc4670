package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"pkt.systems/syncd/internal/locator"
)

// Scheme is the Authorization scheme accepted by Verify.
const Scheme = "Hawk"

// DefaultClockSkew bounds how far a request ts may drift from server time.
// Nonces are remembered for the same window, so a captured header cannot be
// replayed while its ts is still acceptable.
const DefaultClockSkew = 60 * time.Second

// ConnInfo is the connection-level data folded into the request MAC.
type ConnInfo struct {
	Host string
	Port int
}

// ConnInfoFromHost splits a Host header value, falling back to the default
// port for the scheme.
func ConnInfoFromHost(hostport string, tls bool) ConnInfo {
	port := 80
	if tls {
		port = 443
	}
	host := hostport
	if h, p, err := net.SplitHostPort(hostport); err == nil {
		host = h
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}
	return ConnInfo{Host: strings.ToLower(host), Port: port}
}

// Verifier checks Hawk headers against a fixed set of secrets.
type Verifier struct {
	secrets Secrets
	skew    time.Duration
	now     func() time.Time
	nonces  *nonceCache
}

// NewVerifier constructs a verifier. now defaults to time.Now and skew to
// DefaultClockSkew.
func NewVerifier(secrets Secrets, skew time.Duration, now func() time.Time) *Verifier {
	if skew <= 0 {
		skew = DefaultClockSkew
	}
	if now == nil {
		now = time.Now
	}
	return &Verifier{secrets: secrets, skew: skew, now: now, nonces: newNonceCache(DefaultNonceCacheSize)}
}

// Verify authenticates a request. uri is the request target including the
// query string. When the path carries a /1.5/{uid}/ segment it must match the
// token's uid. Each (token id, nonce) pair is accepted once.
func (v *Verifier) Verify(method, authHeader string, conn ConnInfo, uri string) (Identity, error) {
	authHeader = strings.TrimSpace(authHeader)
	if authHeader == "" {
		return Identity{}, fail(KindMissing, "no authorization header")
	}
	params, err := parseHeader(authHeader)
	if err != nil {
		return Identity{}, err
	}
	claims, key, err := v.secrets.openToken(params["id"])
	if err != nil {
		return Identity{}, err
	}
	now := v.now()
	if claims.Expires <= now.Unix() {
		return Identity{}, fail(KindExpired, "token expired")
	}
	ts, err := strconv.ParseInt(params["ts"], 10, 64)
	if err != nil {
		return Identity{}, fail(KindMalformed, "ts is not an integer")
	}
	drift := now.Sub(time.Unix(ts, 0))
	if drift > v.skew || drift < -v.skew {
		return Identity{}, fail(KindExpired, "stale request timestamp")
	}
	want := requestMAC(key, ts, params["nonce"], method, uri, conn, params["hash"], params["ext"])
	got, err := base64.StdEncoding.DecodeString(params["mac"])
	if err != nil {
		return Identity{}, fail(KindMalformed, "mac is not valid base64")
	}
	if !hmac.Equal(got, want) {
		return Identity{}, fail(KindSignature, "request mac mismatch")
	}
	id := Identity{UserID: claims.UserID}
	if pathUID, ok := locator.PathUser(pathOnly(uri)); ok && pathUID != id.String() {
		return Identity{}, fail(KindMalformed, "uid mismatch")
	}
	if !v.nonces.remember(params["id"]+"\n"+params["nonce"], time.Unix(ts, 0).Add(v.skew), now) {
		return Identity{}, fail(KindReplay, "nonce already used")
	}
	return id, nil
}

// SignRequest builds an Authorization header value for a request.
func SignRequest(id, key, method, uri string, conn ConnInfo, ts time.Time, nonce string) string {
	mac := requestMAC([]byte(key), ts.Unix(), nonce, method, uri, conn, "", "")
	return fmt.Sprintf(`%s id="%s", ts="%d", nonce="%s", mac="%s"`,
		Scheme, id, ts.Unix(), nonce, base64.StdEncoding.EncodeToString(mac))
}

func requestMAC(key []byte, ts int64, nonce, method, uri string, conn ConnInfo, hash, ext string) []byte {
	var b strings.Builder
	b.WriteString("hawk.1.header\n")
	b.WriteString(strconv.FormatInt(ts, 10))
	b.WriteByte('\n')
	b.WriteString(nonce)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(uri)
	b.WriteByte('\n')
	b.WriteString(strings.ToLower(conn.Host))
	b.WriteByte('\n')
	b.WriteString(strconv.Itoa(conn.Port))
	b.WriteByte('\n')
	b.WriteString(hash)
	b.WriteByte('\n')
	b.WriteString(ext)
	b.WriteByte('\n')
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(b.String()))
	return mac.Sum(nil)
}

func parseHeader(header string) (map[string]string, error) {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, Scheme) {
		return nil, fail(KindMalformed, "unsupported authorization scheme")
	}
	params := make(map[string]string, 6)
	rest = strings.TrimSpace(rest)
	for rest != "" {
		name, after, ok := strings.Cut(rest, "=")
		if !ok {
			return nil, fail(KindMalformed, "attribute without value")
		}
		name = strings.TrimSpace(name)
		after = strings.TrimSpace(after)
		if !strings.HasPrefix(after, `"`) {
			return nil, fail(KindMalformed, "attribute %q is not quoted", name)
		}
		end := strings.IndexByte(after[1:], '"')
		if end < 0 {
			return nil, fail(KindMalformed, "attribute %q is unterminated", name)
		}
		switch name {
		case "id", "ts", "nonce", "mac", "hash", "ext", "app", "dlg":
		default:
			return nil, fail(KindMalformed, "unknown attribute %q", name)
		}
		if _, dup := params[name]; dup {
			return nil, fail(KindMalformed, "duplicate attribute %q", name)
		}
		params[name] = after[1 : end+1]
		rest = strings.TrimSpace(after[end+2:])
		rest = strings.TrimPrefix(rest, ",")
		rest = strings.TrimSpace(rest)
	}
	for _, required := range []string{"id", "ts", "nonce", "mac"} {
		if params[required] == "" {
			return nil, fail(KindMalformed, "missing attribute %q", required)
		}
	}
	return params, nil
}

func pathOnly(uri string) string {
	if idx := strings.IndexAny(uri, "?#"); idx >= 0 {
		return uri[:idx]
	}
	return uri
}
