// Package auth resolves the tenant identity of a request from a Hawk
// Authorization header. Token ids are self-contained signed claims minted
// with Mint; the per-token request key is derived from the server secret so
// nothing needs to be stored server side.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	signingInfo    = "syncd/v1/signing"
	requestKeyInfo = "syncd/v1/request-key:"
	keySize        = 32
)

// Identity is the authenticated tenant. It is comparable and safe to use as
// a map key.
type Identity struct {
	UserID uint64
}

func (i Identity) String() string {
	return strconv.FormatUint(i.UserID, 10)
}

// Secrets holds the key material derived from the configured master secret.
type Secrets struct {
	signing []byte
}

// NewSecrets derives the signing secret from master.
func NewSecrets(master string) (Secrets, error) {
	if len(master) < 16 {
		return Secrets{}, errors.New("auth: master secret must be at least 16 bytes")
	}
	signing, err := derive([]byte(master), signingInfo)
	if err != nil {
		return Secrets{}, err
	}
	return Secrets{signing: signing}, nil
}

// Valid reports whether s was built by NewSecrets.
func (s Secrets) Valid() bool {
	return len(s.signing) == keySize
}

// TokenClaims is the signed payload carried in a token id.
type TokenClaims struct {
	UserID  uint64 `json:"uid"`
	Node    string `json:"node,omitempty"`
	Expires int64  `json:"expires"`
}

// Mint signs claims and returns the token id and request key handed to the
// client.
func Mint(s Secrets, claims TokenClaims) (id, key string, err error) {
	if !s.Valid() {
		return "", "", errors.New("auth: secrets not initialised")
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", "", fmt.Errorf("auth: encode claims: %w", err)
	}
	mac := hmac.New(sha256.New, s.signing)
	mac.Write(payload)
	raw := append(payload, mac.Sum(nil)...)
	id = base64.RawURLEncoding.EncodeToString(raw)
	keyBytes, err := derive(s.signing, requestKeyInfo+id)
	if err != nil {
		return "", "", err
	}
	return id, base64.RawURLEncoding.EncodeToString(keyBytes), nil
}

// MintFor is a convenience wrapper that expires the token ttl after now.
func MintFor(s Secrets, uid uint64, node string, now time.Time, ttl time.Duration) (id, key string, err error) {
	return Mint(s, TokenClaims{UserID: uid, Node: node, Expires: now.Add(ttl).Unix()})
}

func (s Secrets) openToken(id string) (TokenClaims, []byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(id)
	if err != nil || len(raw) <= sha256.Size {
		return TokenClaims{}, nil, fail(KindMalformed, "token id is not valid base64url")
	}
	payload, sig := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	mac := hmac.New(sha256.New, s.signing)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return TokenClaims{}, nil, fail(KindSignature, "token signature mismatch")
	}
	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return TokenClaims{}, nil, fail(KindMalformed, "token payload is not valid json")
	}
	key, err := derive(s.signing, requestKeyInfo+id)
	if err != nil {
		return TokenClaims{}, nil, err
	}
	return claims, []byte(base64.RawURLEncoding.EncodeToString(key)), nil
}

func derive(secret []byte, info string) ([]byte, error) {
	out := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("auth: derive key: %w", err)
	}
	return out, nil
}
