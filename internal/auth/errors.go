package auth

import (
	"errors"
	"fmt"
)

// Kind classifies an authentication failure.
type Kind string

const (
	KindMissing   Kind = "missing"
	KindMalformed Kind = "malformed"
	KindSignature Kind = "signature_mismatch"
	KindExpired   Kind = "expired"
	KindReplay    Kind = "replayed"
)

// Sentinels matched by *Error through errors.Is.
var (
	ErrMissing   = errors.New("auth: missing credentials")
	ErrMalformed = errors.New("auth: malformed credentials")
	ErrSignature = errors.New("auth: signature mismatch")
	ErrExpired   = errors.New("auth: credentials expired")
	ErrReplay    = errors.New("auth: request replayed")
)

// Error is returned by Verify. It never carries a partial identity.
type Error struct {
	Kind   Kind
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "auth: " + string(e.Kind)
	}
	return fmt.Sprintf("auth: %s: %s", e.Kind, e.Detail)
}

// Is maps the kind onto the package sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrMissing:
		return e.Kind == KindMissing
	case ErrMalformed:
		return e.Kind == KindMalformed
	case ErrSignature:
		return e.Kind == KindSignature
	case ErrExpired:
		return e.Kind == KindExpired
	case ErrReplay:
		return e.Kind == KindReplay
	}
	return false
}

func fail(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}
