// Package precondition resolves the X-If-Modified-Since and
// X-If-Unmodified-Since request headers against a resource's current
// modification timestamp.
package precondition

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/syncd/internal/locator"
	"pkt.systems/syncd/internal/synctime"
)

// Header names.
const (
	HeaderIfModifiedSince   = "X-If-Modified-Since"
	HeaderIfUnmodifiedSince = "X-If-Unmodified-Since"
)

// ErrInvalid is matched by every header parsing failure.
var ErrInvalid = errors.New("invalid precondition header")

// Condition is the kind of conditional header present on a request.
type Condition uint8

const (
	None Condition = iota
	IfModifiedSince
	IfUnmodifiedSince
)

func (c Condition) String() string {
	switch c {
	case IfModifiedSince:
		return "if_modified_since"
	case IfUnmodifiedSince:
		return "if_unmodified_since"
	default:
		return "none"
	}
}

// Header is a parsed conditional header.
type Header struct {
	Condition Condition
	Threshold synctime.Timestamp
}

// ParseHeaders reads the conditional headers. Supplying both, or a value
// that is not non-negative decimal seconds, fails with ErrInvalid.
func ParseHeaders(h http.Header) (Header, error) {
	modRaw, hasMod := lookup(h, HeaderIfModifiedSince)
	unmodRaw, hasUnmod := lookup(h, HeaderIfUnmodifiedSince)
	switch {
	case hasMod && hasUnmod:
		return Header{}, fmt.Errorf("%w: %s and %s are mutually exclusive", ErrInvalid, HeaderIfModifiedSince, HeaderIfUnmodifiedSince)
	case hasMod:
		ts, err := synctime.Parse(modRaw)
		if err != nil {
			return Header{}, fmt.Errorf("%w: %s: %w", ErrInvalid, HeaderIfModifiedSince, err)
		}
		return Header{Condition: IfModifiedSince, Threshold: ts}, nil
	case hasUnmod:
		ts, err := synctime.Parse(unmodRaw)
		if err != nil {
			return Header{}, fmt.Errorf("%w: %s: %w", ErrInvalid, HeaderIfUnmodifiedSince, err)
		}
		return Header{Condition: IfUnmodifiedSince, Threshold: ts}, nil
	}
	return Header{}, nil
}

func lookup(h http.Header, name string) (string, bool) {
	values, ok := h[http.CanonicalHeaderKey(name)]
	if !ok || len(values) == 0 {
		return "", false
	}
	return values[0], true
}

// Kind is the evaluator's decision.
type Kind uint8

const (
	Proceed Kind = iota
	NotModified
	PreconditionFailed
)

func (k Kind) String() string {
	switch k {
	case Proceed:
		return "proceed"
	case NotModified:
		return "not_modified"
	case PreconditionFailed:
		return "precondition_failed"
	default:
		return "unknown"
	}
}

// Outcome carries the decision and the resource timestamp it was made on.
type Outcome struct {
	Kind      Kind
	Timestamp synctime.Timestamp
}

// ShortCircuit reports whether the handler must be skipped.
func (o Outcome) ShortCircuit() bool { return o.Kind != Proceed }

// Evaluate decides the outcome for a resource whose current timestamp is
// current.
func Evaluate(h Header, current synctime.Timestamp) Outcome {
	switch h.Condition {
	case IfModifiedSince:
		if current <= h.Threshold {
			return Outcome{Kind: NotModified, Timestamp: current}
		}
	case IfUnmodifiedSince:
		if current > h.Threshold {
			return Outcome{Kind: PreconditionFailed, Timestamp: current}
		}
	}
	return Outcome{Kind: Proceed, Timestamp: current}
}

// TimestampReader reads a resource's committed modification time through
// the request's transaction.
type TimestampReader interface {
	ResourceTimestamp(ctx context.Context, userID uint64, res *locator.Resource) (synctime.Timestamp, error)
}

// Resolve reads the current timestamp of res and evaluates h against it.
func Resolve(ctx context.Context, r TimestampReader, userID uint64, res *locator.Resource, h Header) (Outcome, error) {
	current, err := r.ResourceTimestamp(ctx, userID, res)
	if err != nil {
		return Outcome{}, err
	}
	return Evaluate(h, current), nil
}
