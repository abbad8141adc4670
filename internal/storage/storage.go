// Package storage defines the persistence contract used by the transaction
// manager. Backends expose committed reads and an atomic Apply; the shared
// StagedBackend layers per-request write staging on top so every backend
// gets identical commit and rollback semantics.
package storage

import (
	"context"
	"errors"
	"sort"

	"pkt.systems/syncd/internal/synctime"
)

var (
	// ErrNotFound indicates the requested collection or item is missing.
	ErrNotFound = errors.New("storage: not found")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("storage: backend closed")
	// ErrTxDone is returned when a finished transaction is used again.
	ErrTxDone = errors.New("storage: transaction already finished")
)

// Item is one stored record inside a collection. A zero Expiry never
// expires.
type Item struct {
	ID        string             `json:"id"`
	Modified  synctime.Timestamp `json:"modified"`
	Payload   string             `json:"payload"`
	SortIndex *int64             `json:"sortindex,omitempty"`
	Expiry    synctime.Timestamp `json:"expiry,omitempty"`
}

// Expired reports whether the item is no longer visible at now.
func (i Item) Expired(now synctime.Timestamp) bool {
	return !i.Expiry.IsZero() && i.Expiry <= now
}

// LiveItems drops the items that have expired at now, reusing items'
// backing array.
func LiveItems(items []Item, now synctime.Timestamp) []Item {
	out := items[:0]
	for _, item := range items {
		if !item.Expired(now) {
			out = append(out, item)
		}
	}
	return out
}

// OpKind identifies a staged mutation.
type OpKind uint8

const (
	OpPutItem OpKind = iota + 1
	OpDeleteItem
	OpDeleteCollection
)

func (k OpKind) String() string {
	switch k {
	case OpPutItem:
		return "put_item"
	case OpDeleteItem:
		return "delete_item"
	case OpDeleteCollection:
		return "delete_collection"
	default:
		return "unknown"
	}
}

// Op is a single mutation. Item.ID names the target for OpDeleteItem.
type Op struct {
	Kind       OpKind
	UserID     uint64
	Collection string
	Item       Item
}

// Batch is applied atomically. Every op carries Timestamp as its
// modification time.
type Batch struct {
	Timestamp synctime.Timestamp
	Ops       []Op
}

// Reader exposes committed state.
type Reader interface {
	// StorageTimestamp is the latest modification across all of a user's
	// collections, or zero.
	StorageTimestamp(ctx context.Context, userID uint64) (synctime.Timestamp, error)
	CollectionTimestamps(ctx context.Context, userID uint64) (map[string]synctime.Timestamp, error)
	// CollectionTimestamp returns ErrNotFound for unknown collections.
	CollectionTimestamp(ctx context.Context, userID uint64, collection string) (synctime.Timestamp, error)
	// Item returns ErrNotFound for unknown items.
	Item(ctx context.Context, userID uint64, collection, id string) (Item, error)
	// Items lists a collection ordered by id; unknown collections are empty.
	Items(ctx context.Context, userID uint64, collection string) ([]Item, error)
}

// Store is implemented by the concrete engines (memory, sqlite, bolt).
// Readers return expired items as stored; callers filter with LiveItems.
type Store interface {
	Reader
	Apply(ctx context.Context, batch Batch) error
	// PurgeExpired physically removes items whose expiry is at or before
	// now and reports how many were removed. Collection and storage
	// timestamps are left untouched.
	PurgeExpired(ctx context.Context, now synctime.Timestamp) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by backends that can drop expired items.
type Purger interface {
	PurgeExpired(ctx context.Context, now synctime.Timestamp) (int, error)
}

// Tx is a unit of work. Writes are visible to the same Tx immediately and to
// everyone else only after Commit.
type Tx interface {
	Reader
	Stage(op Op)
	Pending() int
	Commit(ctx context.Context, ts synctime.Timestamp) error
	Rollback(ctx context.Context) error
}

// Backend hands out transactions.
type Backend interface {
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// SortItems orders items by id in place.
func SortItems(items []Item) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
}
