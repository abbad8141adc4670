package storage

import (
	"context"
	"sync"

	"pkt.systems/syncd/internal/synctime"
)

// StagedBackend turns a Store into a Backend whose transactions buffer
// writes in memory until Commit applies them as one Batch.
type StagedBackend struct {
	store Store
}

// NewStagedBackend wraps store.
func NewStagedBackend(store Store) *StagedBackend {
	return &StagedBackend{store: store}
}

// Store returns the wrapped store.
func (b *StagedBackend) Store() Store { return b.store }

// Begin starts a transaction. It performs no I/O.
func (b *StagedBackend) Begin(ctx context.Context) (Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &stagedTx{store: b.store}, nil
}

// Ping checks the underlying store.
func (b *StagedBackend) Ping(ctx context.Context) error { return b.store.Ping(ctx) }

// PurgeExpired removes items expired at now from the underlying store.
func (b *StagedBackend) PurgeExpired(ctx context.Context, now synctime.Timestamp) (int, error) {
	return b.store.PurgeExpired(ctx, now)
}

// Close closes the underlying store.
func (b *StagedBackend) Close() error { return b.store.Close() }

type stagedTx struct {
	store Store

	mu   sync.Mutex
	ops  []Op
	done bool
}

func (t *stagedTx) Stage(op Op) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.ops = append(t.ops, op)
}

func (t *stagedTx) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

func (t *stagedTx) Commit(ctx context.Context, ts synctime.Timestamp) error {
	t.mu.Lock()
	if t.done {
		t.mu.Unlock()
		return ErrTxDone
	}
	t.done = true
	ops := t.ops
	t.ops = nil
	t.mu.Unlock()
	if len(ops) == 0 {
		return nil
	}
	return t.store.Apply(ctx, Batch{Timestamp: ts, Ops: ops})
}

func (t *stagedTx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.ops = nil
	return nil
}

func (t *stagedTx) snapshot() []Op {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Op(nil), t.ops...)
}

func (t *stagedTx) StorageTimestamp(ctx context.Context, userID uint64) (synctime.Timestamp, error) {
	return t.store.StorageTimestamp(ctx, userID)
}

func (t *stagedTx) CollectionTimestamps(ctx context.Context, userID uint64) (map[string]synctime.Timestamp, error) {
	return t.store.CollectionTimestamps(ctx, userID)
}

func (t *stagedTx) CollectionTimestamp(ctx context.Context, userID uint64, collection string) (synctime.Timestamp, error) {
	return t.store.CollectionTimestamp(ctx, userID, collection)
}

func (t *stagedTx) Item(ctx context.Context, userID uint64, collection, id string) (Item, error) {
	ops := t.snapshot()
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if op.UserID != userID || op.Collection != collection {
			continue
		}
		switch op.Kind {
		case OpDeleteCollection:
			return Item{}, ErrNotFound
		case OpDeleteItem:
			if op.Item.ID == id {
				return Item{}, ErrNotFound
			}
		case OpPutItem:
			if op.Item.ID == id {
				return op.Item, nil
			}
		}
	}
	return t.store.Item(ctx, userID, collection, id)
}

func (t *stagedTx) Items(ctx context.Context, userID uint64, collection string) ([]Item, error) {
	ops := t.snapshot()
	base, err := t.store.Items(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	touched := false
	byID := make(map[string]Item, len(base))
	for _, item := range base {
		byID[item.ID] = item
	}
	for _, op := range ops {
		if op.UserID != userID || op.Collection != collection {
			continue
		}
		touched = true
		switch op.Kind {
		case OpDeleteCollection:
			clear(byID)
		case OpDeleteItem:
			delete(byID, op.Item.ID)
		case OpPutItem:
			byID[op.Item.ID] = op.Item
		}
	}
	if !touched {
		return base, nil
	}
	items := make([]Item, 0, len(byID))
	for _, item := range byID {
		items = append(items, item)
	}
	SortItems(items)
	return items, nil
}
