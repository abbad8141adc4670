package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"pkt.systems/syncd/internal/locator"
	"pkt.systems/syncd/internal/locks"
	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/synctime"
)

type state uint8

const (
	stateOpen state = iota
	stateCommitted
	stateRolledBack
)

// Txn is a request-scoped transaction handle.
type Txn struct {
	id      string
	m       *Manager
	tx      storage.Tx
	release func()
	started time.Time

	mu    sync.Mutex
	state state
	held  *locks.Held
	req   LockRequest
	ts    synctime.Timestamp
}

// ID returns the transaction id used in logs.
func (t *Txn) ID() string { return t.id }

// Timestamp is the modification time every write in this transaction
// carries.
func (t *Txn) Timestamp() synctime.Timestamp {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ts
}

// Locked reports whether a collection lock is held.
func (t *Txn) Locked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.held != nil
}

// LockRequest returns the granted lock, if any.
func (t *Txn) LockRequest() (LockRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.req, t.held != nil
}

// Done reports whether Commit or Rollback has run.
func (t *Txn) Done() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state != stateOpen
}

// Lock acquires the collection lock described by req, waiting at most the
// manager's lock timeout. A transaction holds at most one lock.
func (t *Txn) Lock(ctx context.Context, req LockRequest) error {
	if req.Collection == "" {
		return fmt.Errorf("%w: empty collection", ErrLock)
	}
	if req.Mode != ModeRead && req.Mode != ModeWrite {
		return fmt.Errorf("%w: invalid mode", ErrLock)
	}
	t.mu.Lock()
	if t.state != stateOpen {
		t.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrLock, ErrDone)
	}
	if t.held != nil {
		t.mu.Unlock()
		return fmt.Errorf("%w: transaction already holds %s lock on %q", ErrLock, t.req.Mode, t.req.Collection)
	}
	t.mu.Unlock()

	logger := t.m.loggerFor(ctx)
	waitCtx := ctx
	if t.m.lockTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, t.m.lockTimeout)
		defer cancel()
	}
	begin := time.Now()
	held, err := t.m.locks.Acquire(waitCtx, req.key(), req.Mode)
	if err != nil {
		t.m.metrics.recordLockWait(ctx, req.Mode, time.Since(begin), "error")
		logger.Debug("txn.lock.failed", "txn_id", t.id, "collection", req.Collection, "mode", req.Mode.String(), "wait", time.Since(begin), "error", err)
		return fmt.Errorf("%w: %s lock on %q: %w", ErrLock, req.Mode, req.Collection, err)
	}
	t.m.metrics.recordLockWait(ctx, req.Mode, time.Since(begin), "ok")

	ts := t.Timestamp()
	if req.Mode == ModeWrite {
		current, err := t.tx.CollectionTimestamp(ctx, req.Identity.UserID, req.Collection)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			held.Release()
			return fmt.Errorf("%w: read collection timestamp: %w", ErrLock, err)
		}
		if current >= ts {
			ts = current.Next()
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateOpen {
		held.Release()
		return fmt.Errorf("%w: %w", ErrLock, ErrDone)
	}
	t.held = held
	t.req = req
	t.ts = ts
	logger.Trace("txn.lock.acquired", "txn_id", t.id, "collection", req.Collection, "mode", req.Mode.String(), "wait", time.Since(begin))
	return nil
}

// Commit applies staged writes atomically, then releases the lock and the
// pool slot. Failures match ErrCommit and leave no visible effects.
func (t *Txn) Commit(ctx context.Context) error {
	locked, ok := t.terminate(stateCommitted)
	if !ok {
		return ErrDone
	}
	defer t.finish()
	err := t.tx.Commit(ctx, t.Timestamp())
	t.m.metrics.recordFinalize(ctx, "commit", locked, time.Since(t.started), err)
	if err != nil {
		t.m.loggerFor(ctx).Warn("txn.commit.failed", "txn_id", t.id, "error", err)
		return fmt.Errorf("%w: %w", ErrCommit, err)
	}
	t.m.loggerFor(ctx).Trace("txn.committed", "txn_id", t.id, "ts", t.Timestamp())
	return nil
}

// Rollback discards staged writes. The lock and pool slot are released
// even when the backend rollback fails; that failure matches ErrRollback.
func (t *Txn) Rollback(ctx context.Context) error {
	locked, ok := t.terminate(stateRolledBack)
	if !ok {
		return ErrDone
	}
	defer t.finish()
	err := t.tx.Rollback(ctx)
	t.m.metrics.recordFinalize(ctx, "rollback", locked, time.Since(t.started), err)
	if err != nil {
		t.m.loggerFor(ctx).Error("txn.rollback.failed", "txn_id", t.id, "error", err)
		return fmt.Errorf("%w: %w", ErrRollback, err)
	}
	t.m.loggerFor(ctx).Trace("txn.rolled_back", "txn_id", t.id)
	return nil
}

func (t *Txn) terminate(next state) (locked bool, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateOpen {
		return false, false
	}
	t.state = next
	return t.held != nil, true
}

func (t *Txn) finish() {
	t.mu.Lock()
	held := t.held
	t.mu.Unlock()
	held.Release()
	t.release()
	t.m.metrics.recordInFlight(context.Background(), -1)
}

func (t *Txn) ensureOpen() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateOpen {
		return ErrDone
	}
	return nil
}

func (t *Txn) requireWrite(userID uint64, collection string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != stateOpen {
		return ErrDone
	}
	if t.held == nil || t.req.Mode != ModeWrite || t.req.Identity.UserID != userID || t.req.Collection != collection {
		return fmt.Errorf("%w: %q", ErrNotLocked, collection)
	}
	return nil
}

// ResourceTimestamp reads the committed modification time of res. A nil res
// means the user's whole storage; missing resources report zero.
func (t *Txn) ResourceTimestamp(ctx context.Context, userID uint64, res *locator.Resource) (synctime.Timestamp, error) {
	if err := t.ensureOpen(); err != nil {
		return 0, err
	}
	var (
		ts  synctime.Timestamp
		err error
	)
	switch {
	case res == nil:
		ts, err = t.tx.StorageTimestamp(ctx, userID)
	case res.HasItem():
		var item storage.Item
		item, err = t.liveItem(ctx, userID, res.Collection, res.Item)
		ts = item.Modified
	default:
		ts, err = t.tx.CollectionTimestamp(ctx, userID, res.Collection)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	return ts, err
}

// Collections returns the user's collection timestamps.
func (t *Txn) Collections(ctx context.Context, userID uint64) (map[string]synctime.Timestamp, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	return t.tx.CollectionTimestamps(ctx, userID)
}

// Items lists a collection, including this transaction's staged writes.
// Items expired at the transaction timestamp are left out.
func (t *Txn) Items(ctx context.Context, userID uint64, collection string) ([]storage.Item, error) {
	if err := t.ensureOpen(); err != nil {
		return nil, err
	}
	items, err := t.tx.Items(ctx, userID, collection)
	if err != nil {
		return nil, err
	}
	return storage.LiveItems(items, t.Timestamp()), nil
}

// Item reads one item, including this transaction's staged writes. Expired
// items report storage.ErrNotFound.
func (t *Txn) Item(ctx context.Context, userID uint64, collection, id string) (storage.Item, error) {
	if err := t.ensureOpen(); err != nil {
		return storage.Item{}, err
	}
	return t.liveItem(ctx, userID, collection, id)
}

func (t *Txn) liveItem(ctx context.Context, userID uint64, collection, id string) (storage.Item, error) {
	item, err := t.tx.Item(ctx, userID, collection, id)
	if err != nil {
		return storage.Item{}, err
	}
	if item.Expired(t.Timestamp()) {
		return storage.Item{}, storage.ErrNotFound
	}
	return item, nil
}

// PutItem stages an upsert and returns the timestamp it will carry.
func (t *Txn) PutItem(ctx context.Context, userID uint64, collection string, item storage.Item) (synctime.Timestamp, error) {
	return t.PutItems(ctx, userID, collection, []storage.Item{item})
}

// PutItems stages several upserts in the write-locked collection.
func (t *Txn) PutItems(_ context.Context, userID uint64, collection string, items []storage.Item) (synctime.Timestamp, error) {
	if err := t.requireWrite(userID, collection); err != nil {
		return 0, err
	}
	ts := t.Timestamp()
	for _, item := range items {
		item.Modified = ts
		t.tx.Stage(storage.Op{Kind: storage.OpPutItem, UserID: userID, Collection: collection, Item: item})
	}
	return ts, nil
}

// DeleteItem stages an item deletion. Missing items return
// storage.ErrNotFound.
func (t *Txn) DeleteItem(ctx context.Context, userID uint64, collection, id string) (synctime.Timestamp, error) {
	if err := t.requireWrite(userID, collection); err != nil {
		return 0, err
	}
	if _, err := t.liveItem(ctx, userID, collection, id); err != nil {
		return 0, err
	}
	t.tx.Stage(storage.Op{Kind: storage.OpDeleteItem, UserID: userID, Collection: collection, Item: storage.Item{ID: id}})
	return t.Timestamp(), nil
}

// DeleteCollection stages removal of a whole collection.
func (t *Txn) DeleteCollection(_ context.Context, userID uint64, collection string) (synctime.Timestamp, error) {
	if err := t.requireWrite(userID, collection); err != nil {
		return 0, err
	}
	t.tx.Stage(storage.Op{Kind: storage.OpDeleteCollection, UserID: userID, Collection: collection})
	return t.Timestamp(), nil
}
