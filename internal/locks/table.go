// Package locks implements the in-process read/write lock table that
// serializes access to a tenant's collection. Waiting writers block new
// readers so a steady stream of GETs cannot starve a PUT.
package locks

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned once the table has been closed.
var ErrClosed = errors.New("locks: table closed")

// Mode selects shared or exclusive access.
type Mode uint8

const (
	Read Mode = iota + 1
	Write
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return "unknown"
	}
}

// Key scopes a lock to one tenant's collection.
type Key struct {
	UserID     uint64
	Collection string
}

type entry struct {
	readers        int
	writer         bool
	waitingWriters int
	waitingReaders int
	changed        chan struct{}
}

func (e *entry) idle() bool {
	return e.readers == 0 && !e.writer && e.waitingWriters == 0 && e.waitingReaders == 0
}

// Table is safe for concurrent use. The zero value is not usable; call New.
type Table struct {
	mu      sync.Mutex
	entries map[Key]*entry
	closed  bool
}

// New returns an empty lock table.
func New() *Table {
	return &Table{entries: make(map[Key]*entry)}
}

// Held is a granted lock. Release is idempotent.
type Held struct {
	table *Table
	key   Key
	mode  Mode
	once  sync.Once
}

// Key returns the locked pair.
func (h *Held) Key() Key { return h.key }

// Mode returns the granted mode.
func (h *Held) Mode() Mode { return h.mode }

// Release gives the lock back to the table.
func (h *Held) Release() {
	if h == nil {
		return
	}
	h.once.Do(func() {
		h.table.release(h.key, h.mode)
	})
}

// Acquire blocks until the lock is granted or ctx is done. Callers bound the
// wait with a context deadline.
func (t *Table) Acquire(ctx context.Context, key Key, mode Mode) (*Held, error) {
	if mode != Read && mode != Write {
		return nil, errors.New("locks: invalid mode")
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	e := t.entries[key]
	if e == nil {
		e = &entry{changed: make(chan struct{})}
		t.entries[key] = e
	}
	if mode == Write {
		e.waitingWriters++
	} else {
		e.waitingReaders++
	}
	for {
		if t.closed {
			t.abandon(key, e, mode)
			t.mu.Unlock()
			return nil, ErrClosed
		}
		if grantable(e, mode) {
			if mode == Write {
				e.waitingWriters--
				e.writer = true
			} else {
				e.waitingReaders--
				e.readers++
			}
			t.mu.Unlock()
			return &Held{table: t, key: key, mode: mode}, nil
		}
		wait := e.changed
		t.mu.Unlock()
		select {
		case <-wait:
			t.mu.Lock()
		case <-ctx.Done():
			t.mu.Lock()
			t.abandon(key, e, mode)
			t.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// TryAcquire grants the lock only if it is immediately available.
func (t *Table) TryAcquire(key Key, mode Mode) (*Held, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}
	e := t.entries[key]
	if e == nil {
		e = &entry{changed: make(chan struct{})}
		t.entries[key] = e
	}
	if !grantable(e, mode) {
		if e.idle() {
			delete(t.entries, key)
		}
		return nil, false
	}
	if mode == Write {
		e.writer = true
	} else {
		e.readers++
	}
	return &Held{table: t, key: key, mode: mode}, true
}

// Len returns the number of keys with holders or waiters.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close wakes every waiter with ErrClosed. Held locks stay valid until
// released.
func (t *Table) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for _, e := range t.entries {
		broadcast(e)
	}
}

func grantable(e *entry, mode Mode) bool {
	if e.writer {
		return false
	}
	if mode == Write {
		return e.readers == 0
	}
	return e.waitingWriters == 0
}

// abandon undoes the waiting bookkeeping for a caller that gave up. Must be
// called with t.mu held.
func (t *Table) abandon(key Key, e *entry, mode Mode) {
	if mode == Write {
		e.waitingWriters--
		broadcast(e)
	} else {
		e.waitingReaders--
	}
	if e.idle() {
		delete(t.entries, key)
	}
}

func (t *Table) release(key Key, mode Mode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[key]
	if e == nil {
		return
	}
	switch mode {
	case Write:
		e.writer = false
	case Read:
		if e.readers > 0 {
			e.readers--
		}
	}
	broadcast(e)
	if e.idle() {
		delete(t.entries, key)
	}
}

func broadcast(e *entry) {
	close(e.changed)
	e.changed = make(chan struct{})
}
