// Package memory is the in-process storage engine used by tests and local
// development (store URL mem://).
package memory

import (
	"context"
	"fmt"
	"sync"

	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/synctime"
)

type collection struct {
	modified synctime.Timestamp
	items    map[string]storage.Item
}

type user struct {
	modified    synctime.Timestamp
	collections map[string]*collection
}

// Store implements storage.Store.
type Store struct {
	mu     sync.RWMutex
	users  map[uint64]*user
	closed bool
}

// New returns an empty store.
func New() *Store {
	return &Store{users: make(map[uint64]*user)}
}

func (s *Store) StorageTimestamp(_ context.Context, userID uint64) (synctime.Timestamp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	if u := s.users[userID]; u != nil {
		return u.modified, nil
	}
	return 0, nil
}

func (s *Store) CollectionTimestamps(_ context.Context, userID uint64) (map[string]synctime.Timestamp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	out := make(map[string]synctime.Timestamp)
	if u := s.users[userID]; u != nil {
		for name, c := range u.collections {
			out[name] = c.modified
		}
	}
	return out, nil
}

func (s *Store) CollectionTimestamp(_ context.Context, userID uint64, name string) (synctime.Timestamp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	c := s.lookup(userID, name)
	if c == nil {
		return 0, storage.ErrNotFound
	}
	return c.modified, nil
}

func (s *Store) Item(_ context.Context, userID uint64, name, id string) (storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.Item{}, storage.ErrClosed
	}
	c := s.lookup(userID, name)
	if c == nil {
		return storage.Item{}, storage.ErrNotFound
	}
	item, ok := c.items[id]
	if !ok {
		return storage.Item{}, storage.ErrNotFound
	}
	return item, nil
}

func (s *Store) Items(_ context.Context, userID uint64, name string) ([]storage.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrClosed
	}
	c := s.lookup(userID, name)
	if c == nil {
		return []storage.Item{}, nil
	}
	items := make([]storage.Item, 0, len(c.items))
	for _, item := range c.items {
		items = append(items, item)
	}
	storage.SortItems(items)
	return items, nil
}

// Apply validates the whole batch before mutating anything, so a rejected
// batch leaves no trace.
func (s *Store) Apply(_ context.Context, batch storage.Batch) error {
	for _, op := range batch.Ops {
		switch op.Kind {
		case storage.OpPutItem, storage.OpDeleteItem, storage.OpDeleteCollection:
		default:
			return fmt.Errorf("memory: unsupported op %d", op.Kind)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	ts := batch.Timestamp
	for _, op := range batch.Ops {
		u := s.users[op.UserID]
		if u == nil {
			u = &user{collections: make(map[string]*collection)}
			s.users[op.UserID] = u
		}
		u.modified = synctime.Max(u.modified, ts)
		switch op.Kind {
		case storage.OpPutItem:
			c := u.collections[op.Collection]
			if c == nil {
				c = &collection{items: make(map[string]storage.Item)}
				u.collections[op.Collection] = c
			}
			item := op.Item
			item.Modified = ts
			c.items[item.ID] = item
			c.modified = synctime.Max(c.modified, ts)
		case storage.OpDeleteItem:
			if c := u.collections[op.Collection]; c != nil {
				delete(c.items, op.Item.ID)
				c.modified = synctime.Max(c.modified, ts)
			}
		case storage.OpDeleteCollection:
			delete(u.collections, op.Collection)
		}
	}
	return nil
}

// PurgeExpired drops expired items without touching any timestamps.
func (s *Store) PurgeExpired(_ context.Context, now synctime.Timestamp) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, storage.ErrClosed
	}
	purged := 0
	for _, u := range s.users {
		for _, c := range u.collections {
			for id, item := range c.items {
				if item.Expired(now) {
					delete(c.items, id)
					purged++
				}
			}
		}
	}
	return purged, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *Store) lookup(userID uint64, name string) *collection {
	u := s.users[userID]
	if u == nil {
		return nil
	}
	return u.collections[name]
}
