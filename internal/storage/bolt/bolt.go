// Package bolt stores collections in a bbolt file (store URL
// bolt:///path/to/file). Layout:
//
//	users/<uid>/modified
//	users/<uid>/collections/<name>/modified
//	users/<uid>/collections/<name>/items/<id> = json(storage.Item)
package bolt

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.etcd.io/bbolt"

	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/synctime"
)

var (
	usersBucket       = []byte("users")
	collectionsBucket = []byte("collections")
	itemsBucket       = []byte("items")
	modifiedKey       = []byte("modified")
)

// Store implements storage.Store on bbolt.
type Store struct {
	db     *bbolt.DB
	closed atomic.Bool
}

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("bolt: path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "bolt: open %s", path)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(usersBucket)
		return errors.WithStack(err)
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func uidKey(uid uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uid)
	return b[:]
}

func encodeTS(ts synctime.Timestamp) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(ts))
	return b[:]
}

func decodeTS(b []byte) synctime.Timestamp {
	if len(b) != 8 {
		return 0
	}
	return synctime.Timestamp(binary.BigEndian.Uint64(b))
}

func userBucket(tx *bbolt.Tx, uid uint64) *bbolt.Bucket {
	users := tx.Bucket(usersBucket)
	if users == nil {
		return nil
	}
	return users.Bucket(uidKey(uid))
}

func collectionBucket(tx *bbolt.Tx, uid uint64, name string) *bbolt.Bucket {
	u := userBucket(tx, uid)
	if u == nil {
		return nil
	}
	colls := u.Bucket(collectionsBucket)
	if colls == nil {
		return nil
	}
	return colls.Bucket([]byte(name))
}

func (s *Store) view(fn func(tx *bbolt.Tx) error) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	return s.db.View(fn)
}

func (s *Store) StorageTimestamp(_ context.Context, userID uint64) (synctime.Timestamp, error) {
	var ts synctime.Timestamp
	err := s.view(func(tx *bbolt.Tx) error {
		if u := userBucket(tx, userID); u != nil {
			ts = decodeTS(u.Get(modifiedKey))
		}
		return nil
	})
	return ts, err
}

func (s *Store) CollectionTimestamps(_ context.Context, userID uint64) (map[string]synctime.Timestamp, error) {
	out := make(map[string]synctime.Timestamp)
	err := s.view(func(tx *bbolt.Tx) error {
		u := userBucket(tx, userID)
		if u == nil {
			return nil
		}
		colls := u.Bucket(collectionsBucket)
		if colls == nil {
			return nil
		}
		return colls.ForEachBucket(func(name []byte) error {
			out[string(name)] = decodeTS(colls.Bucket(name).Get(modifiedKey))
			return nil
		})
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return out, nil
}

func (s *Store) CollectionTimestamp(_ context.Context, userID uint64, name string) (synctime.Timestamp, error) {
	var ts synctime.Timestamp
	err := s.view(func(tx *bbolt.Tx) error {
		c := collectionBucket(tx, userID, name)
		if c == nil {
			return storage.ErrNotFound
		}
		ts = decodeTS(c.Get(modifiedKey))
		return nil
	})
	return ts, err
}

func (s *Store) Item(_ context.Context, userID uint64, name, id string) (storage.Item, error) {
	var item storage.Item
	err := s.view(func(tx *bbolt.Tx) error {
		c := collectionBucket(tx, userID, name)
		if c == nil {
			return storage.ErrNotFound
		}
		items := c.Bucket(itemsBucket)
		if items == nil {
			return storage.ErrNotFound
		}
		raw := items.Get([]byte(id))
		if raw == nil {
			return storage.ErrNotFound
		}
		return errors.WithStack(json.Unmarshal(raw, &item))
	})
	return item, err
}

func (s *Store) Items(_ context.Context, userID uint64, name string) ([]storage.Item, error) {
	out := []storage.Item{}
	err := s.view(func(tx *bbolt.Tx) error {
		c := collectionBucket(tx, userID, name)
		if c == nil {
			return nil
		}
		items := c.Bucket(itemsBucket)
		if items == nil {
			return nil
		}
		// bbolt iterates keys in byte order, which matches SortItems.
		return items.ForEach(func(_, v []byte) error {
			var item storage.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return errors.WithStack(err)
			}
			out = append(out, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Apply runs the batch inside one bbolt read-write transaction.
func (s *Store) Apply(_ context.Context, batch storage.Batch) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	ts := batch.Timestamp
	return s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(usersBucket)
		for _, op := range batch.Ops {
			u, err := users.CreateBucketIfNotExists(uidKey(op.UserID))
			if err != nil {
				return errors.WithStack(err)
			}
			if err := bumpModified(u, ts); err != nil {
				return err
			}
			colls, err := u.CreateBucketIfNotExists(collectionsBucket)
			if err != nil {
				return errors.WithStack(err)
			}
			switch op.Kind {
			case storage.OpPutItem:
				c, err := colls.CreateBucketIfNotExists([]byte(op.Collection))
				if err != nil {
					return errors.WithStack(err)
				}
				items, err := c.CreateBucketIfNotExists(itemsBucket)
				if err != nil {
					return errors.WithStack(err)
				}
				item := op.Item
				item.Modified = ts
				raw, err := json.Marshal(item)
				if err != nil {
					return errors.WithStack(err)
				}
				if err := items.Put([]byte(item.ID), raw); err != nil {
					return errors.WithStack(err)
				}
				if err := bumpModified(c, ts); err != nil {
					return err
				}
			case storage.OpDeleteItem:
				c := colls.Bucket([]byte(op.Collection))
				if c == nil {
					continue
				}
				if items := c.Bucket(itemsBucket); items != nil {
					if err := items.Delete([]byte(op.Item.ID)); err != nil {
						return errors.WithStack(err)
					}
				}
				if err := bumpModified(c, ts); err != nil {
					return err
				}
			case storage.OpDeleteCollection:
				if colls.Bucket([]byte(op.Collection)) == nil {
					continue
				}
				if err := colls.DeleteBucket([]byte(op.Collection)); err != nil {
					return errors.WithStack(err)
				}
			default:
				return errors.Newf("bolt: unsupported op %d", op.Kind)
			}
		}
		return nil
	})
}

func bumpModified(b *bbolt.Bucket, ts synctime.Timestamp) error {
	if decodeTS(b.Get(modifiedKey)) >= ts {
		return nil
	}
	return errors.WithStack(b.Put(modifiedKey, encodeTS(ts)))
}

// PurgeExpired walks every items bucket and deletes expired entries.
func (s *Store) PurgeExpired(_ context.Context, now synctime.Timestamp) (int, error) {
	if s.closed.Load() {
		return 0, storage.ErrClosed
	}
	purged := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		users := tx.Bucket(usersBucket)
		return users.ForEachBucket(func(uid []byte) error {
			colls := users.Bucket(uid).Bucket(collectionsBucket)
			if colls == nil {
				return nil
			}
			return colls.ForEachBucket(func(name []byte) error {
				items := colls.Bucket(name).Bucket(itemsBucket)
				if items == nil {
					return nil
				}
				var expired [][]byte
				if err := items.ForEach(func(k, v []byte) error {
					var item storage.Item
					if err := json.Unmarshal(v, &item); err != nil {
						return errors.WithStack(err)
					}
					if item.Expired(now) {
						expired = append(expired, append([]byte(nil), k...))
					}
					return nil
				}); err != nil {
					return err
				}
				for _, k := range expired {
					if err := items.Delete(k); err != nil {
						return errors.WithStack(err)
					}
				}
				purged += len(expired)
				return nil
			})
		})
	})
	if err != nil {
		return 0, err
	}
	return purged, nil
}

func (s *Store) Ping(context.Context) error {
	return s.view(func(tx *bbolt.Tx) error {
		if tx.Bucket(usersBucket) == nil {
			return errors.New("bolt: users bucket missing")
		}
		return nil
	})
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return errors.WithStack(s.db.Close())
}
