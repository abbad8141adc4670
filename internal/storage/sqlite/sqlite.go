// Package sqlite stores collections in a single SQLite database file using
// the pure-Go modernc.org/sqlite driver (store URL sqlite:///path/to/db).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/synctime"
)

// Config tunes the connection pool.
type Config struct {
	Path         string
	MaxOpenConns int
	BusyTimeout  int // milliseconds
}

// Store implements storage.Store on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at cfg.Path and runs
// migrations.
func Open(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite: path required")
	}
	if cfg.BusyTimeout <= 0 {
		cfg.BusyTimeout = 5000
	}
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", cfg.BusyTimeout))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	db, err := sql.Open("sqlite", "file:"+cfg.Path+"?"+q.Encode())
	if err != nil {
		return nil, errors.Wrapf(err, "sqlite: open %s", cfg.Path)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id INTEGER PRIMARY KEY,
			modified INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS collections (
			user_id INTEGER NOT NULL,
			name TEXT NOT NULL,
			modified INTEGER NOT NULL,
			PRIMARY KEY (user_id, name)
		);`,
		`CREATE TABLE IF NOT EXISTS items (
			user_id INTEGER NOT NULL,
			collection TEXT NOT NULL,
			id TEXT NOT NULL,
			modified INTEGER NOT NULL,
			payload TEXT NOT NULL,
			sortindex INTEGER,
			expiry INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, collection, id)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return errors.Wrap(err, "sqlite: migrate")
		}
	}
	// Databases created before item expiry was tracked lack the column.
	ok, err := hasColumn(db, "items", "expiry")
	if err != nil {
		return err
	}
	if !ok {
		if _, err := db.Exec(`ALTER TABLE items ADD COLUMN expiry INTEGER NOT NULL DEFAULT 0`); err != nil {
			return errors.Wrap(err, "sqlite: migrate items.expiry")
		}
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS items_expiry ON items (expiry) WHERE expiry > 0`); err != nil {
		return errors.Wrap(err, "sqlite: migrate items_expiry")
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, errors.Wrapf(err, "sqlite: inspect %s", table)
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, errors.Wrapf(err, "sqlite: inspect %s", table)
		}
		if name == column {
			return true, nil
		}
	}
	return false, errors.Wrapf(rows.Err(), "sqlite: inspect %s", table)
}

func (s *Store) StorageTimestamp(ctx context.Context, userID uint64) (synctime.Timestamp, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT modified FROM users WHERE user_id = ?`, int64(userID)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, wrap(err, "storage timestamp")
	}
	return synctime.Timestamp(ms), nil
}

func (s *Store) CollectionTimestamps(ctx context.Context, userID uint64) (map[string]synctime.Timestamp, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, modified FROM collections WHERE user_id = ?`, int64(userID))
	if err != nil {
		return nil, wrap(err, "list collections")
	}
	defer rows.Close()
	out := make(map[string]synctime.Timestamp)
	for rows.Next() {
		var name string
		var ms int64
		if err := rows.Scan(&name, &ms); err != nil {
			return nil, wrap(err, "scan collection")
		}
		out[name] = synctime.Timestamp(ms)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "list collections")
	}
	return out, nil
}

func (s *Store) CollectionTimestamp(ctx context.Context, userID uint64, name string) (synctime.Timestamp, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT modified FROM collections WHERE user_id = ? AND name = ?`, int64(userID), name).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, storage.ErrNotFound
	}
	if err != nil {
		return 0, wrap(err, "collection timestamp")
	}
	return synctime.Timestamp(ms), nil
}

func (s *Store) Item(ctx context.Context, userID uint64, collection, id string) (storage.Item, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, modified, payload, sortindex, expiry FROM items WHERE user_id = ? AND collection = ? AND id = ?`,
		int64(userID), collection, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Item{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Item{}, wrap(err, "get item")
	}
	return item, nil
}

func (s *Store) Items(ctx context.Context, userID uint64, collection string) ([]storage.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, modified, payload, sortindex, expiry FROM items WHERE user_id = ? AND collection = ? ORDER BY id`,
		int64(userID), collection)
	if err != nil {
		return nil, wrap(err, "list items")
	}
	defer rows.Close()
	items := []storage.Item{}
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, wrap(err, "scan item")
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "list items")
	}
	return items, nil
}

// Apply runs the batch in a single SQL transaction.
func (s *Store) Apply(ctx context.Context, batch storage.Batch) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap(err, "begin")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	ts := int64(batch.Timestamp)
	for _, op := range batch.Ops {
		uid := int64(op.UserID)
		if _, err = tx.ExecContext(ctx,
			`INSERT INTO users (user_id, modified) VALUES (?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET modified = MAX(modified, excluded.modified)`,
			uid, ts); err != nil {
			return wrap(err, "touch user")
		}
		switch op.Kind {
		case storage.OpPutItem:
			var sortIndex any
			if op.Item.SortIndex != nil {
				sortIndex = *op.Item.SortIndex
			}
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO items (user_id, collection, id, modified, payload, sortindex, expiry) VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(user_id, collection, id) DO UPDATE SET modified = excluded.modified, payload = excluded.payload, sortindex = excluded.sortindex, expiry = excluded.expiry`,
				uid, op.Collection, op.Item.ID, ts, op.Item.Payload, sortIndex, int64(op.Item.Expiry)); err != nil {
				return wrap(err, "put item")
			}
			if _, err = tx.ExecContext(ctx,
				`INSERT INTO collections (user_id, name, modified) VALUES (?, ?, ?)
				 ON CONFLICT(user_id, name) DO UPDATE SET modified = MAX(modified, excluded.modified)`,
				uid, op.Collection, ts); err != nil {
				return wrap(err, "touch collection")
			}
		case storage.OpDeleteItem:
			if _, err = tx.ExecContext(ctx,
				`DELETE FROM items WHERE user_id = ? AND collection = ? AND id = ?`,
				uid, op.Collection, op.Item.ID); err != nil {
				return wrap(err, "delete item")
			}
			if _, err = tx.ExecContext(ctx,
				`UPDATE collections SET modified = MAX(modified, ?) WHERE user_id = ? AND name = ?`,
				ts, uid, op.Collection); err != nil {
				return wrap(err, "touch collection")
			}
		case storage.OpDeleteCollection:
			if _, err = tx.ExecContext(ctx,
				`DELETE FROM items WHERE user_id = ? AND collection = ?`, uid, op.Collection); err != nil {
				return wrap(err, "delete collection items")
			}
			if _, err = tx.ExecContext(ctx,
				`DELETE FROM collections WHERE user_id = ? AND name = ?`, uid, op.Collection); err != nil {
				return wrap(err, "delete collection")
			}
		default:
			err = errors.Newf("sqlite: unsupported op %d", op.Kind)
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return wrap(err, "commit")
	}
	return nil
}

// PurgeExpired deletes expired rows in one statement.
func (s *Store) PurgeExpired(ctx context.Context, now synctime.Timestamp) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM items WHERE expiry > 0 AND expiry <= ?`, int64(now))
	if err != nil {
		return 0, wrap(err, "purge expired")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrap(err, "purge expired")
	}
	return int(n), nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrap(err, "ping")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanItem(row scanner) (storage.Item, error) {
	var (
		item      storage.Item
		ms        int64
		sortIndex sql.NullInt64
		expiry    int64
	)
	if err := row.Scan(&item.ID, &ms, &item.Payload, &sortIndex, &expiry); err != nil {
		return storage.Item{}, err
	}
	item.Modified = synctime.Timestamp(ms)
	item.Expiry = synctime.Timestamp(expiry)
	if sortIndex.Valid {
		v := sortIndex.Int64
		item.SortIndex = &v
	}
	return item, nil
}

func wrap(err error, op string) error {
	if errors.Is(err, sql.ErrConnDone) {
		return errors.Wrapf(storage.ErrClosed, "sqlite: %s", op)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is closed") {
		return errors.Wrapf(storage.ErrClosed, "sqlite: %s", op)
	}
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return storage.NewTransientError(errors.Wrapf(err, "sqlite: %s", op))
	}
	return errors.Wrapf(err, "sqlite: %s", op)
}
