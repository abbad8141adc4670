// Package storagecheck exercises a storage backend end to end with a
// synthetic record so operators can validate a store URL before serving.
package storagecheck

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/synctime"
	"pkt.systems/syncd/internal/uuidv7"
)

const (
	// DiagnosticsUserID owns the synthetic records. It is outside the range
	// tokens are minted for in practice and fits a signed 64-bit column.
	DiagnosticsUserID uint64 = math.MaxInt64
	// DiagnosticsCollection holds the synthetic records.
	DiagnosticsCollection = "syncd-diagnostics"

	checkTimeout = 15 * time.Second
)

// Result captures the outcome of store verification checks.
type Result struct {
	Provider string
	Path     string
	Checks   []CheckResult
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// Verify pings backend, then commits, reads back, rolls back, purges and
// deletes synthetic items owned by DiagnosticsUserID. The cleanup step
// always runs.
func Verify(ctx context.Context, provider, path string, backend storage.Backend, clk synctime.Clock) Result {
	if clk == nil {
		clk = synctime.Real{}
	}
	result := Result{Provider: provider, Path: path}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	run := func(name string, fn func(context.Context) error) {
		err := fn(ctx)
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: err})
	}

	itemID := uuidv7.NewString()
	payload := `{"diagnostic":true}`
	ts := synctime.Now(clk)

	run("Ping", backend.Ping)

	run("CommitItem", func(ctx context.Context) error {
		return withTx(ctx, backend, true, ts, func(tx storage.Tx) error {
			tx.Stage(storage.Op{
				Kind:       storage.OpPutItem,
				UserID:     DiagnosticsUserID,
				Collection: DiagnosticsCollection,
				Item:       storage.Item{ID: itemID, Payload: payload},
			})
			return nil
		})
	})

	run("ReadItem", func(ctx context.Context) error {
		return withTx(ctx, backend, false, 0, func(tx storage.Tx) error {
			item, err := tx.Item(ctx, DiagnosticsUserID, DiagnosticsCollection, itemID)
			if err != nil {
				return err
			}
			if item.Payload != payload || item.Modified != ts {
				return fmt.Errorf("read back %q at %s, want %q at %s", item.Payload, item.Modified, payload, ts)
			}
			got, err := tx.CollectionTimestamp(ctx, DiagnosticsUserID, DiagnosticsCollection)
			if err != nil {
				return err
			}
			if got != ts {
				return fmt.Errorf("collection timestamp %s, want %s", got, ts)
			}
			return nil
		})
	})

	run("RollbackDiscards", func(ctx context.Context) error {
		ghost := uuidv7.NewString()
		err := withTx(ctx, backend, false, 0, func(tx storage.Tx) error {
			tx.Stage(storage.Op{
				Kind:       storage.OpPutItem,
				UserID:     DiagnosticsUserID,
				Collection: DiagnosticsCollection,
				Item:       storage.Item{ID: ghost, Payload: payload},
			})
			if _, err := tx.Item(ctx, DiagnosticsUserID, DiagnosticsCollection, ghost); err != nil {
				return fmt.Errorf("staged write not visible to its own transaction: %w", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return withTx(ctx, backend, false, 0, func(tx storage.Tx) error {
			_, err := tx.Item(ctx, DiagnosticsUserID, DiagnosticsCollection, ghost)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				return nil
			case err != nil:
				return err
			}
			return fmt.Errorf("rolled back item %s is visible", ghost)
		})
	})

	run("PurgeExpired", func(ctx context.Context) error {
		expiring := uuidv7.NewString()
		err := withTx(ctx, backend, true, ts, func(tx storage.Tx) error {
			tx.Stage(storage.Op{
				Kind:       storage.OpPutItem,
				UserID:     DiagnosticsUserID,
				Collection: DiagnosticsCollection,
				Item:       storage.Item{ID: expiring, Payload: payload, Expiry: ts.Next()},
			})
			return nil
		})
		if err != nil {
			return err
		}
		purger, ok := backend.(storage.Purger)
		if !ok {
			return errors.New("backend cannot purge expired items")
		}
		if _, err := purger.PurgeExpired(ctx, ts.Next()); err != nil {
			return err
		}
		return withTx(ctx, backend, false, 0, func(tx storage.Tx) error {
			if _, err := tx.Item(ctx, DiagnosticsUserID, DiagnosticsCollection, expiring); !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("expired item %s survived purge: %v", expiring, err)
			}
			return nil
		})
	})

	run("DeleteCollection", func(ctx context.Context) error {
		// the commit above may have failed halfway; clean up regardless
		err := withTx(ctx, backend, true, synctime.Now(clk).Next(), func(tx storage.Tx) error {
			tx.Stage(storage.Op{
				Kind:       storage.OpDeleteCollection,
				UserID:     DiagnosticsUserID,
				Collection: DiagnosticsCollection,
			})
			return nil
		})
		if err != nil {
			return err
		}
		return withTx(ctx, backend, false, 0, func(tx storage.Tx) error {
			if _, err := tx.CollectionTimestamp(ctx, DiagnosticsUserID, DiagnosticsCollection); !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("diagnostics collection still present: %v", err)
			}
			return nil
		})
	})

	return result
}

// withTx runs fn in a fresh transaction, committing at ts when commit is set
// and rolling back otherwise.
func withTx(ctx context.Context, backend storage.Backend, commit bool, ts synctime.Timestamp, fn func(storage.Tx) error) error {
	tx, err := backend.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if commit {
		if err := tx.Commit(ctx, ts); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	}
	if err := tx.Rollback(ctx); err != nil {
		return fmt.Errorf("rollback: %w", err)
	}
	return nil
}
