package syncd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/syncd/internal/diagnostics/storagecheck"
	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/storage/bolt"
	loggingstore "pkt.systems/syncd/internal/storage/logging"
	"pkt.systems/syncd/internal/storage/memory"
	"pkt.systems/syncd/internal/storage/retry"
	"pkt.systems/syncd/internal/storage/sqlite"
	"pkt.systems/syncd/internal/svcfields"
	"pkt.systems/syncd/internal/synctime"
)

// storeLocation is a parsed store URL.
type storeLocation struct {
	Scheme string
	Path   string
}

// parseStoreURL accepts mem://, sqlite:///path and bolt:///path. Relative
// file paths (sqlite://data/sync.db) are resolved against the working
// directory.
func parseStoreURL(raw string) (storeLocation, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultStore
	}
	u, err := url.Parse(raw)
	if err != nil {
		return storeLocation{}, fmt.Errorf("parse store URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "mem", "memory":
		return storeLocation{Scheme: "mem"}, nil
	case "sqlite", "bolt":
		path := u.Host + u.Path
		if path == "" {
			return storeLocation{}, fmt.Errorf("%s store missing path (expected %s:///path/to/file)", scheme, scheme)
		}
		if !filepath.IsAbs(path) {
			abs, err := filepath.Abs(path)
			if err != nil {
				return storeLocation{}, fmt.Errorf("resolve %s path: %w", scheme, err)
			}
			path = abs
		}
		return storeLocation{Scheme: scheme, Path: path}, nil
	case "":
		return storeLocation{}, fmt.Errorf("store URL %q has no scheme", raw)
	default:
		return storeLocation{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

func openStore(cfg Config) (storage.Store, storeLocation, error) {
	loc, err := parseStoreURL(cfg.Store)
	if err != nil {
		return nil, storeLocation{}, err
	}
	switch loc.Scheme {
	case "mem":
		return memory.New(), loc, nil
	case "sqlite":
		st, err := sqlite.Open(sqlite.Config{Path: loc.Path, MaxOpenConns: cfg.SQLiteMaxOpenConns})
		if err != nil {
			return nil, loc, err
		}
		return st, loc, nil
	case "bolt":
		st, err := bolt.Open(loc.Path)
		if err != nil {
			return nil, loc, err
		}
		return st, loc, nil
	default:
		return nil, loc, fmt.Errorf("store scheme %q not supported", loc.Scheme)
	}
}

// openBackend builds the staged backend for cfg.Store.
func openBackend(cfg Config, logger pslog.Logger, clk synctime.Clock) (storage.Backend, error) {
	st, err := openLayeredStore(cfg, logger, clk)
	if err != nil {
		return nil, err
	}
	return storage.NewStagedBackend(st), nil
}

// openLayeredStore opens cfg.Store and layers retries for transient failures
// and per-operation logging/tracing over it.
func openLayeredStore(cfg Config, logger pslog.Logger, clk synctime.Clock) (storage.Store, error) {
	st, loc, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	storageLogger := svcfields.WithSubsystem(logger, svcfields.Subsystem("storage", loc.Scheme))
	st = retry.Wrap(st, storageLogger, clk, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	st = loggingstore.Wrap(st, storageLogger, svcfields.Subsystem("storage", loc.Scheme))
	storageLogger.Info("storage.backend.opened", "scheme", loc.Scheme, "path", loc.Path)
	return st, nil
}

// VerifyStore opens cfg.Store with the same layering the server uses and
// runs the storage diagnostics against it. The returned error covers
// configuration and open failures; individual check failures are reported
// in the result.
func VerifyStore(ctx context.Context, cfg Config, logger pslog.Logger) (storagecheck.Result, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if err := cfg.normalize(); err != nil {
		return storagecheck.Result{}, err
	}
	loc, err := parseStoreURL(cfg.Store)
	if err != nil {
		return storagecheck.Result{}, err
	}
	backend, err := openBackend(cfg, logger, synctime.Real{})
	if err != nil {
		return storagecheck.Result{}, fmt.Errorf("open %s store: %w", loc.Scheme, err)
	}
	res := storagecheck.Verify(ctx, loc.Scheme, loc.Path, backend, synctime.Real{})
	if err := backend.Close(); err != nil && !errors.Is(err, storage.ErrClosed) {
		res.Checks = append(res.Checks, storagecheck.CheckResult{Name: "Close", Err: err})
	}
	return res, nil
}

// PurgeExpired opens cfg.Store and removes every item whose ttl has run out
// at now. No master secret is required. bolt files are locked exclusively,
// so a bolt store can only be purged while the server is stopped.
func PurgeExpired(ctx context.Context, cfg Config, logger pslog.Logger, now time.Time) (int, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if err := cfg.normalize(); err != nil {
		return 0, err
	}
	st, err := openLayeredStore(cfg, logger, synctime.Real{})
	if err != nil {
		return 0, fmt.Errorf("open store: %w", err)
	}
	purged, err := st.PurgeExpired(ctx, synctime.FromTime(now))
	if closeErr := st.Close(); closeErr != nil && err == nil && !errors.Is(closeErr, storage.ErrClosed) {
		err = closeErr
	}
	if err != nil {
		return purged, fmt.Errorf("purge expired: %w", err)
	}
	return purged, nil
}
