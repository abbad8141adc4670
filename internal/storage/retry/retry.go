package retry

import (
	"context"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/synctime"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// Wrap returns a store that retries errors marked with
// storage.NewTransientError according to cfg.
func Wrap(inner storage.Store, logger pslog.Logger, clk synctime.Clock, cfg Config) storage.Store {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 20 * time.Millisecond
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = time.Second
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if clk == nil {
		clk = synctime.Real{}
	}
	return &store{
		inner:  inner,
		logger: logger,
		clock:  clk,
		cfg:    cfg,
	}
}

type store struct {
	inner  storage.Store
	logger pslog.Logger
	clock  synctime.Clock
	cfg    Config
}

func (s *store) StorageTimestamp(ctx context.Context, userID uint64) (synctime.Timestamp, error) {
	var ts synctime.Timestamp
	err := s.withRetry(ctx, "storage_timestamp", userID, "", func(ctx context.Context) error {
		var err error
		ts, err = s.inner.StorageTimestamp(ctx, userID)
		return err
	})
	return ts, err
}

func (s *store) CollectionTimestamps(ctx context.Context, userID uint64) (map[string]synctime.Timestamp, error) {
	var out map[string]synctime.Timestamp
	err := s.withRetry(ctx, "collection_timestamps", userID, "", func(ctx context.Context) error {
		var err error
		out, err = s.inner.CollectionTimestamps(ctx, userID)
		return err
	})
	return out, err
}

func (s *store) CollectionTimestamp(ctx context.Context, userID uint64, collection string) (synctime.Timestamp, error) {
	var ts synctime.Timestamp
	err := s.withRetry(ctx, "collection_timestamp", userID, collection, func(ctx context.Context) error {
		var err error
		ts, err = s.inner.CollectionTimestamp(ctx, userID, collection)
		return err
	})
	return ts, err
}

func (s *store) Item(ctx context.Context, userID uint64, collection, id string) (storage.Item, error) {
	var item storage.Item
	err := s.withRetry(ctx, "get_item", userID, collection, func(ctx context.Context) error {
		var err error
		item, err = s.inner.Item(ctx, userID, collection, id)
		return err
	})
	return item, err
}

func (s *store) Items(ctx context.Context, userID uint64, collection string) ([]storage.Item, error) {
	var items []storage.Item
	err := s.withRetry(ctx, "list_items", userID, collection, func(ctx context.Context) error {
		var err error
		items, err = s.inner.Items(ctx, userID, collection)
		return err
	})
	return items, err
}

func (s *store) Apply(ctx context.Context, batch storage.Batch) error {
	return s.withRetry(ctx, "apply", 0, "", func(ctx context.Context) error {
		return s.inner.Apply(ctx, batch)
	})
}

func (s *store) PurgeExpired(ctx context.Context, now synctime.Timestamp) (int, error) {
	var purged int
	err := s.withRetry(ctx, "purge_expired", 0, "", func(ctx context.Context) error {
		var err error
		purged, err = s.inner.PurgeExpired(ctx, now)
		return err
	})
	return purged, err
}

func (s *store) Ping(ctx context.Context) error {
	return s.inner.Ping(ctx)
}

func (s *store) Close() error {
	return s.inner.Close()
}

func (s *store) withRetry(ctx context.Context, op string, userID uint64, collection string, fn func(context.Context) error) error {
	attempts := s.cfg.MaxAttempts
	delay := s.cfg.BaseDelay
	if attempts <= 1 {
		return fn(ctx)
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !storage.IsTransient(err) || attempt == attempts {
			return err
		}
		s.logger.Warn("storage.retry.transient",
			"operation", op,
			"uid", userID,
			"collection", collection,
			"attempt", attempt,
			"max_attempts", attempts,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(delay):
		}
		next := time.Duration(float64(delay) * s.cfg.Multiplier)
		if s.cfg.MaxDelay > 0 && next > s.cfg.MaxDelay {
			next = s.cfg.MaxDelay
		}
		delay = next
	}
	return lastErr
}
