package logging

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/synctime"
)

type store struct {
	inner  storage.Store
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace spans and trace-level logging.
func Wrap(inner storage.Store, logger pslog.Logger, sys string) storage.Store {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &store{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/syncd/storage"),
		sys:    sys,
	}
}

func (s *store) start(ctx context.Context, op string, userID uint64, collection string) (context.Context, func(error)) {
	begin := time.Now()
	ctx, span := s.tracer.Start(ctx, "syncd.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("syncd.storage.operation", op),
		attribute.String("syncd.sys", s.sys),
	)
	if collection != "" {
		span.SetAttributes(attribute.String("syncd.storage.collection", collection))
	}
	logger := s.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger.Trace("storage."+op+".begin", "uid", userID, "collection", collection)
	return ctx, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Trace("storage."+op+".error", "uid", userID, "collection", collection, "elapsed", elapsed, "error", err)
		} else {
			span.SetStatus(codes.Ok, "")
			logger.Trace("storage."+op+".success", "uid", userID, "collection", collection, "elapsed", elapsed)
		}
		span.End()
	}
}

func (s *store) StorageTimestamp(ctx context.Context, userID uint64) (synctime.Timestamp, error) {
	ctx, finish := s.start(ctx, "storage_timestamp", userID, "")
	ts, err := s.inner.StorageTimestamp(ctx, userID)
	finish(err)
	return ts, err
}

func (s *store) CollectionTimestamps(ctx context.Context, userID uint64) (map[string]synctime.Timestamp, error) {
	ctx, finish := s.start(ctx, "collection_timestamps", userID, "")
	out, err := s.inner.CollectionTimestamps(ctx, userID)
	finish(err)
	return out, err
}

func (s *store) CollectionTimestamp(ctx context.Context, userID uint64, collection string) (synctime.Timestamp, error) {
	ctx, finish := s.start(ctx, "collection_timestamp", userID, collection)
	ts, err := s.inner.CollectionTimestamp(ctx, userID, collection)
	finish(ignoreNotFound(err))
	return ts, err
}

func (s *store) Item(ctx context.Context, userID uint64, collection, id string) (storage.Item, error) {
	ctx, finish := s.start(ctx, "get_item", userID, collection)
	item, err := s.inner.Item(ctx, userID, collection, id)
	finish(ignoreNotFound(err))
	return item, err
}

func (s *store) Items(ctx context.Context, userID uint64, collection string) ([]storage.Item, error) {
	ctx, finish := s.start(ctx, "list_items", userID, collection)
	items, err := s.inner.Items(ctx, userID, collection)
	finish(err)
	return items, err
}

func (s *store) Apply(ctx context.Context, batch storage.Batch) error {
	ctx, finish := s.start(ctx, "apply", 0, "")
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.Int("syncd.storage.ops", len(batch.Ops)),
		attribute.Int64("syncd.storage.timestamp_ms", batch.Timestamp.Millis()),
	)
	err := s.inner.Apply(ctx, batch)
	finish(err)
	return err
}

func (s *store) PurgeExpired(ctx context.Context, now synctime.Timestamp) (int, error) {
	ctx, finish := s.start(ctx, "purge_expired", 0, "")
	purged, err := s.inner.PurgeExpired(ctx, now)
	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("syncd.storage.purged", purged))
	finish(err)
	return purged, err
}

func (s *store) Ping(ctx context.Context) error {
	ctx, finish := s.start(ctx, "ping", 0, "")
	err := s.inner.Ping(ctx)
	finish(err)
	return err
}

func (s *store) Close() error {
	return s.inner.Close()
}

func ignoreNotFound(err error) error {
	if err == storage.ErrNotFound {
		return nil
	}
	return err
}
