package txn

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type txnMetrics struct {
	poolWait     metric.Int64Histogram
	lockWait     metric.Int64Histogram
	finalized    metric.Int64Counter
	txnDuration  metric.Int64Histogram
	poolInFlight metric.Int64UpDownCounter
}

func newTxnMetrics(logger pslog.Logger) *txnMetrics {
	meter := otel.Meter("pkt.systems/syncd/txn")
	m := &txnMetrics{}
	var err error

	m.poolWait, err = meter.Int64Histogram(
		"syncd.pool.wait_ms",
		metric.WithDescription("Time spent waiting for a pooled transaction slot"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "syncd.pool.wait_ms", err)

	m.lockWait, err = meter.Int64Histogram(
		"syncd.txn.lock_wait_ms",
		metric.WithDescription("Time spent waiting for a collection lock"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "syncd.txn.lock_wait_ms", err)

	m.finalized, err = meter.Int64Counter(
		"syncd.txn.finalize",
		metric.WithDescription("Transactions finalized by commit or rollback"),
	)
	logMetricInitError(logger, "syncd.txn.finalize", err)

	m.txnDuration, err = meter.Int64Histogram(
		"syncd.txn.duration_ms",
		metric.WithDescription("Lifetime of a transaction from acquire to finalize"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "syncd.txn.duration_ms", err)

	m.poolInFlight, err = meter.Int64UpDownCounter(
		"syncd.pool.in_flight",
		metric.WithDescription("Checked out transaction slots"),
	)
	logMetricInitError(logger, "syncd.pool.in_flight", err)

	return m
}

func (m *txnMetrics) recordPoolWait(ctx context.Context, d time.Duration, result string) {
	if m == nil || m.poolWait == nil {
		return
	}
	m.poolWait.Record(metricContext(ctx), d.Milliseconds(),
		metric.WithAttributes(attribute.String("syncd.result", result)))
}

func (m *txnMetrics) recordInFlight(ctx context.Context, delta int64) {
	if m == nil || m.poolInFlight == nil {
		return
	}
	m.poolInFlight.Add(metricContext(ctx), delta)
}

func (m *txnMetrics) recordLockWait(ctx context.Context, mode Mode, d time.Duration, result string) {
	if m == nil || m.lockWait == nil {
		return
	}
	m.lockWait.Record(metricContext(ctx), d.Milliseconds(), metric.WithAttributes(
		attribute.String("syncd.lock.mode", mode.String()),
		attribute.String("syncd.result", result),
	))
}

func (m *txnMetrics) recordFinalize(ctx context.Context, outcome string, locked bool, lifetime time.Duration, err error) {
	if m == nil {
		return
	}
	ctx = metricContext(ctx)
	result := "ok"
	if err != nil {
		result = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("syncd.txn.outcome", outcome),
		attribute.String("syncd.result", result),
		attribute.Bool("syncd.txn.locked", locked),
	)
	if m.finalized != nil {
		m.finalized.Add(ctx, 1, attrs)
	}
	if m.txnDuration != nil {
		m.txnDuration.Record(ctx, lifetime.Milliseconds(), attrs)
	}
}

func metricContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
