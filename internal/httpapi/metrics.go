package httpapi

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"pkt.systems/pslog"
)

type pipelineMetrics struct {
	requests metric.Int64Counter
	duration metric.Int64Histogram
}

func newPipelineMetrics(logger pslog.Logger) *pipelineMetrics {
	meter := otel.Meter("pkt.systems/syncd/httpapi")
	m := &pipelineMetrics{}
	var err error

	m.requests, err = meter.Int64Counter(
		"syncd.http.requests",
		metric.WithDescription("Requests completed by the pipeline"),
	)
	logMetricInitError(logger, "syncd.http.requests", err)

	m.duration, err = meter.Int64Histogram(
		"syncd.http.duration_ms",
		metric.WithDescription("End-to-end pipeline latency"),
		metric.WithUnit("ms"),
	)
	logMetricInitError(logger, "syncd.http.duration_ms", err)

	return m
}

func (m *pipelineMetrics) recordRequest(ctx context.Context, operation string, status int, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	attrs := metric.WithAttributes(
		attribute.String("syncd.operation", operation),
		attribute.String("syncd.http.status", strconv.Itoa(status)),
		attribute.String("syncd.result", result),
	)
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, elapsed.Milliseconds(), attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
