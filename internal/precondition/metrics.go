package precondition

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

// Metrics counts precondition decisions.
type Metrics struct {
	outcomes metric.Int64Counter
}

// NewMetrics registers the precondition instruments on the global meter
// provider.
func NewMetrics(logger pslog.Logger) *Metrics {
	meter := otel.Meter("pkt.systems/syncd/precondition")
	m := &Metrics{}
	var err error
	m.outcomes, err = meter.Int64Counter(
		"syncd.precondition.outcome",
		metric.WithDescription("Conditional request decisions"),
	)
	if err != nil && logger != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "syncd.precondition.outcome", "error", err)
	}
	return m
}

// Record counts one decision. Requests without a conditional header are not
// counted.
func (m *Metrics) Record(ctx context.Context, h Header, o Outcome) {
	if m == nil || m.outcomes == nil || h.Condition == None {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("syncd.precondition.header", h.Condition.String()),
		attribute.String("syncd.precondition.outcome", o.Kind.String()),
	))
}
