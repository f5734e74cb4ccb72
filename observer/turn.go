package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RecordTurn records one completed reasoning turn. Called by the worker
// handler after the agent returns.
func (i *Instruments) RecordTurn(ctx context.Context, userID string, truncated bool, status string, d time.Duration) {
	i.Turns.Add(ctx, 1, metric.WithAttributes(
		AttrUserID.String(userID),
		AttrTruncated.Bool(truncated),
		attribute.String("status", status),
	))
	i.TurnDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(
		AttrUserID.String(userID),
	))
}
