package observer

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	warren "github.com/nevindra/warren"
)

// ObservedProvider wraps a warren.Provider with OTEL instrumentation.
type ObservedProvider struct {
	inner warren.Provider
	inst  *Instruments
}

// WrapProvider returns an instrumented provider that emits traces and metrics.
func WrapProvider(inner warren.Provider, inst *Instruments) *ObservedProvider {
	return &ObservedProvider{inner: inner, inst: inst}
}

func (o *ObservedProvider) Name() string        { return o.inner.Name() }
func (o *ObservedProvider) ModelID() string     { return o.inner.ModelID() }
func (o *ObservedProvider) SupportsTools() bool { return o.inner.SupportsTools() }

func (o *ObservedProvider) Chat(ctx context.Context, req warren.ChatRequest) (warren.ChatResponse, error) {
	spanAttrs := []trace.SpanStartOption{
		trace.WithAttributes(
			AttrModelID.String(o.inner.ModelID()),
			AttrModelProvider.String(o.inner.Name()),
		),
	}
	if len(req.Tools) > 0 {
		toolNames := make([]string, len(req.Tools))
		for i, t := range req.Tools {
			toolNames[i] = t.Name
		}
		spanAttrs = append(spanAttrs, trace.WithAttributes(
			AttrToolCount.Int(len(req.Tools)),
			AttrToolNames.StringSlice(toolNames),
		))
	}

	ctx, span := o.inst.Tracer.Start(ctx, "model.chat", spanAttrs...)
	defer span.End()
	start := time.Now()

	resp, err := o.inner.Chat(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		AttrTokensInput.Int(resp.Usage.InputTokens),
		AttrTokensOutput.Int(resp.Usage.OutputTokens),
	)

	modelAttrs := metric.WithAttributes(
		AttrModelID.String(o.inner.ModelID()),
		AttrModelProvider.String(o.inner.Name()),
	)
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens), metric.WithAttributes(
		AttrModelID.String(o.inner.ModelID()),
		attribute.String("direction", "input"),
	))
	o.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens), metric.WithAttributes(
		AttrModelID.String(o.inner.ModelID()),
		attribute.String("direction", "output"),
	))
	o.inst.ModelRequests.Add(ctx, 1, metric.WithAttributes(
		AttrModelID.String(o.inner.ModelID()),
		AttrModelProvider.String(o.inner.Name()),
		attribute.String("status", status),
	))
	o.inst.ModelDuration.Record(ctx, durationMs, modelAttrs)

	return resp, err
}

// Compile-time interface check.
var _ warren.Provider = (*ObservedProvider)(nil)
