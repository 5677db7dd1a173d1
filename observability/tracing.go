package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/xraph/metarelay"

// Tracer provides OpenTelemetry tracing for metarelay.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a new metarelay tracer.
func NewTracer() *Tracer {
	return &Tracer{
		tracer: otel.Tracer(tracerName),
	}
}

// StartSubmitSpan starts a span for an operator submitting a request.
func (t *Tracer) StartSubmitSpan(ctx context.Context, from, relayer string, nonce uint64) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "metarelay.submit",
		trace.WithAttributes(
			attribute.String("metarelay.from", from),
			attribute.String("metarelay.relayer", relayer),
			attribute.Int64("metarelay.nonce", int64(nonce)),
		),
	)
}

// StartTransitionSpan starts a span for one watcher state transition.
func (t *Tracer) StartTransitionSpan(ctx context.Context, operationID, state, endpoint string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "metarelay.transition",
		trace.WithAttributes(
			attribute.String("metarelay.operation_id", operationID),
			attribute.String("metarelay.state", state),
			attribute.String("metarelay.endpoint", endpoint),
		),
	)
}

// EndSpan ends span, recording err if non-nil.
func (t *Tracer) EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
