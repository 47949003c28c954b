package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "eventforge"

// StartPublishSpan starts a span covering a publish round trip.
func StartPublishSpan(ctx context.Context, subject, eventID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", subject),
			attribute.String("messaging.message_id", eventID),
		),
	)
}

// StartProcessSpan starts a span covering one delivery's handler execution.
func StartProcessSpan(ctx context.Context, subject, eventID string, deliveries uint64) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.destination", subject),
			attribute.String("messaging.message_id", eventID),
			attribute.Int64("messaging.deliveries", int64(deliveries)),
		),
	)
}

// StartRelaySpan starts a span covering one outbox relay batch.
func StartRelaySpan(ctx context.Context, batchSize int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "outbox.relay",
		trace.WithAttributes(
			attribute.Int("outbox.batch_size", batchSize),
		),
	)
}
