package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "eventforge"

// Metrics holds all engine metric instruments. Instruments are backed
// by the global meter provider, so they are no-op until Init runs.
type Metrics struct {
	Published       metric.Int64Counter
	Duplicates      metric.Int64Counter
	Consumed        metric.Int64Counter
	Retried         metric.Int64Counter
	Discarded       metric.Int64Counter
	DeadLettered    metric.Int64Counter
	OutboxPublished metric.Int64Counter
	OutboxFailed    metric.Int64Counter
	InboxDeduped    metric.Int64Counter
	PublishDuration metric.Float64Histogram
	HandlerDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.Published, err = meter.Int64Counter("eventforge.published",
		metric.WithDescription("Events accepted by the stream"))
	if err != nil {
		return nil, err
	}

	m.Duplicates, err = meter.Int64Counter("eventforge.publish.duplicates",
		metric.WithDescription("Publishes suppressed by the dedup window"))
	if err != nil {
		return nil, err
	}

	m.Consumed, err = meter.Int64Counter("eventforge.consumed",
		metric.WithDescription("Messages acknowledged after successful handling"))
	if err != nil {
		return nil, err
	}

	m.Retried, err = meter.Int64Counter("eventforge.retried",
		metric.WithDescription("Messages negatively acknowledged for redelivery"))
	if err != nil {
		return nil, err
	}

	m.Discarded, err = meter.Int64Counter("eventforge.discarded",
		metric.WithDescription("Messages acknowledged without handling"))
	if err != nil {
		return nil, err
	}

	m.DeadLettered, err = meter.Int64Counter("eventforge.dead_lettered",
		metric.WithDescription("Messages parked on the dead-letter subject"))
	if err != nil {
		return nil, err
	}

	m.OutboxPublished, err = meter.Int64Counter("eventforge.outbox.published",
		metric.WithDescription("Outbox rows relayed to the stream"))
	if err != nil {
		return nil, err
	}

	m.OutboxFailed, err = meter.Int64Counter("eventforge.outbox.failed",
		metric.WithDescription("Outbox rows abandoned after max attempts"))
	if err != nil {
		return nil, err
	}

	m.InboxDeduped, err = meter.Int64Counter("eventforge.inbox.deduped",
		metric.WithDescription("Deliveries skipped because the event was already processed"))
	if err != nil {
		return nil, err
	}

	m.PublishDuration, err = meter.Float64Histogram("eventforge.publish.duration_seconds",
		metric.WithDescription("Publish round trip in seconds"))
	if err != nil {
		return nil, err
	}

	m.HandlerDuration, err = meter.Float64Histogram("eventforge.handler.duration_seconds",
		metric.WithDescription("Handler execution time in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
