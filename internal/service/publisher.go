package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/EventForge/internal/adapter/otel"
	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/domain/message"
	"github.com/Strob0t/EventForge/internal/port/outbox"
)

// PublishError wraps a broker failure on the direct publish path.
type PublishError struct {
	Subject string
	Err     error
}

func (e *PublishError) Error() string {
	return "publish to " + e.Subject + ": " + e.Err.Error()
}

func (e *PublishError) Unwrap() error { return e.Err }

// PublishResult reports the outcome of one publish.
type PublishResult struct {
	EventID   string `json:"event_id"`
	Subject   string `json:"subject"`
	Duplicate bool   `json:"duplicate,omitempty"`
	StreamSeq uint64 `json:"stream_seq,omitempty"`
	// Pending is set on the outbox path: the event is committed to the
	// database and the relay delivers it asynchronously.
	Pending bool `json:"pending,omitempty"`
}

// PublishOptions carries the optional envelope fields of one publish.
type PublishOptions struct {
	EventID       string
	TraceID       string
	CorrelationID string
	MessageType   string
	SchemaVersion int

	// Set by the D/R/A convenience form.
	Domain     string
	Resource   string
	Action     string
	ResourceID string
}

// BatchEntry is one message of a batch publish.
type BatchEntry struct {
	Topic   string
	Value   any
	Options PublishOptions
}

// jsPublisher is the slice of the JetStream API the publisher needs.
type jsPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// Publisher builds envelopes and hands them to the broker, or to the
// transactional outbox when one is configured.
type Publisher struct {
	js      jsPublisher
	cfg     config.Bus
	outbox  outbox.Store // nil when the outbox is disabled
	metrics *otel.Metrics
	log     *slog.Logger
	now     func() time.Time
}

// NewPublisher creates a publisher. Pass a nil store to publish
// directly to the broker.
func NewPublisher(js jsPublisher, cfg config.Bus, store outbox.Store, metrics *otel.Metrics, log *slog.Logger) *Publisher {
	return &Publisher{
		js:      js,
		cfg:     cfg,
		outbox:  store,
		metrics: metrics,
		log:     log,
		now:     time.Now,
	}
}

// Publish sends one message directly to the broker. When the outbox is
// enabled the caller must use PublishTx instead, so the event and the
// caller's own writes commit atomically.
func (p *Publisher) Publish(ctx context.Context, topic string, value any, opts PublishOptions) (*PublishResult, error) {
	if p.outbox != nil {
		return nil, fmt.Errorf("publish %q: outbox is enabled, use PublishTx", topic)
	}

	env, subject, err := p.buildEnvelope(topic, value, opts)
	if err != nil {
		return nil, err
	}
	return p.publishDirect(ctx, subject, env)
}

// PublishResource is the domain/resource/action convenience form. The
// topic becomes {domain}.{resource}.{action} and the envelope carries
// the triple explicitly.
func (p *Publisher) PublishResource(ctx context.Context, domain, resource, action, resourceID string, value any, opts PublishOptions) (*PublishResult, error) {
	opts.Domain = domain
	opts.Resource = resource
	opts.Action = action
	opts.ResourceID = resourceID
	topic := fmt.Sprintf("%s.%s.%s", domain, resource, action)
	return p.Publish(ctx, topic, value, opts)
}

// PublishTx records one message in the outbox within the caller's
// transaction. The broker is not contacted; the relay delivers after
// commit.
func (p *Publisher) PublishTx(ctx context.Context, tx pgx.Tx, topic string, value any, opts PublishOptions) (*PublishResult, error) {
	if p.outbox == nil {
		return nil, fmt.Errorf("publish %q: outbox is not enabled", topic)
	}

	env, subject, err := p.buildEnvelope(topic, value, opts)
	if err != nil {
		return nil, err
	}

	payload, err := message.Encode(env)
	if err != nil {
		return nil, err
	}

	rec := &outbox.Record{
		EventID: env.EventID,
		Subject: subject,
		Payload: payload,
		Headers: map[string]string{nats.MsgIdHdr: env.EventID},
	}
	if err := p.outbox.Insert(ctx, tx, rec); err != nil {
		return nil, fmt.Errorf("outbox insert %s: %w", env.EventID, err)
	}

	return &PublishResult{EventID: env.EventID, Subject: subject, Pending: true}, nil
}

// PublishBatch publishes N messages sharing one trace id. Direct mode
// is best effort: each entry gets its own result or error, and an
// entry's failure does not stop the rest.
func (p *Publisher) PublishBatch(ctx context.Context, entries []BatchEntry) ([]PublishResult, []error) {
	traceID := p.batchTraceID(entries)

	results := make([]PublishResult, len(entries))
	errs := make([]error, len(entries))
	for i, e := range entries {
		if e.Options.TraceID == "" {
			e.Options.TraceID = traceID
		}
		res, err := p.Publish(ctx, e.Topic, e.Value, e.Options)
		if err != nil {
			errs[i] = err
			continue
		}
		results[i] = *res
	}
	return results, errs
}

// PublishBatchTx records N messages in the outbox within one
// transaction, sharing one trace id. All entries commit or none do.
func (p *Publisher) PublishBatchTx(ctx context.Context, tx pgx.Tx, entries []BatchEntry) ([]PublishResult, error) {
	traceID := p.batchTraceID(entries)

	results := make([]PublishResult, len(entries))
	for i, e := range entries {
		if e.Options.TraceID == "" {
			e.Options.TraceID = traceID
		}
		res, err := p.PublishTx(ctx, tx, e.Topic, e.Value, e.Options)
		if err != nil {
			return nil, fmt.Errorf("batch entry %d: %w", i, err)
		}
		results[i] = *res
	}
	return results, nil
}

// batchTraceID picks the batch's shared trace id: the first explicit
// one wins, otherwise a fresh id is generated.
func (p *Publisher) batchTraceID(entries []BatchEntry) string {
	for _, e := range entries {
		if e.Options.TraceID != "" {
			return e.Options.TraceID
		}
	}
	return message.NewEventID()
}

func (p *Publisher) buildEnvelope(topic string, value any, opts PublishOptions) (*message.Envelope, string, error) {
	subject, err := message.BuildSubject(p.cfg.Env, p.cfg.App, topic)
	if err != nil {
		return nil, "", err
	}

	body, err := json.Marshal(value)
	if err != nil {
		return nil, "", fmt.Errorf("encode message for %q: %w", topic, err)
	}

	env := &message.Envelope{
		EventID:       opts.EventID,
		SchemaVersion: opts.SchemaVersion,
		Topic:         message.Normalize(topic),
		Producer:      p.cfg.App,
		TraceID:       opts.TraceID,
		CorrelationID: opts.CorrelationID,
		MessageType:   opts.MessageType,
		Domain:        opts.Domain,
		Resource:      opts.Resource,
		Action:        opts.Action,
		ResourceID:    opts.ResourceID,
		Message:       body,
	}
	env.Stamp(p.now())

	if err := env.Validate(); err != nil {
		return nil, "", err
	}
	return env, subject, nil
}

func (p *Publisher) publishDirect(ctx context.Context, subject string, env *message.Envelope) (*PublishResult, error) {
	payload, err := message.Encode(env)
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartPublishSpan(ctx, subject, env.EventID)
	defer span.End()

	msg := &nats.Msg{Subject: subject, Data: payload, Header: nats.Header{}}
	msg.Header.Set(nats.MsgIdHdr, env.EventID)

	start := p.now()
	ack, err := p.js.PublishMsg(ctx, msg)
	if err != nil {
		return nil, &PublishError{Subject: subject, Err: err}
	}

	if p.metrics != nil {
		p.metrics.Published.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", subject)))
		p.metrics.PublishDuration.Record(ctx, time.Since(start).Seconds())
		if ack.Duplicate {
			p.metrics.Duplicates.Add(ctx, 1)
		}
	}
	if ack.Duplicate {
		p.log.Debug("duplicate publish suppressed", "subject", subject, "event_id", env.EventID)
	}

	return &PublishResult{
		EventID:   env.EventID,
		Subject:   subject,
		Duplicate: ack.Duplicate,
		StreamSeq: ack.Sequence,
	}, nil
}
