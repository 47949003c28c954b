package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/EventForge/internal/adapter/otel"
	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/domain/message"
	"github.com/Strob0t/EventForge/internal/port/bus"
	"github.com/Strob0t/EventForge/internal/port/inbox"
)

// inProgressNakDelay is the redelivery delay when another worker holds
// the inbox claim for the same event.
const inProgressNakDelay = 2 * time.Second

// dlqPublisher is the slice of the DLQ adapter the processor needs.
type dlqPublisher interface {
	Publish(ctx context.Context, rec *message.DLQRecord) error
}

// seenCache is the in-process fast path in front of the inbox table.
type seenCache interface {
	Seen(eventID string) bool
	Mark(eventID string)
}

// dispatch pairs a subscription with its composed middleware chain.
type dispatch struct {
	sub   *Subscription
	chain bus.HandlerFunc
}

// Processor turns one broker delivery into handler invocations and an
// ack, nak or dead-letter decision.
type Processor struct {
	cfg     config.Bus
	dlqOn   bool
	inbox   inbox.Store // nil when the inbox is disabled
	seen    seenCache   // nil without the inbox
	dlq     dlqPublisher
	metrics *otel.Metrics
	log     *slog.Logger
	now     func() time.Time

	// onMalformed is the resolved bus.on_malformed verdict.
	onMalformed bus.ErrorAction
}

// NewProcessor creates a processor. Pass a nil inbox store to disable
// dedup and a nil DLQ to route dead-letter actions through the
// on_max_deliver fallback instead.
func NewProcessor(cfg config.Bus, store inbox.Store, seen seenCache, dlq dlqPublisher, metrics *otel.Metrics, log *slog.Logger) *Processor {
	onMalformed := bus.ActionDiscard
	if cfg.OnMalformed == "dlq" {
		onMalformed = bus.ActionDLQ
	}
	return &Processor{
		cfg:         cfg,
		dlqOn:       dlq != nil,
		inbox:       store,
		seen:        seen,
		dlq:         dlq,
		metrics:     metrics,
		log:         log,
		now:         time.Now,
		onMalformed: onMalformed,
	}
}

// Process handles one delivery for every handler registered under the
// message's filter, in registration order. The first handler error
// decides the message's fate; later handlers do not run.
func (p *Processor) Process(ctx context.Context, msg jetstream.Msg, dispatches []dispatch) {
	mctx := p.messageContext(msg)

	env, err := message.Decode(msg.Data(), p.cfg.StrictDecode)
	if err != nil {
		// Undecodable bytes can never succeed on redelivery.
		p.finishError(ctx, msg, mctx, nil, err)
		return
	}
	mctx.EventID = env.EventID
	mctx.TraceID = env.TraceID
	mctx.Envelope = env

	ctx, span := otel.StartProcessSpan(ctx, mctx.Subject, mctx.EventID, mctx.Deliveries)
	defer span.End()

	if done := p.claimInbox(ctx, msg, mctx); done {
		return
	}

	body := env.Body()
	for _, d := range dispatches {
		if err := d.chain(ctx, body, mctx); err != nil {
			p.finishError(ctx, msg, mctx, d.sub, err)
			return
		}
	}
	p.finishSuccess(ctx, msg, mctx)
}

func (p *Processor) messageContext(msg jetstream.Msg) *bus.MessageContext {
	mctx := &bus.MessageContext{Subject: msg.Subject(), Deliveries: 1}
	if meta, err := msg.Metadata(); err == nil {
		mctx.Stream = meta.Stream
		mctx.StreamSeq = meta.Sequence.Stream
		mctx.Deliveries = meta.NumDelivered
	}
	return mctx
}

// claimInbox runs the dedup protocol. It returns true when the message
// is already settled and processing must stop.
func (p *Processor) claimInbox(ctx context.Context, msg jetstream.Msg, mctx *bus.MessageContext) bool {
	if p.inbox == nil {
		return false
	}

	if p.seen != nil && p.seen.Seen(mctx.EventID) {
		p.countDedup(ctx, mctx)
		p.ack(msg, mctx)
		return true
	}

	res, err := p.inbox.Claim(ctx, mctx.EventID, mctx.Subject, mctx.Stream, mctx.StreamSeq)
	if err != nil {
		// The claim is a transient dependency failure, not a handler
		// verdict. Redeliver and try again.
		p.log.Warn("inbox claim failed", "event_id", mctx.EventID, "error", err)
		p.nak(msg, mctx, 0)
		return true
	}

	switch res {
	case inbox.ClaimProcessed:
		if p.seen != nil {
			p.seen.Mark(mctx.EventID)
		}
		p.countDedup(ctx, mctx)
		p.ack(msg, mctx)
		return true
	case inbox.ClaimInProgress:
		p.nak(msg, mctx, inProgressNakDelay)
		return true
	}
	return false
}

func (p *Processor) finishSuccess(ctx context.Context, msg jetstream.Msg, mctx *bus.MessageContext) {
	if p.inbox != nil {
		if err := p.inbox.MarkProcessed(ctx, mctx.EventID); err != nil {
			// Without the processed mark a redelivery would run the
			// handler again; nak instead of acking a half-finished state.
			p.log.Error("inbox mark processed failed", "event_id", mctx.EventID, "error", err)
			p.nak(msg, mctx, 0)
			return
		}
		if p.seen != nil {
			p.seen.Mark(mctx.EventID)
		}
	}
	p.ack(msg, mctx)
	if p.metrics != nil {
		p.metrics.Consumed.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", mctx.Subject)))
	}
}

func (p *Processor) finishError(ctx context.Context, msg jetstream.Msg, mctx *bus.MessageContext, sub *Subscription, cause error) {
	kind := message.Classify(cause)
	maxDeliver := p.cfg.MaxDeliver
	if sub != nil && sub.Options.MaxDeliver > 0 {
		maxDeliver = sub.Options.MaxDeliver
	}

	action := decideAction(p.log, sub, bus.ErrorContext{
		Err:         cause,
		Kind:        kind,
		Attempt:     int(mctx.Deliveries),
		MaxAttempts: maxDeliver,
		Message:     mctx,
	}, p.onMalformed)

	reason := dlqReason(kind)
	if sub == nil && kind == message.KindMalformed {
		// Undecodable bytes never reached a schema; validation_failed
		// is reserved for schema verdicts.
		reason = message.ReasonHandlerError
	}

	// A retry past the broker's delivery cap would never happen; the
	// message escalates to the dead letter queue instead of vanishing.
	// Any retryable error exhausting its deliveries is reported as
	// max_deliver_exceeded, whichever path parked it.
	if int(mctx.Deliveries) >= maxDeliver {
		if action == bus.ActionRetry {
			action = bus.ActionDLQ
		}
		if kind == message.KindUnknown || kind == message.KindTransient {
			reason = message.ReasonMaxDeliverExceeded
		}
	}

	switch action {
	case bus.ActionDiscard:
		p.markFailed(ctx, mctx, cause)
		p.ack(msg, mctx)
		if p.metrics != nil {
			p.metrics.Discarded.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", mctx.Subject)))
		}
		p.log.Warn("message discarded", "subject", mctx.Subject, "event_id", mctx.EventID, "error", cause)

	case bus.ActionDLQ:
		p.deadLetter(ctx, msg, mctx, cause, reason)

	default: // ActionRetry
		p.markFailed(ctx, mctx, cause)
		p.nak(msg, mctx, 0)
		if p.metrics != nil {
			p.metrics.Retried.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", mctx.Subject)))
		}
	}
}

func (p *Processor) deadLetter(ctx context.Context, msg jetstream.Msg, mctx *bus.MessageContext, cause error, reason message.DLQReason) {
	if !p.dlqOn {
		// No DLQ configured: on_max_deliver picks between dropping the
		// message and leaving it to the broker's redelivery budget.
		p.markFailed(ctx, mctx, cause)
		if p.cfg.OnMaxDeliver == "nak" {
			p.nak(msg, mctx, 0)
		} else {
			p.log.Warn("message dropped, dlq disabled",
				"subject", mctx.Subject, "event_id", mctx.EventID, "reason", reason, "error", cause)
			p.ack(msg, mctx)
		}
		return
	}

	rec := message.NewDLQRecord(mctx.Subject, msg.Data(), reason, cause, mctx.Deliveries, p.now())
	if err := p.dlq.Publish(ctx, rec); err != nil {
		// Keep the original redeliverable rather than lose it.
		p.log.Error("dlq publish failed, degrading to nak",
			"subject", mctx.Subject, "event_id", mctx.EventID, "error", err)
		p.markFailed(ctx, mctx, cause)
		p.nak(msg, mctx, 0)
		return
	}

	p.markFailed(ctx, mctx, cause)
	p.ack(msg, mctx)
	if p.metrics != nil {
		p.metrics.DeadLettered.Add(ctx, 1, metric.WithAttributes(
			attribute.String("subject", mctx.Subject),
			attribute.String("reason", string(reason)),
		))
	}
	p.log.Warn("message dead lettered",
		"subject", mctx.Subject, "event_id", mctx.EventID, "reason", reason, "error", cause)
}

func dlqReason(kind message.Kind) message.DLQReason {
	switch kind {
	case message.KindMalformed:
		return message.ReasonValidationFailed
	case message.KindUnrecoverable:
		return message.ReasonUnrecoverable
	}
	return message.ReasonHandlerError
}

func (p *Processor) markFailed(ctx context.Context, mctx *bus.MessageContext, cause error) {
	if p.inbox == nil || mctx.EventID == "" {
		return
	}
	if err := p.inbox.MarkFailed(ctx, mctx.EventID, cause.Error()); err != nil {
		p.log.Warn("inbox mark failed failed", "event_id", mctx.EventID, "error", err)
	}
}

func (p *Processor) countDedup(ctx context.Context, mctx *bus.MessageContext) {
	if p.metrics != nil {
		p.metrics.InboxDeduped.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", mctx.Subject)))
	}
	p.log.Debug("duplicate delivery skipped", "subject", mctx.Subject, "event_id", mctx.EventID)
}

func (p *Processor) ack(msg jetstream.Msg, mctx *bus.MessageContext) {
	if err := msg.Ack(); err != nil {
		p.log.Warn("ack failed", "subject", mctx.Subject, "event_id", mctx.EventID, "error", err)
	}
}

func (p *Processor) nak(msg jetstream.Msg, mctx *bus.MessageContext, delay time.Duration) {
	var err error
	if delay > 0 {
		err = msg.NakWithDelay(delay)
	} else {
		err = msg.Nak()
	}
	if err != nil {
		p.log.Warn("nak failed", "subject", mctx.Subject, "event_id", mctx.EventID, "error", err)
	}
}
