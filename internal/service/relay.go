package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/EventForge/internal/adapter/otel"
	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/port/outbox"
)

// Relay drains the outbox: it claims due pending rows in batches and
// publishes them to the broker. Failed publishes are rescheduled on an
// exponential backoff schedule until the attempt budget runs out.
type Relay struct {
	js      jsPublisher
	store   outbox.Store
	cfg     config.Outbox
	metrics *otel.Metrics
	log     *slog.Logger
}

// NewRelay creates an outbox relay.
func NewRelay(js jsPublisher, store outbox.Store, cfg config.Outbox, metrics *otel.Metrics, log *slog.Logger) *Relay {
	return &Relay{js: js, store: store, cfg: cfg, metrics: metrics, log: log}
}

// Run polls until ctx is cancelled. The batch in flight when the
// cancellation arrives is completed before Run returns.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info("outbox relay started", "interval", r.cfg.Interval, "batch_size", r.cfg.BatchSize)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("outbox relay stopped")
			return
		case <-ticker.C:
			// The batch runs on the background context so shutdown does
			// not abandon rows stuck in publishing.
			if err := r.RunOnce(context.WithoutCancel(ctx)); err != nil {
				r.log.Error("outbox batch failed", "error", err)
			}
		}
	}
}

// RunOnce claims and relays a single batch. Exposed for the ops CLI.
func (r *Relay) RunOnce(ctx context.Context) error {
	batch, err := r.store.ClaimBatch(ctx, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	ctx, span := otel.StartRelaySpan(ctx, len(batch))
	defer span.End()

	for i := range batch {
		r.relayOne(ctx, &batch[i])
	}
	return nil
}

func (r *Relay) relayOne(ctx context.Context, rec *outbox.Record) {
	msg := &nats.Msg{Subject: rec.Subject, Data: rec.Payload, Header: nats.Header{}}
	for k, v := range rec.Headers {
		msg.Header.Set(k, v)
	}
	if msg.Header.Get(nats.MsgIdHdr) == "" {
		msg.Header.Set(nats.MsgIdHdr, rec.EventID)
	}

	_, err := r.js.PublishMsg(ctx, msg)
	if err == nil {
		if markErr := r.store.MarkPublished(ctx, rec.EventID); markErr != nil {
			// The publish went through; the row stays in publishing and
			// a later claim cycle will not pick it up. The broker dedup
			// window makes an eventual republish harmless.
			r.log.Error("outbox mark published failed", "event_id", rec.EventID, "error", markErr)
			return
		}
		if r.metrics != nil {
			r.metrics.OutboxPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", rec.Subject)))
		}
		return
	}

	attempts := rec.Attempts + 1
	if attempts >= r.cfg.MaxAttempts {
		r.log.Error("outbox row abandoned", "event_id", rec.EventID, "attempts", attempts, "error", err)
		if failErr := r.store.MarkFailed(ctx, rec.EventID, err.Error()); failErr != nil {
			r.log.Error("outbox mark failed failed", "event_id", rec.EventID, "error", failErr)
		}
		if r.metrics != nil {
			r.metrics.OutboxFailed.Add(ctx, 1, metric.WithAttributes(attribute.String("subject", rec.Subject)))
		}
		return
	}

	delay := backoffDelay(r.cfg.Backoff, attempts)
	r.log.Warn("outbox publish failed, rescheduling",
		"event_id", rec.EventID, "attempts", attempts, "delay", delay, "error", err)
	if resErr := r.store.Reschedule(ctx, rec.EventID, attempts, delay, err.Error()); resErr != nil {
		r.log.Error("outbox reschedule failed", "event_id", rec.EventID, "error", resErr)
	}
}

// backoffDelay picks the delay for the given attempt (1-based); the
// last schedule entry repeats once the schedule is exhausted.
func backoffDelay(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return time.Second
	}
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return schedule[idx]
}
