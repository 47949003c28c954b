package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/domain/message"
	"github.com/Strob0t/EventForge/internal/port/bus"
	"github.com/Strob0t/EventForge/internal/resilience"
)

// fetchWait bounds one pull so the loop can observe cancellation.
const fetchWait = 5 * time.Second

// Consumer owns one durable pull consumer per distinct filter in the
// registry and fans deliveries out to a bounded worker pool.
type Consumer struct {
	js        jetstream.JetStream
	stream    string
	cfg       config.Bus
	registry  *Registry
	processor *Processor
	log       *slog.Logger

	// chains maps a filter to its composed per-subscription pipelines,
	// built once at start. Immutable while running.
	chains map[string][]dispatch
}

// NewConsumer creates a consumer over the shared JetStream context.
func NewConsumer(js jetstream.JetStream, stream string, cfg config.Bus, reg *Registry, proc *Processor, log *slog.Logger) *Consumer {
	return &Consumer{
		js:        js,
		stream:    stream,
		cfg:       cfg,
		registry:  reg,
		processor: proc,
		log:       log,
		chains:    make(map[string][]dispatch),
	}
}

// Bind composes the middleware pipeline for every subscription. Must
// run before Run; the chain map is read-only afterwards.
func (c *Consumer) Bind(base []bus.Middleware, breaker *resilience.Breaker) {
	for _, filter := range c.registry.Filters() {
		for _, sub := range c.registry.Lookup(filter) {
			mws := append([]bus.Middleware{}, base...)
			if sub.Options.Schema != nil {
				mws = append(mws, SchemaMiddleware(sub.Options.Schema))
			}
			if sub.Options.UseBreaker && breaker != nil {
				mws = append(mws, BreakerMiddleware(breaker))
			}
			c.chains[filter] = append(c.chains[filter], dispatch{
				sub:   sub,
				chain: Chain(sub.Handler.Handle, mws...),
			})
		}
	}
}

// Run ensures the durables and drives one fetch loop per filter until
// ctx is cancelled. In-flight handlers run on handleCtx, which the
// engine cancels only after the drain timeout.
func (c *Consumer) Run(ctx, handleCtx context.Context) error {
	var loops errgroup.Group
	for _, filter := range c.registry.Filters() {
		opts := c.registry.ConsumerOptions(filter)

		cons, err := c.ensureConsumer(ctx, filter, opts)
		if err != nil {
			return err
		}

		dispatches := c.chains[filter]
		concurrency := opts.Concurrency
		loops.Go(func() error {
			c.fetchLoop(ctx, handleCtx, cons, filter, concurrency, dispatches)
			return nil
		})
	}
	return loops.Wait()
}

// ensureConsumer idempotently provisions the filter's durable.
func (c *Consumer) ensureConsumer(ctx context.Context, filter string, opts bus.Options) (jetstream.Consumer, error) {
	durable := message.DurableName(c.cfg.App, filter)

	// The broker rejects a backoff schedule longer than max_deliver.
	backoff := opts.Backoff
	if len(backoff) >= opts.MaxDeliver && opts.MaxDeliver > 0 {
		backoff = backoff[:opts.MaxDeliver-1]
	}

	cons, err := c.js.CreateOrUpdateConsumer(ctx, c.stream, jetstream.ConsumerConfig{
		Durable:       durable,
		FilterSubject: filter,
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
		MaxDeliver:    opts.MaxDeliver,
		AckWait:       opts.AckWait,
		MaxAckPending: opts.Concurrency,
		BackOff:       backoff,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer %s: %w", durable, err)
	}

	c.log.Info("consumer ready",
		"durable", durable, "filter", filter,
		"concurrency", opts.Concurrency, "max_deliver", opts.MaxDeliver)
	return cons, nil
}

// fetchLoop pulls batches and hands messages to the worker pool. The
// pool bound and the broker's max_ack_pending jointly cap in-flight
// work per filter.
func (c *Consumer) fetchLoop(ctx, handleCtx context.Context, cons jetstream.Consumer, filter string, concurrency int, dispatches []dispatch) {
	var workers errgroup.Group
	workers.SetLimit(concurrency)

	for ctx.Err() == nil {
		batch, err := cons.Fetch(concurrency, jetstream.FetchMaxWait(fetchWait))
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if !errors.Is(err, jetstream.ErrNoMessages) {
				c.log.Warn("fetch failed", "filter", filter, "error", err)
				select {
				case <-ctx.Done():
				case <-time.After(time.Second):
				}
			}
			continue
		}

		for msg := range batch.Messages() {
			workers.Go(func() error {
				c.processor.Process(handleCtx, msg, dispatches)
				return nil
			})
		}
		if err := batch.Error(); err != nil && ctx.Err() == nil {
			c.log.Warn("fetch batch error", "filter", filter, "error", err)
		}
	}

	// Let in-flight handlers settle; handleCtx enforces the drain
	// budget if they do not.
	_ = workers.Wait()
	c.log.Debug("fetch loop stopped", "filter", filter)
}
