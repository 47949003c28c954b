package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	natsadapter "github.com/Strob0t/EventForge/internal/adapter/nats"
	"github.com/Strob0t/EventForge/internal/adapter/otel"
	"github.com/Strob0t/EventForge/internal/adapter/postgres"
	"github.com/Strob0t/EventForge/internal/adapter/ristretto"
	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/port/bus"
	"github.com/Strob0t/EventForge/internal/port/inbox"
	"github.com/Strob0t/EventForge/internal/resilience"
)

type engineState int

const (
	stateCreated engineState = iota
	stateRunning
	stateStopped
)

// Engine wires the bus together: connection, topology, publisher,
// outbox relay, consumer and lifecycle. Registration happens between
// New and Start; Start seals the registry.
type Engine struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *otel.Metrics

	conn     *natsadapter.Conn
	topology *natsadapter.Topology
	dlq      *natsadapter.DLQ
	pool     *pgxpool.Pool
	seen     *ristretto.SeenCache

	registry  *Registry
	publisher *Publisher
	relay     *Relay
	consumer  *Consumer
	breaker   *resilience.Breaker

	middlewares []bus.Middleware

	mu          sync.Mutex
	state       engineState
	stopRun     context.CancelFunc
	stopHandle  context.CancelFunc
	loopsDone   chan struct{}
}

// NewEngine creates an engine from configuration. Nothing is connected
// until Start.
func NewEngine(cfg *config.Config, log *slog.Logger) (*Engine, error) {
	metrics, err := otel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return &Engine{
		cfg:      cfg,
		log:      log,
		metrics:  metrics,
		registry: NewRegistry(cfg.Bus),
		breaker:  resilience.NewBreaker(cfg.Breaker),
	}, nil
}

// Register adds a handler. Only valid before Start.
func (e *Engine) Register(h bus.Handler) error {
	return e.registry.Register(h)
}

// Use appends a middleware to the global chain, outermost first. Only
// valid before Start.
func (e *Engine) Use(mw bus.Middleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middlewares = append(e.middlewares, mw)
}

// Publisher returns the engine's publisher. Valid after Start.
func (e *Engine) Publisher() *Publisher { return e.publisher }

// Relay returns the outbox relay, or nil when the outbox is disabled.
func (e *Engine) Relay() *Relay { return e.relay }

// Conn exposes the broker connection for health probes.
func (e *Engine) Conn() *natsadapter.Conn { return e.conn }

// Topology exposes the stream manager for health probes and ops.
func (e *Engine) Topology() *natsadapter.Topology { return e.topology }

// DLQ exposes the dead-letter surface for the ops CLI.
func (e *Engine) DLQ() *natsadapter.DLQ { return e.dlq }

// Pool exposes the database pool, or nil when outbox and inbox are
// both disabled.
func (e *Engine) Pool() *pgxpool.Pool { return e.pool }

// Running reports whether Start completed and Stop has not run yet.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateRunning
}

// Start connects to the broker, provisions topology, runs migrations
// when the database is needed, and launches the consumer, relay and
// inbox sweeper.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateCreated {
		return fmt.Errorf("engine: start from state %d", e.state)
	}

	conn, err := natsadapter.Connect(e.cfg.NATS, e.log)
	if err != nil {
		return err
	}
	e.conn = conn

	e.topology = natsadapter.NewTopology(conn, e.cfg, e.log)
	if err := e.topology.Ensure(ctx); err != nil {
		conn.Close()
		return err
	}

	if e.cfg.DLQ.Enabled {
		e.dlq = natsadapter.NewDLQ(conn, e.cfg.Bus.Env, e.cfg.Bus.App, e.cfg.DLQ.MaxAttempts)
	}

	if err := e.setupDatabase(ctx); err != nil {
		conn.Close()
		return err
	}

	js := conn.JetStream()

	var outboxStore *postgres.OutboxStore
	if e.cfg.Outbox.Enabled {
		outboxStore = postgres.NewOutboxStore(e.pool, e.cfg.Outbox.Table)
		e.relay = NewRelay(js, outboxStore, e.cfg.Outbox, e.metrics, e.log)
		e.publisher = NewPublisher(js, e.cfg.Bus, outboxStore, e.metrics, e.log)
	} else {
		e.publisher = NewPublisher(js, e.cfg.Bus, nil, e.metrics, e.log)
	}

	var inboxStore *postgres.InboxStore
	if e.cfg.Inbox.Enabled {
		inboxStore = postgres.NewInboxStore(e.pool, e.cfg.Inbox.Table)
		seen, err := ristretto.New(int(e.cfg.Inbox.CacheSizeMB), e.cfg.Inbox.Retention)
		if err != nil {
			conn.Close()
			return fmt.Errorf("init inbox cache: %w", err)
		}
		e.seen = seen
	}

	var dlqPub dlqPublisher
	if e.dlq != nil {
		dlqPub = e.dlq
	}
	var store inbox.Store
	var seenOrNil seenCache
	if inboxStore != nil {
		store = inboxStore
		seenOrNil = e.seen
	}
	processor := NewProcessor(e.cfg.Bus, store, seenOrNil, dlqPub, e.metrics, e.log)

	e.registry.Seal()
	e.consumer = NewConsumer(js, natsadapter.StreamName(e.cfg.Bus.Env), e.cfg.Bus, e.registry, processor, e.log)
	e.consumer.Bind(e.defaultChain(), e.breaker)

	runCtx, stopRun := context.WithCancel(context.Background())
	handleCtx, stopHandle := context.WithCancel(context.Background())
	e.stopRun = stopRun
	e.stopHandle = stopHandle
	e.loopsDone = make(chan struct{})

	go e.runLoops(runCtx, handleCtx)

	e.state = stateRunning
	e.log.Info("engine started",
		"env", e.cfg.Bus.Env, "app", e.cfg.Bus.App,
		"filters", len(e.registry.Filters()),
		"outbox", e.cfg.Outbox.Enabled, "inbox", e.cfg.Inbox.Enabled,
		"dlq", e.cfg.DLQ.Enabled)
	return nil
}

func (e *Engine) setupDatabase(ctx context.Context) error {
	if !e.cfg.Outbox.Enabled && !e.cfg.Inbox.Enabled {
		return nil
	}
	if err := postgres.RunMigrations(ctx, e.cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	pool, err := postgres.NewPool(ctx, e.cfg.Postgres)
	if err != nil {
		return err
	}
	e.pool = pool
	return nil
}

// defaultChain is the built-in middleware in fixed order, followed by
// whatever the application added with Use.
func (e *Engine) defaultChain() []bus.Middleware {
	chain := []bus.Middleware{
		LoggingMiddleware(e.log),
		RetryLoggerMiddleware(e.log),
		MetricsMiddleware(e.metrics),
	}
	if e.pool != nil {
		chain = append(chain, DBConnMiddleware(e.pool))
	}
	return append(chain, e.middlewares...)
}

func (e *Engine) runLoops(runCtx, handleCtx context.Context) {
	defer close(e.loopsDone)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := e.consumer.Run(runCtx, handleCtx); err != nil {
			e.log.Error("consumer stopped with error", "error", err)
		}
	}()

	if e.relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.relay.Run(runCtx)
		}()
	}

	if e.cfg.Inbox.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.sweepLoop(runCtx)
		}()
	}

	wg.Wait()
}

// sweepLoop deletes processed inbox rows past the retention window.
func (e *Engine) sweepLoop(ctx context.Context) {
	store := postgres.NewInboxStore(e.pool, e.cfg.Inbox.Table)
	ticker := time.NewTicker(e.cfg.Inbox.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-e.cfg.Inbox.Retention)
			removed, err := store.Sweep(context.WithoutCancel(ctx), cutoff)
			if err != nil {
				e.log.Warn("inbox sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				e.log.Info("inbox swept", "removed", removed, "cutoff", cutoff)
			}
		}
	}
}

// Stop drains the engine: fetch loops stop pulling, in-flight handlers
// get the drain timeout to finish, then their contexts are cancelled.
// Pending acks are flushed before the connection closes.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != stateRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = stateStopped
	e.mu.Unlock()

	e.log.Info("engine stopping", "drain_timeout", e.cfg.Bus.DrainTimeout)
	e.stopRun()

	select {
	case <-e.loopsDone:
	case <-time.After(e.cfg.Bus.DrainTimeout):
		e.log.Warn("drain timeout exceeded, cancelling in-flight handlers")
		e.stopHandle()
		select {
		case <-e.loopsDone:
		case <-ctx.Done():
			e.log.Error("handlers did not stop before the shutdown deadline")
		}
	}
	e.stopHandle()

	if err := e.conn.Drain(ctx); err != nil {
		e.log.Warn("connection drain failed", "error", err)
	}
	e.conn.Close()

	if e.seen != nil {
		e.seen.Close()
	}
	if e.pool != nil {
		e.pool.Close()
	}

	e.log.Info("engine stopped")
	return nil
}
