// Package nats maintains the JetStream connection, stream topology and
// dead-letter publishing for the engine.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/EventForge/internal/config"
)

// ErrNotConnected is returned when an operation needs the broker and
// the connection is gone past its reconnect budget.
var ErrNotConnected = errors.New("nats: not connected")

// Conn is the single shared broker connection for the process.
// Connect is called once; every component holds a read-only reference.
type Conn struct {
	mu  sync.Mutex
	nc  *nats.Conn
	js  jetstream.JetStream
	cfg config.NATS
	log *slog.Logger
}

// Connect establishes the NATS connection with the configured reconnect
// policy. Publish calls fail fast while disconnected instead of
// buffering indefinitely.
func Connect(cfg config.NATS, log *slog.Logger) (*Conn, error) {
	c := &Conn{cfg: cfg, log: log}
	if err := c.Ensure(); err != nil {
		return nil, err
	}
	return c, nil
}

// Ensure dials the broker if not already connected. Idempotent and safe
// for concurrent callers: the first caller dials, the rest reuse.
func (c *Conn) Ensure() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.nc != nil && !c.nc.IsClosed() {
		return nil
	}

	opts := []nats.Option{
		nats.Timeout(c.cfg.ConnectTimeout),
		nats.ReconnectWait(c.cfg.ReconnectWait),
		nats.MaxReconnects(c.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.log.Warn("nats connection closed")
		}),
	}

	nc, err := nats.Connect(strings.Join(c.cfg.URLs, ","), opts...)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("jetstream init: %w", err)
	}

	c.nc = nc
	c.js = js
	c.log.Info("nats connected", "url", nc.ConnectedUrl())
	return nil
}

// JetStream returns the JetStream context.
func (c *Conn) JetStream() jetstream.JetStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.js
}

// IsConnected reports whether the connection is currently up.
func (c *Conn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nc != nil && c.nc.IsConnected()
}

// RTT measures the broker round trip for the health check.
func (c *Conn) RTT(ctx context.Context) error {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()

	if nc == nil || !nc.IsConnected() {
		return ErrNotConnected
	}
	if err := nc.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}
	return nil
}

// Drain flushes pending acks and subscriptions, then waits for the
// connection to finish closing. nats.Conn.Drain only initiates the
// flush; returning before it completes could drop buffered acks.
func (c *Conn) Drain(ctx context.Context) error {
	c.mu.Lock()
	nc := c.nc
	c.mu.Unlock()

	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for !nc.IsClosed() {
		select {
		case <-ctx.Done():
			return fmt.Errorf("nats drain: %w", ctx.Err())
		case <-ticker.C:
		}
	}
	return nil
}

// Close shuts down the connection immediately.
func (c *Conn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nc != nil {
		c.nc.Close()
		c.nc = nil
		c.js = nil
	}
}
