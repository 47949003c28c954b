package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Strob0t/EventForge/internal/adapter/otel"
	"github.com/Strob0t/EventForge/internal/domain/message"
	"github.com/Strob0t/EventForge/internal/logger"
	"github.com/Strob0t/EventForge/internal/port/bus"
	"github.com/Strob0t/EventForge/internal/port/schema"
	"github.com/Strob0t/EventForge/internal/resilience"
)

// Chain composes middleware in insertion order: the first middleware
// is outermost. Middleware may short-circuit by not calling next.
func Chain(handler bus.HandlerFunc, mws ...bus.Middleware) bus.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}

// LoggingMiddleware logs each delivery with its outcome and duration,
// and stamps the trace id into the context for downstream loggers.
func LoggingMiddleware(log *slog.Logger) bus.Middleware {
	return func(next bus.HandlerFunc) bus.HandlerFunc {
		return func(ctx context.Context, body json.RawMessage, mctx *bus.MessageContext) error {
			if mctx.TraceID != "" {
				ctx = logger.WithTraceID(ctx, mctx.TraceID)
			}
			start := time.Now()
			err := next(ctx, body, mctx)
			attrs := []any{
				"subject", mctx.Subject,
				"event_id", mctx.EventID,
				"deliveries", mctx.Deliveries,
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if err != nil {
				log.Warn("message handling failed", append(attrs, "error", err)...)
				return err
			}
			log.Debug("message handled", attrs...)
			return nil
		}
	}
}

// RetryLoggerMiddleware logs redeliveries so operators can spot
// messages cycling through the backoff schedule.
func RetryLoggerMiddleware(log *slog.Logger) bus.Middleware {
	return func(next bus.HandlerFunc) bus.HandlerFunc {
		return func(ctx context.Context, body json.RawMessage, mctx *bus.MessageContext) error {
			if mctx.Deliveries > 1 {
				log.Info("redelivery",
					"subject", mctx.Subject,
					"event_id", mctx.EventID,
					"deliveries", mctx.Deliveries,
				)
			}
			return next(ctx, body, mctx)
		}
	}
}

// MetricsMiddleware records handler duration per subject.
func MetricsMiddleware(m *otel.Metrics) bus.Middleware {
	return func(next bus.HandlerFunc) bus.HandlerFunc {
		return func(ctx context.Context, body json.RawMessage, mctx *bus.MessageContext) error {
			start := time.Now()
			err := next(ctx, body, mctx)
			m.HandlerDuration.Record(ctx, time.Since(start).Seconds(),
				metric.WithAttributes(
					attribute.String("subject", mctx.Subject),
					attribute.Bool("error", err != nil),
				))
			return err
		}
	}
}

type dbConnKey struct{}

// DBConnMiddleware scopes one pooled database connection to the
// handler invocation. Handlers retrieve it with DBConn.
func DBConnMiddleware(pool *pgxpool.Pool) bus.Middleware {
	return func(next bus.HandlerFunc) bus.HandlerFunc {
		return func(ctx context.Context, body json.RawMessage, mctx *bus.MessageContext) error {
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return message.Transient(fmt.Errorf("acquire db connection: %w", err))
			}
			defer conn.Release()
			return next(context.WithValue(ctx, dbConnKey{}, conn), body, mctx)
		}
	}
}

// DBConn returns the connection scoped by DBConnMiddleware, or nil.
func DBConn(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(dbConnKey{}).(*pgxpool.Conn)
	return conn
}

// SchemaMiddleware validates the payload before the handler runs. A
// failed validation is malformed and never reaches the handler.
func SchemaMiddleware(v schema.Validator) bus.Middleware {
	return func(next bus.HandlerFunc) bus.HandlerFunc {
		return func(ctx context.Context, body json.RawMessage, mctx *bus.MessageContext) error {
			res := v.Validate(body)
			if !res.Valid {
				detail, _ := json.Marshal(res.Errors)
				return message.Malformed(fmt.Sprintf("schema validation failed: %s", detail), nil)
			}
			return next(ctx, body, mctx)
		}
	}
}

// BreakerMiddleware short-circuits handler calls while the circuit is
// open. ErrCircuitOpen classifies as transient, so rejected deliveries
// are nak'd and redelivered after the backoff.
func BreakerMiddleware(b *resilience.Breaker) bus.Middleware {
	return func(next bus.HandlerFunc) bus.HandlerFunc {
		return func(ctx context.Context, body json.RawMessage, mctx *bus.MessageContext) error {
			return b.Execute(func() error {
				return next(ctx, body, mctx)
			})
		}
	}
}
