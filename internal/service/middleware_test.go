package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/domain/message"
	"github.com/Strob0t/EventForge/internal/port/bus"
	"github.com/Strob0t/EventForge/internal/port/schema"
	"github.com/Strob0t/EventForge/internal/resilience"
)

func TestChain_Order(t *testing.T) {
	var calls []string
	mk := func(name string) bus.Middleware {
		return func(next bus.HandlerFunc) bus.HandlerFunc {
			return func(ctx context.Context, body json.RawMessage, mctx *bus.MessageContext) error {
				calls = append(calls, name)
				return next(ctx, body, mctx)
			}
		}
	}

	h := Chain(func(context.Context, json.RawMessage, *bus.MessageContext) error {
		calls = append(calls, "handler")
		return nil
	}, mk("first"), mk("second"))

	if err := h(context.Background(), nil, &bus.MessageContext{}); err != nil {
		t.Fatalf("chain: %v", err)
	}

	want := []string{"first", "second", "handler"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want %v", calls, want)
		}
	}
}

func TestChain_ShortCircuit(t *testing.T) {
	blocked := errors.New("blocked")
	stop := func(bus.HandlerFunc) bus.HandlerFunc {
		return func(context.Context, json.RawMessage, *bus.MessageContext) error {
			return blocked
		}
	}

	reached := false
	h := Chain(func(context.Context, json.RawMessage, *bus.MessageContext) error {
		reached = true
		return nil
	}, stop)

	if err := h(context.Background(), nil, &bus.MessageContext{}); !errors.Is(err, blocked) {
		t.Fatalf("err = %v", err)
	}
	if reached {
		t.Error("handler ran after middleware short-circuited")
	}
}

func TestSchemaMiddleware(t *testing.T) {
	v := &schema.JSONValidator{
		Required:   []string{"id"},
		Properties: map[string]string{"id": schema.TypeString},
	}

	reached := false
	h := Chain(func(context.Context, json.RawMessage, *bus.MessageContext) error {
		reached = true
		return nil
	}, SchemaMiddleware(v))

	err := h(context.Background(), json.RawMessage(`{"name":"x"}`), &bus.MessageContext{})
	if message.Classify(err) != message.KindMalformed {
		t.Fatalf("invalid payload classified as %v, want malformed", message.Classify(err))
	}
	if reached {
		t.Error("handler ran on invalid payload")
	}

	if err := h(context.Background(), json.RawMessage(`{"id":"u1"}`), &bus.MessageContext{}); err != nil {
		t.Fatalf("valid payload: %v", err)
	}
	if !reached {
		t.Error("handler did not run on valid payload")
	}
}

func TestBreakerMiddleware_OpenIsTransient(t *testing.T) {
	b := resilience.NewBreaker(config.Breaker{MaxFailures: 1, Timeout: time.Minute, HalfOpenMax: 1})
	boom := errors.New("boom")

	h := Chain(func(context.Context, json.RawMessage, *bus.MessageContext) error {
		return boom
	}, BreakerMiddleware(b))

	// First failure trips the breaker.
	if err := h(context.Background(), nil, &bus.MessageContext{}); !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}

	err := h(context.Background(), nil, &bus.MessageContext{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if message.Classify(err) != message.KindTransient {
		t.Errorf("open circuit classified as %v, want transient", message.Classify(err))
	}
}
