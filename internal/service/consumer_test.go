package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/Strob0t/EventForge/internal/port/bus"
	"github.com/Strob0t/EventForge/internal/port/schema"
)

func TestConsumer_BindComposesChains(t *testing.T) {
	reg := NewRegistry(testBusConfig())

	plain := &stubHandler{filters: []string{"users.user.created"}}
	validated := &stubHandler{
		filters: []string{"users.user.created"},
		opts: &bus.Options{Schema: &schema.JSONValidator{
			Required: []string{"id"},
		}},
	}
	if err := reg.Register(plain); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(validated); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c := NewConsumer(nil, "TEST_EVENTS", testBusConfig(), reg, nil, discardLogger())
	c.Bind(nil, nil)

	dispatches := c.chains["test.app1.users.user.created"]
	if len(dispatches) != 2 {
		t.Fatalf("dispatches = %d, want 2", len(dispatches))
	}

	mctx := &bus.MessageContext{}
	body := json.RawMessage(`{"name":"no id"}`)

	// The plain handler accepts anything.
	if err := dispatches[0].chain(context.Background(), body, mctx); err != nil {
		t.Errorf("plain chain: %v", err)
	}
	// The validated handler's chain rejects the payload before the
	// handler runs.
	if err := dispatches[1].chain(context.Background(), body, mctx); err == nil {
		t.Error("schema chain accepted an invalid payload")
	}
	if len(validated.handled) != 0 {
		t.Error("validated handler ran on invalid payload")
	}
}
