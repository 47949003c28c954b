package nats

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/domain/message"
)

func TestStreamName(t *testing.T) {
	tests := []struct {
		env  string
		want string
	}{
		{"test", "TEST_EVENTS"},
		{"Prod-EU", "PROD-EU_EVENTS"},
		{"dev.local", "DEV_LOCAL_EVENTS"},
	}
	for _, tt := range tests {
		if got := StreamName(tt.env); got != tt.want {
			t.Errorf("StreamName(%q) = %q, want %q", tt.env, got, tt.want)
		}
	}
}

func TestSubjectsCover(t *testing.T) {
	tests := []struct {
		name string
		have []string
		want string
		ok   bool
	}{
		{"exact", []string{"test.>"}, "test.>", true},
		{"tail superset", []string{"test.>"}, "test.app1.>", true},
		{"wider tail", []string{">"}, "test.>", true},
		{"disjoint", []string{"other.>"}, "test.>", false},
		{"narrower", []string{"test.app1.orders"}, "test.>", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := subjectsCover(tt.have, tt.want); got != tt.ok {
				t.Errorf("subjectsCover(%v, %q) = %v, want %v", tt.have, tt.want, got, tt.ok)
			}
		})
	}
}

// testConn connects to NATS or skips the test if NATS_URL is not set.
func testConn(t *testing.T) (*Conn, *config.Config) {
	t.Helper()

	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("requires NATS_URL")
	}

	cfg := config.Defaults()
	cfg.NATS.URLs = []string{url}
	cfg.Bus.Env = "eftest"
	cfg.Bus.App = "app1"

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	conn, err := Connect(cfg.NATS, log)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(conn.Close)

	topo := NewTopology(conn, &cfg, log)
	if err := topo.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	return conn, &cfg
}

func TestConn_DrainWaitsForClose(t *testing.T) {
	conn, _ := testConn(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	// Once Drain returns the connection is fully closed, not merely
	// flushing in the background.
	if conn.IsConnected() {
		t.Error("connection still up after Drain returned")
	}
	if err := conn.RTT(ctx); !errors.Is(err, ErrNotConnected) {
		t.Errorf("RTT after drain = %v, want ErrNotConnected", err)
	}
}

func TestTopology_EnsureIdempotent(t *testing.T) {
	conn, cfg := testConn(t)
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	topo := NewTopology(conn, cfg, log)

	// A second ensure of the same configuration is a no-op.
	if err := topo.Ensure(context.Background()); err != nil {
		t.Fatalf("second Ensure: %v", err)
	}

	info, err := topo.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.Config.Name != "EFTEST_EVENTS" {
		t.Errorf("stream name = %q", info.Config.Name)
	}
}

func TestTopology_IncompatibleStream(t *testing.T) {
	conn, cfg := testConn(t)
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// An engine configured for a different env whose stream name
	// collides must refuse rather than silently adopt the stream.
	narrow := *cfg
	narrow.Bus.Env = "eftest"
	topo := NewTopology(conn, &narrow, log)

	// Force a verify against a hand-narrowed want list by asking the
	// existing stream to cover a foreign env.
	stream, err := conn.JetStream().Stream(context.Background(), StreamName("eftest"))
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if err := topo.verify(context.Background(), StreamName("eftest"), stream, []string{"otherenv.>"}); err == nil {
		t.Error("expected TopologyError for non-covered subject")
	} else {
		var topoErr *TopologyError
		if !errors.As(err, &topoErr) {
			t.Errorf("want TopologyError, got %v", err)
		}
	}
}

func TestDLQ_PublishAndList(t *testing.T) {
	conn, cfg := testConn(t)
	ctx := context.Background()

	dlq := NewDLQ(conn, cfg.Bus.Env, cfg.Bus.App, cfg.DLQ.MaxAttempts)
	if dlq.Subject() != "eftest.app1.dlq" {
		t.Fatalf("Subject = %q", dlq.Subject())
	}

	rec := message.NewDLQRecord("eftest.app1.users.user.created",
		[]byte(`{"broken":`), message.ReasonHandlerError, errors.New("boom"), 2, time.Now())
	if err := dlq.Publish(ctx, rec); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	entries, err := dlq.List(ctx, 100)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Record.OriginalSubject == "eftest.app1.users.user.created" &&
			e.Record.Reason == message.ReasonHandlerError {
			found = true
		}
	}
	if !found {
		t.Error("published record not listed")
	}
}
