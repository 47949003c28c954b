package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/port/outbox"
)

// stubOutboxStore is an in-memory outbox.Store for relay tests.
type stubOutboxStore struct {
	batch       []outbox.Record
	published   []string
	rescheduled []string
	failed      []string
	lastDelay   time.Duration
	lastAttempt int
}

func (s *stubOutboxStore) Insert(context.Context, pgx.Tx, *outbox.Record) error { return nil }

func (s *stubOutboxStore) ClaimBatch(context.Context, int) ([]outbox.Record, error) {
	b := s.batch
	s.batch = nil
	return b, nil
}

func (s *stubOutboxStore) MarkPublished(_ context.Context, eventID string) error {
	s.published = append(s.published, eventID)
	return nil
}

func (s *stubOutboxStore) Reschedule(_ context.Context, eventID string, attempts int, delay time.Duration, _ string) error {
	s.rescheduled = append(s.rescheduled, eventID)
	s.lastAttempt = attempts
	s.lastDelay = delay
	return nil
}

func (s *stubOutboxStore) MarkFailed(_ context.Context, eventID string, _ string) error {
	s.failed = append(s.failed, eventID)
	return nil
}

func (s *stubOutboxStore) RequeueFailed(context.Context) (int64, error) { return 0, nil }

func (s *stubOutboxStore) CountByStatus(context.Context) (map[outbox.Status]int64, error) {
	return nil, nil
}

func testOutboxConfig() config.Outbox {
	cfg := config.Defaults().Outbox
	cfg.Enabled = true
	cfg.MaxAttempts = 3
	cfg.Backoff = []time.Duration{time.Second, 5 * time.Second}
	return cfg
}

func TestRelay_PublishesAndMarks(t *testing.T) {
	js := &fakeJS{}
	store := &stubOutboxStore{batch: []outbox.Record{
		{EventID: "ev-1", Subject: "test.app1.users.user.created", Payload: []byte(`{}`)},
		{EventID: "ev-2", Subject: "test.app1.users.user.updated", Payload: []byte(`{}`)},
	}}
	r := NewRelay(js, store, testOutboxConfig(), nil, discardLogger())

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(js.published) != 2 {
		t.Fatalf("published %d messages", len(js.published))
	}
	if got := js.published[0].Header.Get("Nats-Msg-Id"); got != "ev-1" {
		t.Errorf("message id header = %q", got)
	}
	if len(store.published) != 2 {
		t.Errorf("marked published = %v", store.published)
	}
}

func TestRelay_ReschedulesOnFailure(t *testing.T) {
	js := &fakeJS{err: errors.New("nats: connection closed")}
	store := &stubOutboxStore{batch: []outbox.Record{
		{EventID: "ev-1", Subject: "test.app1.t", Payload: []byte(`{}`), Attempts: 0},
	}}
	r := NewRelay(js, store, testOutboxConfig(), nil, discardLogger())

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(store.rescheduled) != 1 {
		t.Fatalf("rescheduled = %v", store.rescheduled)
	}
	if store.lastAttempt != 1 {
		t.Errorf("attempts = %d, want 1", store.lastAttempt)
	}
	if store.lastDelay != time.Second {
		t.Errorf("delay = %v, want first schedule entry", store.lastDelay)
	}
	if len(store.failed) != 0 {
		t.Error("row marked failed before attempts exhausted")
	}
}

func TestRelay_AbandonsAfterMaxAttempts(t *testing.T) {
	js := &fakeJS{err: errors.New("nats: connection closed")}
	store := &stubOutboxStore{batch: []outbox.Record{
		{EventID: "ev-1", Subject: "test.app1.t", Payload: []byte(`{}`), Attempts: 2},
	}}
	r := NewRelay(js, store, testOutboxConfig(), nil, discardLogger())

	if err := r.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	if len(store.failed) != 1 {
		t.Fatalf("failed = %v, want the exhausted row", store.failed)
	}
	if len(store.rescheduled) != 0 {
		t.Error("exhausted row was rescheduled")
	}
}

func TestBackoffDelay(t *testing.T) {
	schedule := []time.Duration{time.Second, 5 * time.Second, 15 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 5 * time.Second},
		{3, 15 * time.Second},
		{9, 15 * time.Second}, // last entry repeats
	}
	for _, tt := range tests {
		if got := backoffDelay(schedule, tt.attempt); got != tt.want {
			t.Errorf("backoffDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
	if got := backoffDelay(nil, 1); got != time.Second {
		t.Errorf("empty schedule = %v, want 1s", got)
	}
}
