package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/port/inbox"
	"github.com/Strob0t/EventForge/internal/port/outbox"
)

// testPool connects to Postgres and applies migrations, or skips the
// test if DATABASE_URL is not set.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("requires DATABASE_URL")
	}

	ctx := context.Background()
	if err := RunMigrations(ctx, dsn); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}

	cfg := config.Defaults().Postgres
	cfg.DSN = dsn
	pool, err := NewPool(ctx, cfg)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func pendingRecord(subject string) *outbox.Record {
	return &outbox.Record{
		EventID: uuid.NewString(),
		Subject: subject,
		Payload: []byte(`{"event_id":"x"}`),
		Headers: map[string]string{"Nats-Msg-Id": "x"},
	}
}

func insertPending(t *testing.T, pool *pgxpool.Pool, store *OutboxStore, rec *outbox.Record) {
	t.Helper()
	ctx := context.Background()
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.Insert(ctx, tx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestOutboxStore_InsertRollback(t *testing.T) {
	pool := testPool(t)
	store := NewOutboxStore(pool, "")
	ctx := context.Background()

	rec := pendingRecord("test.app1.orders.order.placed")
	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.Insert(ctx, tx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	var count int
	err = pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_outbox WHERE event_id = $1`, rec.EventID).Scan(&count)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Errorf("rolled-back insert left %d rows", count)
	}
}

func TestOutboxStore_ClaimLifecycle(t *testing.T) {
	pool := testPool(t)
	store := NewOutboxStore(pool, "")
	ctx := context.Background()

	rec := pendingRecord("test.app1.users.user.created")
	insertPending(t, pool, store, rec)

	claimed, err := store.ClaimBatch(ctx, 100)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	var mine *outbox.Record
	for i := range claimed {
		if claimed[i].EventID == rec.EventID {
			mine = &claimed[i]
		}
	}
	if mine == nil {
		t.Fatal("inserted row not claimed")
	}
	if mine.Status != outbox.StatusPublishing {
		t.Errorf("status = %q", mine.Status)
	}

	// A second claim must not return the same row.
	claimed2, err := store.ClaimBatch(ctx, 100)
	if err != nil {
		t.Fatalf("ClaimBatch #2: %v", err)
	}
	for _, c := range claimed2 {
		if c.EventID == rec.EventID {
			t.Error("row claimed twice")
		}
	}

	if err := store.MarkPublished(ctx, rec.EventID); err != nil {
		t.Fatalf("MarkPublished: %v", err)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM event_outbox WHERE event_id = $1`, rec.EventID).Scan(&status); err != nil {
		t.Fatalf("select: %v", err)
	}
	if status != "published" {
		t.Errorf("status = %q, want published", status)
	}
}

func TestOutboxStore_RescheduleAndFail(t *testing.T) {
	pool := testPool(t)
	store := NewOutboxStore(pool, "")
	ctx := context.Background()

	rec := pendingRecord("test.app1.users.user.created")
	insertPending(t, pool, store, rec)

	if _, err := store.ClaimBatch(ctx, 100); err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}

	if err := store.Reschedule(ctx, rec.EventID, 1, time.Hour, "broker down"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}

	// Due in an hour, so not claimable yet.
	claimed, err := store.ClaimBatch(ctx, 100)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	for _, c := range claimed {
		if c.EventID == rec.EventID {
			t.Error("rescheduled row claimed before its due time")
		}
	}

	if err := store.MarkFailed(ctx, rec.EventID, "gave up"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	requeued, err := store.RequeueFailed(ctx)
	if err != nil {
		t.Fatalf("RequeueFailed: %v", err)
	}
	if requeued < 1 {
		t.Errorf("requeued = %d, want >= 1", requeued)
	}
}

func TestInboxStore_ClaimDedup(t *testing.T) {
	pool := testPool(t)
	store := NewInboxStore(pool, "")
	ctx := context.Background()

	eventID := uuid.NewString()

	res, err := store.Claim(ctx, eventID, "test.app1.t", "TEST_EVENTS", 1)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if res != inbox.ClaimNew {
		t.Fatalf("first claim = %v, want ClaimNew", res)
	}

	// Second claim while processing: in progress.
	res, err = store.Claim(ctx, eventID, "test.app1.t", "TEST_EVENTS", 1)
	if err != nil {
		t.Fatalf("Claim #2: %v", err)
	}
	if res != inbox.ClaimInProgress {
		t.Errorf("claim during processing = %v, want ClaimInProgress", res)
	}

	if err := store.MarkProcessed(ctx, eventID); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	// Claim after processed: terminal.
	res, err = store.Claim(ctx, eventID, "test.app1.t", "TEST_EVENTS", 1)
	if err != nil {
		t.Fatalf("Claim #3: %v", err)
	}
	if res != inbox.ClaimProcessed {
		t.Errorf("claim after processed = %v, want ClaimProcessed", res)
	}
}

func TestInboxStore_FailedRowIsRetakeable(t *testing.T) {
	pool := testPool(t)
	store := NewInboxStore(pool, "")
	ctx := context.Background()

	eventID := uuid.NewString()

	if _, err := store.Claim(ctx, eventID, "test.app1.t", "TEST_EVENTS", 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.MarkFailed(ctx, eventID, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	res, err := store.Claim(ctx, eventID, "test.app1.t", "TEST_EVENTS", 1)
	if err != nil {
		t.Fatalf("Claim after failure: %v", err)
	}
	if res != inbox.ClaimNew {
		t.Errorf("claim of failed row = %v, want ClaimNew", res)
	}
}

func TestInboxStore_Sweep(t *testing.T) {
	pool := testPool(t)
	store := NewInboxStore(pool, "")
	ctx := context.Background()

	eventID := uuid.NewString()
	if _, err := store.Claim(ctx, eventID, "test.app1.t", "TEST_EVENTS", 1); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.MarkProcessed(ctx, eventID); err != nil {
		t.Fatalf("MarkProcessed: %v", err)
	}

	// A row still processing has no processed_at and must survive any cutoff.
	inFlightID := uuid.NewString()
	if _, err := store.Claim(ctx, inFlightID, "test.app1.t", "TEST_EVENTS", 2); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Sweep with a future cutoff removes the processed row.
	removed, err := store.Sweep(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed < 1 {
		t.Errorf("removed = %d, want >= 1", removed)
	}

	var count int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_inbox WHERE event_id = $1`, eventID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Error("processed row survived sweep")
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM event_inbox WHERE event_id = $1`, inFlightID).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Error("in-flight row was swept")
	}
}
