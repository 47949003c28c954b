// Package outbox defines the transactional outbox port.
package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Status is the lifecycle state of an outbox row.
type Status string

const (
	StatusPending    Status = "pending"
	StatusPublishing Status = "publishing"
	StatusPublished  Status = "published"
	StatusFailed     Status = "failed"
)

// Record is one event awaiting relay to the broker. Exactly one row
// exists per EventID; Published is terminal except for administrative
// replay.
type Record struct {
	ID            int64
	EventID       string
	Subject       string
	Payload       []byte
	Headers       map[string]string
	Status        Status
	Attempts      int
	LastError     string
	CreatedAt     time.Time
	NextAttemptAt time.Time
}

// Store persists outbox rows. Insert runs inside the caller's
// transaction so the event is recorded iff the transaction commits.
type Store interface {
	// Insert adds a pending record within tx.
	Insert(ctx context.Context, tx pgx.Tx, rec *Record) error

	// ClaimBatch atomically selects up to limit due pending rows and
	// flips them to publishing. Concurrent relays never claim the same
	// row (FOR UPDATE SKIP LOCKED or equivalent).
	ClaimBatch(ctx context.Context, limit int) ([]Record, error)

	// MarkPublished transitions a claimed row to its terminal state.
	MarkPublished(ctx context.Context, eventID string) error

	// Reschedule returns a claimed row to pending with the attempt count
	// bumped and the next attempt due after delay.
	Reschedule(ctx context.Context, eventID string, attempts int, delay time.Duration, lastError string) error

	// MarkFailed parks a row after the relay's attempts are exhausted.
	MarkFailed(ctx context.Context, eventID string, lastError string) error

	// RequeueFailed moves failed rows back to pending for replay.
	// Returns the number of rows requeued.
	RequeueFailed(ctx context.Context) (int64, error)

	// CountByStatus reports row counts per status for the ops surface.
	CountByStatus(ctx context.Context) (map[Status]int64, error)
}
