package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/EventForge/internal/port/inbox"
)

// staleClaimAge is how long a processing row may sit before a
// redelivery is allowed to retake it (previous worker died mid-flight).
const staleClaimAge = 5 * time.Minute

// InboxStore implements inbox.Store on PostgreSQL. Workers race on the
// event_id primary key, never on process-local state.
type InboxStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewInboxStore creates an InboxStore using the given table name.
func NewInboxStore(pool *pgxpool.Pool, table string) *InboxStore {
	if table == "" {
		table = "event_inbox"
	}
	return &InboxStore{pool: pool, table: table}
}

// Claim registers the event as processing. The insert is the atomic
// primitive: exactly one worker creates the row. Losers inspect the
// existing row and either stop (processed), back off (processing) or
// retake it (failed, or processing gone stale).
func (s *InboxStore) Claim(ctx context.Context, eventID, subject, stream string, streamSeq uint64) (inbox.ClaimResult, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`INSERT INTO %s (event_id, subject, stream, stream_seq, status, deliveries)
		 VALUES ($1, $2, $3, $4, 'processing', 1)
		 ON CONFLICT (event_id) DO NOTHING`, s.table),
		eventID, subject, stream, streamSeq)
	if err != nil {
		return inbox.ClaimInProgress, fmt.Errorf("claim inbox %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 1 {
		return inbox.ClaimNew, nil
	}

	var status string
	var receivedAt time.Time
	err = s.pool.QueryRow(ctx, fmt.Sprintf(
		`SELECT status, received_at FROM %s WHERE event_id = $1`, s.table), eventID).
		Scan(&status, &receivedAt)
	if err != nil {
		return inbox.ClaimInProgress, fmt.Errorf("inspect inbox %s: %w", eventID, err)
	}

	switch inbox.Status(status) {
	case inbox.StatusProcessed:
		return inbox.ClaimProcessed, nil
	case inbox.StatusFailed:
		return s.retake(ctx, eventID, inbox.StatusFailed, time.Time{})
	case inbox.StatusProcessing, inbox.StatusReceived:
		if time.Since(receivedAt) > staleClaimAge {
			return s.retake(ctx, eventID, inbox.Status(status), receivedAt)
		}
		return inbox.ClaimInProgress, nil
	default:
		return inbox.ClaimInProgress, fmt.Errorf("inbox %s: unexpected status %q", eventID, status)
	}
}

// retake flips a failed or stale row back to processing. The WHERE
// clause re-checks the observed state so only one of several racing
// redeliveries wins.
func (s *InboxStore) retake(ctx context.Context, eventID string, observed inbox.Status, receivedAt time.Time) (inbox.ClaimResult, error) {
	var tagQuery string
	args := []any{eventID, string(observed)}
	if receivedAt.IsZero() {
		tagQuery = fmt.Sprintf(
			`UPDATE %s SET status = 'processing', received_at = now(), deliveries = deliveries + 1
			 WHERE event_id = $1 AND status = $2`, s.table)
	} else {
		tagQuery = fmt.Sprintf(
			`UPDATE %s SET status = 'processing', received_at = now(), deliveries = deliveries + 1
			 WHERE event_id = $1 AND status = $2 AND received_at = $3`, s.table)
		args = append(args, receivedAt)
	}

	tag, err := s.pool.Exec(ctx, tagQuery, args...)
	if err != nil {
		return inbox.ClaimInProgress, fmt.Errorf("retake inbox %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 1 {
		return inbox.ClaimNew, nil
	}
	return inbox.ClaimInProgress, nil
}

// MarkProcessed finalizes a successful handler run.
func (s *InboxStore) MarkProcessed(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s
		 SET status = 'processed', processed_at = now(), last_error = NULL
		 WHERE event_id = $1`, s.table), eventID)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", eventID, err)
	}
	return nil
}

// MarkFailed records a handler failure and releases the claim.
func (s *InboxStore) MarkFailed(ctx context.Context, eventID string, lastError string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'failed', last_error = $2
		 WHERE event_id = $1 AND status <> 'processed'`, s.table), eventID, lastError)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", eventID, err)
	}
	return nil
}

// Sweep deletes rows processed before the cutoff. Retention counts
// from when the row finished, not from when it arrived.
func (s *InboxStore) Sweep(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE status = 'processed' AND processed_at < $1`, s.table), olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep inbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
