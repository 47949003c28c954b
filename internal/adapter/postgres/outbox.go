package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/EventForge/internal/port/outbox"
)

// OutboxStore implements outbox.Store on PostgreSQL. Relay workers
// coordinate through FOR UPDATE SKIP LOCKED so a row is never published
// twice concurrently.
type OutboxStore struct {
	pool  *pgxpool.Pool
	table string
}

// NewOutboxStore creates an OutboxStore using the given table name.
func NewOutboxStore(pool *pgxpool.Pool, table string) *OutboxStore {
	if table == "" {
		table = "event_outbox"
	}
	return &OutboxStore{pool: pool, table: table}
}

// Insert adds a pending record within the caller's transaction.
func (s *OutboxStore) Insert(ctx context.Context, tx pgx.Tx, rec *outbox.Record) error {
	headers := rec.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	err := tx.QueryRow(ctx, fmt.Sprintf(
		`INSERT INTO %s (event_id, subject, payload, headers)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, status, created_at, next_attempt_at`, s.table),
		rec.EventID, rec.Subject, rec.Payload, headers).
		Scan(&rec.ID, &rec.Status, &rec.CreatedAt, &rec.NextAttemptAt)
	if err != nil {
		return fmt.Errorf("insert outbox %s: %w", rec.EventID, err)
	}
	return nil
}

// ClaimBatch selects up to limit due pending rows, flips them to
// publishing and returns them. The claim and the flip happen in one
// transaction with row locks held only for its duration.
func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int) ([]outbox.Record, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, fmt.Sprintf(
		`SELECT id, event_id, subject, payload, headers, attempts, created_at, next_attempt_at
		 FROM %s
		 WHERE status = 'pending' AND next_attempt_at <= now()
		 ORDER BY next_attempt_at ASC, id ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, s.table), limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}

	var records []outbox.Record
	for rows.Next() {
		var rec outbox.Record
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Subject, &rec.Payload,
			&rec.Headers, &rec.Attempts, &rec.CreatedAt, &rec.NextAttemptAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		rec.Status = outbox.StatusPublishing
		records = append(records, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(records) == 0 {
		return nil, tx.Commit(ctx)
	}

	ids := make([]int64, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'publishing' WHERE id = ANY($1)`, s.table), ids); err != nil {
		return nil, fmt.Errorf("mark publishing: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return records, nil
}

// MarkPublished transitions a claimed row to its terminal state.
func (s *OutboxStore) MarkPublished(ctx context.Context, eventID string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'published', last_error = NULL WHERE event_id = $1`, s.table), eventID)
	if err != nil {
		return fmt.Errorf("mark published %s: %w", eventID, err)
	}
	return nil
}

// Reschedule returns a claimed row to pending for a later attempt.
func (s *OutboxStore) Reschedule(ctx context.Context, eventID string, attempts int, delay time.Duration, lastError string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s
		 SET status = 'pending', attempts = $2, last_error = $3,
		     next_attempt_at = now() + $4::interval
		 WHERE event_id = $1`, s.table),
		eventID, attempts, lastError, fmt.Sprintf("%f seconds", delay.Seconds()))
	if err != nil {
		return fmt.Errorf("reschedule %s: %w", eventID, err)
	}
	return nil
}

// MarkFailed parks a row after the relay's attempts are exhausted.
func (s *OutboxStore) MarkFailed(ctx context.Context, eventID string, lastError string) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s SET status = 'failed', last_error = $2 WHERE event_id = $1`, s.table),
		eventID, lastError)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", eventID, err)
	}
	return nil
}

// RequeueFailed moves failed rows back to pending for administrative replay.
func (s *OutboxStore) RequeueFailed(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(
		`UPDATE %s
		 SET status = 'pending', attempts = 0, last_error = NULL, next_attempt_at = now()
		 WHERE status = 'failed'`, s.table))
	if err != nil {
		return 0, fmt.Errorf("requeue failed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus reports row counts per status.
func (s *OutboxStore) CountByStatus(ctx context.Context) (map[outbox.Status]int64, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT status, COUNT(*) FROM %s GROUP BY status`, s.table))
	if err != nil {
		return nil, fmt.Errorf("count outbox: %w", err)
	}
	defer rows.Close()

	counts := make(map[outbox.Status]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan outbox count: %w", err)
		}
		counts[outbox.Status(status)] = count
	}
	return counts, rows.Err()
}
