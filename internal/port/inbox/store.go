// Package inbox defines the idempotent inbox port.
package inbox

import (
	"context"
	"time"
)

// Status is the lifecycle state of an inbox row.
type Status string

const (
	StatusReceived   Status = "received"
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// ClaimResult is the outcome of an idempotency claim.
type ClaimResult int

const (
	// ClaimNew means this worker owns the event and must process it.
	ClaimNew ClaimResult = iota
	// ClaimInProgress means another worker holds the event right now.
	ClaimInProgress
	// ClaimProcessed means the event already completed; ack and stop.
	ClaimProcessed
)

// Record is one delivery's idempotency row, keyed by event id.
type Record struct {
	EventID     string
	Subject     string
	Stream      string
	StreamSeq   uint64
	Status      Status
	Deliveries  int
	ReceivedAt  time.Time
	ProcessedAt *time.Time
	LastError   string
}

// Store persists inbox rows. Claim is the sole primitive the processor
// uses on the hot path; it must be a single atomic insert-or-inspect.
type Store interface {
	// Claim registers the event as processing. A row already in
	// processed yields ClaimProcessed; a live row owned by another
	// worker yields ClaimInProgress.
	Claim(ctx context.Context, eventID, subject, stream string, streamSeq uint64) (ClaimResult, error)

	// MarkProcessed finalizes a successful handler run.
	MarkProcessed(ctx context.Context, eventID string) error

	// MarkFailed records a handler failure and releases the claim so a
	// redelivery can try again.
	MarkFailed(ctx context.Context, eventID string, lastError string) error

	// Sweep deletes processed rows older than the retention cutoff,
	// returning the number of rows removed.
	Sweep(ctx context.Context, olderThan time.Time) (int64, error)
}
