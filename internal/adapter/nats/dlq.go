package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/EventForge/internal/domain/message"
)

// DLQError wraps a failed dead-letter publish. The processor degrades
// the action to a nak when it sees one, so the original message stays
// redeliverable.
type DLQError struct {
	Subject string
	Err     error
}

func (e *DLQError) Error() string {
	return "dlq publish to " + e.Subject + ": " + e.Err.Error()
}

func (e *DLQError) Unwrap() error { return e.Err }

// DLQ publishes failure records to the environment's dead-letter
// subject and supports reading them back for inspection and replay.
type DLQ struct {
	js          jetstream.JetStream
	env         string
	app         string
	subject     string
	maxAttempts int
}

// NewDLQ creates a DLQ bound to {env}.{app}.dlq. maxAttempts bounds the
// publish retries before a record is given up on.
func NewDLQ(conn *Conn, env, app string, maxAttempts int) *DLQ {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &DLQ{
		js:          conn.JetStream(),
		env:         env,
		app:         app,
		subject:     message.DLQSubject(env, app),
		maxAttempts: maxAttempts,
	}
}

// Subject returns the dead-letter subject this DLQ publishes to.
func (d *DLQ) Subject() string { return d.subject }

// Publish parks a failure record on the dead-letter subject with the
// diagnostic headers attached.
func (d *DLQ) Publish(ctx context.Context, rec *message.DLQRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return &DLQError{Subject: d.subject, Err: err}
	}

	msg := &nats.Msg{
		Subject: d.subject,
		Data:    data,
		Header:  nats.Header{},
	}
	msg.Header.Set(message.HeaderDeadLetter, "true")
	msg.Header.Set(message.HeaderDLQReason, string(rec.Reason))
	msg.Header.Set(message.HeaderDeliveries, strconv.FormatUint(rec.Deliveries, 10))
	if rec.EventID != "" {
		msg.Header.Set(message.HeaderEventID, rec.EventID)
	}
	if rec.TraceID != "" {
		msg.Header.Set(message.HeaderTraceID, rec.TraceID)
	}

	var last error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if _, last = d.js.PublishMsg(ctx, msg); last == nil {
			return nil
		}
		if attempt < d.maxAttempts {
			select {
			case <-ctx.Done():
				return &DLQError{Subject: d.subject, Err: ctx.Err()}
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	return &DLQError{Subject: d.subject, Err: last}
}

// Entry is a parked record with its stream sequence, for the ops surface.
type Entry struct {
	Seq    uint64             `json:"seq"`
	Record *message.DLQRecord `json:"record"`
}

// List reads up to limit records from the dead-letter subject via an
// ephemeral consumer.
func (d *DLQ) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	stream, err := d.js.Stream(ctx, StreamName(d.env))
	if err != nil {
		return nil, fmt.Errorf("dlq list: %w", err)
	}
	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject: d.subject,
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("dlq list consumer: %w", err)
	}

	entries := make([]Entry, 0, limit)
	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(time.Second))
	if err != nil {
		return entries, nil // empty subject or fetch window elapsed
	}
	for msg := range batch.Messages() {
		var rec message.DLQRecord
		if err := json.Unmarshal(msg.Data(), &rec); err != nil {
			continue
		}
		var seq uint64
		if meta, err := msg.Metadata(); err == nil {
			seq = meta.Sequence.Stream
		}
		entries = append(entries, Entry{Seq: seq, Record: &rec})
	}
	return entries, nil
}

// Replay republishes a parked record to its original subject with a
// fresh message id, then deletes the DLQ entry. The replayed message
// re-enters the normal delivery pipeline from attempt one.
func (d *DLQ) Replay(ctx context.Context, seq uint64) error {
	stream, err := d.js.Stream(ctx, StreamName(d.env))
	if err != nil {
		return fmt.Errorf("dlq replay: %w", err)
	}

	raw, err := stream.GetMsg(ctx, seq)
	if err != nil {
		return fmt.Errorf("dlq replay: get seq %d: %w", seq, err)
	}
	if raw.Subject != d.subject {
		return fmt.Errorf("dlq replay: seq %d is not a dead letter (subject %s)", seq, raw.Subject)
	}

	var rec message.DLQRecord
	if err := json.Unmarshal(raw.Data, &rec); err != nil {
		return fmt.Errorf("dlq replay: decode record: %w", err)
	}

	payload, err := base64.StdEncoding.DecodeString(rec.RawPayload)
	if err != nil {
		return fmt.Errorf("dlq replay: decode payload: %w", err)
	}

	msg := &nats.Msg{
		Subject: rec.OriginalSubject,
		Data:    payload,
		Header:  nats.Header{},
	}
	// A fresh message id so the dedup window does not swallow the replay.
	msg.Header.Set(nats.MsgIdHdr, message.NewEventID())

	if _, err := d.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("dlq replay: publish: %w", err)
	}
	return stream.DeleteMsg(ctx, seq)
}
