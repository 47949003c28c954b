package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// DLQReason says why a message was parked on the dead-letter subject.
type DLQReason string

const (
	ReasonHandlerError       DLQReason = "handler_error"
	ReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
	ReasonValidationFailed   DLQReason = "validation_failed"
	ReasonUnrecoverable      DLQReason = "unrecoverable"
)

// DLQ message headers.
const (
	HeaderDeadLetter = "x-dead-letter"
	HeaderDLQReason  = "x-dlq-reason"
	HeaderDeliveries = "x-deliveries"
	HeaderEventID    = "x-event-id"
	HeaderTraceID    = "x-trace-id"
)

// DLQRecord is the body published to the DLQ subject. RawPayload keeps
// the original bytes base64-encoded so nothing is lost even when the
// envelope itself failed to decode.
type DLQRecord struct {
	EventID         string          `json:"event_id"`
	OriginalSubject string          `json:"original_subject"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	RawPayload      string          `json:"raw_payload"`
	Headers         map[string]string `json:"headers,omitempty"`
	Deliveries      uint64          `json:"deliveries"`
	Reason          DLQReason       `json:"reason"`
	Error           string          `json:"error,omitempty"`
	OccurredAt      string          `json:"occurred_at"`
	TraceID         string          `json:"trace_id,omitempty"`
}

// NewDLQRecord builds a DLQRecord from the original message bytes. The
// parsed payload is attached only when the bytes are valid JSON.
func NewDLQRecord(subject string, raw []byte, reason DLQReason, cause error, deliveries uint64, now time.Time) *DLQRecord {
	rec := &DLQRecord{
		OriginalSubject: subject,
		RawPayload:      base64.StdEncoding.EncodeToString(raw),
		Deliveries:      deliveries,
		Reason:          reason,
		OccurredAt:      now.UTC().Format(time.RFC3339),
	}
	if cause != nil {
		rec.Error = fmt.Sprintf("%T: %v", cause, cause)
	}
	if json.Valid(raw) {
		rec.Payload = json.RawMessage(raw)
	}
	if env, err := Decode(raw, false); err == nil {
		rec.EventID = env.EventID
		rec.TraceID = env.TraceID
	}
	return rec
}
