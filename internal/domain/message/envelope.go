package message

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the JSON structure wrapping every user message on the
// wire. EventID doubles as the broker message-id for publish dedup.
type Envelope struct {
	EventID       string `json:"event_id"`
	SchemaVersion int    `json:"schema_version"`
	Topic         string `json:"topic"`
	Producer      string `json:"producer"`
	OccurredAt    string `json:"occurred_at"`

	TraceID       string `json:"trace_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	MessageType   string `json:"message_type,omitempty"`

	// Present when the publisher used the domain/resource/action form.
	Domain     string `json:"domain,omitempty"`
	Resource   string `json:"resource,omitempty"`
	Action     string `json:"action,omitempty"`
	ResourceID string `json:"resource_id,omitempty"`

	Message json.RawMessage `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`

	// Unknown top-level fields survive a decode/encode round trip
	// unless strict decoding is enabled.
	Extra map[string]json.RawMessage `json:"-"`
}

// envelopeFields lists the recognized top-level keys. Anything else is
// collected into Extra (lenient) or rejected (strict).
var envelopeFields = map[string]bool{
	"event_id": true, "schema_version": true, "topic": true,
	"producer": true, "occurred_at": true, "trace_id": true,
	"correlation_id": true, "message_type": true, "domain": true,
	"resource": true, "action": true, "resource_id": true,
	"message": true, "payload": true,
}

// NewEventID returns a fresh UUIDv4 for use as an envelope event id.
func NewEventID() string {
	return uuid.NewString()
}

// Stamp fills in the fields the caller may omit: EventID, OccurredAt
// (now, UTC, RFC3339) and SchemaVersion (1).
func (e *Envelope) Stamp(now time.Time) {
	if e.EventID == "" {
		e.EventID = NewEventID()
	}
	if e.OccurredAt == "" {
		e.OccurredAt = now.UTC().Format(time.RFC3339)
	}
	if e.SchemaVersion == 0 {
		e.SchemaVersion = 1
	}
}

// Body returns the user value, preferring "message" over "payload".
func (e *Envelope) Body() json.RawMessage {
	if len(e.Message) > 0 {
		return e.Message
	}
	return e.Payload
}

// Validate checks the required envelope fields.
func (e *Envelope) Validate() error {
	if e.EventID == "" {
		return Malformed("event_id is required", nil)
	}
	if _, err := uuid.Parse(e.EventID); err != nil {
		return Malformed(fmt.Sprintf("event_id %q is not a UUID", e.EventID), err)
	}
	if e.SchemaVersion < 1 {
		return Malformed("schema_version must be >= 1", nil)
	}
	if e.Topic == "" {
		return Malformed("topic is required", nil)
	}
	if e.Producer == "" {
		return Malformed("producer is required", nil)
	}
	if e.OccurredAt == "" {
		return Malformed("occurred_at is required", nil)
	}
	if _, err := time.Parse(time.RFC3339, e.OccurredAt); err != nil {
		return Malformed(fmt.Sprintf("occurred_at %q is not RFC3339", e.OccurredAt), err)
	}
	return nil
}

// Encode serializes the envelope, merging preserved unknown fields back
// into the top level.
func Encode(e *Envelope) ([]byte, error) {
	type alias Envelope
	base, err := json.Marshal((*alias)(e))
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	if len(e.Extra) == 0 {
		return base, nil
	}

	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	for k, v := range e.Extra {
		if !envelopeFields[k] {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// Decode parses raw bytes into an Envelope and validates the required
// fields. In strict mode unknown top-level fields are rejected;
// otherwise they are preserved in Extra.
func Decode(raw []byte, strict bool) (*Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, Malformed("invalid JSON", err)
	}

	extra := make(map[string]json.RawMessage)
	for k, v := range fields {
		if !envelopeFields[k] {
			if strict {
				return nil, Malformed(fmt.Sprintf("unknown field %q", k), nil)
			}
			extra[k] = v
		}
	}

	var e Envelope
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, Malformed("invalid envelope", err)
	}
	if len(extra) > 0 {
		e.Extra = extra
	}

	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
