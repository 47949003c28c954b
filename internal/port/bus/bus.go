// Package bus defines the subscriber-facing contract of the engine:
// handlers, subscription options, middleware and error actions.
package bus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Strob0t/EventForge/internal/domain/message"
	"github.com/Strob0t/EventForge/internal/port/schema"
)

// MessageContext carries delivery metadata alongside the decoded payload.
type MessageContext struct {
	Subject    string
	EventID    string
	Stream     string
	StreamSeq  uint64
	Deliveries uint64
	TraceID    string
	Envelope   *message.Envelope
}

// Handler consumes messages matching its filters. A nil return acks the
// message; an error routes through the error policy.
type Handler interface {
	// Filters returns the subject filters this handler subscribes to.
	// Exact subjects, * and > are all permitted.
	Filters() []string

	// Handle processes one message. The body is the envelope's user value.
	Handle(ctx context.Context, body json.RawMessage, mctx *MessageContext) error
}

// Options tunes delivery for a single handler. Zero values fall back to
// the engine configuration.
type Options struct {
	MaxDeliver  int
	AckWait     time.Duration
	Concurrency int
	Backoff     []time.Duration
	Schema      schema.Validator
	UseBreaker  bool
}

// Configurable is implemented by handlers that override engine defaults.
type Configurable interface {
	Options() Options
}

// ErrorAction is the processor's verdict for a failed delivery.
type ErrorAction int

const (
	// ActionUnknown makes the default policy apply.
	ActionUnknown ErrorAction = iota
	// ActionRetry naks the message so the broker redelivers it.
	ActionRetry
	// ActionDiscard acks the message and drops it.
	ActionDiscard
	// ActionDLQ parks the message on the dead-letter subject, then acks.
	ActionDLQ
)

func (a ErrorAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionDiscard:
		return "discard"
	case ActionDLQ:
		return "dlq"
	default:
		return "unknown"
	}
}

// ErrorContext describes a failed delivery for per-handler overrides.
type ErrorContext struct {
	Err         error
	Kind        message.Kind
	Attempt     int
	MaxAttempts int
	Message     *MessageContext
}

// ErrorDecider is implemented by handlers that want to override the
// default error policy. An ActionUnknown return falls back to the default.
type ErrorDecider interface {
	OnError(ec ErrorContext) ErrorAction
}

// HandlerFunc is the shape middleware wraps: the decoded payload plus
// delivery metadata.
type HandlerFunc func(ctx context.Context, body json.RawMessage, mctx *MessageContext) error

// Middleware wraps a HandlerFunc. Middleware may short-circuit by not
// invoking next; errors propagate upward unless caught.
type Middleware func(next HandlerFunc) HandlerFunc
