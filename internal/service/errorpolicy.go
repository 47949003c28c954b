package service

import (
	"log/slog"

	"github.com/Strob0t/EventForge/internal/domain/message"
	"github.com/Strob0t/EventForge/internal/port/bus"
)

// decideAction routes a failed delivery. The handler's own OnError
// wins when it returns a concrete action; a panic inside OnError or an
// invalid return falls back to the default policy. malformed is the
// configured verdict for undecodable or invalid payloads.
func decideAction(log *slog.Logger, sub *Subscription, ec bus.ErrorContext, malformed bus.ErrorAction) bus.ErrorAction {
	if sub != nil && sub.Decider != nil {
		if action, ok := callDecider(log, sub, ec); ok {
			return action
		}
	}
	return defaultAction(ec, malformed)
}

func callDecider(log *slog.Logger, sub *Subscription, ec bus.ErrorContext) (action bus.ErrorAction, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler OnError panicked, using default policy",
				"filter", sub.Filter,
				"event_id", ec.Message.EventID,
				"panic", r,
			)
			ok = false
		}
	}()

	action = sub.Decider.OnError(ec)
	switch action {
	case bus.ActionRetry, bus.ActionDiscard, bus.ActionDLQ:
		return action, true
	}
	return bus.ActionUnknown, false
}

// defaultAction implements the engine's standing error policy:
// malformed follows the on_malformed setting, unrecoverable goes to
// the dead letter queue, transient retries, and unknown errors retry
// until attempts run out.
func defaultAction(ec bus.ErrorContext, malformed bus.ErrorAction) bus.ErrorAction {
	switch ec.Kind {
	case message.KindMalformed:
		return malformed
	case message.KindUnrecoverable:
		return bus.ActionDLQ
	case message.KindTransient:
		return bus.ActionRetry
	}
	if ec.Attempt < ec.MaxAttempts {
		return bus.ActionRetry
	}
	return bus.ActionDLQ
}
