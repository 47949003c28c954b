package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/domain/message"
)

// TopologyError reports a stream that exists with a configuration the
// engine cannot use. The manager never modifies a mismatched stream.
type TopologyError struct {
	Stream string
	Detail string
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("topology: stream %s: %s", e.Stream, e.Detail)
}

// Topology idempotently provisions the environment's event stream.
//
// The subject grammar puts events at {env}.{app}.{topic} and dead
// letters at {env}.{app}.dlq, so a separate DLQ stream would overlap
// the primary {env}.> capture, which JetStream rejects. Dead letters
// therefore live in the primary stream; DLQ consumers and the purge
// operation filter on the dlq subject.
type Topology struct {
	js  jetstream.JetStream
	cfg *config.Config
	log *slog.Logger
}

// NewTopology creates a topology manager over the shared connection.
func NewTopology(conn *Conn, cfg *config.Config, log *slog.Logger) *Topology {
	return &Topology{js: conn.JetStream(), cfg: cfg, log: log}
}

// StreamName derives the primary stream name for an environment.
func StreamName(env string) string {
	return strings.ToUpper(sanitizeName(message.Normalize(env))) + "_EVENTS"
}

// sanitizeName strips characters that are not valid in stream names.
func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ':
			return '_'
		}
		return r
	}, s)
}

// Ensure creates the primary stream if absent. An existing stream with
// a superset-compatible subject space is left alone; an incompatible
// one yields a TopologyError. Racing creators are tolerated: the first
// writer wins and the losers re-check.
func (t *Topology) Ensure(ctx context.Context) error {
	name := StreamName(t.cfg.Bus.Env)
	subjects := []string{message.EventsFilter(t.cfg.Bus.Env)}

	stream, err := t.js.Stream(ctx, name)
	switch {
	case err == nil:
		return t.verify(ctx, name, stream, subjects)
	case errors.Is(err, jetstream.ErrStreamNotFound):
		// fall through to create
	default:
		return fmt.Errorf("topology: lookup stream %s: %w", name, err)
	}

	_, err = t.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  jetstream.LimitsPolicy,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
		MaxAge:     t.cfg.NATS.MaxAge,
		Replicas:   t.cfg.NATS.Replicas,
		Duplicates: t.cfg.NATS.DedupWindow,
	})
	if err != nil {
		if errors.Is(err, jetstream.ErrStreamNameAlreadyInUse) {
			// Lost the creation race; the winner's stream must still be
			// compatible with ours.
			stream, lookErr := t.js.Stream(ctx, name)
			if lookErr != nil {
				return fmt.Errorf("topology: stream %s after race: %w", name, lookErr)
			}
			return t.verify(ctx, name, stream, subjects)
		}
		return fmt.Errorf("topology: create stream %s: %w", name, err)
	}

	t.log.Info("stream created", "stream", name, "subjects", subjects)
	return nil
}

// verify checks that an existing stream's subject space covers ours.
func (t *Topology) verify(ctx context.Context, name string, stream jetstream.Stream, want []string) error {
	info, err := stream.Info(ctx)
	if err != nil {
		return fmt.Errorf("topology: stream %s info: %w", name, err)
	}

	for _, w := range want {
		if !subjectsCover(info.Config.Subjects, w) {
			return &TopologyError{
				Stream: name,
				Detail: fmt.Sprintf("existing subjects %v do not cover %q", info.Config.Subjects, w),
			}
		}
	}
	return nil
}

// subjectsCover reports whether any configured subject filter is a
// superset of want. Only exact matches and trailing > tails are
// considered; anything finer is treated as not covering.
func subjectsCover(have []string, want string) bool {
	for _, h := range have {
		if h == want {
			return true
		}
		if tail, ok := strings.CutSuffix(h, ">"); ok && strings.HasPrefix(want, tail) {
			return true
		}
	}
	return false
}

// Info returns the primary stream's live configuration and state.
func (t *Topology) Info(ctx context.Context) (*jetstream.StreamInfo, error) {
	stream, err := t.js.Stream(ctx, StreamName(t.cfg.Bus.Env))
	if err != nil {
		return nil, fmt.Errorf("topology: %w", err)
	}
	info, err := stream.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("topology: stream info: %w", err)
	}
	return info, nil
}

// Purge removes messages from the stream. With dlqOnly it removes only
// dead letters, leaving live events in place.
func (t *Topology) Purge(ctx context.Context, dlqOnly bool) error {
	stream, err := t.js.Stream(ctx, StreamName(t.cfg.Bus.Env))
	if err != nil {
		return fmt.Errorf("topology: %w", err)
	}

	var opts []jetstream.StreamPurgeOpt
	if dlqOnly {
		opts = append(opts, jetstream.WithPurgeSubject(message.DLQSubject(t.cfg.Bus.Env, t.cfg.Bus.App)))
	}
	if err := stream.Purge(ctx, opts...); err != nil {
		return fmt.Errorf("topology: purge: %w", err)
	}
	return nil
}

// Delete removes the primary stream entirely. With dlqOnly it degrades
// to a purge of the dlq subject, since dead letters share the stream.
func (t *Topology) Delete(ctx context.Context, dlqOnly bool) error {
	if dlqOnly {
		return t.Purge(ctx, true)
	}
	if err := t.js.DeleteStream(ctx, StreamName(t.cfg.Bus.Env)); err != nil {
		return fmt.Errorf("topology: delete stream: %w", err)
	}
	return nil
}
