// Package service contains the engine: registry, publisher, outbox
// relay, consumer, processor and lifecycle management.
package service

import (
	"fmt"
	"strings"
	"sync"

	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/domain/message"
	"github.com/Strob0t/EventForge/internal/port/bus"
)

// Subscription is one handler bound to one filter, with its delivery
// options resolved against the engine defaults.
type Subscription struct {
	Handler bus.Handler
	Filter  string
	Options bus.Options
	Decider bus.ErrorDecider // nil unless the handler overrides errors
}

// Registry maps subject filters to ordered handler lists. Registration
// is only allowed before the engine starts; the consumer layer creates
// one durable per distinct filter regardless of handler count.
type Registry struct {
	mu     sync.Mutex
	cfg    config.Bus
	byFilt map[string][]*Subscription
	order  []string // filters in first-registration order
	sealed bool
}

// NewRegistry creates a registry bound to the engine's env and app.
func NewRegistry(cfg config.Bus) *Registry {
	return &Registry{
		cfg:    cfg,
		byFilt: make(map[string][]*Subscription),
	}
}

// Register adds the handler under every filter it declares. A filter
// may be topic-relative ("users.user.created") or fully qualified
// ("{env}.{app}.users.*"); relative filters are qualified with the
// engine's env and app. The same handler may appear under multiple
// filters.
func (r *Registry) Register(h bus.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return fmt.Errorf("register: engine already started")
	}

	filters := h.Filters()
	if len(filters) == 0 {
		return fmt.Errorf("register: handler declares no filters")
	}

	opts := r.resolveOptions(h)
	decider, _ := h.(bus.ErrorDecider)

	for _, f := range filters {
		qualified, err := r.qualify(f)
		if err != nil {
			return err
		}
		if _, seen := r.byFilt[qualified]; !seen {
			r.order = append(r.order, qualified)
		}
		r.byFilt[qualified] = append(r.byFilt[qualified], &Subscription{
			Handler: h,
			Filter:  qualified,
			Options: opts,
			Decider: decider,
		})
	}
	return nil
}

// qualify turns a declared filter into a full broker filter subject.
func (r *Registry) qualify(filter string) (string, error) {
	if filter == "" {
		return "", fmt.Errorf("register: empty filter")
	}

	envPrefix := message.Normalize(r.cfg.Env) + "."
	if strings.HasPrefix(message.Normalize(filter), envPrefix) {
		norm := message.Normalize(filter)
		if strings.Contains(norm, "..") {
			return "", fmt.Errorf("register: filter %q has an empty token", filter)
		}
		return norm, nil
	}
	return message.BuildFilter(r.cfg.Env, r.cfg.App, filter)
}

// resolveOptions merges the handler's overrides with engine defaults.
func (r *Registry) resolveOptions(h bus.Handler) bus.Options {
	opts := bus.Options{}
	if c, ok := h.(bus.Configurable); ok {
		opts = c.Options()
	}
	if opts.MaxDeliver <= 0 {
		opts.MaxDeliver = r.cfg.MaxDeliver
	}
	if opts.AckWait <= 0 {
		opts.AckWait = r.cfg.AckWait
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = r.cfg.Concurrency
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = r.cfg.Backoff
	}
	return opts
}

// Filters returns the distinct filter subjects in registration order.
func (r *Registry) Filters() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Lookup returns the subscriptions registered under an exact filter.
func (r *Registry) Lookup(filter string) []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byFilt[filter]
}

// ConsumerOptions resolves the broker consumer tuning for a filter.
// Several handlers may share a filter with different options; the
// durable gets the most permissive values so no handler is starved.
func (r *Registry) ConsumerOptions(filter string) bus.Options {
	r.mu.Lock()
	defer r.mu.Unlock()

	merged := bus.Options{}
	for _, sub := range r.byFilt[filter] {
		if sub.Options.MaxDeliver > merged.MaxDeliver {
			merged.MaxDeliver = sub.Options.MaxDeliver
		}
		if sub.Options.AckWait > merged.AckWait {
			merged.AckWait = sub.Options.AckWait
		}
		if sub.Options.Concurrency > merged.Concurrency {
			merged.Concurrency = sub.Options.Concurrency
		}
		if len(merged.Backoff) == 0 {
			merged.Backoff = sub.Options.Backoff
		}
	}
	return merged
}

// Seal rejects further registrations. Called by the engine on start.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Len returns the total number of subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, subs := range r.byFilt {
		n += len(subs)
	}
	return n
}
