package service

import (
	"context"
	"fmt"
	"time"

	"github.com/Strob0t/EventForge/internal/port/outbox"
)

// ComponentHealth is one dependency's probe result.
type ComponentHealth struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// HealthStatus aggregates the engine's dependency probes.
type HealthStatus struct {
	Healthy    bool              `json:"healthy"`
	Components []ComponentHealth `json:"components"`
}

// Health probes the broker, the primary stream and, when configured,
// the database and outbox depth. The engine is healthy only when every
// probe passes.
func (e *Engine) Health(ctx context.Context) HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	status := HealthStatus{Healthy: true}
	add := func(name string, err error, detail string) {
		c := ComponentHealth{Name: name, Healthy: err == nil, Detail: detail}
		if err != nil {
			c.Detail = err.Error()
			status.Healthy = false
		}
		status.Components = append(status.Components, c)
	}

	add("nats", e.conn.RTT(ctx), "")

	info, err := e.topology.Info(ctx)
	detail := ""
	if err == nil {
		detail = fmt.Sprintf("%d messages, %d consumers", info.State.Msgs, info.State.Consumers)
	}
	add("stream", err, detail)

	if e.pool != nil {
		add("postgres", e.pool.Ping(ctx), "")
	}

	if e.cfg.Outbox.Enabled && e.pool != nil {
		store := e.outboxStore()
		counts, err := store.CountByStatus(ctx)
		detail := ""
		if err == nil {
			detail = fmt.Sprintf("pending=%d failed=%d",
				counts[outbox.StatusPending], counts[outbox.StatusFailed])
		}
		add("outbox", err, detail)
	}

	return status
}

func (e *Engine) outboxStore() outbox.Store {
	if p := e.publisher; p != nil && p.outbox != nil {
		return p.outbox
	}
	return nil
}
