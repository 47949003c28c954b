package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/port/bus"
)

// The process-wide default engine. Small applications call Setup once
// and use the package-level functions; anything needing two engines in
// one process constructs them explicitly.
var (
	defaultMu     sync.Mutex
	defaultEngine *Engine
)

// Setup creates and starts the default engine. Handlers must be known
// before the engine starts, so Setup accepts them directly.
func Setup(ctx context.Context, cfg *config.Config, log *slog.Logger, handlers ...bus.Handler) (*Engine, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()

	if defaultEngine != nil {
		return nil, fmt.Errorf("setup: default engine already running")
	}

	eng, err := NewEngine(cfg, log)
	if err != nil {
		return nil, err
	}
	for _, h := range handlers {
		if err := eng.Register(h); err != nil {
			return nil, err
		}
	}
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}

	defaultEngine = eng
	return eng, nil
}

// Default returns the running default engine, or nil before Setup.
func Default() *Engine {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultEngine
}

// Publish sends through the default engine.
func Publish(ctx context.Context, topic string, value any, opts PublishOptions) (*PublishResult, error) {
	eng := Default()
	if eng == nil {
		return nil, fmt.Errorf("publish: default engine not set up")
	}
	return eng.Publisher().Publish(ctx, topic, value, opts)
}

// Shutdown stops and clears the default engine.
func Shutdown(ctx context.Context) error {
	defaultMu.Lock()
	eng := defaultEngine
	defaultEngine = nil
	defaultMu.Unlock()

	if eng == nil {
		return nil
	}
	return eng.Stop(ctx)
}
