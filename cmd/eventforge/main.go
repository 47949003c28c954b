package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Strob0t/EventForge/internal/adapter/otel"
	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/logger"
	"github.com/Strob0t/EventForge/internal/service"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printHelp()
		return nil
	}

	switch args[0] {
	case "start":
		return runStart(args[1:])
	case "info":
		return runInfo(args[1:])
	case "health":
		return runHealth(args[1:])
	case "purge":
		return runPurge(args[1:])
	case "delete":
		return runDelete(args[1:])
	case "dlq":
		return runDLQ(args[1:])
	case "outbox":
		return runOutbox(args[1:])
	default:
		printHelp()
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, `Usage: eventforge <command> [options]

Commands:
  start     Run the bus engine with its operational HTTP surface
  info      Show the primary stream's configuration and state
  health    Probe broker and database connectivity (exit 1 on failure)
  purge     Remove messages from the stream (--dlq: dead letters only)
  delete    Delete the stream (--dlq: purge dead letters instead)
  dlq       Inspect dead letters: dlq list, dlq replay --seq N
  outbox    Outbox maintenance: outbox requeue
  help      Show this help message

Configuration comes from eventforge.yaml (or --config) and
EVENTFORGE_* environment variables.
`)
}

// runStart boots the engine and blocks until SIGINT/SIGTERM.
func runStart(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()

	ctx := context.Background()

	shutdownOtel, err := otel.Init(ctx, cfg.Logging.Service, log)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOtel(flushCtx)
	}()

	eng, err := service.NewEngine(cfg, log)
	if err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	srv := opsServer(cfg, eng)
	go func() {
		log.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops server failed", "error", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	<-done
	log.Info("shutdown signal received")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Bus.DrainTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(stopCtx); err != nil {
		log.Warn("ops server shutdown failed", "error", err)
	}
	return eng.Stop(stopCtx)
}

// opsServer exposes health and queue inspection over HTTP.
func opsServer(cfg *config.Config, eng *service.Engine) *http.Server {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(chimw.Timeout(15 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		status := eng.Health(req.Context())
		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		if !eng.Running() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/streams", func(w http.ResponseWriter, req *http.Request) {
		info, err := eng.Topology().Info(req.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	})

	r.Get("/dlq", func(w http.ResponseWriter, req *http.Request) {
		dlq := eng.DLQ()
		if dlq == nil {
			http.Error(w, "dlq disabled", http.StatusNotFound)
			return
		}
		entries, err := dlq.List(req.Context(), 100)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entries)
	})

	return &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
