package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	natsadapter "github.com/Strob0t/EventForge/internal/adapter/nats"
	"github.com/Strob0t/EventForge/internal/adapter/postgres"
	"github.com/Strob0t/EventForge/internal/config"
	"github.com/Strob0t/EventForge/internal/logger"
)

// loadConfig parses the shared flags plus any extra flags the caller
// registered on fs, then loads the configuration. --env, --app and
// --url override the file and environment when set.
func loadConfig(args []string, extra ...func(*flag.FlagSet)) (*config.Config, error) {
	fs := flag.NewFlagSet("eventforge", flag.ContinueOnError)
	path := fs.String("config", config.DefaultConfigFile, "path to YAML configuration")
	env := fs.String("env", "", "override bus environment")
	app := fs.String("app", "", "override application name")
	url := fs.String("url", "", "override broker URL")
	for _, register := range extra {
		register(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, err := config.LoadFrom(*path)
	if err != nil {
		return nil, err
	}
	if *env != "" {
		cfg.Bus.Env = *env
	}
	if *app != "" {
		cfg.Bus.App = *app
	}
	if *url != "" {
		cfg.NATS.URLs = []string{*url}
	}
	return cfg, nil
}

// opsContext dials the broker for a one-shot admin command.
func opsContext(args []string, extra ...func(*flag.FlagSet)) (*config.Config, *natsadapter.Conn, *natsadapter.Topology, *slog.Logger, error) {
	cfg, err := loadConfig(args, extra...)
	if err != nil {
		return nil, nil, nil, nil, err
	}

	log, _ := logger.New(cfg.Logging)
	conn, err := natsadapter.Connect(cfg.NATS, log)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return cfg, conn, natsadapter.NewTopology(conn, cfg, log), log, nil
}

func runInfo(args []string) error {
	_, conn, topo, _, err := opsContext(args)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	info, err := topo.Info(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "stream\t%s\n", info.Config.Name)
	fmt.Fprintf(w, "subjects\t%v\n", info.Config.Subjects)
	fmt.Fprintf(w, "messages\t%d\n", info.State.Msgs)
	fmt.Fprintf(w, "bytes\t%d\n", info.State.Bytes)
	fmt.Fprintf(w, "first seq\t%d\n", info.State.FirstSeq)
	fmt.Fprintf(w, "last seq\t%d\n", info.State.LastSeq)
	fmt.Fprintf(w, "consumers\t%d\n", info.State.Consumers)
	fmt.Fprintf(w, "max age\t%s\n", info.Config.MaxAge)
	fmt.Fprintf(w, "dedup window\t%s\n", info.Config.Duplicates)
	return w.Flush()
}

func runHealth(args []string) error {
	cfg, conn, topo, _, err := opsContext(args)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := conn.RTT(ctx); err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	fmt.Println("nats: ok")

	if _, err := topo.Info(ctx); err != nil {
		return fmt.Errorf("stream: %w", err)
	}
	fmt.Println("stream: ok")

	if cfg.Postgres.DSN != "" {
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		fmt.Println("postgres: ok")
	}
	return nil
}

func runPurge(args []string) error {
	var dlqOnly bool
	_, conn, topo, _, err := opsContext(args, func(fs *flag.FlagSet) {
		fs.BoolVar(&dlqOnly, "dlq", false, "purge only dead letters")
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := topo.Purge(ctx, dlqOnly); err != nil {
		return err
	}
	if dlqOnly {
		fmt.Println("dead letters purged")
	} else {
		fmt.Println("stream purged")
	}
	return nil
}

func runDelete(args []string) error {
	var dlqOnly bool
	_, conn, topo, _, err := opsContext(args, func(fs *flag.FlagSet) {
		fs.BoolVar(&dlqOnly, "dlq", false, "purge dead letters instead of deleting the stream")
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := topo.Delete(ctx, dlqOnly); err != nil {
		return err
	}
	fmt.Println("done")
	return nil
}

func runDLQ(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: eventforge dlq <list|replay> [options]")
	}

	switch args[0] {
	case "list":
		return runDLQList(args[1:])
	case "replay":
		return runDLQReplay(args[1:])
	default:
		return fmt.Errorf("unknown dlq command: %s", args[0])
	}
}

func runDLQList(args []string) error {
	var limit int
	cfg, conn, _, _, err := opsContext(args, func(fs *flag.FlagSet) {
		fs.IntVar(&limit, "limit", 100, "maximum entries to list")
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dlq := natsadapter.NewDLQ(conn, cfg.Bus.Env, cfg.Bus.App, cfg.DLQ.MaxAttempts)
	entries, err := dlq.List(ctx, limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SEQ\tEVENT ID\tSUBJECT\tREASON\tDELIVERIES\tERROR")
	for _, e := range entries {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
			e.Seq, e.Record.EventID, e.Record.OriginalSubject,
			e.Record.Reason, e.Record.Deliveries, e.Record.Error)
	}
	return w.Flush()
}

func runDLQReplay(args []string) error {
	var seq uint64
	cfg, conn, _, _, err := opsContext(args, func(fs *flag.FlagSet) {
		fs.Uint64Var(&seq, "seq", 0, "stream sequence of the dead letter to replay")
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	if seq == 0 {
		return fmt.Errorf("dlq replay: --seq is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dlq := natsadapter.NewDLQ(conn, cfg.Bus.Env, cfg.Bus.App, cfg.DLQ.MaxAttempts)
	if err := dlq.Replay(ctx, seq); err != nil {
		return err
	}
	fmt.Printf("replayed seq %d\n", seq)
	return nil
}

func runOutbox(args []string) error {
	if len(args) == 0 || args[0] != "requeue" {
		return fmt.Errorf("usage: eventforge outbox requeue")
	}

	cfg, err := loadConfig(args[1:])
	if err != nil {
		return err
	}
	if cfg.Postgres.DSN == "" {
		return fmt.Errorf("outbox requeue: postgres dsn is not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	store := postgres.NewOutboxStore(pool, cfg.Outbox.Table)
	requeued, err := store.RequeueFailed(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("requeued %d failed rows\n", requeued)
	return nil
}
