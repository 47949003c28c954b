package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration.
const DefaultConfigFile = "eventforge.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// YAML file is optional; missing file is not an error.
func Load() (*Config, error) {
	return LoadFrom(DefaultConfigFile)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	if err := loadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("config env: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) error {
	setString(&cfg.Bus.Env, "EVENTFORGE_ENV")
	setString(&cfg.Bus.App, "EVENTFORGE_APP")
	setInt(&cfg.Bus.Concurrency, "EVENTFORGE_CONCURRENCY")
	setInt(&cfg.Bus.MaxDeliver, "EVENTFORGE_MAX_DELIVER")
	setDuration(&cfg.Bus.AckWait, "EVENTFORGE_ACK_WAIT")
	setDuration(&cfg.Bus.DrainTimeout, "EVENTFORGE_DRAIN_TIMEOUT")
	setString(&cfg.Bus.OnMaxDeliver, "EVENTFORGE_ON_MAX_DELIVER")
	setString(&cfg.Bus.OnMalformed, "EVENTFORGE_ON_MALFORMED")
	setBool(&cfg.Bus.StrictDecode, "EVENTFORGE_STRICT_DECODE")
	if err := setDurationList(&cfg.Bus.Backoff, "EVENTFORGE_BACKOFF"); err != nil {
		return err
	}

	setStringList(&cfg.NATS.URLs, "NATS_URL")
	setDuration(&cfg.NATS.ConnectTimeout, "EVENTFORGE_NATS_CONNECT_TIMEOUT")
	setDuration(&cfg.NATS.ReconnectWait, "EVENTFORGE_NATS_RECONNECT_WAIT")
	setInt(&cfg.NATS.MaxReconnects, "EVENTFORGE_NATS_MAX_RECONNECTS")
	setDuration(&cfg.NATS.DedupWindow, "EVENTFORGE_NATS_DEDUP_WINDOW")
	setDuration(&cfg.NATS.MaxAge, "EVENTFORGE_NATS_MAX_AGE")
	setInt(&cfg.NATS.Replicas, "EVENTFORGE_NATS_REPLICAS")

	setBool(&cfg.DLQ.Enabled, "EVENTFORGE_DLQ_ENABLED")
	setInt(&cfg.DLQ.MaxAttempts, "EVENTFORGE_DLQ_MAX_ATTEMPTS")

	setBool(&cfg.Outbox.Enabled, "EVENTFORGE_OUTBOX_ENABLED")
	setString(&cfg.Outbox.Table, "EVENTFORGE_OUTBOX_TABLE")
	setInt(&cfg.Outbox.BatchSize, "EVENTFORGE_OUTBOX_BATCH_SIZE")
	setDuration(&cfg.Outbox.Interval, "EVENTFORGE_OUTBOX_INTERVAL")
	setInt(&cfg.Outbox.MaxAttempts, "EVENTFORGE_OUTBOX_MAX_ATTEMPTS")
	if err := setDurationList(&cfg.Outbox.Backoff, "EVENTFORGE_OUTBOX_BACKOFF"); err != nil {
		return err
	}

	setBool(&cfg.Inbox.Enabled, "EVENTFORGE_INBOX_ENABLED")
	setString(&cfg.Inbox.Table, "EVENTFORGE_INBOX_TABLE")
	setDuration(&cfg.Inbox.Retention, "EVENTFORGE_INBOX_RETENTION")
	setDuration(&cfg.Inbox.SweepInterval, "EVENTFORGE_INBOX_SWEEP_INTERVAL")
	setInt64(&cfg.Inbox.CacheSizeMB, "EVENTFORGE_INBOX_CACHE_MB")

	setString(&cfg.Postgres.DSN, "DATABASE_URL")
	setInt32(&cfg.Postgres.MaxConns, "EVENTFORGE_PG_MAX_CONNS")
	setInt32(&cfg.Postgres.MinConns, "EVENTFORGE_PG_MIN_CONNS")
	setDuration(&cfg.Postgres.MaxConnLifetime, "EVENTFORGE_PG_MAX_CONN_LIFETIME")
	setDuration(&cfg.Postgres.MaxConnIdleTime, "EVENTFORGE_PG_MAX_CONN_IDLE_TIME")
	setDuration(&cfg.Postgres.HealthCheck, "EVENTFORGE_PG_HEALTH_CHECK")

	setString(&cfg.Server.Port, "EVENTFORGE_PORT")
	setString(&cfg.Logging.Level, "EVENTFORGE_LOG_LEVEL")
	setString(&cfg.Logging.Service, "EVENTFORGE_LOG_SERVICE")
	setBool(&cfg.Logging.Async, "EVENTFORGE_LOG_ASYNC")
	setInt(&cfg.Breaker.MaxFailures, "EVENTFORGE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "EVENTFORGE_BREAKER_TIMEOUT")
	setInt(&cfg.Breaker.HalfOpenMax, "EVENTFORGE_BREAKER_HALF_OPEN_MAX")

	return nil
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.Bus.Env == "" {
		return errors.New("bus.env is required")
	}
	if cfg.Bus.App == "" {
		return errors.New("bus.app is required")
	}
	if len(cfg.NATS.URLs) == 0 {
		return errors.New("nats.urls is required")
	}
	if cfg.Bus.Concurrency < 1 {
		return errors.New("bus.concurrency must be >= 1")
	}
	if cfg.Bus.MaxDeliver < 1 {
		return errors.New("bus.max_deliver must be >= 1")
	}
	if cfg.Bus.OnMaxDeliver != "drop" && cfg.Bus.OnMaxDeliver != "nak" {
		return fmt.Errorf("bus.on_max_deliver must be \"drop\" or \"nak\", got %q", cfg.Bus.OnMaxDeliver)
	}
	if cfg.Bus.OnMalformed != "discard" && cfg.Bus.OnMalformed != "dlq" {
		return fmt.Errorf("bus.on_malformed must be \"discard\" or \"dlq\", got %q", cfg.Bus.OnMalformed)
	}
	if (cfg.Outbox.Enabled || cfg.Inbox.Enabled) && cfg.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required when outbox or inbox is enabled")
	}
	if cfg.Outbox.BatchSize < 1 {
		return errors.New("outbox.batch_size must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setStringList(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			*dst = out
		}
	}
}

// setDurationList parses a comma-separated duration schedule, e.g.
// "1s,5s,15s,30s,1m".
func setDurationList(dst *[]time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q: %w", key, p, err)
		}
		out = append(out, d)
	}
	*dst = out
	return nil
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
