// Package config provides hierarchical configuration loading for EventForge.
// Precedence: defaults < YAML file < environment variables.
package config

import "time"

// Config holds all runtime configuration for the EventForge engine.
type Config struct {
	Bus      Bus      `yaml:"bus"`
	NATS     NATS     `yaml:"nats"`
	DLQ      DLQ      `yaml:"dlq"`
	Outbox   Outbox   `yaml:"outbox"`
	Inbox    Inbox    `yaml:"inbox"`
	Postgres Postgres `yaml:"postgres"`
	Server   Server   `yaml:"server"`
	Logging  Logging  `yaml:"logging"`
	Breaker  Breaker  `yaml:"breaker"`
}

// Bus holds the engine identity and delivery tuning.
type Bus struct {
	Env          string          `yaml:"env"`           // subject prefix, e.g. "production"
	App          string          `yaml:"app"`           // application name, stamped as envelope producer
	Concurrency  int             `yaml:"concurrency"`   // workers per consumer and broker max_ack_pending
	MaxDeliver   int             `yaml:"max_deliver"`   // broker-side redelivery cap
	AckWait      time.Duration   `yaml:"ack_wait"`      // per-delivery processing budget
	Backoff      []time.Duration `yaml:"backoff"`       // per-attempt redelivery delays
	DrainTimeout time.Duration   `yaml:"drain_timeout"` // graceful shutdown budget for in-flight handlers
	OnMaxDeliver string          `yaml:"on_max_deliver"` // "drop" | "nak" when DLQ is disabled
	OnMalformed  string          `yaml:"on_malformed"`  // "discard" | "dlq" for undecodable or invalid payloads
	StrictDecode bool            `yaml:"strict_decode"` // reject unknown envelope fields
}

// NATS holds broker connection configuration.
type NATS struct {
	URLs           []string      `yaml:"urls"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	ReconnectWait  time.Duration `yaml:"reconnect_wait"`
	MaxReconnects  int           `yaml:"max_reconnects"`
	DedupWindow    time.Duration `yaml:"dedup_window"` // broker message-id dedup window
	MaxAge         time.Duration `yaml:"max_age"`      // primary stream retention
	Replicas       int           `yaml:"replicas"`
}

// DLQ holds dead-letter routing configuration.
type DLQ struct {
	Enabled     bool `yaml:"enabled"`
	MaxAttempts int  `yaml:"max_attempts"` // publish retries before degrading to nak
}

// Outbox holds transactional outbox configuration.
type Outbox struct {
	Enabled     bool            `yaml:"enabled"`
	Table       string          `yaml:"table"`
	BatchSize   int             `yaml:"batch_size"`
	Interval    time.Duration   `yaml:"interval"` // relay polling interval
	MaxAttempts int             `yaml:"max_attempts"`
	Backoff     []time.Duration `yaml:"backoff"` // per-attempt relay delays, last repeats
}

// Inbox holds idempotent inbox configuration.
type Inbox struct {
	Enabled       bool          `yaml:"enabled"`
	Table         string        `yaml:"table"`
	Retention     time.Duration `yaml:"retention"`      // processed rows older than this are swept
	SweepInterval time.Duration `yaml:"sweep_interval"` // how often the sweeper runs
	CacheSizeMB   int64         `yaml:"cache_size_mb"`  // in-process processed-id cache
}

// Postgres holds PostgreSQL connection configuration.
type Postgres struct {
	DSN             string        `yaml:"dsn"`
	MaxConns        int32         `yaml:"max_conns"`
	MinConns        int32         `yaml:"min_conns"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	HealthCheck     time.Duration `yaml:"health_check"`
}

// Server holds the operational HTTP surface configuration.
type Server struct {
	Port string `yaml:"port"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	Async   bool   `yaml:"async"`
}

// Breaker holds circuit breaker configuration for handler middleware.
type Breaker struct {
	MaxFailures int           `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	HalfOpenMax int           `yaml:"half_open_max"` // concurrent probe calls in half-open
}

// Defaults returns a Config with sensible default values for local development.
func Defaults() Config {
	return Config{
		Bus: Bus{
			Env:          "development",
			App:          "app",
			Concurrency:  5,
			MaxDeliver:   5,
			AckWait:      30 * time.Second,
			Backoff:      []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second},
			DrainTimeout: 25 * time.Second,
			OnMaxDeliver: "drop",
			OnMalformed:  "dlq",
		},
		NATS: NATS{
			URLs:           []string{"nats://localhost:4222"},
			ConnectTimeout: 5 * time.Second,
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  10,
			DedupWindow:    2 * time.Minute,
			MaxAge:         7 * 24 * time.Hour,
			Replicas:       1,
		},
		DLQ: DLQ{
			Enabled:     true,
			MaxAttempts: 3,
		},
		Outbox: Outbox{
			Enabled:     false,
			Table:       "event_outbox",
			BatchSize:   50,
			Interval:    500 * time.Millisecond,
			MaxAttempts: 10,
			Backoff:     []time.Duration{time.Second, 5 * time.Second, 15 * time.Second, 30 * time.Second, time.Minute},
		},
		Inbox: Inbox{
			Enabled:       false,
			Table:         "event_inbox",
			Retention:     30 * 24 * time.Hour,
			SweepInterval: time.Hour,
			CacheSizeMB:   16,
		},
		Postgres: Postgres{
			DSN:             "",
			MaxConns:        15,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 10 * time.Minute,
			HealthCheck:     time.Minute,
		},
		Server: Server{
			Port: "8090",
		},
		Logging: Logging{
			Level:   "info",
			Service: "eventforge",
		},
		Breaker: Breaker{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 1,
		},
	}
}
