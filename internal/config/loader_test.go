package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Bus.Concurrency != 5 {
		t.Errorf("Concurrency = %d, want 5", cfg.Bus.Concurrency)
	}
	if cfg.Bus.MaxDeliver != 5 {
		t.Errorf("MaxDeliver = %d, want 5", cfg.Bus.MaxDeliver)
	}
	if cfg.Bus.AckWait != 30*time.Second {
		t.Errorf("AckWait = %v", cfg.Bus.AckWait)
	}
	if !cfg.DLQ.Enabled {
		t.Error("DLQ should be enabled by default")
	}
	if cfg.Bus.OnMalformed != "dlq" {
		t.Errorf("OnMalformed = %q", cfg.Bus.OnMalformed)
	}
	if cfg.Inbox.Retention != 30*24*time.Hour {
		t.Errorf("Retention = %v", cfg.Inbox.Retention)
	}
	if cfg.Bus.OnMaxDeliver != "drop" {
		t.Errorf("OnMaxDeliver = %q", cfg.Bus.OnMaxDeliver)
	}
}

func TestLoadFrom_YAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventforge.yaml")
	yaml := `
bus:
  env: staging
  app: orders
  concurrency: 12
nats:
  urls:
    - nats://n1:4222
    - nats://n2:4222
dlq:
  enabled: false
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write yaml: %v", err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Bus.Env != "staging" || cfg.Bus.App != "orders" {
		t.Errorf("identity = %s/%s", cfg.Bus.Env, cfg.Bus.App)
	}
	if cfg.Bus.Concurrency != 12 {
		t.Errorf("Concurrency = %d", cfg.Bus.Concurrency)
	}
	if len(cfg.NATS.URLs) != 2 {
		t.Errorf("URLs = %v", cfg.NATS.URLs)
	}
	if cfg.DLQ.Enabled {
		t.Error("DLQ should be disabled by yaml")
	}
	// Untouched values keep their defaults.
	if cfg.Bus.MaxDeliver != 5 {
		t.Errorf("MaxDeliver = %d, want default 5", cfg.Bus.MaxDeliver)
	}
}

func TestLoadFrom_EnvOverlay(t *testing.T) {
	t.Setenv("EVENTFORGE_ENV", "test")
	t.Setenv("EVENTFORGE_APP", "app1")
	t.Setenv("EVENTFORGE_CONCURRENCY", "3")
	t.Setenv("EVENTFORGE_BACKOFF", "10ms, 20ms, 30ms")
	t.Setenv("NATS_URL", "nats://a:4222,nats://b:4222")

	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Bus.Env != "test" || cfg.Bus.App != "app1" {
		t.Errorf("identity = %s/%s", cfg.Bus.Env, cfg.Bus.App)
	}
	if cfg.Bus.Concurrency != 3 {
		t.Errorf("Concurrency = %d", cfg.Bus.Concurrency)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}
	if len(cfg.Bus.Backoff) != len(want) {
		t.Fatalf("Backoff = %v", cfg.Bus.Backoff)
	}
	for i := range want {
		if cfg.Bus.Backoff[i] != want[i] {
			t.Errorf("Backoff[%d] = %v, want %v", i, cfg.Bus.Backoff[i], want[i])
		}
	}
	if len(cfg.NATS.URLs) != 2 || cfg.NATS.URLs[0] != "nats://a:4222" {
		t.Errorf("URLs = %v", cfg.NATS.URLs)
	}
}

func TestLoadFrom_InvalidBackoffEnv(t *testing.T) {
	t.Setenv("EVENTFORGE_BACKOFF", "not-a-duration")

	if _, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for invalid backoff schedule")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty env", func(c *Config) { c.Bus.Env = "" }},
		{"empty app", func(c *Config) { c.Bus.App = "" }},
		{"no urls", func(c *Config) { c.NATS.URLs = nil }},
		{"zero concurrency", func(c *Config) { c.Bus.Concurrency = 0 }},
		{"bad on_max_deliver", func(c *Config) { c.Bus.OnMaxDeliver = "explode" }},
		{"outbox without dsn", func(c *Config) { c.Outbox.Enabled = true; c.Postgres.DSN = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			if err := validate(&cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
