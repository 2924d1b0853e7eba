package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validYAML = `
telegram:
  token: "123:abc"
  owner_user_ids: [42]
  poll_timeout: "10s"
logging:
  level: "debug"
  console: true
  file:
    enabled: false
    path: ""
scheduler:
  timezone: "Europe/Brussels"
  ask_timeout: "5m"
storage:
  path: "./sidekick.db"
  busy_timeout: "5s"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Scheduler.Timezone != "Europe/Brussels" {
		t.Fatalf("timezone = %q", cfg.Scheduler.Timezone)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}

	d, err := ParseDurationOrDefault("scheduler.ask_timeout", cfg.Scheduler.AskTimeout, 10*time.Minute)
	if err != nil || d != 5*time.Minute {
		t.Fatalf("ask_timeout = %v, %v", d, err)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.yaml", validYAML+"\nmystery_knob: true\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		mut  func(*Config)
	}{
		{"empty token", func(c *Config) { c.Telegram.Token = " " }},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }},
		{"bad duration", func(c *Config) { c.Scheduler.AskTimeout = "five minutes" }},
		{"negative duration", func(c *Config) { c.Telegram.PollTimeout = "-3s" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{Telegram: TelegramConfig{Token: "123:abc"}}
			tc.mut(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	t.Parallel()
	open := Config{}
	if !open.Allowed(99) {
		t.Fatal("empty allowlist must admit everyone")
	}
	closed := Config{Telegram: TelegramConfig{OwnerUserIDs: []int64{1, 2}}}
	if !closed.Allowed(2) || closed.Allowed(3) {
		t.Fatal("allowlist not enforced")
	}
}

func TestParseJSONPassthrough(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json",
		`{"telegram":{"token":"123:abc"},"logging":{"level":"info","console":true,"file":{"enabled":false,"path":""}},"scheduler":{},"storage":{"path":"x.db"}}`))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Path != "x.db" {
		t.Fatalf("storage path = %q", cfg.Storage.Path)
	}
}
