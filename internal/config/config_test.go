package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != DriverSQLite || cfg.Database.Path == "" {
		t.Fatalf("expected sqlite default, got %+v", cfg.Database)
	}
	if cfg.Orchestrator.FailureThreshold != 0.5 {
		t.Fatalf("expected failure threshold 0.5, got %v", cfg.Orchestrator.FailureThreshold)
	}
	if got := cfg.Orchestrator.TimeBudget(); got != 30*time.Minute {
		t.Fatalf("expected 30m time budget, got %v", got)
	}
	if cfg.Sources.Archidekt.BaseURL != "https://archidekt.com" {
		t.Fatalf("expected archidekt base url default, got %q", cfg.Sources.Archidekt.BaseURL)
	}
	if cfg.Sources.Archidekt.PageSleep != 2*time.Second {
		t.Fatalf("expected page sleep 2s, got %v", cfg.Sources.Archidekt.PageSleep)
	}
	rl := cfg.RateLimit.Controller()
	if rl.Hosts["api2.moxfield.com"].RequestsPerSecond != 0.5 {
		t.Fatalf("expected moxfield host override, got %+v", rl.Hosts)
	}
	if rl.Default.CoolOff != 5*time.Minute {
		t.Fatalf("expected default cool-off 5m, got %v", rl.Default.CoolOff)
	}
	if cfg.PubSub.Enabled() {
		t.Fatalf("expected pubsub disabled without a project")
	}
	if cfg.Tracing.ServiceName != "deck-harvester" || cfg.Tracing.SampleRatio != 1 {
		t.Fatalf("expected tracing defaults, got %+v", cfg.Tracing)
	}
	if cfg.Server.APIKey != "" || cfg.Server.RequestTimeoutSeconds != 30 {
		t.Fatalf("expected open job trigger with 30s read timeout, got %+v", cfg.Server)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
database:
  driver: postgres
  dsn: postgres://harvest@localhost/harvest
  queue_max_attempts: 7
http:
  timeout_seconds: 45
  max_retries: 4
  user_agent: test-agent
ratelimit:
  default:
    requests_per_second: 2
    cool_off: 90s
  hosts:
    - host: Archidekt.com
      requests_per_second: 0.25
      breaker_threshold: 3
transport:
  challenge_threshold: 5
  headless:
    enabled: true
    max_parallel: 2
sources:
  archidekt:
    commanders: ["The Ur-Dragon", "Atraxa, Praetors' Voice"]
  moxfield:
    popular_commanders: ["Edgar Markov"]
    inter_request_sleep: 3s
orchestrator:
  workers: 6
  item_budget: 0
  time_budget_seconds: 600
  failure_threshold: 0.2
archive:
  backend: gcs
  bucket: raw-decks
pubsub:
  project_id: harvest-dev
  topic_name: runs
logging:
  development: true
  level: debug
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != DriverPostgres || cfg.Database.QueueMaxAttempts != 7 {
		t.Fatalf("expected postgres overrides, got %+v", cfg.Database)
	}
	if got := cfg.HTTP.Timeout(); got != 45*time.Second {
		t.Fatalf("expected http timeout 45s, got %v", got)
	}
	rl := cfg.RateLimit.Controller()
	if rl.Default.RequestsPerSecond != 2 || rl.Default.CoolOff != 90*time.Second {
		t.Fatalf("expected default host overrides, got %+v", rl.Default)
	}
	host, ok := rl.Hosts["archidekt.com"]
	if !ok || host.RequestsPerSecond != 0.25 || host.BreakerThreshold != 3 {
		t.Fatalf("expected lower-cased archidekt override, got %+v", rl.Hosts)
	}
	if len(cfg.Sources.Archidekt.Commanders) != 2 || cfg.Sources.Moxfield.InterRequestSleep != 3*time.Second {
		t.Fatalf("expected source overrides, got %+v", cfg.Sources)
	}
	if cfg.Orchestrator.Workers != 6 || cfg.Orchestrator.ItemBudget != 0 {
		t.Fatalf("expected orchestrator overrides, got %+v", cfg.Orchestrator)
	}
	if !cfg.Transport.Headless.Enabled || cfg.Transport.ChallengeThreshold != 5 {
		t.Fatalf("expected transport overrides, got %+v", cfg.Transport)
	}
	if !cfg.PubSub.Enabled() || cfg.Archive.Bucket != "raw-decks" {
		t.Fatalf("expected pubsub and archive overrides")
	}
	if !cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("DECKHARVESTER_DATABASE_PATH", "/tmp/env.db")
	t.Setenv("DECKHARVESTER_ORCHESTRATOR_WORKERS", "9")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Path != "/tmp/env.db" {
		t.Fatalf("expected env database path, got %q", cfg.Database.Path)
	}
	if cfg.Orchestrator.Workers != 9 {
		t.Fatalf("expected env workers 9, got %d", cfg.Orchestrator.Workers)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{name: "invalid port", mut: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "unknown driver", mut: func(c *Config) { c.Database.Driver = "mysql" }, want: "database.driver"},
		{name: "sqlite without path", mut: func(c *Config) { c.Database.Path = "" }, want: "database.path"},
		{
			name: "postgres without dsn",
			mut:  func(c *Config) { c.Database.Driver = DriverPostgres },
			want: "database.dsn",
		},
		{name: "no attempts", mut: func(c *Config) { c.Database.QueueMaxAttempts = 0 }, want: "database.queue_max_attempts"},
		{name: "invalid timeout", mut: func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, want: "http.timeout_seconds"},
		{
			name: "host without name",
			mut:  func(c *Config) { c.RateLimit.Hosts = append(c.RateLimit.Hosts, HostOverride{}) },
			want: "ratelimit.hosts[",
		},
		{
			name: "headless missing max parallel",
			mut: func(c *Config) {
				c.Transport.Headless.Enabled = true
				c.Transport.Headless.MaxParallel = 0
			},
			want: "transport.headless.max_parallel",
		},
		{name: "no workers", mut: func(c *Config) { c.Orchestrator.Workers = 0 }, want: "orchestrator.workers"},
		{name: "threshold", mut: func(c *Config) { c.Orchestrator.FailureThreshold = 1.5 }, want: "orchestrator.failure_threshold"},
		{name: "zero threshold", mut: func(c *Config) { c.Orchestrator.FailureThreshold = 0 }, want: "orchestrator.failure_threshold"},
		{name: "gcs without bucket", mut: func(c *Config) { c.Archive.Backend = ArchiveGCS }, want: "archive.bucket"},
		{name: "unknown archive", mut: func(c *Config) { c.Archive.Backend = "s3" }, want: "archive.backend"},
		{
			name: "pubsub without topic",
			mut: func(c *Config) {
				c.PubSub.ProjectID = "p"
				c.PubSub.TopicName = ""
			},
			want: "pubsub.topic_name",
		},
		{name: "sample ratio", mut: func(c *Config) { c.Tracing.SampleRatio = 2 }, want: "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.RateLimit.Hosts = append([]HostOverride(nil), base.RateLimit.Hosts...)
			tt.mut(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
