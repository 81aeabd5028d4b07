// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/deck-harvester/internal/logging"
	"github.com/JakeFAU/deck-harvester/internal/normalize/scryfall"
	"github.com/JakeFAU/deck-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/deck-harvester/internal/source/archidekt"
	"github.com/JakeFAU/deck-harvester/internal/source/moxfield"
	"github.com/JakeFAU/deck-harvester/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. DECKHARVESTER_DATABASE_PATH.
const EnvPrefix = "DECKHARVESTER"

// Storage drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
	ArchiveMemory = "memory"
)

// popularCommanders seeds discovery until a deployment supplies its own list.
var popularCommanders = []string{
	"The Ur-Dragon",
	"Edgar Markov",
	"Atraxa, Praetors' Voice",
	"Yuriko, the Tiger's Shadow",
	"Krenko, Mob Boss",
}

// Config captures every knob loaded via Viper.
type Config struct {
	Logging      logging.Config     `mapstructure:"logging"`
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	RateLimit    RateLimitConfig    `mapstructure:"ratelimit"`
	Transport    TransportConfig    `mapstructure:"transport"`
	Sources      SourcesConfig      `mapstructure:"sources"`
	Scryfall     scryfall.Config    `mapstructure:"scryfall"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Tracing      telemetry.Config   `mapstructure:"tracing"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Port                   int    `mapstructure:"port"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
	RequestTimeoutSeconds  int    `mapstructure:"request_timeout_seconds"`
	// APIKey guards the job trigger endpoints when set.
	APIKey string `mapstructure:"api_key"`
}

// DatabaseConfig selects and tunes the store.
type DatabaseConfig struct {
	Driver           string `mapstructure:"driver"`
	Path             string `mapstructure:"path"`
	DSN              string `mapstructure:"dsn"`
	MaxConns         int    `mapstructure:"max_conns"`
	// QueueMaxAttempts is the retry ceiling of a queue item. An item is
	// dropped once its failed attempts exceed it.
	QueueMaxAttempts int    `mapstructure:"queue_max_attempts"`
}

// HTTPConfig configures the direct fetch strategy and the retry loop.
type HTTPConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	MaxBodyBytes   int    `mapstructure:"max_body_bytes"`
}

// Timeout is the per-request timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RateLimitConfig holds the default host schedule and per-host overrides. Hosts
// are a list because host names contain the key delimiter.
type RateLimitConfig struct {
	Default ratelimit.HostConfig `mapstructure:"default"`
	Hosts   []HostOverride       `mapstructure:"hosts"`
}

// HostOverride tunes a single host.
type HostOverride struct {
	Host                 string `mapstructure:"host"`
	ratelimit.HostConfig `mapstructure:",squash"`
}

// Controller converts the section into the rate controller's config.
func (c RateLimitConfig) Controller() ratelimit.Config {
	out := ratelimit.Config{Default: c.Default, Hosts: make(map[string]ratelimit.HostConfig, len(c.Hosts))}
	for _, h := range c.Hosts {
		out.Hosts[strings.ToLower(h.Host)] = h.HostConfig
	}
	return out
}

// TransportConfig tunes strategy selection.
type TransportConfig struct {
	ChallengeThreshold int            `mapstructure:"challenge_threshold"`
	Headless           HeadlessConfig `mapstructure:"headless"`
}

// HeadlessConfig configures the browser strategy.
type HeadlessConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	MaxParallel       int  `mapstructure:"max_parallel"`
	NavTimeoutSeconds int  `mapstructure:"nav_timeout_seconds"`
}

// SourcesConfig configures each adapter.
type SourcesConfig struct {
	Archidekt archidekt.Config `mapstructure:"archidekt"`
	Moxfield  moxfield.Config  `mapstructure:"moxfield"`
}

// OrchestratorConfig bounds every job.
type OrchestratorConfig struct {
	Workers           int     `mapstructure:"workers"`
	BatchSize         int     `mapstructure:"batch_size"`
	ItemBudget        int     `mapstructure:"item_budget"`
	TimeBudgetSeconds int     `mapstructure:"time_budget_seconds"`
	FailureThreshold  float64 `mapstructure:"failure_threshold"`
	NormalizeBatch    int     `mapstructure:"normalize_batch"`
}

// TimeBudget is the wall-clock budget of one job.
func (c OrchestratorConfig) TimeBudget() time.Duration {
	return time.Duration(c.TimeBudgetSeconds) * time.Second
}

// ArchiveConfig selects where raw payloads are kept.
type ArchiveConfig struct {
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// PubSubConfig holds the run event topic. Publishing is off without a project.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Enabled reports whether run events should be published.
func (c PubSubConfig) Enabled() bool {
	return c.ProjectID != "" && c.TopicName != ""
}

// Load builds a Config from disk/environment. An empty path searches ./,
// $HOME/.deckharvester and /etc/deckharvester for deckharvester.yaml.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// Without an explicit file, look in the usual places and fall back to
		// defaults and environment variables.
		v.SetConfigName("deckharvester")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.deckharvester")
		v.AddConfigPath("/etc/deckharvester/")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.api_key", "")

	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "data/harvest.db")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.queue_max_attempts", 5)

	v.SetDefault("http.user_agent", "deck-harvester/0.1 (+https://github.com/JakeFAU/deck-harvester)")
	v.SetDefault("http.timeout_seconds", 20)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.respect_robots", true)
	v.SetDefault("http.max_body_bytes", 32<<20)

	rl := ratelimit.DefaultHostConfig()
	v.SetDefault("ratelimit.default.requests_per_second", rl.RequestsPerSecond)
	v.SetDefault("ratelimit.default.jitter_fraction", rl.JitterFraction)
	v.SetDefault("ratelimit.default.backoff_factor", rl.BackoffFactor)
	v.SetDefault("ratelimit.default.backoff_max", rl.BackoffMax)
	v.SetDefault("ratelimit.default.breaker_threshold", rl.BreakerThreshold)
	v.SetDefault("ratelimit.default.breaker_window", rl.BreakerWindow)
	v.SetDefault("ratelimit.default.cool_off", rl.CoolOff)
	v.SetDefault("ratelimit.hosts", []map[string]any{
		{"host": "api2.moxfield.com", "requests_per_second": 0.5},
		{"host": "www.moxfield.com", "requests_per_second": 0.5},
		{"host": "archidekt.com", "requests_per_second": 1.0},
		{"host": "api.scryfall.com", "requests_per_second": 5.0},
	})

	v.SetDefault("transport.challenge_threshold", 3)
	v.SetDefault("transport.headless.enabled", false)
	v.SetDefault("transport.headless.max_parallel", 1)
	v.SetDefault("transport.headless.nav_timeout_seconds", 30)

	ad := archidekt.DefaultConfig()
	v.SetDefault("sources.archidekt.base_url", ad.BaseURL)
	v.SetDefault("sources.archidekt.page_size", ad.PageSize)
	v.SetDefault("sources.archidekt.max_pages", ad.MaxPages)
	v.SetDefault("sources.archidekt.format_filter", ad.FormatFilter)
	v.SetDefault("sources.archidekt.search_pages", ad.SearchPages)
	v.SetDefault("sources.archidekt.page_sleep", 2*time.Second)
	v.SetDefault("sources.archidekt.commanders", popularCommanders)

	mf := moxfield.DefaultConfig()
	v.SetDefault("sources.moxfield.base_url", mf.BaseURL)
	v.SetDefault("sources.moxfield.site_url", mf.SiteURL)
	v.SetDefault("sources.moxfield.max_pages", mf.MaxPages)
	v.SetDefault("sources.moxfield.page_size", mf.PageSize)
	v.SetDefault("sources.moxfield.inter_request_sleep", time.Second)
	v.SetDefault("sources.moxfield.popular_commanders", popularCommanders)

	sf := scryfall.DefaultConfig()
	v.SetDefault("scryfall.bulk_data_url", sf.BulkDataURL)
	v.SetDefault("scryfall.local_bulk_path", sf.LocalBulkPath)
	v.SetDefault("scryfall.refresh_cadence_hours", sf.RefreshCadenceHours)
	v.SetDefault("scryfall.user_agent", "")

	v.SetDefault("orchestrator.workers", 2)
	v.SetDefault("orchestrator.batch_size", 25)
	v.SetDefault("orchestrator.item_budget", 500)
	v.SetDefault("orchestrator.time_budget_seconds", 1800)
	v.SetDefault("orchestrator.failure_threshold", 0.5)
	v.SetDefault("orchestrator.normalize_batch", 1000)

	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.base_dir", "data/raw")
	v.SetDefault("archive.prefix", "raw")

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "deck-harvester-runs")

	tr := telemetry.DefaultConfig()
	v.SetDefault("tracing.service_name", tr.ServiceName)
	v.SetDefault("tracing.sample_ratio", tr.SampleRatio)
}

// Validate enforces required values and reasonable limits. Errors name the
// offending key.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path must be set for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.Database.Driver)
	}
	if c.Database.QueueMaxAttempts <= 0 {
		return fmt.Errorf("database.queue_max_attempts must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.RateLimit.Default.RequestsPerSecond <= 0 {
		return fmt.Errorf("ratelimit.default.requests_per_second must be > 0")
	}
	for i, h := range c.RateLimit.Hosts {
		if h.Host == "" {
			return fmt.Errorf("ratelimit.hosts[%d].host must be set", i)
		}
	}
	if c.Transport.Headless.Enabled && c.Transport.Headless.MaxParallel <= 0 {
		return fmt.Errorf("transport.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Orchestrator.Workers <= 0 {
		return fmt.Errorf("orchestrator.workers must be > 0")
	}
	if c.Orchestrator.BatchSize <= 0 {
		return fmt.Errorf("orchestrator.batch_size must be > 0")
	}
	if c.Orchestrator.ItemBudget < 0 {
		return fmt.Errorf("orchestrator.item_budget must be >= 0")
	}
	if c.Orchestrator.TimeBudgetSeconds < 0 {
		return fmt.Errorf("orchestrator.time_budget_seconds must be >= 0")
	}
	if c.Orchestrator.FailureThreshold <= 0 || c.Orchestrator.FailureThreshold > 1 {
		return fmt.Errorf("orchestrator.failure_threshold must be within (0, 1]")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}
