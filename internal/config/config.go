// Package config loads and validates harvest-engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/harvest-engine/internal/architect"
	"github.com/JakeFAU/harvest-engine/internal/browser"
	"github.com/JakeFAU/harvest-engine/internal/collector"
	"github.com/JakeFAU/harvest-engine/internal/harvester"
	"github.com/JakeFAU/harvest-engine/internal/llm"
	"github.com/JakeFAU/harvest-engine/internal/logging"
	"github.com/JakeFAU/harvest-engine/internal/pagecrawl"
	"github.com/JakeFAU/harvest-engine/internal/refinery"
	"github.com/JakeFAU/harvest-engine/internal/scout"
	"github.com/JakeFAU/harvest-engine/internal/storage/postgres"
	"github.com/JakeFAU/harvest-engine/internal/telemetry"
)

// EnvPrefix is prepended to every environment override, e.g.
// HARVEST_SERVER_PORT.
const EnvPrefix = "HARVEST"

// Storage backends.
const (
	BackendMemory = "memory"
	BackendLocal  = "local"
	BackendGCS    = "gcs"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueuePubSub = "pubsub"
)

// Content index drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Logging   logging.Config   `mapstructure:"logging"`
	Browser   BrowserConfig    `mapstructure:"browser"`
	Scout     scout.Config     `mapstructure:"scout"`
	Architect architect.Config `mapstructure:"architect"`
	LLM       llm.Config       `mapstructure:"llm"`
	Harvester harvester.Config `mapstructure:"harvester"`
	Refinery  refinery.Config  `mapstructure:"refinery"`
	Collector collector.Config `mapstructure:"collector"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Index     IndexConfig      `mapstructure:"index"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Export    ExportConfig     `mapstructure:"export"`
	Progress  ProgressConfig   `mapstructure:"progress"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Crawl     pagecrawl.Config `mapstructure:"crawl"`
	Queue     QueueConfig      `mapstructure:"queue"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// BrowserConfig configures the shared Chrome process.
type BrowserConfig struct {
	Headless    bool   `mapstructure:"headless"`
	ExecPath    string `mapstructure:"exec_path"`
	MaxSessions int    `mapstructure:"max_sessions"`
	// MaxMemoryPercent forces a session recycle once host memory use
	// reaches it. Zero disables the guard.
	MaxMemoryPercent float64 `mapstructure:"max_memory_percent"`
}

// Chrome converts the section into the browser package config.
func (b BrowserConfig) Chrome() browser.Config {
	return browser.Config{Headless: b.Headless, ExecPath: b.ExecPath, MaxSessions: b.MaxSessions}
}

// Guard returns the memory guard shared by the recycling phases.
func (b BrowserConfig) Guard() browser.MemoryGuard {
	return browser.HostMemoryGuard{MaxUsedPercent: b.MaxMemoryPercent}
}

// StorageConfig selects where unique payload blobs are written.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	BaseDir string `mapstructure:"base_dir"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	// OutputDir is the parent of per-task industrial output directories.
	OutputDir string `mapstructure:"output_dir"`
}

// IndexConfig selects the content index implementation.
type IndexConfig struct {
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
	Table  string `mapstructure:"table"`
}

// DatabaseConfig controls access to Postgres. An empty DSN keeps task state
// in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// Pool converts the section into the postgres pool config.
func (d DatabaseConfig) Pool() postgres.Config {
	return postgres.Config{
		DSN:             d.DSN,
		MaxConns:        d.MaxConns,
		MinConns:        d.MinConns,
		MaxConnLifetime: d.MaxConnLifetime,
	}
}

// ExportConfig sets where CSV and SQL exports are appended.
type ExportConfig struct {
	Dir string `mapstructure:"dir"`
}

// ProgressConfig tunes the event hub and its sinks.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
	LogSink        bool          `mapstructure:"log_sink"`
	Prometheus     bool          `mapstructure:"prometheus"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// QueueConfig selects the work queue and sizes the worker pool. Depth only
// applies to the memory backend; the pubsub backend uses Topic and
// Subscription in pubsub.project_id.
type QueueConfig struct {
	Backend      string `mapstructure:"backend"`
	Depth        int    `mapstructure:"depth"`
	Workers      int    `mapstructure:"workers"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// Load builds a Config from disk/environment.
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.max_sessions", 4)
	v.SetDefault("browser.max_memory_percent", 90.0)

	sc := scout.DefaultConfig()
	v.SetDefault("scout.scroll_rounds", sc.ScrollRounds)
	v.SetDefault("scout.navigation_timeout", sc.NavigationTimeout)
	v.SetDefault("scout.jitter_min", sc.JitterMin)
	v.SetDefault("scout.jitter_max", sc.JitterMax)
	v.SetDefault("scout.settle", sc.Settle)

	v.SetDefault("architect.timeout", 2*time.Minute)
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 2*time.Minute)

	hc := harvester.DefaultConfig()
	v.SetDefault("harvester.scroll_rounds", hc.ScrollRounds)
	v.SetDefault("harvester.navigation_timeout", hc.NavigationTimeout)
	v.SetDefault("harvester.round_settle", hc.RoundSettle)
	v.SetDefault("harvester.final_settle", hc.FinalSettle)
	v.SetDefault("harvester.recycle_threshold", hc.RecycleThreshold)

	v.SetDefault("refinery.batch_size", refinery.DefaultBatchSize)

	cc := collector.DefaultConfig()
	v.SetDefault("collector.scroll_count", cc.ScrollCount)
	v.SetDefault("collector.max_items", cc.MaxItems)
	v.SetDefault("collector.wait_until", cc.WaitUntil)
	v.SetDefault("collector.recycle_threshold", cc.RecycleThreshold)
	v.SetDefault("collector.navigation_timeout", cc.NavigationTimeout)
	v.SetDefault("collector.count_document", cc.CountDocument)

	v.SetDefault("storage.backend", BackendLocal)
	v.SetDefault("storage.base_dir", "data")
	v.SetDefault("storage.prefix", "raw")
	v.SetDefault("storage.output_dir", "data/tasks")
	v.SetDefault("index.driver", DriverSQLite)
	v.SetDefault("index.path", "data/content_index.db")
	v.SetDefault("index.table", "content_index")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("export.dir", "data/exports")

	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("progress.sink_timeout", 5*time.Second)
	v.SetDefault("progress.log_sink", true)
	v.SetDefault("progress.prometheus", true)

	pc := pagecrawl.DefaultConfig()
	v.SetDefault("crawl.max_pages", pc.MaxPages)
	v.SetDefault("crawl.concurrency", pc.Concurrency)
	v.SetDefault("crawl.requests_per_second", pc.RequestsPerSecond)
	v.SetDefault("crawl.burst", pc.Burst)
	v.SetDefault("crawl.user_agent", pc.UserAgent)
	v.SetDefault("crawl.timeout", pc.Timeout)
	v.SetDefault("crawl.max_prompt_chars", pc.MaxPromptChars)

	v.SetDefault("queue.backend", QueueMemory)
	v.SetDefault("queue.depth", 64)
	v.SetDefault("queue.workers", 2)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "harvest-engine")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Browser.MaxSessions < 0 {
		return fmt.Errorf("browser.max_sessions must be >= 0")
	}
	if c.Browser.MaxMemoryPercent < 0 || c.Browser.MaxMemoryPercent > 100 {
		return fmt.Errorf("browser.max_memory_percent must be within [0, 100]")
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local backend")
		}
	case BackendGCS:
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not one of memory, local, gcs", c.Storage.Backend)
	}
	switch c.Index.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Index.Path == "" {
			return fmt.Errorf("index.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres index")
		}
	default:
		return fmt.Errorf("index.driver %q is not one of memory, sqlite, postgres", c.Index.Driver)
	}
	if c.Export.Dir == "" {
		return fmt.Errorf("export.dir must be set")
	}
	if !validWait(c.Collector.WaitUntil) {
		return fmt.Errorf("collector.wait_until %q is not one of networkidle, load, domcontentloaded", c.Collector.WaitUntil)
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	switch c.Queue.Backend {
	case QueueMemory:
		if c.Queue.Depth <= 0 {
			return fmt.Errorf("queue.depth must be > 0")
		}
	case QueuePubSub:
		if c.PubSub.ProjectID == "" || c.Queue.Topic == "" || c.Queue.Subscription == "" {
			return fmt.Errorf("queue backend pubsub requires pubsub.project_id, queue.topic and queue.subscription")
		}
	default:
		return fmt.Errorf("queue.backend %q is not one of memory, pubsub", c.Queue.Backend)
	}
	if c.Queue.Workers <= 0 {
		return fmt.Errorf("queue.workers must be > 0")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0, 1]")
	}
	return nil
}

func validWait(s string) bool {
	switch browser.WaitCondition(strings.ToLower(strings.TrimSpace(s))) {
	case "", browser.WaitNetworkIdle, browser.WaitLoad, browser.WaitDOMContentLoaded:
		return true
	default:
		return false
	}
}
