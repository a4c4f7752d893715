// Package config loads and validates archiver configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/web-archiver/internal/logging"
	"github.com/JakeFAU/web-archiver/internal/storage/local"
)

// EnvPrefix prefixes every environment override, e.g. ARCHIVER_CRAWL_TIMEOUT.
const EnvPrefix = "ARCHIVER"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Crawl      CrawlConfig      `mapstructure:"crawl"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Events     EventsConfig     `mapstructure:"events"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Retention  RetentionConfig  `mapstructure:"retention"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	PublicBaseURL   string        `mapstructure:"public_base_url"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	StreamKeepAlive time.Duration `mapstructure:"stream_keepalive"`
}

// DatabaseConfig selects and sizes the job store.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// StorageConfig selects where archives are persisted.
type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Prefix  string       `mapstructure:"prefix"`
	Local   local.Config `mapstructure:"local"`
	GCS     GCSConfig    `mapstructure:"gcs"`
}

// GCSConfig names the archive bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
}

// CrawlConfig governs crawl execution and scheduling.
type CrawlConfig struct {
	Backend          string        `mapstructure:"backend"`
	Timeout          time.Duration `mapstructure:"timeout"`
	MaxConcurrent    int           `mapstructure:"max_concurrent"`
	QueueCapacity    int           `mapstructure:"queue_capacity"`
	EnqueueTimeout   time.Duration `mapstructure:"enqueue_timeout"`
	BacklogInterval  time.Duration `mapstructure:"backlog_interval"`
	FinalizeTimeout  time.Duration `mapstructure:"finalize_timeout"`
	WorkDir          string        `mapstructure:"work_dir"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	PageLimit        int           `mapstructure:"page_limit"`
	Depth            int           `mapstructure:"depth"`
	Docker           DockerConfig  `mapstructure:"docker"`
	Process          ProcessConfig `mapstructure:"process"`
}

// DockerConfig configures the container backend.
type DockerConfig struct {
	Image     string        `mapstructure:"image"`
	Pull      bool          `mapstructure:"pull"`
	MemoryMB  int64         `mapstructure:"memory_mb"`
	StopGrace time.Duration `mapstructure:"stop_grace"`
	ExtraArgs []string      `mapstructure:"extra_args"`
}

// ProcessConfig configures the local process backend.
type ProcessConfig struct {
	Command   string        `mapstructure:"command"`
	Args      []string      `mapstructure:"args"`
	Env       []string      `mapstructure:"env"`
	StopGrace time.Duration `mapstructure:"stop_grace"`
}

// ClassifierConfig tunes URL classification.
type ClassifierConfig struct {
	Probe            bool          `mapstructure:"probe"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout"`
	UserAgent        string        `mapstructure:"user_agent"`
	DynamicThreshold int           `mapstructure:"dynamic_threshold"`
}

// ProgressConfig tunes the progress hub and its sinks.
type ProgressConfig struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	BufferSize       int           `mapstructure:"buffer_size"`
	Batch            BatchConfig   `mapstructure:"batch"`
	SinkTimeout      time.Duration `mapstructure:"sink_timeout"`
	TerminalHistory  int           `mapstructure:"terminal_history"`
	LogEnabled       bool          `mapstructure:"log_enabled"`
	MetricsEnabled   bool          `mapstructure:"metrics_enabled"`
}

// BatchConfig bounds sink batches.
type BatchConfig struct {
	MaxEvents int           `mapstructure:"max_events"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// EventsConfig selects the external event bus for terminal job events.
type EventsConfig struct {
	Backend string       `mapstructure:"backend"`
	Topic   string       `mapstructure:"topic"`
	PubSub  PubSubConfig `mapstructure:"pubsub"`
	NATS    NATSConfig   `mapstructure:"nats"`
}

// PubSubConfig holds Google Cloud Pub/Sub settings.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// RateLimitConfig throttles submissions per target host.
type RateLimitConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	PerHostRPS   float64 `mapstructure:"per_host_rps"`
	PerHostBurst int     `mapstructure:"per_host_burst"`
}

// RetentionConfig controls what happens to artifacts of deleted jobs.
type RetentionConfig struct {
	PurgeOnDelete bool `mapstructure:"purge_on_delete"`
}

// Load builds a Config from an optional .env file, an optional config file
// and ARCHIVER_* environment variables, in increasing precedence.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("bind port env: %w", err)
	}

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

// setDefaults registers every key so environment overrides reach Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.public_base_url", "")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.stream_keepalive", "15s")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "data/archives.db")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate", true)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.prefix", "archives")
	v.SetDefault("storage.local.base_dir", "data/archives")
	v.SetDefault("storage.gcs.bucket", "")

	v.SetDefault("crawl.backend", "docker")
	v.SetDefault("crawl.timeout", "30m")
	v.SetDefault("crawl.max_concurrent", 2)
	v.SetDefault("crawl.queue_capacity", 256)
	v.SetDefault("crawl.enqueue_timeout", "100ms")
	v.SetDefault("crawl.backlog_interval", "5s")
	v.SetDefault("crawl.finalize_timeout", "30s")
	v.SetDefault("crawl.work_dir", "data/crawls")
	v.SetDefault("crawl.progress_interval", "5s")
	v.SetDefault("crawl.page_limit", 50)
	v.SetDefault("crawl.depth", 2)
	v.SetDefault("crawl.docker.image", "webrecorder/browsertrix-crawler:latest")
	v.SetDefault("crawl.docker.pull", false)
	v.SetDefault("crawl.docker.memory_mb", 2048)
	v.SetDefault("crawl.docker.stop_grace", "10s")
	v.SetDefault("crawl.docker.extra_args", []string{})
	v.SetDefault("crawl.process.command", "")
	v.SetDefault("crawl.process.args", []string{})
	v.SetDefault("crawl.process.env", []string{})
	v.SetDefault("crawl.process.stop_grace", "10s")

	v.SetDefault("classifier.probe", true)
	v.SetDefault("classifier.probe_timeout", "5s")
	v.SetDefault("classifier.user_agent", "web-archiver/1.0")
	v.SetDefault("classifier.dynamic_threshold", 2)

	v.SetDefault("progress.subscriber_buffer", 64)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.batch.max_events", 1000)
	v.SetDefault("progress.batch.max_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "10s")
	v.SetDefault("progress.terminal_history", 1024)
	v.SetDefault("progress.log_enabled", true)
	v.SetDefault("progress.metrics_enabled", true)

	v.SetDefault("events.backend", "none")
	v.SetDefault("events.topic", "archive-jobs")
	v.SetDefault("events.pubsub.project_id", "")
	v.SetDefault("events.pubsub.topic", "")
	v.SetDefault("events.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("events.nats.subject", "archiver.jobs")

	v.SetDefault("ratelimit.enabled", false)
	v.SetDefault("ratelimit.per_host_rps", 1.0)
	v.SetDefault("ratelimit.per_host_burst", 5)

	v.SetDefault("retention.purge_on_delete", true)
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be > 0")
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite", "postgres", "badger":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("database.driver must be one of memory, sqlite, postgres, badger")
	}

	switch c.Storage.Backend {
	case "memory":
	case "local":
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir is required for the local backend")
		}
	case "gcs":
		if strings.TrimSpace(c.Storage.GCS.Bucket) == "" {
			return fmt.Errorf("storage.gcs.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of local, gcs, memory")
	}

	switch c.Crawl.Backend {
	case "docker":
		if strings.TrimSpace(c.Crawl.Docker.Image) == "" {
			return fmt.Errorf("crawl.docker.image is required for the docker backend")
		}
	case "process":
		if strings.TrimSpace(c.Crawl.Process.Command) == "" {
			return fmt.Errorf("crawl.process.command is required for the process backend")
		}
	default:
		return fmt.Errorf("crawl.backend must be docker or process")
	}
	if c.Crawl.Timeout <= 0 {
		return fmt.Errorf("crawl.timeout must be > 0")
	}
	if c.Crawl.MaxConcurrent <= 0 {
		return fmt.Errorf("crawl.max_concurrent must be > 0")
	}
	if c.Crawl.QueueCapacity <= 0 {
		return fmt.Errorf("crawl.queue_capacity must be > 0")
	}
	if strings.TrimSpace(c.Crawl.WorkDir) == "" {
		return fmt.Errorf("crawl.work_dir is required")
	}
	if c.Crawl.PageLimit <= 0 || c.Crawl.Depth < 0 {
		return fmt.Errorf("crawl.page_limit must be > 0 and crawl.depth >= 0")
	}

	if c.Classifier.DynamicThreshold <= 0 {
		return fmt.Errorf("classifier.dynamic_threshold must be > 0")
	}

	switch c.Events.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Events.PubSub.ProjectID == "" || c.Events.PubSub.Topic == "" {
			return fmt.Errorf("events.pubsub.project_id and events.pubsub.topic are required for pubsub")
		}
	case "nats":
		if c.Events.NATS.URL == "" || c.Events.NATS.Subject == "" {
			return fmt.Errorf("events.nats.url and events.nats.subject are required for nats")
		}
	default:
		return fmt.Errorf("events.backend must be one of none, memory, pubsub, nats")
	}

	if c.RateLimit.Enabled && (c.RateLimit.PerHostRPS <= 0 || c.RateLimit.PerHostBurst <= 0) {
		return fmt.Errorf("ratelimit.per_host_rps and ratelimit.per_host_burst must be > 0 when enabled")
	}
	return nil
}
