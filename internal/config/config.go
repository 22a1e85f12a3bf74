// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Media     MediaConfig     `mapstructure:"media"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Blob      BlobConfig      `mapstructure:"blob"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Publisher PublisherConfig `mapstructure:"publisher"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Platform  PlatformConfig  `mapstructure:"platform"`
	Secret    SecretConfig    `mapstructure:"secret"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// WorkerConfig governs the worker pool and the scrape loop.
type WorkerConfig struct {
	Concurrency           int           `mapstructure:"concurrency"`
	QueueDepth            int           `mapstructure:"queue_depth"`
	LeaseTimeout          time.Duration `mapstructure:"lease_timeout"`
	BatchSize             int           `mapstructure:"batch_size"`
	CheckpointInterval    int           `mapstructure:"checkpoint_interval"`
	MaxTransientFailures  int           `mapstructure:"max_transient_failures"`
	NetworkBackoffInitial time.Duration `mapstructure:"network_backoff_initial"`
	NetworkBackoffMax     time.Duration `mapstructure:"network_backoff_max"`
	CallsPerSecond        float64       `mapstructure:"calls_per_second"`
	Burst                 int           `mapstructure:"burst"`
}

// MediaConfig governs media download tasks.
type MediaConfig struct {
	MaxAttempts       int    `mapstructure:"max_attempts"`
	DefaultBatchLimit int    `mapstructure:"default_batch_limit"`
	Prefix            string `mapstructure:"prefix"`
}

// SchedulerConfig controls the recurring-scrape loop.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Tick            time.Duration `mapstructure:"tick"`
	DefaultInterval time.Duration `mapstructure:"default_interval"`
}

// NotifyConfig controls webhook delivery of keyword matches.
type NotifyConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Topic          string        `mapstructure:"topic"`
}

// StorageConfig selects the repository backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// BlobConfig selects where media payloads are written.
type BlobConfig struct {
	Backend   string   `mapstructure:"backend"`
	LocalDir  string   `mapstructure:"local_dir"`
	GCSBucket string   `mapstructure:"gcs_bucket"`
	S3        S3Config `mapstructure:"s3"`
}

// S3Config addresses an S3-compatible bucket.
type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Region    string `mapstructure:"region"`
}

// QueueConfig selects the job queue backend.
type QueueConfig struct {
	Backend string `mapstructure:"backend"`
}

// PublisherConfig selects where job events go.
type PublisherConfig struct {
	Backend string `mapstructure:"backend"`
	Topic   string `mapstructure:"topic"`
}

// PubSubConfig holds Google Pub/Sub identifiers.
type PubSubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// KafkaConfig holds broker settings for the kafka publisher.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// PlatformConfig selects the messaging platform client.
type PlatformConfig struct {
	Backend string `mapstructure:"backend"`
	APIID   int    `mapstructure:"api_id"`
	APIHash string `mapstructure:"api_hash"`
}

// SecretConfig holds the credential sealing key.
type SecretConfig struct {
	Key string `mapstructure:"key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCRAPER")
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
	v.SetDefault("server.read_header_timeout", 10*time.Second)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 256)
	v.SetDefault("worker.lease_timeout", 30*time.Second)
	v.SetDefault("worker.batch_size", 100)
	v.SetDefault("worker.checkpoint_interval", 50)
	v.SetDefault("worker.max_transient_failures", 5)
	v.SetDefault("worker.network_backoff_initial", time.Second)
	v.SetDefault("worker.network_backoff_max", 30*time.Second)
	v.SetDefault("worker.calls_per_second", 1.0)
	v.SetDefault("worker.burst", 5)
	v.SetDefault("media.max_attempts", 3)
	v.SetDefault("media.default_batch_limit", 10)
	v.SetDefault("media.prefix", "media")
	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.tick", time.Minute)
	v.SetDefault("scheduler.default_interval", 24*time.Hour)
	v.SetDefault("notify.workers", 2)
	v.SetDefault("notify.max_attempts", 5)
	v.SetDefault("notify.backoff_initial", 500*time.Millisecond)
	v.SetDefault("notify.backoff_max", 30*time.Second)
	v.SetDefault("notify.timeout", 10*time.Second)
	v.SetDefault("notify.topic", "keyword-matches")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("blob.backend", "memory")
	v.SetDefault("blob.local_dir", "./media")
	v.SetDefault("blob.s3.region", "us-east-1")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("publisher.backend", "memory")
	v.SetDefault("publisher.topic", "job-events")
	v.SetDefault("platform.backend", "fake")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")

	// Keys without a useful default are registered so AutomaticEnv can populate them.
	for _, key := range []string{
		"auth.api_key", "db.dsn", "blob.gcs_bucket",
		"blob.s3.endpoint", "blob.s3.access_key", "blob.s3.secret_key", "blob.s3.bucket",
		"pubsub.project_id", "pubsub.topic", "pubsub.subscription", "kafka.topic",
		"platform.api_hash", "secret.key",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("auth.enabled", false)
	v.SetDefault("blob.s3.use_ssl", false)
	v.SetDefault("platform.api_id", 0)
	v.SetDefault("kafka.brokers", []string{})
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Worker.QueueDepth <= 0 {
		return fmt.Errorf("worker.queue_depth must be > 0")
	}
	if c.Worker.LeaseTimeout <= 0 {
		return fmt.Errorf("worker.lease_timeout must be > 0")
	}
	if c.Worker.BatchSize <= 0 || c.Worker.CheckpointInterval <= 0 {
		return fmt.Errorf("worker.batch_size and worker.checkpoint_interval must be > 0")
	}
	if c.Worker.MaxTransientFailures <= 0 {
		return fmt.Errorf("worker.max_transient_failures must be > 0")
	}
	if c.Media.MaxAttempts <= 0 {
		return fmt.Errorf("media.max_attempts must be > 0")
	}
	if c.Scheduler.Enabled && c.Scheduler.Tick <= 0 {
		return fmt.Errorf("scheduler.tick must be > 0 when the scheduler is enabled")
	}
	if err := oneOf("storage.backend", c.Storage.Backend, "memory", "postgres"); err != nil {
		return err
	}
	if c.Storage.Backend == "postgres" && c.DB.DSN == "" {
		return fmt.Errorf("db.dsn must be set when storage.backend is postgres")
	}
	if err := c.validateBlob(); err != nil {
		return err
	}
	if err := oneOf("queue.backend", c.Queue.Backend, "memory", "pubsub"); err != nil {
		return err
	}
	if c.Queue.Backend == "pubsub" && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "" || c.PubSub.Subscription == "") {
		return fmt.Errorf("pubsub.project_id, pubsub.topic and pubsub.subscription must be set for the pubsub queue")
	}
	if err := oneOf("publisher.backend", c.Publisher.Backend, "memory", "pubsub", "kafka"); err != nil {
		return err
	}
	if c.Publisher.Backend == "pubsub" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set for the pubsub publisher")
	}
	if c.Publisher.Backend == "kafka" && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers must be set for the kafka publisher")
	}
	if err := oneOf("platform.backend", c.Platform.Backend, "fake", "telegram"); err != nil {
		return err
	}
	if c.Secret.Key == "" {
		return fmt.Errorf("secret.key must be set")
	}
	return nil
}

func (c Config) validateBlob() error {
	if err := oneOf("blob.backend", c.Blob.Backend, "memory", "local", "gcs", "s3"); err != nil {
		return err
	}
	switch c.Blob.Backend {
	case "local":
		if c.Blob.LocalDir == "" {
			return fmt.Errorf("blob.local_dir must be set for the local blob store")
		}
	case "gcs":
		if c.Blob.GCSBucket == "" {
			return fmt.Errorf("blob.gcs_bucket must be set for the gcs blob store")
		}
	case "s3":
		if c.Blob.S3.Endpoint == "" || c.Blob.S3.Bucket == "" {
			return fmt.Errorf("blob.s3.endpoint and blob.s3.bucket must be set for the s3 blob store")
		}
	}
	return nil
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}
