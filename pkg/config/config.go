// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Postgres, Redis, Kafka, Index, Shard, Bloom, Recon, etc.).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Redis     RedisConfig     `yaml:"redis"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Index     IndexConfig     `yaml:"index"`
	Shard     ShardConfig     `yaml:"shard"`
	Bloom     BloomConfig     `yaml:"bloom"`
	Recon     ReconConfig     `yaml:"recon"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// PostgresConfig holds PostgreSQL connection parameters for the event and
// result stores.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// RedisConfig holds Redis connection parameters. Redis serves the network
// event-index backend and the ingestion dedup keys.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"poolSize"`
}

// KafkaConfig holds Kafka broker and topic settings. Events are published to
// one topic per event type: "{topicPrefix}.{lowercased event type}".
type KafkaConfig struct {
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumerGroup"`
	TopicPrefix   string   `yaml:"topicPrefix"`
}

// IndexConfig selects and tunes the event-index backend.
type IndexConfig struct {
	Backend    string        `yaml:"backend"` // "redis" or "sqlite"
	TTL        time.Duration `yaml:"ttl"`
	SQLitePath string        `yaml:"sqlitePath"`
}

// ShardConfig controls how the event-ID space is partitioned across
// reconciler instances.
type ShardConfig struct {
	Mode         string   `yaml:"mode"` // "single" or "sharded"
	Shards       []string `yaml:"shards"`
	VirtualNodes int      `yaml:"virtualNodes"`
	ShardName    string   `yaml:"shardName"` // this instance's shard
	Strategy     string   `yaml:"strategy"`  // "local" or "forward"
}

// BloomConfig sizes the time-windowed bloom filter used on the ingestion
// fast path.
type BloomConfig struct {
	ExpectedItems int           `yaml:"expectedItems"`
	FPRate        float64       `yaml:"fpRate"`
	Windows       int           `yaml:"windows"`
	Window        time.Duration `yaml:"window"`
}

// ReconConfig holds reconciliation engine defaults.
type ReconConfig struct {
	WindowMinutes        int      `yaml:"windowMinutes"`
	ExpectedSources      []string `yaml:"expectedSources"`
	ConsistencyThreshold float64  `yaml:"consistencyThreshold"`
	MaxEventsPerRun      int      `yaml:"maxEventsPerRun"`
}

// GatewayConfig tunes the ingestion gateway.
type GatewayConfig struct {
	DedupTTL     time.Duration `yaml:"dedupTTL"`
	MaxBatchSize int           `yaml:"maxBatchSize"`
}

// SchedulerConfig controls the background reconciliation and maintenance
// jobs run by the reconciler service.
type SchedulerConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Interval        time.Duration `yaml:"interval"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	MaxRetries      int           `yaml:"maxRetries"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with sensible defaults for any
// missing values.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// defaultConfig returns a Config with production-ready defaults for local
// development.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "parity",
			User:            "parity",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "parity-reconciler",
			TopicPrefix:   "parity.events",
		},
		Index: IndexConfig{
			Backend:    "redis",
			TTL:        24 * time.Hour,
			SQLitePath: "data/eventindex.db",
		},
		Shard: ShardConfig{
			Mode:         "single",
			Shards:       []string{"default"},
			VirtualNodes: 150,
			ShardName:    "default",
			Strategy:     "local",
		},
		Bloom: BloomConfig{
			ExpectedItems: 100000,
			FPRate:        0.01,
			Windows:       6,
			Window:        time.Hour,
		},
		Recon: ReconConfig{
			WindowMinutes:        30,
			ExpectedSources:      []string{"aws", "gcp", "azure"},
			ConsistencyThreshold: 0.95,
			MaxEventsPerRun:      1000,
		},
		Gateway: GatewayConfig{
			DedupTTL:     time.Hour,
			MaxBatchSize: 100,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			Interval:        5 * time.Minute,
			CleanupInterval: 10 * time.Minute,
			MaxRetries:      3,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// applyEnvOverrides reads PARITY_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARITY_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PARITY_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("PARITY_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("PARITY_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("PARITY_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("PARITY_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("PARITY_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("PARITY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("PARITY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("PARITY_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("PARITY_KAFKA_TOPIC_PREFIX"); v != "" {
		cfg.Kafka.TopicPrefix = v
	}
	if v := os.Getenv("PARITY_INDEX_BACKEND"); v != "" {
		cfg.Index.Backend = v
	}
	if v := os.Getenv("PARITY_INDEX_SQLITE_PATH"); v != "" {
		cfg.Index.SQLitePath = v
	}
	if v := os.Getenv("PARITY_INDEX_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Index.TTL = d
		}
	}
	if v := os.Getenv("PARITY_GATEWAY_DEDUP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gateway.DedupTTL = d
		}
	}
	if v := os.Getenv("PARITY_BLOOM_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Bloom.Window = d
		}
	}
	if v := os.Getenv("PARITY_SCHEDULER_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.Interval = d
		}
	}
	if v := os.Getenv("PARITY_SCHEDULER_CLEANUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Scheduler.CleanupInterval = d
		}
	}
	if v := os.Getenv("PARITY_SHARD_MODE"); v != "" {
		cfg.Shard.Mode = v
	}
	if v := os.Getenv("PARITY_SHARD_NAME"); v != "" {
		cfg.Shard.ShardName = v
	}
	if v := os.Getenv("PARITY_SHARD_SHARDS"); v != "" {
		cfg.Shard.Shards = strings.Split(v, ",")
	}
	if v := os.Getenv("PARITY_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PARITY_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PARITY_SCHEDULER_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Scheduler.Enabled = enabled
		}
	}
}
