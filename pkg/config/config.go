// Package config loads application configuration from a YAML file with
// environment-variable overrides. Besides the service plumbing (server,
// Kafka, Redis, Postgres, logging, metrics) it carries the index settings and
// the schema the index is opened with.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Adithya-Monish-Kumar-K/logsearch/internal/schema"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Index     IndexConfig     `yaml:"index"`
	Search    SearchConfig    `yaml:"search"`
	Schema    []schema.Field  `yaml:"schema"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Analytics AnalyticsConfig `yaml:"analytics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	MaxBodyBytes    int64         `yaml:"maxBodyBytes"`
	// MaxEvents caps the number of events in one ingest request.
	MaxEvents int `yaml:"maxEvents"`
	// APIKeys, when non-empty, are the bearer tokens accepted by the API.
	APIKeys []string `yaml:"apiKeys"`
	// RateLimit is the number of requests per minute allowed per client.
	// Zero disables rate limiting.
	RateLimit   int      `yaml:"rateLimit"`
	CORSOrigins []string `yaml:"corsOrigins"`
}

// IndexConfig controls where the index lives, when the writer buffer is
// flushed into a segment and how segments are merged.
type IndexConfig struct {
	// DataDir holds segment files and the manifest. Empty keeps the
	// index in memory only.
	DataDir             string        `yaml:"dataDir"`
	FlushInterval       time.Duration `yaml:"flushInterval"`
	FlushMaxDocs        int           `yaml:"flushMaxDocs"`
	MergeInterval       time.Duration `yaml:"mergeInterval"`
	MergeMaxSegmentDocs int           `yaml:"mergeMaxSegmentDocs"`
	MergeMinSegments    int           `yaml:"mergeMinSegments"`
	MergeMaxSegments    int           `yaml:"mergeMaxSegments"`
}

// SearchConfig controls query limits and timeouts.
type SearchConfig struct {
	DefaultLimit int           `yaml:"defaultLimit"`
	MaxResults   int           `yaml:"maxResults"`
	Timeout      time.Duration `yaml:"timeout"`
	// SlowQuery is the latency at which a search's stage timings are
	// logged at warn. Zero disables it.
	SlowQuery time.Duration `yaml:"slowQuery"`
}

// KafkaConfig holds the broker list and the topic log events arrive on.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	ConsumerGroup string   `yaml:"consumerGroup"`
	Topic         string   `yaml:"topic"`
	// DeadLetterTopic receives rejected events when Postgres is disabled.
	DeadLetterTopic string `yaml:"deadLetterTopic"`
	// KeyField names the event field used as the message key when the
	// HTTP API publishes to Kafka instead of indexing directly.
	KeyField string `yaml:"keyField"`
	// Consumed offsets are committed after the index flushes, once
	// CommitBatch events are waiting or CommitInterval has passed.
	CommitBatch    int           `yaml:"commitBatch"`
	CommitInterval time.Duration `yaml:"commitInterval"`
}

// RedisConfig holds Redis connection and result-cache parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// PostgresConfig holds the connection parameters of the dead-letter store.
type PostgresConfig struct {
	Enabled         bool          `yaml:"enabled"`
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

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// IndexRecords feeds the service's own log records into the index.
	IndexRecords bool `yaml:"indexRecords"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// AnalyticsConfig controls the query-log aggregator.
type AnalyticsConfig struct {
	Enabled bool `yaml:"enabled"`
	// SnapshotInterval is how often aggregated stats are saved to Postgres.
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
	// Topic, when Kafka is enabled, receives every search and ingest event.
	Topic string `yaml:"topic"`
	// Retention is how long saved snapshots are kept. Zero keeps them all.
	Retention time.Duration `yaml:"retention"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when nothing is overridden: an
// in-memory index over a small structured-log schema.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxBodyBytes:    4 << 20,
			MaxEvents:       1000,
			CORSOrigins:     []string{"*"},
		},
		Index: DefaultIndexConfig(),
		Search: SearchConfig{
			DefaultLimit: 20,
			MaxResults:   1000,
			Timeout:      5 * time.Second,
			SlowQuery:    time.Second,
		},
		Schema: []schema.Field{
			{Name: "timestamp", Type: schema.Timestamp, Indexed: true, Stored: true},
			{Name: "level", Type: schema.Keyword, Indexed: true, Stored: true},
			{Name: "target", Type: schema.Keyword, Indexed: true, Stored: true},
			{Name: "message", Type: schema.Text, Indexed: true, Stored: true, Primary: true},
		},
		Kafka: KafkaConfig{
			Brokers:         []string{"localhost:9092"},
			ConsumerGroup:   "logsearch-indexer",
			Topic:           "log-events",
			DeadLetterTopic: "log-events-dead",
			KeyField:        "target",
			CommitInterval:  time.Second,
			CommitBatch:     1000,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "logsearch",
			User:            "logsearch",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Analytics: AnalyticsConfig{
			Enabled:          true,
			SnapshotInterval: time.Minute,
			Topic:            "log-search-analytics",
			Retention:        7 * 24 * time.Hour,
		},
	}
}

// DefaultIndexConfig returns the index settings used when none are given.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		FlushInterval:       5 * time.Second,
		FlushMaxDocs:        10_000,
		MergeInterval:       30 * time.Second,
		MergeMaxSegmentDocs: 100_000,
		MergeMinSegments:    4,
		MergeMaxSegments:    10,
	}
}

// BuildSchema turns the configured field list into a Schema.
func (c *Config) BuildSchema() (*schema.Schema, error) {
	return schema.Define(c.Schema)
}

// applyEnvOverrides reads LS_* environment variables and overrides the
// corresponding config fields. A malformed number or duration is an error
// rather than being silently ignored.
func applyEnvOverrides(cfg *Config) error {
	var errs []string
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
				return
			}
			*dst = d
		}
	}
	setBool := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s=%q: %v", key, v, err))
				return
			}
			*dst = b
		}
	}
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	setInt("LS_SERVER_PORT", &cfg.Server.Port)
	setInt("LS_SERVER_RATE_LIMIT", &cfg.Server.RateLimit)
	if v := os.Getenv("LS_SERVER_API_KEYS"); v != "" {
		cfg.Server.APIKeys = strings.Split(v, ",")
	}
	setString("LS_INDEX_DATA_DIR", &cfg.Index.DataDir)
	setDuration("LS_INDEX_FLUSH_INTERVAL", &cfg.Index.FlushInterval)
	setInt("LS_INDEX_FLUSH_MAX_DOCS", &cfg.Index.FlushMaxDocs)
	setDuration("LS_INDEX_MERGE_INTERVAL", &cfg.Index.MergeInterval)
	setInt("LS_SEARCH_DEFAULT_LIMIT", &cfg.Search.DefaultLimit)
	setInt("LS_SEARCH_MAX_RESULTS", &cfg.Search.MaxResults)
	setDuration("LS_SEARCH_TIMEOUT", &cfg.Search.Timeout)
	setDuration("LS_SEARCH_SLOW_QUERY", &cfg.Search.SlowQuery)
	setBool("LS_KAFKA_ENABLED", &cfg.Kafka.Enabled)
	if v := os.Getenv("LS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	setString("LS_KAFKA_TOPIC", &cfg.Kafka.Topic)
	setString("LS_KAFKA_DEAD_LETTER_TOPIC", &cfg.Kafka.DeadLetterTopic)
	setInt("LS_KAFKA_COMMIT_BATCH", &cfg.Kafka.CommitBatch)
	setDuration("LS_KAFKA_COMMIT_INTERVAL", &cfg.Kafka.CommitInterval)
	setBool("LS_REDIS_ENABLED", &cfg.Redis.Enabled)
	setString("LS_REDIS_ADDR", &cfg.Redis.Addr)
	setString("LS_REDIS_PASSWORD", &cfg.Redis.Password)
	setBool("LS_POSTGRES_ENABLED", &cfg.Postgres.Enabled)
	setString("LS_POSTGRES_HOST", &cfg.Postgres.Host)
	setInt("LS_POSTGRES_PORT", &cfg.Postgres.Port)
	setString("LS_POSTGRES_DATABASE", &cfg.Postgres.Database)
	setString("LS_POSTGRES_USER", &cfg.Postgres.User)
	setString("LS_POSTGRES_PASSWORD", &cfg.Postgres.Password)
	setString("LS_POSTGRES_SSLMODE", &cfg.Postgres.SSLMode)
	setString("LS_LOGGING_LEVEL", &cfg.Logging.Level)
	setString("LS_LOGGING_FORMAT", &cfg.Logging.Format)
	setBool("LS_LOGGING_INDEX_RECORDS", &cfg.Logging.IndexRecords)
	setBool("LS_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setInt("LS_METRICS_PORT", &cfg.Metrics.Port)
	setBool("LS_ANALYTICS_ENABLED", &cfg.Analytics.Enabled)
	setDuration("LS_ANALYTICS_SNAPSHOT_INTERVAL", &cfg.Analytics.SnapshotInterval)
	setString("LS_ANALYTICS_TOPIC", &cfg.Analytics.Topic)
	setDuration("LS_ANALYTICS_RETENTION", &cfg.Analytics.Retention)

	if len(errs) > 0 {
		return fmt.Errorf("invalid environment overrides: %s", strings.Join(errs, "; "))
	}
	return nil
}
