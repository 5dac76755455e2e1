package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Broker   BrokerConfig   `yaml:"broker"`
	Search   SearchConfig   `yaml:"search"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Redis    RedisConfig    `yaml:"redis"`
	Audit    AuditConfig    `yaml:"audit"`
}

// AppConfig holds application-wide settings
type AppConfig struct {
	Environment string `yaml:"environment"`
	Timezone    string `yaml:"timezone"`
}

// IsDev reports whether the app runs in a development environment.
func (c AppConfig) IsDev() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "local", "test", "dev", "development":
		return true
	}
	return false
}

// Location resolves the configured timezone, falling back to the fixed
// -03:00 offset when the zone database does not know it.
func (c AppConfig) Location() *time.Location {
	name := strings.TrimSpace(c.Timezone)
	if name == "" {
		name = "America/Sao_Paulo"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.FixedZone("-03", -3*60*60)
	}
	return loc
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with environment override
func (c ServerConfig) GetHost() string {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL                 string `yaml:"url"`
	MaxOpenConns        int    `yaml:"max_open_conns"`
	MaxIdleConns        int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeSecs int    `yaml:"conn_max_lifetime_seconds"`
	ConnMaxIdleSecs     int    `yaml:"conn_max_idle_seconds"`
}

// ConnMaxLifetime returns the connection lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeSecs) * time.Second
}

// ConnMaxIdleTime returns the idle timeout as a duration
func (c DatabaseConfig) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.ConnMaxIdleSecs) * time.Second
}

// BrokerConfig holds Kafka connection and topology settings
type BrokerConfig struct {
	Brokers               []string `yaml:"brokers"`
	Topic                 string   `yaml:"topic"`
	Group                 string   `yaml:"group"`
	PublishTimeoutSeconds int      `yaml:"publish_timeout_seconds"`
	Enabled               bool     `yaml:"enabled"`
}

// PublishTimeout returns the per-publish timeout as a duration
func (c BrokerConfig) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutSeconds) * time.Second
}

// RoutingDescriptor renders the human-readable destination recorded on
// message processing rows once an event is queued.
func (c BrokerConfig) RoutingDescriptor() string {
	return "topic=" + c.Topic + ";group=" + c.Group
}

// SearchConfig holds search index (Elasticsearch-compatible) settings
type SearchConfig struct {
	URL            string `yaml:"url"`
	IndexPrefix    string `yaml:"index_prefix"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Enabled        bool   `yaml:"enabled"`
}

// Timeout returns the configured timeout as a duration
func (c SearchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// OutboxConfig holds outbox dispatcher tuning
type OutboxConfig struct {
	PollIntervalMS  int    `yaml:"poll_interval_ms"`
	BatchSize       int    `yaml:"batch_size"`
	LockTTLSeconds  int    `yaml:"lock_ttl_seconds"`
	WorkerID        string `yaml:"worker_id"`
	RetryLimit      int    `yaml:"retry_limit"`
	AuditChunkSize  int    `yaml:"audit_chunk_size"`
}

// PollInterval returns the poll interval as a duration
func (c OutboxConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// LockTTL returns the claim lock TTL as a duration
func (c OutboxConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// RedisConfig holds the optional Redis connection for distributed locking
type RedisConfig struct {
	URL string `yaml:"url"`
}

// AuditConfig holds the HTTP audit trail settings
type AuditConfig struct {
	Enabled         bool `yaml:"enabled"`
	QueueSize       int  `yaml:"queue_size"`
	FlushIntervalMS int  `yaml:"flush_interval_ms"`
	FlushBatchSize  int  `yaml:"flush_batch_size"`
}

// FlushInterval returns the audit flush interval as a duration
func (c AuditConfig) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Environment == "" {
		cfg.App.Environment = "local"
	}
	if cfg.App.Timezone == "" {
		cfg.App.Timezone = "America/Sao_Paulo"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 30
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 20
	}
	if cfg.Database.ConnMaxLifetimeSecs == 0 {
		cfg.Database.ConnMaxLifetimeSecs = 1800
	}
	if cfg.Database.ConnMaxIdleSecs == 0 {
		cfg.Database.ConnMaxIdleSecs = 30
	}
	if len(cfg.Broker.Brokers) == 0 {
		cfg.Broker.Brokers = []string{"localhost:9092"}
	}
	if cfg.Broker.Topic == "" {
		cfg.Broker.Topic = "mbras.analyze"
	}
	if cfg.Broker.Group == "" {
		cfg.Broker.Group = "mbras.analyze.queue"
	}
	if cfg.Broker.PublishTimeoutSeconds == 0 {
		cfg.Broker.PublishTimeoutSeconds = 2
	}
	if cfg.Search.URL == "" {
		cfg.Search.URL = "http://localhost:9200"
	}
	if cfg.Search.IndexPrefix == "" {
		cfg.Search.IndexPrefix = "projetombras-api-events"
	}
	if cfg.Search.TimeoutSeconds == 0 {
		cfg.Search.TimeoutSeconds = 2
	}
	if cfg.Outbox.PollIntervalMS == 0 {
		cfg.Outbox.PollIntervalMS = 300
	}
	if cfg.Outbox.BatchSize == 0 {
		cfg.Outbox.BatchSize = 200
	}
	if cfg.Outbox.LockTTLSeconds == 0 {
		cfg.Outbox.LockTTLSeconds = 30
	}
	if cfg.Outbox.RetryLimit == 0 {
		cfg.Outbox.RetryLimit = 5
	}
	if cfg.Outbox.AuditChunkSize == 0 {
		cfg.Outbox.AuditChunkSize = 500
	}
	if cfg.Audit.QueueSize == 0 {
		cfg.Audit.QueueSize = 1024
	}
	if cfg.Audit.FlushIntervalMS == 0 {
		cfg.Audit.FlushIntervalMS = 500
	}
	if cfg.Audit.FlushBatchSize == 0 {
		cfg.Audit.FlushBatchSize = 100
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// No config file: run on defaults plus environment
		cfg = &Config{}
		applyDefaults(cfg)
	}

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Environment = v
	}
	if v := os.Getenv("APP_TIMEZONE"); v != "" {
		cfg.App.Timezone = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("BROKER_BROKERS"); v != "" {
		cfg.Broker.Brokers = splitCSV(v)
	}
	if v := os.Getenv("BROKER_TOPIC"); v != "" {
		cfg.Broker.Topic = v
	}
	if v := os.Getenv("BROKER_GROUP"); v != "" {
		cfg.Broker.Group = v
	}
	if v := os.Getenv("BROKER_ENABLED"); v != "" {
		cfg.Broker.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("ELASTICSEARCH_URL"); v != "" {
		cfg.Search.URL = v
	}
	if v := os.Getenv("ELASTICSEARCH_INDEX_PREFIX"); v != "" {
		cfg.Search.IndexPrefix = v
	}
	if v := os.Getenv("ELASTICSEARCH_ENABLED"); v != "" {
		cfg.Search.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("OUTBOX_WORKER_ID"); v != "" {
		cfg.Outbox.WorkerID = v
	}
	if v := os.Getenv("OUTBOX_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Outbox.BatchSize = n
		}
	}
	if v := os.Getenv("OUTBOX_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Outbox.PollIntervalMS = n
		}
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}

	return cfg, nil
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
