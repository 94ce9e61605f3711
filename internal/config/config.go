// Package config handles configuration loading for minewatch.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Storage   StorageConfig   `yaml:"storage"`
	Bus       BusConfig       `yaml:"bus"`
	Detection DetectionConfig `yaml:"detection"`
	TraceLog  TraceLogConfig  `yaml:"trace_log"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	HTTPPort     int           `yaml:"http_port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// IngestConfig holds ingestion settings.
type IngestConfig struct {
	MaxBatchSize   int `yaml:"max_batch_size"`
	MaxPayloadSize int `yaml:"max_payload_size"`
}

// StorageConfig holds relational store settings. When disabled the service
// runs on the in-memory backend (development only).
type StorageConfig struct {
	Enabled  bool           `yaml:"enabled"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// PostgresConfig holds Postgres connection settings.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// DSN renders the lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		p.Host, p.Port, p.Database, p.Username, p.Password, p.SSLMode)
}

// BusConfig holds message bus settings. When Kafka is disabled the service
// uses the embedded in-process bus.
type BusConfig struct {
	Kafka KafkaConfig `yaml:"kafka"`
}

// KafkaConfig holds Kafka connection and behavior configuration.
type KafkaConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Brokers           []string      `yaml:"brokers"`
	EventTopic        string        `yaml:"event_topic"`
	AlertTopic        string        `yaml:"alert_topic"`
	ConsumerGroup     string        `yaml:"consumer_group"`
	ProducerBatchSize int           `yaml:"producer_batch_size"`
	ProducerRetries   int           `yaml:"producer_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	CommitInterval    time.Duration `yaml:"commit_interval"`
}

// DetectionConfig holds detection engine settings.
type DetectionConfig struct {
	// SeedBuiltinRules inserts the builtin cryptomining IOC catalog at
	// startup when the rule store has no builtin-tagged rules yet.
	SeedBuiltinRules bool `yaml:"seed_builtin_rules"`
}

// TraceLogConfig holds settings for the best-effort eve.json mirror.
type TraceLogConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Path       string        `yaml:"path"`
	BufferSize int           `yaml:"buffer_size"`
	Archive    ArchiveConfig `yaml:"archive"`
}

// ArchiveConfig holds settings for S3 archival of rotated trace logs.
type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Region          string        `yaml:"region"`
	Bucket          string        `yaml:"bucket"`
	Prefix          string        `yaml:"prefix"`
	Endpoint        string        `yaml:"endpoint,omitempty"`
	AccessKeyID     string        `yaml:"access_key_id,omitempty"`
	SecretAccessKey string        `yaml:"secret_access_key,omitempty"`
	UsePathStyle    bool          `yaml:"use_path_style"`
	RotateBytes     int64         `yaml:"rotate_bytes"`
	RotateInterval  time.Duration `yaml:"rotate_interval"`
}

// RateLimitConfig holds rate limiting settings.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RequestsPerIP int           `yaml:"requests_per_ip"`
	WindowSize    time.Duration `yaml:"window_size"`
	BurstSize     int           `yaml:"burst_size"`
	CleanupPeriod time.Duration `yaml:"cleanup_period"`
	ExemptPaths   []string      `yaml:"exempt_paths"`
	TrustProxy    bool          `yaml:"trust_proxy"`
}

// AuthConfig holds API-key authentication settings.
type AuthConfig struct {
	Enabled      bool     `yaml:"enabled"`
	APIKeyHeader string   `yaml:"api_key_header"`
	APIKeys      []string `yaml:"api_keys"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Production bool   `yaml:"production"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort:     8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Ingest: IngestConfig{
			MaxBatchSize:   1000,
			MaxPayloadSize: 10 * 1024 * 1024, // 10MB
		},
		Storage: StorageConfig{
			Enabled: false, // In-memory backend by default for development
			Postgres: PostgresConfig{
				Host:            "localhost",
				Port:            5432,
				Database:        "minewatch",
				Username:        "minewatch",
				Password:        "",
				SSLMode:         "disable",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
			},
		},
		Bus: BusConfig{
			Kafka: KafkaConfig{
				Enabled:           false, // Embedded bus by default for development
				Brokers:           []string{"localhost:9092"},
				EventTopic:        "minewatch.events.raw",
				AlertTopic:        "minewatch.alerts",
				ConsumerGroup:     "minewatch-detect",
				ProducerBatchSize: 100,
				ProducerRetries:   3,
				RetryBackoff:      100 * time.Millisecond,
				DialTimeout:       10 * time.Second,
				ReadTimeout:       30 * time.Second,
				WriteTimeout:      30 * time.Second,
				CommitInterval:    time.Second,
			},
		},
		Detection: DetectionConfig{
			SeedBuiltinRules: true,
		},
		TraceLog: TraceLogConfig{
			Enabled:    true,
			Path:       "data/eve.json",
			BufferSize: 4096,
			Archive: ArchiveConfig{
				Enabled:        false,
				Region:         "us-east-1",
				Bucket:         "minewatch-archive",
				Prefix:         "eve/",
				RotateBytes:    64 * 1024 * 1024, // 64MB
				RotateInterval: time.Hour,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			RequestsPerIP: 1000,
			WindowSize:    time.Minute,
			BurstSize:     50,
			CleanupPeriod: 5 * time.Minute,
			ExemptPaths:   []string{"/healthz", "/metrics"},
			TrustProxy:    false,
		},
		Auth: AuthConfig{
			Enabled:      false, // Disabled by default for development
			APIKeyHeader: "X-API-Key",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("MINEWATCH_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if port := os.Getenv("MINEWATCH_HTTP_PORT"); port != "" {
		fmt.Sscanf(port, "%d", &c.Server.HTTPPort)
	}

	if level := os.Getenv("MINEWATCH_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if apiKey := os.Getenv("MINEWATCH_API_KEY"); apiKey != "" {
		c.Auth.APIKeys = append(c.Auth.APIKeys, apiKey)
		c.Auth.Enabled = true
	}

	if enabled := os.Getenv("MINEWATCH_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		c.Storage.Postgres.Host = host
	}

	if db := os.Getenv("POSTGRES_DATABASE"); db != "" {
		c.Storage.Postgres.Database = db
	}

	if user := os.Getenv("POSTGRES_USER"); user != "" {
		c.Storage.Postgres.Username = user
	}

	if pass := os.Getenv("POSTGRES_PASSWORD"); pass != "" {
		c.Storage.Postgres.Password = pass
	}

	if enabled := os.Getenv("MINEWATCH_KAFKA_ENABLED"); enabled == "true" {
		c.Bus.Kafka.Enabled = true
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Bus.Kafka.Brokers = splitAndTrim(brokers, ",")
	}

	if path := os.Getenv("MINEWATCH_TRACE_LOG"); path != "" {
		c.TraceLog.Enabled = true
		c.TraceLog.Path = path
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port: %d", c.Server.HTTPPort)
	}

	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("max_batch_size must be positive")
	}

	if c.Storage.Enabled {
		if c.Storage.Postgres.Host == "" {
			return fmt.Errorf("postgres host is required when storage is enabled")
		}
		if c.Storage.Postgres.Database == "" {
			return fmt.Errorf("postgres database is required when storage is enabled")
		}
	}

	if c.Bus.Kafka.Enabled {
		if len(c.Bus.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka: at least one broker is required")
		}
		if c.Bus.Kafka.EventTopic == "" || c.Bus.Kafka.AlertTopic == "" {
			return fmt.Errorf("kafka: event_topic and alert_topic are required")
		}
	}

	if c.TraceLog.Enabled && c.TraceLog.Path == "" {
		return fmt.Errorf("trace_log path is required when trace_log is enabled")
	}

	if c.TraceLog.Archive.Enabled {
		if c.TraceLog.Archive.Bucket == "" {
			return fmt.Errorf("archive bucket is required when archive is enabled")
		}
		if c.TraceLog.Archive.Region == "" {
			return fmt.Errorf("archive region is required when archive is enabled")
		}
	}

	return nil
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range splitString(s, sep) {
		trimmed := trimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// splitString splits a string by separator (simple implementation to avoid strings package).
func splitString(s, sep string) []string {
	if s == "" {
		return nil
	}
	var result []string
	start := 0
	for i := 0; i <= len(s)-len(sep); i++ {
		if s[i:i+len(sep)] == sep {
			result = append(result, s[start:i])
			start = i + len(sep)
			i += len(sep) - 1
		}
	}
	result = append(result, s[start:])
	return result
}

// trimSpace trims leading and trailing whitespace.
func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}
