// Package config loads graphfold configuration from file and environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	// Log configuration
	Log LogConfig `mapstructure:"log"`

	// Server configuration
	Server ServerConfig `mapstructure:"server"`

	// Store configuration
	Store StoreConfig `mapstructure:"store"`

	// Graph reconciliation configuration
	Graph GraphConfig `mapstructure:"graph"`

	// Embedding configuration
	Embedding EmbeddingConfig `mapstructure:"embedding"`

	// Telemetry configuration
	Telemetry TelemetryConfig `mapstructure:"telemetry"`

	// Alert configuration
	Alert AlertConfig `mapstructure:"alert"`

	// CircuitBreaker configuration
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // gin mode: debug, release, test
}

// StoreConfig holds durable store configuration
type StoreConfig struct {
	// Driver selects the backend: badger (embedded) or neo4j
	Driver   string `mapstructure:"driver"`
	Path     string `mapstructure:"path"` // badger data directory
	URI      string `mapstructure:"uri"`  // neo4j bolt URI
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`

	NodeCollection string `mapstructure:"node_collection"`
	EdgeCollection string `mapstructure:"edge_collection"`

	// Write path limits
	MaxBatchSize   int     `mapstructure:"max_batch_size"`
	CallTimeout    int     `mapstructure:"call_timeout"`     // seconds, per store call
	MaxRetries     int     `mapstructure:"max_retries"`      // transient failures
	InitialBackoff int     `mapstructure:"initial_backoff"`  // milliseconds
	MaxBackoff     int     `mapstructure:"max_backoff"`      // milliseconds
	RatePerSecond  float64 `mapstructure:"rate_per_second"`  // store call rate limit
	RateBurst      int     `mapstructure:"rate_burst"`
}

// GraphConfig holds reconciliation settings
type GraphConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	EmbeddingDimension  int     `mapstructure:"embedding_dimension"`
	BatchSize           int     `mapstructure:"batch_size"`
	LookupK             int     `mapstructure:"lookup_k"`
	Workers             int     `mapstructure:"workers"`
	SchemaPath          string  `mapstructure:"schema_path"` // domain schema YAML, optional
}

// EmbeddingConfig holds embedding backfill configuration
type EmbeddingConfig struct {
	Provider string `mapstructure:"provider"` // openai, embedeverything, none
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
	BaseURL  string `mapstructure:"base_url"`
}

// TelemetryConfig holds batch outcome reporting configuration
type TelemetryConfig struct {
	ParquetPath string `mapstructure:"parquet_path"`
	FlushEvery  int    `mapstructure:"flush_every"`
}

// AlertConfig holds configuration for alerting
type AlertConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	SMTPHost string   `mapstructure:"smtp_host"`
	SMTPPort int      `mapstructure:"smtp_port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// CircuitBreakerConfig holds configuration for circuit breaking
type CircuitBreakerConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	MaxRequests      uint32  `mapstructure:"max_requests"`
	Interval         int     `mapstructure:"interval"` // in seconds
	Timeout          int     `mapstructure:"timeout"`  // in seconds
	ReadyToTripRatio float64 `mapstructure:"ready_to_trip_ratio"`
}

// CallTimeoutDuration returns the per-call store timeout.
func (c StoreConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(c.CallTimeout) * time.Second
}

// InitialBackoffDuration returns the first retry delay.
func (c StoreConfig) InitialBackoffDuration() time.Duration {
	return time.Duration(c.InitialBackoff) * time.Millisecond
}

// MaxBackoffDuration returns the retry delay cap.
func (c StoreConfig) MaxBackoffDuration() time.Duration {
	return time.Duration(c.MaxBackoff) * time.Millisecond
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	setDefaults()

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	overrideWithEnv(config)

	return config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	// Server defaults
	viper.SetDefault("server.host", "localhost")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.mode", "debug")

	// Store defaults
	viper.SetDefault("store.driver", "badger")
	viper.SetDefault("store.path", "./graphfold_db")
	viper.SetDefault("store.node_collection", "knowledge_nodes")
	viper.SetDefault("store.edge_collection", "knowledge_edges")
	viper.SetDefault("store.max_batch_size", 500)
	viper.SetDefault("store.call_timeout", 30)
	viper.SetDefault("store.max_retries", 3)
	viper.SetDefault("store.initial_backoff", 200)
	viper.SetDefault("store.max_backoff", 5000)
	viper.SetDefault("store.rate_per_second", 100.0)
	viper.SetDefault("store.rate_burst", 200)

	// Graph defaults
	viper.SetDefault("graph.similarity_threshold", 0.7)
	viper.SetDefault("graph.embedding_dimension", 128)
	viper.SetDefault("graph.batch_size", 500)
	viper.SetDefault("graph.lookup_k", 10)
	viper.SetDefault("graph.workers", 4)

	// Embedding defaults: candidates are expected to arrive with embeddings,
	// so backfill is off unless configured.
	viper.SetDefault("embedding.provider", "none")
	viper.SetDefault("embedding.model", "all-MiniLM-L6-v2")

	// Telemetry defaults
	home, err := os.UserHomeDir()
	if err == nil {
		viper.SetDefault("telemetry.parquet_path", fmt.Sprintf("%s/.graphfold/telemetry", home))
	}
	viper.SetDefault("telemetry.flush_every", 100)

	// Circuit breaker defaults
	viper.SetDefault("circuit_breaker.enabled", true)
	viper.SetDefault("circuit_breaker.max_requests", 3)
	viper.SetDefault("circuit_breaker.interval", 60)
	viper.SetDefault("circuit_breaker.timeout", 30)
	viper.SetDefault("circuit_breaker.ready_to_trip_ratio", 0.6)
}

// overrideWithEnv overrides config with environment variables
func overrideWithEnv(config *Config) {
	if driver := os.Getenv("GRAPHFOLD_STORE_DRIVER"); driver != "" {
		config.Store.Driver = driver
	}
	if path := os.Getenv("GRAPHFOLD_STORE_PATH"); path != "" {
		config.Store.Path = path
	}
	if uri := os.Getenv("NEO4J_URI"); uri != "" {
		config.Store.URI = uri
	}
	if user := os.Getenv("NEO4J_USER"); user != "" {
		config.Store.Username = user
	}
	if pass := os.Getenv("NEO4J_PASSWORD"); pass != "" {
		config.Store.Password = pass
	}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		config.Embedding.APIKey = apiKey
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if path := os.Getenv("TELEMETRY_PARQUET_PATH"); path != "" {
		config.Telemetry.ParquetPath = path
	}

	if threshold := os.Getenv("GRAPHFOLD_SIMILARITY_THRESHOLD"); threshold != "" {
		if v, err := strconv.ParseFloat(threshold, 64); err == nil {
			config.Graph.SimilarityThreshold = v
		}
	}
}
