package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ticket automation pipeline.
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Provider  ProviderConfig  `mapstructure:"provider"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Retrieval RetrievalConfig `mapstructure:"retrieval"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Address       string `mapstructure:"address"`
	SweepSchedule string `mapstructure:"sweep_schedule"` // cron expression for maintenance sweeps
}

// ProviderConfig selects the embedding/completion backend.
type ProviderConfig struct {
	Type            string        `mapstructure:"type"` // openai-compatible
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	CompletionModel string        `mapstructure:"completion_model"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func (p ProviderConfig) Validate() error {
	if strings.TrimSpace(p.EmbeddingModel) == "" {
		return fmt.Errorf("provider.embedding_model is required")
	}
	if strings.TrimSpace(p.CompletionModel) == "" {
		return fmt.Errorf("provider.completion_model is required")
	}
	return nil
}

// ChunkingConfig controls document splitting during ingestion.
type ChunkingConfig struct {
	Size    int `mapstructure:"size"`    // target chunk size in runes
	Overlap int `mapstructure:"overlap"` // overlap between consecutive windows, in runes
}

func (c ChunkingConfig) Validate() error {
	if c.Size <= 0 {
		return fmt.Errorf("chunking.size must be > 0")
	}
	if c.Overlap < 0 {
		return fmt.Errorf("chunking.overlap cannot be negative")
	}
	if c.Overlap >= c.Size {
		return fmt.Errorf("chunking.overlap must be smaller than chunking.size")
	}
	return nil
}

// CacheConfig bounds the query-embedding cache.
type CacheConfig struct {
	Capacity int           `mapstructure:"capacity"`
	TTL      time.Duration `mapstructure:"ttl"`
	Backend  string        `mapstructure:"backend"` // memory or redis
}

func (c CacheConfig) Validate() error {
	if c.Capacity <= 0 {
		return fmt.Errorf("cache.capacity must be > 0")
	}
	switch c.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.Backend)
	}
	return nil
}

// RetrievalConfig contains the knobs for search and confidence scoring.
// All scores and thresholds live on the [0,1] scale.
type RetrievalConfig struct {
	EmbeddingDimensions int           `mapstructure:"embedding_dimensions"`
	Metric              string        `mapstructure:"metric"`
	TopK                int           `mapstructure:"top_k"`
	ScoreThreshold      float64       `mapstructure:"score_threshold"`
	ConfidenceThreshold float64       `mapstructure:"confidence_threshold"`
	MaxAttempts         int           `mapstructure:"max_attempts"`
	SemanticWeight      float64       `mapstructure:"semantic_weight"`
	LexicalWeight       float64       `mapstructure:"lexical_weight"`
	RelaxFactor         float64       `mapstructure:"relax_factor"`
	LatencyBudget       time.Duration `mapstructure:"latency_budget"`
}

func (r RetrievalConfig) Validate() error {
	if r.EmbeddingDimensions <= 0 {
		return fmt.Errorf("retrieval.embedding_dimensions must be > 0")
	}
	if r.Metric != "cosine" {
		return fmt.Errorf("retrieval.metric %q not supported (only cosine)", r.Metric)
	}
	if r.TopK <= 0 {
		return fmt.Errorf("retrieval.top_k must be > 0")
	}
	if r.ScoreThreshold < 0 || r.ScoreThreshold > 1 {
		return fmt.Errorf("retrieval.score_threshold must be within [0,1]")
	}
	if r.ConfidenceThreshold < 0 || r.ConfidenceThreshold > 1 {
		return fmt.Errorf("retrieval.confidence_threshold must be within [0,1]")
	}
	if r.MaxAttempts <= 0 {
		return fmt.Errorf("retrieval.max_attempts must be > 0")
	}
	if r.SemanticWeight < 0 || r.LexicalWeight < 0 {
		return fmt.Errorf("retrieval weights cannot be negative")
	}
	if sum := r.SemanticWeight + r.LexicalWeight; sum < 0.999 || sum > 1.001 {
		return fmt.Errorf("retrieval.semantic_weight + retrieval.lexical_weight must equal 1, got %.3f", sum)
	}
	if r.RelaxFactor <= 0 || r.RelaxFactor >= 1 {
		return fmt.Errorf("retrieval.relax_factor must be within (0,1)")
	}
	if r.LatencyBudget <= 0 {
		return fmt.Errorf("retrieval.latency_budget must be > 0")
	}
	return nil
}

// RelaxedThreshold returns the score threshold for the given retry attempt.
// Attempt numbers start at 1; every retry multiplies the base threshold by
// the relax factor, floored at 0.10 so a retry can never accept arbitrary noise.
func (r RetrievalConfig) RelaxedThreshold(attempt int) float64 {
	threshold := r.ScoreThreshold
	for i := 1; i < attempt; i++ {
		threshold *= r.RelaxFactor
	}
	if threshold < 0.10 {
		threshold = 0.10
	}
	return threshold
}

// PipelineConfig bounds the ticket orchestration.
type PipelineConfig struct {
	MaxConcurrentTickets int           `mapstructure:"max_concurrent_tickets"`
	StageTimeout         time.Duration `mapstructure:"stage_timeout"`
}

func (p PipelineConfig) Validate() error {
	if p.MaxConcurrentTickets <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_tickets must be > 0")
	}
	return nil
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN builds a postgres connection string from the configured fields.
func (p PostgresConfig) DSN() (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, p.Port, p.DBName, ssl), nil
}

// TelemetryConfig contains metrics and tracing settings.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	MetricsPort int    `mapstructure:"metrics_port"`
	ServiceName string `mapstructure:"service_name"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort <= 0 {
		return fmt.Errorf("telemetry.metrics_port must be > 0 when telemetry is enabled")
	}
	return nil
}

// Validate runs every sub-config validation. Configuration errors abort
// startup; they are never surfaced at per-ticket runtime.
func (c *Config) Validate() error {
	checks := []func() error{
		c.Provider.Validate,
		c.Chunking.Validate,
		c.Cache.Validate,
		c.Retrieval.Validate,
		c.Pipeline.Validate,
		c.Storage.Redis.Validate,
		c.Storage.Postgres.Validate,
		c.Telemetry.Validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

// LoadConfig loads config from file, applying defaults and DESKHAND_* env overrides.
func LoadConfig(path string) (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.default_timeout", "30s")
	viper.SetDefault("server.address", ":10020")
	viper.SetDefault("server.sweep_schedule", "@hourly")
	viper.SetDefault("provider.type", "openai")
	viper.SetDefault("provider.embedding_model", "text-embedding-3-small")
	viper.SetDefault("provider.completion_model", "gpt-4o-mini")
	viper.SetDefault("provider.timeout", "30s")
	viper.SetDefault("chunking.size", 900)
	viper.SetDefault("chunking.overlap", 180)
	viper.SetDefault("cache.capacity", 1024)
	viper.SetDefault("cache.ttl", "24h")
	viper.SetDefault("cache.backend", "memory")
	viper.SetDefault("retrieval.embedding_dimensions", 1536)
	viper.SetDefault("retrieval.metric", "cosine")
	viper.SetDefault("retrieval.top_k", 5)
	viper.SetDefault("retrieval.score_threshold", 0.40)
	viper.SetDefault("retrieval.confidence_threshold", 0.70)
	viper.SetDefault("retrieval.max_attempts", 3)
	viper.SetDefault("retrieval.semantic_weight", 0.70)
	viper.SetDefault("retrieval.lexical_weight", 0.30)
	viper.SetDefault("retrieval.relax_factor", 0.75)
	viper.SetDefault("retrieval.latency_budget", "8s")
	viper.SetDefault("pipeline.max_concurrent_tickets", 16)
	viper.SetDefault("pipeline.stage_timeout", "60s")
	viper.SetDefault("storage.redis.host", "localhost")
	viper.SetDefault("storage.redis.port", "6379")
	viper.SetDefault("telemetry.service_name", "deskhand")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DESKHAND")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine: defaults plus env cover every key.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
