package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultProviderType       = "openai"
	DefaultModel              = "gpt-4o-mini"
	DefaultMaxTokens          = 2000
	DefaultTemperature        = 0.3
	DefaultTimeoutMs          = 30000
	DefaultMaxRetries         = 3
	DefaultEmbeddingProvider  = "api"
	DefaultEmbeddingModel     = "text-embedding-3-small"
	DefaultEmbeddingTimeoutMs = 15000
	DefaultCompressionHour    = 3
	DefaultSessionInterval    = "5m"
	DefaultSessionTimeout     = "30m"
	DefaultV1AfterDays        = 3
	DefaultV2AfterDays        = 7
	DefaultTopicMaxAgeDays    = 7
	DefaultMentionProbability = 0.3
	DefaultProfileCacheSize   = 1000
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

type Config struct {
	DataDir     string            `json:"dataDir"`
	Provider    ProviderConfig    `json:"provider"`
	Embedding   EmbeddingConfig   `json:"embedding"`
	Vector      VectorConfig      `json:"vector"`
	Sessions    SessionsConfig    `json:"sessions"`
	Profiles    ProfilesConfig    `json:"profiles"`
	Scheduler   SchedulerConfig   `json:"scheduler"`
	Compression CompressionConfig `json:"compression"`
	Topics      TopicsConfig      `json:"topics"`
	Log         LogConfig         `json:"log"`
}

type ProviderConfig struct {
	Type        string  `json:"type,omitempty"` // "openai" (default), "anthropic" or "http"
	APIKey      string  `json:"apiKey"`
	BaseURL     string  `json:"baseUrl,omitempty"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float64 `json:"temperature"`
	TimeoutMs   int     `json:"timeoutMs"`
	MaxRetries  int     `json:"maxRetries"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider,omitempty"` // "api", "ollama" or "hash"
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	Model     string `json:"model,omitempty"`
	Dimension int    `json:"dimension,omitempty"`
	TimeoutMs int    `json:"timeoutMs,omitempty"`
}

type VectorConfig struct {
	Path     string `json:"path,omitempty"` // empty keeps the index in memory
	Compress bool   `json:"compress,omitempty"`
}

type SessionsConfig struct {
	Path string `json:"path"`
}

type ProfilesConfig struct {
	Dir       string `json:"dir,omitempty"`
	CacheSize int    `json:"cacheSize,omitempty"`
}

type SchedulerConfig struct {
	Enabled         bool   `json:"enabled"`
	CompressionHour int    `json:"compressionHour"`
	SessionInterval string `json:"sessionInterval"`
	SessionTimeout  string `json:"sessionTimeout"`
}

type CompressionConfig struct {
	V1AfterDays int `json:"v1AfterDays"`
	V2AfterDays int `json:"v2AfterDays"`
}

type TopicsConfig struct {
	MaxAgeDays         int     `json:"maxAgeDays"`
	MentionProbability float64 `json:"mentionProbability"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		DataDir: filepath.Join(dir, "memories"),
		Provider: ProviderConfig{
			Type:        DefaultProviderType,
			Model:       DefaultModel,
			MaxTokens:   DefaultMaxTokens,
			Temperature: DefaultTemperature,
			TimeoutMs:   DefaultTimeoutMs,
			MaxRetries:  DefaultMaxRetries,
		},
		Embedding: EmbeddingConfig{
			Provider:  DefaultEmbeddingProvider,
			Model:     DefaultEmbeddingModel,
			TimeoutMs: DefaultEmbeddingTimeoutMs,
		},
		Vector: VectorConfig{
			Path: filepath.Join(dir, "vectors"),
		},
		Sessions: SessionsConfig{
			Path: filepath.Join(dir, "sessions"),
		},
		Profiles: ProfilesConfig{
			CacheSize: DefaultProfileCacheSize,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			CompressionHour: DefaultCompressionHour,
			SessionInterval: DefaultSessionInterval,
			SessionTimeout:  DefaultSessionTimeout,
		},
		Compression: CompressionConfig{
			V1AfterDays: DefaultV1AfterDays,
			V2AfterDays: DefaultV2AfterDays,
		},
		Topics: TopicsConfig{
			MaxAgeDays:         DefaultTopicMaxAgeDays,
			MentionProbability: DefaultMentionProbability,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
	}
}

func ConfigDir() string {
	if dir := os.Getenv("MEMORYD_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".memoryd")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("MEMORYD_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if os.Getenv("MEMORYD_PROVIDER") == "" {
			cfg.Provider.Type = "anthropic"
		}
	}
	if provider := os.Getenv("MEMORYD_PROVIDER"); provider != "" {
		cfg.Provider.Type = strings.ToLower(provider)
	}
	if url := os.Getenv("MEMORYD_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if model := os.Getenv("MEMORYD_MODEL"); model != "" {
		cfg.Provider.Model = model
	}
	if dir := os.Getenv("MEMORYD_DATA_DIR"); dir != "" {
		cfg.DataDir = dir
	}
	if timeout := os.Getenv("MEMORYD_SESSION_TIMEOUT"); timeout != "" {
		cfg.Scheduler.SessionTimeout = timeout
	}
	if interval := os.Getenv("MEMORYD_SESSION_INTERVAL"); interval != "" {
		cfg.Scheduler.SessionInterval = interval
	}
	if hour := os.Getenv("MEMORYD_COMPRESSION_HOUR"); hour != "" {
		if parsed, err := strconv.Atoi(hour); err == nil {
			cfg.Scheduler.CompressionHour = parsed
		}
	}
	if provider := os.Getenv("MEMORYD_EMBEDDING_PROVIDER"); provider != "" {
		cfg.Embedding.Provider = strings.ToLower(provider)
	}
	if url := os.Getenv("MEMORYD_EMBEDDING_BASE_URL"); url != "" {
		cfg.Embedding.BaseURL = url
	}
	if model := os.Getenv("MEMORYD_EMBEDDING_MODEL"); model != "" {
		cfg.Embedding.Model = model
	}
	if level := os.Getenv("MEMORYD_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("MEMORYD_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.Sessions.Path == "" {
		cfg.Sessions.Path = def.Sessions.Path
	}
	if cfg.Provider.Type == "" {
		cfg.Provider.Type = DefaultProviderType
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Provider.MaxTokens <= 0 {
		cfg.Provider.MaxTokens = DefaultMaxTokens
	}
	if cfg.Provider.TimeoutMs <= 0 {
		cfg.Provider.TimeoutMs = DefaultTimeoutMs
	}
	if cfg.Provider.MaxRetries <= 0 {
		cfg.Provider.MaxRetries = DefaultMaxRetries
	}
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = DefaultEmbeddingProvider
	}
	if cfg.Embedding.TimeoutMs <= 0 {
		cfg.Embedding.TimeoutMs = DefaultEmbeddingTimeoutMs
	}
	if cfg.Profiles.CacheSize <= 0 {
		cfg.Profiles.CacheSize = DefaultProfileCacheSize
	}
	if cfg.Scheduler.CompressionHour < 0 || cfg.Scheduler.CompressionHour > 23 {
		cfg.Scheduler.CompressionHour = DefaultCompressionHour
	}
	if cfg.Scheduler.SessionInterval == "" {
		cfg.Scheduler.SessionInterval = DefaultSessionInterval
	}
	if cfg.Scheduler.SessionTimeout == "" {
		cfg.Scheduler.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.Compression.V1AfterDays <= 0 {
		cfg.Compression.V1AfterDays = DefaultV1AfterDays
	}
	if cfg.Compression.V2AfterDays <= 0 {
		cfg.Compression.V2AfterDays = DefaultV2AfterDays
	}
	if cfg.Topics.MaxAgeDays <= 0 {
		cfg.Topics.MaxAgeDays = DefaultTopicMaxAgeDays
	}
	if cfg.Topics.MentionProbability < 0 || cfg.Topics.MentionProbability > 1 {
		cfg.Topics.MentionProbability = DefaultMentionProbability
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
}

// Duration parses value, falling back when it is empty, malformed or not positive.
func Duration(value string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil && d > 0 {
		return d
	}
	return fallback
}

// GenerationTimeout is the per-call deadline for text generation.
func (c *Config) GenerationTimeout() time.Duration {
	if c.Provider.TimeoutMs <= 0 {
		return time.Duration(DefaultTimeoutMs) * time.Millisecond
	}
	return time.Duration(c.Provider.TimeoutMs) * time.Millisecond
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
