package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the BidPilot server and worker.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Queue    QueueConfig
	Stream   StreamConfig
	Expert   ExpertConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// QueueConfig controls the Redis-backed job queue and the worker runtime.
type QueueConfig struct {
	// Concurrency is the number of jobs one worker process runs at once,
	// per job type.
	Concurrency       int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	HeartbeatTTL      time.Duration
	StalledSweepEvery time.Duration
	ClaimPollEvery    time.Duration
}

// StreamConfig controls SSE delivery.
type StreamConfig struct {
	// MaxLifetime bounds any single SSE connection even if the job is stuck.
	MaxLifetime  time.Duration
	PollInterval time.Duration
}

type ExpertConfig struct {
	Provider      string
	InvokeTimeout time.Duration
	Anthropic     AnthropicConfig
	OpenAI        OpenAIConfig
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

type OpenAIConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

var validProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"mock":      true,
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("BIDPILOT_PORT", 8080),
			Env:  envString("BIDPILOT_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Concurrency:       envInt("QUEUE_CONCURRENCY", 2),
			MaxAttempts:       envInt("QUEUE_MAX_ATTEMPTS", 3),
			BackoffBase:       envDuration("QUEUE_BACKOFF_BASE", 2*time.Second),
			BackoffCap:        envDuration("QUEUE_BACKOFF_CAP", 2*time.Minute),
			HeartbeatTTL:      envDuration("QUEUE_HEARTBEAT_TTL", 30*time.Second),
			StalledSweepEvery: envDuration("QUEUE_STALLED_SWEEP_EVERY", time.Minute),
			ClaimPollEvery:    envDuration("QUEUE_CLAIM_POLL_EVERY", time.Second),
		},
		Stream: StreamConfig{
			MaxLifetime:  envDuration("STREAM_MAX_LIFETIME", 5*time.Minute),
			PollInterval: envDuration("STREAM_POLL_INTERVAL", 2*time.Second),
		},
		Expert: ExpertConfig{
			Provider:      os.Getenv("EXPERT_PROVIDER"),
			InvokeTimeout: envDurationSecs("EXPERT_INVOKE_TIMEOUT_SECS", 90*time.Second),
			Anthropic: AnthropicConfig{
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			},
			OpenAI: OpenAIConfig{
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4"),
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
			},
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Queue.Concurrency < 1 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be at least 1, got %d", c.Queue.Concurrency)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("QUEUE_MAX_ATTEMPTS must be at least 1, got %d", c.Queue.MaxAttempts)
	}

	if c.Expert.Provider == "" {
		return fmt.Errorf("EXPERT_PROVIDER is required")
	}
	if !validProviders[c.Expert.Provider] {
		return fmt.Errorf("EXPERT_PROVIDER must be one of anthropic, openai, mock; got %q", c.Expert.Provider)
	}

	if c.Expert.Provider == "anthropic" && c.Expert.Anthropic.APIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required when EXPERT_PROVIDER is anthropic")
	}
	if c.Expert.Provider == "openai" && c.Expert.OpenAI.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required when EXPERT_PROVIDER is openai")
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
