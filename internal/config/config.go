package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig holds the durable store connection settings.
type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// RedisConfig holds Redis connection settings (queue notifier, rate limiter).
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// OrchestratorConfig selects and tunes the container backend.
type OrchestratorConfig struct {
	Backend      string        `json:"backend" yaml:"backend"`             // "docker" or "local"
	ImagePrefix  string        `json:"image_prefix" yaml:"image_prefix"`   // e.g. "usher-bot" -> usher-bot-meet:latest
	Network      string        `json:"network" yaml:"network"`             // optional docker network
	AgentPath    string        `json:"agent_path" yaml:"agent_path"`       // agent binary for the local backend
	DeployWait   time.Duration `json:"deploy_wait" yaml:"deploy_wait"`     // waitForDeployment ceiling
	ExitGrace    time.Duration `json:"exit_grace" yaml:"exit_grace"`       // exited/stopped grace during image pull
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval"` // describe poll cadence
}

// PoolConfig holds warm-pool settings.
type PoolConfig struct {
	MaxSize int `json:"max_size" yaml:"max_size"`
}

// QueueConfig holds waiting-queue settings.
type QueueConfig struct {
	DrainInterval  time.Duration `json:"drain_interval" yaml:"drain_interval"`
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout"`
}

// RecoveryConfig holds the slot recovery sweep settings.
type RecoveryConfig struct {
	Interval       time.Duration `json:"interval" yaml:"interval"`
	StuckThreshold time.Duration `json:"stuck_threshold" yaml:"stuck_threshold"`
}

// ArtifactConfig holds the S3-compatible object store settings.
type ArtifactConfig struct {
	Bucket          string `json:"bucket" yaml:"bucket"`
	Region          string `json:"region" yaml:"region"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"` // optional, for MinIO and friends
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	Enabled     bool              `json:"enabled" yaml:"enabled"`
	SystemToken string            `json:"system_token" yaml:"system_token"` // bot agent token
	StaticKeys  map[string]string `json:"static_keys" yaml:"static_keys"`   // name -> key, for bootstrap
	PublicPaths []string          `json:"public_paths" yaml:"public_paths"`
}

// RateLimitConfig holds operator-surface rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	BurstSize         int     `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig holds logging and tracing settings.
type ObservabilityConfig struct {
	LogFormat       string  `json:"log_format" yaml:"log_format"` // text | json
	LogLevel        string  `json:"log_level" yaml:"log_level"`
	TracingEnabled  bool    `json:"tracing_enabled" yaml:"tracing_enabled"`
	TracingEndpoint string  `json:"tracing_endpoint" yaml:"tracing_endpoint"`
	SampleRate      float64 `json:"sample_rate" yaml:"sample_rate"`
}

// DaemonConfig holds control-plane process settings.
type DaemonConfig struct {
	HTTPAddr    string        `json:"http_addr" yaml:"http_addr"`
	MetricsAddr string        `json:"metrics_addr" yaml:"metrics_addr"`
	PublicURL   string        `json:"public_url" yaml:"public_url"` // base URL handed to agents
	LocalMode   bool          `json:"local_mode" yaml:"local_mode"` // spawn agents as local processes
	SweepEvery  time.Duration `json:"sweep_every" yaml:"sweep_every"`
}

// Config is the central configuration embedding all component configs.
type Config struct {
	Postgres      PostgresConfig      `json:"postgres" yaml:"postgres"`
	Redis         RedisConfig         `json:"redis" yaml:"redis"`
	Orchestrator  OrchestratorConfig  `json:"orchestrator" yaml:"orchestrator"`
	Pool          PoolConfig          `json:"pool" yaml:"pool"`
	Queue         QueueConfig         `json:"queue" yaml:"queue"`
	Recovery      RecoveryConfig      `json:"recovery" yaml:"recovery"`
	Artifact      ArtifactConfig      `json:"artifact" yaml:"artifact"`
	Auth          AuthConfig          `json:"auth" yaml:"auth"`
	RateLimit     RateLimitConfig     `json:"rate_limit" yaml:"rate_limit"`
	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
	Daemon        DaemonConfig        `json:"daemon" yaml:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Orchestrator: OrchestratorConfig{
			Backend:      "docker",
			ImagePrefix:  "usher-bot",
			DeployWait:   30 * time.Minute,
			ExitGrace:    20 * time.Minute,
			PollInterval: 10 * time.Second,
		},
		Pool: PoolConfig{
			MaxSize: 100,
		},
		Queue: QueueConfig{
			DrainInterval:  15 * time.Second,
			DefaultTimeout: 5 * time.Minute,
		},
		Recovery: RecoveryConfig{
			Interval:       5 * time.Minute,
			StuckThreshold: 5 * time.Minute,
		},
		Artifact: ArtifactConfig{
			Region: "us-east-1",
		},
		Auth: AuthConfig{
			Enabled:     true,
			PublicPaths: []string{"/health", "/health/live", "/health/ready", "/metrics"},
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 20,
			BurstSize:         40,
		},
		Observability: ObservabilityConfig{
			LogFormat:  "text",
			LogLevel:   "info",
			SampleRate: 1.0,
		},
		Daemon: DaemonConfig{
			HTTPAddr:   ":8080",
			PublicURL:  "http://localhost:8080",
			SweepEvery: 30 * time.Second,
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file, on top of
// defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("USHER_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("USHER_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("USHER_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("USHER_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("USHER_PUBLIC_URL"); v != "" {
		cfg.Daemon.PublicURL = v
	}
	if v := os.Getenv("USHER_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("USHER_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
	if v := os.Getenv("USHER_BACKEND"); v != "" {
		cfg.Orchestrator.Backend = v
	}
	if v := os.Getenv("USHER_IMAGE_PREFIX"); v != "" {
		cfg.Orchestrator.ImagePrefix = v
	}
	if v := os.Getenv("USHER_SYSTEM_TOKEN"); v != "" {
		cfg.Auth.SystemToken = v
	}
	if v := os.Getenv("USHER_ARTIFACT_BUCKET"); v != "" {
		cfg.Artifact.Bucket = v
	}
	if v := os.Getenv("USHER_ARTIFACT_REGION"); v != "" {
		cfg.Artifact.Region = v
	}
	if v := os.Getenv("USHER_ARTIFACT_ENDPOINT"); v != "" {
		cfg.Artifact.Endpoint = v
	}
	if v := os.Getenv("USHER_POOL_MAX_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Pool.MaxSize = n
		}
	}
	if v := os.Getenv("USHER_LOCAL_MODE"); v == "1" || v == "true" {
		cfg.Daemon.LocalMode = true
	}
}
