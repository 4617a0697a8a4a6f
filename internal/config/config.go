// Package config loads application configuration from a YAML file with
// environment variable overrides for deployment secrets.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the campaign engine.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	SES      SESConfig      `yaml:"ses"`
	Queue    QueueConfig    `yaml:"queue"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, listening on all interfaces when running
// inside a container.
func (c ServerConfig) GetHost() string {
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds Redis settings for the send rate limiter.
type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// SESConfig holds AWS SES API configuration.
type SESConfig struct {
	Region         string `yaml:"region"`
	AccessKey      string `yaml:"access_key"`
	SecretKey      string `yaml:"secret_key"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Timeout returns the configured per-send timeout as a duration.
func (c SESConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// QueueConfig holds enqueue/drain tuning.
type QueueConfig struct {
	// PageSize is the segment resolver page size used during enqueue.
	PageSize int `yaml:"page_size"`
	// BatchSize is the maximum number of queue rows one drain claims.
	BatchSize int `yaml:"batch_size"`
	// SendRatePerSecond caps transport calls per second (0 = unlimited).
	SendRatePerSecond int `yaml:"send_rate_per_second"`
	// DrainIntervalSeconds is how often the worker binary invokes a drain.
	DrainIntervalSeconds int `yaml:"drain_interval_seconds"`
	// StaleClaimMinutes is how long a row may sit in processing before the
	// recovery worker assumes the claiming drainer crashed.
	StaleClaimMinutes int `yaml:"stale_claim_minutes"`
}

// DrainInterval returns the worker drain interval as a duration.
func (c QueueConfig) DrainInterval() time.Duration {
	return time.Duration(c.DrainIntervalSeconds) * time.Second
}

// StaleClaimAge returns the stale processing-claim age as a duration.
func (c QueueConfig) StaleClaimAge() time.Duration {
	return time.Duration(c.StaleClaimMinutes) * time.Minute
}

// Load reads and parses the configuration file, applying defaults.
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
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SES.TimeoutSeconds == 0 {
		cfg.SES.TimeoutSeconds = 30
	}
	if cfg.Queue.PageSize == 0 {
		cfg.Queue.PageSize = 1000
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 600
	}
	if cfg.Queue.DrainIntervalSeconds == 0 {
		cfg.Queue.DrainIntervalSeconds = 60
	}
	if cfg.Queue.StaleClaimMinutes == 0 {
		cfg.Queue.StaleClaimMinutes = 10
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in production.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	}
	if v := os.Getenv("AWS_SES_ACCESS_KEY"); v != "" {
		cfg.SES.AccessKey = v
	}
	if v := os.Getenv("AWS_SES_SECRET_KEY"); v != "" {
		cfg.SES.SecretKey = v
	}
	if v := os.Getenv("AWS_SES_REGION"); v != "" {
		cfg.SES.Region = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DRAIN_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.BatchSize = n
		}
	}

	return cfg, nil
}
