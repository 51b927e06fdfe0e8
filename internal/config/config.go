// Package config loads application configuration from a YAML file with
// environment variable overrides. Secrets (API keys, SMTP passwords,
// database URLs) should come from the environment; the YAML file carries
// tunables and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	SES       SESConfig       `yaml:"ses"`
	SparkPost SparkPostConfig `yaml:"sparkpost"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the optional Redis connection for distributed claim
// locks. When Addr is empty the pipeline falls back to PG advisory locks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SESConfig holds process-wide AWS SES credentials. These are shared by
// every sending domain that selects the "ses" provider.
type SESConfig struct {
	AccessKey     string `yaml:"access_key"`
	SecretKey     string `yaml:"secret_key"`
	Region        string `yaml:"region"`
	DefaultSender string `yaml:"default_sender"`
}

// Configured reports whether SES credentials are present.
func (c SESConfig) Configured() bool { return c.AccessKey != "" && c.SecretKey != "" }

// SparkPostConfig holds process-wide SparkPost API credentials.
type SparkPostConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	DefaultSender  string `yaml:"default_sender"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Configured reports whether a SparkPost API key is present.
func (c SparkPostConfig) Configured() bool { return c.APIKey != "" }

// PipelineConfig holds the delivery pipeline tunables. Zero values are
// replaced with the documented defaults by Load.
type PipelineConfig struct {
	BatchSize              int `yaml:"batch_size"`
	BatchPauseSeconds      int `yaml:"batch_pause_seconds"`
	ReadyPollSeconds       int `yaml:"ready_poll_seconds"`
	ScheduledPollSeconds   int `yaml:"scheduled_poll_seconds"`
	RetryPollSeconds       int `yaml:"retry_poll_seconds"`
	MaxRetries             int `yaml:"max_retries"`
	RetryBaseDelayMinutes  int `yaml:"retry_base_delay_minutes"`
	StaleRetryingMinutes   int `yaml:"stale_retrying_minutes"`
	StallThresholdMinutes  int `yaml:"stall_threshold_minutes"`
	WarmupWindowDays       int `yaml:"warmup_window_days"`
	ValidationCacheSeconds int `yaml:"validation_cache_seconds"`
}

// BatchPause returns the inter-batch pause as a duration.
func (p PipelineConfig) BatchPause() time.Duration {
	return time.Duration(p.BatchPauseSeconds) * time.Second
}

// RetryBaseDelay returns the base backoff delay as a duration.
func (p PipelineConfig) RetryBaseDelay() time.Duration {
	return time.Duration(p.RetryBaseDelayMinutes) * time.Minute
}

// StallThreshold returns the sending-state watchdog threshold.
func (p PipelineConfig) StallThreshold() time.Duration {
	return time.Duration(p.StallThresholdMinutes) * time.Minute
}

// StaleRetrying returns how long an attempt may sit in retrying before
// being forced back to failed.
func (p PipelineConfig) StaleRetrying() time.Duration {
	return time.Duration(p.StaleRetryingMinutes) * time.Minute
}

// LoggingConfig controls the structured logger.
type LoggingConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads the YAML file at path (if it exists), applies defaults, and
// overlays environment variables. A missing file is not an error; a
// fully env-driven deployment is supported.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	applyDefaults(&cfg)
	applyEnv(&cfg)

	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database url is required (set DATABASE_URL)")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5
	}
	if cfg.SES.Region == "" {
		cfg.SES.Region = "us-east-1"
	}
	if cfg.SparkPost.BaseURL == "" {
		cfg.SparkPost.BaseURL = "https://api.sparkpost.com"
	}
	if cfg.SparkPost.TimeoutSeconds == 0 {
		cfg.SparkPost.TimeoutSeconds = 30
	}

	p := &cfg.Pipeline
	if p.BatchSize == 0 {
		p.BatchSize = 10
	}
	if p.BatchPauseSeconds == 0 {
		p.BatchPauseSeconds = 1
	}
	if p.ReadyPollSeconds == 0 {
		p.ReadyPollSeconds = 30
	}
	if p.ScheduledPollSeconds == 0 {
		p.ScheduledPollSeconds = 60
	}
	if p.RetryPollSeconds == 0 {
		p.RetryPollSeconds = 120
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.RetryBaseDelayMinutes == 0 {
		p.RetryBaseDelayMinutes = 15
	}
	if p.StaleRetryingMinutes == 0 {
		p.StaleRetryingMinutes = 10
	}
	if p.StallThresholdMinutes == 0 {
		p.StallThresholdMinutes = 30
	}
	if p.WarmupWindowDays == 0 {
		p.WarmupWindowDays = 30
	}
	if p.ValidationCacheSeconds == 0 {
		p.ValidationCacheSeconds = 300
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
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
	if v := os.Getenv("SES_DEFAULT_SENDER"); v != "" {
		cfg.SES.DefaultSender = v
	}
	if v := os.Getenv("SPARKPOST_API_KEY"); v != "" {
		cfg.SparkPost.APIKey = v
	}
	if v := os.Getenv("SPARKPOST_BASE_URL"); v != "" {
		cfg.SparkPost.BaseURL = v
	}
	if v := os.Getenv("SPARKPOST_DEFAULT_SENDER"); v != "" {
		cfg.SparkPost.DefaultSender = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}
