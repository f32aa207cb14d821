package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Provider  ProviderConfig  `yaml:"provider"`
	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Retry     RetryConfig     `yaml:"retry"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Manager   ManagerConfig   `yaml:"manager"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig holds the operator HTTP API configuration
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the server host, with ECS detection
func (c ServerConfig) GetHost() string {
	// On ECS/container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	// Allow override via environment
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	URL                    string `yaml:"url"`
	MaxOpenConns           int    `yaml:"max_open_conns"`
	MaxIdleConns           int    `yaml:"max_idle_conns"`
	ConnMaxLifetimeMinutes int    `yaml:"conn_max_lifetime_minutes"`
}

// ConnMaxLifetime returns the connection max lifetime as a duration
func (c DatabaseConfig) ConnMaxLifetime() time.Duration {
	return time.Duration(c.ConnMaxLifetimeMinutes) * time.Minute
}

// RedisConfig holds optional Redis settings. Redis backs the submit
// dedup lock and the live stats snapshot; the engine runs without it.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// ProviderConfig selects and configures the ESP used for delivery
type ProviderConfig struct {
	Name           string         `yaml:"name"` // "resend", "sendgrid" or "ses"
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	Resend         ResendConfig   `yaml:"resend"`
	SendGrid       SendGridConfig `yaml:"sendgrid"`
	SES            SESConfig      `yaml:"ses"`
}

// Timeout returns the per-send provider timeout as a duration
func (c ProviderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ResendConfig holds Resend API configuration
type ResendConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// SendGridConfig holds SendGrid API configuration
type SendGridConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// SESConfig holds AWS SES API configuration
type SESConfig struct {
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
}

// QueueConfig holds job intake settings
type QueueConfig struct {
	BatchSize            int `yaml:"batch_size"`
	MaxQueueSize         int `yaml:"max_queue_size"`
	SubmitLockTTLSeconds int `yaml:"submit_lock_ttl_seconds"`
}

// SubmitLockTTL returns the submit dedup lock TTL as a duration
func (c QueueConfig) SubmitLockTTL() time.Duration {
	return time.Duration(c.SubmitLockTTLSeconds) * time.Second
}

// WorkerConfig holds per-worker loop timing
type WorkerConfig struct {
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	StalenessTimeoutSeconds  int `yaml:"staleness_timeout_seconds"`
	IdleBackoffSeconds       int `yaml:"idle_backoff_seconds"`
	RateBackoffSeconds       int `yaml:"rate_backoff_seconds"`
	PerSendPacingMs          int `yaml:"per_send_pacing_ms"`
}

// HeartbeatInterval returns the heartbeat period as a duration
func (c WorkerConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// StalenessTimeout returns the heartbeat age beyond which a worker
// counts as offline and its jobs become reclaimable
func (c WorkerConfig) StalenessTimeout() time.Duration {
	return time.Duration(c.StalenessTimeoutSeconds) * time.Second
}

// IdleBackoff returns the sleep between claim attempts when the
// queue is empty
func (c WorkerConfig) IdleBackoff() time.Duration {
	return time.Duration(c.IdleBackoffSeconds) * time.Second
}

// RateBackoff returns the sleep after a rate-limit denial
func (c WorkerConfig) RateBackoff() time.Duration {
	return time.Duration(c.RateBackoffSeconds) * time.Second
}

// PerSendPacing returns the inter-send pause that smooths bursts
func (c WorkerConfig) PerSendPacing() time.Duration {
	return time.Duration(c.PerSendPacingMs) * time.Millisecond
}

// RateLimitConfig caps per-worker send volume per window
type RateLimitConfig struct {
	PerMinute     int `yaml:"per_minute"`
	PerHour       int `yaml:"per_hour"`
	BufferPercent int `yaml:"buffer_percent"`
}

// RetryConfig holds failed-send retry scheduling
type RetryConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
	BatchSize            int `yaml:"batch_size"`
	BaseDelaySeconds     int `yaml:"base_delay_seconds"`
	Multiplier           int `yaml:"multiplier"`
	MaxDelaySeconds      int `yaml:"max_delay_seconds"`
	MaxAttempts          int `yaml:"max_attempts"`
}

// CheckInterval returns the retry sweep period as a duration
func (c RetryConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSeconds) * time.Second
}

// BaseDelay returns the first retry delay as a duration
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelaySeconds) * time.Second
}

// MaxDelay returns the retry delay ceiling as a duration
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// MonitorConfig holds metrics collection and alert thresholds
type MonitorConfig struct {
	MetricsIntervalSeconds int     `yaml:"metrics_interval_seconds"`
	AlertsIntervalSeconds  int     `yaml:"alerts_interval_seconds"`
	AlertCooldownSeconds   int     `yaml:"alert_cooldown_seconds"`
	MinThroughput          float64 `yaml:"min_throughput"` // emails/hour; 0 disables the low-throughput alert
	WorkerTimeoutSeconds   int     `yaml:"worker_timeout_seconds"`
	MaxResponseTimeMs      float64 `yaml:"max_response_time_ms"`
}

// MetricsInterval returns the metrics collection period as a duration
func (c MonitorConfig) MetricsInterval() time.Duration {
	return time.Duration(c.MetricsIntervalSeconds) * time.Second
}

// AlertsInterval returns the alert evaluation period as a duration
func (c MonitorConfig) AlertsInterval() time.Duration {
	return time.Duration(c.AlertsIntervalSeconds) * time.Second
}

// AlertCooldown returns the minimum gap between repeats of one alert
func (c MonitorConfig) AlertCooldown() time.Duration {
	return time.Duration(c.AlertCooldownSeconds) * time.Second
}

// WorkerTimeout returns the heartbeat age that trips the stale-worker alert
func (c MonitorConfig) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutSeconds) * time.Second
}

// ManagerConfig holds the worker pool sizing
type ManagerConfig struct {
	MinWorkers      int `yaml:"min_workers"`
	MaxWorkers      int `yaml:"max_workers"`
	IntervalSeconds int `yaml:"interval_seconds"`
}

// Interval returns the manager tick period as a duration
func (c ManagerConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

// CleanupConfig holds retention sweep settings
type CleanupConfig struct {
	RetentionDays int `yaml:"retention_days"`
	IntervalHours int `yaml:"interval_hours"`
	BatchLimit    int `yaml:"batch_limit"`
}

// Interval returns the sweep period as a duration
func (c CleanupConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// Retention returns the terminal-record retention as a duration
func (c CleanupConfig) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
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
	cfg.applyDefaults()

	return &cfg, nil
}

// Default returns a Config with every option at its default value.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (cfg *Config) applyDefaults() {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = 5
	}
	if cfg.Database.ConnMaxLifetimeMinutes == 0 {
		cfg.Database.ConnMaxLifetimeMinutes = 30
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "resend"
	}
	if cfg.Provider.TimeoutSeconds == 0 {
		cfg.Provider.TimeoutSeconds = 30
	}
	if cfg.Provider.SES.Region == "" {
		cfg.Provider.SES.Region = "us-west-2"
	}
	if cfg.Queue.BatchSize == 0 {
		cfg.Queue.BatchSize = 100
	}
	if cfg.Queue.MaxQueueSize == 0 {
		cfg.Queue.MaxQueueSize = 1000
	}
	if cfg.Queue.SubmitLockTTLSeconds == 0 {
		cfg.Queue.SubmitLockTTLSeconds = 30
	}
	if cfg.Worker.HeartbeatIntervalSeconds == 0 {
		cfg.Worker.HeartbeatIntervalSeconds = 30
	}
	if cfg.Worker.StalenessTimeoutSeconds == 0 {
		cfg.Worker.StalenessTimeoutSeconds = 4 * cfg.Worker.HeartbeatIntervalSeconds
	}
	if cfg.Worker.IdleBackoffSeconds == 0 {
		cfg.Worker.IdleBackoffSeconds = 5
	}
	if cfg.Worker.RateBackoffSeconds == 0 {
		cfg.Worker.RateBackoffSeconds = 60
	}
	if cfg.Worker.PerSendPacingMs == 0 {
		cfg.Worker.PerSendPacingMs = 100
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = 100
	}
	if cfg.RateLimit.PerHour == 0 {
		cfg.RateLimit.PerHour = 1000
	}
	if cfg.RateLimit.BufferPercent == 0 {
		cfg.RateLimit.BufferPercent = 10
	}
	if cfg.Retry.CheckIntervalSeconds == 0 {
		cfg.Retry.CheckIntervalSeconds = 60
	}
	if cfg.Retry.BatchSize == 0 {
		cfg.Retry.BatchSize = 50
	}
	if cfg.Retry.BaseDelaySeconds == 0 {
		cfg.Retry.BaseDelaySeconds = 300
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 3
	}
	if cfg.Retry.MaxDelaySeconds == 0 {
		cfg.Retry.MaxDelaySeconds = 7200
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Monitor.MetricsIntervalSeconds == 0 {
		cfg.Monitor.MetricsIntervalSeconds = 60
	}
	if cfg.Monitor.AlertsIntervalSeconds == 0 {
		cfg.Monitor.AlertsIntervalSeconds = 300
	}
	if cfg.Monitor.AlertCooldownSeconds == 0 {
		cfg.Monitor.AlertCooldownSeconds = 600
	}
	if cfg.Monitor.WorkerTimeoutSeconds == 0 {
		cfg.Monitor.WorkerTimeoutSeconds = cfg.Worker.StalenessTimeoutSeconds
	}
	if cfg.Monitor.MaxResponseTimeMs == 0 {
		cfg.Monitor.MaxResponseTimeMs = 5000
	}
	if cfg.Manager.MinWorkers == 0 {
		cfg.Manager.MinWorkers = 2
	}
	if cfg.Manager.MaxWorkers == 0 {
		cfg.Manager.MaxWorkers = 10
	}
	if cfg.Manager.IntervalSeconds == 0 {
		cfg.Manager.IntervalSeconds = 60
	}
	if cfg.Cleanup.RetentionDays == 0 {
		cfg.Cleanup.RetentionDays = 30
	}
	if cfg.Cleanup.IntervalHours == 0 {
		cfg.Cleanup.IntervalHours = 6
	}
	if cfg.Cleanup.BatchLimit == 0 {
		cfg.Cleanup.BatchLimit = 1000
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate rejects option combinations the engine cannot run with.
func (cfg *Config) Validate() error {
	if cfg.Manager.MinWorkers < 1 {
		return fmt.Errorf("manager.min_workers must be at least 1, got %d", cfg.Manager.MinWorkers)
	}
	if cfg.Manager.MaxWorkers < cfg.Manager.MinWorkers {
		return fmt.Errorf("manager.max_workers (%d) must be >= min_workers (%d)",
			cfg.Manager.MaxWorkers, cfg.Manager.MinWorkers)
	}
	if cfg.Queue.BatchSize < 1 {
		return fmt.Errorf("queue.batch_size must be at least 1, got %d", cfg.Queue.BatchSize)
	}
	if cfg.RateLimit.PerMinute < 0 || cfg.RateLimit.PerHour < 0 {
		return fmt.Errorf("rate_limit windows must not be negative")
	}
	if cfg.RateLimit.BufferPercent < 0 || cfg.RateLimit.BufferPercent >= 100 {
		return fmt.Errorf("rate_limit.buffer_percent must be in [0, 100), got %d", cfg.RateLimit.BufferPercent)
	}
	if cfg.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %d", cfg.Retry.Multiplier)
	}
	switch cfg.Provider.Name {
	case "resend", "sendgrid", "ses", "noop":
	default:
		return fmt.Errorf("unknown provider %q", cfg.Provider.Name)
	}
	return nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// It automatically loads a .env file (if present) before reading env vars,
// so secrets can live in .env locally and in real env vars on ECS.
func LoadFromEnv(path string) (*Config, error) {
	// Load .env file if it exists (no error if missing)
	_ = godotenv.Load()

	cfg, err := Load(path)
	if os.IsNotExist(err) {
		// No config file is fine on ECS: everything arrives via env vars.
		cfg = Default()
	} else if err != nil {
		return nil, err
	}

	// Override with environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.Database.URL = dbURL
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
		cfg.Redis.Enabled = true
	}
	if pw := os.Getenv("REDIS_PASSWORD"); pw != "" {
		cfg.Redis.Password = pw
	}
	if name := os.Getenv("DISPATCH_PROVIDER"); name != "" {
		cfg.Provider.Name = name
	}
	if apiKey := os.Getenv("RESEND_API_KEY"); apiKey != "" {
		cfg.Provider.Resend.APIKey = apiKey
	}
	if baseURL := os.Getenv("RESEND_BASE_URL"); baseURL != "" {
		cfg.Provider.Resend.BaseURL = baseURL
	}
	if apiKey := os.Getenv("SENDGRID_API_KEY"); apiKey != "" {
		cfg.Provider.SendGrid.APIKey = apiKey
	}
	if baseURL := os.Getenv("SENDGRID_BASE_URL"); baseURL != "" {
		cfg.Provider.SendGrid.BaseURL = baseURL
	}
	if accessKey := os.Getenv("AWS_SES_ACCESS_KEY"); accessKey != "" {
		cfg.Provider.SES.AccessKey = accessKey
	}
	if secretKey := os.Getenv("AWS_SES_SECRET_KEY"); secretKey != "" {
		cfg.Provider.SES.SecretKey = secretKey
	}
	if region := os.Getenv("AWS_SES_REGION"); region != "" {
		cfg.Provider.SES.Region = region
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if v := os.Getenv("DISPATCH_MIN_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Manager.MinWorkers = n
		}
	}
	if v := os.Getenv("DISPATCH_MAX_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Manager.MaxWorkers = n
		}
	}
	if v := os.Getenv("DISPATCH_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.BatchSize = n
		}
	}

	return cfg, nil
}
