package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Exports    ExportConfig     `yaml:"exports"`
	Backup     BackupConfig     `yaml:"backup"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=sqlite3 mysql"`
	Path   string `yaml:"path" validate:"required_unless=Driver mysql"`
	DSN    string `yaml:"dsn" validate:"required_if=Driver mysql"`
}

type RedisConfig struct {
	Address       string `yaml:"address"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	QueueKey      string `yaml:"queue_key"`
	DeadLetterKey string `yaml:"dead_letter_key"`
}

type PubSubConfig struct {
	Enabled         bool   `yaml:"enabled"`
	ProjectID       string `yaml:"project_id" validate:"required_if=Enabled true"`
	Topic           string `yaml:"topic" validate:"required_if=Enabled true"`
	Subscription    string `yaml:"subscription"`
	CredentialsFile string `yaml:"credentials_file"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level    string `yaml:"level"`
	Format   string `yaml:"format"`
	Output   string `yaml:"output"`
	FilePath string `yaml:"file_path"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	HTTP      APIHTTPConfig      `yaml:"http"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIHTTPConfig struct {
	Port int `yaml:"port" validate:"gte=0,lte=65535"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// ExchangeConfig tunes claiming, retries and outbound traffic.
type ExchangeConfig struct {
	WorkerID        string                `yaml:"worker_id"`
	PollInterval    time.Duration         `yaml:"poll_interval"`
	LockTTL         time.Duration         `yaml:"lock_ttl"`
	SpecificLockTTL time.Duration         `yaml:"specific_lock_ttl"`
	MaxAttempts     int                   `yaml:"max_attempts" validate:"gte=0"`
	Retry           RetryConfig           `yaml:"retry"`
	RejectionDelay  time.Duration         `yaml:"rejection_delay"`
	HTTPTimeout     time.Duration         `yaml:"http_timeout"`
	RequestsPerSec  float64               `yaml:"requests_per_second"`
	Tasks           map[string]TaskConfig `yaml:"tasks"`
	IgnoredFields   []string              `yaml:"ignored_reservation_fields"`
}

type RetryConfig struct {
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" validate:"gte=0"`
}

type TaskConfig struct {
	Enabled   *bool `yaml:"enabled"`
	BatchSize int   `yaml:"batch_size" validate:"gte=0"`
}

// IsEnabled treats a missing flag as enabled.
func (t TaskConfig) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

type ScheduleConfig struct {
	RatesSpec        string        `yaml:"rates_spec"`
	PullSpec         string        `yaml:"pull_spec"`
	RatesHorizonDays int           `yaml:"rates_horizon_days" validate:"gte=0"`
	LockTTL          time.Duration `yaml:"lock_ttl"`

	// PullLookback limits pulls to bookings changed since now minus the lookback.
	// Zero pulls everything.
	PullLookback time.Duration `yaml:"pull_lookback"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type ExportConfig struct {
	Path string `yaml:"path"`
}

func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	expandedData := []byte(os.ExpandEnv(string(data)))

	var config Config
	if err := yaml.Unmarshal(expandedData, &config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Exchange.Retry.MaxDelay > 0 && c.Exchange.Retry.MaxDelay < c.Exchange.Retry.InitialDelay {
		return errors.New("exchange.retry.max_delay must not be lower than initial_delay")
	}
	return nil
}

// BatchSize returns the configured cap for a task or fallback when unset.
func (c *Config) BatchSize(task string, fallback int) int {
	if tc, ok := c.Exchange.Tasks[task]; ok && tc.BatchSize > 0 {
		return tc.BatchSize
	}
	return fallback
}

// TaskEnabled reports whether workers should poll the task.
func (c *Config) TaskEnabled(task string) bool {
	tc, ok := c.Exchange.Tasks[task]
	return !ok || tc.IsEnabled()
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite3"
	}
	if c.API.HTTP.Port == 0 {
		c.API.HTTP.Port = 8080
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Redis.QueueKey == "" {
		c.Redis.QueueKey = "exchange:dispatch"
	}
	if c.Redis.DeadLetterKey == "" {
		c.Redis.DeadLetterKey = "exchange:deadletter"
	}

	ex := &c.Exchange
	if ex.PollInterval == 0 {
		ex.PollInterval = 2 * time.Second
	}
	if ex.LockTTL == 0 {
		ex.LockTTL = 10 * time.Minute
	}
	if ex.SpecificLockTTL == 0 {
		ex.SpecificLockTTL = 2 * time.Minute
	}
	if ex.MaxAttempts == 0 {
		ex.MaxAttempts = 5
	}
	if ex.Retry.InitialDelay == 0 {
		ex.Retry.InitialDelay = 5 * time.Second
	}
	if ex.Retry.MaxDelay == 0 {
		ex.Retry.MaxDelay = 10 * time.Minute
	}
	if ex.Retry.BackoffFactor == 0 {
		ex.Retry.BackoffFactor = 2
	}
	if ex.RejectionDelay == 0 {
		ex.RejectionDelay = time.Minute
	}
	if ex.HTTPTimeout == 0 {
		ex.HTTPTimeout = 10 * time.Second
	}
	if ex.IgnoredFields == nil {
		ex.IgnoredFields = []string{"notes", "color"}
	}

	if c.Schedule.RatesSpec == "" {
		c.Schedule.RatesSpec = "0 0 */6 * * *"
	}
	if c.Schedule.PullSpec == "" {
		c.Schedule.PullSpec = "0 */5 * * * *"
	}
	if c.Schedule.RatesHorizonDays == 0 {
		c.Schedule.RatesHorizonDays = 365
	}
	if c.Schedule.LockTTL == 0 {
		c.Schedule.LockTTL = time.Minute
	}
	if c.Backup.Schedule == "" {
		c.Backup.Schedule = "0 0 3 * * *"
	}
	if c.Backup.StoragePath == "" {
		c.Backup.StoragePath = "backups"
	}
	if c.Exports.Path == "" {
		c.Exports.Path = "exports"
	}
}
