package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"getitdone/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Remote     RemoteConfig     `yaml:"remote"`
	Feed       FeedConfig       `yaml:"feed"`
	Sync       SyncConfig       `yaml:"sync"`
	Queue      QueueConfig      `yaml:"queue"`
	Session    SessionConfig    `yaml:"session"`
	Backup     BackupConfig     `yaml:"backup"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
}

type AppConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	// KeyPrefix namespaces in-flight marks and the dead-letter list.
	KeyPrefix string `yaml:"key_prefix"`
}

type RemoteConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

type SyncConfig struct {
	Interval             time.Duration `yaml:"interval"`
	ProbeInterval        time.Duration `yaml:"probe_interval"`
	InFlightTTL          time.Duration `yaml:"in_flight_ttl"`
	HousekeepingInterval time.Duration `yaml:"housekeeping_interval"`
}

type QueueConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	BaseDelay         time.Duration `yaml:"base_delay"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxAge            time.Duration `yaml:"max_age"`
	Pace              time.Duration `yaml:"pace"`
}

// SessionConfig seeds credentials for headless runs.
type SessionConfig struct {
	AccessToken string `yaml:"access_token"`
	UserID      string `yaml:"user_id"`
}

type BackupConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Schedule      string `yaml:"schedule"`
	RetentionDays int    `yaml:"retention_days"`
	StoragePath   string `yaml:"storage_path"`
}

type MonitoringConfig struct {
	PrometheusEnabled bool `yaml:"prometheus_enabled"`
	PrometheusPort    int  `yaml:"prometheus_port"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type APIConfig struct {
	Enabled   bool               `yaml:"enabled"`
	Port      int                `yaml:"port"`
	Auth      APIAuthConfig      `yaml:"auth"`
	RateLimit APIRateLimitConfig `yaml:"rate_limit"`
}

type APIAuthConfig struct {
	Enabled      bool           `yaml:"enabled"`
	HeaderAPIKey string         `yaml:"header_api_key"`
	APIKeys      []APIClientKey `yaml:"api_keys"`
}

type APIClientKey struct {
	Key         string   `yaml:"key"`
	Name        string   `yaml:"name"`
	Permissions []string `yaml:"permissions"`
}

type APIRateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

// Load reads the YAML file at configPath, expanding ${VAR} references.
// A .env file next to the working directory is loaded when present.
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

func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.New("database path is required")
	}

	if c.Remote.BaseURL == "" {
		return errors.New("remote base_url is required")
	}
	if _, err := url.ParseRequestURI(c.Remote.BaseURL); err != nil {
		return fmt.Errorf("invalid remote base_url: %w", err)
	}

	if c.Feed.Enabled {
		u, err := url.Parse(c.Feed.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("feed url must be a ws:// or wss:// url, got %q", c.Feed.URL)
		}
	}

	if c.Queue.BackoffMultiplier < 1 {
		return errors.New("queue backoff_multiplier must be >= 1")
	}
	if c.Queue.MaxDelay < c.Queue.BaseDelay {
		return errors.New("queue max_delay must be >= base_delay")
	}

	return ValidateAPIKeys(c.API.Auth.APIKeys)
}

func ValidateAPIKeys(keys []APIClientKey) error {
	seen := make(map[string]bool)
	for _, k := range keys {
		if strings.TrimSpace(k.Key) == "" {
			return fmt.Errorf("api key '%s' is empty", k.Name)
		}
		if seen[k.Key] {
			return fmt.Errorf("duplicate api key for client %s", k.Name)
		}
		seen[k.Key] = true
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "getitdone"
	}
	if c.Remote.ReadTimeout == 0 {
		c.Remote.ReadTimeout = models.DefaultReadTimeout
	}
	if c.Remote.WriteTimeout == 0 {
		c.Remote.WriteTimeout = models.DefaultWriteTimeout
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "getitdone"
	}

	// Sync defaults
	if c.Sync.Interval == 0 {
		c.Sync.Interval = models.DefaultSyncInterval
	}
	if c.Sync.ProbeInterval == 0 {
		c.Sync.ProbeInterval = models.DefaultProbeInterval
	}
	if c.Sync.InFlightTTL == 0 {
		c.Sync.InFlightTTL = models.DefaultInFlightTTL
	}
	if c.Sync.HousekeepingInterval == 0 {
		c.Sync.HousekeepingInterval = models.DefaultHousekeepingInterval
	}

	// Queue defaults
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = models.DefaultQueueMaxRetries
	}
	if c.Queue.BaseDelay == 0 {
		c.Queue.BaseDelay = models.DefaultQueueBaseDelay
	}
	if c.Queue.MaxDelay == 0 {
		c.Queue.MaxDelay = models.DefaultQueueMaxDelay
	}
	if c.Queue.BackoffMultiplier == 0 {
		c.Queue.BackoffMultiplier = models.DefaultQueueBackoffMultiplier
	}
	if c.Queue.MaxAge == 0 {
		c.Queue.MaxAge = models.DefaultQueueMaxAge
	}
	if c.Queue.Pace == 0 {
		c.Queue.Pace = models.DefaultQueuePace
	}

	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.Auth.HeaderAPIKey == "" {
		c.API.Auth.HeaderAPIKey = "x-api-key"
	}
	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort == 0 {
		c.Monitoring.PrometheusPort = 9090
	}
	if c.Backup.Enabled && c.Backup.RetentionDays == 0 {
		c.Backup.RetentionDays = 7
	}
}
