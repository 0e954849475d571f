// Package config provides configuration management for actorforge.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Run modes.
const (
	ModeOnce      = "once"
	ModeScheduled = "scheduled"
)

// Store backends.
const (
	BackendBadger = "badger"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all actorforge configuration.
type Config struct {
	Mode     string         `yaml:"mode"`     // once, scheduled
	Schedule string         `yaml:"schedule"` // cron expression for scheduled mode
	Pipeline PipelineConfig `yaml:"pipeline"`
	Data     DataConfig     `yaml:"data"`
	Redis    RedisConfig    `yaml:"redis"`
	Cache    CacheConfig    `yaml:"cache"`
	Sources  SourcesConfig  `yaml:"sources"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PipelineConfig holds per-run pipeline settings.
type PipelineConfig struct {
	EntityCap        int           `yaml:"entity_cap"` // max entities enriched per run, 0 = unlimited
	PerEntityTimeout time.Duration `yaml:"per_entity_timeout"`
	RunDeadline      time.Duration `yaml:"run_deadline"` // overall pass budget, 0 = none
	ForceRefresh     bool          `yaml:"force_refresh"` // bypass the response cache
}

// DataConfig holds local storage settings.
type DataConfig struct {
	Dir     string `yaml:"dir"`
	Backend string `yaml:"backend"` // badger, redis, memory
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr        string `yaml:"addr"`
	PasswordEnv string `yaml:"password_env"`
	DB          int    `yaml:"db"`
	PoolSize    int    `yaml:"pool_size"`
}

// CacheConfig holds response cache settings.
type CacheConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	NegativeTTL time.Duration `yaml:"negative_ttl"` // retention for failed-fetch entries
}

// SourcesConfig holds per-source client settings.
type SourcesConfig struct {
	MITRE    MITREConfig    `yaml:"mitre"`
	Malpedia MalpediaConfig `yaml:"malpedia"`
	Feedly   FeedlyConfig   `yaml:"feedly"`
}

// MITREConfig holds MITRE ATT&CK bulk fetch settings.
type MITREConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MalpediaConfig holds Malpedia bulk fetch settings.
type MalpediaConfig struct {
	URL       string        `yaml:"url"`
	APIKeyEnv string        `yaml:"api_key_env"` // optional, anonymous access is permitted
	Timeout   time.Duration `yaml:"timeout"`
}

// FeedlyConfig holds Feedly per-entity enrichment settings.
type FeedlyConfig struct {
	URL         string        `yaml:"url"`
	APIKeyEnv   string        `yaml:"api_key_env"`
	Timeout     time.Duration `yaml:"timeout"`
	MinInterval time.Duration `yaml:"min_interval"` // minimum delay between calls
	MaxAttempts int           `yaml:"max_attempts"` // retry budget on throttling
	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

// ProxyConfig holds optional outbound proxy settings.
type ProxyConfig struct {
	URL string `yaml:"url"`
}

// ServerConfig holds ops HTTP server settings (scheduled mode only).
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Mode:     ModeOnce,
		Schedule: "@every 24h",
		Pipeline: PipelineConfig{
			EntityCap:        0,
			PerEntityTimeout: 30 * time.Second,
		},
		Data: DataConfig{
			Dir:     "data",
			Backend: BackendBadger,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
		},
		Cache: CacheConfig{
			TTL:         24 * time.Hour,
			NegativeTTL: 15 * time.Minute,
		},
		Sources: SourcesConfig{
			MITRE: MITREConfig{
				URL:     "https://raw.githubusercontent.com/mitre-attack/attack-stix-data/refs/heads/master/enterprise-attack/enterprise-attack.json",
				Timeout: 120 * time.Second,
			},
			Malpedia: MalpediaConfig{
				URL:       "https://malpedia.caad.fkie.fraunhofer.de/api",
				APIKeyEnv: "MALPEDIA_API_KEY",
				Timeout:   60 * time.Second,
			},
			Feedly: FeedlyConfig{
				URL:         "https://api.feedly.com",
				APIKeyEnv:   "FEEDLY_API_TOKEN",
				Timeout:     30 * time.Second,
				MinInterval: 2 * time.Second,
				MaxAttempts: 3,
				BackoffBase: 1 * time.Second,
				BackoffMax:  30 * time.Second,
			},
		},
		Server: ServerConfig{
			Listen:          ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate checks the configuration for structural errors. It runs before
// any store or network activity so misconfiguration fails the process fast.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeOnce, ModeScheduled:
	default:
		return fmt.Errorf("invalid mode %q (want %q or %q)", c.Mode, ModeOnce, ModeScheduled)
	}

	if c.Mode == ModeScheduled {
		if _, err := cron.ParseStandard(c.Schedule); err != nil {
			return fmt.Errorf("invalid schedule %q: %w", c.Schedule, err)
		}
	}

	switch c.Data.Backend {
	case BackendBadger, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("invalid store backend %q", c.Data.Backend)
	}
	if c.Data.Backend == BackendBadger && c.Data.Dir == "" {
		return fmt.Errorf("data dir is required for the badger backend")
	}
	if c.Data.Backend == BackendRedis && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required for the redis backend")
	}

	if c.Pipeline.EntityCap < 0 {
		return fmt.Errorf("entity cap must be >= 0, got %d", c.Pipeline.EntityCap)
	}

	if c.Sources.MITRE.URL == "" {
		return fmt.Errorf("mitre url is required")
	}
	if c.Sources.Malpedia.URL == "" {
		return fmt.Errorf("malpedia url is required")
	}
	if c.Sources.Feedly.URL == "" {
		return fmt.Errorf("feedly url is required")
	}
	if c.Sources.Feedly.APIKeyEnv == "" {
		return fmt.Errorf("feedly api_key_env is required")
	}
	if c.Sources.Feedly.MaxAttempts < 1 {
		return fmt.Errorf("feedly max_attempts must be >= 1, got %d", c.Sources.Feedly.MaxAttempts)
	}

	return nil
}
