// Package config loads the service configuration from YAML with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Cache    CacheConfig    `yaml:"cache"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Dataset  DatasetConfig  `yaml:"dataset"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownGrace   time.Duration `yaml:"shutdown_grace"`
	GlobalPerMinute int           `yaml:"global_per_minute"`
	AddonPerMinute  int           `yaml:"addon_per_minute"`
	AuthPerMinute   int           `yaml:"auth_per_minute"`
}

type CacheConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	MaxKeys       int    `yaml:"max_keys"`
	Version       string `yaml:"version"`
}

type UpstreamConfig struct {
	BaseURL          string        `yaml:"base_url"`
	RequestsPerSec   float64       `yaml:"requests_per_sec"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	FailureThreshold int           `yaml:"failure_threshold"`
	BreakerWindow    time.Duration `yaml:"breaker_window"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

type AuthConfig struct {
	// EncryptionSecret protects stored upstream credentials. Required.
	EncryptionSecret string `yaml:"encryption_secret"`
	// SessionSecret signs bearer tokens. Required.
	SessionSecret string        `yaml:"session_secret"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
}

type DatabaseConfig struct {
	// DSN enables the Postgres config store; empty keeps configs in
	// memory.
	DSN string `yaml:"dsn"`
}

type DatasetConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RatingsURL      string        `yaml:"ratings_url"`
	BasicsURL       string        `yaml:"basics_url"`
	MinVotes        int           `yaml:"min_votes"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	CachePath       string        `yaml:"cache_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownGrace:   15 * time.Second,
			GlobalPerMinute: 300,
			AddonPerMinute:  1000,
			AuthPerMinute:   60,
		},
		Cache: CacheConfig{
			MaxKeys: 50_000,
			Version: "v1",
		},
		Upstream: UpstreamConfig{
			RequestsPerSec:   35,
			RequestTimeout:   10 * time.Second,
			MaxRetries:       3,
			FailureThreshold: 10,
			BreakerWindow:    time.Minute,
			BreakerCooldown:  30 * time.Second,
		},
		Auth: AuthConfig{
			SessionTTL: 24 * time.Hour,
		},
		Dataset: DatasetConfig{
			Enabled:         true,
			MinVotes:        500,
			RefreshInterval: 24 * time.Hour,
		},
	}
}

// Load reads a YAML file over the defaults and then applies environment
// overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	return cfg, cfg.Validate()
}

// applyEnv maps CATALOGRUN_* variables over the loaded values. Secrets
// are expected to arrive this way in production.
func applyEnv(cfg *Config) {
	envString("CATALOGRUN_HOST", &cfg.Server.Host)
	envInt("CATALOGRUN_PORT", &cfg.Server.Port)
	envString("CATALOGRUN_REDIS_ADDR", &cfg.Cache.RedisAddr)
	envString("CATALOGRUN_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	envString("CATALOGRUN_DATABASE_DSN", &cfg.Database.DSN)
	envString("CATALOGRUN_ENCRYPTION_SECRET", &cfg.Auth.EncryptionSecret)
	envString("CATALOGRUN_SESSION_SECRET", &cfg.Auth.SessionSecret)
	envString("CATALOGRUN_DATASET_CACHE", &cfg.Dataset.CachePath)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate rejects configurations that cannot serve.
func (c Config) Validate() error {
	if c.Auth.EncryptionSecret == "" {
		return fmt.Errorf("auth.encryption_secret is required")
	}
	if c.Auth.SessionSecret == "" {
		return fmt.Errorf("auth.session_secret is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	return nil
}
