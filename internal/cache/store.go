package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Store is the flat key/value contract the facade writes envelopes through.
// Get must return (nil, nil) for missing keys; it never errors on absence.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// StoreConfig selects and sizes the backing store.
type StoreConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	MaxKeys       int           `yaml:"max_keys"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
}

// DefaultStoreConfig returns the store defaults used by the serve command.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxKeys:     50000,
		DialTimeout: 5 * time.Second,
	}
}

// NewStore builds a Redis-backed store when an address is configured and
// reachable, and degrades to the in-process store otherwise. Connection
// loss after startup never cascades to callers; the Redis store fails soft.
func NewStore(ctx context.Context, cfg StoreConfig) Store {
	if cfg.RedisAddr == "" {
		return NewMemoryStore(cfg.MaxKeys)
	}

	rs, err := NewRedisStore(ctx, cfg)
	if err != nil {
		log.Warn().Err(err).Str("addr", cfg.RedisAddr).
			Msg("Redis unavailable, degrading to in-memory cache store")
		return NewMemoryStore(cfg.MaxKeys)
	}

	log.Info().Str("addr", cfg.RedisAddr).Msg("Cache store connected to Redis")
	return rs
}
