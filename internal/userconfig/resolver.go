package userconfig

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultResolverSize = 1000
	defaultResolverTTL  = 5 * time.Minute
)

// ResolverConfig bounds the resolver's configuration cache.
type ResolverConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		CacheSize: defaultResolverSize,
		CacheTTL:  defaultResolverTTL,
	}
}

// Resolver looks up per-user configurations through an LRU cache with an
// absolute TTL. Concurrent misses for the same user coalesce into a single
// store read.
type Resolver struct {
	store  Store
	cipher *Cipher
	cache  *expirable.LRU[string, *Config]
	flight singleflight.Group
}

func NewResolver(cfg ResolverConfig, store Store, cipher *Cipher) *Resolver {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultResolverSize
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultResolverTTL
	}
	return &Resolver{
		store:  store,
		cipher: cipher,
		cache:  expirable.NewLRU[string, *Config](cfg.CacheSize, nil, cfg.CacheTTL),
	}
}

// Resolve returns the configuration for userID, from cache when fresh. The
// returned value is a copy; callers may not mutate shared state through it.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*Config, error) {
	if cfg, ok := r.cache.Get(userID); ok {
		clone := *cfg
		return &clone, nil
	}

	v, err, _ := r.flight.Do(userID, func() (interface{}, error) {
		// Re-check under the flight: a concurrent producer may have
		// populated the cache while we queued.
		if cfg, ok := r.cache.Get(userID); ok {
			return cfg, nil
		}
		cfg, loadErr := r.store.Get(ctx, userID)
		if loadErr != nil {
			return nil, loadErr
		}
		r.cache.Add(userID, cfg)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}

	cfg := v.(*Config)
	clone := *cfg
	return &clone, nil
}

// ResolveOwned resolves a configuration and asserts the caller owns it. On a
// hash mismatch the target's credential is never decrypted.
func (r *Resolver) ResolveOwned(ctx context.Context, userID, callerKeyHash string) (*Config, error) {
	cfg, err := r.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	if cfg.APIKeyIDHash != callerKeyHash {
		log.Warn().Str("user_id", userID).Msg("Ownership check failed")
		return nil, ErrOwnershipMismatch
	}
	return cfg, nil
}

// Credential unwraps a configuration's upstream credential and verifies it
// still derives the stored key hash.
func (r *Resolver) Credential(cfg *Config) (string, error) {
	apiKey, err := r.cipher.Decrypt(cfg.EncryptedAPIKey)
	if err != nil {
		return "", err
	}
	if HashAPIKey(apiKey) != cfg.APIKeyIDHash {
		return "", fmt.Errorf("%w: key hash mismatch for %s", ErrDecryptFailed, cfg.UserID)
	}
	return apiKey, nil
}

// Invalidate drops a user's cached entry. Callers invoke it after every
// mutation so the next resolve reads through.
func (r *Resolver) Invalidate(userID string) {
	r.cache.Remove(userID)
}

// Len reports the number of cached configurations.
func (r *Resolver) Len() int { return r.cache.Len() }
