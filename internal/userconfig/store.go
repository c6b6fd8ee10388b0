package userconfig

import (
	"context"
	"sync"
	"time"
)

// Store persists user configurations. Implementations must treat UserID as
// the primary key and never return partially populated rows.
type Store interface {
	Get(ctx context.Context, userID string) (*Config, error)
	ListByKeyHash(ctx context.Context, keyHash string) ([]*Config, error)
	Create(ctx context.Context, cfg *Config) error
	Update(ctx context.Context, cfg *Config) error
	Delete(ctx context.Context, userID string) error
	Close() error
}

// MemoryStore is a map-backed Store for tests and single-node deployments
// without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	configs map[string]*Config
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{configs: make(map[string]*Config)}
}

func (s *MemoryStore) Get(_ context.Context, userID string) (*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.configs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *cfg
	return &clone, nil
}

func (s *MemoryStore) ListByKeyHash(_ context.Context, keyHash string) ([]*Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Config
	for _, cfg := range s.configs {
		if cfg.APIKeyIDHash == keyHash {
			clone := *cfg
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	clone := *cfg
	clone.CreatedAt = now
	clone.UpdatedAt = now
	s.configs[cfg.UserID] = &clone

	cfg.CreatedAt = now
	cfg.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Update(_ context.Context, cfg *Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.configs[cfg.UserID]
	if !ok {
		return ErrNotFound
	}

	clone := *cfg
	clone.CreatedAt = existing.CreatedAt
	clone.UpdatedAt = time.Now().UTC()
	s.configs[cfg.UserID] = &clone

	cfg.CreatedAt = clone.CreatedAt
	cfg.UpdatedAt = clone.UpdatedAt
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.configs[userID]; !ok {
		return ErrNotFound
	}
	delete(s.configs, userID)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
