package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is the in-process store variant: a bounded map with per-entry
// TTL and an eviction pass that runs when the key limit is reached.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	maxKeys   int
	evictions int64
}

// NewMemoryStore creates a bounded in-process store. A non-positive limit
// falls back to the default of 50,000 keys.
func NewMemoryStore(maxKeys int) *MemoryStore {
	if maxKeys <= 0 {
		maxKeys = 50000
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		maxKeys: maxKeys,
	}
}

// Get returns the stored value, or (nil, nil) when the key is missing or
// past its TTL.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(m.entries, key)
		return nil, nil
	}
	return entry.value, nil
}

// Set stores a value with the given retention. When the store is full it
// runs one eviction pass and retries once; a second failure is silent.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[key]; !exists && len(m.entries) >= m.maxKeys {
		m.evictLocked()
		if len(m.entries) >= m.maxKeys {
			return nil
		}
	}

	m.entries[key] = memoryEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

// Delete removes a key. Deleting an absent key is not an error.
func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Close is a no-op for the in-process store.
func (m *MemoryStore) Close() error {
	return nil
}

// Len returns the current number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Evictions returns the number of entries removed by eviction passes.
func (m *MemoryStore) Evictions() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictions
}

// evictLocked first drops every expired entry, then, if the store is still
// above 90% of capacity, removes the 10% of entries closest to expiry.
func (m *MemoryStore) evictLocked() {
	now := time.Now()
	for key, entry := range m.entries {
		if now.After(entry.expiresAt) {
			delete(m.entries, key)
			m.evictions++
		}
	}

	if len(m.entries) <= m.maxKeys*9/10 {
		return
	}

	type candidate struct {
		key       string
		expiresAt time.Time
	}
	candidates := make([]candidate, 0, len(m.entries))
	for key, entry := range m.entries {
		candidates = append(candidates, candidate{key, entry.expiresAt})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].expiresAt.Before(candidates[j].expiresAt)
	})

	drop := m.maxKeys / 10
	if drop > len(candidates) {
		drop = len(candidates)
	}
	for _, c := range candidates[:drop] {
		delete(m.entries, c.key)
		m.evictions++
	}
}
