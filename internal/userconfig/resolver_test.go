package userconfig

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps a MemoryStore and counts reads.
type countingStore struct {
	*MemoryStore
	gets atomic.Int64
}

func (s *countingStore) Get(ctx context.Context, userID string) (*Config, error) {
	s.gets.Add(1)
	return s.MemoryStore.Get(ctx, userID)
}

func seedConfig(t *testing.T, store Store, cipher *Cipher, userID, apiKey string) *Config {
	t.Helper()
	blob, err := cipher.Encrypt(apiKey)
	require.NoError(t, err)

	cfg := &Config{
		UserID:          userID,
		APIKeyIDHash:    HashAPIKey(apiKey),
		EncryptedAPIKey: blob,
		ConfigName:      "Default",
		Catalogs: []Catalog{
			{ID: "top-movies", Type: "movie", Name: "Top Movies", Filters: map[string]string{"sort_by": "popularity.desc"}},
		},
		Preferences: Preferences{Language: "en-US"},
	}
	require.NoError(t, store.Create(context.Background(), cfg))
	return cfg
}

func TestResolver_ResolveCachesReads(t *testing.T) {
	cipher, err := NewCipher("server-secret")
	require.NoError(t, err)
	store := &countingStore{MemoryStore: NewMemoryStore()}
	seedConfig(t, store, cipher, "user-1", "tmdb-key-aaaa")
	r := NewResolver(DefaultResolverConfig(), store, cipher)
	ctx := context.Background()

	cfg, err := r.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", cfg.UserID)

	_, err = r.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), store.gets.Load(), "second resolve is a cache hit")
}

func TestResolver_TTLExpiryReadsThrough(t *testing.T) {
	cipher, err := NewCipher("server-secret")
	require.NoError(t, err)
	store := &countingStore{MemoryStore: NewMemoryStore()}
	seedConfig(t, store, cipher, "user-1", "tmdb-key-aaaa")
	r := NewResolver(ResolverConfig{CacheSize: 10, CacheTTL: 50 * time.Millisecond}, store, cipher)
	ctx := context.Background()

	_, err = r.Resolve(ctx, "user-1")
	require.NoError(t, err)
	time.Sleep(80 * time.Millisecond)

	_, err = r.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), store.gets.Load())
}

func TestResolver_SingleFlightCoalescesMisses(t *testing.T) {
	cipher, err := NewCipher("server-secret")
	require.NoError(t, err)
	store := &countingStore{MemoryStore: NewMemoryStore()}
	seedConfig(t, store, cipher, "user-1", "tmdb-key-aaaa")
	r := NewResolver(DefaultResolverConfig(), store, cipher)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cfg, resolveErr := r.Resolve(ctx, "user-1")
			assert.NoError(t, resolveErr)
			assert.Equal(t, "user-1", cfg.UserID)
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), store.gets.Load(), "concurrent misses share one store read")
}

func TestResolver_NotFound(t *testing.T) {
	cipher, err := NewCipher("server-secret")
	require.NoError(t, err)
	r := NewResolver(DefaultResolverConfig(), NewMemoryStore(), cipher)

	_, err = r.Resolve(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolver_OwnershipMismatch(t *testing.T) {
	cipher, err := NewCipher("server-secret")
	require.NoError(t, err)
	store := NewMemoryStore()
	seedConfig(t, store, cipher, "user-b", "tmdb-key-bbbb")
	r := NewResolver(DefaultResolverConfig(), store, cipher)
	ctx := context.Background()

	callerHash := HashAPIKey("tmdb-key-aaaa")
	_, err = r.ResolveOwned(ctx, "user-b", callerHash)
	assert.ErrorIs(t, err, ErrOwnershipMismatch)
	assert.NotErrorIs(t, err, ErrNotFound)

	owner, err := r.ResolveOwned(ctx, "user-b", HashAPIKey("tmdb-key-bbbb"))
	require.NoError(t, err)
	assert.Equal(t, "user-b", owner.UserID)
}

func TestResolver_CredentialUnwrap(t *testing.T) {
	cipher, err := NewCipher("server-secret")
	require.NoError(t, err)
	store := NewMemoryStore()
	seedConfig(t, store, cipher, "user-1", "tmdb-key-aaaa")
	r := NewResolver(DefaultResolverConfig(), store, cipher)

	cfg, err := r.Resolve(context.Background(), "user-1")
	require.NoError(t, err)

	apiKey, err := r.Credential(cfg)
	require.NoError(t, err)
	assert.Equal(t, "tmdb-key-aaaa", apiKey)
}

func TestResolver_CredentialHashMismatch(t *testing.T) {
	cipher, err := NewCipher("server-secret")
	require.NoError(t, err)
	store := NewMemoryStore()
	cfg := seedConfig(t, store, cipher, "user-1", "tmdb-key-aaaa")
	r := NewResolver(DefaultResolverConfig(), store, cipher)

	// A stored hash that no longer derives from the credential marks the
	// configuration permanently broken.
	cfg.APIKeyIDHash = HashAPIKey("some-other-key")
	_, err = r.Credential(cfg)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestResolver_InvalidateReadsThrough(t *testing.T) {
	cipher, err := NewCipher("server-secret")
	require.NoError(t, err)
	store := &countingStore{MemoryStore: NewMemoryStore()}
	seedConfig(t, store, cipher, "user-1", "tmdb-key-aaaa")
	r := NewResolver(DefaultResolverConfig(), store, cipher)
	ctx := context.Background()

	_, err = r.Resolve(ctx, "user-1")
	require.NoError(t, err)
	r.Invalidate("user-1")

	_, err = r.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), store.gets.Load())
}

func TestResolver_LRUEviction(t *testing.T) {
	cipher, err := NewCipher("server-secret")
	require.NoError(t, err)
	store := &countingStore{MemoryStore: NewMemoryStore()}
	for _, id := range []string{"user-1", "user-2", "user-3"} {
		seedConfig(t, store, cipher, id, "key-"+id)
	}
	r := NewResolver(ResolverConfig{CacheSize: 2, CacheTTL: time.Minute}, store, cipher)
	ctx := context.Background()

	for _, id := range []string{"user-1", "user-2", "user-3"} {
		_, err = r.Resolve(ctx, id)
		require.NoError(t, err)
	}
	assert.Equal(t, 2, r.Len())

	// user-1 was least recently used and must read through again.
	_, err = r.Resolve(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), store.gets.Load())
}
