package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// envelopeMarker distinguishes facade-written entries from foreign writes
// sharing the same backend.
const envelopeMarker = "catalogrun.v1"

// retentionFactor is how much physical retention the facade requests beyond
// the logical TTL. The stale window spans 2x the TTL, so anything below 2.0
// would truncate it; 2.5 leaves headroom for backend clock skew.
const retentionFactor = 2.5

// Envelope is the metadata wrapper around every value the facade stores.
// It carries either a success payload or a negative (error) outcome.
type Envelope struct {
	StoredAt     time.Time       `json:"storedAt"`
	TTLSeconds   float64         `json:"ttl"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorKind    Kind            `json:"errorKind,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Marker       string          `json:"marker"`
}

// IsNegative reports whether the envelope records a cached failure.
func (e *Envelope) IsNegative() bool {
	return e.ErrorKind != ""
}

func (e *Envelope) age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

func (e *Envelope) ttl() time.Duration {
	return time.Duration(e.TTLSeconds * float64(time.Second))
}

// Entry is an envelope annotated with its staleness at read time.
type Entry struct {
	Envelope
	Stale bool
}

// Producer computes a value for a key on a cache miss.
type Producer func(ctx context.Context) (json.RawMessage, error)

// Stats is a point-in-time snapshot of facade counters.
type Stats struct {
	Hits                 int64 `json:"hits"`
	Misses               int64 `json:"misses"`
	Errors               int64 `json:"errors"`
	CachedErrors         int64 `json:"cached_errors"`
	CorruptedEntries     int64 `json:"corrupted_entries"`
	DeduplicatedRequests int64 `json:"deduplicated_requests"`
	StaleServed          int64 `json:"stale_served"`
	InFlight             int64 `json:"in_flight"`
}

type flight struct {
	done  chan struct{}
	value json.RawMessage
	err   error
}

// Facade wraps a Store with the envelope format, negative caching,
// stale-while-revalidate, request coalescing, and corruption self-healing.
type Facade struct {
	store  Store
	prefix string

	mu       sync.Mutex
	inflight map[string]*flight

	hits         atomic.Int64
	misses       atomic.Int64
	errors       atomic.Int64
	cachedErrors atomic.Int64
	corrupted    atomic.Int64
	deduplicated atomic.Int64
	staleServed  atomic.Int64
	inflightN    atomic.Int64
}

// NewFacade creates a facade over the given store. All keys are prefixed
// with the version string; bumping it invalidates the entire cache without
// any deletions.
func NewFacade(store Store, version string) *Facade {
	if version == "" {
		version = "v1"
	}
	return &Facade{
		store:    store,
		prefix:   "catalogrun:" + version + ":",
		inflight: make(map[string]*flight),
	}
}

// Stats returns the current counter values.
func (f *Facade) Stats() Stats {
	return Stats{
		Hits:                 f.hits.Load(),
		Misses:               f.misses.Load(),
		Errors:               f.errors.Load(),
		CachedErrors:         f.cachedErrors.Load(),
		CorruptedEntries:     f.corrupted.Load(),
		DeduplicatedRequests: f.deduplicated.Load(),
		StaleServed:          f.staleServed.Load(),
		InFlight:             f.inflightN.Load(),
	}
}

// GetEntry returns the envelope stored under key, annotated with staleness,
// or nil when the key is missing or fully expired. Malformed entries are
// self-healed: the key is deleted and a CACHE_CORRUPTED negative entry is
// written, and the read reports a miss.
func (f *Facade) GetEntry(ctx context.Context, key string) (*Entry, error) {
	raw, err := f.store.Get(ctx, f.prefix+key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Cache backend read failed, treating as miss")
		return nil, nil
	}
	if raw == nil {
		return nil, nil
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		f.heal(ctx, key, err.Error())
		return nil, nil
	}
	if env.Marker != envelopeMarker || env.StoredAt.IsZero() || env.TTLSeconds <= 0 {
		f.heal(ctx, key, "malformed envelope")
		return nil, nil
	}

	now := time.Now()
	age := env.age(now)
	ttl := env.ttl()

	if env.IsNegative() {
		if age > ttl {
			return nil, nil
		}
		return &Entry{Envelope: env}, nil
	}

	switch {
	case age <= ttl:
		return &Entry{Envelope: env}, nil
	case age <= 2*ttl:
		return &Entry{Envelope: env, Stale: true}, nil
	default:
		return nil, nil
	}
}

// Get returns the unwrapped successful payload under key, fresh or stale,
// or nil when absent, expired, or negative.
func (f *Facade) Get(ctx context.Context, key string) (json.RawMessage, error) {
	entry, err := f.GetEntry(ctx, key)
	if err != nil || entry == nil || entry.IsNegative() {
		return nil, err
	}
	return entry.Data, nil
}

// Set wraps and stores a success payload. The backend is asked to retain
// the entry well past the logical TTL so the stale window stays readable.
func (f *Facade) Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration) error {
	return f.write(ctx, key, Envelope{
		StoredAt:   time.Now(),
		TTLSeconds: ttl.Seconds(),
		Data:       value,
		Marker:     envelopeMarker,
	})
}

// SetError stores a negative entry with the kind's taxonomy TTL.
func (f *Facade) SetError(ctx context.Context, key string, kind Kind, message string) error {
	return f.write(ctx, key, Envelope{
		StoredAt:     time.Now(),
		TTLSeconds:   kind.TTL().Seconds(),
		ErrorKind:    kind,
		ErrorMessage: message,
		Marker:       envelopeMarker,
	})
}

// Delete removes the entry under key.
func (f *Facade) Delete(ctx context.Context, key string) error {
	return f.store.Delete(ctx, f.prefix+key)
}

func (f *Facade) write(ctx context.Context, key string, env Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	retention := time.Duration(float64(env.ttl()) * retentionFactor)
	return f.store.Set(ctx, f.prefix+key, raw, retention)
}

func (f *Facade) heal(ctx context.Context, key, reason string) {
	f.corrupted.Add(1)
	log.Warn().Str("key", key).Str("reason", reason).Msg("Corrupted cache entry, self-healing")
	if err := f.store.Delete(ctx, f.prefix+key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to delete corrupted entry")
	}
	if err := f.SetError(ctx, key, KindCorrupted, reason); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to mark corrupted entry")
	}
}

// Wrap is the primary entry point: cache-lookup-then-produce with
// coalescing. A fresh hit returns immediately; a negative hit raises a
// CachedError of the stored kind; a stale hit (with allowStale) is served
// immediately while a background refresh is scheduled unless a producer is
// already in flight for the key. Concurrent misses for the same key run at
// most one producer; everyone else awaits its outcome.
func (f *Facade) Wrap(ctx context.Context, key string, ttl time.Duration, allowStale bool, producer Producer) (json.RawMessage, error) {
	entry, _ := f.GetEntry(ctx, key)

	if entry != nil {
		if entry.IsNegative() {
			f.cachedErrors.Add(1)
			return nil, &CachedError{Kind: entry.ErrorKind, Message: entry.ErrorMessage}
		}
		if !entry.Stale {
			f.hits.Add(1)
			return entry.Data, nil
		}
		if allowStale {
			f.staleServed.Add(1)
			f.scheduleRefresh(ctx, key, ttl, producer)
			return entry.Data, nil
		}
	}

	f.misses.Add(1)

	f.mu.Lock()
	if fl, ok := f.inflight[key]; ok {
		f.mu.Unlock()
		f.deduplicated.Add(1)
		select {
		case <-fl.done:
			return fl.value, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	fl := &flight{done: make(chan struct{})}
	f.inflight[key] = fl
	f.inflightN.Add(1)
	f.mu.Unlock()

	return f.produce(ctx, key, ttl, producer, fl)
}

// scheduleRefresh starts a background producer for a stale key, unless one
// is already in flight. Failures only log; the caller already has a value.
func (f *Facade) scheduleRefresh(ctx context.Context, key string, ttl time.Duration, producer Producer) {
	f.mu.Lock()
	if _, ok := f.inflight[key]; ok {
		f.mu.Unlock()
		return
	}
	fl := &flight{done: make(chan struct{})}
	f.inflight[key] = fl
	f.inflightN.Add(1)
	f.mu.Unlock()

	refreshCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := f.produce(refreshCtx, key, ttl, producer, fl); err != nil {
			log.Debug().Err(err).Str("key", key).Msg("Background cache refresh failed")
		}
	}()
}

// produce runs the registered producer, classifies its outcome, writes the
// result, and releases the in-flight slot on every exit path.
func (f *Facade) produce(ctx context.Context, key string, ttl time.Duration, producer Producer, fl *flight) (value json.RawMessage, err error) {
	defer func() {
		fl.value = value
		fl.err = err
		close(fl.done)
		f.mu.Lock()
		delete(f.inflight, key)
		f.mu.Unlock()
		f.inflightN.Add(-1)
	}()

	value, err = producer(ctx)
	if err != nil {
		f.errors.Add(1)
		if !isCancellation(err) && !skipsNegativeCache(err) {
			kind := Classify(err)
			if setErr := f.SetError(ctx, key, kind, err.Error()); setErr != nil {
				log.Warn().Err(setErr).Str("key", key).Msg("Failed to write negative cache entry")
			}
		}
		return nil, err
	}

	writeTTL := ttl
	if isEmptyPayload(value) {
		writeTTL = KindEmptyResult.TTL()
	}
	if setErr := f.Set(ctx, key, value, writeTTL); setErr != nil {
		log.Warn().Err(setErr).Str("key", key).Msg("Failed to write cache entry")
	}
	return value, nil
}

// isEmptyPayload classifies a success payload as empty: JSON null, an empty
// list, or an object whose results field is an empty list.
func isEmptyPayload(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}

	var value any
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return false
	}

	switch v := value.(type) {
	case nil:
		return true
	case []any:
		return len(v) == 0
	case map[string]any:
		if results, ok := v["results"]; ok {
			if list, ok := results.([]any); ok {
				return len(list) == 0
			}
		}
	}
	return false
}
