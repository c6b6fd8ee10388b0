package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFacade() (*Facade, *MemoryStore) {
	store := NewMemoryStore(1000)
	return NewFacade(store, "test"), store
}

func TestFacade_SetGetRoundTrip(t *testing.T) {
	f, _ := newTestFacade()
	ctx := context.Background()

	payload := json.RawMessage(`{"title":"Heat"}`)
	require.NoError(t, f.Set(ctx, "meta:tt0113277", payload, time.Minute))

	got, err := f.Get(ctx, "meta:tt0113277")
	require.NoError(t, err)
	assert.JSONEq(t, string(payload), string(got))

	entry, err := f.GetEntry(ctx, "meta:tt0113277")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.Stale)
	assert.False(t, entry.IsNegative())
}

func TestFacade_StaleThenExpired(t *testing.T) {
	f, _ := newTestFacade()
	ctx := context.Background()

	payload := json.RawMessage(`"v1"`)
	require.NoError(t, f.Set(ctx, "k", payload, 100*time.Millisecond))

	// Inside the stale window: value still readable, marked stale.
	time.Sleep(150 * time.Millisecond)
	entry, err := f.GetEntry(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Stale)
	assert.Equal(t, payload, entry.Data)

	// Past twice the TTL: gone.
	time.Sleep(100 * time.Millisecond)
	entry, err = f.GetEntry(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestFacade_SetErrorRoundTrip(t *testing.T) {
	f, _ := newTestFacade()
	ctx := context.Background()

	require.NoError(t, f.SetError(ctx, "k", KindRateLimited, "too many requests"))

	entry, err := f.GetEntry(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.IsNegative())
	assert.Equal(t, KindRateLimited, entry.ErrorKind)
	assert.Equal(t, "too many requests", entry.ErrorMessage)
	assert.Equal(t, KindRateLimited.TTL().Seconds(), entry.TTLSeconds)
}

func TestFacade_WrapNegativeEntryShortCircuits(t *testing.T) {
	f, _ := newTestFacade()
	ctx := context.Background()

	require.NoError(t, f.SetError(ctx, "k", KindNotFound, "no such title"))

	called := false
	_, err := f.Wrap(ctx, "k", time.Minute, true, func(context.Context) (json.RawMessage, error) {
		called = true
		return json.RawMessage(`"v"`), nil
	})

	var cachedErr *CachedError
	require.ErrorAs(t, err, &cachedErr)
	assert.Equal(t, KindNotFound, cachedErr.Kind)
	assert.False(t, called, "producer must not run against a live negative entry")
	assert.Equal(t, int64(1), f.Stats().CachedErrors)
}

func TestFacade_WrapCoalescesConcurrentProducers(t *testing.T) {
	f, _ := newTestFacade()
	ctx := context.Background()

	var producerCalls atomic.Int64
	release := make(chan struct{})
	producer := func(context.Context) (json.RawMessage, error) {
		producerCalls.Add(1)
		<-release
		return json.RawMessage(`"payload"`), nil
	}

	const concurrency = 50
	var wg sync.WaitGroup
	results := make([]json.RawMessage, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := f.Wrap(ctx, "k", time.Minute, true, producer)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Let every goroutine reach the wrap call before the producer returns.
	require.Eventually(t, func() bool {
		return producerCalls.Load() == 1 && f.Stats().DeduplicatedRequests == concurrency-1
	}, 2*time.Second, 5*time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), producerCalls.Load())
	for _, v := range results {
		assert.Equal(t, json.RawMessage(`"payload"`), v)
	}
	assert.Equal(t, int64(concurrency-1), f.Stats().DeduplicatedRequests)
	assert.Equal(t, int64(0), f.Stats().InFlight)
}

func TestFacade_StaleWhileRevalidate(t *testing.T) {
	f, _ := newTestFacade()
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "k", json.RawMessage(`"v1"`), 100*time.Millisecond))
	time.Sleep(120 * time.Millisecond)

	refreshed := make(chan struct{})
	got, err := f.Wrap(ctx, "k", 100*time.Millisecond, true, func(context.Context) (json.RawMessage, error) {
		defer close(refreshed)
		return json.RawMessage(`"v2"`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`"v1"`), got, "stale value served immediately")
	assert.Equal(t, int64(1), f.Stats().StaleServed)

	select {
	case <-refreshed:
	case <-time.After(time.Second):
		t.Fatal("background refresh never ran")
	}

	require.Eventually(t, func() bool {
		v, _ := f.Get(ctx, "k")
		return string(v) == `"v2"`
	}, time.Second, 5*time.Millisecond)
}

func TestFacade_WrapSkipsRefreshWhenProducerInFlight(t *testing.T) {
	f, _ := newTestFacade()
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "k", json.RawMessage(`"v1"`), 100*time.Millisecond))
	time.Sleep(120 * time.Millisecond)

	var calls atomic.Int64
	release := make(chan struct{})
	producer := func(context.Context) (json.RawMessage, error) {
		calls.Add(1)
		<-release
		return json.RawMessage(`"v2"`), nil
	}

	// First stale read registers the background refresh.
	_, err := f.Wrap(ctx, "k", 100*time.Millisecond, true, producer)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	// Second stale read must not start another producer.
	_, err = f.Wrap(ctx, "k", 100*time.Millisecond, true, producer)
	require.NoError(t, err)

	close(release)
	require.Eventually(t, func() bool { return f.Stats().InFlight == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), calls.Load())
}

func TestFacade_ProducerFailureWritesNegativeEntry(t *testing.T) {
	f, _ := newTestFacade()
	ctx := context.Background()

	wantErr := &HTTPError{Status: 503, Message: "upstream down"}
	_, err := f.Wrap(ctx, "k", time.Minute, true, func(context.Context) (json.RawMessage, error) {
		return nil, wantErr
	})
	require.ErrorIs(t, err, wantErr)

	entry, getErr := f.GetEntry(ctx, "k")
	require.NoError(t, getErr)
	require.NotNil(t, entry)
	assert.Equal(t, KindTemporaryError, entry.ErrorKind)
}

func TestFacade_CancellationWritesNoNegativeEntry(t *testing.T) {
	f, _ := newTestFacade()
	ctx := context.Background()

	_, err := f.Wrap(ctx, "k", time.Minute, true, func(context.Context) (json.RawMessage, error) {
		return nil, context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)

	entry, getErr := f.GetEntry(ctx, "k")
	require.NoError(t, getErr)
	assert.Nil(t, entry)
}

func TestFacade_CorruptedEntrySelfHeals(t *testing.T) {
	f, store := newTestFacade()
	ctx := context.Background()

	// Seed the backend with bytes the facade cannot deserialize.
	require.NoError(t, store.Set(ctx, "catalogrun:test:k", []byte("{not json"), time.Minute))

	called := false
	got, err := f.Wrap(ctx, "k", time.Minute, true, func(context.Context) (json.RawMessage, error) {
		called = true
		return json.RawMessage(`"fresh"`), nil
	})
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, json.RawMessage(`"fresh"`), got)
	assert.Equal(t, int64(1), f.Stats().CorruptedEntries)

	entry, err := f.GetEntry(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.IsNegative())
}

func TestFacade_ForeignEnvelopeSelfHeals(t *testing.T) {
	f, store := newTestFacade()
	ctx := context.Background()

	// Valid JSON but not one of ours: no marker, no storedAt.
	require.NoError(t, store.Set(ctx, "catalogrun:test:k", []byte(`{"foo":1}`), time.Minute))

	entry, err := f.GetEntry(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, int64(1), f.Stats().CorruptedEntries)
}

func TestFacade_EmptyPayloadCachedWithEmptyResultTTL(t *testing.T) {
	f, _ := newTestFacade()
	ctx := context.Background()

	got, err := f.Wrap(ctx, "k", time.Hour, true, func(context.Context) (json.RawMessage, error) {
		return json.RawMessage(`{"results":[]}`), nil
	})
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage(`{"results":[]}`), got)

	entry, err := f.GetEntry(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, KindEmptyResult.TTL().Seconds(), entry.TTLSeconds,
		"empty payload must be cached for the EMPTY_RESULT TTL, not the caller TTL")
}

func TestIsEmptyPayload(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		want    bool
	}{
		{"null", `null`, true},
		{"empty list", `[]`, true},
		{"empty results", `{"results":[]}`, true},
		{"populated results", `{"results":[{"id":1}]}`, false},
		{"object without results", `{"id":1}`, false},
		{"scalar", `42`, false},
		{"populated list", `[1]`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isEmptyPayload(json.RawMessage(tc.payload)))
		})
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"status 429", &HTTPError{Status: 429}, KindRateLimited},
		{"status 404", &HTTPError{Status: 404}, KindNotFound},
		{"status 500", &HTTPError{Status: 500}, KindTemporaryError},
		{"status 503", &HTTPError{Status: 503}, KindTemporaryError},
		{"status 403", &HTTPError{Status: 403}, KindPermanentError},
		{"rate limit message", errors.New("upstream rate limit reached"), KindRateLimited},
		{"not found message", errors.New("resource not found"), KindNotFound},
		{"5xx in message", errors.New("server returned 502 bad gateway"), KindTemporaryError},
		{"bare 5 is not a server error", errors.New("page 5 of 10 failed"), KindTemporaryError},
		{"connection refused", errors.New("dial tcp: connection refused"), KindTemporaryError},
		{"unknown", errors.New("something odd"), KindTemporaryError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}
