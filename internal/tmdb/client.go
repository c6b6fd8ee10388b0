package tmdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/catalogrun/catalogrun/internal/cache"
)

// ErrInvalidURL is returned when a request would leave the allowlisted
// HTTPS surface.
var ErrInvalidURL = errors.New("invalid upstream URL")

const (
	defaultBaseURL  = "https://api.themoviedb.org/3"
	retryBackoff    = 300 * time.Millisecond
	maxRetryAfter   = 10 * time.Second
	defaultRetries  = 3
	defaultRPS      = 35
	defaultTimeout  = 10 * time.Second
	redactedKeyMark = "***"
)

// ClientConfig configures the upstream client.
type ClientConfig struct {
	BaseURL        string        `yaml:"base_url"`
	AllowedHosts   []string      `yaml:"allowed_hosts"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

// DefaultClientConfig returns the upstream client defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        defaultBaseURL,
		AllowedHosts:   []string{"api.themoviedb.org"},
		RequestsPerSec: defaultRPS,
		RequestTimeout: defaultTimeout,
		MaxRetries:     defaultRetries,
		Breaker:        DefaultBreakerConfig(),
	}
}

// Client is the rate-limited, circuit-broken TMDB client. Every fetch is
// routed through the cache facade; the API key is appended per request and
// never logged.
type Client struct {
	cfg     ClientConfig
	http    *http.Client
	bucket  *Bucket
	breaker *Breaker
	cache   *cache.Facade
}

// NewClient builds a client over the given facade. The transport may be nil.
func NewClient(cfg ClientConfig, facade *cache.Facade, transport http.RoundTripper) *Client {
	if cfg.BaseURL == "" {
		cfg = DefaultClientConfig()
	}
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		cfg:     cfg,
		http:    &http.Client{Transport: transport},
		bucket:  NewBucket(cfg.RequestsPerSec),
		breaker: NewBreaker(cfg.Breaker),
		cache:   facade,
	}
}

// Breaker exposes the circuit breaker for status reporting.
func (c *Client) Breaker() *Breaker { return c.breaker }

// Bucket exposes the token bucket for status reporting.
func (c *Client) Bucket() *Bucket { return c.bucket }

// Close rejects queued bucket waiters and stops the refill loop.
func (c *Client) Close() {
	c.bucket.Close()
}

// Fetch performs a cached GET against the upstream API. apiKey is the
// caller's credential, endpoint is a path like "/movie/550", and params are
// the query parameters (without the key). retries <= 0 uses the configured
// default. A breaker-open condition fails before any cache interaction; a
// cache hit never touches upstream.
func (c *Client) Fetch(ctx context.Context, apiKey, endpoint string, params url.Values, ttl time.Duration, retries int) (json.RawMessage, error) {
	if retries <= 0 {
		retries = c.cfg.MaxRetries
	}
	target, err := c.buildURL(endpoint, params)
	if err != nil {
		return nil, err
	}
	if err := c.breaker.Ready(); err != nil {
		return nil, err
	}

	key := cacheKey(endpoint, params)
	return c.cache.Wrap(ctx, key, ttl, true, func(ctx context.Context) (json.RawMessage, error) {
		if err := c.bucket.Acquire(ctx); err != nil {
			return nil, err
		}

		var payload json.RawMessage
		err := c.breaker.Do(ctx, func(ctx context.Context) error {
			var doErr error
			payload, doErr = c.get(ctx, target, apiKey, retries)
			return doErr
		})
		return payload, err
	})
}

// buildURL joins the endpoint onto the base URL and validates the result:
// HTTPS only, allowlisted host, no embedded userinfo.
func (c *Client) buildURL(endpoint string, params url.Values) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSuffix(c.cfg.BaseURL, "/") + endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("%w: scheme %q is not https", ErrInvalidURL, u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: embedded userinfo", ErrInvalidURL)
	}
	allowed := false
	for _, host := range c.cfg.AllowedHosts {
		if u.Hostname() == host {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: host %q not on allowlist", ErrInvalidURL, u.Hostname())
	}

	query := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			query.Add(k, v)
		}
	}
	u.RawQuery = query.Encode()
	return u, nil
}

// get issues the HTTP request with the retry loop: network errors and
// 429/5xx retry with exponential backoff, 429 honoring Retry-After up to
// the cap; other 4xx abort immediately.
func (c *Client) get(ctx context.Context, target *url.URL, apiKey string, retries int) (json.RawMessage, error) {
	reqURL := *target
	query := reqURL.Query()
	query.Set("api_key", apiKey)
	reqURL.RawQuery = query.Encode()

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			backoff := retryBackoff * (1 << uint(attempt-1))
			var httpErr *cache.HTTPError
			if errors.As(lastErr, &httpErr) && httpErr.Status == http.StatusTooManyRequests {
				if ra := retryAfterFromError(lastErr); ra > backoff {
					backoff = ra
				}
			}
			log.Debug().
				Dur("backoff", backoff).
				Int("attempt", attempt).
				Str("url", redactURL(&reqURL)).
				Msg("Retrying upstream request")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		payload, err := c.doOnce(attemptCtx, reqURL.String())
		cancel()
		if err == nil {
			return payload, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !isRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, rawURL string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return json.RawMessage(body), nil
	}

	httpErr := &cache.HTTPError{
		Status:  resp.StatusCode,
		Message: strings.TrimSpace(string(body)),
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitedError{
			HTTPError:  httpErr,
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	return nil, httpErr
}

// rateLimitedError carries the upstream Retry-After hint through the retry
// loop.
type rateLimitedError struct {
	*cache.HTTPError
	retryAfter time.Duration
}

func (e *rateLimitedError) Unwrap() error { return e.HTTPError }

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxRetryAfter {
		d = maxRetryAfter
	}
	return d
}

func retryAfterFromError(err error) time.Duration {
	var rle *rateLimitedError
	if errors.As(err, &rle) {
		return rle.retryAfter
	}
	return 0
}

// isRetryable reports whether the retry loop should try again: network
// faults, 429, and 5xx. Other 4xx propagate immediately.
func isRetryable(err error) bool {
	var httpErr *cache.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests ||
			(httpErr.Status >= 500 && httpErr.Status <= 599)
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// countsAsBreakerFailure reports whether an error signals upstream
// ill-health. Missing resources and caller cancellation do not.
func countsAsBreakerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch cache.Classify(err) {
	case cache.KindTemporaryError, cache.KindRateLimited:
		return true
	default:
		return false
	}
}

// cacheKey derives the request identity from the endpoint and its sorted
// query parameters. The credential is never part of the key.
func cacheKey(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return "tmdb:" + endpoint
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString("tmdb:")
	sb.WriteString(endpoint)
	for _, k := range keys {
		sb.WriteByte(':')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(strings.Join(params[k], ","))
	}
	return sb.String()
}

// redactURL renders a URL for logging with the api_key value masked.
func redactURL(u *url.URL) string {
	clone := *u
	query := clone.Query()
	if query.Has("api_key") {
		query.Set("api_key", redactedKeyMark)
	}
	clone.RawQuery = query.Encode()
	return clone.String()
}
