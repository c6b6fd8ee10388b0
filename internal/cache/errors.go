package cache

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind classifies a failed or empty upstream outcome for negative caching.
type Kind string

const (
	KindEmptyResult    Kind = "EMPTY_RESULT"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindTemporaryError Kind = "TEMPORARY_ERROR"
	KindPermanentError Kind = "PERMANENT_ERROR"
	KindNotFound       Kind = "NOT_FOUND"
	KindCorrupted      Kind = "CACHE_CORRUPTED"
)

// TTL returns the negative-cache retention for the kind.
func (k Kind) TTL() time.Duration {
	switch k {
	case KindEmptyResult:
		return 60 * time.Second
	case KindRateLimited:
		return 900 * time.Second
	case KindTemporaryError:
		return 120 * time.Second
	case KindPermanentError:
		return 1800 * time.Second
	case KindNotFound:
		return 3600 * time.Second
	case KindCorrupted:
		return 60 * time.Second
	default:
		return 120 * time.Second
	}
}

// CachedError is raised when Wrap hits a negative entry that is still
// within its TTL. Callers treat it as "recently failed, do not retry yet"
// and map the kind to the appropriate response status.
type CachedError struct {
	Kind    Kind
	Message string
}

func (e *CachedError) Error() string {
	return fmt.Sprintf("cached %s: %s", e.Kind, e.Message)
}

// HTTPError carries a structured upstream status through the producer so
// classification does not have to fall back to message heuristics.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

var (
	rateLimitPattern = regexp.MustCompile(`(?i)rate.?limit|429`)
	notFoundPattern  = regexp.MustCompile(`(?i)not found|404`)
	// Narrowed 5xx match. The historical classifier also prefiltered on a
	// bare "5" substring, which matched far too much; only the word-bounded
	// status code is considered here.
	serverErrPattern = regexp.MustCompile(`\b5\d{2}\b`)
)

var connectionErrors = []string{
	"ECONNREFUSED",
	"ECONNRESET",
	"ETIMEDOUT",
	"connection refused",
	"connection reset",
	"timeout",
	"no such host",
}

// Classify maps a producer failure to a negative-cache kind. A structured
// HTTP status (via HTTPError) wins; message matching is the documented
// fallback for errors that arrive without one.
func Classify(err error) Kind {
	if err == nil {
		return KindTemporaryError
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 429:
			return KindRateLimited
		case httpErr.Status == 404:
			return KindNotFound
		case httpErr.Status >= 500 && httpErr.Status <= 599:
			return KindTemporaryError
		case httpErr.Status >= 400 && httpErr.Status <= 499:
			return KindPermanentError
		}
	}

	msg := err.Error()
	switch {
	case rateLimitPattern.MatchString(msg):
		return KindRateLimited
	case notFoundPattern.MatchString(msg):
		return KindNotFound
	case serverErrPattern.MatchString(msg):
		return KindTemporaryError
	}

	for _, fragment := range connectionErrors {
		if strings.Contains(msg, fragment) {
			return KindTemporaryError
		}
	}

	return KindTemporaryError
}

// isCancellation reports whether the producer failed only because its
// context ended. Cancellation alone never writes a negative entry.
func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// NoNegativeCache marks errors that describe local admission state — a
// full token-bucket queue, an open breaker — rather than an upstream
// outcome. They surface to the caller but are never written as negative
// entries: the condition clears with local capacity, not with time on
// the key.
type NoNegativeCache interface {
	error
	NoNegativeCache()
}

func skipsNegativeCache(err error) bool {
	var marker NoNegativeCache
	return errors.As(err, &marker)
}
