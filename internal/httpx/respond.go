// Package httpx holds the JSON response and error-mapping helpers shared
// by the addon and API handlers.
package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/catalogrun/catalogrun/internal/cache"
	"github.com/catalogrun/catalogrun/internal/tmdb"
	"github.com/catalogrun/catalogrun/internal/userconfig"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// WriteJSON encodes v with the right content type. Encoding failures are
// logged; headers are already gone by then.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Response encoding failed")
	}
}

// WriteError emits the standard error JSON.
func WriteError(w http.ResponseWriter, status int, message, code string) {
	WriteJSON(w, status, ErrorBody{Error: message, Code: code})
}

// WriteMappedError translates domain errors to HTTP statuses: breaker and
// draining → 503, rate limits → 429 with Retry-After, ownership → 403,
// not-found → 404, everything unclassified → 500.
func WriteMappedError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tmdb.ErrBreakerOpen):
		WriteError(w, http.StatusServiceUnavailable, "upstream temporarily unavailable", "BREAKER_OPEN")
	case errors.Is(err, tmdb.ErrQueueFull), errors.Is(err, tmdb.ErrAcquireTimeout):
		w.Header().Set("Retry-After", "1")
		WriteError(w, http.StatusTooManyRequests, "upstream request queue is full", "UPSTREAM_BUSY")
	case errors.Is(err, userconfig.ErrOwnershipMismatch):
		WriteError(w, http.StatusForbidden, "configuration belongs to a different key", "OWNERSHIP_MISMATCH")
	case errors.Is(err, userconfig.ErrNotFound):
		WriteError(w, http.StatusNotFound, "configuration not found", "CONFIG_NOT_FOUND")
	case errors.Is(err, userconfig.ErrInvalidToken):
		WriteError(w, http.StatusUnauthorized, "invalid or expired session", "INVALID_TOKEN")
	case errors.Is(err, userconfig.ErrSessionRevoked):
		WriteError(w, http.StatusUnauthorized, "session revoked", "SESSION_REVOKED")
	case errors.Is(err, userconfig.ErrDecryptFailed):
		WriteError(w, http.StatusInternalServerError, "stored credential is unusable", "CREDENTIAL_BROKEN")
	default:
		writeUpstreamError(w, err)
	}
}

func writeUpstreamError(w http.ResponseWriter, err error) {
	var cachedErr *cache.CachedError
	if errors.As(err, &cachedErr) {
		switch cachedErr.Kind {
		case cache.KindNotFound:
			WriteError(w, http.StatusNotFound, cachedErr.Message, "NOT_FOUND")
		case cache.KindRateLimited:
			w.Header().Set("Retry-After", "60")
			WriteError(w, http.StatusTooManyRequests, cachedErr.Message, "RATE_LIMITED")
		default:
			WriteError(w, http.StatusBadGateway, cachedErr.Message, "UPSTREAM_ERROR")
		}
		return
	}

	var httpErr *cache.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == http.StatusNotFound:
			WriteError(w, http.StatusNotFound, httpErr.Message, "NOT_FOUND")
		case httpErr.Status == http.StatusTooManyRequests:
			w.Header().Set("Retry-After", "60")
			WriteError(w, http.StatusTooManyRequests, httpErr.Message, "RATE_LIMITED")
		case httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden:
			WriteError(w, http.StatusBadGateway, "upstream rejected the stored credential", "UPSTREAM_AUTH")
		default:
			WriteError(w, http.StatusBadGateway, httpErr.Message, "UPSTREAM_ERROR")
		}
		return
	}

	log.Error().Err(err).Msg("Unhandled request error")
	WriteError(w, http.StatusInternalServerError, "internal error", "")
}

// WriteJSONWithETag serves v with a weak content-derived ETag, answering
// 304 when If-None-Match matches. Responses stay cacheable across
// restarts because the tag depends only on the body.
func WriteJSONWithETag(w http.ResponseWriter, r *http.Request, maxAge time.Duration, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("Response encoding failed")
		WriteError(w, http.StatusInternalServerError, "internal error", "")
		return
	}

	h := fnv.New64a()
	h.Write(body) //nolint:errcheck
	etag := fmt.Sprintf(`W/"%x"`, h.Sum64())

	w.Header().Set("ETag", etag)
	if maxAge > 0 {
		w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(maxAge.Seconds())))
	}
	if match := r.Header.Get("If-None-Match"); match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body) //nolint:errcheck
	w.Write([]byte("\n")) //nolint:errcheck
}
