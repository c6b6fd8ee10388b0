package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/catalogrun/catalogrun/internal/cache"
	"github.com/catalogrun/catalogrun/internal/httpx"
	"github.com/catalogrun/catalogrun/internal/userconfig"
)

// validateTTL keeps repeated validations of the same key off the
// upstream without caching a stale verdict for long.
const validateTTL = 5 * time.Minute

type loginRequest struct {
	APIKey     string `json:"apiKey"`
	UserID     string `json:"userId,omitempty"`
	RememberMe bool   `json:"rememberMe,omitempty"`
}

type loginResponse struct {
	Token      string               `json:"token"`
	ExpiresAt  time.Time            `json:"expiresAt"`
	UserID     string               `json:"userId,omitempty"`
	ConfigName string               `json:"configName,omitempty"`
	IsNewUser  bool                 `json:"isNewUser"`
	Configs    []*userconfig.Config `json:"configs"`
}

// Login validates an upstream credential and issues a session bound to
// its key hash, together with the configurations already stored for it.
// A userId in the request selects that configuration; otherwise the
// first stored one is reported. A key with no configurations yet logs
// in as a new user.
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		httpx.WriteError(w, http.StatusBadRequest, "apiKey is required", "BAD_REQUEST")
		return
	}

	if err := h.checkAPIKey(r, req.APIKey); err != nil {
		if isInvalidKey(err) {
			httpx.WriteError(w, http.StatusUnauthorized, "upstream rejected the key", "INVALID_KEY")
			return
		}
		httpx.WriteMappedError(w, err)
		return
	}

	keyHash := userconfig.HashAPIKey(req.APIKey)
	configs, err := h.store.ListByKeyHash(r.Context(), keyHash)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}
	if configs == nil {
		configs = []*userconfig.Config{}
	}

	var selected *userconfig.Config
	if req.UserID != "" {
		selected, err = h.resolver.ResolveOwned(r.Context(), req.UserID, keyHash)
		if err != nil {
			httpx.WriteMappedError(w, err)
			return
		}
	} else if len(configs) > 0 {
		selected = configs[0]
	}

	token, expiresAt, err := h.sessions.Issue(keyHash, req.RememberMe)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	resp := loginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		IsNewUser: len(configs) == 0,
		Configs:   configs,
	}
	if selected != nil {
		resp.UserID = selected.UserID
		resp.ConfigName = selected.ConfigName
	}

	log.Info().Int("configs", len(configs)).Bool("new_user", resp.IsNewUser).Msg("Login succeeded")
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// Logout revokes the presented session. Always 204: revoking an invalid
// token is indistinguishable from revoking a revoked one.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Revoke(bearerToken(r))
	w.WriteHeader(http.StatusNoContent)
}

// Verify confirms the session is still valid.
func (h *Handlers) Verify(w http.ResponseWriter, r *http.Request) {
	claims := sessionFrom(r)
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"valid":     true,
		"expiresAt": claims.ExpiresAt.Time,
	})
}

// ValidateKey checks a credential against the upstream without issuing a
// session.
func (h *Handlers) ValidateKey(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.APIKey == "" {
		httpx.WriteError(w, http.StatusBadRequest, "apiKey is required", "BAD_REQUEST")
		return
	}

	if err := h.checkAPIKey(r, req.APIKey); err != nil {
		if isInvalidKey(err) {
			httpx.WriteJSON(w, http.StatusOK, map[string]bool{"valid": false})
			return
		}
		httpx.WriteMappedError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]bool{"valid": true})
}

// checkAPIKey probes a cheap authenticated endpoint with the candidate
// key. A 401 means the key is bad; anything else is an upstream problem.
// Cache keys do not include the credential, so a short fingerprint keeps
// verdicts for different keys apart (the upstream ignores unknown params).
func (h *Handlers) checkAPIKey(r *http.Request, apiKey string) error {
	params := url.Values{}
	params.Set("vh", keyFingerprint(apiKey))
	_, err := h.client.Fetch(r.Context(), apiKey, "/configuration", params, validateTTL, 0)
	return err
}

func keyFingerprint(apiKey string) string {
	h := fnv.New64a()
	h.Write([]byte(apiKey)) //nolint:errcheck
	return fmt.Sprintf("%x", h.Sum64())
}

func isInvalidKey(err error) bool {
	var httpErr *cache.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusUnauthorized || httpErr.Status == http.StatusForbidden
	}
	return false
}
