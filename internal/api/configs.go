package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/catalogrun/catalogrun/internal/httpx"
	"github.com/catalogrun/catalogrun/internal/tmdb"
	"github.com/catalogrun/catalogrun/internal/userconfig"
)

const maxCatalogs = 50

// ListConfigs returns every configuration stored for the caller's key.
func (h *Handlers) ListConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.store.ListByKeyHash(r.Context(), sessionFrom(r).KeyHash)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}
	if configs == nil {
		configs = []*userconfig.Config{}
	}
	httpx.WriteJSON(w, http.StatusOK, configs)
}

type configRequest struct {
	APIKey      string                 `json:"apiKey,omitempty"`
	ConfigName  string                 `json:"configName"`
	Catalogs    []userconfig.Catalog   `json:"catalogs"`
	Preferences userconfig.Preferences `json:"preferences"`
}

func (req *configRequest) validate() (string, bool) {
	if len(req.Catalogs) > maxCatalogs {
		return "too many catalogs", false
	}
	for _, c := range req.Catalogs {
		if c.ID == "" || c.Name == "" {
			return "catalog id and name are required", false
		}
		if c.Type != "movie" && c.Type != "series" {
			return "catalog type must be movie or series", false
		}
	}
	return "", true
}

// CreateConfig stores a new configuration. The request must carry the
// raw credential again: the session only holds its hash, and the stored
// copy is encrypted server-side.
func (h *Handlers) CreateConfig(w http.ResponseWriter, r *http.Request) {
	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "malformed request body", "BAD_REQUEST")
		return
	}
	if msg, ok := req.validate(); !ok {
		httpx.WriteError(w, http.StatusBadRequest, msg, "BAD_REQUEST")
		return
	}

	claims := sessionFrom(r)
	if req.APIKey == "" || userconfig.HashAPIKey(req.APIKey) != claims.KeyHash {
		httpx.WriteError(w, http.StatusForbidden, "apiKey does not match the session", "OWNERSHIP_MISMATCH")
		return
	}

	encrypted, err := h.cipher.Encrypt(req.APIKey)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	cfg := &userconfig.Config{
		UserID:          uuid.NewString(),
		APIKeyIDHash:    claims.KeyHash,
		EncryptedAPIKey: encrypted,
		ConfigName:      req.ConfigName,
		Catalogs:        req.Catalogs,
		Preferences:     req.Preferences,
	}
	if err := h.store.Create(r.Context(), cfg); err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	log.Info().Str("user_id", cfg.UserID).Msg("Configuration created")
	httpx.WriteJSON(w, http.StatusCreated, cfg)
}

// GetConfig returns one configuration, owner-only.
func (h *Handlers) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.resolver.ResolveOwned(r.Context(), mux.Vars(r)["userId"], sessionFrom(r).KeyHash)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cfg)
}

// UpdateConfig replaces catalogs, preferences, and name, owner-only. The
// credential and key hash are immutable for a configuration's lifetime.
func (h *Handlers) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	cfg, err := h.resolver.ResolveOwned(r.Context(), userID, sessionFrom(r).KeyHash)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	var req configRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "malformed request body", "BAD_REQUEST")
		return
	}
	if msg, ok := req.validate(); !ok {
		httpx.WriteError(w, http.StatusBadRequest, msg, "BAD_REQUEST")
		return
	}

	cfg.ConfigName = req.ConfigName
	cfg.Catalogs = req.Catalogs
	cfg.Preferences = req.Preferences
	if err := h.store.Update(r.Context(), cfg); err != nil {
		httpx.WriteMappedError(w, err)
		return
	}
	h.resolver.Invalidate(userID)

	httpx.WriteJSON(w, http.StatusOK, cfg)
}

// DeleteConfig removes a configuration, owner-only.
func (h *Handlers) DeleteConfig(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	if _, err := h.resolver.ResolveOwned(r.Context(), userID, sessionFrom(r).KeyHash); err != nil {
		httpx.WriteMappedError(w, err)
		return
	}
	if err := h.store.Delete(r.Context(), userID); err != nil {
		httpx.WriteMappedError(w, err)
		return
	}
	h.resolver.Invalidate(userID)

	log.Info().Str("user_id", userID).Msg("Configuration deleted")
	w.WriteHeader(http.StatusNoContent)
}

type previewRequest struct {
	Type     string            `json:"type"`
	Filters  map[string]string `json:"filters"`
	Language string            `json:"language"`
}

type previewResponse struct {
	Results []tmdb.DiscoverResult `json:"results"`
	Total   int                   `json:"total"`
}

// Preview runs a catalog's filter set against the upstream so the UI can
// show what a catalog would contain before saving it.
func (h *Handlers) Preview(w http.ResponseWriter, r *http.Request) {
	var req previewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, "malformed request body", "BAD_REQUEST")
		return
	}
	if req.Type != "movie" && req.Type != "series" {
		httpx.WriteError(w, http.StatusBadRequest, "type must be movie or series", "BAD_REQUEST")
		return
	}

	apiKey, cfgErr := h.credentialForSession(r)
	if cfgErr != nil {
		httpx.WriteMappedError(w, cfgErr)
		return
	}

	mediaType := "movie"
	if req.Type == "series" {
		mediaType = "tv"
	}
	params := url.Values{}
	for k, v := range req.Filters {
		params.Set(k, v)
	}
	if req.Language != "" {
		params.Set("language", req.Language)
	}
	params.Set("page", "1")

	raw, err := h.client.Fetch(r.Context(), apiKey, "/discover/"+mediaType, params, previewTTL, 0)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}
	page, err := tmdb.DecodeDiscoverPage(raw)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, previewResponse{Results: page.Results, Total: page.TotalResults})
}

// credentialForSession unwraps the credential of any configuration owned
// by the caller. Sessions never hold the raw key, so API calls made on a
// session's behalf borrow it from a stored config.
func (h *Handlers) credentialForSession(r *http.Request) (string, error) {
	configs, err := h.store.ListByKeyHash(r.Context(), sessionFrom(r).KeyHash)
	if err != nil {
		return "", err
	}
	if len(configs) == 0 {
		return "", userconfig.ErrNotFound
	}
	return h.resolver.Credential(configs[0])
}
