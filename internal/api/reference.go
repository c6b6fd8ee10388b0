package api

import (
	"encoding/json"
	"net/http"
	"net/url"

	"github.com/gorilla/mux"

	"github.com/catalogrun/catalogrun/internal/httpx"
)

// referenceEndpoints maps reference kinds to upstream endpoints.
var referenceEndpoints = map[string]string{
	"genres-movie":   "/genre/movie/list",
	"genres-series":  "/genre/tv/list",
	"languages":      "/configuration/languages",
	"countries":      "/configuration/countries",
	"certifications": "/certification/movie/list",
	"watch-providers": "/watch/providers/movie",
	"watch-regions":   "/watch/providers/regions",
}

// Reference proxies one kind of upstream reference data.
func (h *Handlers) Reference(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := referenceEndpoints[mux.Vars(r)["kind"]]
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "unknown reference kind", "UNKNOWN_KIND")
		return
	}

	apiKey, err := h.credentialForSession(r)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	params := url.Values{}
	if lang := r.URL.Query().Get("language"); lang != "" {
		params.Set("language", lang)
	}
	raw, err := h.client.Fetch(r.Context(), apiKey, endpoint, params, referenceTTL, 0)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(raw) //nolint:errcheck
}

// ReferenceBatch fetches every reference kind in one response. Kinds
// that fail individually come back as null rather than failing the batch.
func (h *Handlers) ReferenceBatch(w http.ResponseWriter, r *http.Request) {
	apiKey, err := h.credentialForSession(r)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	batch := make(map[string]json.RawMessage, len(referenceEndpoints))
	for kind, endpoint := range referenceEndpoints {
		raw, fetchErr := h.client.Fetch(r.Context(), apiKey, endpoint, url.Values{}, referenceTTL, 0)
		if fetchErr != nil {
			batch[kind] = nil
			continue
		}
		batch[kind] = raw
	}
	httpx.WriteJSON(w, http.StatusOK, batch)
}

// searchEndpoints maps search kinds to upstream endpoints.
var searchEndpoints = map[string]string{
	"person":  "/search/person",
	"company": "/search/company",
	"keyword": "/search/keyword",
}

// Search proxies entity search used by the catalog filter builder.
func (h *Handlers) Search(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := searchEndpoints[mux.Vars(r)["kind"]]
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "unknown search kind", "UNKNOWN_KIND")
		return
	}
	query := r.URL.Query().Get("query")
	if query == "" {
		httpx.WriteError(w, http.StatusBadRequest, "query is required", "BAD_REQUEST")
		return
	}

	apiKey, err := h.credentialForSession(r)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	params := url.Values{}
	params.Set("query", query)
	raw, err := h.client.Fetch(r.Context(), apiKey, endpoint, params, lookupTTL, 0)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(raw) //nolint:errcheck
}

// lookupEndpoints maps entity kinds to their by-id upstream endpoints.
var lookupEndpoints = map[string]string{
	"person":  "/person/",
	"company": "/company/",
	"keyword": "/keyword/",
	"network": "/network/",
}

// Lookup resolves one entity by numeric id, used by the catalog filter
// builder to render saved filters back into names.
func (h *Handlers) Lookup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	endpoint, ok := lookupEndpoints[vars["kind"]]
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "unknown lookup kind", "UNKNOWN_KIND")
		return
	}

	apiKey, err := h.credentialForSession(r)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	raw, err := h.client.Fetch(r.Context(), apiKey, endpoint+vars["id"], url.Values{}, lookupTTL, 0)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(raw) //nolint:errcheck
}
