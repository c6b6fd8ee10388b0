package addon

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/catalogrun/catalogrun/internal/cache"
	"github.com/catalogrun/catalogrun/internal/dataset"
	"github.com/catalogrun/catalogrun/internal/httpx"
	"github.com/catalogrun/catalogrun/internal/tmdb"
	"github.com/catalogrun/catalogrun/internal/userconfig"
)

// Cache TTLs per resource. Catalog pages churn with upstream popularity;
// metas are near-static; search results are user-interactive.
const (
	catalogTTL = 6 * time.Hour
	metaTTL    = 24 * time.Hour
	searchTTL  = 15 * time.Minute
	genresTTL  = 24 * time.Hour

	tmdbPageSize     = 20
	datasetCatalogID = "imdb-top"
	defaultLanguage  = "en-US"
)

// Handlers serves the read-only addon protocol.
type Handlers struct {
	resolver *userconfig.Resolver
	client   *tmdb.Client
	engine   *dataset.Engine
}

func NewHandlers(resolver *userconfig.Resolver, client *tmdb.Client, engine *dataset.Engine) *Handlers {
	return &Handlers{resolver: resolver, client: client, engine: engine}
}

// Register mounts the addon routes on a router.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/{userId}/manifest.json", h.Manifest).Methods(http.MethodGet)
	r.HandleFunc("/{userId}/catalog/{type}/{id}.json", h.Catalog).Methods(http.MethodGet)
	r.HandleFunc("/{userId}/catalog/{type}/{id}/{extra:.+}.json", h.Catalog).Methods(http.MethodGet)
	r.HandleFunc("/{userId}/meta/{type}/{id}.json", h.Meta).Methods(http.MethodGet)
	r.HandleFunc("/{userId}/meta/{type}/{id}/{extra:.+}.json", h.Meta).Methods(http.MethodGet)
}

func (h *Handlers) Manifest(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.resolver.Resolve(r.Context(), mux.Vars(r)["userId"])
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	genres := map[string][]string{
		"movie":  h.genreOptions(r.Context(), cfg, "movie"),
		"series": h.genreOptions(r.Context(), cfg, "tv"),
	}
	httpx.WriteJSONWithETag(w, r, time.Hour, BuildManifest(cfg, genres))
}

type catalogResponse struct {
	Metas []MetaPreview `json:"metas"`
}

func (h *Handlers) Catalog(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	catalogType := vars["type"]
	if catalogType != "movie" && catalogType != "series" {
		httpx.WriteError(w, http.StatusBadRequest, "unsupported catalog type", "BAD_TYPE")
		return
	}

	cfg, err := h.resolver.Resolve(r.Context(), vars["userId"])
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}
	extra := ParseExtra(vars["extra"])

	if strings.HasPrefix(vars["id"], datasetCatalogID) {
		h.datasetCatalog(w, r, catalogType, extra)
		return
	}

	catalog, ok := findCatalog(cfg, vars["id"], catalogType)
	if !ok {
		httpx.WriteError(w, http.StatusNotFound, "catalog not found", "CATALOG_NOT_FOUND")
		return
	}

	metas, err := h.upstreamCatalog(r.Context(), cfg, catalog, extra)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}
	httpx.WriteJSONWithETag(w, r, time.Hour, catalogResponse{Metas: metas})
}

func findCatalog(cfg *userconfig.Config, id, catalogType string) (userconfig.Catalog, bool) {
	for _, c := range cfg.Catalogs {
		if c.ID == id && c.Type == catalogType {
			return c, true
		}
	}
	return userconfig.Catalog{}, false
}

// upstreamCatalog renders a user catalog from TMDB discover or, when a
// search term is present, from the search endpoint.
func (h *Handlers) upstreamCatalog(ctx context.Context, cfg *userconfig.Config, catalog userconfig.Catalog, extra Extra) ([]MetaPreview, error) {
	apiKey, err := h.resolver.Credential(cfg)
	if err != nil {
		return nil, err
	}

	mediaType := "movie"
	if catalog.Type == "series" {
		mediaType = "tv"
	}
	language := cfg.Preferences.Language
	if extra.Language != "" {
		language = extra.Language
	}
	if language == "" {
		language = defaultLanguage
	}

	params := url.Values{}
	params.Set("language", language)
	params.Set("page", strconv.Itoa(extra.Skip/tmdbPageSize+1))
	if cfg.Preferences.IncludeAdult {
		params.Set("include_adult", "true")
	}

	var endpoint string
	ttl := catalogTTL
	if extra.Search != "" {
		endpoint = "/search/" + mediaType
		params.Set("query", extra.Search)
		ttl = searchTTL
	} else {
		endpoint = "/discover/" + mediaType
		for k, v := range catalog.Filters {
			params.Set(k, v)
		}
		if extra.Genre != "" {
			genreID, genreErr := h.genreID(ctx, apiKey, mediaType, language, extra.Genre)
			if genreErr != nil {
				return nil, genreErr
			}
			if genreID == 0 {
				return []MetaPreview{}, nil
			}
			params.Set("with_genres", strconv.FormatInt(genreID, 10))
		}
	}

	raw, err := h.client.Fetch(ctx, apiKey, endpoint, params, ttl, 0)
	if err != nil {
		return nil, err
	}
	page, err := tmdb.DecodeDiscoverPage(raw)
	if err != nil {
		return nil, err
	}

	metas := make([]MetaPreview, 0, len(page.Results))
	for i := range page.Results {
		metas = append(metas, previewFromDiscover(&page.Results[i], catalog.Type))
	}
	return metas, nil
}

// genreList fetches the upstream genre vocabulary for a media type,
// served from the cache for a day at a time.
func (h *Handlers) genreList(ctx context.Context, apiKey, mediaType, language string) ([]tmdb.Genre, error) {
	params := url.Values{}
	params.Set("language", language)
	raw, err := h.client.Fetch(ctx, apiKey, "/genre/"+mediaType+"/list", params, genresTTL, 0)
	if err != nil {
		return nil, err
	}

	var list struct {
		Genres []tmdb.Genre `json:"genres"`
	}
	if err := tmdb.DecodeInto(raw, &list); err != nil {
		return nil, err
	}
	return list.Genres, nil
}

// genreID maps a genre name from the extra segment to the upstream's
// numeric id via the cached genre list. Unknown names yield 0.
func (h *Handlers) genreID(ctx context.Context, apiKey, mediaType, language, name string) (int64, error) {
	genres, err := h.genreList(ctx, apiKey, mediaType, language)
	if err != nil {
		return 0, err
	}
	for _, g := range genres {
		if strings.EqualFold(g.Name, name) {
			return g.ID, nil
		}
	}
	return 0, nil
}

// genreOptions renders the genre filter vocabulary for the manifest.
// Failures degrade to no options rather than failing the manifest.
func (h *Handlers) genreOptions(ctx context.Context, cfg *userconfig.Config, mediaType string) []string {
	apiKey, err := h.resolver.Credential(cfg)
	if err != nil {
		return nil
	}
	language := cfg.Preferences.Language
	if language == "" {
		language = defaultLanguage
	}

	genres, err := h.genreList(ctx, apiKey, mediaType, language)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(genres))
	for _, g := range genres {
		names = append(names, g.Name)
	}
	return names
}

// datasetCatalog renders a bulk-dataset catalog. These never touch the
// upstream and work even when the breaker is open.
func (h *Handlers) datasetCatalog(w http.ResponseWriter, r *http.Request, catalogType string, extra Extra) {
	dsType := dataset.TypeMovie
	if catalogType == "series" {
		dsType = dataset.TypeSeries
	}

	res, err := h.engine.Query(dataset.Query{
		Type:     dsType,
		Genre:    extra.Genre,
		Skip:     extra.Skip,
		PageSize: tmdbPageSize * 5,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Dataset catalog unavailable")
		httpx.WriteError(w, http.StatusServiceUnavailable, "dataset not ready", "DATASET_NOT_READY")
		return
	}

	metas := make([]MetaPreview, 0, len(res.Titles))
	for _, t := range res.Titles {
		metas = append(metas, previewFromTitle(t))
	}
	httpx.WriteJSONWithETag(w, r, time.Hour, catalogResponse{Metas: metas})
}

type metaResponse struct {
	Meta *Meta `json:"meta"`
}

func (h *Handlers) Meta(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	metaType := vars["type"]
	if metaType != "movie" && metaType != "series" {
		httpx.WriteError(w, http.StatusBadRequest, "unsupported meta type", "BAD_TYPE")
		return
	}

	cfg, err := h.resolver.Resolve(r.Context(), vars["userId"])
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}

	id, ok := ParseTitleID(vars["id"])
	if !ok {
		// Unknown id syntax is answered with an empty meta so clients
		// probing foreign id spaces get a clean miss.
		httpx.WriteJSONWithETag(w, r, time.Hour, metaResponse{Meta: &Meta{}})
		return
	}

	extra := ParseExtra(vars["extra"])
	meta, err := h.lookupMeta(r.Context(), cfg, metaType, id, extra)
	if err != nil {
		httpx.WriteMappedError(w, err)
		return
	}
	httpx.WriteJSONWithETag(w, r, 6*time.Hour, metaResponse{Meta: meta})
}

func (h *Handlers) lookupMeta(ctx context.Context, cfg *userconfig.Config, metaType string, id TitleID, extra Extra) (*Meta, error) {
	apiKey, err := h.resolver.Credential(cfg)
	if err != nil {
		return nil, err
	}

	language := cfg.Preferences.Language
	if extra.Language != "" {
		language = extra.Language
	}
	if language == "" {
		language = defaultLanguage
	}

	mediaType := "movie"
	if metaType == "series" {
		mediaType = "tv"
	}

	tmdbID := id.TMDB
	externalID := id.IMDB
	if tmdbID == 0 {
		found, findErr := h.findByIMDB(ctx, apiKey, mediaType, externalID)
		if findErr != nil {
			return nil, findErr
		}
		if found == 0 {
			return &Meta{}, nil
		}
		tmdbID = found
	}

	params := url.Values{}
	params.Set("language", language)
	endpoint := "/" + mediaType + "/" + strconv.FormatInt(tmdbID, 10)
	raw, err := h.client.Fetch(ctx, apiKey, endpoint, params, metaTTL, 0)
	if err != nil {
		if isUpstreamNotFound(err) {
			return &Meta{}, nil
		}
		return nil, err
	}

	details, err := tmdb.DecodeDetails(raw)
	if err != nil {
		return nil, err
	}

	displayID := externalID
	if displayID == "" {
		displayID = "tmdb:" + strconv.FormatInt(tmdbID, 10)
	}
	return metaFromDetails(details, metaType, displayID), nil
}

// isUpstreamNotFound reports whether an error is a plain upstream 404,
// live or negatively cached. Those render as empty metas, not errors.
func isUpstreamNotFound(err error) bool {
	var cachedErr *cache.CachedError
	if errors.As(err, &cachedErr) {
		return cachedErr.Kind == cache.KindNotFound
	}
	var httpErr *cache.HTTPError
	return errors.As(err, &httpErr) && httpErr.Status == http.StatusNotFound
}

func (h *Handlers) findByIMDB(ctx context.Context, apiKey, mediaType, imdbID string) (int64, error) {
	params := url.Values{}
	params.Set("external_source", "imdb_id")
	raw, err := h.client.Fetch(ctx, apiKey, "/find/"+imdbID, params, metaTTL, 0)
	if err != nil {
		if isUpstreamNotFound(err) {
			return 0, nil
		}
		return 0, err
	}

	found, err := tmdb.DecodeFindResponse(raw)
	if err != nil {
		return 0, err
	}
	results := found.MovieResults
	if mediaType == "tv" {
		results = found.TVResults
	}
	if len(results) == 0 {
		return 0, nil
	}
	return results[0].ID, nil
}
