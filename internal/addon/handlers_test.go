package addon

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/catalogrun/catalogrun/internal/cache"
	"github.com/catalogrun/catalogrun/internal/dataset"
	"github.com/catalogrun/catalogrun/internal/tmdb"
	"github.com/catalogrun/catalogrun/internal/userconfig"
)

type upstreamFake struct {
	responses map[string]string
}

func (u *upstreamFake) RoundTrip(req *http.Request) (*http.Response, error) {
	body, ok := u.responses[req.URL.Path]
	if !ok {
		return &http.Response{
			StatusCode: 404,
			Body:       io.NopCloser(strings.NewReader(`{"status_message":"not found"}`)),
		}, nil
	}
	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}, nil
}

type fixture struct {
	router   *mux.Router
	resolver *userconfig.Resolver
	engine   *dataset.Engine
	userID   string
}

func newFixture(t *testing.T, upstream *upstreamFake) *fixture {
	t.Helper()

	cipher, err := userconfig.NewCipher("test-secret")
	require.NoError(t, err)
	store := userconfig.NewMemoryStore()
	resolver := userconfig.NewResolver(userconfig.DefaultResolverConfig(), store, cipher)

	blob, err := cipher.Encrypt("tmdb-key")
	require.NoError(t, err)
	cfg := &userconfig.Config{
		UserID:          "user-1",
		APIKeyIDHash:    userconfig.HashAPIKey("tmdb-key"),
		EncryptedAPIKey: blob,
		ConfigName:      "Main",
		Catalogs: []userconfig.Catalog{
			{ID: "popular-movies", Type: "movie", Name: "Popular Movies", Filters: map[string]string{"sort_by": "popularity.desc"}},
			{ID: "imdb-top-movies", Type: "movie", Name: "IMDb Top Movies"},
		},
		Preferences: userconfig.Preferences{Language: "en-US"},
	}
	require.NoError(t, store.Create(context.Background(), cfg))

	clientCfg := tmdb.DefaultClientConfig()
	client := tmdb.NewClient(clientCfg, cache.NewFacade(cache.NewMemoryStore(1000), "test"), upstream)
	t.Cleanup(client.Close)

	engine := dataset.NewEngine(dataset.DefaultEngineConfig(), nil)
	t.Cleanup(engine.Close)

	router := mux.NewRouter()
	NewHandlers(resolver, client, engine).Register(router)
	return &fixture{router: router, resolver: resolver, engine: engine, userID: "user-1"}
}

func (f *fixture) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestManifest(t *testing.T) {
	f := newFixture(t, &upstreamFake{})

	rec := f.get(t, "/user-1/manifest.json")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("ETag"))

	var m Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, "com.catalogrun.addon", m.ID)
	assert.Contains(t, m.Name, "Main")
	require.Len(t, m.Catalogs, 2)
	assert.Equal(t, "popular-movies", m.Catalogs[0].ID)
}

func TestManifest_GenreOptions(t *testing.T) {
	f := newFixture(t, &upstreamFake{responses: map[string]string{
		"/3/genre/movie/list": `{"genres":[{"id":28,"name":"Action"},{"id":18,"name":"Drama"}]}`,
		"/3/genre/tv/list":    `{"genres":[{"id":10765,"name":"Sci-Fi & Fantasy"}]}`,
	}})

	rec := f.get(t, "/user-1/manifest.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var m Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	require.Len(t, m.Catalogs, 2)
	for _, c := range m.Catalogs {
		require.Len(t, c.Extra, 2, c.ID)
		assert.Equal(t, "genre", c.Extra[1].Name)
		assert.Equal(t, []string{"Action", "Drama"}, c.Extra[1].Options, c.ID)
	}
}

func TestManifest_IfNoneMatch(t *testing.T) {
	f := newFixture(t, &upstreamFake{})

	first := f.get(t, "/user-1/manifest.json")
	etag := first.Header().Get("ETag")
	require.NotEmpty(t, etag)
	assert.True(t, strings.HasPrefix(etag, `W/"`), "ETag is weak")

	req := httptest.NewRequest(http.MethodGet, "/user-1/manifest.json", nil)
	req.Header.Set("If-None-Match", etag)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestManifest_UnknownUser(t *testing.T) {
	f := newFixture(t, &upstreamFake{})

	rec := f.get(t, "/nobody/manifest.json")
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "CONFIG_NOT_FOUND", body["code"])
}

func TestCatalog_Discover(t *testing.T) {
	f := newFixture(t, &upstreamFake{responses: map[string]string{
		"/3/discover/movie": `{"page":1,"results":[
			{"id":550,"title":"Fight Club","overview":"...","poster_path":"/fc.jpg","release_date":"1999-10-15","vote_average":8.4}
		],"total_pages":10,"total_results":200}`,
	}})

	rec := f.get(t, "/user-1/catalog/movie/popular-movies.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Metas, 1)
	assert.Equal(t, "tmdb:550", resp.Metas[0].ID)
	assert.Equal(t, "Fight Club", resp.Metas[0].Name)
	assert.Equal(t, "1999", resp.Metas[0].ReleaseInfo)
	assert.Contains(t, resp.Metas[0].Poster, "image.tmdb.org")
}

func TestCatalog_GenreExtra(t *testing.T) {
	f := newFixture(t, &upstreamFake{responses: map[string]string{
		"/3/genre/movie/list": `{"genres":[{"id":28,"name":"Action"},{"id":18,"name":"Drama"}]}`,
		"/3/discover/movie":   `{"page":1,"results":[{"id":1,"title":"Some Action Movie"}],"total_pages":1,"total_results":1}`,
	}})

	rec := f.get(t, "/user-1/catalog/movie/popular-movies/genre=Action.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Metas, 1)
}

func TestCatalog_SlashSeparatedExtras(t *testing.T) {
	f := newFixture(t, &upstreamFake{responses: map[string]string{
		"/3/genre/movie/list": `{"genres":[{"id":28,"name":"Action"},{"id":18,"name":"Drama"}]}`,
		"/3/discover/movie":   `{"page":1,"results":[{"id":1,"title":"Some Action Movie"}],"total_pages":1,"total_results":1}`,
	}})

	rec := f.get(t, "/user-1/catalog/movie/popular-movies/skip=20/genre=Action.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Metas, 1)
}

func TestCatalog_UnknownGenreIsEmpty(t *testing.T) {
	f := newFixture(t, &upstreamFake{responses: map[string]string{
		"/3/genre/movie/list": `{"genres":[{"id":18,"name":"Drama"}]}`,
	}})

	rec := f.get(t, "/user-1/catalog/movie/popular-movies/genre=Nonexistent.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Metas)
}

func TestCatalog_Search(t *testing.T) {
	f := newFixture(t, &upstreamFake{responses: map[string]string{
		"/3/search/movie": `{"page":1,"results":[{"id":603,"title":"The Matrix","release_date":"1999-03-31"}],"total_pages":1,"total_results":1}`,
	}})

	rec := f.get(t, "/user-1/catalog/movie/popular-movies/search=matrix.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp catalogResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Metas, 1)
	assert.Equal(t, "The Matrix", resp.Metas[0].Name)
}

func TestCatalog_UnknownID(t *testing.T) {
	f := newFixture(t, &upstreamFake{})

	rec := f.get(t, "/user-1/catalog/movie/no-such-catalog.json")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCatalog_BadType(t *testing.T) {
	f := newFixture(t, &upstreamFake{})

	rec := f.get(t, "/user-1/catalog/music/popular-movies.json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCatalog_DatasetNotReady(t *testing.T) {
	f := newFixture(t, &upstreamFake{})

	rec := f.get(t, "/user-1/catalog/movie/imdb-top-movies.json")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMeta_ByTMDBID(t *testing.T) {
	f := newFixture(t, &upstreamFake{responses: map[string]string{
		"/3/movie/550": `{"id":550,"imdb_id":"tt0137523","title":"Fight Club","overview":"An insomniac...",
			"poster_path":"/fc.jpg","backdrop_path":"/fc-bg.jpg","release_date":"1999-10-15",
			"runtime":139,"vote_average":8.4,"genres":[{"id":18,"name":"Drama"}]}`,
	}})

	rec := f.get(t, "/user-1/meta/movie/tmdb:550.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp metaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Meta)
	assert.Equal(t, "tmdb:550", resp.Meta.ID)
	assert.Equal(t, "Fight Club", resp.Meta.Name)
	assert.Equal(t, "139 min", resp.Meta.Runtime)
	assert.Equal(t, []string{"Drama"}, resp.Meta.Genres)
}

func TestMeta_ByIMDBID(t *testing.T) {
	f := newFixture(t, &upstreamFake{responses: map[string]string{
		"/3/find/tt0137523": `{"movie_results":[{"id":550,"title":"Fight Club"}],"tv_results":[]}`,
		"/3/movie/550":      `{"id":550,"title":"Fight Club","release_date":"1999-10-15","vote_average":8.4}`,
	}})

	rec := f.get(t, "/user-1/meta/movie/tt0137523.json")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp metaResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Meta)
	assert.Equal(t, "tt0137523", resp.Meta.ID, "IMDb ids are kept on the meta")
	assert.Equal(t, "Fight Club", resp.Meta.Name)
}

func TestMeta_UnknownIDIsEmptyMeta(t *testing.T) {
	f := newFixture(t, &upstreamFake{})

	for _, path := range []string{
		"/user-1/meta/movie/bogus-id.json",
		"/user-1/meta/movie/tt9999999.json",
	} {
		rec := f.get(t, path)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var resp metaResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotNil(t, resp.Meta, path)
		assert.Empty(t, resp.Meta.Name, path)
	}
}

func TestParseExtra(t *testing.T) {
	extra := ParseExtra("genre=Action&skip=100&language=de-DE")
	assert.Equal(t, "Action", extra.Genre)
	assert.Equal(t, 100, extra.Skip)
	assert.Equal(t, "de-DE", extra.Language)

	extra = ParseExtra("search=the%20matrix")
	assert.Equal(t, "the matrix", extra.Search)

	// Slash-separated pairs, the canonical path form.
	extra = ParseExtra("skip=20/genre=Sci%2DFi")
	assert.Equal(t, 20, extra.Skip)
	assert.Equal(t, "Sci-Fi", extra.Genre)

	// Malformed values are ignored, not errors.
	extra = ParseExtra("skip=-5&language=english&bogus")
	assert.Zero(t, extra.Skip)
	assert.Empty(t, extra.Language)

	assert.Zero(t, ParseExtra(""))
}

func TestParseTitleID(t *testing.T) {
	id, ok := ParseTitleID("tt0111161")
	require.True(t, ok)
	assert.Equal(t, "tt0111161", id.IMDB)

	id, ok = ParseTitleID("tmdb:550")
	require.True(t, ok)
	assert.Equal(t, int64(550), id.TMDB)

	for _, bad := range []string{"tt", "ttabc", "tmdb:", "tmdb:0", "tmdb:x", "yt:123", ""} {
		_, ok = ParseTitleID(bad)
		assert.False(t, ok, bad)
	}
}

func TestValidLanguage(t *testing.T) {
	assert.True(t, validLanguage("en-US"))
	assert.True(t, validLanguage("pt-BR"))
	assert.False(t, validLanguage("en"))
	assert.False(t, validLanguage("EN-us"))
	assert.False(t, validLanguage("eng-USA"))
}
