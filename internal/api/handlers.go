// Package api serves the authenticated configuration API: sessions,
// config CRUD, catalog previews, and upstream reference data.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/catalogrun/catalogrun/internal/cache"
	"github.com/catalogrun/catalogrun/internal/dataset"
	"github.com/catalogrun/catalogrun/internal/httpx"
	"github.com/catalogrun/catalogrun/internal/tmdb"
	"github.com/catalogrun/catalogrun/internal/userconfig"
)

// Reference data barely changes; previews are interactive.
const (
	referenceTTL = 24 * time.Hour
	previewTTL   = 15 * time.Minute
	lookupTTL    = 6 * time.Hour
)

// Handlers serves the /api surface.
type Handlers struct {
	sessions *userconfig.Sessions
	resolver *userconfig.Resolver
	store    userconfig.Store
	cipher   *userconfig.Cipher
	client   *tmdb.Client
	engine   *dataset.Engine
	facade   *cache.Facade
	started  time.Time
	draining func() bool
}

type Deps struct {
	Sessions *userconfig.Sessions
	Resolver *userconfig.Resolver
	Store    userconfig.Store
	Cipher   *userconfig.Cipher
	Client   *tmdb.Client
	Engine   *dataset.Engine
	Facade   *cache.Facade
	// Draining reports whether the server is shutting down; /api/status
	// surfaces it. Nil means never draining.
	Draining func() bool
}

func NewHandlers(deps Deps) *Handlers {
	draining := deps.Draining
	if draining == nil {
		draining = func() bool { return false }
	}
	return &Handlers{
		sessions: deps.Sessions,
		resolver: deps.Resolver,
		store:    deps.Store,
		cipher:   deps.Cipher,
		client:   deps.Client,
		engine:   deps.Engine,
		facade:   deps.Facade,
		started:  time.Now(),
		draining: draining,
	}
}

// Register mounts the API routes on a subrouter already rooted at /api.
// Everything except login, validate-key, status, and stats requires a
// bearer session.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/auth/login", h.Login).Methods(http.MethodPost)
	r.HandleFunc("/validate-key", h.ValidateKey).Methods(http.MethodPost)
	r.HandleFunc("/status", h.Status).Methods(http.MethodGet)
	r.HandleFunc("/stats", h.StatsHandler).Methods(http.MethodGet)

	authed := r.NewRoute().Subrouter()
	authed.Use(h.requireSession)
	authed.HandleFunc("/auth/logout", h.Logout).Methods(http.MethodPost)
	authed.HandleFunc("/auth/verify", h.Verify).Methods(http.MethodGet)
	authed.HandleFunc("/configs", h.ListConfigs).Methods(http.MethodGet)
	authed.HandleFunc("/config", h.CreateConfig).Methods(http.MethodPost)
	authed.HandleFunc("/config/{userId}", h.GetConfig).Methods(http.MethodGet)
	authed.HandleFunc("/config/{userId}", h.UpdateConfig).Methods(http.MethodPut)
	authed.HandleFunc("/config/{userId}", h.DeleteConfig).Methods(http.MethodDelete)
	authed.HandleFunc("/preview", h.Preview).Methods(http.MethodPost)
	authed.HandleFunc("/reference-data", h.ReferenceBatch).Methods(http.MethodGet)
	authed.HandleFunc("/reference-data/{kind}", h.Reference).Methods(http.MethodGet)
	authed.HandleFunc("/search/{kind}", h.Search).Methods(http.MethodGet)
	authed.HandleFunc("/{kind:person|company|keyword|network}/{id:[0-9]+}", h.Lookup).Methods(http.MethodGet)
}

type sessionKeyType struct{}

var sessionKey sessionKeyType

// requireSession authenticates the bearer token and stashes the claims.
func (h *Handlers) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "missing bearer token", "MISSING_TOKEN")
			return
		}
		claims, err := h.sessions.Verify(token)
		if err != nil {
			httpx.WriteMappedError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(auth, "Bearer ")
	if !found {
		return ""
	}
	return strings.TrimSpace(token)
}

func sessionFrom(r *http.Request) *userconfig.SessionClaims {
	claims, _ := r.Context().Value(sessionKey).(*userconfig.SessionClaims)
	return claims
}
