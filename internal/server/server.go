// Package server wires the HTTP surface: routing, middleware, per-IP
// rate limits, and the draining shutdown sequence.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/catalogrun/catalogrun/internal/addon"
	"github.com/catalogrun/catalogrun/internal/api"
	"github.com/catalogrun/catalogrun/internal/cache"
	"github.com/catalogrun/catalogrun/internal/dataset"
	"github.com/catalogrun/catalogrun/internal/httpx"
	"github.com/catalogrun/catalogrun/internal/metrics"
	"github.com/catalogrun/catalogrun/internal/tmdb"
	"github.com/catalogrun/catalogrun/internal/userconfig"
)

// Config holds the HTTP server settings.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	RequestTimeout  time.Duration
	ShutdownGrace   time.Duration
	GlobalPerMinute int
	AddonPerMinute  int
	AuthPerMinute   int
}

func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		RequestTimeout:  25 * time.Second,
		ShutdownGrace:   15 * time.Second,
		GlobalPerMinute: 300,
		AddonPerMinute:  1000,
		AuthPerMinute:   60,
	}
}

// Deps are the wired components the server serves.
type Deps struct {
	Resolver *userconfig.Resolver
	Store    userconfig.Store
	Sessions *userconfig.Sessions
	Cipher   *userconfig.Cipher
	Client   *tmdb.Client
	Engine   *dataset.Engine
	Facade   *cache.Facade
	// KV is the raw store behind the facade; it closes last during
	// shutdown, after every writer is gone.
	KV      cache.Store
	Metrics *metrics.Registry
}

// Server is the HTTP front of the service.
type Server struct {
	cfg      Config
	router   *mux.Router
	server   *http.Server
	deps     Deps
	draining atomic.Bool

	globalLimit *ipLimiter
	addonLimit  *ipLimiter
	authLimit   *ipLimiter

	sweepStop    chan struct{}
	shutdownOnce sync.Once
}

func New(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:         cfg,
		router:      mux.NewRouter(),
		deps:        deps,
		globalLimit: newIPLimiter(cfg.GlobalPerMinute),
		addonLimit:  newIPLimiter(cfg.AddonPerMinute),
		authLimit:   newIPLimiter(cfg.AuthPerMinute),
		sweepStop:   make(chan struct{}),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go s.sweepLoop()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.drainingMiddleware)
	s.router.Use(s.timeoutMiddleware)
	s.router.Use(s.corsMiddleware)

	// Ops endpoints bypass rate limits.
	s.router.HandleFunc("/health", s.Health).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", s.Ready).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)

	apiRouter := s.router.PathPrefix("/api").Subrouter()
	apiRouter.Use(s.apiRateLimitMiddleware)
	api.NewHandlers(api.Deps{
		Sessions: s.deps.Sessions,
		Resolver: s.deps.Resolver,
		Store:    s.deps.Store,
		Cipher:   s.deps.Cipher,
		Client:   s.deps.Client,
		Engine:   s.deps.Engine,
		Facade:   s.deps.Facade,
		Draining: s.draining.Load,
	}).Register(apiRouter)

	addonRouter := s.router.PathPrefix("/").Subrouter()
	addonRouter.Use(s.rateLimitMiddleware(s.addonLimit, "addon"))
	addon.NewHandlers(s.deps.Resolver, s.deps.Client, s.deps.Engine).Register(addonRouter)

	s.router.NotFoundHandler = s.withCommonHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, http.StatusNotFound, "no such resource", "NOT_FOUND")
	}))
}

// withCommonHeaders applies the request-id middleware to handlers outside
// the main chain (mux does not run Use() middleware for NotFoundHandler).
func (s *Server) withCommonHeaders(next http.Handler) http.Handler {
	return s.requestIDMiddleware(next)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type requestIDKeyType struct{}

var requestIDKey requestIDKeyType

// statusWriter records the response status code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		elapsed := time.Since(start)

		route := routeTemplate(r)
		s.deps.Metrics.ObserveRequest(route, r.Method, wrapper.status, elapsed)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("elapsed", elapsed).
			Str("ip", clientIP(r)).
			Msg("Request")
	})
}

// routeTemplate returns the mux route pattern so metrics do not explode
// on per-user paths.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}

func (s *Server) drainingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() && r.URL.Path != "/health" && r.URL.Path != "/metrics" {
			w.Header().Set("Retry-After", "5")
			httpx.WriteError(w, http.StatusServiceUnavailable, "server is draining", "DRAINING")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Addon clients are arbitrary origins by design.
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, If-None-Match")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(limiter *ipLimiter, scope string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !s.globalLimit.Allow(ip) {
				s.deps.Metrics.RateLimited.WithLabelValues("global").Inc()
				w.Header().Set("Retry-After", "60")
				httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
				return
			}
			if !limiter.Allow(ip) {
				s.deps.Metrics.RateLimited.WithLabelValues(scope).Inc()
				w.Header().Set("Retry-After", "60")
				httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// apiRateLimitMiddleware applies the global per-IP budget to every API
// request, and the much tighter auth budget only to the sensitive
// subset: session endpoints and anything that mutates state. Read-only
// API traffic rides the global budget alone.
func (s *Server) apiRateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !s.globalLimit.Allow(ip) {
			s.deps.Metrics.RateLimited.WithLabelValues("global").Inc()
			w.Header().Set("Retry-After", "60")
			httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		if isAuthOrWrite(r) && !s.authLimit.Allow(ip) {
			s.deps.Metrics.RateLimited.WithLabelValues("auth").Inc()
			w.Header().Set("Retry-After", "60")
			httpx.WriteError(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAuthOrWrite covers credential-bearing endpoints (login, logout,
// verify, validate-key are all non-GET or under /api/auth/) and every
// mutating verb.
func isAuthOrWrite(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/auth/")
}

func (s *Server) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.globalLimit.sweep(now)
			s.addonLimit.sweep(now)
			s.authLimit.sweep(now)
		case <-s.sweepStop:
			return
		}
	}
}

// Health answers even while draining so orchestrators can see the
// process is alive during shutdown.
func (s *Server) Health(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if s.draining.Load() {
		status = "draining"
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": status})
}

// Ready reports whether the service can serve catalogs.
func (s *Server) Ready(w http.ResponseWriter, _ *http.Request) {
	if s.draining.Load() {
		httpx.WriteError(w, http.StatusServiceUnavailable, "draining", "DRAINING")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("HTTP server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains the server: new requests get 503, in-flight requests
// finish within the grace window, then the upstream client's waiters are
// rejected and background loops stop. The KV store closes last, after
// every writer is gone.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		log.Info().Msg("Shutdown starting; draining requests")
		s.draining.Store(true)

		graceCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()
		err = s.server.Shutdown(graceCtx)

		s.deps.Client.Close()
		s.deps.Engine.Close()
		s.deps.Sessions.Close()
		close(s.sweepStop)

		if storeErr := s.deps.Store.Close(); storeErr != nil && err == nil {
			err = storeErr
		}
		if s.deps.KV != nil {
			if kvErr := s.deps.KV.Close(); kvErr != nil && err == nil {
				err = kvErr
			}
		}
		log.Info().Msg("Shutdown complete")
	})
	return err
}
