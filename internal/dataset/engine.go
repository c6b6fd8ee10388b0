package dataset

import (
	"bufio"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultRatingsURL      = "https://datasets.imdbws.com/title.ratings.tsv.gz"
	defaultBasicsURL       = "https://datasets.imdbws.com/title.basics.tsv.gz"
	defaultMinVotes        = 500
	defaultRefreshInterval = 24 * time.Hour
	defaultDownloadTimeout = 10 * time.Minute
)

// ErrNoSnapshot is returned by queries before the first successful refresh.
var ErrNoSnapshot = errors.New("no dataset snapshot available")

// EngineConfig controls the refresh cycle.
type EngineConfig struct {
	RatingsURL      string
	BasicsURL       string
	MinVotes        int
	RefreshInterval time.Duration
	DownloadTimeout time.Duration
	// CachePath, when set, persists the joined title set so restarts can
	// serve catalogs before the first download completes.
	CachePath string
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		RatingsURL:      defaultRatingsURL,
		BasicsURL:       defaultBasicsURL,
		MinVotes:        defaultMinVotes,
		RefreshInterval: defaultRefreshInterval,
		DownloadTimeout: defaultDownloadTimeout,
	}
}

// Stats describes the engine's last refresh outcome.
type Stats struct {
	Generation   int64
	TitleCount   int
	NoRating     int
	LastRefresh  time.Time
	LastError    string
	SkippedTypes map[string]int
}

// Engine downloads, joins, and indexes the bulk dataset. The active
// snapshot is swapped atomically; a failed refresh leaves the previous
// snapshot serving.
type Engine struct {
	cfg  EngineConfig
	http *http.Client

	current    atomic.Pointer[Snapshot]
	generation atomic.Int64

	mu        sync.Mutex
	lastError string
	lastStats parseStats

	stop chan struct{}
	once sync.Once
}

func NewEngine(cfg EngineConfig, transport http.RoundTripper) *Engine {
	if cfg.RatingsURL == "" {
		cfg.RatingsURL = defaultRatingsURL
	}
	if cfg.BasicsURL == "" {
		cfg.BasicsURL = defaultBasicsURL
	}
	if cfg.MinVotes <= 0 {
		cfg.MinVotes = defaultMinVotes
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaultRefreshInterval
	}
	if cfg.DownloadTimeout <= 0 {
		cfg.DownloadTimeout = defaultDownloadTimeout
	}
	return &Engine{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.DownloadTimeout, Transport: transport},
		stop: make(chan struct{}),
	}
}

// Snapshot returns the active dataset, or nil before the first refresh.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// Stats reports the engine's current generation and last refresh outcome.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Stats{
		Generation:   e.generation.Load(),
		NoRating:     e.lastStats.NoRating,
		LastError:    e.lastError,
		SkippedTypes: make(map[string]int, len(e.lastStats.SkippedTypes)),
	}
	for k, v := range e.lastStats.SkippedTypes {
		st.SkippedTypes[k] = v
	}
	if snap := e.current.Load(); snap != nil {
		st.TitleCount = snap.TitleCount
		st.LastRefresh = snap.BuiltAt
	}
	return st
}

// Run refreshes immediately and then on the configured cadence until the
// context is canceled or Close is called. The initial refresh failure is
// logged, not fatal: the next tick retries.
func (e *Engine) Run(ctx context.Context) {
	if err := e.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("Initial dataset refresh failed")
		e.loadCacheFallback()
	}

	ticker := time.NewTicker(e.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := e.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("Dataset refresh failed; previous snapshot retained")
			}
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		}
	}
}

// Close stops the refresh loop.
func (e *Engine) Close() {
	e.once.Do(func() { close(e.stop) })
}

// Refresh downloads and joins both TSV streams and publishes a fresh
// snapshot. On any error the active snapshot is left untouched.
func (e *Engine) Refresh(ctx context.Context) error {
	started := time.Now()
	log.Info().Str("ratings", e.cfg.RatingsURL).Str("basics", e.cfg.BasicsURL).Msg("Dataset refresh starting")

	// The join needs the complete ratings map before the basics scan, so
	// the basics stream is spooled to disk while ratings parse. Neither
	// raw TSV is ever held in memory.
	var (
		ratings    map[string]ratingEntry
		basicsFile *os.File
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		body, err := e.download(gctx, e.cfg.RatingsURL)
		if err != nil {
			return err
		}
		defer body.Close()
		ratings, err = parseRatings(body, e.cfg.MinVotes)
		return err
	})
	g.Go(func() error {
		body, err := e.download(gctx, e.cfg.BasicsURL)
		if err != nil {
			return err
		}
		defer body.Close()

		f, err := os.CreateTemp("", "catalogrun-basics-*.tsv")
		if err != nil {
			return fmt.Errorf("spool basics: %w", err)
		}
		if _, err := io.Copy(f, body); err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("spool basics: %w", err)
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			os.Remove(f.Name())
			return fmt.Errorf("rewind basics spool: %w", err)
		}
		basicsFile = f
		return nil
	})
	if err := g.Wait(); err != nil {
		if basicsFile != nil {
			basicsFile.Close()
			os.Remove(basicsFile.Name())
		}
		e.recordError(err)
		return err
	}
	defer func() {
		basicsFile.Close()
		os.Remove(basicsFile.Name())
	}()

	titles, stats, err := parseBasics(bufio.NewReaderSize(basicsFile, 256*1024), ratings)
	if err != nil {
		e.recordError(err)
		return err
	}
	ratings = nil

	e.publish(titles, stats)
	log.Info().
		Int64("generation", e.generation.Load()).
		Int("titles", len(titles)).
		Int("no_rating", stats.NoRating).
		Dur("elapsed", time.Since(started)).
		Msg("Dataset refresh complete")

	if e.cfg.CachePath != "" {
		if err := e.saveCache(titles); err != nil {
			log.Warn().Err(err).Str("path", e.cfg.CachePath).Msg("Dataset cache write failed")
		}
	}
	return nil
}

func (e *Engine) publish(titles []*Title, stats parseStats) {
	snap := buildSnapshot(titles, e.generation.Add(1))
	e.current.Store(snap)

	e.mu.Lock()
	e.lastError = ""
	e.lastStats = stats
	e.mu.Unlock()

	for typ, n := range stats.SkippedTypes {
		log.Debug().Str("title_type", typ).Int("count", n).Msg("Skipped unrecognized title type")
	}
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
}

func (e *Engine) download(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", url, err)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", url, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	gz, err := gzip.NewReader(resp.Body)
	if err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("open gzip stream %s: %w", url, err)
	}
	return &gzipBody{gz: gz, body: resp.Body}, nil
}

type gzipBody struct {
	gz   *gzip.Reader
	body io.ReadCloser
}

func (g *gzipBody) Read(p []byte) (int, error) { return g.gz.Read(p) }

func (g *gzipBody) Close() error {
	gzErr := g.gz.Close()
	if err := g.body.Close(); err != nil {
		return err
	}
	return gzErr
}

// saveCache persists the joined title set as gzipped serialized records.
func (e *Engine) saveCache(titles []*Title) error {
	tmp := e.cfg.CachePath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}

	gz := gzip.NewWriter(f)
	w := bufio.NewWriter(gz)
	for _, t := range titles {
		if _, err := w.WriteString(serializeTitle(t)); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if err := w.WriteByte('\n'); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := gz.Close(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, e.cfg.CachePath)
}

// loadCacheFallback publishes a snapshot from the on-disk cache when the
// initial download fails. A later successful refresh replaces it.
func (e *Engine) loadCacheFallback() {
	if e.cfg.CachePath == "" || e.current.Load() != nil {
		return
	}

	titles, err := loadCache(e.cfg.CachePath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warn().Err(err).Str("path", e.cfg.CachePath).Msg("Dataset cache load failed")
		}
		return
	}

	e.publish(titles, parseStats{Joined: len(titles), SkippedTypes: map[string]int{}})
	log.Info().Int("titles", len(titles)).Msg("Serving dataset from on-disk cache until next refresh")
}

func loadCache(path string) ([]*Title, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("open dataset cache: %w", err)
	}
	defer gz.Close()

	scanner := bufio.NewScanner(gz)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	var titles []*Title
	for scanner.Scan() {
		t, parseErr := parseTitle(scanner.Text())
		if parseErr != nil {
			return nil, parseErr
		}
		titles = append(titles, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan dataset cache: %w", err)
	}
	return titles, nil
}
