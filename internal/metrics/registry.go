// Package metrics exposes the Prometheus registry for the service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/catalogrun/catalogrun/internal/cache"
	"github.com/catalogrun/catalogrun/internal/dataset"
	"github.com/catalogrun/catalogrun/internal/tmdb"
)

// Registry holds all Prometheus metrics. It owns a private registry so
// tests can build as many instances as they need.
type Registry struct {
	reg *prometheus.Registry

	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "catalogrun_request_duration_seconds",
				Help:    "HTTP request duration by route",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"route", "method", "status"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogrun_requests_total",
				Help: "Total HTTP requests by route and status",
			},
			[]string{"route", "status"},
		),

		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "catalogrun_rate_limited_total",
				Help: "Requests rejected by per-IP rate limits",
			},
			[]string{"scope"},
		),
	}

	r.reg.MustRegister(
		r.RequestDuration,
		r.RequestsTotal,
		r.RateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// ObserveRequest records one completed HTTP request.
func (r *Registry) ObserveRequest(route, method string, status int, elapsed time.Duration) {
	code := statusClass(status)
	r.RequestDuration.WithLabelValues(route, method, code).Observe(elapsed.Seconds())
	r.RequestsTotal.WithLabelValues(route, code).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

// WatchFacade exports the cache façade's counters as gauges.
func (r *Registry) WatchFacade(f *cache.Facade) {
	gauge := func(name, help string, read func(cache.Stats) int64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(read(f.Stats()))
		})
	}
	r.reg.MustRegister(
		gauge("catalogrun_cache_hits", "Cache hits served", func(s cache.Stats) int64 { return s.Hits }),
		gauge("catalogrun_cache_misses", "Cache misses", func(s cache.Stats) int64 { return s.Misses }),
		gauge("catalogrun_cache_errors", "Cache errors", func(s cache.Stats) int64 { return s.Errors }),
		gauge("catalogrun_cache_cached_errors", "Negative entries served", func(s cache.Stats) int64 { return s.CachedErrors }),
		gauge("catalogrun_cache_corrupted", "Corrupted entries healed", func(s cache.Stats) int64 { return s.CorruptedEntries }),
		gauge("catalogrun_cache_deduplicated", "Requests coalesced onto an in-flight producer", func(s cache.Stats) int64 { return s.DeduplicatedRequests }),
		gauge("catalogrun_cache_stale_served", "Stale entries served while revalidating", func(s cache.Stats) int64 { return s.StaleServed }),
		gauge("catalogrun_cache_in_flight", "Producers currently in flight", func(s cache.Stats) int64 { return s.InFlight }),
	)
}

// WatchClient exports the upstream client's breaker state and queue depth.
func (r *Registry) WatchClient(c *tmdb.Client) {
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "catalogrun_breaker_state",
			Help: "Upstream breaker state (0=closed, 1=open, 2=half-open)",
		}, func() float64 {
			return float64(c.Breaker().State())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "catalogrun_bucket_queue_depth",
			Help: "Token bucket waiter queue depth",
		}, func() float64 {
			return float64(c.Bucket().QueueDepth())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "catalogrun_bucket_tokens",
			Help: "Token bucket available tokens",
		}, func() float64 {
			return c.Bucket().Tokens()
		}),
	)
}

// WatchEngine exports dataset snapshot generation and size.
func (r *Registry) WatchEngine(e *dataset.Engine) {
	r.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "catalogrun_dataset_generation",
			Help: "Active dataset snapshot generation",
		}, func() float64 {
			return float64(e.Stats().Generation)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "catalogrun_dataset_titles",
			Help: "Titles in the active dataset snapshot",
		}, func() float64 {
			return float64(e.Stats().TitleCount)
		}),
	)
}

// Handler serves the registry in Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
