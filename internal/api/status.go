package api

import (
	"net/http"
	"time"

	"github.com/catalogrun/catalogrun/internal/httpx"
)

type statusResponse struct {
	Status         string `json:"status"`
	Uptime         string `json:"uptime"`
	Draining       bool   `json:"draining"`
	BreakerState   string `json:"breakerState"`
	BucketQueue    int    `json:"bucketQueue"`
	DatasetGen     int64  `json:"datasetGeneration"`
	DatasetTitles  int    `json:"datasetTitles"`
	DatasetRefresh string `json:"datasetLastRefresh,omitempty"`
}

// Status reports service health details for operators.
func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	ds := h.engine.Stats()
	resp := statusResponse{
		Status:        "ok",
		Uptime:        time.Since(h.started).Round(time.Second).String(),
		Draining:      h.draining(),
		BreakerState:  h.client.Breaker().State().String(),
		BucketQueue:   h.client.Bucket().QueueDepth(),
		DatasetGen:    ds.Generation,
		DatasetTitles: ds.TitleCount,
	}
	if !ds.LastRefresh.IsZero() {
		resp.DatasetRefresh = ds.LastRefresh.Format(time.RFC3339)
	}
	if resp.Draining {
		resp.Status = "draining"
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type statsResponse struct {
	Cache         any `json:"cache"`
	Dataset       any `json:"dataset"`
	ResolverCache int `json:"resolverCacheEntries"`
}

// StatsHandler reports cache and dataset counters.
func (h *Handlers) StatsHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, statsResponse{
		Cache:         h.facade.Stats(),
		Dataset:       h.engine.Stats(),
		ResolverCache: h.resolver.Len(),
	})
}
