package addon

import (
	"fmt"
	"strconv"

	"github.com/catalogrun/catalogrun/internal/dataset"
	"github.com/catalogrun/catalogrun/internal/tmdb"
)

const posterWidth = "w342"

// MetaPreview is one catalog row in addon protocol shape.
type MetaPreview struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Poster      string `json:"poster,omitempty"`
	Description string `json:"description,omitempty"`
	ReleaseInfo string `json:"releaseInfo,omitempty"`
	IMDBRating  string `json:"imdbRating,omitempty"`
}

// Meta is a full meta resource.
type Meta struct {
	ID          string   `json:"id"`
	Type        string   `json:"type"`
	Name        string   `json:"name"`
	Poster      string   `json:"poster,omitempty"`
	Background  string   `json:"background,omitempty"`
	Description string   `json:"description,omitempty"`
	ReleaseInfo string   `json:"releaseInfo,omitempty"`
	Runtime     string   `json:"runtime,omitempty"`
	IMDBRating  string   `json:"imdbRating,omitempty"`
	Genres      []string `json:"genres,omitempty"`
}

func previewFromDiscover(r *tmdb.DiscoverResult, catalogType string) MetaPreview {
	return MetaPreview{
		ID:          "tmdb:" + strconv.FormatInt(r.ID, 10),
		Type:        catalogType,
		Name:        r.DisplayTitle(),
		Poster:      tmdb.PosterURL(r.PosterPath, posterWidth),
		Description: r.Overview,
		ReleaseInfo: r.Year(),
		IMDBRating:  formatRating(r.VoteAverage),
	}
}

func previewFromTitle(t *dataset.Title) MetaPreview {
	return MetaPreview{
		ID:          t.ID,
		Type:        t.Type,
		Name:        t.Title,
		ReleaseInfo: releaseInfo(t.StartYear, t.EndYear),
		IMDBRating:  formatRating(t.Rating),
	}
}

func metaFromDetails(d *tmdb.Details, metaType, id string) *Meta {
	meta := &Meta{
		ID:          id,
		Type:        metaType,
		Name:        d.DisplayTitle(),
		Poster:      tmdb.PosterURL(d.PosterPath, posterWidth),
		Background:  tmdb.PosterURL(d.BackdropPath, "original"),
		Description: d.Overview,
		IMDBRating:  formatRating(d.VoteAverage),
	}
	if year := yearOf(d.ReleaseDate, d.FirstAirDate); year != "" {
		meta.ReleaseInfo = year
	}
	if d.Runtime > 0 {
		meta.Runtime = fmt.Sprintf("%d min", d.Runtime)
	}
	for _, g := range d.Genres {
		meta.Genres = append(meta.Genres, g.Name)
	}
	return meta
}

func formatRating(rating float64) string {
	if rating <= 0 {
		return ""
	}
	return strconv.FormatFloat(rating, 'f', 1, 64)
}

func releaseInfo(startYear, endYear int) string {
	if startYear == 0 {
		return ""
	}
	if endYear != 0 && endYear != startYear {
		return fmt.Sprintf("%d-%d", startYear, endYear)
	}
	return strconv.Itoa(startYear)
}

func yearOf(dates ...string) string {
	for _, d := range dates {
		if len(d) >= 4 {
			return d[:4]
		}
	}
	return ""
}
