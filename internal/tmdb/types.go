package tmdb

import (
	"encoding/json"
	"fmt"
)

// DiscoverResult is one row of a discover/search page. Movie and TV rows
// share the shape; TV uses name/first_air_date instead of
// title/release_date, so both field sets are present.
type DiscoverResult struct {
	ID           int64   `json:"id"`
	Title        string  `json:"title"`
	Name         string  `json:"name"`
	Overview     string  `json:"overview"`
	PosterPath   string  `json:"poster_path"`
	BackdropPath string  `json:"backdrop_path"`
	ReleaseDate  string  `json:"release_date"`
	FirstAirDate string  `json:"first_air_date"`
	VoteAverage  float64 `json:"vote_average"`
	VoteCount    int     `json:"vote_count"`
	GenreIDs     []int   `json:"genre_ids"`
	Adult        bool    `json:"adult"`
}

// DisplayTitle returns whichever of title/name is populated.
func (r *DiscoverResult) DisplayTitle() string {
	if r.Title != "" {
		return r.Title
	}
	return r.Name
}

// Year extracts the release year from whichever date field is populated.
func (r *DiscoverResult) Year() string {
	date := r.ReleaseDate
	if date == "" {
		date = r.FirstAirDate
	}
	if len(date) < 4 {
		return ""
	}
	return date[:4]
}

// DiscoverPage is a paginated discover/search response.
type DiscoverPage struct {
	Page         int              `json:"page"`
	Results      []DiscoverResult `json:"results"`
	TotalPages   int              `json:"total_pages"`
	TotalResults int              `json:"total_results"`
}

// Genre is one entry of a genre list response.
type Genre struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Details is a movie or TV detail response, restricted to the fields the
// addon layer renders.
type Details struct {
	ID           int64   `json:"id"`
	IMDBID       string  `json:"imdb_id"`
	Title        string  `json:"title"`
	Name         string  `json:"name"`
	Overview     string  `json:"overview"`
	PosterPath   string  `json:"poster_path"`
	BackdropPath string  `json:"backdrop_path"`
	ReleaseDate  string  `json:"release_date"`
	FirstAirDate string  `json:"first_air_date"`
	Runtime      int     `json:"runtime"`
	VoteAverage  float64 `json:"vote_average"`
	Genres       []Genre `json:"genres"`
	Adult        bool    `json:"adult"`
}

func (d *Details) DisplayTitle() string {
	if d.Title != "" {
		return d.Title
	}
	return d.Name
}

// FindResponse is the shape of /find/{external_id} lookups.
type FindResponse struct {
	MovieResults []DiscoverResult `json:"movie_results"`
	TVResults    []DiscoverResult `json:"tv_results"`
}

// DecodeDiscoverPage parses a raw payload into a DiscoverPage.
func DecodeDiscoverPage(raw json.RawMessage) (*DiscoverPage, error) {
	var page DiscoverPage
	if err := json.Unmarshal(raw, &page); err != nil {
		return nil, fmt.Errorf("decode discover page: %w", err)
	}
	return &page, nil
}

// DecodeDetails parses a raw payload into a Details value.
func DecodeDetails(raw json.RawMessage) (*Details, error) {
	var d Details
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	return &d, nil
}

// DecodeInto parses a raw payload into an arbitrary response shape.
func DecodeInto(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DecodeFindResponse parses a raw /find payload.
func DecodeFindResponse(raw json.RawMessage) (*FindResponse, error) {
	var f FindResponse
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode find response: %w", err)
	}
	return &f, nil
}

// PosterURL renders a TMDB image path at the given width ("w342",
// "original", ...). Empty paths yield an empty URL.
func PosterURL(path, width string) string {
	if path == "" {
		return ""
	}
	return "https://image.tmdb.org/t/p/" + width + path
}
