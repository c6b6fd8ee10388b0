// Package dataset maintains an in-memory catalog dataset built from the
// IMDb bulk TSV exports. Refreshes build a complete snapshot off to the
// side and publish it atomically; queries are pure reads against the
// active snapshot.
package dataset

import (
	"fmt"
	"strconv"
	"strings"
)

// Title types recognized in snapshots. Upstream titleType values are
// folded into these; anything else is counted and skipped.
const (
	TypeMovie  = "movie"
	TypeSeries = "series"
	TypeShort  = "short"
)

// titleTypeMapping folds the upstream titleType vocabulary into our
// three types.
var titleTypeMapping = map[string]string{
	"movie":        TypeMovie,
	"tvMovie":      TypeMovie,
	"tvSeries":     TypeSeries,
	"tvMiniSeries": TypeSeries,
	"short":        TypeShort,
	"tvShort":      TypeShort,
}

// Title is one joined dataset record. Snapshot indices all reference the
// same Title values; Titles are immutable once published.
type Title struct {
	ID        string   `json:"id"`
	Type      string   `json:"type"`
	Title     string   `json:"title"`
	StartYear int      `json:"startYear"`
	EndYear   int      `json:"endYear,omitempty"`
	Runtime   int      `json:"runtime"`
	Genres    []string `json:"genres"`
	IsAdult   bool     `json:"isAdult"`
	Rating    float64  `json:"rating"`
	Votes     int      `json:"votes"`
}

// Decade returns the title's decade bucket, e.g. 1994 -> 1990.
func (t *Title) Decade() int {
	return (t.StartYear / 10) * 10
}

const serializedFields = 10

// serializeTitle encodes a title as one tab-separated record, the format
// used for the on-disk snapshot cache. parseTitle inverts it exactly.
func serializeTitle(t *Title) string {
	adult := "0"
	if t.IsAdult {
		adult = "1"
	}
	return strings.Join([]string{
		t.ID,
		t.Type,
		t.Title,
		strconv.Itoa(t.StartYear),
		strconv.Itoa(t.EndYear),
		strconv.Itoa(t.Runtime),
		strings.Join(t.Genres, ","),
		adult,
		strconv.FormatFloat(t.Rating, 'g', -1, 64),
		strconv.Itoa(t.Votes),
	}, "\t")
}

func parseTitle(line string) (*Title, error) {
	fields := strings.Split(line, "\t")
	if len(fields) != serializedFields {
		return nil, fmt.Errorf("malformed title record: %d fields", len(fields))
	}

	startYear, err := strconv.Atoi(fields[3])
	if err != nil {
		return nil, fmt.Errorf("bad startYear %q: %w", fields[3], err)
	}
	endYear, err := strconv.Atoi(fields[4])
	if err != nil {
		return nil, fmt.Errorf("bad endYear %q: %w", fields[4], err)
	}
	runtime, err := strconv.Atoi(fields[5])
	if err != nil {
		return nil, fmt.Errorf("bad runtime %q: %w", fields[5], err)
	}
	rating, err := strconv.ParseFloat(fields[8], 64)
	if err != nil {
		return nil, fmt.Errorf("bad rating %q: %w", fields[8], err)
	}
	votes, err := strconv.Atoi(fields[9])
	if err != nil {
		return nil, fmt.Errorf("bad votes %q: %w", fields[9], err)
	}

	var genres []string
	if fields[6] != "" {
		genres = strings.Split(fields[6], ",")
	}

	return &Title{
		ID:        fields[0],
		Type:      fields[1],
		Title:     fields[2],
		StartYear: startYear,
		EndYear:   endYear,
		Runtime:   runtime,
		Genres:    genres,
		IsAdult:   fields[7] == "1",
		Rating:    rating,
		Votes:     votes,
	}, nil
}
