package dataset

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// TSV lines are small, but titles with many alternate spellings can push
// a line past bufio's default.
const maxLineBytes = 1 << 20

type ratingEntry struct {
	rating float64
	votes  int
}

// parseRatings streams title.ratings.tsv, keeping only titles at or above
// the vote threshold. The header line is skipped; malformed lines are
// counted and dropped.
func parseRatings(r io.Reader, minVotes int) (map[string]ratingEntry, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	ratings := make(map[string]ratingEntry)
	var malformed int
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue
		}

		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			malformed++
			continue
		}
		rating, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			malformed++
			continue
		}
		votes, err := strconv.Atoi(fields[2])
		if err != nil {
			malformed++
			continue
		}
		if votes < minVotes {
			continue
		}
		ratings[fields[0]] = ratingEntry{rating: rating, votes: votes}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan ratings: %w", err)
	}
	if malformed > 0 {
		log.Warn().Int("lines", malformed).Msg("Dropped malformed ratings lines")
	}
	return ratings, nil
}

// parseStats accounts for basics lines that produced no title.
type parseStats struct {
	Joined       int
	NoRating     int
	SkippedTypes map[string]int
	Malformed    int
}

// parseBasics streams title.basics.tsv joined against the ratings map.
// Only titles present in the map survive; unrecognized titleTypes are
// counted per type and skipped.
func parseBasics(r io.Reader, ratings map[string]ratingEntry) ([]*Title, parseStats, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	stats := parseStats{SkippedTypes: make(map[string]int)}
	var titles []*Title
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			continue
		}

		// tconst, titleType, primaryTitle, originalTitle, isAdult,
		// startYear, endYear, runtimeMinutes, genres
		fields := strings.Split(line, "\t")
		if len(fields) != 9 {
			stats.Malformed++
			continue
		}

		entry, ok := ratings[fields[0]]
		if !ok {
			stats.NoRating++
			continue
		}

		mapped, ok := titleTypeMapping[fields[1]]
		if !ok {
			stats.SkippedTypes[fields[1]]++
			continue
		}

		startYear, err := strconv.Atoi(fields[5])
		if err != nil {
			// "\N" for unreleased titles; not indexable by year.
			stats.Malformed++
			continue
		}

		title := &Title{
			ID:        fields[0],
			Type:      mapped,
			Title:     fields[2],
			StartYear: startYear,
			IsAdult:   fields[4] == "1",
			Rating:    entry.rating,
			Votes:     entry.votes,
		}
		if endYear, err := strconv.Atoi(fields[6]); err == nil {
			title.EndYear = endYear
		}
		if runtime, err := strconv.Atoi(fields[7]); err == nil {
			title.Runtime = runtime
		}
		if fields[8] != "" && fields[8] != `\N` {
			title.Genres = strings.Split(fields[8], ",")
		}

		titles = append(titles, title)
		stats.Joined++
	}
	if err := scanner.Err(); err != nil {
		return nil, stats, fmt.Errorf("scan basics: %w", err)
	}
	return titles, stats, nil
}
