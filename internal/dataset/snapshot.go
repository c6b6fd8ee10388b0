package dataset

import (
	"sort"
	"time"
)

// Snapshot is one complete, immutable dataset generation. All indices
// reference the same Title values; a refresh builds a fresh Snapshot and
// swaps it in atomically.
type Snapshot struct {
	Generation  int64
	BuiltAt     time.Time
	TitleCount  int
	ByType      map[string][]*Title
	ByTypeGenre map[string]map[string][]*Title
	ByDecade    map[int][]*Title
}

func ratingDesc(titles []*Title) func(i, j int) bool {
	return func(i, j int) bool {
		if titles[i].Rating != titles[j].Rating {
			return titles[i].Rating > titles[j].Rating
		}
		return titles[i].Votes > titles[j].Votes
	}
}

// buildSnapshot indexes a joined title set. Adult titles are excluded
// from every index.
func buildSnapshot(titles []*Title, generation int64) *Snapshot {
	snap := &Snapshot{
		Generation:  generation,
		BuiltAt:     time.Now().UTC(),
		ByType:      make(map[string][]*Title),
		ByTypeGenre: make(map[string]map[string][]*Title),
		ByDecade:    make(map[int][]*Title),
	}

	for _, t := range titles {
		if t.IsAdult {
			continue
		}
		snap.ByType[t.Type] = append(snap.ByType[t.Type], t)
		snap.TitleCount++
	}

	for typ, list := range snap.ByType {
		sort.SliceStable(list, ratingDesc(list))

		// Genre lists reference the already-sorted per-type slice entries,
		// so they inherit its order.
		byGenre := make(map[string][]*Title)
		for _, t := range list {
			for _, g := range t.Genres {
				byGenre[g] = append(byGenre[g], t)
			}
		}
		snap.ByTypeGenre[typ] = byGenre
	}

	for _, t := range snap.ByType[TypeMovie] {
		d := t.Decade()
		snap.ByDecade[d] = append(snap.ByDecade[d], t)
	}
	for _, list := range snap.ByDecade {
		sort.SliceStable(list, ratingDesc(list))
	}

	return snap
}
