package dataset

// Query selects a paginated slice of the active snapshot. Zero values
// mean "no constraint"; PageSize is clamped to maxPageSize.
type Query struct {
	Type      string
	Genre     string
	YearFrom  int
	YearTo    int
	Decade    int
	MinRating float64
	MinVotes  int
	Skip      int
	PageSize  int
}

// Result is one page of matching titles plus the total match count.
type Result struct {
	Titles     []*Title
	Total      int
	Generation int64
}

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

// Query runs a pure read against the active snapshot. The snapshot is
// loaded once, so a refresh mid-query cannot mix generations.
func (e *Engine) Query(q Query) (*Result, error) {
	snap := e.current.Load()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return snap.query(q), nil
}

func (s *Snapshot) query(q Query) *Result {
	if q.PageSize <= 0 {
		q.PageSize = defaultPageSize
	}
	if q.PageSize > maxPageSize {
		q.PageSize = maxPageSize
	}
	if q.Skip < 0 {
		q.Skip = 0
	}

	source := s.source(q)

	res := &Result{Generation: s.Generation}
	for _, t := range source {
		if !matches(t, q) {
			continue
		}
		if res.Total >= q.Skip && len(res.Titles) < q.PageSize {
			res.Titles = append(res.Titles, t)
		}
		res.Total++
	}
	return res
}

// source picks the narrowest pre-sorted index for the query.
func (s *Snapshot) source(q Query) []*Title {
	if q.Decade != 0 && q.Type == TypeMovie {
		return s.ByDecade[q.Decade]
	}
	if q.Genre != "" {
		return s.ByTypeGenre[q.Type][q.Genre]
	}
	return s.ByType[q.Type]
}

func matches(t *Title, q Query) bool {
	if q.Genre != "" && !hasGenre(t, q.Genre) {
		return false
	}
	if q.YearFrom != 0 && t.StartYear < q.YearFrom {
		return false
	}
	if q.YearTo != 0 && t.StartYear > q.YearTo {
		return false
	}
	if q.Decade != 0 && t.Decade() != q.Decade {
		return false
	}
	if q.MinRating != 0 && t.Rating < q.MinRating {
		return false
	}
	if q.MinVotes != 0 && t.Votes < q.MinVotes {
		return false
	}
	return true
}

func hasGenre(t *Title, genre string) bool {
	for _, g := range t.Genres {
		if g == genre {
			return true
		}
	}
	return false
}
