package dataset

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ratingsTSV = `tconst	averageRating	numVotes
tt0111161	9.3	2800000
tt0068646	9.2	2000000
tt0903747	9.5	2100000
tt0108778	8.9	1000000
tt0052520	9.0	90
tt0000005	6.2	2800
`

const basicsTSV = `tconst	titleType	primaryTitle	originalTitle	isAdult	startYear	endYear	runtimeMinutes	genres
tt0111161	movie	The Shawshank Redemption	The Shawshank Redemption	0	1994	\N	142	Drama
tt0068646	movie	The Godfather	The Godfather	0	1972	\N	175	Crime,Drama
tt0903747	tvSeries	Breaking Bad	Breaking Bad	0	2008	2013	49	Crime,Drama,Thriller
tt0108778	tvSeries	Friends	Friends	0	1994	2004	22	Comedy,Romance
tt0000005	videoGame	Some Game	Some Game	0	1998	\N	\N	Action
tt9999999	movie	Unrated Movie	Unrated Movie	0	2020	\N	90	Drama
`

func gzipTSV(t *testing.T, tsv string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err := gz.Write([]byte(tsv))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

type datasetTransport struct {
	t       *testing.T
	ratings []byte
	basics  []byte
	fail    bool
}

func (d *datasetTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if d.fail {
		return &http.Response{
			StatusCode: 503,
			Body:       http.NoBody,
			Request:    req,
		}, nil
	}
	body := d.ratings
	if strings.Contains(req.URL.Path, "basics") {
		body = d.basics
	}
	return &http.Response{
		StatusCode: 200,
		Body:       newReadCloser(body),
		Request:    req,
	}, nil
}

func newReadCloser(b []byte) *nopCloser { return &nopCloser{Reader: bytes.NewReader(b)} }

type nopCloser struct{ *bytes.Reader }

func (n *nopCloser) Close() error { return nil }

func newTestEngine(t *testing.T, transport http.RoundTripper) *Engine {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.MinVotes = 1000
	e := NewEngine(cfg, transport)
	t.Cleanup(e.Close)
	return e
}

func fixtureTransport(t *testing.T) *datasetTransport {
	return &datasetTransport{
		t:       t,
		ratings: gzipTSV(t, ratingsTSV),
		basics:  gzipTSV(t, basicsTSV),
	}
}

func TestEngine_RefreshBuildsSnapshot(t *testing.T) {
	e := newTestEngine(t, fixtureTransport(t))
	require.NoError(t, e.Refresh(context.Background()))

	snap := e.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, int64(1), snap.Generation)
	assert.Equal(t, 4, snap.TitleCount)

	// Sub-threshold votes (tt0052520) and titles without a rating row
	// (tt9999999) are filtered out; unrecognized types are counted.
	stats := e.Stats()
	assert.Equal(t, 1, stats.SkippedTypes["videoGame"])
	assert.Equal(t, 1, stats.NoRating)
}

func TestEngine_TypeIndicesSorted(t *testing.T) {
	e := newTestEngine(t, fixtureTransport(t))
	require.NoError(t, e.Refresh(context.Background()))
	snap := e.Snapshot()

	movies := snap.ByType[TypeMovie]
	require.Len(t, movies, 2)
	assert.Equal(t, "tt0111161", movies[0].ID, "rating 9.3 sorts first")
	assert.Equal(t, "tt0068646", movies[1].ID)

	series := snap.ByType[TypeSeries]
	require.Len(t, series, 2)
	assert.Equal(t, "tt0903747", series[0].ID)
}

func TestEngine_GenreIndexSharesTitles(t *testing.T) {
	e := newTestEngine(t, fixtureTransport(t))
	require.NoError(t, e.Refresh(context.Background()))
	snap := e.Snapshot()

	drama := snap.ByTypeGenre[TypeMovie]["Drama"]
	require.Len(t, drama, 2)
	assert.Same(t, snap.ByType[TypeMovie][0], drama[0], "indices share title records")
}

func TestEngine_DecadeIndex(t *testing.T) {
	e := newTestEngine(t, fixtureTransport(t))
	require.NoError(t, e.Refresh(context.Background()))
	snap := e.Snapshot()

	nineties := snap.ByDecade[1990]
	require.Len(t, nineties, 1)
	assert.Equal(t, "tt0111161", nineties[0].ID)
	assert.Len(t, snap.ByDecade[1970], 1)
}

func TestEngine_FailedRefreshKeepsPreviousSnapshot(t *testing.T) {
	transport := fixtureTransport(t)
	e := newTestEngine(t, transport)
	require.NoError(t, e.Refresh(context.Background()))
	before := e.Snapshot()

	transport.fail = true
	err := e.Refresh(context.Background())
	require.Error(t, err)

	assert.Same(t, before, e.Snapshot(), "failed refresh must not publish")
	assert.NotEmpty(t, e.Stats().LastError)

	transport.fail = false
	require.NoError(t, e.Refresh(context.Background()))
	assert.Equal(t, int64(2), e.Snapshot().Generation)
	assert.Empty(t, e.Stats().LastError)
}

func TestEngine_QueryPagination(t *testing.T) {
	e := newTestEngine(t, fixtureTransport(t))
	require.NoError(t, e.Refresh(context.Background()))

	res, err := e.Query(Query{Type: TypeMovie, PageSize: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	require.Len(t, res.Titles, 1)
	assert.Equal(t, "tt0111161", res.Titles[0].ID)

	res, err = e.Query(Query{Type: TypeMovie, PageSize: 1, Skip: 1})
	require.NoError(t, err)
	require.Len(t, res.Titles, 1)
	assert.Equal(t, "tt0068646", res.Titles[0].ID)

	res, err = e.Query(Query{Type: TypeMovie, PageSize: 1, Skip: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Titles)
	assert.Equal(t, 2, res.Total)
}

func TestEngine_QueryFilters(t *testing.T) {
	e := newTestEngine(t, fixtureTransport(t))
	require.NoError(t, e.Refresh(context.Background()))

	res, err := e.Query(Query{Type: TypeSeries, Genre: "Comedy"})
	require.NoError(t, err)
	require.Len(t, res.Titles, 1)
	assert.Equal(t, "tt0108778", res.Titles[0].ID)

	res, err = e.Query(Query{Type: TypeMovie, YearFrom: 1990, YearTo: 1999})
	require.NoError(t, err)
	require.Len(t, res.Titles, 1)
	assert.Equal(t, "tt0111161", res.Titles[0].ID)

	res, err = e.Query(Query{Type: TypeSeries, MinRating: 9.0})
	require.NoError(t, err)
	require.Len(t, res.Titles, 1)
	assert.Equal(t, "tt0903747", res.Titles[0].ID)

	res, err = e.Query(Query{Type: TypeMovie, MinVotes: 2_500_000})
	require.NoError(t, err)
	require.Len(t, res.Titles, 1)
	assert.Equal(t, "tt0111161", res.Titles[0].ID)

	res, err = e.Query(Query{Type: TypeMovie, Decade: 1970})
	require.NoError(t, err)
	require.Len(t, res.Titles, 1)
	assert.Equal(t, "tt0068646", res.Titles[0].ID)
}

// switchingTransport serves one of two complete dataset fixtures,
// selected by an atomic flag, so alternating refreshes build snapshots
// with recognizably different contents.
type switchingTransport struct {
	ratingsA, basicsA []byte
	ratingsB, basicsB []byte
	useB              atomic.Bool
}

func (s *switchingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ratings, basics := s.ratingsA, s.basicsA
	if s.useB.Load() {
		ratings, basics = s.ratingsB, s.basicsB
	}
	body := ratings
	if strings.Contains(req.URL.Path, "basics") {
		body = basics
	}
	return &http.Response{
		StatusCode: 200,
		Body:       newReadCloser(body),
		Request:    req,
	}, nil
}

func TestEngine_ConcurrentQueriesSeeOneGeneration(t *testing.T) {
	const basicsHeader = "tconst\ttitleType\tprimaryTitle\toriginalTitle\tisAdult\tstartYear\tendYear\truntimeMinutes\tgenres\n"
	transport := &switchingTransport{
		ratingsA: gzipTSV(t, "tconst\taverageRating\tnumVotes\ntt1000001\t8.0\t5000\ntt1000002\t7.5\t4000\n"),
		basicsA: gzipTSV(t, basicsHeader+
			"tt1000001\tmovie\tAlpha One\tAlpha One\t0\t1994\t\\N\t100\tDrama\n"+
			"tt1000002\tmovie\tAlpha Two\tAlpha Two\t0\t1996\t\\N\t110\tDrama\n"),
		ratingsB: gzipTSV(t, "tconst\taverageRating\tnumVotes\ntt2000001\t8.0\t5000\ntt2000002\t7.5\t4000\n"),
		basicsB: gzipTSV(t, basicsHeader+
			"tt2000001\tmovie\tBeta One\tBeta One\t0\t2004\t\\N\t100\tDrama\n"+
			"tt2000002\tmovie\tBeta Two\tBeta Two\t0\t2006\t\\N\t110\tDrama\n"),
	}
	e := newTestEngine(t, transport)
	require.NoError(t, e.Refresh(context.Background()))

	// Generation 1 is built from set A; every subsequent refresh flips
	// the set, so even generations hold only tt2* titles and odd ones
	// only tt1*. A result mixing prefixes, or whose titles disagree
	// with its reported generation, saw more than one snapshot.
	var violations atomic.Int32
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := e.Query(Query{Type: TypeMovie, PageSize: 10})
				if err != nil {
					violations.Add(1)
					return
				}
				wantPrefix := "tt1"
				if res.Generation%2 == 0 {
					wantPrefix = "tt2"
				}
				if len(res.Titles) != 2 {
					violations.Add(1)
				}
				for _, title := range res.Titles {
					if !strings.HasPrefix(title.ID, wantPrefix) {
						violations.Add(1)
					}
				}
			}
		}()
	}

	for i := 0; i < 20; i++ {
		transport.useB.Store(i%2 == 0)
		require.NoError(t, e.Refresh(context.Background()))
	}
	close(stop)
	wg.Wait()

	assert.Zero(t, violations.Load(), "every result must come from exactly one snapshot")
	assert.Equal(t, int64(21), e.Snapshot().Generation)
}

func TestEngine_QueryBeforeFirstRefresh(t *testing.T) {
	e := newTestEngine(t, fixtureTransport(t))
	_, err := e.Query(Query{Type: TypeMovie})
	assert.ErrorIs(t, err, ErrNoSnapshot)
}

func TestEngine_AdultTitlesExcluded(t *testing.T) {
	transport := &datasetTransport{
		t: t,
		ratings: gzipTSV(t, "tconst\taverageRating\tnumVotes\ntt0000001\t7.0\t5000\n"),
		basics: gzipTSV(t, "tconst\ttitleType\tprimaryTitle\toriginalTitle\tisAdult\tstartYear\tendYear\truntimeMinutes\tgenres\n"+
			"tt0000001\tmovie\tSome Adult Title\tSome Adult Title\t1\t2001\t\\N\t80\tDrama\n"),
	}
	e := newTestEngine(t, transport)
	require.NoError(t, e.Refresh(context.Background()))

	assert.Zero(t, e.Snapshot().TitleCount)
	assert.Empty(t, e.Snapshot().ByType[TypeMovie])
}

func TestEngine_CacheRoundTrip(t *testing.T) {
	cfg := DefaultEngineConfig()
	cfg.MinVotes = 1000
	cfg.CachePath = filepath.Join(t.TempDir(), "dataset.gz")
	e := NewEngine(cfg, fixtureTransport(t))
	defer e.Close()
	require.NoError(t, e.Refresh(context.Background()))

	// A fresh engine whose downloads fail falls back to the cache.
	cold := NewEngine(cfg, &datasetTransport{t: t, fail: true})
	defer cold.Close()
	require.Error(t, cold.Refresh(context.Background()))
	cold.loadCacheFallback()

	snap := cold.Snapshot()
	require.NotNil(t, snap)
	assert.Equal(t, 4, snap.TitleCount)
	assert.Equal(t, "tt0111161", snap.ByType[TypeMovie][0].ID)
}

func TestTitle_SerializeParseRoundTrip(t *testing.T) {
	titles := []*Title{
		{
			ID: "tt0111161", Type: TypeMovie, Title: "The Shawshank Redemption",
			StartYear: 1994, Runtime: 142, Genres: []string{"Drama"},
			Rating: 9.3, Votes: 2800000,
		},
		{
			ID: "tt0903747", Type: TypeSeries, Title: "Breaking Bad",
			StartYear: 2008, EndYear: 2013, Runtime: 49,
			Genres: []string{"Crime", "Drama", "Thriller"},
			Rating: 9.5, Votes: 2100000,
		},
		{ID: "tt0000001", Type: TypeShort, Title: "No Genres", StartYear: 1900, IsAdult: true, Rating: 5.0, Votes: 10},
		// Ratings are not limited to one decimal place.
		{ID: "tt0000002", Type: TypeMovie, Title: "Precise", StartYear: 2010, Runtime: 95, Rating: 7.85, Votes: 1234},
	}
	for _, original := range titles {
		parsed, err := parseTitle(serializeTitle(original))
		require.NoError(t, err)
		assert.Equal(t, original, parsed)
	}
}

func TestParseTitle_Malformed(t *testing.T) {
	_, err := parseTitle("too\tfew\tfields")
	assert.Error(t, err)

	_, err = parseTitle("tt1\tmovie\tX\tnot-a-year\t0\t90\tDrama\t0\t7.0\t100")
	assert.Error(t, err)
}

func TestParseRatings_FiltersAndSkipsHeader(t *testing.T) {
	ratings, err := parseRatings(strings.NewReader(ratingsTSV), 1000)
	require.NoError(t, err)

	assert.Len(t, ratings, 5)
	assert.NotContains(t, ratings, "tt0052520", "sub-threshold votes filtered")
	assert.Equal(t, 9.3, ratings["tt0111161"].rating)
}
