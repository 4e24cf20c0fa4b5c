package postalregion

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	. "gopkg.in/check.v1"
)

// Hook up gocheck into the "go test" runner.
func Test(t *testing.T) { TestingT(t) }

type IndexSuite struct {
	ix *Index
}

var _ = Suite(&IndexSuite{})

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestIndex loads the bundled dataset:
//
//	id 1 PL-10, 2 PL-20, 3 PL-45, 4 PL-50, 5 DE-12, 6 DE-10, 7 CZ-11, 8 "Region 8"
//
// The mapping holds PL10 PL20 PL45 PL50 PL51 PL52 DE10 DE12 DE13 CZ11 and
// PL99, which points at the missing region 42.
func newTestIndex(opts ...Option) (*Index, bool) {
	ix := New(append([]Option{WithLogger(quietLogger())}, opts...)...)
	ok := ix.Initialize(context.Background(), FileSource(DefaultRegionsPath), FileSource(DefaultMappingPath))
	return ix, ok
}

func (s *IndexSuite) SetUpSuite(c *C) {
	var ok bool
	s.ix, ok = newTestIndex()
	c.Assert(ok, Equals, true)
}

func ids(regions []Region) []int {
	out := make([]int, len(regions))
	for i, r := range regions {
		out[i] = r.ID
	}
	return out
}

func (s *IndexSuite) TestInitializeBuildsRegions(c *C) {
	c.Assert(s.ix.Ready(), Equals, true)

	r, status := s.ix.ByID(4)
	c.Assert(status, Equals, StatusFound)
	c.Assert(r.Identifier, Equals, "PL-50")
	c.Assert(r.Properties.Country, Equals, "PL")
	c.Assert(r.Properties.PostalCode, Equals, "50-001")
	c.Assert(r.Properties.CityName, Equals, "Wrocław")
	c.Assert(r.Properties.Extra["type"], Equals, "voronoi")
	c.Assert(r.Geohash, HasLen, 6)
	c.Assert(math.Abs(r.Lat()-51.15) < 0.05, Equals, true, Commentf("lat %v", r.Lat()))
	c.Assert(math.Abs(r.Lng()-16.95) < 0.05, Equals, true, Commentf("lng %v", r.Lng()))

	r, status = s.ix.ByID(8)
	c.Assert(status, Equals, StatusFound)
	c.Assert(r.Identifier, Equals, "Region 8")
	c.Assert(r.Country(), Equals, "")
}

func (s *IndexSuite) TestResolveExactMapping(c *C) {
	for _, q := range []string{"PL50", "pl 50", "PL-50", " pl-5 0 "} {
		r, status := s.ix.Resolve(q)
		c.Assert(status, Equals, StatusFound, Commentf("query %q", q))
		c.Assert(r.ID, Equals, 4, Commentf("query %q", q))
	}

	// PL51 and PL52 map to the same region as PL50.
	r, status := s.ix.Resolve("PL52")
	c.Assert(status.OK(), Equals, true)
	c.Assert(r.ID, Equals, 4)
}

func (s *IndexSuite) TestResolveNumericFallback(c *C) {
	// |45-42| = 3 beats |50-42| = 8 and |20-42| = 22.
	r, status := s.ix.Resolve("PL42")
	c.Assert(status, Equals, StatusFound)
	c.Assert(r.ID, Equals, 3)

	// Unmapped full codes compare their whole leading number.
	r, status = s.ix.Resolve("PL 51-123")
	c.Assert(status, Equals, StatusFound)
	c.Assert(r.ID, Equals, 4)

	r, status = s.ix.Resolve("cz 110 00")
	c.Assert(status, Equals, StatusFound)
	c.Assert(r.ID, Equals, 7)
}

func (s *IndexSuite) TestResolveNullMappingEntryFallsBack(c *C) {
	ix := New(WithLogger(quietLogger()))
	ok := ix.Initialize(context.Background(),
		FileSource(DefaultRegionsPath),
		BytesSource{Name: "mapping", Data: []byte(`{"PL42": null}`)})
	c.Assert(ok, Equals, true)

	r, status := ix.Resolve("PL42")
	c.Assert(status, Equals, StatusFound)
	c.Assert(r.ID, Equals, 3)
	c.Assert(ix.Suggest("PL4", 0), HasLen, 0)
}

func (s *IndexSuite) TestResolveFallbackTieKeepsLoadOrder(c *C) {
	// DE-12 (id 5) and DE-10 (id 6) are both one away from 11.
	for i := 0; i < 3; i++ {
		r, status := s.ix.Resolve("DE11")
		c.Assert(status, Equals, StatusFound)
		c.Assert(r.ID, Equals, 5)
	}
}

func (s *IndexSuite) TestResolveNotFound(c *C) {
	for _, q := range []string{
		"PL99", // mapped to a region that is not loaded
		"XX12", // no regions for the country
		"1234", // no country prefix
		"PL",   // no digits
		"",
	} {
		r, status := s.ix.Resolve(q)
		c.Assert(status, Equals, StatusNotFound, Commentf("query %q", q))
		c.Assert(r.IsZero(), Equals, true, Commentf("query %q", q))
	}
}

func (s *IndexSuite) TestSearchEmptyQueryListsFirstRegions(c *C) {
	c.Assert(ids(s.ix.Search("", 0)), DeepEquals, []int{1, 2, 3, 4, 5, 6, 7, 8})
	c.Assert(ids(s.ix.Search("", 3)), DeepEquals, []int{1, 2, 3})
}

func (s *IndexSuite) TestSearchSubstring(c *C) {
	c.Assert(ids(s.ix.Search("de12", 0)), DeepEquals, []int{5})
	c.Assert(ids(s.ix.Search("DE-12", 0)), DeepEquals, []int{5})
	c.Assert(ids(s.ix.Search("de 1", 0)), DeepEquals, []int{5, 6})
	c.Assert(ids(s.ix.Search("pl", 0)), DeepEquals, []int{1, 2, 3, 4})
	c.Assert(ids(s.ix.Search("pl", 2)), DeepEquals, []int{1, 2})
	c.Assert(ids(s.ix.Search("5", 0)), DeepEquals, []int{3, 4})
}

func (s *IndexSuite) TestSearchFallsBackToResolve(c *C) {
	c.Assert(ids(s.ix.Search("PL47", 0)), DeepEquals, []int{3})
	c.Assert(ids(s.ix.Search("pl 4-2", 0)), DeepEquals, []int{3})

	// Looks like a postal code but resolves to nothing.
	c.Assert(s.ix.Search("PL99", 0), HasLen, 0)
	// Not a postal code shape, so no fallback.
	c.Assert(s.ix.Search("Wrocław", 0), HasLen, 0)
}

func (s *IndexSuite) TestSearchFuzzy(c *C) {
	c.Assert(s.ix.Search("regoin8", 0), HasLen, 0)

	got := s.ix.SearchWithOptions("regoin8", SearchOptions{FuzzyDistance: 2})
	c.Assert(ids(got), DeepEquals, []int{8})

	// Substring hits win over fuzzy matching.
	got = s.ix.SearchWithOptions("de12", SearchOptions{FuzzyDistance: 3})
	c.Assert(ids(got), DeepEquals, []int{5})
}

func (s *IndexSuite) TestSuggest(c *C) {
	got := s.ix.Suggest("PL5", 0)
	c.Assert(got, HasLen, 3)
	wantCodes := []string{"PL50", "PL51", "PL52"}
	wantDist := []float64{1.2, 12.5, 25.1}
	for i, sg := range got {
		c.Assert(sg.Code, Equals, wantCodes[i])
		c.Assert(sg.Found, Equals, true)
		c.Assert(sg.Region.ID, Equals, 4)
		c.Assert(sg.DistanceKm, Equals, wantDist[i])
	}

	got = s.ix.Suggest("pl-5", 2)
	c.Assert(got, HasLen, 2)
	c.Assert(got[1].Code, Equals, "PL51")

	got = s.ix.Suggest("PL9", 0)
	c.Assert(got, HasLen, 1)
	c.Assert(got[0].Code, Equals, "PL99")
	c.Assert(got[0].Found, Equals, false)
	c.Assert(got[0].Region.IsZero(), Equals, true)
	c.Assert(got[0].DistanceKm, Equals, 3.3)

	got = s.ix.Suggest("", 0)
	c.Assert(got, HasLen, DefaultSuggestLimit)
	c.Assert(got[0].Code, Equals, "PL10")

	c.Assert(s.ix.Suggest("XX", 0), HasLen, 0)
}

func (s *IndexSuite) TestByIDAndCountry(c *C) {
	_, status := s.ix.ByID(42)
	c.Assert(status, Equals, StatusNotFound)

	c.Assert(ids(s.ix.ByCountry("pl")), DeepEquals, []int{1, 2, 3, 4})
	c.Assert(ids(s.ix.ByCountry("DE")), DeepEquals, []int{5, 6})
	c.Assert(s.ix.ByCountry("FR"), HasLen, 0)
	c.Assert(ids(s.ix.ByCountry("pl-5")), DeepEquals, []int{4})
}

func (s *IndexSuite) TestStats(c *C) {
	st := s.ix.Stats()
	c.Assert(st.Initialized, Equals, true)
	c.Assert(st.TotalRegions, Equals, 8)
	c.Assert(st.TotalPostalCodes, Equals, 11)
	c.Assert(st.Countries, DeepEquals, []string{"CZ", "DE", "PL"})
}

func (s *IndexSuite) TestLocate(c *C) {
	r, status := s.ix.Locate(51.1, 17.0)
	c.Assert(status, Equals, StatusFound)
	c.Assert(r.ID, Equals, 4)

	r, status = s.ix.Locate(60.5, 30.5)
	c.Assert(status, Equals, StatusFound)
	c.Assert(r.ID, Equals, 8)

	// North of the PL-10 square: nearest centroid.
	r, status = s.ix.Locate(54.5, 20.5)
	c.Assert(status, Equals, StatusFound)
	c.Assert(r.ID, Equals, 1)

	_, status = s.ix.Locate(math.NaN(), 17.0)
	c.Assert(status, Equals, StatusNotFound)
	_, status = s.ix.Locate(91, 17.0)
	c.Assert(status, Equals, StatusNotFound)
}

func (s *IndexSuite) TestUninitializedIndex(c *C) {
	var logs bytes.Buffer
	ix := New(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	c.Assert(ix.Ready(), Equals, false)

	r, status := ix.Resolve("PL50")
	c.Assert(status, Equals, StatusNotReady)
	c.Assert(r.IsZero(), Equals, true)

	_, status = ix.ByID(4)
	c.Assert(status, Equals, StatusNotReady)
	_, status = ix.Locate(51.1, 17.0)
	c.Assert(status, Equals, StatusNotReady)

	c.Assert(ix.Search("", 0), HasLen, 0)
	c.Assert(ix.Search("PL50", 0), HasLen, 0)
	c.Assert(ix.Suggest("PL", 0), HasLen, 0)
	c.Assert(ix.ByCountry("PL"), HasLen, 0)
	c.Assert(ix.Stats(), DeepEquals, Stats{})

	c.Assert(logs.String(), Matches, `(?s).*level=WARN.*query before initialization.*`)
}

func (s *IndexSuite) TestStatsBeforeInitializationWarns(c *C) {
	var logs bytes.Buffer
	ix := New(WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	c.Assert(ix.Stats(), DeepEquals, Stats{})
	c.Assert(logs.String(), Matches, `(?s).*level=WARN.*op=Stats.*`)
}

func (s *IndexSuite) TestInitializeFailureLeavesIndexUninitialized(c *C) {
	ctx := context.Background()
	good := FileSource(DefaultMappingPath)

	ix := New(WithLogger(quietLogger()))
	c.Assert(ix.Initialize(ctx, FileSource("does/not/exist.geojson"), good), Equals, false)
	c.Assert(ix.Ready(), Equals, false)

	c.Assert(ix.Initialize(ctx, FileSource(DefaultRegionsPath), BytesSource{Name: "array", Data: []byte(`[1, 2]`)}), Equals, false)
	c.Assert(ix.Ready(), Equals, false)

	notGeoJSON := BytesSource{Name: "point", Data: []byte(`{"type":"Point","coordinates":[1,2]}`)}
	c.Assert(ix.Initialize(ctx, notGeoJSON, good), Equals, false)
	c.Assert(ix.Ready(), Equals, false)

	_, status := ix.Resolve("PL50")
	c.Assert(status, Equals, StatusNotReady)
}

func (s *IndexSuite) TestInitializeCanceledContext(c *C) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ix := New(WithLogger(quietLogger()))
	ok := ix.Initialize(ctx,
		BytesSource{Name: "regions", Data: []byte(`{"type":"FeatureCollection","features":[]}`)},
		BytesSource{Name: "mapping", Data: []byte(`{}`)})
	c.Assert(ok, Equals, false)
	c.Assert(ix.Ready(), Equals, false)
}

func (s *IndexSuite) TestReinitializeReplacesState(c *C) {
	ix, ok := newTestIndex()
	c.Assert(ok, Equals, true)

	regions := []byte(`{"type":"FeatureCollection","features":[
		{"type":"Feature","properties":{"id":70,"country":"FR","postal_code":"75001"},
		 "geometry":{"type":"Point","coordinates":[2.35,48.86]}}]}`)
	mapping := []byte(`{"FR75":{"region_id":70,"distance_km":0}}`)
	ok = ix.Initialize(context.Background(), BytesSource{Name: "r", Data: regions}, BytesSource{Name: "m", Data: mapping})
	c.Assert(ok, Equals, true)

	c.Assert(ix.Stats().Countries, DeepEquals, []string{"FR"})
	_, status := ix.Resolve("PL50")
	c.Assert(status, Equals, StatusNotFound)
	r, status := ix.Resolve("FR 75")
	c.Assert(status, Equals, StatusFound)
	c.Assert(r.Identifier, Equals, "FR-75")

	// A failed reload keeps the last good state.
	ok = ix.Initialize(context.Background(), FileSource("does/not/exist.geojson"), BytesSource{Name: "m", Data: mapping})
	c.Assert(ok, Equals, false)
	c.Assert(ix.Stats().TotalRegions, Equals, 1)
}

func BenchmarkResolveFallback(b *testing.B) {
	ix, ok := newTestIndex()
	if !ok {
		b.Fatal("initialize failed")
	}
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		ix.Resolve("PL42")
	}
}

func BenchmarkSearch(b *testing.B) {
	ix, ok := newTestIndex()
	if !ok {
		b.Fatal("initialize failed")
	}
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		ix.Search("de1", 0)
	}
}
