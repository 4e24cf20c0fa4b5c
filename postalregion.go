// Package postalregion resolves postal codes to freight service regions.
//
// An Index is built once from two datasets, a GeoJSON collection of regions
// and a postal-code mapping table, and then answers read-only queries:
//
//	ix := postalregion.New()
//	if !ix.Initialize(ctx,
//		postalregion.FileSource(postalregion.DefaultRegionsPath),
//		postalregion.FileSource(postalregion.DefaultMappingPath)) {
//		// the index stays empty; queries report StatusNotReady
//	}
//	r, status := ix.Resolve("PL 50-123")
//
// Queries never fail. Missing data, unknown codes and an index that is not
// loaded yet are all reported through Status or empty results.
package postalregion

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/golang/geo/s2"
	"golang.org/x/sync/errgroup"
)

// Status tells callers why a single-region query did or did not produce a region.
type Status int

const (
	StatusNotReady Status = iota // Initialize has not completed successfully
	StatusNotFound
	StatusFound
)

// OK reports whether a region was found.
func (s Status) OK() bool { return s == StatusFound }

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNotFound:
		return "not found"
	default:
		return "not ready"
	}
}

const (
	// DefaultSearchLimit caps Search results when no limit is given.
	DefaultSearchLimit = 50
	// DefaultSuggestLimit caps Suggest results when no limit is given.
	DefaultSuggestLimit = 5
	// defaultGeohashPrecision gives ~1.2km x 0.6km cells.
	defaultGeohashPrecision = 6
)

// IndexConfig holds the options an Index is built with.
type IndexConfig struct {
	Logger           *slog.Logger
	HTTPClient       *http.Client // used by sources created with Index.URL
	Metrics          *Metrics
	GeohashPrecision int
}

// Option configures an Index.
type Option func(*IndexConfig)

// WithLogger sets the logger for load diagnostics and not-ready warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *IndexConfig) {
		c.Logger = l
	}
}

// WithHTTPClient sets the client used by sources created with Index.URL.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *IndexConfig) {
		c.HTTPClient = hc
	}
}

// WithMetrics makes the index report to the given collectors.
func WithMetrics(m *Metrics) Option {
	return func(c *IndexConfig) {
		c.Metrics = m
	}
}

// WithGeohashPrecision sets the length of Region.Geohash (1-12).
func WithGeohashPrecision(n int) Option {
	return func(c *IndexConfig) {
		if n >= 1 && n <= 12 {
			c.GeohashPrecision = n
		}
	}
}

func defaultConfig() *IndexConfig {
	return &IndexConfig{
		Logger:           slog.Default(),
		HTTPClient:       defaultHTTPClient,
		GeohashPrecision: defaultGeohashPrecision,
	}
}

// Index answers postal-code and region queries over a loaded dataset.
// It is safe for concurrent use; queries observe either no data or a
// complete snapshot, never a partially built one.
type Index struct {
	config *IndexConfig
	snap   atomic.Pointer[snapshot]
}

// snapshot is the immutable state published by Initialize.
type snapshot struct {
	regions   []Region // source order
	mapping   *Mapping
	byID      map[int]int      // region id -> position in regions (first wins)
	byCountry map[string][]int // identifier country prefix -> positions, in order
	countries []string         // sorted, deduplicated
}

// New returns an uninitialized Index.
func New(opts ...Option) *Index {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Index{config: cfg}
}

// URL returns a Source fetching from u with the index's HTTP client.
func (ix *Index) URL(u string) URLSource {
	return URLSource{URL: u, Client: ix.config.HTTPClient}
}

// Initialize fetches both datasets concurrently and publishes the new state
// only when both have loaded and parsed. On failure it logs the cause, keeps
// whatever state the index had before, and returns false.
func (ix *Index) Initialize(ctx context.Context, regions, mapping Source) bool {
	start := time.Now()
	s, err := ix.load(ctx, regions, mapping)
	ix.config.Metrics.observeLoad(start, s, err)
	if err != nil {
		ix.config.Logger.ErrorContext(ctx, "postalregion: initialization failed",
			slog.String("regions", regions.String()),
			slog.String("mapping", mapping.String()),
			slog.Any("error", err))
		return false
	}

	ix.snap.Store(s)
	ix.config.Logger.InfoContext(ctx, "postalregion: index loaded",
		slog.Int("regions", len(s.regions)),
		slog.Int("postal_codes", s.mapping.Len()),
		slog.Duration("took", time.Since(start)))
	return true
}

func (ix *Index) load(ctx context.Context, regionSrc, mappingSrc Source) (*snapshot, error) {
	var (
		regions []Region
		mapping *Mapping
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		regions, err = loadRegions(gctx, regionSrc, ix.config.GeohashPrecision)
		return err
	})
	g.Go(func() error {
		var err error
		mapping, err = loadMapping(gctx, mappingSrc)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return newSnapshot(regions, mapping), nil
}

func newSnapshot(regions []Region, mapping *Mapping) *snapshot {
	s := &snapshot{
		regions:   regions,
		mapping:   mapping,
		byID:      make(map[int]int, len(regions)),
		byCountry: make(map[string][]int),
	}
	for i, r := range regions {
		if _, ok := s.byID[r.ID]; !ok {
			s.byID[r.ID] = i
		}
		if c, ok := countryPrefix(toUpper(r.Identifier)); ok {
			s.byCountry[c] = append(s.byCountry[c], i)
		}
	}

	// Country list mirrors the identifier as written, so only identifiers
	// that already start with two uppercase letters contribute.
	seen := make(map[string]bool)
	for _, r := range regions {
		if c, ok := countryPrefix(r.Identifier); ok && !seen[c] {
			seen[c] = true
			s.countries = append(s.countries, c)
		}
	}
	sort.Strings(s.countries)
	return s
}

// Ready reports whether a dataset has been loaded.
func (ix *Index) Ready() bool {
	return ix.snap.Load() != nil
}

// current returns the published snapshot, logging a warning when there is none.
func (ix *Index) current(op string) *snapshot {
	s := ix.snap.Load()
	if s == nil {
		ix.config.Logger.Warn("postalregion: query before initialization", slog.String("op", op))
	}
	return s
}

func (s *snapshot) region(id int) (Region, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Region{}, false
	}
	return s.regions[i], true
}

// ByID returns the region with the given id.
func (ix *Index) ByID(id int) (Region, Status) {
	s := ix.current("ByID")
	if s == nil {
		return Region{}, StatusNotReady
	}
	if r, ok := s.region(id); ok {
		return r, StatusFound
	}
	return Region{}, StatusNotFound
}

// ByCountry returns all regions whose identifier starts with the given
// country code, in load order.
func (ix *Index) ByCountry(countryCode string) []Region {
	s := ix.current("ByCountry")
	if s == nil {
		return nil
	}
	code := toUpper(countryCode)
	if isUpperASCIIPair(code) {
		return s.pick(s.byCountry[code])
	}
	// Anything other than a two-letter code falls back to a prefix scan.
	var out []Region
	for _, r := range s.regions {
		if identifierHasPrefix(r.Identifier, code) {
			out = append(out, r)
		}
	}
	return out
}

func isUpperASCIIPair(s string) bool {
	return len(s) == 2 && s[0] >= 'A' && s[0] <= 'Z' && s[1] >= 'A' && s[1] <= 'Z'
}

func (s *snapshot) pick(idx []int) []Region {
	if len(idx) == 0 {
		return nil
	}
	out := make([]Region, len(idx))
	for i, j := range idx {
		out[i] = s.regions[j]
	}
	return out
}

// Stats summarizes the loaded dataset.
type Stats struct {
	TotalRegions     int
	TotalPostalCodes int
	Countries        []string // sorted, no duplicates
	Initialized      bool
}

// Stats reports dataset sizes and the countries covered.
func (ix *Index) Stats() Stats {
	s := ix.current("Stats")
	if s == nil {
		return Stats{}
	}
	countries := make([]string, len(s.countries))
	copy(countries, s.countries)
	return Stats{
		TotalRegions:     len(s.regions),
		TotalPostalCodes: s.mapping.Len(),
		Countries:        countries,
		Initialized:      true,
	}
}

// Locate returns the region whose polygon contains the coordinate, or the
// region with the nearest centroid when no polygon does.
func (ix *Index) Locate(lat, lng float64) (Region, Status) {
	s := ix.current("Locate")
	if s == nil {
		return Region{}, StatusNotReady
	}
	if len(s.regions) == 0 || !validCoordinate(lat, lng) {
		return Region{}, StatusNotFound
	}

	for _, r := range s.regions {
		if r.ContainsPoint(lat, lng) {
			return r, StatusFound
		}
	}

	q := s2.LatLngFromDegrees(lat, lng)
	best := -1
	var bestDist float64
	for i, r := range s.regions {
		d := float64(q.Distance(r.Centroid))
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	return s.regions[best], StatusFound
}
