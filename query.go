package postalregion

import (
	"math"
	"strings"

	"github.com/agnivade/levenshtein"
)

// Resolve maps a postal code such as "PL 50-123" or "de12" to a region.
//
// The normalized code is looked up in the mapping first. Codes the mapping
// does not know are matched to the region of the same country whose
// identifier number is numerically closest; on equal distance the region
// loaded first wins.
func (ix *Index) Resolve(query string) (Region, Status) {
	s := ix.current("Resolve")
	if s == nil {
		ix.config.Metrics.observeResolve(outcomeNotReady)
		return Region{}, StatusNotReady
	}
	r, outcome := s.resolve(query)
	ix.config.Metrics.observeResolve(outcome)
	if outcome == outcomeNotFound {
		return Region{}, StatusNotFound
	}
	return r, StatusFound
}

func (s *snapshot) resolve(query string) (Region, string) {
	normalized := NormalizePostalCode(query)

	if e, ok := s.mapping.Get(normalized); ok {
		// A mapped code pointing at a missing region is not retried
		// through the fallback.
		if r, ok := s.region(e.RegionID); ok {
			return r, outcomeExact
		}
		return Region{}, outcomeNotFound
	}

	if r, ok := s.nearestByNumber(normalized); ok {
		return r, outcomeFallback
	}
	return Region{}, outcomeNotFound
}

// nearestByNumber picks, among regions of the query's country, the one whose
// first identifier number is closest to the query's first number.
func (s *snapshot) nearestByNumber(normalized string) (Region, bool) {
	country, ok := countryPrefix(normalized)
	if !ok {
		return Region{}, false
	}
	target, ok := firstNumber(normalized)
	if !ok {
		return Region{}, false
	}

	best := -1
	bestDiff := math.MaxInt
	for _, i := range s.byCountry[country] {
		n, ok := firstNumber(s.regions[i].Identifier)
		if !ok {
			continue
		}
		diff := target - n
		if diff < 0 {
			diff = -diff
		}
		// Strictly smaller keeps the earliest region on ties.
		if diff < bestDiff {
			best, bestDiff = i, diff
		}
	}
	if best < 0 {
		return Region{}, false
	}
	return s.regions[best], true
}

// SearchOptions tunes Search.
type SearchOptions struct {
	Limit int // maximum results; <= 0 means DefaultSearchLimit
	// FuzzyDistance enables typo-tolerant matching of whole identifiers
	// (edit distance, capped at 3) when nothing else matched. 0 disables it.
	FuzzyDistance int
}

// maxFuzzyDistance keeps fuzzy search from matching unrelated identifiers;
// normalized identifiers are only four to ten characters long.
const maxFuzzyDistance = 3

// Search returns regions whose identifier contains the query, ignoring case,
// whitespace and hyphens. An empty query lists the first regions. When
// nothing matches and the query looks like a postal code, the result of
// Resolve is returned instead.
func (ix *Index) Search(query string, limit int) []Region {
	return ix.SearchWithOptions(query, SearchOptions{Limit: limit})
}

// SearchWithOptions is Search with typo tolerance available.
func (ix *Index) SearchWithOptions(query string, opts SearchOptions) []Region {
	s := ix.current("Search")
	if s == nil {
		return nil
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if opts.FuzzyDistance > maxFuzzyDistance {
		opts.FuzzyDistance = maxFuzzyDistance
	}

	if query == "" {
		return s.pickFirst(limit)
	}

	needle := normalizeSearchTerm(query)
	var results []Region
	for _, r := range s.regions {
		if strings.Contains(normalizeSearchTerm(r.Identifier), needle) {
			results = append(results, r)
			if len(results) == limit {
				return results
			}
		}
	}
	if len(results) > 0 {
		return results
	}

	if IsPotentialPostalCode(query) {
		r, outcome := s.resolve(query)
		ix.config.Metrics.observeResolve(outcome)
		if outcome != outcomeNotFound {
			return []Region{r}
		}
	}

	if opts.FuzzyDistance > 0 {
		return s.fuzzySearch(needle, opts.FuzzyDistance, limit)
	}
	return nil
}

func (s *snapshot) pickFirst(limit int) []Region {
	n := min(limit, len(s.regions))
	out := make([]Region, n)
	copy(out, s.regions[:n])
	return out
}

// fuzzySearch matches identifiers within maxDist edits of the needle.
// Needles of two characters or fewer are too short to be meaningful.
func (s *snapshot) fuzzySearch(needle string, maxDist, limit int) []Region {
	if len([]rune(needle)) <= 2 {
		return nil
	}
	var out []Region
	for _, r := range s.regions {
		if fuzzyMatch(needle, normalizeSearchTerm(r.Identifier), maxDist) {
			out = append(out, r)
			if len(out) == limit {
				break
			}
		}
	}
	return out
}

// fuzzyMatch compares two strings with optional Levenshtein distance tolerance.
// If maxDist is 0, performs exact case-insensitive match.
func fuzzyMatch(query, candidate string, maxDist int) bool {
	if maxDist == 0 {
		return strings.EqualFold(query, candidate)
	}
	return levenshtein.ComputeDistance(toLower(query), toLower(candidate)) <= maxDist
}

// Suggestion is an autocomplete candidate taken from the mapping.
type Suggestion struct {
	Code       string
	Region     Region
	Found      bool // false when the mapping points at a region that is not loaded
	DistanceKm float64
}

// Suggest returns up to limit mapping codes starting with the normalized
// partial code, in mapping order.
func (ix *Index) Suggest(partialCode string, limit int) []Suggestion {
	s := ix.current("Suggest")
	if s == nil {
		return nil
	}
	if limit <= 0 {
		limit = DefaultSuggestLimit
	}

	prefix := NormalizePostalCode(partialCode)
	var out []Suggestion
	for _, code := range s.mapping.keys {
		if !strings.HasPrefix(code, prefix) {
			continue
		}
		e := s.mapping.entries[code]
		r, ok := s.region(e.RegionID)
		out = append(out, Suggestion{
			Code:       code,
			Region:     r,
			Found:      ok,
			DistanceKm: e.DistanceKm,
		})
		if len(out) == limit {
			break
		}
	}
	return out
}

// validCoordinate rejects NaN, infinities and out-of-range degrees.
func validCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}
