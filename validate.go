package postalregion

import (
	"fmt"
	"io"
)

// KnownCode is a postal code with the region identifier it must resolve to.
type KnownCode struct {
	Query          string
	WantIdentifier string
}

// ValidationOptions sets the thresholds Validate checks a loaded index against.
type ValidationOptions struct {
	MinRegions     int
	MinPostalCodes int
	KnownCodes     []KnownCode
	Out            io.Writer // progress lines; nil for silence
}

// Validate performs integrity and functional checks on an initialized index:
// dataset sizes, that every mapping entry points at a loaded region, and that
// the known codes resolve as expected.
func Validate(ix *Index, opts ValidationOptions) error {
	out := opts.Out
	if out == nil {
		out = io.Discard
	}

	s := ix.snap.Load()
	if s == nil {
		return fmt.Errorf("index is not initialized")
	}

	regionCount := len(s.regions)
	if regionCount < opts.MinRegions {
		return fmt.Errorf("region count too low: got %d, want >= %d", regionCount, opts.MinRegions)
	}
	fmt.Fprintf(out, "      Region count: %d (OK)\n", regionCount)

	codeCount := s.mapping.Len()
	if codeCount < opts.MinPostalCodes {
		return fmt.Errorf("postal code count too low: got %d, want >= %d", codeCount, opts.MinPostalCodes)
	}
	fmt.Fprintf(out, "      Postal code count: %d (OK)\n", codeCount)

	dangling := 0
	for _, k := range s.mapping.keys {
		if _, ok := s.region(s.mapping.entries[k].RegionID); !ok {
			dangling++
		}
	}
	if dangling > 0 {
		return fmt.Errorf("%d postal codes point at regions that are not loaded", dangling)
	}

	fmt.Fprintf(out, "      Known codes: ")
	for _, kc := range opts.KnownCodes {
		r, outcome := s.resolve(kc.Query)
		if outcome == outcomeNotFound {
			return fmt.Errorf("resolve(%q) found nothing, want %q", kc.Query, kc.WantIdentifier)
		}
		if r.Identifier != kc.WantIdentifier {
			return fmt.Errorf("resolve(%q) = %q, want %q", kc.Query, r.Identifier, kc.WantIdentifier)
		}
	}
	fmt.Fprintf(out, "%d codes OK\n", len(opts.KnownCodes))
	return nil
}
