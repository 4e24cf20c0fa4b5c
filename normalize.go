package postalregion

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"
)

// NormalizePostalCode strips whitespace and hyphens and uppercases the result.
// "pl 50-123" becomes "PL50123".
func NormalizePostalCode(s string) string {
	return toUpper(stripSeparators(s))
}

// normalizeSearchTerm is the lowercase counterpart used for substring search.
func normalizeSearchTerm(s string) string {
	return toLower(stripSeparators(s))
}

// stripSeparators drops the characters users type between the country prefix
// and the digits ("PL 50", "DE-12").
func stripSeparators(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// postalCodePattern matches queries that look like a postal code: two letters
// followed by at least one digit.
var postalCodePattern = sync.OnceValue(func() *regexp.Regexp {
	return regexp.MustCompile(`^[a-zA-Z]{2}\d+`)
})

// IsPotentialPostalCode reports whether a raw query should be tried as a
// postal code when a text search finds nothing.
func IsPotentialPostalCode(query string) bool {
	n := stripSeparators(query)
	return utf8.RuneCountInString(n) < 10 && postalCodePattern().MatchString(n)
}

var (
	countryPrefixPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`^[A-Z]{2}`)
	})
	digitRunPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`\d+`)
	})
	canonicalPattern = sync.OnceValue(func() *regexp.Regexp {
		return regexp.MustCompile(`^([A-Z]{2})(\d{2})`)
	})
)

// countryPrefix returns the leading two-letter country code of an already
// normalized code.
func countryPrefix(normalized string) (string, bool) {
	m := countryPrefixPattern().FindString(normalized)
	return m, m != ""
}

// firstNumber returns the first run of digits in s as an integer.
func firstNumber(s string) (int, bool) {
	m := digitRunPattern().FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		// digit runs too long for int are not meaningful postal prefixes
		return 0, false
	}
	return n, true
}

// CanonicalPostalCode reduces a postal code to the country code plus its
// first two digits ("DE 49876" -> "DE49"), the granularity of the region
// mapping. Inputs that do not fit the pattern are returned unchanged.
func CanonicalPostalCode(s string) string {
	n := NormalizePostalCode(s)
	m := canonicalPattern().FindStringSubmatch(n)
	if m == nil {
		return s
	}
	return m[1] + m[2]
}

// toLower and toUpper are kept as helpers so every comparison in the package
// goes through the same Unicode-aware case folding.
func toLower(s string) string {
	return strings.ToLower(s)
}

func toUpper(s string) string {
	return strings.ToUpper(s)
}
