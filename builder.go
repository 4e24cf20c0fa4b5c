package postalregion

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/umahmood/haversine"
)

// Center is a region center as exported by the load-board operators:
// one row per region with its anchor postal code and coordinates.
type Center struct {
	ID         int
	Country    string
	PostalCode string
	CityName   string
	Type       string
	Latitude   float64
	Longitude  float64
}

var centerColumns = []string{"id", "country", "postal_code", "latitude", "longitude"}

// ReadCenters parses a CSV of region centers with a header row naming at
// least id, country, postal_code, latitude and longitude. city_name and type
// are optional.
func ReadCenters(r io.Reader) ([]Center, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading centers header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, name := range centerColumns {
		if _, ok := col[name]; !ok {
			return nil, fmt.Errorf("centers: missing column %q", name)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var centers []Center
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("centers line %d: %w", line, err)
		}

		id, err := strconv.Atoi(field(rec, "id"))
		if err != nil {
			return nil, fmt.Errorf("centers line %d: id: %w", line, err)
		}
		lat, errLat := strconv.ParseFloat(field(rec, "latitude"), 64)
		lng, errLng := strconv.ParseFloat(field(rec, "longitude"), 64)
		if err := errors.Join(errLat, errLng); err != nil {
			return nil, fmt.Errorf("centers line %d: coordinates: %w", line, err)
		}

		centers = append(centers, Center{
			ID:         id,
			Country:    toUpper(field(rec, "country")),
			PostalCode: field(rec, "postal_code"),
			CityName:   field(rec, "city_name"),
			Type:       field(rec, "type"),
			Latitude:   lat,
			Longitude:  lng,
		})
	}
	return centers, nil
}

// BuildMapping derives mapping keys from each center's own postal code at
// every granularity: country plus the first 2, 3 and 4 characters, and
// country plus the full code. A key keeps the first center that produced it.
func BuildMapping(centers []Center) *Mapping {
	m := NewMapping()
	for _, c := range centers {
		code := stripSeparators(c.PostalCode)
		runes := []rune(code)
		for _, n := range []int{2, 3, 4} {
			if len(runes) >= n {
				m.Add(toUpper(c.Country+string(runes[:n])), MappingEntry{RegionID: c.ID})
			}
		}
		if code != "" {
			m.Add(toUpper(c.Country+code), MappingEntry{RegionID: c.ID})
		}
	}
	return m
}

// Merge adds every entry of other that m does not already have, in other's order.
func (m *Mapping) Merge(other *Mapping) {
	for _, k := range other.Keys() {
		e, _ := other.Get(k)
		m.Add(k, e)
	}
}

// CentersToFeatureCollection renders centers as Point features carrying the
// properties DeriveIdentifier reads.
func CentersToFeatureCollection(centers []Center) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, c := range centers {
		f := geojson.NewFeature(orb.Point{c.Longitude, c.Latitude})
		f.Properties["id"] = c.ID
		f.Properties["country"] = c.Country
		f.Properties["country_code"] = c.Country
		f.Properties["postal_code"] = c.PostalCode
		f.Properties["city_name"] = c.CityName
		f.Properties["latitude"] = c.Latitude
		f.Properties["longitude"] = c.Longitude
		if c.Type != "" {
			f.Properties["type"] = c.Type
		}
		fc.Append(f)
	}
	return fc
}

// ReadRegions decodes a GeoJSON FeatureCollection into regions, in order.
func ReadRegions(r io.Reader) ([]Region, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading regions: %w", err)
	}
	return decodeRegions(b, defaultGeohashPrecision)
}

// PostalPoint is one row of a GeoNames postal code dump.
type PostalPoint struct {
	Country    string
	PostalCode string
	PlaceName  string
	Latitude   float64
	Longitude  float64
}

// ReadPostalPoints parses the tab-separated GeoNames postal code format
// (12 columns). Rows that are malformed or lack coordinates are skipped and
// counted.
func ReadPostalPoints(r io.Reader) (points []PostalPoint, skipped int, err error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.FieldsPerRecord = 12
	cr.LazyQuotes = true

	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				skipped++
				continue
			}
			return nil, skipped, fmt.Errorf("reading postal codes: %w", err)
		}

		lat, errLat := strconv.ParseFloat(rec[9], 64)
		lng, errLng := strconv.ParseFloat(rec[10], 64)
		if errLat != nil || errLng != nil {
			skipped++
			continue
		}
		points = append(points, PostalPoint{
			Country:    toUpper(rec[0]),
			PostalCode: rec[1],
			PlaceName:  rec[2],
			Latitude:   lat,
			Longitude:  lng,
		})
	}
	return points, skipped, nil
}

// centroidItem is a region centroid stored in the R-tree.
type centroidItem struct {
	rect   rtreego.Rect
	region int // position in the regions slice
}

func (c *centroidItem) Bounds() rtreego.Rect { return c.rect }

// nearestCandidates is how many R-tree neighbours are re-ranked by great
// circle distance, since the tree measures in planar degrees.
const nearestCandidates = 8

// regionLocator finds the region centroid nearest to a point, preferring
// regions of the point's country.
type regionLocator struct {
	regions   []Region
	all       *rtreego.Rtree
	byCountry map[string]*rtreego.Rtree
}

func newRegionLocator(regions []Region) *regionLocator {
	l := &regionLocator{
		regions:   regions,
		all:       rtreego.NewTree(2, 25, 50),
		byCountry: make(map[string]*rtreego.Rtree),
	}
	for i, r := range regions {
		rect, _ := rtreego.NewRect(rtreego.Point{r.Lng(), r.Lat()}, []float64{0.0001, 0.0001})
		item := &centroidItem{rect: rect, region: i}
		l.all.Insert(item)
		if c := r.Country(); c != "" {
			t, ok := l.byCountry[c]
			if !ok {
				t = rtreego.NewTree(2, 25, 50)
				l.byCountry[c] = t
			}
			t.Insert(item)
		}
	}
	return l
}

// nearest returns the position of the closest region and its distance in km.
func (l *regionLocator) nearest(country string, lat, lng float64) (int, float64, bool) {
	tree, ok := l.byCountry[country]
	if !ok {
		tree = l.all
	}
	if tree.Size() == 0 {
		return 0, 0, false
	}

	q := haversine.Coord{Lat: lat, Lon: lng}
	best, bestKm := -1, math.Inf(1)
	for _, s := range tree.NearestNeighbors(nearestCandidates, rtreego.Point{lng, lat}) {
		item, ok := s.(*centroidItem)
		if !ok {
			continue
		}
		r := l.regions[item.region]
		_, km := haversine.Distance(q, haversine.Coord{Lat: r.Lat(), Lon: r.Lng()})
		// ties keep the region loaded first
		if km < bestKm || (km == bestKm && item.region < best) {
			best, bestKm = item.region, km
		}
	}
	if best < 0 {
		return 0, 0, false
	}
	return best, bestKm, true
}

// AssignPostalCodes maps every canonical postal prefix (country plus two
// digits) found in points to a region. Each point is assigned to the region
// whose centroid is nearest, preferring its own country; a prefix keeps the
// closest of its points' assignments, the earlier point on ties. Keys appear
// in the order their prefix is first seen; distance_km is rounded to two
// decimals.
func AssignPostalCodes(points []PostalPoint, regions []Region) *Mapping {
	m := NewMapping()
	if len(regions) == 0 {
		return m
	}
	loc := newRegionLocator(regions)

	type assignment struct {
		region int
		km     float64
	}
	var order []string
	best := make(map[string]assignment)
	for _, p := range points {
		key := CanonicalPostalCode(p.Country + p.PostalCode)
		if !isCanonical(key) {
			continue
		}
		i, km, ok := loc.nearest(p.Country, p.Latitude, p.Longitude)
		if !ok {
			continue
		}
		prev, seen := best[key]
		if !seen {
			order = append(order, key)
		}
		if !seen || km < prev.km {
			best[key] = assignment{region: i, km: km}
		}
	}

	for _, key := range order {
		a := best[key]
		m.Add(key, MappingEntry{
			RegionID:   regions[a.region].ID,
			DistanceKm: math.Round(a.km*100) / 100,
		})
	}
	return m
}

// isCanonical reports whether key has the CC00 shape of a canonical code.
func isCanonical(key string) bool {
	return len(key) == 4 && canonicalPattern().MatchString(key)
}
