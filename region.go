package postalregion

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	geohash "github.com/TomiHiltunen/geohash-golang"
	"github.com/golang/geo/s2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Properties is the structured view of a region feature's property bag.
// Known fields are lifted out; everything else is kept in Extra for callers
// that build addresses or popups from it.
type Properties struct {
	ID         int
	Country    string // ISO 3166-1 alpha-2, e.g. "PL"
	PostalCode string // only the first two characters are significant
	CityName   string
	Extra      map[string]any
}

// Region is a freight service area loaded from the region source.
// Regions are immutable once the index has been built.
type Region struct {
	ID         int
	Identifier string // "PL-50", or "Region 42" when country/postal code are missing
	Geometry   orb.Geometry
	Centroid   s2.LatLng
	Geohash    string
	Properties Properties

	polygon *s2.Polygon // nil for point and line geometries
}

// IsZero reports whether r is the zero Region returned alongside a non-found status.
func (r Region) IsZero() bool {
	return r.ID == 0 && r.Identifier == "" && r.Geometry == nil
}

// Lat returns the centroid latitude in degrees.
func (r Region) Lat() float64 { return r.Centroid.Lat.Degrees() }

// Lng returns the centroid longitude in degrees.
func (r Region) Lng() float64 { return r.Centroid.Lng.Degrees() }

// Country returns the two-letter prefix of the identifier, or "" for
// regions without one.
func (r Region) Country() string {
	c, _ := countryPrefix(r.Identifier)
	return c
}

// ContainsPoint reports whether the region's polygon contains the point.
// Regions without polygon geometry never contain anything.
func (r Region) ContainsPoint(lat, lng float64) bool {
	if r.polygon == nil {
		return false
	}
	return r.polygon.ContainsPoint(s2.PointFromLatLng(s2.LatLngFromDegrees(lat, lng)))
}

// DeriveIdentifier builds the display and search key for a region:
// "{country}-{first two characters of postal code}" when both are present,
// otherwise "Region {id}".
func DeriveIdentifier(p Properties) string {
	if p.Country != "" && p.PostalCode != "" {
		return p.Country + "-" + firstChars(p.PostalCode, 2)
	}
	return "Region " + strconv.Itoa(p.ID)
}

func firstChars(s string, n int) string {
	runes := []rune(s)
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes)
}

// propertiesFromGeoJSON lifts the known keys out of a feature property bag.
// postal_code may be encoded as a number in some exports; ids arrive as
// JSON numbers and fall back to the feature id when the property is absent.
func propertiesFromGeoJSON(f *geojson.Feature) (Properties, error) {
	var p Properties
	p.Extra = make(map[string]any, len(f.Properties))

	idSet := false
	for k, v := range f.Properties {
		switch k {
		case "id":
			id, ok := intValue(v)
			if !ok {
				return p, fmt.Errorf("property id %v is not an integer", v)
			}
			p.ID = id
			idSet = true
		case "country":
			p.Country = stringValue(v)
		case "postal_code":
			p.PostalCode = stringValue(v)
		case "city_name":
			p.CityName = stringValue(v)
		default:
			p.Extra[k] = v
		}
	}

	if !idSet {
		id, ok := intValue(f.ID)
		if !ok {
			return p, fmt.Errorf("feature has no integer id")
		}
		p.ID = id
	}
	return p, nil
}

func intValue(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		if t != math.Trunc(t) {
			return 0, false
		}
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case string:
		n, err := strconv.Atoi(t)
		return n, err == nil
	}
	return 0, false
}

func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	}
	return fmt.Sprint(v)
}

// newRegion builds a Region from a GeoJSON feature: derives the identifier,
// computes the centroid and geohash, and prepares the s2 polygon used by Locate.
func newRegion(f *geojson.Feature, geohashPrecision int) (Region, error) {
	props, err := propertiesFromGeoJSON(f)
	if err != nil {
		return Region{}, err
	}
	if f.Geometry == nil {
		return Region{}, fmt.Errorf("region %d: missing geometry", props.ID)
	}

	r := Region{
		ID:         props.ID,
		Identifier: DeriveIdentifier(props),
		Geometry:   f.Geometry,
		Properties: props,
		polygon:    s2Shape(f.Geometry),
	}

	centroid, ok := geometryCentroid(f.Geometry)
	if !ok {
		return Region{}, fmt.Errorf("region %d: geometry %s has no vertices", props.ID, f.Geometry.GeoJSONType())
	}
	r.Centroid = centroid
	r.Geohash = geohash.EncodeWithPrecision(centroid.Lat.Degrees(), centroid.Lng.Degrees(), geohashPrecision)
	return r, nil
}

// s2Shape converts polygonal orb geometries into the s2.Polygon used for
// containment. Rings are normalized so they enclose the smaller area
// regardless of winding order; the first ring of each polygon is its shell,
// the rest are holes.
func s2Shape(g orb.Geometry) *s2.Polygon {
	var polys []orb.Polygon
	switch t := g.(type) {
	case orb.Polygon:
		polys = []orb.Polygon{t}
	case orb.MultiPolygon:
		polys = t
	case orb.Ring:
		polys = []orb.Polygon{{t}}
	case orb.Bound:
		polys = []orb.Polygon{t.ToPolygon()}
	default:
		return nil
	}

	var loops []*s2.Loop
	for _, poly := range polys {
		for _, ring := range poly {
			if l := s2Loop(ring); l != nil {
				loops = append(loops, l)
			}
		}
	}
	if len(loops) == 0 {
		return nil
	}
	return s2.PolygonFromLoops(loops)
}

func s2Loop(ring orb.Ring) *s2.Loop {
	pts := []orb.Point(ring)
	if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
		pts = pts[:len(pts)-1]
	}
	if len(pts) < 3 {
		return nil
	}
	vertices := make([]s2.Point, len(pts))
	for i, p := range pts {
		vertices[i] = s2.PointFromLatLng(s2.LatLngFromDegrees(p.Lat(), p.Lon()))
	}
	l := s2.LoopFromPoints(vertices)
	l.Normalize()
	return l
}

// geometryCentroid returns the mean of the geometry's vertices in degrees.
// Ring closing vertices are skipped so the first vertex is not counted twice.
func geometryCentroid(g orb.Geometry) (s2.LatLng, bool) {
	var lat, lng float64
	n := 0
	forEachVertex(g, func(p orb.Point) {
		lat += p.Lat()
		lng += p.Lon()
		n++
	})
	if n == 0 {
		return s2.LatLng{}, false
	}
	return s2.LatLngFromDegrees(lat/float64(n), lng/float64(n)), true
}

func forEachVertex(g orb.Geometry, fn func(orb.Point)) {
	switch t := g.(type) {
	case orb.Point:
		fn(t)
	case orb.MultiPoint:
		for _, p := range t {
			fn(p)
		}
	case orb.LineString:
		for _, p := range t {
			fn(p)
		}
	case orb.MultiLineString:
		for _, ls := range t {
			forEachVertex(ls, fn)
		}
	case orb.Ring:
		pts := []orb.Point(t)
		if len(pts) > 1 && pts[0] == pts[len(pts)-1] {
			pts = pts[:len(pts)-1]
		}
		for _, p := range pts {
			fn(p)
		}
	case orb.Polygon:
		for _, r := range t {
			forEachVertex(r, fn)
		}
	case orb.MultiPolygon:
		for _, p := range t {
			forEachVertex(p, fn)
		}
	case orb.Collection:
		for _, sub := range t {
			forEachVertex(sub, fn)
		}
	case orb.Bound:
		forEachVertex(t.ToPolygon(), fn)
	}
}

// identifierHasPrefix reports whether the identifier starts with prefix,
// ignoring case.
func identifierHasPrefix(identifier, prefix string) bool {
	return strings.HasPrefix(toUpper(identifier), toUpper(prefix))
}
