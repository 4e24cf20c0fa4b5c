package postalregion

import (
	"bytes"
	"compress/bzip2"
	"context"
	"embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/paulmach/orb/geojson"
)

// The bundled dataset: data/regions.geojson and data/postal_code_to_region.json.
//
//go:embed data
var bundledData embed.FS

// Default locations of the bundled dataset. FileSource resolves them against
// the working directory first and the embedded copy second.
const (
	DefaultRegionsPath = "data/regions.geojson"
	DefaultMappingPath = "data/postal_code_to_region.json"
)

var (
	// ErrBadStatus is returned by URLSource when the server answers with a
	// non-200 status.
	ErrBadStatus = errors.New("unexpected HTTP status")
	// ErrNotFeatureCollection is returned when the region payload is not a
	// GeoJSON FeatureCollection.
	ErrNotFeatureCollection = errors.New("region source is not a GeoJSON FeatureCollection")
)

// Source is one of the two datasets the index is built from.
type Source interface {
	// Open returns the raw payload. The caller closes it.
	Open(ctx context.Context) (io.ReadCloser, error)
	String() string
}

// FileSource reads a dataset from disk, falling back to the copy bundled
// with the package. A sibling "<path>.bz2" takes precedence and is
// decompressed on the fly.
type FileSource string

func (f FileSource) String() string { return string(f) }

// Open implements Source.
func (f FileSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := string(f)
	if fh, err := openOptionallyBundledFile(p + ".bz2"); err == nil {
		return readCloser{Reader: bzip2.NewReader(fh), close: fh.Close}, nil
	}
	fh, err := openOptionallyBundledFile(p)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", p, err)
	}
	return fh, nil
}

// openOptionallyBundledFile prefers the filesystem so a freshly generated
// dataset overrides the bundled one.
func openOptionallyBundledFile(p string) (fs.File, error) {
	if fh, err := os.Open(p); err == nil {
		return fh, nil
	}
	return bundledData.Open(path.Clean(p))
}

type readCloser struct {
	io.Reader
	close func() error
}

func (r readCloser) Close() error { return r.close() }

// defaultHTTPClient is shared by URL sources that are not given a client.
var defaultHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// URLSource fetches a dataset over HTTP.
type URLSource struct {
	URL    string
	Client *http.Client // nil uses a client with a 30s timeout
}

func (u URLSource) String() string { return u.URL }

// Open implements Source.
func (u URLSource) Open(ctx context.Context) (io.ReadCloser, error) {
	client := u.Client
	if client == nil {
		client = defaultHTTPClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", u.URL, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP GET %s: %w", u.URL, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("HTTP GET %s: %w %d", u.URL, ErrBadStatus, resp.StatusCode)
	}
	return resp.Body, nil
}

// BytesSource serves an in-memory payload.
type BytesSource struct {
	Name string
	Data []byte
}

func (b BytesSource) String() string { return b.Name }

// Open implements Source.
func (b BytesSource) Open(ctx context.Context) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(b.Data)), nil
}

// readAll opens a source and reads it fully, closing it afterwards.
func readAll(ctx context.Context, src Source) ([]byte, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	b, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", src, err)
	}
	return b, nil
}

// loadRegions fetches and decodes the region source, building regions in
// source order.
func loadRegions(ctx context.Context, src Source, geohashPrecision int) ([]Region, error) {
	b, err := readAll(ctx, src)
	if err != nil {
		return nil, err
	}
	return decodeRegions(b, geohashPrecision)
}

const typeFeatureCollection = "FeatureCollection"

func decodeRegions(b []byte, geohashPrecision int) ([]Region, error) {
	// orb rejects other GeoJSON types with an error of its own, so check the
	// top-level type first.
	if t := json.Get(b, "type"); t.ValueType() == jsoniter.StringValue && t.ToString() != typeFeatureCollection {
		return nil, fmt.Errorf("decoding regions: %w (type %q)", ErrNotFeatureCollection, t.ToString())
	}
	fc, err := geojson.UnmarshalFeatureCollection(b)
	if err != nil {
		return nil, fmt.Errorf("decoding regions: %w", err)
	}

	regions := make([]Region, 0, len(fc.Features))
	for i, f := range fc.Features {
		r, err := newRegion(f, geohashPrecision)
		if err != nil {
			return nil, fmt.Errorf("decoding regions: feature %d: %w", i, err)
		}
		regions = append(regions, r)
	}
	return regions, nil
}

// loadMapping fetches and decodes the postal-code mapping source.
func loadMapping(ctx context.Context, src Source) (*Mapping, error) {
	rc, err := src.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	m, err := ReadMapping(rc)
	if err != nil {
		return nil, fmt.Errorf("decoding mapping %s: %w", src, err)
	}
	return m, nil
}
