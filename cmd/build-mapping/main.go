// Command build-mapping generates the region dataset consumed by postalregion.
//
// Usage:
//
//	go run ./cmd/build-mapping -centers timo_centers.csv -postal PL.txt
//
// It reads region centers (CSV) and, optionally, a GeoNames postal code dump,
// and writes a postal code mapping plus a Point GeoJSON of the centers.
// Flags default to POSTALREGION_* environment variables, which may also be
// set in a .env file. With -validate the written files are loaded back into
// an index and checked.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/cargoscout/postalregion"
)

type config struct {
	centersPath string
	postalPath  string
	regionsPath string // polygon regions used to assign postal points; defaults to the centers
	outPath     string
	geojsonPath string
	validate    bool
	minRegions  int
}

func loadConfig(args []string) (*config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &config{}
	fs := flag.NewFlagSet("build-mapping", flag.ContinueOnError)
	fs.StringVar(&cfg.centersPath, "centers", getEnv("POSTALREGION_CENTERS", "timo_centers.csv"), "region centers CSV")
	fs.StringVar(&cfg.postalPath, "postal", getEnv("POSTALREGION_POSTAL", ""), "GeoNames postal code dump (optional)")
	fs.StringVar(&cfg.regionsPath, "regions", getEnv("POSTALREGION_REGIONS", ""), "region GeoJSON to assign postal codes to (optional)")
	fs.StringVar(&cfg.outPath, "out", getEnv("POSTALREGION_MAPPING_OUT", postalregion.DefaultMappingPath), "mapping JSON output")
	fs.StringVar(&cfg.geojsonPath, "geojson", getEnv("POSTALREGION_GEOJSON_OUT", ""), "centers GeoJSON output (optional)")
	fs.BoolVar(&cfg.validate, "validate", getEnvBool("POSTALREGION_VALIDATE", false), "load the outputs and validate them")
	fs.IntVar(&cfg.minRegions, "min-regions", getEnvInt("POSTALREGION_MIN_REGIONS", 1), "minimum region count for -validate")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}

func main() {
	cfg, err := loadConfig(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if err := run(context.Background(), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config) error {
	fmt.Printf("Reading centers from %s...\n", cfg.centersPath)
	centers, err := readCenters(cfg.centersPath)
	if err != nil {
		return err
	}
	fmt.Printf("      %d centers\n", len(centers))

	mapping := postalregion.BuildMapping(centers)
	fmt.Printf("      %d codes from center postal codes\n", mapping.Len())

	fc := postalregion.CentersToFeatureCollection(centers)
	geojsonBytes, err := fc.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encoding centers GeoJSON: %w", err)
	}

	if cfg.postalPath != "" {
		regions, err := assignmentRegions(cfg.regionsPath, geojsonBytes)
		if err != nil {
			return err
		}
		assigned, err := assignPostalCodes(cfg.postalPath, regions)
		if err != nil {
			return err
		}
		before := mapping.Len()
		mapping.Merge(assigned)
		fmt.Printf("      %d codes from postal points (%d new)\n", assigned.Len(), mapping.Len()-before)
	}

	if err := writeMapping(cfg.outPath, mapping); err != nil {
		return err
	}
	fmt.Printf("Wrote %d codes to %s\n", mapping.Len(), cfg.outPath)

	if cfg.geojsonPath != "" {
		if err := os.WriteFile(cfg.geojsonPath, geojsonBytes, 0644); err != nil {
			return fmt.Errorf("writing %s: %w", cfg.geojsonPath, err)
		}
		fmt.Printf("Wrote %d centers to %s\n", len(centers), cfg.geojsonPath)
	}

	if !cfg.validate {
		return nil
	}

	fmt.Println("Validating...")
	var regionSrc postalregion.Source = postalregion.BytesSource{Name: "centers", Data: geojsonBytes}
	if cfg.regionsPath != "" {
		regionSrc = postalregion.FileSource(cfg.regionsPath)
	}
	ix := postalregion.New(postalregion.WithLogger(slog.New(slog.NewTextHandler(os.Stderr, nil))))
	if !ix.Initialize(ctx, regionSrc, postalregion.FileSource(cfg.outPath)) {
		return fmt.Errorf("loading %s failed", cfg.outPath)
	}
	opts := postalregion.ValidationOptions{
		MinRegions:     cfg.minRegions,
		MinPostalCodes: 1,
		Out:            os.Stdout,
	}
	// Region ids from a separate GeoJSON need not match the centers.
	if cfg.regionsPath == "" {
		opts.KnownCodes = knownCodes(centers)
	}
	return postalregion.Validate(ix, opts)
}

func readCenters(path string) ([]postalregion.Center, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return postalregion.ReadCenters(f)
}

func assignmentRegions(regionsPath string, centersGeoJSON []byte) ([]postalregion.Region, error) {
	if regionsPath == "" {
		return postalregion.ReadRegions(bytes.NewReader(centersGeoJSON))
	}
	f, err := os.Open(regionsPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return postalregion.ReadRegions(f)
}

func assignPostalCodes(path string, regions []postalregion.Region) (*postalregion.Mapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	points, skipped, err := postalregion.ReadPostalPoints(f)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		fmt.Printf("      skipped %d malformed postal rows\n", skipped)
	}
	return postalregion.AssignPostalCodes(points, regions), nil
}

func writeMapping(path string, m *postalregion.Mapping) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := m.WriteJSON(f); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	// Explicitly close to catch flush errors
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", path, err)
	}
	return nil
}

// knownCodes checks that every center's own canonical code resolves to a
// region with the center's identifier, for the first center of each code.
func knownCodes(centers []postalregion.Center) []postalregion.KnownCode {
	seen := make(map[string]bool)
	var codes []postalregion.KnownCode
	for _, c := range centers {
		if c.Country == "" || c.PostalCode == "" {
			continue
		}
		code := postalregion.CanonicalPostalCode(c.Country + c.PostalCode)
		if len(code) != 4 || seen[code] {
			continue
		}
		seen[code] = true
		want := postalregion.DeriveIdentifier(postalregion.Properties{
			ID:         c.ID,
			Country:    c.Country,
			PostalCode: c.PostalCode,
		})
		codes = append(codes, postalregion.KnownCode{Query: code, WantIdentifier: want})
	}
	return codes
}
