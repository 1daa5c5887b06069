package opengeotiff

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// A Boundary is a clip geometry with its CRS.
type Boundary struct {
	Polygons orb.MultiPolygon
	CRS      CRS
}

var epsgCodeRx = regexp.MustCompile(`(?i)EPSG:{1,2}(\d+)$`)

// ParseCRS parses a CRS from an authority string such as "EPSG:3035" or
// "urn:ogc:def:crs:EPSG::3035", or from a WKT definition.
func ParseCRS(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return CRS{}, errUnknownCRS
	case strings.EqualFold(s, "urn:ogc:def:crs:OGC:1.3:CRS84"), strings.EqualFold(s, "OGC:CRS84"):
		return CRS84, nil
	case epsgCodeRx.MatchString(s):
		code, err := strconv.Atoi(epsgCodeRx.FindStringSubmatch(s)[1])
		if err != nil {
			return CRS{}, err
		}
		return CRS{EPSG: code}, nil
	default:
		return CRS{WKT: s}, nil
	}
}

// LoadBoundary loads the polygons in the GeoJSON or GeoPackage file at path.
// If crsOverride is not zero then it replaces the CRS declared by the file.
func LoadBoundary(ctx context.Context, path string, crsOverride CRS) (*Boundary, error) {
	var boundary *Boundary
	var err error
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".gpkg":
		boundary, err = loadGeoPackageBoundary(ctx, path)
	default:
		boundary, err = loadGeoJSONBoundary(path)
	}
	if err != nil {
		return nil, &OpenError{Path: path, Err: err}
	}
	if len(boundary.Polygons) == 0 {
		return nil, &OpenError{Path: path, Err: errNoPolygons}
	}
	if !crsOverride.IsZero() {
		boundary.CRS = crsOverride
	}
	loggerFromContext(ctx).Debug("loaded boundary", "path", path, "polygons", len(boundary.Polygons), "crs", boundary.CRS.String())
	return boundary, nil
}

func loadGeoPackageBoundary(ctx context.Context, path string) (*Boundary, error) {
	featureCollection, err := ReadGeoPackage(ctx, path)
	if err != nil {
		return nil, err
	}
	boundary := &Boundary{
		CRS: featureCollection.CRS,
	}
	for _, feature := range featureCollection.Features {
		boundary.Polygons = appendPolygons(boundary.Polygons, feature.Geometry)
	}
	return boundary, nil
}

func loadGeoJSONBoundary(path string) (*Boundary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// The crs member was removed from GeoJSON by RFC 7946 but is still written
	// by many tools.
	var crsMember struct {
		CRS *struct {
			Properties struct {
				Name string `json:"name"`
			} `json:"properties"`
		} `json:"crs"`
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &crsMember); err != nil {
		return nil, err
	}
	boundary := &Boundary{
		CRS: CRS84,
	}
	if crsMember.CRS != nil {
		boundary.CRS, err = ParseCRS(crsMember.CRS.Properties.Name)
		if err != nil {
			return nil, fmt.Errorf("crs %q: %w", crsMember.CRS.Properties.Name, err)
		}
	}

	switch crsMember.Type {
	case "FeatureCollection":
		featureCollection, err := geojson.UnmarshalFeatureCollection(data)
		if err != nil {
			return nil, err
		}
		for _, feature := range featureCollection.Features {
			boundary.Polygons = appendPolygons(boundary.Polygons, feature.Geometry)
		}
	case "Feature":
		feature, err := geojson.UnmarshalFeature(data)
		if err != nil {
			return nil, err
		}
		boundary.Polygons = appendPolygons(boundary.Polygons, feature.Geometry)
	default:
		geometry, err := geojson.UnmarshalGeometry(data)
		if err != nil {
			return nil, err
		}
		boundary.Polygons = appendPolygons(boundary.Polygons, geometry.Geometry())
	}
	return boundary, nil
}

// appendPolygons appends the polygons in g to polygons, ignoring other
// geometry types.
func appendPolygons(polygons orb.MultiPolygon, g orb.Geometry) orb.MultiPolygon {
	switch g := g.(type) {
	case orb.Polygon:
		return append(polygons, g)
	case orb.MultiPolygon:
		return append(polygons, g...)
	case orb.Collection:
		for _, g := range g {
			polygons = appendPolygons(polygons, g)
		}
	}
	return polygons
}
