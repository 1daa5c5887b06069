package opengeotiff

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/paulmach/orb"
)

func TestParseCRS(t *testing.T) {
	for _, tc := range []struct {
		s           string
		expected    CRS
		expectedErr bool
	}{
		{s: "EPSG:3035", expected: CRS{EPSG: 3035}},
		{s: "epsg:4326", expected: CRS{EPSG: 4326}},
		{s: "urn:ogc:def:crs:EPSG::32633", expected: CRS{EPSG: 32633}},
		{s: "urn:ogc:def:crs:OGC:1.3:CRS84", expected: CRS84},
		{s: " OGC:CRS84 ", expected: CRS84},
		{s: etrsLAEAWKT, expected: CRS{WKT: etrsLAEAWKT}},
		{s: "", expectedErr: true},
	} {
		t.Run(tc.s, func(t *testing.T) {
			actual, err := ParseCRS(tc.s)
			if tc.expectedErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, actual)
			}
		})
	}
}

func TestLoadBoundary(t *testing.T) {
	square := orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}}
	other := orb.Polygon{{{2, 2}, {3, 2}, {3, 3}, {2, 3}, {2, 2}}}

	for _, tc := range []struct {
		name        string
		content     string
		crsOverride CRS
		expected    *Boundary
	}{
		{
			name:    "geometry.geojson",
			content: `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`,
			expected: &Boundary{
				Polygons: orb.MultiPolygon{square},
				CRS:      CRS84,
			},
		},
		{
			name:    "feature.geojson",
			content: `{"type":"Feature","properties":{},"geometry":{"type":"MultiPolygon","coordinates":[[[[0,0],[1,0],[1,1],[0,1],[0,0]]],[[[2,2],[3,2],[3,3],[2,3],[2,2]]]]}}`,
			expected: &Boundary{
				Polygons: orb.MultiPolygon{square, other},
				CRS:      CRS84,
			},
		},
		{
			name: "collection.geojson",
			content: `{
  "type": "FeatureCollection",
  "crs": {"type": "name", "properties": {"name": "urn:ogc:def:crs:EPSG::3035"}},
  "features": [
    {"type": "Feature", "properties": {}, "geometry": {"type": "Point", "coordinates": [5, 5]}},
    {"type": "Feature", "properties": {}, "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,1],[0,0]]]}},
    {"type": "Feature", "properties": {}, "geometry": {"type": "GeometryCollection", "geometries": [{"type": "Polygon", "coordinates": [[[2,2],[3,2],[3,3],[2,3],[2,2]]]}]}}
  ]
}`,
			expected: &Boundary{
				Polygons: orb.MultiPolygon{square, other},
				CRS:      CRS{EPSG: 3035},
			},
		},
		{
			name:        "override.json",
			content:     `{"type":"Polygon","coordinates":[[[0,0],[1,0],[1,1],[0,1],[0,0]]]}`,
			crsOverride: CRS{EPSG: 32633},
			expected: &Boundary{
				Polygons: orb.MultiPolygon{square},
				CRS:      CRS{EPSG: 32633},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			boundary, err := LoadBoundary(context.Background(), writeTestFile(t, tc.name, tc.content), tc.crsOverride)
			assert.NoError(t, err)
			assert.Equal(t, tc.expected, boundary)
		})
	}
}

func TestLoadBoundary_GeoPackage(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "clip.gpkg")
	polygons := orb.MultiPolygon{
		{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}},
		{{{2, 2}, {3, 2}, {3, 3}, {2, 3}, {2, 2}}},
	}
	assert.NoError(t, WriteGeoPackage(ctx, path, "clip", &FeatureCollection{
		Features: []Feature{
			{Geometry: polygons[0]},
			{Geometry: polygons[1]},
		},
		CRS: CRS{EPSG: 3857},
	}))

	boundary, err := LoadBoundary(ctx, path, CRS{})
	assert.NoError(t, err)
	assert.Equal(t, &Boundary{Polygons: polygons, CRS: CRS{EPSG: 3857}}, boundary)
}

func TestLoadBoundary_Errors(t *testing.T) {
	for _, tc := range []struct {
		name  string
		path  func(t *testing.T) string
		isErr error
	}{
		{
			name: "missing",
			path: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "missing.geojson")
			},
		},
		{
			name: "invalid_json",
			path: func(t *testing.T) string {
				return writeTestFile(t, "invalid.geojson", "{")
			},
		},
		{
			name: "no_polygons",
			path: func(t *testing.T) string {
				return writeTestFile(t, "points.geojson", `{"type":"Point","coordinates":[0,0]}`)
			},
			isErr: errNoPolygons,
		},
		{
			name: "not_a_geopackage",
			path: func(t *testing.T) string {
				return writeTestFile(t, "clip.gpkg", "not a database")
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := tc.path(t)
			_, err := LoadBoundary(context.Background(), path, CRS{})
			var openError *OpenError
			assert.True(t, errors.As(err, &openError))
			assert.Equal(t, path, openError.Path)
			if tc.isErr != nil {
				assert.IsError(t, err, tc.isErr)
			}
		})
	}
}
