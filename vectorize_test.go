package opengeotiff

import (
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

var identity = Affine{A: 1, E: 1}

func newTestMask(rows ...[]uint8) *BinaryMask {
	mask := &BinaryMask{
		Height: len(rows),
	}
	for _, row := range rows {
		mask.Width = len(row)
		mask.Cells = append(mask.Cells, row...)
	}
	return mask
}

func TestVectorize(t *testing.T) {
	for _, tc := range []struct {
		name     string
		mask     *BinaryMask
		expected []Feature
	}{
		{
			name: "two_regions",
			mask: newTestMask(
				[]uint8{0, 0, 1},
				[]uint8{1, 1, 0},
			),
			expected: []Feature{
				{
					Geometry: orb.Polygon{{{2, 0}, {3, 0}, {3, 1}, {2, 1}, {2, 0}}},
					Value:    1,
				},
				{
					Geometry: orb.Polygon{{{0, 1}, {2, 1}, {2, 2}, {0, 2}, {0, 1}}},
					Value:    1,
				},
			},
		},
		{
			name: "collinear",
			mask: newTestMask(
				[]uint8{1, 1},
			),
			expected: []Feature{
				{
					Geometry: orb.Polygon{{{0, 0}, {2, 0}, {2, 1}, {0, 1}, {0, 0}}},
					Value:    1,
				},
			},
		},
		{
			name: "diagonal",
			mask: newTestMask(
				[]uint8{1, 0},
				[]uint8{0, 1},
			),
			expected: []Feature{
				{
					Geometry: orb.Polygon{{{0, 0}, {1, 0}, {1, 1}, {0, 1}, {0, 0}}},
					Value:    1,
				},
				{
					Geometry: orb.Polygon{{{1, 1}, {2, 1}, {2, 2}, {1, 2}, {1, 1}}},
					Value:    1,
				},
			},
		},
		{
			name: "hole",
			mask: newTestMask(
				[]uint8{1, 1, 1},
				[]uint8{1, 0, 1},
				[]uint8{1, 1, 1},
			),
			expected: []Feature{
				{
					Geometry: orb.Polygon{
						{{0, 0}, {3, 0}, {3, 3}, {0, 3}, {0, 0}},
						{{2, 1}, {1, 1}, {1, 2}, {2, 2}, {2, 1}},
					},
					Value: 1,
				},
			},
		},
		{
			name: "all_zeros",
			mask: newTestMask(
				[]uint8{0, 0},
				[]uint8{0, 0},
			),
			expected: []Feature{},
		},
		{
			name:     "empty",
			mask:     &BinaryMask{},
			expected: []Feature{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fc := Vectorize(tc.mask, identity, CRS{EPSG: 32633})
			assert.Equal(t, tc.expected, fc.Features)
			assert.Equal(t, CRS{EPSG: 32633}, fc.CRS)
		})
	}
}

// assertSimpleRings asserts that every ring of polygon is closed and visits
// each of its vertices once.
func assertSimpleRings(t *testing.T, polygon orb.Polygon) {
	t.Helper()
	for _, ring := range polygon {
		assert.True(t, ring.Closed())
		seen := make(map[orb.Point]bool)
		for _, point := range ring[:len(ring)-1] {
			assert.False(t, seen[point], "repeated vertex %v in %v", point, ring)
			seen[point] = true
		}
	}
}

func TestVectorize_Pinch(t *testing.T) {
	mask := newTestMask(
		[]uint8{1, 1, 1},
		[]uint8{1, 0, 1},
		[]uint8{1, 1, 0},
	)
	fc := Vectorize(mask, identity, CRS{})
	assert.Equal(t, []Feature{
		{
			Geometry: orb.Polygon{
				{{0, 0}, {3, 0}, {3, 2}, {2, 2}, {2, 3}, {0, 3}, {0, 0}},
				{{2, 2}, {2, 1}, {1, 1}, {1, 2}, {2, 2}},
			},
			Value: 1,
		},
	}, fc.Features)
	assert.Equal(t, 7.0, planar.Area(fc.Features[0].Geometry))
}

func TestVectorize_TouchingHoles(t *testing.T) {
	for _, tc := range []struct {
		name          string
		mask          *BinaryMask
		expectedRings int
	}{
		{
			name: "hole_touches_outside",
			mask: newTestMask(
				[]uint8{1, 1, 1, 1},
				[]uint8{1, 0, 0, 1},
				[]uint8{1, 0, 1, 1},
				[]uint8{1, 1, 0, 0},
			),
			expectedRings: 2,
		},
		{
			name: "large_hole_touches_outside",
			mask: newTestMask(
				[]uint8{1, 1, 1, 1, 1},
				[]uint8{1, 0, 0, 0, 1},
				[]uint8{1, 0, 0, 0, 1},
				[]uint8{1, 0, 0, 0, 1},
				[]uint8{1, 1, 1, 1, 0},
			),
			expectedRings: 2,
		},
		{
			name: "holes_touch_each_other",
			mask: newTestMask(
				[]uint8{1, 1, 1, 1, 1},
				[]uint8{1, 0, 1, 0, 1},
				[]uint8{1, 1, 0, 1, 1},
				[]uint8{1, 1, 1, 1, 1},
			),
			expectedRings: 4,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fc := Vectorize(tc.mask, identity, CRS{})
			assert.Equal(t, 1, len(fc.Features))
			polygon, ok := fc.Features[0].Geometry.(orb.Polygon)
			assert.True(t, ok)
			assert.Equal(t, tc.expectedRings, len(polygon))
			assertSimpleRings(t, polygon)
			assert.Equal(t, orb.CCW, polygon[0].Orientation())
			for _, hole := range polygon[1:] {
				assert.Equal(t, orb.CW, hole.Orientation())
			}
			assert.Equal(t, float64(tc.mask.Count()), planar.Area(polygon))
		})
	}
}

func TestVectorize_Area(t *testing.T) {
	mask := newTestMask(
		[]uint8{1, 1, 0, 1, 1},
		[]uint8{1, 0, 0, 0, 1},
		[]uint8{1, 1, 1, 1, 1},
		[]uint8{0, 0, 0, 0, 0},
		[]uint8{1, 0, 1, 1, 0},
	)
	fc := Vectorize(mask, identity, CRS{})
	assert.Equal(t, 3, len(fc.Features))
	total := 0.0
	for _, feature := range fc.Features {
		total += planar.Area(feature.Geometry)
	}
	assert.Equal(t, float64(mask.Count()), total)
}

func TestVectorize_WorldCoordinates(t *testing.T) {
	transform := Affine{A: 10, C: 100, E: -10, F: 200}
	mask := newTestMask(
		[]uint8{1},
	)
	fc := Vectorize(mask, transform, CRS{EPSG: 3857})
	assert.Equal(t, []Feature{
		{
			Geometry: orb.Polygon{{{100, 200}, {100, 190}, {110, 190}, {110, 200}, {100, 200}}},
			Value:    1,
		},
	}, fc.Features)
	assert.Equal(t, orb.CCW, fc.Features[0].Geometry.(orb.Polygon)[0].Orientation())
	assert.Equal(t, orb.Bound{Min: orb.Point{100, 190}, Max: orb.Point{110, 200}}, fc.Bound())
}

func TestShapes_Break(t *testing.T) {
	mask := newTestMask(
		[]uint8{1, 0, 1, 0, 1},
	)
	count := 0
	for range Shapes(mask, identity) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}
