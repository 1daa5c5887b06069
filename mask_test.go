package opengeotiff

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/alecthomas/assert/v2"
)

func TestMaskRange(t *testing.T) {
	for _, tc := range []struct {
		name     string
		values   []float64
		lo       float64
		hi       float64
		expected []uint8
	}{
		{
			name:     "scenario",
			values:   []float64{5, 15, 25, 35, 45, 55},
			lo:       20,
			hi:       45,
			expected: []uint8{0, 0, 1, 1, 1, 0},
		},
		{
			name:     "inclusive_bounds",
			values:   []float64{0.999, 1, 2, 3, 3.001},
			lo:       1,
			hi:       3,
			expected: []uint8{0, 1, 1, 1, 0},
		},
		{
			name:     "degenerate_range",
			values:   []float64{1, 2, 3},
			lo:       2,
			hi:       2,
			expected: []uint8{0, 1, 0},
		},
		{
			name:     "nan_and_infinities",
			values:   []float64{math.NaN(), math.Inf(1), math.Inf(-1), 0},
			lo:       math.Inf(-1),
			hi:       math.Inf(1),
			expected: []uint8{0, 1, 1, 1},
		},
		{
			name:     "empty",
			values:   []float64{},
			expected: []uint8{},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, MaskRange(tc.values, tc.lo, tc.hi))
		})
	}
}

func TestRange_Contains(t *testing.T) {
	r := Range{Min: 20, Max: 45}
	assert.True(t, r.Contains(20))
	assert.True(t, r.Contains(45))
	assert.True(t, r.Contains(30))
	assert.False(t, r.Contains(19.999))
	assert.False(t, r.Contains(45.001))
	assert.False(t, r.Contains(math.NaN()))
	assert.False(t, Range{Min: 1, Max: 0}.Contains(0.5))
}

func TestMaskRange_Random(t *testing.T) {
	r := rand.New(rand.NewPCG(0, 0))
	for range 256 {
		values := make([]float64, r.IntN(64))
		for i := range values {
			values[i] = float64(r.IntN(21) - 10)
		}
		lo := float64(r.IntN(21) - 10)
		hi := lo + float64(r.IntN(10))
		cells := MaskRange(values, lo, hi)
		assert.Equal(t, len(values), len(cells))
		for i, v := range values {
			if lo <= v && v <= hi {
				assert.Equal(t, uint8(1), cells[i])
			} else {
				assert.Equal(t, uint8(0), cells[i])
			}
		}
	}
}

func TestMask_NoData(t *testing.T) {
	grid := &RasterGrid{
		Width:     3,
		Height:    2,
		Values:    []float64{-1, 0, 1, 2, -1, math.NaN()},
		NoData:    -1,
		HasNoData: true,
	}

	mask := Mask(grid, Range{Min: -1, Max: 1})
	assert.Equal(t, &BinaryMask{Width: 3, Height: 2, Cells: []uint8{0, 1, 1, 0, 0, 0}}, mask)
	assert.Equal(t, 2, mask.Count())

	mask = Mask(grid, Range{Min: -1, Max: 1, IncludeNoData: true})
	assert.Equal(t, []uint8{1, 1, 1, 0, 1, 0}, mask.Cells)
	assert.Equal(t, uint8(1), mask.At(1, 1))

	grid.HasNoData = false
	mask = Mask(grid, Range{Min: -1, Max: 1})
	assert.Equal(t, []uint8{1, 1, 1, 0, 1, 0}, mask.Cells)
}
