package opengeotiff

import "math"

// A Range is an inclusive range of cell values.
type Range struct {
	Min float64
	Max float64

	// IncludeNoData includes cells equal to the grid's nodata value when it
	// falls within the range. By default they are excluded.
	IncludeNoData bool
}

// Contains returns if v is in r.
func (r Range) Contains(v float64) bool {
	return r.Min <= v && v <= r.Max
}

// A BinaryMask is a grid of 0s and 1s.
type BinaryMask struct {
	Width  int
	Height int
	Cells  []uint8 // Row-major.
}

// At returns the value at (col, row).
func (m *BinaryMask) At(col, row int) uint8 {
	return m.Cells[row*m.Width+col]
}

// Count returns the number of 1s in m.
func (m *BinaryMask) Count() int {
	count := 0
	for _, cell := range m.Cells {
		count += int(cell)
	}
	return count
}

// MaskRange returns 1 for each value in [lo, hi] and 0 otherwise. NaNs are
// never in range.
func MaskRange(values []float64, lo, hi float64) []uint8 {
	r := Range{Min: lo, Max: hi}
	cells := make([]uint8, len(values))
	for i, v := range values {
		if r.Contains(v) {
			cells[i] = 1
		}
	}
	return cells
}

// Mask returns the binary mask of grid's cells in r.
func Mask(grid *RasterGrid, r Range) *BinaryMask {
	mask := &BinaryMask{
		Width:  grid.Width,
		Height: grid.Height,
		Cells:  MaskRange(grid.Values, r.Min, r.Max),
	}
	if grid.HasNoData && !r.IncludeNoData {
		isNaN := math.IsNaN(grid.NoData)
		for i, v := range grid.Values {
			if v == grid.NoData || isNaN && math.IsNaN(v) {
				mask.Cells[i] = 0
			}
		}
	}
	return mask
}
