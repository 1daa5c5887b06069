package opengeotiff

import (
	"context"
	"math"

	"github.com/paulmach/orb"
)

// An Affine maps grid coordinates (column, row) to world coordinates:
//
//	x = A*col + B*row + C
//	y = D*col + E*row + F
type Affine struct {
	A, B, C float64
	D, E, F float64
}

// Apply returns the world coordinate of grid coordinate (col, row).
func (a Affine) Apply(col, row float64) orb.Point {
	return orb.Point{
		a.A*col + a.B*row + a.C,
		a.D*col + a.E*row + a.F,
	}
}

// Invert returns the grid coordinate of world coordinate p. It returns false
// if a is not invertible.
func (a Affine) Invert(p orb.Point) (float64, float64, bool) {
	det := a.A*a.E - a.B*a.D
	if det == 0 {
		return math.NaN(), math.NaN(), false
	}
	x, y := p[0]-a.C, p[1]-a.F
	return (a.E*x - a.B*y) / det, (-a.D*x + a.A*y) / det, true
}

// Translate returns a with its origin moved to grid coordinate (col, row).
func (a Affine) Translate(col, row int) Affine {
	origin := a.Apply(float64(col), float64(row))
	a.C, a.F = origin[0], origin[1]
	return a
}

// A Window is a rectangular region of a raster, in cells.
type Window struct {
	Col    int
	Row    int
	Width  int
	Height int
}

// Empty returns if w contains no cells.
func (w Window) Empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

// Intersect returns the intersection of w and other.
func (w Window) Intersect(other Window) Window {
	col0, row0 := max(w.Col, other.Col), max(w.Row, other.Row)
	col1 := min(w.Col+w.Width, other.Col+other.Width)
	row1 := min(w.Row+w.Height, other.Row+other.Height)
	if col1 <= col0 || row1 <= row0 {
		return Window{}
	}
	return Window{Col: col0, Row: row0, Width: col1 - col0, Height: row1 - row0}
}

// A RasterGrid is a single band of cell values with its georeferencing.
type RasterGrid struct {
	Width     int
	Height    int
	Values    []float64 // Row-major.
	Transform Affine
	CRS       CRS
	NoData    float64
	HasNoData bool
}

// At returns the value at (col, row).
func (g *RasterGrid) At(col, row int) float64 {
	return g.Values[row*g.Width+col]
}

// Empty returns if g contains no cells.
func (g *RasterGrid) Empty() bool {
	return g.Width == 0 || g.Height == 0
}

// A Raster is an open single-band raster.
type Raster interface {
	Size() (int, int)
	Transform() Affine
	CRS() CRS
	NoData() (float64, bool)
	ReadWindow(ctx context.Context, window Window) ([]float64, error)
}
