package opengeotiff

import (
	"context"
	"math"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Clip returns the cells of raster's first band covered by boundary. The
// boundary is reprojected into raster's CRS, the result is cropped to the
// boundary's bounds and cells whose centres lie outside the boundary are set
// to the raster's nodata value, or NaN if the raster has none.
//
// If the boundary does not overlap the raster then Clip returns an empty grid
// and no error.
func Clip(ctx context.Context, raster Raster, boundary *Boundary, reprojector *Reprojector) (*RasterGrid, error) {
	logger := loggerFromContext(ctx)

	projected, err := reprojector.Reproject(ctx, boundary.Polygons, boundary.CRS, raster.CRS())
	if err != nil {
		return nil, err
	}
	polygons := projected.(orb.MultiPolygon)

	transform := raster.Transform()
	noData, hasNoData := raster.NoData()
	grid := &RasterGrid{
		Transform: transform,
		CRS:       raster.CRS(),
		NoData:    noData,
		HasNoData: hasNoData,
	}

	window, ok := boundsWindow(polygons.Bound(), transform)
	width, height := raster.Size()
	window = window.Intersect(Window{Width: width, Height: height})
	if !ok || window.Empty() {
		logger.Warn("clip boundary does not overlap raster")
		return grid, nil
	}

	values, err := raster.ReadWindow(ctx, window)
	if err != nil {
		return nil, err
	}

	fill := math.NaN()
	if hasNoData {
		fill = noData
	}
	var inside []bool
	if transform.B == 0 && transform.D == 0 {
		inside = scanPolygons(polygons, transform, window)
	} else {
		inside = make([]bool, len(values))
		bound := polygons.Bound()
		for row := range window.Height {
			for col := range window.Width {
				center := transform.Apply(float64(window.Col+col)+0.5, float64(window.Row+row)+0.5)
				inside[row*window.Width+col] = bound.Contains(center) && planar.MultiPolygonContains(polygons, center)
			}
		}
	}
	for i, in := range inside {
		if !in {
			values[i] = fill
		}
	}

	grid.Width = window.Width
	grid.Height = window.Height
	grid.Values = values
	grid.Transform = transform.Translate(window.Col, window.Row)
	logger.Debug("clipped raster", "col", window.Col, "row", window.Row, "width", window.Width, "height", window.Height)
	return grid, nil
}

// boundsWindow returns the smallest window of cells that covers bound.
func boundsWindow(bound orb.Bound, transform Affine) (Window, bool) {
	minCol, minRow := math.Inf(1), math.Inf(1)
	maxCol, maxRow := math.Inf(-1), math.Inf(-1)
	for _, corner := range []orb.Point{
		bound.Min,
		{bound.Max[0], bound.Min[1]},
		bound.Max,
		{bound.Min[0], bound.Max[1]},
	} {
		col, row, ok := transform.Invert(corner)
		if !ok || math.IsNaN(col) || math.IsNaN(row) || math.IsInf(col, 0) || math.IsInf(row, 0) {
			return Window{}, false
		}
		minCol, maxCol = min(minCol, col), max(maxCol, col)
		minRow, maxRow = min(minRow, row), max(maxRow, row)
	}
	const maxInt32 = math.MaxInt32
	minCol, minRow = max(math.Floor(minCol), -maxInt32), max(math.Floor(minRow), -maxInt32)
	maxCol, maxRow = min(math.Ceil(maxCol), maxInt32), min(math.Ceil(maxRow), maxInt32)
	return Window{
		Col:    int(minCol),
		Row:    int(minRow),
		Width:  int(maxCol - minCol),
		Height: int(maxRow - minRow),
	}, true
}

// scanPolygons returns which cells of window have their centres inside
// polygons, found by intersecting each row of centres with the polygons'
// edges. Each polygon is filled with the even-odd rule and the polygons are
// combined. transform must not be rotated.
func scanPolygons(polygons orb.MultiPolygon, transform Affine, window Window) []bool {
	inside := make([]bool, window.Width*window.Height)
	var xs []float64
	for row := range window.Height {
		y := transform.E*(float64(window.Row+row)+0.5) + transform.F
		for _, polygon := range polygons {
			xs = xs[:0]
			for _, ring := range polygon {
				for i, p := range ring {
					q := ring[(i+1)%len(ring)]
					if (p[1] > y) != (q[1] > y) {
						xs = append(xs, p[0]+(y-p[1])*(q[0]-p[0])/(q[1]-p[1]))
					}
				}
			}
			slices.Sort(xs)
			for i := 0; i+1 < len(xs); i += 2 {
				col0 := (xs[i]-transform.C)/transform.A - 0.5
				col1 := (xs[i+1]-transform.C)/transform.A - 0.5
				if col0 > col1 {
					col0, col1 = col1, col0
				}
				start := min(max(math.Ceil(col0)-float64(window.Col), 0), float64(window.Width))
				end := max(min(math.Floor(col1)-float64(window.Col), float64(window.Width-1)), -1)
				for col := int(start); col <= int(end); col++ {
					inside[row*window.Width+col] = true
				}
			}
		}
	}
	return inside
}
