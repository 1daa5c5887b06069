package opengeotiff

import (
	"iter"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// A Feature is a polygon traced from a region of a BinaryMask.
type Feature struct {
	Geometry orb.Geometry // orb.Polygon or orb.MultiPolygon.
	Value    int
}

// A FeatureCollection is a sequence of features sharing a CRS.
type FeatureCollection struct {
	Features []Feature
	CRS      CRS
}

// Bound returns the bound of all features in fc.
func (fc *FeatureCollection) Bound() orb.Bound {
	if len(fc.Features) == 0 {
		return orb.Bound{}
	}
	bound := fc.Features[0].Geometry.Bound()
	for _, feature := range fc.Features[1:] {
		bound = bound.Union(feature.Geometry.Bound())
	}
	return bound
}

// A direction is the direction of a cell edge in grid coordinates, where rows
// increase downwards.
type direction uint8

const (
	dirRight direction = 1 << iota
	dirDown
	dirLeft
	dirUp
)

// turnRight returns d turned clockwise as seen with rows increasing
// downwards.
func (d direction) turnRight() direction {
	if d == dirUp {
		return dirRight
	}
	return d << 1
}

func (d direction) turnLeft() direction {
	if d == dirRight {
		return dirUp
	}
	return d >> 1
}

func (d direction) offset() (int, int) {
	switch d {
	case dirRight:
		return 1, 0
	case dirDown:
		return 0, 1
	case dirLeft:
		return -1, 0
	default:
		return 0, -1
	}
}

// A vertex is a cell corner in grid coordinates.
type vertex struct {
	x, y int
}

// A region is a maximal 4-connected set of cells with the same label.
type region struct {
	mask   *BinaryMask
	labels []int32
	label  int32
	cells  []int
	edges  map[vertex]direction
}

// Shapes returns a sequence of features, one for each 4-connected region of
// 1s in mask, with coordinates transformed by transform. The sequence is
// finite and must be iterated at most once.
func Shapes(mask *BinaryMask, transform Affine) iter.Seq[Feature] {
	return func(yield func(Feature) bool) {
		labels := make([]int32, len(mask.Cells))
		label := int32(0)
		for index, cell := range mask.Cells {
			if cell != 1 || labels[index] != 0 {
				continue
			}
			label++
			r := &region{
				mask:   mask,
				labels: labels,
				label:  label,
			}
			r.fill(index)
			feature := Feature{
				Geometry: r.geometry(transform),
				Value:    1,
			}
			if !yield(feature) {
				return
			}
		}
	}
}

// Vectorize returns all features traced from mask.
func Vectorize(mask *BinaryMask, transform Affine, crs CRS) *FeatureCollection {
	features := slices.Collect(Shapes(mask, transform))
	if features == nil {
		features = []Feature{}
	}
	return &FeatureCollection{
		Features: features,
		CRS:      crs,
	}
}

// fill labels the region containing the cell at index.
func (r *region) fill(index int) {
	width, height := r.mask.Width, r.mask.Height
	r.labels[index] = r.label
	queue := []int{index}
	for qi := 0; qi < len(queue); qi++ {
		u := queue[qi]
		ux, uy := u%width, u/width
		for _, d := range []direction{dirUp, dirRight, dirDown, dirLeft} {
			dx, dy := d.offset()
			vx, vy := ux+dx, uy+dy
			if vx < 0 || vx >= width || vy < 0 || vy >= height {
				continue
			}
			v := vy*width + vx
			if r.mask.Cells[v] != 1 || r.labels[v] != 0 {
				continue
			}
			r.labels[v] = r.label
			queue = append(queue, v)
		}
	}
	slices.Sort(queue)
	r.cells = queue
}

// contains returns if (x, y) is a cell in r.
func (r *region) contains(x, y int) bool {
	if x < 0 || x >= r.mask.Width || y < 0 || y >= r.mask.Height {
		return false
	}
	return r.labels[y*r.mask.Width+x] == r.label
}

// An edge is a directed cell edge.
type edge struct {
	v vertex
	d direction
}

// boundaryEdges returns the edges of the cell at (x, y) that lie on r's
// boundary. Edges are directed so that r is on their right.
func (r *region) boundaryEdges(x, y int) []edge {
	edges := make([]edge, 0, 4)
	if !r.contains(x, y-1) {
		edges = append(edges, edge{vertex{x, y}, dirRight})
	}
	if !r.contains(x+1, y) {
		edges = append(edges, edge{vertex{x + 1, y}, dirDown})
	}
	if !r.contains(x, y+1) {
		edges = append(edges, edge{vertex{x + 1, y + 1}, dirLeft})
	}
	if !r.contains(x-1, y) {
		edges = append(edges, edge{vertex{x, y + 1}, dirUp})
	}
	return edges
}

// geometry returns r's polygon in world coordinates.
func (r *region) geometry(transform Affine) orb.Geometry {
	r.edges = make(map[vertex]direction)
	for _, cell := range r.cells {
		for _, e := range r.boundaryEdges(cell%r.mask.Width, cell/r.mask.Width) {
			r.edges[e.v] |= e.d
		}
	}

	var outers, holes [][]vertex
	used := make(map[vertex]direction)
	for _, cell := range r.cells {
		for _, e := range r.boundaryEdges(cell%r.mask.Width, cell/r.mask.Width) {
			if used[e.v]&e.d != 0 {
				continue
			}
			for _, ring := range splitRing(r.trace(e, used)) {
				ring = corners(ring)
				if doubleArea(ring) > 0 {
					outers = append(outers, ring)
				} else {
					holes = append(holes, ring)
				}
			}
		}
	}

	if len(outers) == 1 {
		return toPolygon(transform, outers[0], holes)
	}

	// Assign each hole to the smallest outer ring that contains the midpoint
	// of its first edge.
	holesByOuter := make([][][]vertex, len(outers))
	for _, hole := range holes {
		point := orb.Point{float64(hole[0].x), float64(hole[0].y)}
		switch {
		case hole[1].x > hole[0].x:
			point[0] += 0.5
		case hole[1].x < hole[0].x:
			point[0] -= 0.5
		case hole[1].y > hole[0].y:
			point[1] += 0.5
		default:
			point[1] -= 0.5
		}
		best := -1
		for i, outer := range outers {
			if !planar.RingContains(gridRing(outer), point) {
				continue
			}
			if best == -1 || doubleArea(outer) < doubleArea(outers[best]) {
				best = i
			}
		}
		if best != -1 {
			holesByOuter[best] = append(holesByOuter[best], hole)
		}
	}
	multiPolygon := make(orb.MultiPolygon, 0, len(outers))
	for i, outer := range outers {
		multiPolygon = append(multiPolygon, toPolygon(transform, outer, holesByOuter[i]))
	}
	return multiPolygon
}

// trace follows r's boundary from start until it returns to start, marking
// edges as used. Where two boundary edges leave a vertex it turns right, so
// cells touching only at a corner are kept apart. It returns every vertex
// visited, so the path passes through a vertex twice where a hole touches the
// outside or another hole at a corner.
func (r *region) trace(start edge, used map[vertex]direction) []vertex {
	var path []vertex
	v, d := start.v, start.d
	for {
		used[v] |= d
		path = append(path, v)
		dx, dy := d.offset()
		v = vertex{v.x + dx, v.y + dy}
		for _, next := range []direction{d.turnRight(), d, d.turnLeft()} {
			if r.edges[v]&next != 0 {
				d = next
				break
			}
		}
		if v == start.v && d == start.d {
			break
		}
	}
	return path
}

// splitRing splits the closed path at each vertex that it visits more than
// once, returning rings that touch each other only at those vertices.
func splitRing(path []vertex) [][]vertex {
	var rings [][]vertex
	stack := make([]vertex, 0, len(path))
	index := make(map[vertex]int, len(path))
	for _, v := range path {
		if i, ok := index[v]; ok {
			rings = append(rings, slices.Clone(stack[i:]))
			for _, w := range stack[i+1:] {
				delete(index, w)
			}
			stack = stack[:i+1]
			continue
		}
		index[v] = len(stack)
		stack = append(stack, v)
	}
	return append(rings, stack)
}

// corners returns the vertices of ring where its direction changes.
func corners(ring []vertex) []vertex {
	result := make([]vertex, 0, len(ring))
	for i, v := range ring {
		u, w := ring[(i+len(ring)-1)%len(ring)], ring[(i+1)%len(ring)]
		if u.x == v.x && v.x == w.x || u.y == v.y && v.y == w.y {
			continue
		}
		result = append(result, v)
	}
	return result
}

// doubleArea returns twice the signed area of ring in grid coordinates.
// Rings with r on their right have positive area.
func doubleArea(ring []vertex) int {
	area := 0
	for i, v := range ring {
		w := ring[(i+1)%len(ring)]
		area += v.x*w.y - w.x*v.y
	}
	return area
}

func gridRing(vertices []vertex) orb.Ring {
	ring := make(orb.Ring, 0, len(vertices)+1)
	for _, v := range vertices {
		ring = append(ring, orb.Point{float64(v.x), float64(v.y)})
	}
	return append(ring, ring[0])
}

func toRing(transform Affine, vertices []vertex) orb.Ring {
	ring := make(orb.Ring, 0, len(vertices)+1)
	for _, v := range vertices {
		ring = append(ring, transform.Apply(float64(v.x), float64(v.y)))
	}
	return append(ring, ring[0])
}

// toPolygon returns a polygon with a counter-clockwise outer ring and
// clockwise holes in world coordinates.
func toPolygon(transform Affine, outer []vertex, holes [][]vertex) orb.Polygon {
	polygon := make(orb.Polygon, 0, 1+len(holes))
	polygon = append(polygon, orient(toRing(transform, outer), orb.CCW))
	for _, hole := range holes {
		polygon = append(polygon, orient(toRing(transform, hole), orb.CW))
	}
	return polygon
}

func orient(ring orb.Ring, orientation orb.Orientation) orb.Ring {
	if ring.Orientation() != orientation {
		ring.Reverse()
	}
	return ring
}
