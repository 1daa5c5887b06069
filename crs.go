package opengeotiff

import (
	"context"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"
	"github.com/twpayne/go-proj/v11"
)

// A CRS is a coordinate reference system, identified either by an EPSG code
// or by a WKT definition.
type CRS struct {
	EPSG int
	WKT  string
}

// CRS84 is WGS 84 with longitude, latitude axis order, the CRS of GeoJSON.
var CRS84 = CRS{EPSG: 4326}

// Definition returns c as a string accepted by PROJ.
func (c CRS) Definition() string {
	if c.EPSG != 0 {
		return "EPSG:" + strconv.Itoa(c.EPSG)
	}
	return c.WKT
}

// IsZero returns if c is undefined.
func (c CRS) IsZero() bool {
	return c.EPSG == 0 && c.WKT == ""
}

func (c CRS) String() string {
	if c.EPSG != 0 {
		return "EPSG:" + strconv.Itoa(c.EPSG)
	}
	if c.WKT != "" {
		return "WKT"
	}
	return "undefined"
}

type crsPair struct {
	from CRS
	to   CRS
}

// A Reprojector transforms geometries between CRSs. Transformations are
// normalized so that x is always easting or longitude.
type Reprojector struct {
	pjs *lru.Cache[crsPair, *proj.PJ]
}

// A ReprojectorOption sets an option on a Reprojector.
type ReprojectorOption func(*reprojectorOptions)

type reprojectorOptions struct {
	cacheSize int
}

func WithTransformationCacheSize(cacheSize int) ReprojectorOption {
	return func(o *reprojectorOptions) {
		o.cacheSize = cacheSize
	}
}

// NewReprojector returns a new Reprojector.
func NewReprojector(options ...ReprojectorOption) (*Reprojector, error) {
	o := reprojectorOptions{
		cacheSize: 8,
	}
	for _, option := range options {
		option(&o)
	}
	pjs, err := lru.NewWithEvict(o.cacheSize, func(_ crsPair, pj *proj.PJ) {
		pj.Destroy()
	})
	if err != nil {
		return nil, err
	}
	return &Reprojector{
		pjs: pjs,
	}, nil
}

// Close releases all cached transformations.
func (r *Reprojector) Close() error {
	r.pjs.Purge()
	return nil
}

// Reproject returns g transformed from from to to. The transformation is
// always performed, even when from and to are equal.
func (r *Reprojector) Reproject(ctx context.Context, g orb.Geometry, from, to CRS) (orb.Geometry, error) {
	if from.IsZero() || to.IsZero() {
		return nil, fmt.Errorf("reproject from %s to %s: %w", from, to, errUnknownCRS)
	}
	pj, err := r.pj(from, to)
	if err != nil {
		return nil, err
	}
	loggerFromContext(ctx).Debug("reprojecting", "from", from.String(), "to", to.String())
	switch g := g.(type) {
	case orb.Ring:
		return forwardRing(pj, g)
	case orb.Polygon:
		return forwardPolygon(pj, g)
	case orb.MultiPolygon:
		multiPolygon := make(orb.MultiPolygon, 0, len(g))
		for _, polygon := range g {
			polygon, err := forwardPolygon(pj, polygon)
			if err != nil {
				return nil, err
			}
			multiPolygon = append(multiPolygon, polygon)
		}
		return multiPolygon, nil
	default:
		return nil, fmt.Errorf("%s: %w", g.GeoJSONType(), errUnsupportedGeometry)
	}
}

// pj returns the transformation from from to to, using r's cache if possible.
func (r *Reprojector) pj(from, to CRS) (*proj.PJ, error) {
	key := crsPair{from: from, to: to}
	if pj, ok := r.pjs.Get(key); ok {
		return pj, nil
	}
	pj, err := proj.NewCRSToCRS(from.Definition(), to.Definition(), nil)
	if err != nil {
		return nil, err
	}
	defer pj.Destroy()
	normalizedPJ, err := pj.NormalizeForVisualization()
	if err != nil {
		return nil, err
	}
	r.pjs.Add(key, normalizedPJ)
	return normalizedPJ, nil
}

func forwardPolygon(pj *proj.PJ, polygon orb.Polygon) (orb.Polygon, error) {
	result := make(orb.Polygon, 0, len(polygon))
	for _, ring := range polygon {
		ring, err := forwardRing(pj, ring)
		if err != nil {
			return nil, err
		}
		result = append(result, ring)
	}
	return result, nil
}

func forwardRing(pj *proj.PJ, ring orb.Ring) (orb.Ring, error) {
	coordsFlat := make([]float64, 2*len(ring))
	coords := make([][]float64, len(ring))
	for i, point := range ring {
		coordsFlat[2*i], coordsFlat[2*i+1] = point[0], point[1]
		coords[i] = coordsFlat[2*i : 2*i+2]
	}
	if err := pj.ForwardFloat64Slices(coords); err != nil {
		return nil, err
	}
	result := make(orb.Ring, len(ring))
	for i, coord := range coords {
		result[i] = orb.Point{coord[0], coord[1]}
	}
	return result, nil
}
