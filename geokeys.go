package opengeotiff

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errParse      = errors.New("parse error")
	errUnknownCRS = errors.New("unknown CRS")
)

// userDefined is the GeoKey value for a user-defined CRS.
const userDefined = 32767

type GeoKey uint16

const (
	GeoKeyGTModelType  GeoKey = 1024
	GeoKeyGTRasterType GeoKey = 1025
	GeoKeyGTCitation   GeoKey = 1026

	GeoKeyGeodeticCRS            GeoKey = 2048
	GeoKeyGeogCitation           GeoKey = 2049
	GeoKeyGeodeticDatum          GeoKey = 2050
	GeoKeyPrimeMeridian          GeoKey = 2051
	GeoKeyAngularUnits           GeoKey = 2054
	GeoKeyGeogAngularUnitSize    GeoKey = 2055
	GeoKeyEllipsoid              GeoKey = 2056
	GeoKeyEllipsoidSemiMajorAxis GeoKey = 2057
	GeoKeyEllipsoidInvFlattening GeoKey = 2059
	GeoKeyPrimeMeridianLongitude GeoKey = 2061

	GeoKeyProjectedCRS                         GeoKey = 3072
	GeoKeyPCSCitation                          GeoKey = 3073
	GeoKeyProjection                           GeoKey = 3074
	GeoKeyProjMethod                           GeoKey = 3075
	GeoKeyLinearUnits2                         GeoKey = 3076
	GeoKeyFalseEastingProjLinearParameters     GeoKey = 3082
	GeoKeyFalseNorthingProjLinearParameters    GeoKey = 3083
	GeoKeyCenterLongitudeProjAngularParameters GeoKey = 3088
	GeoKeyCenterLatitudeProjAngularParameters  GeoKey = 3089

	GeoKeyVertical GeoKey = 4096
)

// Model types.
const (
	ModelTypeProjected  = 1
	ModelTypeGeographic = 2
)

// Raster types.
const (
	RasterTypePixelIsArea  = 1
	RasterTypePixelIsPoint = 2
)

// esriPEStringPrefix introduces a WKT definition in citation keys written by
// ESRI and GDAL for user-defined CRSs.
const esriPEStringPrefix = "ESRI PE String = "

type ParsedGeoKeys struct {
	Params       map[GeoKey]int
	DoubleParams map[GeoKey][]float64
	ASCIIParams  map[GeoKey]string
}

func ParseGeoKeys(directory []uint16, doubleParams []float64, asciiParams string) (*ParsedGeoKeys, error) {
	if len(directory) < 4 {
		return nil, errParse
	}

	if keyDirectoryVersion := int(directory[0]); keyDirectoryVersion != 1 {
		return nil, errParse
	}
	if keyRevision := int(directory[1]); keyRevision != 1 {
		return nil, errParse
	}
	if minorRevision := int(directory[2]); minorRevision != 0 && minorRevision != 1 {
		return nil, errParse
	}
	numberOfKeys := int(directory[3])
	if len(directory) < 4+4*numberOfKeys {
		return nil, errParse
	}

	parsedGeoKeys := &ParsedGeoKeys{
		Params:       make(map[GeoKey]int),
		DoubleParams: make(map[GeoKey][]float64),
		ASCIIParams:  make(map[GeoKey]string),
	}
	for i := range numberOfKeys {
		keyValues := directory[4+4*i : 4+4*(i+1)]
		key := GeoKey(keyValues[0])
		tiffTagLocation := int(keyValues[1])
		numberOfValues := int(keyValues[2])
		switch tiffTagLocation {
		case 0:
			if numberOfValues != 1 {
				return nil, errParse
			}
			parsedGeoKeys.Params[key] = int(keyValues[3])
		case 34736: // GeoDoubleParamsTag
			index := int(keyValues[3])
			if index+numberOfValues > len(doubleParams) {
				return nil, errParse
			}
			parsedGeoKeys.DoubleParams[key] = doubleParams[index : index+numberOfValues]
		case 34737: // GeoASCIIParamsTag
			index := int(keyValues[3])
			if index+numberOfValues > len(asciiParams) {
				return nil, errParse
			}
			parsedGeoKeys.ASCIIParams[key] = asciiParams[index : index+numberOfValues]
		default:
			return nil, errors.ErrUnsupported
		}
	}
	return parsedGeoKeys, nil
}

// CRS returns the coordinate reference system described by k.
func (k *ParsedGeoKeys) CRS() (CRS, error) {
	var crsKey GeoKey
	switch modelType := k.Params[GeoKeyGTModelType]; modelType {
	case ModelTypeProjected:
		crsKey = GeoKeyProjectedCRS
	case ModelTypeGeographic:
		crsKey = GeoKeyGeodeticCRS
	default:
		return CRS{}, fmt.Errorf("model type %d: %w", modelType, errUnknownCRS)
	}
	if code, ok := k.Params[crsKey]; ok && code != 0 && code != userDefined {
		return CRS{EPSG: code}, nil
	}
	for _, citationKey := range []GeoKey{GeoKeyPCSCitation, GeoKeyGTCitation, GeoKeyGeogCitation} {
		citation := k.ASCIIParams[citationKey]
		if wkt, ok := strings.CutPrefix(citation, esriPEStringPrefix); ok {
			return CRS{WKT: strings.TrimRight(wkt, "|\x00")}, nil
		}
	}
	return CRS{}, errUnknownCRS
}

// RasterType returns the raster type, defaulting to PixelIsArea.
func (k *ParsedGeoKeys) RasterType() int {
	if rasterType, ok := k.Params[GeoKeyGTRasterType]; ok {
		return rasterType
	}
	return RasterTypePixelIsArea
}
