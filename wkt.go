package opengeotiff

// #cgo LDFLAGS: -lproj
// #include <stdlib.h>
// #include <proj.h>
import "C"

import (
	"fmt"
	"unsafe"
)

// WKT1 returns c as WKT1, as written by GDAL. CRSs identified by an EPSG code
// are looked up in PROJ's database.
func (c CRS) WKT1() (string, error) {
	if c.EPSG == 0 {
		if c.WKT == "" {
			return "", errUnknownCRS
		}
		return c.WKT, nil
	}

	pjContext := C.proj_context_create()
	defer C.proj_context_destroy(pjContext)

	cDefinition := C.CString(c.Definition())
	defer C.free(unsafe.Pointer(cDefinition))

	pj := C.proj_create(pjContext, cDefinition)
	if pj == nil {
		return "", fmt.Errorf("%s: %w", c, errUnknownCRS)
	}
	defer C.proj_destroy(pj)

	cWKT := C.proj_as_wkt(pjContext, pj, C.PJ_WKT1_GDAL, nil)
	if cWKT == nil {
		return "", fmt.Errorf("%s: no WKT1 representation", c)
	}
	return C.GoString(cWKT), nil
}
