package opengeotiff

import (
	"errors"
	"fmt"
)

var (
	errShortRead           = errors.New("short read")
	errUnsupportedGeometry = errors.New("unsupported geometry")
	errNoPolygons          = errors.New("no polygons")
)

// An AcquisitionError is returned when the source raster cannot be fetched.
type AcquisitionError struct {
	Source string
	Err    error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("acquire %s: %v", e.Source, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// An OpenError is returned when a raster or boundary file cannot be opened or
// parsed.
type OpenError struct {
	Path string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("open %s: %v", e.Path, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// A WriteError is returned when the output cannot be written.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}
