package opengeotiff

import (
	"context"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
)

// A Result summarizes a pipeline run.
type Result struct {
	SourcePath  string
	MaskedCells int
	Features    int
	Output      string
}

// A Pipeline fetches a raster, clips it to a boundary, masks it to a range of
// values, and writes the in-range regions as polygons to a GeoPackage.
type Pipeline struct {
	config             *Config
	acquirerOptions    []AcquirerOption
	geoTIFFOptions     []GeoTIFFOption
	reprojectorOptions []ReprojectorOption
	gatherer           prometheus.Gatherer
}

// A PipelineOption sets an option on a Pipeline.
type PipelineOption func(*Pipeline)

// WithAcquirerOptions sets extra options used when acquiring the source.
func WithAcquirerOptions(options ...AcquirerOption) PipelineOption {
	return func(p *Pipeline) {
		p.acquirerOptions = append(p.acquirerOptions, options...)
	}
}

// WithGeoTIFFOptions sets options used when opening the source.
func WithGeoTIFFOptions(options ...GeoTIFFOption) PipelineOption {
	return func(p *Pipeline) {
		p.geoTIFFOptions = append(p.geoTIFFOptions, options...)
	}
}

// WithReprojectorOptions sets options used for CRS reconciliation.
func WithReprojectorOptions(options ...ReprojectorOption) PipelineOption {
	return func(p *Pipeline) {
		p.reprojectorOptions = append(p.reprojectorOptions, options...)
	}
}

// WithGatherer sets the metrics gatherer written to the metrics file.
func WithGatherer(gatherer prometheus.Gatherer) PipelineOption {
	return func(p *Pipeline) {
		p.gatherer = gatherer
	}
}

// NewPipeline returns a new Pipeline for config.
func NewPipeline(config *Config, options ...PipelineOption) (*Pipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	p := &Pipeline{
		config:   config,
		gatherer: prometheus.DefaultGatherer,
	}
	for _, option := range options {
		option(p)
	}
	return p, nil
}

// Run runs p. A boundary that does not overlap the raster is not an error and
// results in an empty output layer.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	logger := loggerFromContext(ctx)

	acquirerOptions := append([]AcquirerOption{WithChecksum(p.config.Checksum)}, p.acquirerOptions...)
	sourcePath, err := NewAcquirer(p.config.CacheDir, acquirerOptions...).Acquire(ctx, p.config.Source)
	if err != nil {
		return nil, err
	}

	r := p.config.Range()
	logger.Info("processing mask", "source", sourcePath, "min", r.Min, "max", r.Max)

	geoTIFF, err := OpenGeoTIFF(os.DirFS(filepath.Dir(sourcePath)), filepath.Base(sourcePath), p.geoTIFFOptions...)
	if err != nil {
		return nil, &OpenError{Path: sourcePath, Err: err}
	}
	defer geoTIFF.Close()

	var crsOverride CRS
	if p.config.ClippingCRS != "" {
		if crsOverride, err = ParseCRS(p.config.ClippingCRS); err != nil {
			return nil, err
		}
	}
	boundary, err := LoadBoundary(ctx, p.config.Clipping, crsOverride)
	if err != nil {
		return nil, err
	}

	reprojector, err := NewReprojector(p.reprojectorOptions...)
	if err != nil {
		return nil, err
	}
	defer reprojector.Close()

	grid, err := Clip(ctx, geoTIFF, boundary, reprojector)
	if err != nil {
		return nil, err
	}

	mask := Mask(grid, r)
	count := mask.Count()
	maskedCells.Set(float64(count))

	logger.Info("vectorizing", "cells", count)
	featureCollection := Vectorize(mask, grid.Transform, grid.CRS)

	if err := os.MkdirAll(filepath.Dir(p.config.Output), 0o777); err != nil {
		return nil, &WriteError{Path: p.config.Output, Err: err}
	}
	if err := WriteGeoPackage(ctx, p.config.Output, p.config.LayerName(), featureCollection); err != nil {
		return nil, err
	}
	featuresWritten.Add(float64(len(featureCollection.Features)))

	if p.config.MetricsFile != "" {
		if err := prometheus.WriteToTextfile(p.config.MetricsFile, p.gatherer); err != nil {
			return nil, &WriteError{Path: p.config.MetricsFile, Err: err}
		}
	}

	logger.Info("done", "features", len(featureCollection.Features), "output", p.config.Output)
	return &Result{
		SourcePath:  sourcePath,
		MaskedCells: count,
		Features:    len(featureCollection.Features),
		Output:      p.config.Output,
	}, nil
}
