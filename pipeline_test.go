package opengeotiff

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alecthomas/assert/v2"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func newTestPipelineServer(t *testing.T) *testServer {
	t.Helper()
	tg := newTestGeoTIFF(3, 2, []float64{
		5, 15, 25,
		35, 45, 55,
	})
	tg.epsg = 3857
	tg.pixelScale = [2]float64{1000, 1000}
	tg.origin = [2]float64{0, 2000}
	tg.noData = "-9999"
	return newTestServer(t, serveBytes(tg.encode(t)))
}

// newTestPipelineConfig returns a config that fetches the source from server
// and clips it with the WGS 84 polygon clip.
func newTestPipelineConfig(t *testing.T, server *testServer, clip orb.Polygon) *Config {
	t.Helper()
	data, err := geojson.NewGeometry(clip).MarshalJSON()
	assert.NoError(t, err)
	dir := t.TempDir()
	return &Config{
		Source:      server.URL + "/data/dem.tif",
		CacheDir:    filepath.Join(dir, "cache"),
		Clipping:    writeTestFile(t, "clip.geojson", string(data)),
		Output:      filepath.Join(dir, "out", "mask.gpkg"),
		MetricsFile: filepath.Join(dir, "metrics.prom"),
		Mask: &MaskConfig{
			Min: ptr(20.0),
			Max: ptr(45.0),
		},
	}
}

func newTestLogger(buffer *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buffer, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func TestPipeline(t *testing.T) {
	server := newTestPipelineServer(t)
	config := newTestPipelineConfig(t, server, rectangle(-1, -1, 1, 1))

	pipeline, err := NewPipeline(config, WithAcquirerOptions(WithHTTPClient(server.Client())))
	assert.NoError(t, err)

	var logs bytes.Buffer
	ctx := WithLogger(t.Context(), newTestLogger(&logs))
	result, err := pipeline.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, &Result{
		SourcePath:  filepath.Join(config.CacheDir, "dem.tif"),
		MaskedCells: 3,
		Features:    2,
		Output:      config.Output,
	}, result)
	index := 0
	for _, message := range []string{"downloading source", "processing mask", "clipped raster", "vectorizing", "done"} {
		i := strings.Index(logs.String()[index:], message)
		assert.True(t, i >= 0, "%q not logged after offset %d", message, index)
		index += i
	}
	assert.Equal(t, int64(1), server.requests.Load())

	fc, err := ReadGeoPackage(t.Context(), config.Output)
	assert.NoError(t, err)
	assert.Equal(t, CRS{EPSG: 3857}, fc.CRS)
	assert.Equal(t, 2, len(fc.Features))
	for _, feature := range fc.Features {
		assert.Equal(t, 1, feature.Value)
	}
	assert.Equal(t, orb.Bound{Min: orb.Point{2000, 1000}, Max: orb.Point{3000, 2000}}, fc.Features[0].Geometry.Bound())
	assert.Equal(t, orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{2000, 1000}}, fc.Features[1].Geometry.Bound())

	metrics, err := os.ReadFile(config.MetricsFile)
	assert.NoError(t, err)
	assert.Contains(t, string(metrics), "opengeotiff_features_written_total")
	assert.Contains(t, string(metrics), "opengeotiff_masked_cells 3")

	// A second run uses the cached source.
	logs.Reset()
	result, err = pipeline.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 2, result.Features)
	assert.Contains(t, logs.String(), "using cached source")
	assert.False(t, strings.Contains(logs.String(), "downloading source"))
	assert.Equal(t, int64(1), server.requests.Load())
}

func TestPipeline_NoOverlap(t *testing.T) {
	server := newTestPipelineServer(t)
	config := newTestPipelineConfig(t, server, rectangle(10, 10, 11, 11))

	pipeline, err := NewPipeline(config, WithAcquirerOptions(WithHTTPClient(server.Client())))
	assert.NoError(t, err)

	result, err := pipeline.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, result.Features)

	fc, err := ReadGeoPackage(t.Context(), config.Output)
	assert.NoError(t, err)
	assert.Equal(t, &FeatureCollection{Features: []Feature{}, CRS: CRS{EPSG: 3857}}, fc)
}

func TestPipeline_Errors(t *testing.T) {
	server := newTestPipelineServer(t)

	_, err := NewPipeline(&Config{})
	assert.IsError(t, err, ErrMissingField)

	config := newTestPipelineConfig(t, server, rectangle(-1, -1, 1, 1))
	config.Checksum = "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	pipeline, err := NewPipeline(config, WithAcquirerOptions(WithHTTPClient(server.Client())))
	assert.NoError(t, err)
	_, err = pipeline.Run(t.Context())
	var acquisitionError *AcquisitionError
	assert.True(t, errors.As(err, &acquisitionError))
	_, err = os.Stat(config.Output)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	config = newTestPipelineConfig(t, server, rectangle(-1, -1, 1, 1))
	config.Clipping = filepath.Join(t.TempDir(), "missing.geojson")
	pipeline, err = NewPipeline(config, WithAcquirerOptions(WithHTTPClient(server.Client())))
	assert.NoError(t, err)
	var logs bytes.Buffer
	_, err = pipeline.Run(WithLogger(t.Context(), newTestLogger(&logs)))
	var openError *OpenError
	assert.True(t, errors.As(err, &openError))
	assert.Equal(t, config.Clipping, openError.Path)
	assert.Contains(t, logs.String(), "processing mask")
	assert.False(t, strings.Contains(logs.String(), "vectorizing"))
}
