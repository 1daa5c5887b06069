package opengeotiff

import (
	"bytes"
	"compress/zlib"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
	_ "github.com/google/tiff/geotiff"
	"github.com/maypok86/otter/v2"
	"golang.org/x/image/tiff/lzw"
)

// TIFF compression schemes.
const (
	compressionNone        = 1
	compressionLZW         = 5
	compressionDeflate     = 8
	compressionDeflateOld  = 32946
	predictorNone          = 1
	predictorHorizontal    = 2
	predictorFloatingPoint = 3
	sampleFormatUint       = 1
	sampleFormatInt        = 2
	sampleFormatIEEEFP     = 3
	planarConfigChunky     = 1
	planarConfigPlanar     = 2
)

// A BlockCoord is the coordinate of a tile or strip.
type BlockCoord struct {
	C int // Column.
	R int // Row.
}

type readAtSeekCloser interface {
	io.ReaderAt
	io.ReadSeeker
	io.Closer
}

// A GeoTIFF is an open GeoTIFF file. Only the first band of the first image
// is read.
type GeoTIFF struct {
	file                readAtSeekCloser
	byteOrder           binary.ByteOrder
	width               int
	height              int
	blockWidth          int
	blockHeight         int
	blocksAcross        int
	blocksDown          int
	blockOffsets        []uint64
	blockByteCounts     []uint64
	samplesPerPixel     int
	planar              bool
	bytesPerSample      int
	sampleFormat        int
	compression         int
	predictor           int
	blockCacheSizeBytes int
	blockSamplesCache   *otter.Cache[BlockCoord, []float64]
	transform           Affine
	crs                 CRS
	noData              float64
	hasNoData           bool
}

type GeoTIFFOption func(*GeoTIFF)

// A geoTIFFIFD is a struct into which github.com/google/tiff can unmarshal an
// IFD.
type geoTIFFIFD struct {
	ImageWidth             uint32    `tiff:"field,tag=256"`
	ImageLength            uint32    `tiff:"field,tag=257"`
	BitsPerSample          []uint16  `tiff:"field,tag=258"`
	Compression            uint16    `tiff:"field,tag=259"`
	StripOffsets           []uint64  `tiff:"field,tag=273"`
	SamplesPerPixel        uint16    `tiff:"field,tag=277"`
	RowsPerStrip           uint32    `tiff:"field,tag=278"`
	StripByteCounts        []uint64  `tiff:"field,tag=279"`
	PlanarConfiguration    uint16    `tiff:"field,tag=284"`
	Predictor              uint16    `tiff:"field,tag=317"`
	TileWidth              uint32    `tiff:"field,tag=322"`
	TileLength             uint32    `tiff:"field,tag=323"`
	TileOffsets            []uint64  `tiff:"field,tag=324"`
	TileByteCounts         []uint64  `tiff:"field,tag=325"`
	SampleFormat           []uint16  `tiff:"field,tag=339"`
	ModelPixelScaleTag     []float64 `tiff:"field,tag=33550"`
	ModelTiepointTag       []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag []float64 `tiff:"field,tag=34264"`
	GeoKeyDirectoryTag     []uint16  `tiff:"field,tag=34735"`
	GeoDoubleParamsTag     []float64 `tiff:"field,tag=34736"`
	GeoASCIIParamsTag      string    `tiff:"field,tag=34737"`
	GDALNoData             string    `tiff:"field,tag=42113"`
}

// OpenGeoTIFF opens the GeoTIFF name in fsys.
func OpenGeoTIFF(fsys fs.FS, name string, options ...GeoTIFFOption) (*GeoTIFF, error) {
	var err error
	ok := false

	g := &GeoTIFF{
		blockCacheSizeBytes: 128 << 20, // 128MB.
	}
	for _, option := range options {
		option(g)
	}

	file, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	if _, ok := file.(readAtSeekCloser); !ok {
		_ = file.Close()
		return nil, errors.ErrUnsupported
	}
	g.file = file.(readAtSeekCloser)
	defer func() {
		if !ok {
			_ = g.file.Close()
		}
	}()

	header := make([]byte, 2)
	if _, err := g.file.ReadAt(header, 0); err != nil {
		return nil, err
	}
	switch string(header) {
	case "II":
		g.byteOrder = binary.LittleEndian
	case "MM":
		g.byteOrder = binary.BigEndian
	default:
		return nil, fmt.Errorf("%q: invalid byte order", header)
	}

	tiffTIFF, err := tiff.Parse(g.file, tiff.GetTagSpace("GeoTIFF"), nil)
	if err != nil {
		return nil, err
	}
	if len(tiffTIFF.IFDs()) == 0 {
		return nil, errors.New("no IFDs")
	}

	var ifd geoTIFFIFD
	if err := tiff.UnmarshalIFD(tiffTIFF.IFDs()[0], &ifd); err != nil {
		return nil, err
	}

	if err := g.setLayout(&ifd); err != nil {
		return nil, err
	}
	if err := g.setGeoreferencing(&ifd); err != nil {
		return nil, err
	}
	if noData := strings.TrimSpace(strings.TrimRight(ifd.GDALNoData, "\x00")); noData != "" {
		g.noData, err = strconv.ParseFloat(noData, 64)
		if err != nil {
			return nil, fmt.Errorf("GDAL_NODATA %q: %w", noData, err)
		}
		// Match the precision of decoded samples.
		if g.sampleFormat == sampleFormatIEEEFP && g.bytesPerSample == 4 {
			g.noData = float64(float32(g.noData))
		}
		g.hasNoData = true
	}

	blockByteCountUncompressed := g.blockWidth * g.blockHeight * g.bytesPerSample
	blockCacheCount := max(g.blockCacheSizeBytes/max(blockByteCountUncompressed, 1), 1)
	g.blockSamplesCache, err = otter.New(&otter.Options[BlockCoord, []float64]{
		MaximumSize: blockCacheCount,
	})
	if err != nil {
		return nil, err
	}

	ok = true
	return g, nil
}

func WithBlockCacheSize(blockCacheSize int) GeoTIFFOption {
	return func(g *GeoTIFF) {
		g.blockCacheSizeBytes = blockCacheSize
	}
}

// setLayout sets g's image and block layout from ifd.
func (g *GeoTIFF) setLayout(ifd *geoTIFFIFD) error {
	g.width = int(ifd.ImageWidth)
	g.height = int(ifd.ImageLength)
	if g.width == 0 || g.height == 0 {
		return errors.New("empty image")
	}

	g.samplesPerPixel = max(int(ifd.SamplesPerPixel), 1)
	switch ifd.PlanarConfiguration {
	case 0, planarConfigChunky:
	case planarConfigPlanar:
		g.planar = true
	default:
		return errors.ErrUnsupported
	}

	if len(ifd.BitsPerSample) == 0 {
		return errors.New("missing bits per sample")
	}
	for _, bitsPerSample := range ifd.BitsPerSample[1:] {
		if bitsPerSample != ifd.BitsPerSample[0] {
			return errors.ErrUnsupported
		}
	}
	g.sampleFormat = sampleFormatUint
	if len(ifd.SampleFormat) > 0 {
		g.sampleFormat = int(ifd.SampleFormat[0])
	}
	switch bitsPerSample := ifd.BitsPerSample[0]; {
	case g.sampleFormat == sampleFormatIEEEFP && (bitsPerSample == 32 || bitsPerSample == 64):
	case (g.sampleFormat == sampleFormatUint || g.sampleFormat == sampleFormatInt) &&
		(bitsPerSample == 8 || bitsPerSample == 16 || bitsPerSample == 32 || bitsPerSample == 64):
	default:
		return fmt.Errorf("sample format %d with %d bits: %w", g.sampleFormat, bitsPerSample, errors.ErrUnsupported)
	}
	g.bytesPerSample = int(ifd.BitsPerSample[0]) / 8

	g.compression = int(ifd.Compression)
	switch g.compression {
	case 0:
		g.compression = compressionNone
	case compressionNone, compressionLZW, compressionDeflate, compressionDeflateOld:
	default:
		return fmt.Errorf("compression %d: %w", g.compression, errors.ErrUnsupported)
	}
	g.predictor = int(ifd.Predictor)
	switch g.predictor {
	case 0:
		g.predictor = predictorNone
	case predictorNone, predictorHorizontal, predictorFloatingPoint:
	default:
		return fmt.Errorf("predictor %d: %w", g.predictor, errors.ErrUnsupported)
	}

	if ifd.TileWidth != 0 && ifd.TileLength != 0 {
		g.blockWidth = int(ifd.TileWidth)
		g.blockHeight = int(ifd.TileLength)
		g.blockOffsets = ifd.TileOffsets
		g.blockByteCounts = ifd.TileByteCounts
	} else {
		g.blockWidth = g.width
		g.blockHeight = int(ifd.RowsPerStrip)
		if g.blockHeight == 0 || g.blockHeight > g.height {
			g.blockHeight = g.height
		}
		g.blockOffsets = ifd.StripOffsets
		g.blockByteCounts = ifd.StripByteCounts
	}
	g.blocksAcross = (g.width + g.blockWidth - 1) / g.blockWidth
	g.blocksDown = (g.height + g.blockHeight - 1) / g.blockHeight
	blocksPerBand := g.blocksAcross * g.blocksDown
	if len(g.blockOffsets) < blocksPerBand || len(g.blockByteCounts) < blocksPerBand {
		return errors.New("incorrect number of block byte counts or offsets")
	}
	return nil
}

// setGeoreferencing sets g's transform and CRS from ifd.
func (g *GeoTIFF) setGeoreferencing(ifd *geoTIFFIFD) error {
	parsedGeoKeys, err := ParseGeoKeys(ifd.GeoKeyDirectoryTag, ifd.GeoDoubleParamsTag, ifd.GeoASCIIParamsTag)
	if err != nil {
		return fmt.Errorf("geokeys: %w", err)
	}
	g.crs, err = parsedGeoKeys.CRS()
	if err != nil {
		return err
	}

	switch {
	case len(ifd.ModelTransformationTag) == 16:
		m := ifd.ModelTransformationTag
		g.transform = Affine{
			A: m[0], B: m[1], C: m[3],
			D: m[4], E: m[5], F: m[7],
		}
	case len(ifd.ModelPixelScaleTag) >= 2 && len(ifd.ModelTiepointTag) >= 6:
		scaleX, scaleY := ifd.ModelPixelScaleTag[0], ifd.ModelPixelScaleTag[1]
		i, j := ifd.ModelTiepointTag[0], ifd.ModelTiepointTag[1]
		x, y := ifd.ModelTiepointTag[3], ifd.ModelTiepointTag[4]
		g.transform = Affine{
			A: scaleX, B: 0, C: x - i*scaleX,
			D: 0, E: -scaleY, F: y + j*scaleY,
		}
	default:
		return errors.New("missing georeferencing")
	}

	if parsedGeoKeys.RasterType() == RasterTypePixelIsPoint {
		origin := g.transform.Apply(-0.5, -0.5)
		g.transform.C, g.transform.F = origin[0], origin[1]
	}
	return nil
}

func (g *GeoTIFF) Close() error {
	return g.file.Close()
}

// Size returns g's width and height in cells.
func (g *GeoTIFF) Size() (int, int) {
	return g.width, g.height
}

// Transform returns g's affine transform.
func (g *GeoTIFF) Transform() Affine {
	return g.transform
}

// CRS returns g's coordinate reference system.
func (g *GeoTIFF) CRS() CRS {
	return g.crs
}

// NoData returns g's nodata value, if any.
func (g *GeoTIFF) NoData() (float64, bool) {
	return g.noData, g.hasNoData
}

// ReadWindow returns the band 1 samples in window, row-major.
func (g *GeoTIFF) ReadWindow(ctx context.Context, window Window) ([]float64, error) {
	if window.Col < 0 || window.Row < 0 || window.Col+window.Width > g.width || window.Row+window.Height > g.height {
		return nil, fmt.Errorf("window %+v outside %dx%d image", window, g.width, g.height)
	}
	samples := make([]float64, window.Width*window.Height)
	if window.Empty() {
		return samples, nil
	}

	// Populate samples one block at a time.
	for r := window.Row / g.blockHeight; r <= (window.Row+window.Height-1)/g.blockHeight; r++ {
		for c := window.Col / g.blockWidth; c <= (window.Col+window.Width-1)/g.blockWidth; c++ {
			blockSamples, err := g.getBlockSamplesCached(ctx, BlockCoord{C: c, R: r})
			if err != nil {
				return nil, err
			}
			block := Window{
				Col:    c * g.blockWidth,
				Row:    r * g.blockHeight,
				Width:  g.blockWidth,
				Height: g.blockHeight,
			}.Intersect(window)
			for y := block.Row; y < block.Row+block.Height; y++ {
				src := blockSamples[(y-r*g.blockHeight)*g.blockWidth+block.Col-c*g.blockWidth:]
				dst := samples[(y-window.Row)*window.Width+block.Col-window.Col:]
				copy(dst[:block.Width], src[:block.Width])
			}
		}
	}

	return samples, nil
}

// getBlockSamplesCached returns the samples of the block at blockCoord using
// g's cache.
func (g *GeoTIFF) getBlockSamplesCached(ctx context.Context, blockCoord BlockCoord) ([]float64, error) {
	return g.blockSamplesCache.Get(ctx, blockCoord, otter.LoaderFunc[BlockCoord, []float64](g.getBlockSamples))
}

// getBlockSamples returns the band 1 samples of the block at blockCoord. The
// result always has blockWidth*blockHeight samples.
func (g *GeoTIFF) getBlockSamples(ctx context.Context, blockCoord BlockCoord) ([]float64, error) {
	blockIndex := blockCoord.C + g.blocksAcross*blockCoord.R
	rows := min(g.blockHeight, g.height-blockCoord.R*g.blockHeight)
	stride := g.samplesPerPixel
	if g.planar {
		stride = 1
	}
	rowBytes := g.blockWidth * stride * g.bytesPerSample
	blockLoads.Inc()

	blockSamples := make([]float64, g.blockWidth*g.blockHeight)

	// Sparse blocks have no data.
	if g.blockByteCounts[blockIndex] == 0 {
		fill := math.NaN()
		if g.hasNoData {
			fill = g.noData
		}
		for i := range blockSamples {
			blockSamples[i] = fill
		}
		return blockSamples, nil
	}

	compressedData, err := g.getCompressedBlockData(blockIndex)
	if err != nil {
		return nil, err
	}

	blockData, err := g.decompressBlockData(compressedData, rows*rowBytes)
	if err != nil {
		return nil, fmt.Errorf("block %d,%d: %w", blockCoord.C, blockCoord.R, err)
	}

	byteOrder := g.byteOrder
	switch g.predictor {
	case predictorHorizontal:
		for row := range rows {
			g.undoHorizontalPredictor(blockData[row*rowBytes:(row+1)*rowBytes], stride)
		}
	case predictorFloatingPoint:
		for row := range rows {
			undoFloatingPointPredictor(blockData[row*rowBytes:(row+1)*rowBytes], stride, g.bytesPerSample)
		}
		byteOrder = binary.BigEndian
	}

	for i := range rows * g.blockWidth {
		offset := i * stride * g.bytesPerSample
		blockSamples[i] = g.decodeSample(byteOrder, blockData[offset:offset+g.bytesPerSample])
	}
	return blockSamples, nil
}

// getCompressedBlockData returns the compressed data of the block at
// blockIndex.
func (g *GeoTIFF) getCompressedBlockData(blockIndex int) ([]byte, error) {
	blockByteCount := g.blockByteCounts[blockIndex]
	blockOffset := g.blockOffsets[blockIndex]
	compressedData := make([]byte, blockByteCount)
	switch n, err := g.file.ReadAt(compressedData, int64(blockOffset)); {
	case n == int(blockByteCount):
		return compressedData, nil
	case err != nil:
		return nil, err
	default:
		return nil, errShortRead
	}
}

// decompressBlockData decompresses compressedData, returning exactly n bytes.
func (g *GeoTIFF) decompressBlockData(compressedData []byte, n int) ([]byte, error) {
	var r io.Reader
	switch g.compression {
	case compressionNone:
		if len(compressedData) < n {
			return nil, errShortRead
		}
		return compressedData[:n], nil
	case compressionLZW:
		r = lzw.NewReader(bytes.NewReader(compressedData), lzw.MSB, 8)
	case compressionDeflate, compressionDeflateOld:
		zr, err := zlib.NewReader(bytes.NewReader(compressedData))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		r = zr
	}
	blockData := make([]byte, n)
	if _, err := io.ReadFull(r, blockData); err != nil {
		return nil, err
	}
	return blockData, nil
}

// undoHorizontalPredictor reverses horizontal differencing of integer samples
// in row in place.
func (g *GeoTIFF) undoHorizontalPredictor(row []byte, stride int) {
	bytesPerSample := g.bytesPerSample
	n := len(row) / bytesPerSample
	for i := stride; i < n; i++ {
		cur := row[i*bytesPerSample : (i+1)*bytesPerSample]
		prev := row[(i-stride)*bytesPerSample : (i-stride+1)*bytesPerSample]
		switch bytesPerSample {
		case 1:
			cur[0] += prev[0]
		case 2:
			g.byteOrder.PutUint16(cur, g.byteOrder.Uint16(cur)+g.byteOrder.Uint16(prev))
		case 4:
			g.byteOrder.PutUint32(cur, g.byteOrder.Uint32(cur)+g.byteOrder.Uint32(prev))
		case 8:
			g.byteOrder.PutUint64(cur, g.byteOrder.Uint64(cur)+g.byteOrder.Uint64(prev))
		}
	}
}

// undoFloatingPointPredictor reverses the floating point predictor in row in
// place. The result is big-endian.
func undoFloatingPointPredictor(row []byte, stride, bytesPerSample int) {
	for i := stride; i < len(row); i++ {
		row[i] += row[i-stride]
	}
	planes := slices.Clone(row)
	samples := len(row) / bytesPerSample
	for i := range samples {
		for b := range bytesPerSample {
			row[i*bytesPerSample+b] = planes[b*samples+i]
		}
	}
}

// decodeSample decodes a single sample.
func (g *GeoTIFF) decodeSample(byteOrder binary.ByteOrder, data []byte) float64 {
	switch g.sampleFormat {
	case sampleFormatIEEEFP:
		if g.bytesPerSample == 4 {
			return float64(math.Float32frombits(byteOrder.Uint32(data)))
		}
		return math.Float64frombits(byteOrder.Uint64(data))
	case sampleFormatInt:
		switch g.bytesPerSample {
		case 1:
			return float64(int8(data[0]))
		case 2:
			return float64(int16(byteOrder.Uint16(data)))
		case 4:
			return float64(int32(byteOrder.Uint32(data)))
		default:
			return float64(int64(byteOrder.Uint64(data)))
		}
	default:
		switch g.bytesPerSample {
		case 1:
			return float64(data[0])
		case 2:
			return float64(byteOrder.Uint16(data))
		case 4:
			return float64(byteOrder.Uint32(data))
		default:
			return float64(byteOrder.Uint64(data))
		}
	}
}
