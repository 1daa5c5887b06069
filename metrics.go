package opengeotiff

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sourceDownloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opengeotiff_source_downloads_total",
		Help: "The total number of source downloads",
	})
	sourceDownloadedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opengeotiff_source_downloaded_bytes_total",
		Help: "The total number of bytes downloaded",
	})
	sourceCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opengeotiff_source_cache_hits_total",
		Help: "The total number of hits on the source cache",
	})
	blockLoads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opengeotiff_block_loads_total",
		Help: "The total number of raster blocks read and decoded",
	})
	maskedCells = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "opengeotiff_masked_cells",
		Help: "The number of cells in range in the last mask",
	})
	featuresWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opengeotiff_features_written_total",
		Help: "The total number of features written",
	})
)
