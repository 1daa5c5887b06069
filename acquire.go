package opengeotiff

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	errInvalidSource   = errors.New("invalid source")
	errInvalidChecksum = errors.New("invalid checksum")
	errChecksum        = errors.New("checksum mismatch")
)

// An Acquirer fetches remote source rasters into a local cache directory.
type Acquirer struct {
	cacheDir   string
	httpClient *http.Client
	checksum   []byte
	err        error
}

// An AcquirerOption sets an option on an Acquirer.
type AcquirerOption func(*Acquirer)

// WithHTTPClient sets the HTTP client.
func WithHTTPClient(httpClient *http.Client) AcquirerOption {
	return func(a *Acquirer) {
		a.httpClient = httpClient
	}
}

// WithChecksum sets the expected checksum of the source, in the form
// sha256:<hex>. An empty checksum disables verification.
func WithChecksum(checksum string) AcquirerOption {
	return func(a *Acquirer) {
		if checksum == "" {
			a.checksum = nil
			return
		}
		a.checksum, a.err = parseChecksum(checksum)
	}
}

// NewAcquirer returns a new Acquirer that caches files in cacheDir.
func NewAcquirer(cacheDir string, options ...AcquirerOption) *Acquirer {
	a := &Acquirer{
		cacheDir:   cacheDir,
		httpClient: http.DefaultClient,
	}
	for _, option := range options {
		option(a)
	}
	return a
}

// Acquire returns the local path of source, downloading it if it is not
// already in the cache. Downloads are written to a temporary file which is
// renamed into place only once complete and verified.
func (a *Acquirer) Acquire(ctx context.Context, source string) (_ string, err error) {
	defer func() {
		if err != nil {
			err = &AcquisitionError{Source: source, Err: err}
		}
	}()

	if a.err != nil {
		return "", a.err
	}

	name, err := cacheName(source)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(a.cacheDir, 0o777); err != nil {
		return "", err
	}
	cachePath := filepath.Join(a.cacheDir, name)

	logger := loggerFromContext(ctx).With("source", source, "path", cachePath)

	switch _, err := os.Stat(cachePath); {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return "", err
	case a.checksum == nil:
		sourceCacheHits.Inc()
		logger.Info("using cached source")
		return cachePath, nil
	default:
		switch err := a.verifyFile(cachePath); {
		case err == nil:
			sourceCacheHits.Inc()
			logger.Info("using cached source")
			return cachePath, nil
		case errors.Is(err, errChecksum):
			logger.Warn("cached source checksum mismatch", "err", err)
		default:
			return "", err
		}
	}

	logger.Info("downloading source")
	if err := a.download(ctx, source, cachePath); err != nil {
		return "", err
	}
	return cachePath, nil
}

func (a *Acquirer) download(ctx context.Context, source, cachePath string) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return err
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.New(resp.Status)
	}

	tempFile, err := os.CreateTemp(a.cacheDir, filepath.Base(cachePath)+".*.part")
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			tempFile.Close()
			os.Remove(tempFile.Name())
		}
	}()

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tempFile, h), resp.Body)
	sourceDownloadedBytes.Add(float64(n))
	if err != nil {
		return err
	}
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fmt.Errorf("%d/%d bytes: %w", n, resp.ContentLength, errShortRead)
	}
	if err := a.verifyHash(h); err != nil {
		return err
	}
	if err := tempFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tempFile.Name(), cachePath); err != nil {
		return err
	}

	ok = true
	sourceDownloads.Inc()
	loggerFromContext(ctx).Debug("downloaded source", "source", source, "bytes", n)
	return nil
}

func (a *Acquirer) verifyFile(name string) error {
	file, err := os.Open(name)
	if err != nil {
		return err
	}
	defer file.Close()
	h := sha256.New()
	if _, err := io.Copy(h, file); err != nil {
		return err
	}
	return a.verifyHash(h)
}

func (a *Acquirer) verifyHash(h hash.Hash) error {
	if a.checksum == nil {
		return nil
	}
	if sum := h.Sum(nil); string(sum) != string(a.checksum) {
		return fmt.Errorf("sha256:%x: %w", sum, errChecksum)
	}
	return nil
}

// cacheName returns the cache filename for source, the last segment of its
// path.
func cacheName(source string) (string, error) {
	u, err := url.Parse(source)
	if err != nil {
		return "", err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%s: unsupported scheme: %w", u.Scheme, errInvalidSource)
	}
	switch name := path.Base(u.Path); name {
	case "", ".", "/":
		return "", fmt.Errorf("no filename: %w", errInvalidSource)
	default:
		return name, nil
	}
}

func parseChecksum(s string) ([]byte, error) {
	hexSum, ok := strings.CutPrefix(s, "sha256:")
	if !ok {
		return nil, fmt.Errorf("%s: %w", s, errInvalidChecksum)
	}
	sum, err := hex.DecodeString(hexSum)
	if err != nil || len(sum) != sha256.Size {
		return nil, fmt.Errorf("%s: %w", s, errInvalidChecksum)
	}
	return sum, nil
}
