package geodb

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/oschwald/maxminddb-golang"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/metrics"
	"github.com/typeling1578/fake-geolocation-with-joystick-web-ext/internal/model"
	"go.uber.org/zap"
)

// ErrNoDatabaseFile means the archive held no .mmdb entry.
var ErrNoDatabaseFile = errors.New("geodb: archive contains no .mmdb file")

// ErrHeaderTimeout means the mirror did not answer within the fetch timeout.
var ErrHeaderTimeout = errors.New("geodb: mirror response timed out")

// Fetcher downloads GeoLite2 archives from a mirror.
type Fetcher struct {
	baseURL string
	client  *http.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewFetcher creates a fetcher for archives named GeoLite2-<Variant>.tar.gz under baseURL.
func NewFetcher(baseURL string, client *http.Client, timeout time.Duration, logger *zap.Logger) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Fetcher{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		timeout: timeout,
		logger:  logger.Named("geodb"),
	}
}

// ArchiveURL returns the download location for variant.
func (f *Fetcher) ArchiveURL(variant model.Variant) string {
	return fmt.Sprintf("%s/GeoLite2-%s.tar.gz", f.baseURL, variant)
}

// Fetch downloads, decompresses and extracts the database for variant.
// The returned bytes already parsed as a valid MaxMind DB of that edition.
// The timeout bounds the wait for response headers only; the body streams for
// as long as ctx allows.
func (f *Fetcher) Fetch(ctx context.Context, variant model.Variant) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	url := f.ArchiveURL(variant)
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	headerTimer := time.AfterFunc(f.timeout, cancel)
	resp, err := f.client.Do(req)
	if !headerTimer.Stop() {
		// The timer fired, so the request context is gone even if headers made it.
		if err == nil {
			resp.Body.Close()
		}
		metrics.GeoDBDownloads.WithLabelValues(string(variant), "error").Inc()
		return nil, fmt.Errorf("download %s: no response within %s: %w", variant, f.timeout, ErrHeaderTimeout)
	}
	if err != nil {
		metrics.GeoDBDownloads.WithLabelValues(string(variant), "error").Inc()
		return nil, fmt.Errorf("download %s: %w", variant, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.GeoDBDownloads.WithLabelValues(string(variant), "error").Inc()
		return nil, fmt.Errorf("download %s: HTTP %d", variant, resp.StatusCode)
	}

	data, err := extractDatabase(resp.Body)
	if err != nil {
		metrics.GeoDBDownloads.WithLabelValues(string(variant), "corrupt").Inc()
		return nil, fmt.Errorf("extract %s: %w", variant, err)
	}

	if err := validate(data, variant); err != nil {
		metrics.GeoDBDownloads.WithLabelValues(string(variant), "corrupt").Inc()
		return nil, err
	}

	metrics.GeoDBDownloads.WithLabelValues(string(variant), "ok").Inc()
	f.logger.Info("database downloaded",
		zap.String("variant", string(variant)),
		zap.Int("bytes", len(data)),
		zap.Duration("took", time.Since(start)))
	return data, nil
}

// extractDatabase gunzips r and returns the first .mmdb file in the tar stream.
func extractDatabase(r io.Reader) ([]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, ErrNoDatabaseFile
		}
		if err != nil {
			return nil, fmt.Errorf("tar: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg || !strings.HasSuffix(hdr.Name, ".mmdb") {
			continue
		}

		var buf bytes.Buffer
		if hdr.Size > 0 {
			buf.Grow(int(hdr.Size))
		}
		if _, err := io.Copy(&buf, tr); err != nil {
			return nil, fmt.Errorf("read %s: %w", hdr.Name, err)
		}
		return buf.Bytes(), nil
	}
}

// validate parses data so a truncated or mismatched file never reaches the store.
func validate(data []byte, variant model.Variant) error {
	reader, err := maxminddb.FromBytes(data)
	if err != nil {
		return fmt.Errorf("malformed %s database: %w", variant, err)
	}
	defer reader.Close()

	if err := reader.Verify(); err != nil {
		return fmt.Errorf("malformed %s database: %w", variant, err)
	}
	if dt := reader.Metadata.DatabaseType; !strings.Contains(dt, string(variant)) {
		return fmt.Errorf("database type %q does not match variant %s", dt, variant)
	}
	return nil
}
