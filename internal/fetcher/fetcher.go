// Package fetcher downloads Eurostat inventory, SDMX metadata and TSV
// payloads through a filesystem cache with retry/backoff, the way the
// teacher's examples/load/main.go drives github.com/cavaliergopher/grab/v3
// for resumable downloads — adapted here into a cache-aware component with
// the retry semantics the pipeline needs.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cavaliergopher/grab/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/gowthamrao/eurostat-ingest/internal/config"
	"github.com/gowthamrao/eurostat-ingest/internal/eserrors"
)

const (
	maxAttempts   = 5
	minBackoff    = 4 * time.Second
	maxBackoff    = 60 * time.Second
	requestTimeout = 60 * time.Second
)

// Fetcher acquires remote resources, caching them on disk under a stable
// filename derived from the logical resource rather than the URL.
type Fetcher struct {
	settings *config.AppSettings
	client   *grab.Client
	log      logr.Logger
}

// New builds a Fetcher and ensures the cache directory exists when caching
// is enabled.
func New(settings *config.AppSettings, log logr.Logger) (*Fetcher, error) {
	f := &Fetcher{
		settings: settings,
		client:   grab.NewClient(),
		log:      log.WithName("fetcher"),
	}
	f.client.HTTPClient.Timeout = requestTimeout
	f.client.UserAgent = "eurostat-ingest/1.0"

	if settings.Cache.Enabled {
		if err := os.MkdirAll(settings.Cache.Path, 0o755); err != nil {
			return nil, fmt.Errorf("preparing cache directory %q: %w", settings.Cache.Path, err)
		}
	}
	return f, nil
}

func (f *Fetcher) cachePath(filename string) string {
	return filepath.Join(f.settings.Cache.Path, filename)
}

// fatalStatus reports whether an HTTP status code should not be retried:
// any 4xx other than 429 (Too Many Requests).
func fatalStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}

// fetch returns the cache file path for url/cacheFilename, downloading it
// first if the cache is disabled or the file is missing. A file already in
// the cache is returned as is; its age is not checked.
func (f *Fetcher) fetch(ctx context.Context, rawURL, cacheFilename string) (string, error) {
	dest := f.cachePath(cacheFilename)

	if f.settings.Cache.Enabled {
		if _, err := os.Stat(dest); err == nil {
			f.log.V(1).Info("cache hit", "file", cacheFilename)
			return dest, nil
		}
	}

	return f.downloadWithRetry(ctx, rawURL, dest)
}

func (f *Fetcher) downloadWithRetry(ctx context.Context, rawURL, dest string) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = minBackoff
	bo.MaxInterval = maxBackoff
	bo.Multiplier = 2
	policy := backoff.WithMaxRetries(bo, maxAttempts-1)

	var lastErr error
	op := func() error {
		f.log.Info("downloading", "url", rawURL, "dest", dest)
		req, err := grab.NewRequestWithContext(ctx, dest, rawURL)
		if err != nil {
			lastErr = err
			return backoff.Permanent(err)
		}

		resp := f.client.Do(req)
		if err := resp.Err(); err != nil {
			if status := resp.HTTPResponse; status != nil && fatalStatus(status.StatusCode) {
				lastErr = &eserrors.NetworkError{URL: rawURL, Err: err}
				return backoff.Permanent(lastErr)
			}
			_ = os.Remove(dest)
			lastErr = err
			f.log.V(1).Info("retrying download", "url", rawURL, "err", err)
			return err
		}
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		_ = os.Remove(dest)
		if ne, ok := lastErr.(*eserrors.NetworkError); ok {
			return "", ne
		}
		return "", &eserrors.NetworkError{URL: rawURL, Err: err}
	}
	return dest, nil
}

// GetInventory fetches the master dataset inventory TSV.
func (f *Fetcher) GetInventory(ctx context.Context) (string, error) {
	u := strings.TrimRight(f.settings.Eurostat.BaseURL, "/") + "/files/inventory?type=data"
	return f.fetch(ctx, u, "inventory.tsv")
}

// GetDSD fetches the dataflow SDMX document that references the DSD for
// datasetID.
func (f *Fetcher) GetDSD(ctx context.Context, datasetID string) (string, error) {
	u := fmt.Sprintf(
		"%s/sdmx/%s/dataflow/%s/%s/latest?references=datastructure",
		strings.TrimRight(f.settings.Eurostat.BaseURL, "/"),
		f.settings.Eurostat.SDMXAPIVersion,
		f.settings.Eurostat.SDMXAgencyID,
		strings.ToUpper(datasetID),
	)
	return f.fetch(ctx, u, fmt.Sprintf("dsd_%s.xml", strings.ToLower(datasetID)))
}

// GetCodelist fetches the SDMX codelist document for codelistID.
func (f *Fetcher) GetCodelist(ctx context.Context, codelistID string) (string, error) {
	u := fmt.Sprintf(
		"%s/sdmx/%s/codelist/%s/%s/latest",
		strings.TrimRight(f.settings.Eurostat.BaseURL, "/"),
		f.settings.Eurostat.SDMXAPIVersion,
		f.settings.Eurostat.SDMXAgencyID,
		strings.ToUpper(codelistID),
	)
	return f.fetch(ctx, u, fmt.Sprintf("codelist_%s.xml", strings.ToLower(codelistID)))
}

// GetDatasetTSV fetches the gzipped wide TSV for datasetID from
// downloadURL (taken from the inventory). The cache filename is derived
// from datasetID, never from the URL, so repeated inventory refreshes
// still hit the same cache entry.
func (f *Fetcher) GetDatasetTSV(ctx context.Context, datasetID, downloadURL string) (string, error) {
	base, err := url.Parse(f.settings.Eurostat.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing configured base url: %w", err)
	}
	ref, err := url.Parse(downloadURL)
	if err != nil {
		return "", fmt.Errorf("parsing dataset download url %q: %w", downloadURL, err)
	}
	full := base.ResolveReference(ref).String()
	return f.fetch(ctx, full, fmt.Sprintf("%s.tsv.gz", strings.ToLower(datasetID)))
}
