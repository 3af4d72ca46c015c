package fetcher

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/eurostat-ingest/internal/config"
)

func TestFatalStatus(t *testing.T) {
	assert.True(t, fatalStatus(http.StatusNotFound))
	assert.True(t, fatalStatus(http.StatusBadRequest))
	assert.False(t, fatalStatus(http.StatusTooManyRequests))
	assert.False(t, fatalStatus(http.StatusInternalServerError))
	assert.False(t, fatalStatus(http.StatusOK))
}

func TestGetInventoryReturnsCachedFileWithoutNetworkAccess(t *testing.T) {
	cacheDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "inventory.tsv"), []byte("Code\tType\n"), 0o644))

	settings := &config.AppSettings{
		Cache:    config.CacheSettings{Path: cacheDir, Enabled: true},
		Eurostat: config.EurostatSettings{BaseURL: "https://example.invalid", SDMXAPIVersion: "2.1", SDMXAgencyID: "ESTAT"},
	}
	f, err := New(settings, logr.Discard())
	require.NoError(t, err)

	path, err := f.GetInventory(nil) //nolint:staticcheck // cache hit never touches ctx
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "inventory.tsv"), path)
}

func TestCacheFilenamesAreDerivedFromLogicalIDNotURL(t *testing.T) {
	cacheDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "nama_10_gdp.tsv.gz"), []byte("x"), 0o644))

	settings := &config.AppSettings{
		Cache:    config.CacheSettings{Path: cacheDir, Enabled: true},
		Eurostat: config.EurostatSettings{BaseURL: "https://example.invalid", SDMXAPIVersion: "2.1", SDMXAgencyID: "ESTAT"},
	}
	f, err := New(settings, logr.Discard())
	require.NoError(t, err)

	path, err := f.GetDatasetTSV(nil, "NAMA_10_GDP", "/some/changing/path.tsv.gz") //nolint:staticcheck
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cacheDir, "nama_10_gdp.tsv.gz"), path)
}
