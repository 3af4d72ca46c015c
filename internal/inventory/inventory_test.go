package inventory

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeInventory(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory.tsv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestParseFiltersNonDatasetRowsAndIsCaseInsensitive(t *testing.T) {
	body := "Code\tType\tLast data change\tData download url (tsv)\n" +
		"NAMA_10_GDP\tDATASET\t2024-03-01\thttps://example.test/nama_10_gdp.tsv.gz\n" +
		"SOME_FOLDER\tFOLDER\t2024-03-01\thttps://example.test/ignored\n"

	path := writeInventory(t, body)
	idx, err := Parse(path)
	require.NoError(t, err)

	ts, ok := idx.LastUpdate("nama_10_gdp")
	require.True(t, ok)
	require.Equal(t, 2024, ts.Year())

	url, ok := idx.DownloadURL("NAMA_10_GDP")
	require.True(t, ok)
	require.Equal(t, "https://example.test/nama_10_gdp.tsv.gz", url)

	_, ok = idx.LastUpdate("some_folder")
	require.False(t, ok)
}

func TestParseSkipsRowsMissingRequiredFields(t *testing.T) {
	body := "Code\tType\tLast data change\tData download url (tsv)\n" +
		"\tDATASET\t2024-03-01\thttps://example.test/x\n" +
		"GOOD\tDATASET\t\thttps://example.test/y\n" +
		"GOOD2\tDATASET\t2024-03-01\t\n"

	path := writeInventory(t, body)
	idx, err := Parse(path)
	require.NoError(t, err)

	_, ok := idx.LastUpdate("good")
	require.False(t, ok)
	_, ok = idx.LastUpdate("good2")
	require.False(t, ok)
}

func TestParseRejectsMissingColumns(t *testing.T) {
	path := writeInventory(t, "Code\tType\n A\tDATASET\n")
	_, err := Parse(path)
	require.Error(t, err)
}

func TestParseAcceptsMultipleTimestampLayouts(t *testing.T) {
	body := "Code\tType\tLast data change\tData download url (tsv)\n" +
		"A\tDATASET\t2024-03-01T10:00:00Z\thttps://example.test/a\n" +
		"B\tDATASET\t2024-03-02 11:00:00\thttps://example.test/b\n" +
		"C\tDATASET\t2024-03-03\thttps://example.test/c\n"

	path := writeInventory(t, body)
	idx, err := Parse(path)
	require.NoError(t, err)

	for _, id := range []string{"a", "b", "c"} {
		ts, ok := idx.LastUpdate(id)
		require.True(t, ok, id)
		require.Equal(t, time.UTC, ts.Location())
	}
}
