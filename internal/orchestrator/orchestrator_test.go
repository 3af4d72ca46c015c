package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-logr/logr"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"

	"github.com/gowthamrao/eurostat-ingest/internal/config"
	"github.com/gowthamrao/eurostat-ingest/internal/fetcher"
	"github.com/gowthamrao/eurostat-ingest/internal/loader"
	"github.com/gowthamrao/eurostat-ingest/internal/model"
)

const testDSDXML = `<?xml version="1.0" encoding="UTF-8"?>
<message:StructureSpecificData xmlns:message="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/message">
  <message:Structures>
    <DataStructures>
      <DataStructure id="TEST_DSD" version="1.0">
        <DataStructureComponents>
          <DimensionList>
            <Dimension id="unit"><LocalRepresentation><Enumeration><Ref id="CL_UNIT"/></Enumeration></LocalRepresentation></Dimension>
            <Dimension id="geo"><LocalRepresentation><Enumeration><Ref id="CL_GEO"/></Enumeration></LocalRepresentation></Dimension>
          </DimensionList>
          <AttributeList>
            <Attribute id="OBS_FLAG"></Attribute>
          </AttributeList>
          <MeasureList>
            <PrimaryMeasure id="OBS_VALUE"><LocalRepresentation><TextFormat textType="Double"/></LocalRepresentation></PrimaryMeasure>
          </MeasureList>
        </DataStructureComponents>
      </DataStructure>
    </DataStructures>
  </message:Structures>
</message:StructureSpecificData>`

func codelistXML(id string, codes map[string]string) string {
	items := ""
	for code, name := range codes {
		items += `<Code id="` + code + `"><Name>` + name + `</Name></Code>`
	}
	return `<?xml version="1.0" encoding="UTF-8"?>
<message:StructureSpecificData xmlns:message="http://www.sdmx.org/resources/sdmxml/schemas/v2_1/message">
  <message:Structures><Codelists><Codelist id="` + id + `" version="1.0">` + items + `</Codelist></Codelists></message:Structures>
</message:StructureSpecificData>`
}

func writeFile(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
}

func writeGzipFile(t *testing.T, dir, name, body string) {
	t.Helper()
	f, err := os.Create(filepath.Join(dir, name))
	require.NoError(t, err)
	defer f.Close()
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
}

// setupHarness pre-populates the fetcher's cache directory so the pipeline
// runs end to end without a network call, the way fetcher.fetch treats a
// present cache file as a hit.
func setupHarness(t *testing.T, inventoryLastChange string) (*Orchestrator, *config.AppSettings) {
	t.Helper()
	cacheDir := t.TempDir()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	writeFile(t, cacheDir, "inventory.tsv",
		"Code\tType\tLast data change\tData download url (tsv)\n"+
			"TEST_DS\tDATASET\t"+inventoryLastChange+"\thttps://example.test/test_ds.tsv.gz\n")
	writeFile(t, cacheDir, "dsd_test_ds.xml", testDSDXML)
	writeFile(t, cacheDir, "codelist_cl_unit.xml", codelistXML("CL_UNIT", map[string]string{"EUR": "Euro"}))
	writeFile(t, cacheDir, "codelist_cl_geo.xml", codelistXML("CL_GEO", map[string]string{"DE": "Germany", "FR": "France"}))
	writeGzipFile(t, cacheDir, "test_ds.tsv.gz",
		"unit,geo\\time\t2020\t2021\n"+
			"EUR,DE\t100.0\t101.0 p\n"+
			"EUR,FR\t:\t99.5\n")

	settings := &config.AppSettings{
		DBType:              config.DBTypeSQLite,
		ManagedDatasetsPath: "managed_datasets.yml",
		DB:                  config.DatabaseSettings{Name: dbPath},
		Cache:               config.CacheSettings{Path: cacheDir, Enabled: true},
		Eurostat:            config.EurostatSettings{BaseURL: "https://example.test", SDMXAPIVersion: "2.1", SDMXAgencyID: "ESTAT"},
	}

	f, err := fetcher.New(settings, logr.Discard())
	require.NoError(t, err)

	ld, err := loader.New(context.Background(), settings, logr.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { ld.Close(context.Background()) })

	return New(settings, f, ld, logr.Discard()), settings
}

func TestRunFullStrategyLoadsObservations(t *testing.T) {
	orch, _ := setupHarness(t, "2024-01-01")

	result, err := orch.Run(context.Background(), "test_ds", model.RepresentationStandard, model.LoadStrategyFull, false)
	require.NoError(t, err)
	require.False(t, result.Skipped)
	// 2 rows x 2 periods - 1 missing cell ("EUR,FR" at 2020) = 3 observations.
	require.EqualValues(t, 3, result.RowsLoaded)
}

func TestRunDeltaStrategySkipsWhenUpToDateButAlwaysPersistsHistory(t *testing.T) {
	// The embedded SQLite engine only implements the swap finalize
	// strategy, so the first load that actually touches the table must
	// use Full; Delta's merge-on-finalize path is Postgres-only (see
	// DESIGN.md). The short-circuit under test here never reaches
	// FinalizeLoad at all, so it works against either engine.
	ctx := context.Background()
	orch, _ := setupHarness(t, "2024-01-01")

	first, err := orch.Run(ctx, "test_ds", model.RepresentationStandard, model.LoadStrategyFull, false)
	require.NoError(t, err)
	require.False(t, first.Skipped)
	require.EqualValues(t, 3, first.RowsLoaded)

	second, err := orch.Run(ctx, "test_ds", model.RepresentationStandard, model.LoadStrategyDelta, false)
	require.NoError(t, err)
	require.True(t, second.Skipped)
	require.EqualValues(t, 0, second.RowsLoaded)

	hist, err := orch.ld.GetIngestionState(ctx, "test_ds", metaSchema)
	require.NoError(t, err)
	require.NotNil(t, hist)
	require.Equal(t, model.IngestionSuccess, hist.Status)
}

func TestRunUnknownDatasetReturnsNotFoundError(t *testing.T) {
	orch, _ := setupHarness(t, "2024-01-01")
	_, err := orch.Run(context.Background(), "does_not_exist", model.RepresentationStandard, model.LoadStrategyFull, false)
	require.Error(t, err)
}

func TestUpdateAllContinuesPastPerDatasetFailures(t *testing.T) {
	// update-all always requests the Delta strategy; seed a prior Full
	// load first so test_ds's ingestion history already matches the
	// current inventory and the Delta short-circuit fires (Skipped)
	// rather than requiring the embedded engine's unsupported merge
	// finalize path.
	ctx := context.Background()
	orch, _ := setupHarness(t, "2024-01-01")
	_, err := orch.Run(ctx, "test_ds", model.RepresentationStandard, model.LoadStrategyFull, false)
	require.NoError(t, err)

	spec := BatchSpec{Datasets: []string{"test_ds", "unknown_dataset"}}
	summary, err := orch.UpdateAll(ctx, spec, false)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Updated)
	require.Equal(t, 1, summary.Skipped)
	require.Equal(t, 1, summary.Failed)
}

func TestLoadBatchSpecParsesDatasetList(t *testing.T) {
	spec, err := LoadBatchSpec([]byte("datasets:\n  - a\n  - b\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, spec.Datasets)
}

func TestLoadBatchSpecRejectsMalformedYAML(t *testing.T) {
	_, err := LoadBatchSpec([]byte("datasets: [unterminated"))
	require.Error(t, err)
}
