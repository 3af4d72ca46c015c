// Package orchestrator drives the single-dataset ingestion pipeline and the
// batch "update all managed datasets" workflow, tying together the fetcher,
// inventory index, SDMX parser, TSV stream parser, transformer and loader.
// This mirrors py_load_eurostat/pipeline.py's state machine, expressed as
// Go methods over a struct of collaborators rather than free functions,
// matching the teacher's own preference for a thin driving type
// (engine.go/db.go) that composes lower-level pieces.
package orchestrator

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/gowthamrao/eurostat-ingest/internal/config"
	"github.com/gowthamrao/eurostat-ingest/internal/eserrors"
	"github.com/gowthamrao/eurostat-ingest/internal/fetcher"
	"github.com/gowthamrao/eurostat-ingest/internal/inventory"
	"github.com/gowthamrao/eurostat-ingest/internal/loader"
	"github.com/gowthamrao/eurostat-ingest/internal/model"
	"github.com/gowthamrao/eurostat-ingest/internal/sdmx"
	"github.com/gowthamrao/eurostat-ingest/internal/transform"
	"github.com/gowthamrao/eurostat-ingest/internal/tsv"
)

const (
	dataSchema = "eurostat_data"
	metaSchema = "eurostat_meta"
)

// Orchestrator runs the ingestion pipeline for one or many datasets.
type Orchestrator struct {
	settings *config.AppSettings
	fetcher  *fetcher.Fetcher
	ld       loader.Loader
	log      logr.Logger
}

// New builds an Orchestrator from already-constructed collaborators.
func New(settings *config.AppSettings, f *fetcher.Fetcher, ld loader.Loader, log logr.Logger) *Orchestrator {
	return &Orchestrator{settings: settings, fetcher: f, ld: ld, log: log.WithName("orchestrator")}
}

// Result summarizes one dataset's run.
type Result struct {
	RowsLoaded int64
	Skipped    bool
}

// Run executes the single-dataset pipeline for datasetID.
func (o *Orchestrator) Run(ctx context.Context, datasetID string, representation model.Representation, strategy model.LoadStrategy, useUnloggedTables bool) (Result, error) {
	invPath, err := o.fetcher.GetInventory(ctx)
	if err != nil {
		return Result{}, errors.Wrap(err, "fetching inventory")
	}
	idx, err := inventory.Parse(invPath)
	if err != nil {
		return Result{}, errors.Wrap(err, "parsing inventory")
	}
	return o.runWithInventory(ctx, idx, datasetID, representation, strategy, useUnloggedTables)
}

func (o *Orchestrator) runWithInventory(ctx context.Context, idx *inventory.Index, datasetID string, representation model.Representation, strategy model.LoadStrategy, useUnloggedTables bool) (Result, error) {
	remoteLastUpdate, ok := idx.LastUpdate(datasetID)
	if !ok {
		return Result{}, &eserrors.NotFoundError{DatasetID: datasetID}
	}
	downloadURL, _ := idx.DownloadURL(datasetID)

	tableName := "data_" + strings.ToLower(datasetID)

	history := model.IngestionHistory{
		DatasetID:      datasetID,
		LoadStrategy:   strategy,
		Representation: representation,
		Status:         model.IngestionRunning,
		StartTime:      startTime(),
	}

	result, runErr := o.runPipeline(ctx, datasetID, tableName, representation, strategy, useUnloggedTables, remoteLastUpdate, downloadURL, &history)
	if runErr != nil {
		end := startTime()
		history.EndTime = &end
		history.Status = model.IngestionFailed
		history.ErrorDetails = runErr.Error()
		if saveErr := o.ld.SaveIngestionState(ctx, history, metaSchema); saveErr != nil {
			o.log.Error(saveErr, "failed to persist FAILED ingestion state", "dataset", datasetID)
		}
		return Result{}, runErr
	}
	return result, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, datasetID, tableName string, representation model.Representation, strategy model.LoadStrategy, useUnloggedTables bool, remoteLastUpdate time.Time, downloadURL string, history *model.IngestionHistory) (Result, error) {
	lastIngestion, err := o.ld.GetIngestionState(ctx, datasetID, metaSchema)
	if err != nil {
		return Result{}, errors.Wrap(err, "querying ingestion state")
	}

	if strategy == model.LoadStrategyDelta && lastIngestion != nil && !lastIngestion.SourceLastUpdate.Before(remoteLastUpdate) {
		o.log.Info("dataset already up to date, skipping", "dataset", datasetID)
		end := startTime()
		history.EndTime = &end
		history.Status = model.IngestionSuccess
		history.RowsLoaded = 0
		history.SourceLastUpdate = &remoteLastUpdate
		if lastIngestion != nil {
			history.DSDVersion = lastIngestion.DSDVersion
		}
		if err := o.ld.SaveIngestionState(ctx, *history, metaSchema); err != nil {
			return Result{}, errors.Wrap(err, "persisting no-op ingestion state")
		}
		return Result{Skipped: true}, nil
	}

	dsdPath, err := o.fetcher.GetDSD(ctx, datasetID)
	if err != nil {
		return Result{}, errors.Wrap(err, "fetching DSD")
	}
	dsd, err := sdmx.ParseDSD(dsdPath)
	if err != nil {
		return Result{}, errors.Wrap(err, "parsing DSD")
	}
	history.DSDVersion = dsd.Version

	codelists, err := sdmx.FetchAndParseCodelists(ctx, o.fetcher, dsd)
	if err != nil {
		return Result{}, errors.Wrap(err, "fetching codelists")
	}

	if err := o.ld.ManageCodelists(ctx, codelists, metaSchema); err != nil {
		return Result{}, errors.Wrap(err, "managing codelists")
	}

	if err := o.ld.PrepareSchema(ctx, dsd, tableName, dataSchema, metaSchema, representation, lastIngestion); err != nil {
		return Result{}, errors.Wrap(err, "preparing schema")
	}

	tsvPath, err := o.fetcher.GetDatasetTSV(ctx, datasetID, downloadURL)
	if err != nil {
		return Result{}, errors.Wrap(err, "fetching dataset TSV")
	}

	stagingTable, rowsLoaded, err := o.streamLoad(ctx, dsd, codelists, representation, tsvPath, tableName, useUnloggedTables)
	if err != nil {
		return Result{}, errors.Wrap(err, "bulk loading staging table")
	}

	finalizeStrategy := loader.StrategySwap
	if strategy == model.LoadStrategyDelta {
		finalizeStrategy = loader.StrategyMerge
	}
	if err := o.ld.FinalizeLoad(ctx, dsd, stagingTable, tableName, dataSchema, finalizeStrategy); err != nil {
		return Result{}, errors.Wrap(err, "finalizing load")
	}

	end := startTime()
	history.EndTime = &end
	history.Status = model.IngestionSuccess
	history.RowsLoaded = rowsLoaded
	history.SourceLastUpdate = &remoteLastUpdate
	if err := o.ld.SaveIngestionState(ctx, *history, metaSchema); err != nil {
		return Result{}, errors.Wrap(err, "persisting ingestion state")
	}

	return Result{RowsLoaded: rowsLoaded}, nil
}

// streamLoad wires the tsv.Reader -> transform.Chunk -> loader.BulkLoadStaging
// pipeline as a producer/consumer pair sharing an errgroup.WithContext, the
// way the teacher's live.go wires its mutation channel between a producer
// goroutine and a consuming errgroup worker. Running both ends under the
// same group means either side failing cancels the shared context, so the
// other side is guaranteed to unblock: the consumer failing early (e.g. a
// PK violation mid-COPY) cancels the producer's blocked channel send instead
// of leaving it stuck forever, and the producer failing cancels whatever the
// consumer is waiting on.
func (o *Orchestrator) streamLoad(ctx context.Context, dsd model.DSD, codelists map[string]model.Codelist, representation model.Representation, tsvPath, tableName string, useUnloggedTables bool) (string, int64, error) {
	reader, err := tsv.Open(tsvPath)
	if err != nil {
		return "", 0, err
	}

	obsCh := make(chan model.Observation, 1)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(obsCh)
		defer reader.Close()
		opts := transform.Options{DSD: dsd, Codelists: codelists, Representation: representation}
		for {
			rows, err := reader.Next()
			if err != nil {
				if err != io.EOF {
					return err
				}
				return nil
			}
			for _, obs := range transform.Chunk(opts, reader.Header, rows) {
				select {
				case obsCh <- obs:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
		}
	})

	var stagingTable string
	var rowsLoaded int64
	g.Go(func() error {
		table, n, err := o.ld.BulkLoadStaging(gctx, dsd, tableName, dataSchema, obsCh, useUnloggedTables)
		stagingTable, rowsLoaded = table, n
		return err
	})

	if err := g.Wait(); err != nil {
		return "", 0, err
	}
	return stagingTable, rowsLoaded, nil
}

// BatchSpec is the parsed managed-datasets YAML file.
type BatchSpec struct {
	Datasets []string `yaml:"datasets"`
}

// BatchSummary counts per-dataset outcomes across a batch update.
type BatchSummary struct {
	Updated int
	Skipped int
	Failed  int
}

// LoadBatchSpec reads and parses a managed-datasets YAML file.
func LoadBatchSpec(data []byte) (BatchSpec, error) {
	var spec BatchSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return BatchSpec{}, &eserrors.ParseError{Source: "managed datasets file", Err: err}
	}
	return spec, nil
}

// UpdateAll runs the single-dataset pipeline (Standard representation,
// Delta strategy) for every dataset in spec, sharing one inventory fetch
// and never letting one dataset's failure abort the batch.
func (o *Orchestrator) UpdateAll(ctx context.Context, spec BatchSpec, useUnloggedTables bool) (BatchSummary, error) {
	if len(spec.Datasets) == 0 {
		o.log.Info("no managed datasets configured, nothing to do")
		return BatchSummary{}, nil
	}

	invPath, err := o.fetcher.GetInventory(ctx)
	if err != nil {
		return BatchSummary{}, errors.Wrap(err, "fetching inventory")
	}
	idx, err := inventory.Parse(invPath)
	if err != nil {
		return BatchSummary{}, errors.Wrap(err, "parsing inventory")
	}

	var summary BatchSummary
	for _, id := range spec.Datasets {
		if _, ok := idx.LastUpdate(id); !ok {
			o.log.Info("dataset not found in inventory", "dataset", id)
			summary.Failed++
			continue
		}

		result, err := o.runWithInventory(ctx, idx, id, model.RepresentationStandard, model.LoadStrategyDelta, useUnloggedTables)
		if err != nil {
			o.log.Error(err, "dataset update failed", "dataset", id)
			summary.Failed++
			continue
		}
		if result.Skipped {
			summary.Skipped++
		} else {
			summary.Updated++
		}
	}

	o.log.Info("batch update complete", "updated", summary.Updated, "skipped", summary.Skipped, "failed", summary.Failed)
	return summary, nil
}

// Close releases the loader's underlying connection.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.ld.Close(ctx)
}

// startTime is the single seam for "now" so tests can stamp ingestion
// history records deterministically by replacing this var.
var startTime = time.Now
