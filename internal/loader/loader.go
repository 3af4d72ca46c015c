// Package loader defines the target-database contract (Postgres or SQLite)
// and its two concrete engines, the way py_load_eurostat/loader/base.py
// defines LoaderInterface and lets postgresql.py / sqlite.py each satisfy
// it with engine-appropriate SQL.
package loader

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/gowthamrao/eurostat-ingest/internal/config"
	"github.com/gowthamrao/eurostat-ingest/internal/model"
)

// Strategy selects how staged data replaces or merges into the target table.
type Strategy string

const (
	StrategySwap  Strategy = "swap"
	StrategyMerge Strategy = "merge"
)

// Loader is the contract every target database engine implements.
type Loader interface {
	// PrepareSchema ensures the metadata/data schemas and the dataset's main
	// table exist, applying idempotent schema evolution (added columns, FK
	// constraints) when the table already exists. It must be safe to call
	// repeatedly. lastIngestion, when non-nil and its DSDVersion matches
	// dsd.Version, lets the engine skip the evolution check entirely.
	PrepareSchema(ctx context.Context, dsd model.DSD, tableName, schema, metaSchema string, representation model.Representation, lastIngestion *model.IngestionHistory) error

	// ManageCodelists idempotently upserts the given codelists into schema.
	ManageCodelists(ctx context.Context, codelists map[string]model.Codelist, schema string) error

	// BulkLoadStaging creates a fresh staging table shaped like the main
	// table and loads obs into it via the engine's native bulk path,
	// returning the staging table's name and the row count loaded.
	BulkLoadStaging(ctx context.Context, dsd model.DSD, tableName, schema string, obs <-chan model.Observation, useUnloggedTable bool) (string, int64, error)

	// FinalizeLoad atomically replaces or merges stagingTable into
	// targetTable per strategy, then drops the staging table.
	FinalizeLoad(ctx context.Context, dsd model.DSD, stagingTable, targetTable, schema string, strategy Strategy) error

	// GetIngestionState returns the most recent SUCCESS history record for
	// datasetID, or nil if none exists.
	GetIngestionState(ctx context.Context, datasetID, schema string) (*model.IngestionHistory, error)

	// SaveIngestionState inserts a new ingestion history row.
	SaveIngestionState(ctx context.Context, record model.IngestionHistory, schema string) error

	// Close releases any open database connections/pools.
	Close(ctx context.Context) error
}

// New constructs the Loader for settings.DBType.
func New(ctx context.Context, settings *config.AppSettings, log logr.Logger) (Loader, error) {
	switch settings.DBType {
	case config.DBTypePostgres:
		return NewPostgres(ctx, settings.DB, log)
	case config.DBTypeSQLite:
		return NewSQLite(settings.DB, log)
	default:
		return nil, fmt.Errorf("unknown db_type %q", settings.DBType)
	}
}
