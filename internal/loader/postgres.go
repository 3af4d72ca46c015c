package loader

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gowthamrao/eurostat-ingest/internal/config"
	"github.com/gowthamrao/eurostat-ingest/internal/eserrors"
	"github.com/gowthamrao/eurostat-ingest/internal/model"
)

// postgresTypeMap mirrors py_load_eurostat/loader/postgresql.py's
// _get_required_columns type table.
var postgresTypeMap = map[model.DataType]string{
	model.DataTypeString:      "TEXT",
	model.DataTypeText:        "TEXT",
	model.DataTypeDouble:      "DOUBLE PRECISION",
	model.DataTypeFloat:       "DOUBLE PRECISION",
	model.DataTypeInteger:     "INTEGER",
	model.DataTypeLong:        "BIGINT",
	model.DataTypeShort:       "SMALLINT",
	model.DataTypeBoolean:     "BOOLEAN",
	model.DataTypeDate:        "DATE",
	model.DataTypeDateTime:    "TIMESTAMPTZ",
	model.DataTypeYear:        "INTEGER",
	model.DataTypeTimePeriod:  "TEXT",
	model.DataTypeAnyURI:      "TEXT",
	model.DataTypeCount:       "INTEGER",
	model.DataTypeDecimal:     "DOUBLE PRECISION",
	model.DataTypeBigInteger:  "BIGINT",
	model.DataTypePositiveInt: "BIGINT",
}

// Postgres is the production loader engine, bulk-loading through
// jackc/pgx/v5's native COPY protocol the way the teacher's examples/load
// pipeline streams data through bounded channels, and the way
// other_examples' production bulk loader drives pgx.CopyFrom with a
// CopyFromSource implementation.
type Postgres struct {
	pool *pgxpool.Pool
	log  logr.Logger
}

// NewPostgres opens a connection pool to the configured Postgres database.
func NewPostgres(ctx context.Context, db config.DatabaseSettings, log logr.Logger) (*Postgres, error) {
	if db.Password == "" {
		return nil, &eserrors.ConfigError{Field: "db.password", Err: fmt.Errorf("database password is required but was not provided")}
	}
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s", db.User, db.Password, db.Host, db.Port, db.Name)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	log.Info("connected to postgresql", "host", db.Host, "name", db.Name)
	return &Postgres{pool: pool, log: log.WithName("postgres-loader")}, nil
}

func requiredColumns(dsd model.DSD) map[string]string {
	cols := make(map[string]string, len(dsd.Dimensions)+2)
	for _, d := range dsd.Dimensions {
		t, ok := postgresTypeMap[d.DataType]
		if !ok {
			t = "TEXT"
		}
		cols[d.ID] = t
	}
	if pm, ok := dsd.PrimaryMeasure(); ok {
		t, ok := postgresTypeMap[pm.DataType]
		if !ok {
			t = "DOUBLE PRECISION"
		}
		cols[pm.ID] = t
	} else {
		cols[dsd.PrimaryMeasureID] = "DOUBLE PRECISION"
	}
	cols[dsd.ObsFlagAttributeID()] = "TEXT"
	cols["time_period"] = "TEXT"
	return cols
}

func normalizePGType(t string) string {
	t = strings.ToLower(t)
	switch {
	case strings.HasPrefix(t, "character varying"), strings.HasPrefix(t, "char"):
		return "text"
	case t == "float8":
		return "double precision"
	case t == "int8":
		return "bigint"
	case t == "int4":
		return "integer"
	case t == "int2":
		return "smallint"
	case strings.HasPrefix(t, "timestamp"):
		return "timestamptz"
	default:
		return t
	}
}

func (p *Postgres) tableExists(ctx context.Context, tx pgx.Tx, schema, table string) (bool, error) {
	var exists bool
	err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = $1 AND table_name = $2)`,
		schema, table).Scan(&exists)
	return exists, err
}

func (p *Postgres) existingColumnTypes(ctx context.Context, tx pgx.Tx, schema, table string) (map[string]string, error) {
	rows, err := tx.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns WHERE table_schema = $1 AND table_name = $2`,
		schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, dtype string
		if err := rows.Scan(&name, &dtype); err != nil {
			return nil, err
		}
		out[name] = dtype
	}
	return out, rows.Err()
}

// PrepareSchema implements Loader.
func (p *Postgres) PrepareSchema(ctx context.Context, dsd model.DSD, tableName, schema, metaSchema string, representation model.Representation, lastIngestion *model.IngestionHistory) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{schema}.Sanitize())); err != nil {
		return fmt.Errorf("creating schema %q: %w", schema, err)
	}

	required := requiredColumns(dsd)
	exists, err := p.tableExists(ctx, tx, schema, tableName)
	if err != nil {
		return err
	}

	if !exists {
		p.log.Info("creating table", "schema", schema, "table", tableName)
		var colDefs []string
		for name, dtype := range required {
			colDefs = append(colDefs, fmt.Sprintf("%s %s", pgx.Identifier{name}.Sanitize(), dtype))
		}
		var pkCols []string
		for _, d := range dsd.Dimensions {
			pkCols = append(pkCols, pgx.Identifier{d.ID}.Sanitize())
		}
		pkCols = append(pkCols, pgx.Identifier{"time_period"}.Sanitize())
		colDefs = append(colDefs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pkCols, ", ")))

		createSQL := fmt.Sprintf(`CREATE TABLE %s.%s (%s)`,
			pgx.Identifier{schema}.Sanitize(), pgx.Identifier{tableName}.Sanitize(), strings.Join(colDefs, ", "))
		if _, err := tx.Exec(ctx, createSQL); err != nil {
			return fmt.Errorf("creating table %s.%s: %w", schema, tableName, err)
		}
	} else {
		p.log.Info("table exists, checking schema evolution", "schema", schema, "table", tableName)
		if lastIngestion != nil && lastIngestion.DSDVersion != "" && lastIngestion.DSDVersion == dsd.Version {
			p.log.Info("dsd version unchanged, skipping evolution check", "version", dsd.Version)
			return tx.Commit(ctx)
		}

		existingTypes, err := p.existingColumnTypes(ctx, tx, schema, tableName)
		if err != nil {
			return err
		}

		for col, required := range required {
			if existing, ok := existingTypes[col]; ok {
				if normalizePGType(existing) != normalizePGType(required) {
					return &eserrors.SchemaEvolutionError{
						Column: col, Table: schema + "." + tableName,
						ExistingType: existing, RequiredType: required,
					}
				}
			}
		}

		for col, dtype := range required {
			if _, ok := existingTypes[col]; !ok {
				p.log.Info("adding missing column", "table", tableName, "column", col, "type", dtype)
				alterSQL := fmt.Sprintf(`ALTER TABLE %s.%s ADD COLUMN IF NOT EXISTS %s %s`,
					pgx.Identifier{schema}.Sanitize(), pgx.Identifier{tableName}.Sanitize(), pgx.Identifier{col}.Sanitize(), dtype)
				if _, err := tx.Exec(ctx, alterSQL); err != nil {
					return fmt.Errorf("adding column %q: %w", col, err)
				}
			}
		}

		var extra []string
		for col := range existingTypes {
			if _, ok := required[col]; !ok {
				extra = append(extra, col)
			}
		}
		if len(extra) > 0 {
			p.log.Info("extra columns no longer in DSD, left in place", "table", tableName, "columns", extra)
		}
	}

	if representation == model.RepresentationStandard {
		p.log.Info("applying foreign key constraints", "table", tableName)
		if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{metaSchema}.Sanitize())); err != nil {
			return fmt.Errorf("creating meta schema %q: %w", metaSchema, err)
		}
		for _, dim := range dsd.Dimensions {
			if dim.CodelistID == "" {
				continue
			}
			fkName := fmt.Sprintf("fk_%s_%s", tableName, dim.ID)
			codelistTable := strings.ToLower(dim.CodelistID)

			var fkExists bool
			err := tx.QueryRow(ctx, `
				SELECT EXISTS (
					SELECT 1 FROM information_schema.table_constraints
					WHERE constraint_type = 'FOREIGN KEY' AND table_name = $1
					AND constraint_name = $2 AND table_schema = $3
				)`, tableName, fkName, schema).Scan(&fkExists)
			if err != nil {
				return err
			}
			if fkExists {
				continue
			}

			fkSQL := fmt.Sprintf(`
				ALTER TABLE %s.%s
				ADD CONSTRAINT %s
				FOREIGN KEY (%s)
				REFERENCES %s.%s (code)
				ON DELETE RESTRICT ON UPDATE CASCADE`,
				pgx.Identifier{schema}.Sanitize(), pgx.Identifier{tableName}.Sanitize(),
				pgx.Identifier{fkName}.Sanitize(), pgx.Identifier{dim.ID}.Sanitize(),
				pgx.Identifier{metaSchema}.Sanitize(), pgx.Identifier{codelistTable}.Sanitize())
			if _, err := tx.Exec(ctx, fkSQL); err != nil {
				return fmt.Errorf("adding foreign key %q: %w", fkName, err)
			}
		}
	}

	return tx.Commit(ctx)
}

// codeRows adapts a Codelist's codes into a pgx.CopyFromSource.
type codeRows struct {
	codes []model.Code
	i     int
}

func (r *codeRows) Next() bool {
	r.i++
	return r.i <= len(r.codes)
}

func (r *codeRows) Values() ([]interface{}, error) {
	c := r.codes[r.i-1]
	var parent interface{}
	if c.ParentID != "" {
		parent = c.ParentID
	}
	return []interface{}{c.ID, c.Name, c.Description, parent}, nil
}

func (r *codeRows) Err() error { return nil }

// ManageCodelists implements Loader.
func (p *Postgres) ManageCodelists(ctx context.Context, codelists map[string]model.Codelist, schema string) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{schema}.Sanitize())); err != nil {
		return fmt.Errorf("creating schema %q: %w", schema, err)
	}

	for clID, cl := range codelists {
		table := strings.ToLower(clID)
		stagingTable := "staging_" + table

		if err := func() error {
			tx, err := p.pool.Begin(ctx)
			if err != nil {
				return err
			}
			defer tx.Rollback(ctx)

			if _, err := tx.Exec(ctx, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s.%s (
					code TEXT PRIMARY KEY,
					label_en TEXT,
					description_en TEXT,
					parent_code TEXT
				)`, pgx.Identifier{schema}.Sanitize(), pgx.Identifier{table}.Sanitize())); err != nil {
				return err
			}

			if _, err := tx.Exec(ctx, fmt.Sprintf(`CREATE TEMP TABLE %s (LIKE %s.%s) ON COMMIT DROP`,
				pgx.Identifier{stagingTable}.Sanitize(), pgx.Identifier{schema}.Sanitize(), pgx.Identifier{table}.Sanitize())); err != nil {
				return err
			}

			codes := make([]model.Code, 0, len(cl.Codes))
			for _, c := range cl.Codes {
				codes = append(codes, c)
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{stagingTable},
				[]string{"code", "label_en", "description_en", "parent_code"}, &codeRows{codes: codes}); err != nil {
				return fmt.Errorf("copying codelist %q: %w", clID, err)
			}

			mergeSQL := fmt.Sprintf(`
				INSERT INTO %s.%s
				SELECT * FROM %s
				ON CONFLICT (code) DO UPDATE SET
					label_en = EXCLUDED.label_en,
					description_en = EXCLUDED.description_en,
					parent_code = EXCLUDED.parent_code`,
				pgx.Identifier{schema}.Sanitize(), pgx.Identifier{table}.Sanitize(), pgx.Identifier{stagingTable}.Sanitize())
			if _, err := tx.Exec(ctx, mergeSQL); err != nil {
				return fmt.Errorf("merging codelist %q: %w", clID, err)
			}

			return tx.Commit(ctx)
		}(); err != nil {
			return err
		}
	}
	return nil
}

// obsRows adapts a channel of Observations into a pgx.CopyFromSource.
type obsRows struct {
	ch       <-chan model.Observation
	dimOrder []string
	flagCol  string
	measure  string
	cur      model.Observation
}

func (r *obsRows) Next() bool {
	v, ok := <-r.ch
	if !ok {
		return false
	}
	r.cur = v
	return true
}

func (r *obsRows) Values() ([]interface{}, error) {
	values := make([]interface{}, 0, len(r.dimOrder)+3)
	for _, id := range r.dimOrder {
		if v, ok := r.cur.Dimensions[id]; ok {
			values = append(values, v)
		} else {
			values = append(values, nil)
		}
	}
	values = append(values, r.cur.TimePeriod)
	if r.cur.Value != nil {
		values = append(values, *r.cur.Value)
	} else {
		values = append(values, nil)
	}
	if r.cur.Flags != nil {
		values = append(values, *r.cur.Flags)
	} else {
		values = append(values, nil)
	}
	return values, nil
}

func (r *obsRows) Err() error { return nil }

// BulkLoadStaging implements Loader.
func (p *Postgres) BulkLoadStaging(ctx context.Context, dsd model.DSD, tableName, schema string, obs <-chan model.Observation, useUnloggedTable bool) (string, int64, error) {
	stagingTable := fmt.Sprintf("staging_%s_%s", tableName, strings.ToLower(dsd.ID))

	if _, err := p.pool.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s.%s`,
		pgx.Identifier{schema}.Sanitize(), pgx.Identifier{stagingTable}.Sanitize())); err != nil {
		return "", 0, err
	}

	unlogged := ""
	if useUnloggedTable {
		unlogged = "UNLOGGED"
	}
	createSQL := fmt.Sprintf(`CREATE %s TABLE %s.%s (LIKE %s.%s INCLUDING ALL)`,
		unlogged, pgx.Identifier{schema}.Sanitize(), pgx.Identifier{stagingTable}.Sanitize(),
		pgx.Identifier{schema}.Sanitize(), pgx.Identifier{tableName}.Sanitize())
	if _, err := p.pool.Exec(ctx, createSQL); err != nil {
		return "", 0, fmt.Errorf("creating staging table: %w", err)
	}
	p.log.Info("created staging table", "schema", schema, "table", stagingTable)

	dimOrder := make([]string, len(dsd.Dimensions))
	for _, d := range dsd.Dimensions {
		dimOrder[d.Position] = d.ID
	}
	copyColumns := append(append([]string{}, dimOrder...), "time_period", dsd.PrimaryMeasureID, dsd.ObsFlagAttributeID())

	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return "", 0, err
	}
	defer conn.Release()

	count, err := conn.Conn().CopyFrom(ctx,
		pgx.Identifier{schema, stagingTable}, copyColumns,
		&obsRows{ch: obs, dimOrder: dimOrder, flagCol: dsd.ObsFlagAttributeID(), measure: dsd.PrimaryMeasureID})
	if err != nil {
		return "", 0, fmt.Errorf("copying observations into staging table: %w", err)
	}

	p.log.Info("finished copy", "rows", count)
	return stagingTable, count, nil
}

// FinalizeLoad implements Loader.
func (p *Postgres) FinalizeLoad(ctx context.Context, dsd model.DSD, stagingTable, targetTable, schema string, strategy Strategy) error {
	switch strategy {
	case StrategySwap:
		return p.finalizeSwap(ctx, stagingTable, targetTable, schema)
	case StrategyMerge:
		return p.finalizeMerge(ctx, dsd, stagingTable, targetTable, schema)
	default:
		return fmt.Errorf("unknown finalization strategy %q", strategy)
	}
}

func (p *Postgres) finalizeSwap(ctx context.Context, stagingTable, targetTable, schema string) error {
	backupTable := targetTable + "_old"
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	stmts := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %s.%s CASCADE`, pgx.Identifier{schema}.Sanitize(), pgx.Identifier{backupTable}.Sanitize()),
		fmt.Sprintf(`ALTER TABLE IF EXISTS %s.%s RENAME TO %s`, pgx.Identifier{schema}.Sanitize(), pgx.Identifier{targetTable}.Sanitize(), pgx.Identifier{backupTable}.Sanitize()),
		fmt.Sprintf(`ALTER TABLE %s.%s RENAME TO %s`, pgx.Identifier{schema}.Sanitize(), pgx.Identifier{stagingTable}.Sanitize(), pgx.Identifier{targetTable}.Sanitize()),
		fmt.Sprintf(`DROP TABLE IF EXISTS %s.%s CASCADE`, pgx.Identifier{schema}.Sanitize(), pgx.Identifier{backupTable}.Sanitize()),
	}
	for _, s := range stmts {
		if _, err := tx.Exec(ctx, s); err != nil {
			return fmt.Errorf("finalizing swap: %w", err)
		}
	}
	p.log.Info("load finalized via swap", "table", targetTable)
	return tx.Commit(ctx)
}

func (p *Postgres) finalizeMerge(ctx context.Context, dsd model.DSD, stagingTable, targetTable, schema string) error {
	pkCols := make([]string, 0, len(dsd.Dimensions)+1)
	for _, d := range dsd.Dimensions {
		pkCols = append(pkCols, pgx.Identifier{d.ID}.Sanitize())
	}
	pkCols = append(pkCols, pgx.Identifier{"time_period"}.Sanitize())

	updateCols := []string{dsd.PrimaryMeasureID, dsd.ObsFlagAttributeID()}
	var setExprs []string
	for _, c := range updateCols {
		setExprs = append(setExprs, fmt.Sprintf("%s = EXCLUDED.%s", pgx.Identifier{c}.Sanitize(), pgx.Identifier{c}.Sanitize()))
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	mergeSQL := fmt.Sprintf(`
		INSERT INTO %s.%s
		SELECT * FROM %s.%s
		ON CONFLICT (%s) DO UPDATE SET %s`,
		pgx.Identifier{schema}.Sanitize(), pgx.Identifier{targetTable}.Sanitize(),
		pgx.Identifier{schema}.Sanitize(), pgx.Identifier{stagingTable}.Sanitize(),
		strings.Join(pkCols, ", "), strings.Join(setExprs, ", "))
	tag, err := tx.Exec(ctx, mergeSQL)
	if err != nil {
		return fmt.Errorf("merging staging table: %w", err)
	}

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE %s.%s`, pgx.Identifier{schema}.Sanitize(), pgx.Identifier{stagingTable}.Sanitize())); err != nil {
		return err
	}

	p.log.Info("load finalized via merge", "table", targetTable, "rows", tag.RowsAffected())
	return tx.Commit(ctx)
}

// GetIngestionState implements Loader.
func (p *Postgres) GetIngestionState(ctx context.Context, datasetID, schema string) (*model.IngestionHistory, error) {
	var exists bool
	if err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = $1 AND table_name = '_ingestion_history')`,
		schema).Scan(&exists); err != nil {
		return nil, fmt.Errorf("checking ingestion history table: %w", err)
	}
	if !exists {
		return nil, nil
	}

	row := p.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT ingestion_id, dataset_id, dsd_version, load_strategy, representation,
			status, start_time, end_time, rows_loaded, source_last_update, error_details
		FROM %s._ingestion_history
		WHERE dataset_id = $1 AND status = 'SUCCESS'
		ORDER BY end_time DESC LIMIT 1`, pgx.Identifier{schema}.Sanitize()), datasetID)

	var h model.IngestionHistory
	var loadStrategy, representation, status string
	err := row.Scan(&h.IngestionID, &h.DatasetID, &h.DSDVersion, &loadStrategy, &representation,
		&status, &h.StartTime, &h.EndTime, &h.RowsLoaded, &h.SourceLastUpdate, &h.ErrorDetails)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying ingestion state: %w", err)
	}
	h.LoadStrategy = model.LoadStrategy(loadStrategy)
	h.Representation = model.Representation(representation)
	h.Status = model.IngestionStatus(status)
	return &h, nil
}

// SaveIngestionState implements Loader.
func (p *Postgres) SaveIngestionState(ctx context.Context, record model.IngestionHistory, schema string) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgx.Identifier{schema}.Sanitize())); err != nil {
		return err
	}
	if _, err := p.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s._ingestion_history (
			ingestion_id SERIAL PRIMARY KEY,
			dataset_id TEXT NOT NULL,
			dsd_version TEXT,
			load_strategy TEXT,
			representation TEXT,
			status TEXT,
			start_time TIMESTAMPTZ,
			end_time TIMESTAMPTZ,
			rows_loaded BIGINT,
			source_last_update TIMESTAMPTZ,
			error_details TEXT
		)`, pgx.Identifier{schema}.Sanitize())); err != nil {
		return err
	}

	_, err := p.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s._ingestion_history
			(dataset_id, dsd_version, load_strategy, representation, status,
			 start_time, end_time, rows_loaded, source_last_update, error_details)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, pgx.Identifier{schema}.Sanitize()),
		record.DatasetID, record.DSDVersion, string(record.LoadStrategy), string(record.Representation),
		string(record.Status), record.StartTime, record.EndTime, record.RowsLoaded,
		record.SourceLastUpdate, record.ErrorDetails)
	return err
}

// Close implements Loader.
func (p *Postgres) Close(ctx context.Context) error {
	p.pool.Close()
	return nil
}
