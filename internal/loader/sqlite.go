package loader

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	_ "modernc.org/sqlite"

	"github.com/gowthamrao/eurostat-ingest/internal/config"
	"github.com/gowthamrao/eurostat-ingest/internal/model"
)

// sqliteTypeMap mirrors py_load_eurostat/loader/sqlite.py's
// _get_required_columns type table.
var sqliteTypeMap = map[model.DataType]string{
	model.DataTypeString:      "TEXT",
	model.DataTypeText:        "TEXT",
	model.DataTypeDouble:      "REAL",
	model.DataTypeFloat:       "REAL",
	model.DataTypeInteger:     "INTEGER",
	model.DataTypeLong:        "INTEGER",
	model.DataTypeShort:       "INTEGER",
	model.DataTypeBoolean:     "INTEGER",
	model.DataTypeDate:        "TEXT",
	model.DataTypeDateTime:    "TEXT",
	model.DataTypeYear:        "INTEGER",
	model.DataTypeTimePeriod:  "TEXT",
	model.DataTypeAnyURI:      "TEXT",
	model.DataTypeCount:       "INTEGER",
	model.DataTypeDecimal:     "REAL",
	model.DataTypeBigInteger:  "INTEGER",
	model.DataTypePositiveInt: "INTEGER",
}

// SQLite is the embedded, cgo-free loader engine used for tests and
// small-scale or offline runs, backed by modernc.org/sqlite (a pure-Go
// sqlite3 driver, unlike the teacher's dgraph/badger engine). SQLite has no
// schema namespaces, so a "schema" and a table name are joined with a
// double underscore, matching the original's _fqn helper.
type SQLite struct {
	db  *sql.DB
	dsn string
	log logr.Logger
}

// NewSQLite opens (creating if absent) the SQLite database file named by
// db.Name.
func NewSQLite(db config.DatabaseSettings, log logr.Logger) (*SQLite, error) {
	conn, err := sql.Open("sqlite", db.Name)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database %q: %w", db.Name, err)
	}
	conn.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY
	log.Info("connected to sqlite database", "path", db.Name)
	return &SQLite{db: conn, dsn: db.Name, log: log.WithName("sqlite-loader")}, nil
}

func fqn(schema, table string) string {
	return schema + "__" + table
}

func sqliteRequiredColumns(dsd model.DSD) map[string]string {
	cols := make(map[string]string, len(dsd.Dimensions)+2)
	for _, d := range dsd.Dimensions {
		t, ok := sqliteTypeMap[d.DataType]
		if !ok {
			t = "TEXT"
		}
		cols[d.ID] = t
	}
	if pm, ok := dsd.PrimaryMeasure(); ok {
		t, ok := sqliteTypeMap[pm.DataType]
		if !ok {
			t = "REAL"
		}
		cols[pm.ID] = t
	} else {
		cols[dsd.PrimaryMeasureID] = "REAL"
	}
	cols[dsd.ObsFlagAttributeID()] = "TEXT"
	cols["time_period"] = "TEXT"
	return cols
}

func (s *SQLite) tableExists(ctx context.Context, tableFQN string) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, tableFQN).Scan(&name)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (s *SQLite) existingColumns(ctx context.Context, tableFQN string) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%q)`, tableFQN))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var cid int
		var name, ctype string
		var notNull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		out[name] = struct{}{}
	}
	return out, rows.Err()
}

// PrepareSchema implements Loader. SQLite has no schema-level type catalog
// and no foreign keys between dynamically-named tables in this design, so
// (unlike Postgres) there is no type-mismatch check or FK management here
// — matching the original's SQLite loader, which documents these as
// Postgres-only concerns.
func (s *SQLite) PrepareSchema(ctx context.Context, dsd model.DSD, tableName, schema, metaSchema string, representation model.Representation, lastIngestion *model.IngestionHistory) error {
	tableFQN := fqn(schema, tableName)

	// Catalog lookups go through s.db, so they run before tx takes the
	// pool's only connection.
	required := sqliteRequiredColumns(dsd)
	exists, err := s.tableExists(ctx, tableFQN)
	if err != nil {
		return err
	}
	var existing map[string]struct{}
	if exists {
		if existing, err = s.existingColumns(ctx, tableFQN); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if !exists {
		s.log.Info("creating table", "table", tableFQN)
		var colDefs []string
		for name, dtype := range required {
			colDefs = append(colDefs, fmt.Sprintf("%q %s", name, dtype))
		}
		var pkCols []string
		for _, d := range dsd.Dimensions {
			pkCols = append(pkCols, fmt.Sprintf("%q", d.ID))
		}
		pkCols = append(pkCols, `"time_period"`)
		colDefs = append(colDefs, fmt.Sprintf("PRIMARY KEY (%s)", strings.Join(pkCols, ", ")))

		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE %q (%s)`, tableFQN, strings.Join(colDefs, ", "))); err != nil {
			return fmt.Errorf("creating table %q: %w", tableFQN, err)
		}
	} else {
		for name, dtype := range required {
			if _, ok := existing[name]; !ok {
				s.log.Info("adding missing column", "table", tableFQN, "column", name)
				if _, err := tx.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %q ADD COLUMN %q %s`, tableFQN, name, dtype)); err != nil {
					return fmt.Errorf("adding column %q: %w", name, err)
				}
			}
		}
	}

	return tx.Commit()
}

// ManageCodelists implements Loader.
func (s *SQLite) ManageCodelists(ctx context.Context, codelists map[string]model.Codelist, schema string) error {
	for clID, cl := range codelists {
		tableFQN := fqn(schema, strings.ToLower(clID))

		if err := func() error {
			tx, err := s.db.BeginTx(ctx, nil)
			if err != nil {
				return err
			}
			defer tx.Rollback()

			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %q (
					code TEXT PRIMARY KEY,
					label_en TEXT,
					description_en TEXT,
					parent_code TEXT
				)`, tableFQN)); err != nil {
				return err
			}

			if len(cl.Codes) == 0 {
				s.log.Info("codelist has no codes to load", "codelist", clID)
				return tx.Commit()
			}

			stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
				`INSERT OR REPLACE INTO %q (code, label_en, description_en, parent_code) VALUES (?, ?, ?, ?)`, tableFQN))
			if err != nil {
				return err
			}
			defer stmt.Close()

			for _, c := range cl.Codes {
				if _, err := stmt.ExecContext(ctx, c.ID, c.Name, c.Description, nullableString(c.ParentID)); err != nil {
					return err
				}
			}
			return tx.Commit()
		}(); err != nil {
			return fmt.Errorf("loading codelist %q: %w", clID, err)
		}
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

const sqliteBulkLoadChunkSize = 10_000

// BulkLoadStaging implements Loader. modernc.org/sqlite has no COPY
// protocol, so this engine bulk-loads by executing a prepared single-row
// INSERT once per observation, committing each chunk of
// sqliteBulkLoadChunkSize rows in its own transaction, matching the
// original SQLite loader's chunked executemany approach.
func (s *SQLite) BulkLoadStaging(ctx context.Context, dsd model.DSD, tableName, schema string, obs <-chan model.Observation, useUnloggedTable bool) (string, int64, error) {
	mainFQN := fqn(schema, tableName)
	stagingFQN := "staging_" + mainFQN

	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %q`, stagingFQN)); err != nil {
		return "", 0, err
	}

	var createSQL string
	if err := s.db.QueryRowContext(ctx, `SELECT sql FROM sqlite_master WHERE name=?`, mainFQN).Scan(&createSQL); err != nil {
		return "", 0, fmt.Errorf("looking up DDL for %q: %w", mainFQN, err)
	}
	createSQL = strings.Replace(createSQL, mainFQN, stagingFQN, 1)
	if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
		return "", 0, fmt.Errorf("creating staging table %q: %w", stagingFQN, err)
	}

	dimOrder := make([]string, len(dsd.Dimensions))
	for _, d := range dsd.Dimensions {
		dimOrder[d.Position] = d.ID
	}
	columns := append(append([]string{}, dimOrder...), "time_period", dsd.PrimaryMeasureID, dsd.ObsFlagAttributeID())

	placeholders := make([]string, len(columns))
	for i := range placeholders {
		placeholders[i] = "?"
	}
	var quoted []string
	for _, c := range columns {
		quoted = append(quoted, fmt.Sprintf("%q", c))
	}
	insertSQL := fmt.Sprintf(`INSERT INTO %q (%s) VALUES (%s)`, stagingFQN, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))

	var total int64
	batch := make([]model.Observation, 0, sqliteBulkLoadChunkSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		stmt, err := tx.PrepareContext(ctx, insertSQL)
		if err != nil {
			tx.Rollback()
			return err
		}
		for _, o := range batch {
			args := make([]interface{}, 0, len(columns))
			for _, id := range dimOrder {
				args = append(args, nullableString(o.Dimensions[id]))
			}
			args = append(args, o.TimePeriod)
			if o.Value != nil {
				args = append(args, *o.Value)
			} else {
				args = append(args, nil)
			}
			if o.Flags != nil {
				args = append(args, *o.Flags)
			} else {
				args = append(args, nil)
			}
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				stmt.Close()
				tx.Rollback()
				return err
			}
		}
		stmt.Close()
		if err := tx.Commit(); err != nil {
			return err
		}
		total += int64(len(batch))
		batch = batch[:0]
		return nil
	}

	for o := range obs {
		batch = append(batch, o)
		if len(batch) >= sqliteBulkLoadChunkSize {
			if err := flush(); err != nil {
				return "", 0, fmt.Errorf("bulk-loading into staging table: %w", err)
			}
		}
	}
	if err := flush(); err != nil {
		return "", 0, fmt.Errorf("bulk-loading into staging table: %w", err)
	}

	s.log.Info("finished bulk load", "table", stagingFQN, "rows", total)
	return stagingFQN, total, nil
}

// FinalizeLoad implements Loader. The embedded engine only supports the
// swap strategy: a merge would need an ON CONFLICT upsert against a
// dynamically-named staging table, which the original's SQLite loader
// likewise never implements (merge is Postgres-only there).
func (s *SQLite) FinalizeLoad(ctx context.Context, dsd model.DSD, stagingTable, targetTable, schema string, strategy Strategy) error {
	if strategy != StrategySwap {
		return fmt.Errorf("sqlite loader only supports the %q finalize strategy, got %q", StrategySwap, strategy)
	}

	targetFQN := fqn(schema, targetTable)
	backupFQN := targetFQN + "_old"

	exists, err := s.tableExists(ctx, targetFQN)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmts := []string{
		fmt.Sprintf(`DROP TABLE IF EXISTS %q`, backupFQN),
	}
	if exists {
		stmts = append(stmts, fmt.Sprintf(`ALTER TABLE %q RENAME TO %q`, targetFQN, backupFQN))
	}
	stmts = append(stmts,
		fmt.Sprintf(`ALTER TABLE %q RENAME TO %q`, stagingTable, targetFQN),
		fmt.Sprintf(`DROP TABLE IF EXISTS %q`, backupFQN),
	)
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("finalizing swap: %w", err)
		}
	}

	s.log.Info("load finalized via swap", "table", targetFQN)
	return tx.Commit()
}

// GetIngestionState implements Loader.
func (s *SQLite) GetIngestionState(ctx context.Context, datasetID, schema string) (*model.IngestionHistory, error) {
	tableFQN := fqn(schema, "_ingestion_history")
	exists, err := s.tableExists(ctx, tableFQN)
	if err != nil || !exists {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT ingestion_id, dataset_id, dsd_version, load_strategy, representation,
			status, start_time, end_time, rows_loaded, source_last_update, error_details
		FROM %q WHERE dataset_id = ? AND status = 'SUCCESS'
		ORDER BY end_time DESC LIMIT 1`, tableFQN), datasetID)

	var h model.IngestionHistory
	var loadStrategy, representation, status string
	var startTime, endTime, sourceLastUpdate sql.NullString
	if err := row.Scan(&h.IngestionID, &h.DatasetID, &h.DSDVersion, &loadStrategy, &representation,
		&status, &startTime, &endTime, &h.RowsLoaded, &sourceLastUpdate, &h.ErrorDetails); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("querying ingestion state: %w", err)
	}
	h.LoadStrategy = model.LoadStrategy(loadStrategy)
	h.Representation = model.Representation(representation)
	h.Status = model.IngestionStatus(status)
	if t, ok := parseSQLiteTime(startTime); ok {
		h.StartTime = t
	}
	if t, ok := parseSQLiteTime(endTime); ok {
		t := t
		h.EndTime = &t
	}
	if t, ok := parseSQLiteTime(sourceLastUpdate); ok {
		t := t
		h.SourceLastUpdate = &t
	}
	return &h, nil
}

// SaveIngestionState implements Loader.
func (s *SQLite) SaveIngestionState(ctx context.Context, record model.IngestionHistory, schema string) error {
	tableFQN := fqn(schema, "_ingestion_history")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			ingestion_id INTEGER PRIMARY KEY AUTOINCREMENT,
			dataset_id TEXT NOT NULL,
			dsd_version TEXT,
			load_strategy TEXT,
			representation TEXT,
			status TEXT,
			start_time TEXT,
			end_time TEXT,
			rows_loaded INTEGER,
			source_last_update TEXT,
			error_details TEXT
		)`, tableFQN)); err != nil {
		return err
	}

	var endTime, sourceLastUpdate interface{}
	if record.EndTime != nil {
		endTime = record.EndTime.Format(sqliteTimeLayout)
	}
	if record.SourceLastUpdate != nil {
		sourceLastUpdate = record.SourceLastUpdate.Format(sqliteTimeLayout)
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q
			(dataset_id, dsd_version, load_strategy, representation, status,
			 start_time, end_time, rows_loaded, source_last_update, error_details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, tableFQN),
		record.DatasetID, record.DSDVersion, string(record.LoadStrategy), string(record.Representation),
		string(record.Status), record.StartTime.Format(sqliteTimeLayout), endTime, record.RowsLoaded,
		sourceLastUpdate, record.ErrorDetails)
	return err
}

const sqliteTimeLayout = "2006-01-02T15:04:05.999999999Z07:00"

func parseSQLiteTime(v sql.NullString) (time.Time, bool) {
	if !v.Valid || v.String == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(sqliteTimeLayout, v.String)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Close implements Loader.
func (s *SQLite) Close(ctx context.Context) error {
	return s.db.Close()
}
