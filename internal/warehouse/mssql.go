package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssql "github.com/microsoft/go-mssqldb"

	"github.com/johndauphine/ingest-sync/internal/stats"
)

// mssqlMaxTempIdent is SQL Server's limit for local temp table names.
const mssqlMaxTempIdent = 116

// MSSQL writes to a SQL Server warehouse.
type MSSQL struct {
	db       *sql.DB
	schema   string
	maxConns int
}

// NewMSSQL creates a new SQL Server warehouse connection pool
func NewMSSQL(ctx context.Context, dsn, schema string, maxConns int) (*MSSQL, error) {
	db, err := sql.Open("sqlserver", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening connection: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}

	// Configure connection pool
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(max(1, maxConns/4))
	db.SetConnMaxLifetime(30 * time.Minute)

	// Test connection
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &MSSQL{db: db, schema: schema, maxConns: maxConns}, nil
}

// Close closes all connections in the pool
func (m *MSSQL) Close() error {
	return m.db.Close()
}

// Ping tests the connection
func (m *MSSQL) Ping(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Type returns the warehouse type
func (m *MSSQL) Type() string {
	return "mssql"
}

// PoolStats returns connection pool statistics
func (m *MSSQL) PoolStats() stats.PoolStats { return stats.FromDB("mssql", m.db.Stats()) }

func (m *MSSQL) tableRef(name string) string {
	return quoteMSSQLIdent(m.schema) + "." + quoteMSSQLIdent(name)
}

// EnsureTable creates the schema and table, adds missing columns and recreates the latest view
func (m *MSSQL) EnsureTable(ctx context.Context, t Table) error {
	var exists int
	err := m.db.QueryRowContext(ctx,
		"SELECT 1 FROM sys.schemas WHERE name = @schema",
		sql.Named("schema", m.schema)).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := m.db.ExecContext(ctx, "CREATE SCHEMA "+quoteMSSQLIdent(m.schema)); err != nil {
			return fmt.Errorf("creating schema %s: %w", m.schema, err)
		}
	} else if err != nil {
		return fmt.Errorf("checking schema %s: %w", m.schema, err)
	}

	ref := m.tableRef(t.Name)
	ddl := fmt.Sprintf("IF OBJECT_ID(N'%s', N'U') IS NULL CREATE TABLE %s %s",
		strings.ReplaceAll(ref, "'", "''"), ref, mssqlDialect.createTableBody(t))
	if _, err := m.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", t.Name, err)
	}

	existing, err := m.columns(ctx, t.Name)
	if err != nil {
		return err
	}
	for _, c := range missingColumns(t, existing) {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD %s", ref, mssqlDialect.columnDef(c))
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", t.Name, c.Name, err)
		}
	}

	if t.Latest == nil {
		return nil
	}
	stmt := fmt.Sprintf("CREATE OR ALTER VIEW %s AS %s", m.tableRef(t.ViewName()), mssqlDialect.latestSelect(t, ref))
	if _, err := m.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating view %s: %w", t.ViewName(), err)
	}
	return nil
}

func (m *MSSQL) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2
	`, m.schema, table)
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

// Insert bulk copies rows into a #temp staging table with the TDS bulk copy
// protocol, then appends the ones whose row_id is not present yet.
func (m *MSSQL) Insert(ctx context.Context, t Table, rows []Row) (InsertResult, error) {
	if len(rows) == 0 {
		return InsertResult{}, nil
	}

	inserted, err := m.insertChunk(ctx, t, rows)
	if err == nil {
		return InsertResult{Inserted: inserted, Duplicates: int64(len(rows)) - inserted}, nil
	}
	if !isMSSQLDataError(err) {
		return InsertResult{}, err
	}

	cols := t.ColumnNames()
	stmt := fmt.Sprintf("INSERT INTO %s (%s) SELECT %s WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = @p1)",
		m.tableRef(t.Name), mssqlColumnList(cols), placeholders(len(cols), func(i int) string { return fmt.Sprintf("@p%d", i) }),
		m.tableRef(t.Name), quoteMSSQLIdent(ColRowID))
	return insertEach(ctx, rows, isMSSQLDataError, func(ctx context.Context, r Row) (bool, error) {
		res, err := m.db.ExecContext(ctx, stmt, r.values(t)...)
		if err != nil {
			return false, err
		}
		n, _ := res.RowsAffected()
		return n > 0, nil
	})
}

func (m *MSSQL) insertChunk(ctx context.Context, t Table, rows []Row) (int64, error) {
	txn, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer txn.Rollback()

	cols := t.ColumnNames()
	colList := mssqlColumnList(cols)
	staging := stagingName("#stg_", t.Name, mssqlMaxTempIdent)

	// 1. Create staging table with the target's column types
	createStaging := fmt.Sprintf("SELECT TOP 0 %s INTO %s FROM %s", colList, quoteMSSQLIdent(staging), m.tableRef(t.Name))
	if _, err := txn.ExecContext(ctx, createStaging); err != nil {
		return 0, fmt.Errorf("creating staging table: %w", err)
	}

	// 2. Bulk insert into staging table
	stmt, err := txn.PrepareContext(ctx, mssql.CopyIn(staging, mssql.BulkOptions{RowsPerBatch: len(rows)}, cols...))
	if err != nil {
		return 0, fmt.Errorf("preparing bulk copy to staging: %w", err)
	}
	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.values(t)...); err != nil {
			stmt.Close()
			return 0, fmt.Errorf("bulk copy row to staging: %w", err)
		}
	}
	if _, err := stmt.ExecContext(ctx); err != nil {
		stmt.Close()
		return 0, fmt.Errorf("flushing bulk copy to staging: %w", err)
	}
	stmt.Close()

	// 3. Append rows that are not present yet
	res, err := txn.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT %s FROM %s s WHERE NOT EXISTS (SELECT 1 FROM %s x WHERE x.%s = s.%s)",
		m.tableRef(t.Name), colList, colList, quoteMSSQLIdent(staging), m.tableRef(t.Name),
		quoteMSSQLIdent(ColRowID), quoteMSSQLIdent(ColRowID)))
	if err != nil {
		return 0, fmt.Errorf("appending from staging: %w", err)
	}
	inserted, _ := res.RowsAffected()

	txn.ExecContext(ctx, "DROP TABLE "+quoteMSSQLIdent(staging))

	if err := txn.Commit(); err != nil {
		return 0, fmt.Errorf("committing chunk: %w", err)
	}
	return inserted, nil
}

// QueryScalar runs a single-value query
func (m *MSSQL) QueryScalar(ctx context.Context, query string, args ...any) (any, error) {
	var v any
	err := m.db.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// MaxQuery builds the watermark bootstrap query
func (m *MSSQL) MaxQuery(t Table, column string) string {
	return fmt.Sprintf("SELECT MAX(%s) FROM %s WHERE %s = @p1",
		quoteMSSQLIdent(column), m.tableRef(t.Name), quoteMSSQLIdent(t.PartitionColumn))
}

func mssqlColumnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteMSSQLIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// mssqlDataErrors are server error numbers caused by the row's values.
var mssqlDataErrors = map[int32]bool{
	241:  true, // date conversion
	242:  true, // datetime out of range
	245:  true, // conversion failed
	515:  true, // NULL into NOT NULL
	547:  true, // constraint conflict
	2601: true, // duplicate key (unique index)
	2627: true, // duplicate key (constraint)
	2628: true, // string truncation
	4815: true, // bulk load invalid column length
	8114: true, // error converting data type
	8115: true, // arithmetic overflow
	8152: true, // string truncation (pre 2019)
}

func isMSSQLDataError(err error) bool {
	var merr mssql.Error
	if errors.As(err, &merr) {
		return mssqlDataErrors[merr.Number]
	}
	var perr *mssql.Error
	if errors.As(err, &perr) {
		return mssqlDataErrors[perr.Number]
	}
	return false
}
