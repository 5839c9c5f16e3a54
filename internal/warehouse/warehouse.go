// Package warehouse is the append-only analytical store rows are written to.
//
// Every table carries a row_id primary key derived from immutable source
// identity fields and an _ingested_at timestamp. Inserts never overwrite: a
// row whose row_id already exists is counted as a duplicate and skipped, so
// re-delivering the same record is idempotent. Schema changes are additive
// only (missing tables and columns are created, nothing is dropped).
package warehouse

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/stats"
)

// System columns present on every table.
const (
	ColRowID      = "row_id"
	ColIngestedAt = "_ingested_at"
)

// ColumnType is a portable column type.
type ColumnType int

const (
	TypeString ColumnType = iota
	TypeText
	TypeInt
	TypeFloat
	TypeBool
	TypeTimestamp
)

// Column is one table column.
type Column struct {
	Name string
	Type ColumnType
}

// Table describes a destination table.
type Table struct {
	Name    string
	Columns []Column
	// PartitionColumn holds the source partition key (used for watermark bootstrap).
	PartitionColumn string
	// Latest, when set, defines the <table>_latest view.
	Latest *LatestView
}

// LatestView selects the most recent row per entity.
type LatestView struct {
	PartitionBy []string
	// OrderBy columns are sorted descending; _ingested_at is appended as a tiebreaker.
	OrderBy []string
}

// ViewName returns the name of the table's latest view.
func (t Table) ViewName() string {
	return t.Name + "_latest"
}

// ColumnNames returns the insert column order: row_id, _ingested_at, then t.Columns.
func (t Table) ColumnNames() []string {
	cols := make([]string, 0, len(t.Columns)+2)
	cols = append(cols, ColRowID, ColIngestedAt)
	for _, c := range t.Columns {
		cols = append(cols, c.Name)
	}
	return cols
}

func (t Table) allColumns() []Column {
	cols := make([]Column, 0, len(t.Columns)+2)
	cols = append(cols, Column{Name: ColRowID, Type: TypeString}, Column{Name: ColIngestedAt, Type: TypeTimestamp})
	return append(cols, t.Columns...)
}

// Row is one transformed record.
type Row struct {
	// ID is the deterministic identifier; never derived from ingestion time.
	ID         string
	IngestedAt time.Time
	Values     map[string]any
}

// values returns the row in ColumnNames order.
func (r Row) values(t Table) []any {
	out := make([]any, 0, len(t.Columns)+2)
	out = append(out, r.ID, r.IngestedAt.UTC())
	for _, c := range t.Columns {
		out = append(out, r.Values[c.Name])
	}
	return out
}

// RowError is a row the warehouse rejected.
type RowError struct {
	RowID   string
	Message string
}

func (e RowError) Error() string {
	return fmt.Sprintf("row %s: %s", e.RowID, e.Message)
}

// InsertResult reports the outcome of one chunk.
type InsertResult struct {
	Inserted   int64
	Duplicates int64
	RowErrors  []RowError
}

// Warehouse is the store contract the engine depends on.
type Warehouse interface {
	// EnsureTable creates the table, adds missing columns and (re)creates the latest view.
	EnsureTable(ctx context.Context, t Table) error
	// Insert appends rows, skipping row_ids that already exist. Rows the store
	// rejects are reported in the result; an error means the whole chunk failed.
	Insert(ctx context.Context, t Table, rows []Row) (InsertResult, error)
	// QueryScalar runs a query returning a single value (nil when no row).
	QueryScalar(ctx context.Context, query string, args ...any) (any, error)
	// MaxQuery builds "SELECT MAX(column) FROM table WHERE partition_column = <arg 1>".
	MaxQuery(t Table, column string) string
	Ping(ctx context.Context) error
	Type() string
	Close() error
}

// PoolReporter is implemented by warehouses that expose connection pool statistics.
type PoolReporter interface {
	PoolStats() stats.PoolStats
}

// Open connects to the warehouse selected by cfg.
func Open(ctx context.Context, cfg *config.Config) (Warehouse, error) {
	w := cfg.Warehouse
	switch w.Type {
	case "mssql":
		return NewMSSQL(ctx, cfg.WarehouseDSN(), w.Schema, w.MaxConns)
	case "sqlite":
		return NewSQLite(w.Path)
	case "", "postgres":
		return NewPostgres(ctx, cfg.WarehouseDSN(), w.Schema, w.MaxConns)
	default:
		return nil, fmt.Errorf("unsupported warehouse type %q", w.Type)
	}
}
