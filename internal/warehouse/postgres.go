package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/johndauphine/ingest-sync/internal/stats"
)

// pgMaxIdent is PostgreSQL's identifier length limit.
const pgMaxIdent = 63

// Postgres writes to a PostgreSQL warehouse through a pgx connection pool.
type Postgres struct {
	pool     *pgxpool.Pool
	schema   string
	maxConns int
}

// NewPostgres creates a new PostgreSQL warehouse connection pool
func NewPostgres(ctx context.Context, dsn, schema string, maxConns int) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	poolCfg.MaxConns = int32(maxConns)
	poolCfg.MinConns = int32(maxConns / 4)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &Postgres{pool: pool, schema: schema, maxConns: maxConns}, nil
}

// Close closes all connections in the pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// Ping tests the connection to the database
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Type returns the warehouse type
func (p *Postgres) Type() string {
	return "postgres"
}

// PoolStats returns connection pool statistics
func (p *Postgres) PoolStats() stats.PoolStats {
	s := p.pool.Stat()
	return stats.PoolStats{
		DBType:      "postgres",
		MaxConns:    int(s.MaxConns()),
		ActiveConns: int(s.AcquiredConns()),
		IdleConns:   int(s.IdleConns()),
		WaitCount:   s.EmptyAcquireCount(),
		WaitTime:    s.AcquireDuration(),
	}
}

func (p *Postgres) tableRef(name string) string {
	return quotePGIdent(p.schema) + "." + quotePGIdent(name)
}

// EnsureTable creates the schema and table, adds missing columns and recreates the latest view
func (p *Postgres) EnsureTable(ctx context.Context, t Table) error {
	if _, err := p.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quotePGIdent(p.schema)); err != nil {
		return fmt.Errorf("creating schema %s: %w", p.schema, err)
	}

	ref := p.tableRef(t.Name)
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s %s", ref, pgDialect.createTableBody(t))
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", t.Name, err)
	}

	existing, err := p.columns(ctx, t.Name)
	if err != nil {
		return err
	}
	for _, c := range missingColumns(t, existing) {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", ref, pgDialect.columnDef(c))
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", t.Name, c.Name, err)
		}
	}

	if t.Latest == nil {
		return nil
	}
	// The view is dropped first: CREATE OR REPLACE cannot reorder columns
	// once new ones were added to the table.
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	view := p.tableRef(t.ViewName())
	if _, err := tx.Exec(ctx, "DROP VIEW IF EXISTS "+view); err != nil {
		return fmt.Errorf("dropping view %s: %w", t.ViewName(), err)
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("CREATE VIEW %s AS %s", view, pgDialect.latestSelect(t, ref))); err != nil {
		return fmt.Errorf("creating view %s: %w", t.ViewName(), err)
	}
	return tx.Commit(ctx)
}

func (p *Postgres) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
	`, p.schema, table)
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

// Insert appends rows using a staging table:
// 1. CREATE TEMP TABLE ... ON COMMIT DROP (session scoped, no WAL)
// 2. Binary COPY into staging using pgx.CopyFrom
// 3. INSERT...SELECT...ON CONFLICT (row_id) DO NOTHING
// A chunk rejected for bad data is retried row by row so only the offending rows fail.
func (p *Postgres) Insert(ctx context.Context, t Table, rows []Row) (InsertResult, error) {
	if len(rows) == 0 {
		return InsertResult{}, nil
	}

	inserted, err := p.insertChunk(ctx, t, rows)
	if err == nil {
		return InsertResult{Inserted: inserted, Duplicates: int64(len(rows)) - inserted}, nil
	}
	if !isPGDataError(err) {
		return InsertResult{}, err
	}

	cols := t.ColumnNames()
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		p.tableRef(t.Name), pgColumnList(cols), placeholders(len(cols), func(i int) string { return fmt.Sprintf("$%d", i) }),
		quotePGIdent(ColRowID))
	return insertEach(ctx, rows, isPGDataError, func(ctx context.Context, r Row) (bool, error) {
		tag, err := p.pool.Exec(ctx, stmt, r.values(t)...)
		if err != nil {
			return false, err
		}
		return tag.RowsAffected() > 0, nil
	})
}

func (p *Postgres) insertChunk(ctx context.Context, t Table, rows []Row) (int64, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	staging := stagingName("_stg_", t.Name, pgMaxIdent)
	createSQL := fmt.Sprintf(`CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP`,
		quotePGIdent(staging), p.tableRef(t.Name))
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, fmt.Errorf("creating staging table: %w", err)
	}

	cols := t.ColumnNames()
	data := make([][]any, len(rows))
	for i, r := range rows {
		data[i] = r.values(t)
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{staging}, cols, pgx.CopyFromRows(data)); err != nil {
		return 0, fmt.Errorf("copying to staging: %w", err)
	}

	colList := pgColumnList(cols)
	tag, err := tx.Exec(ctx, fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) DO NOTHING",
		p.tableRef(t.Name), colList, colList, quotePGIdent(staging), quotePGIdent(ColRowID)))
	if err != nil {
		return 0, fmt.Errorf("merging staging to target: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("committing chunk: %w", err)
	}
	return tag.RowsAffected(), nil
}

// QueryScalar runs a single-value query
func (p *Postgres) QueryScalar(ctx context.Context, query string, args ...any) (any, error) {
	var v any
	err := p.pool.QueryRow(ctx, query, args...).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// MaxQuery builds the watermark bootstrap query
func (p *Postgres) MaxQuery(t Table, column string) string {
	return fmt.Sprintf("SELECT MAX(%s) FROM %s WHERE %s = $1",
		quotePGIdent(column), p.tableRef(t.Name), quotePGIdent(t.PartitionColumn))
}

func pgColumnList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quotePGIdent(c)
	}
	return strings.Join(quoted, ", ")
}

// isPGDataError reports SQLSTATE class 22 (data exception) and 23 (integrity constraint violation).
func isPGDataError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")
}
