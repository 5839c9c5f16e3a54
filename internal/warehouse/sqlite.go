package warehouse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/johndauphine/ingest-sync/internal/stats"
)

// sqliteTimeLayout is fixed width so MAX() over timestamp columns is chronological.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLite is a single-file warehouse, used for local runs and tests.
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens (or creates) the database file at path.
func NewSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating warehouse dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &SQLite{db: db, path: path}, nil
}

// Type returns the warehouse type
func (s *SQLite) Type() string { return "sqlite" }

// Close closes the database
func (s *SQLite) Close() error { return s.db.Close() }

// Ping tests the connection
func (s *SQLite) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// DB returns the underlying database handle
func (s *SQLite) DB() *sql.DB { return s.db }

// PoolStats returns connection pool statistics
func (s *SQLite) PoolStats() stats.PoolStats { return stats.FromDB("sqlite", s.db.Stats()) }

// EnsureTable creates the table, adds missing columns and recreates the latest view
func (s *SQLite) EnsureTable(ctx context.Context, t Table) error {
	ref := quoteSQLiteIdent(t.Name)
	ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s %s", ref, sqliteDialect.createTableBody(t))
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("creating table %s: %w", t.Name, err)
	}

	existing, err := s.columns(ctx, t.Name)
	if err != nil {
		return err
	}
	for _, c := range missingColumns(t, existing) {
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", ref, sqliteDialect.columnDef(c))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("adding column %s.%s: %w", t.Name, c.Name, err)
		}
	}

	if t.Latest == nil {
		return nil
	}
	view := quoteSQLiteIdent(t.ViewName())
	if _, err := s.db.ExecContext(ctx, "DROP VIEW IF EXISTS "+view); err != nil {
		return fmt.Errorf("dropping view %s: %w", t.ViewName(), err)
	}
	stmt := fmt.Sprintf("CREATE VIEW %s AS %s", view, sqliteDialect.latestSelect(t, ref))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("creating view %s: %w", t.ViewName(), err)
	}
	return nil
}

func (s *SQLite) columns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", quoteSQLiteIdent(table)))
	if err != nil {
		return nil, fmt.Errorf("reading columns of %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid, notNull, pk int
		var name, typ string
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

// Insert appends rows with INSERT OR IGNORE inside one transaction
func (s *SQLite) Insert(ctx context.Context, t Table, rows []Row) (InsertResult, error) {
	if len(rows) == 0 {
		return InsertResult{}, nil
	}

	cols := t.ColumnNames()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteSQLiteIdent(c)
	}
	stmtSQL := fmt.Sprintf("INSERT OR IGNORE INTO %s (%s) VALUES (%s)",
		quoteSQLiteIdent(t.Name), strings.Join(quoted, ", "), placeholders(len(cols), func(int) string { return "?" }))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return InsertResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, stmtSQL)
	if err != nil {
		return InsertResult{}, fmt.Errorf("preparing insert: %w", err)
	}
	defer stmt.Close()

	res, err := insertEach(ctx, rows, isSQLiteDataError, func(ctx context.Context, r Row) (bool, error) {
		out, err := stmt.ExecContext(ctx, sqliteValues(r.values(t))...)
		if err != nil {
			return false, err
		}
		n, _ := out.RowsAffected()
		return n > 0, nil
	})
	if err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return InsertResult{}, fmt.Errorf("committing insert: %w", err)
	}
	return res, nil
}

// QueryScalar runs a single-value query
func (s *SQLite) QueryScalar(ctx context.Context, query string, args ...any) (any, error) {
	var v any
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return v, err
}

// MaxQuery builds the watermark bootstrap query
func (s *SQLite) MaxQuery(t Table, column string) string {
	return fmt.Sprintf("SELECT MAX(%s) FROM %s WHERE %s = ?",
		quoteSQLiteIdent(column), quoteSQLiteIdent(t.Name), quoteSQLiteIdent(t.PartitionColumn))
}

func sqliteValues(vals []any) []any {
	for i, v := range vals {
		if ts, ok := v.(time.Time); ok {
			if ts.IsZero() {
				vals[i] = nil
			} else {
				vals[i] = ts.UTC().Format(sqliteTimeLayout)
			}
		}
	}
	return vals
}

func isSQLiteDataError(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_MISMATCH, sqlite3.SQLITE_TOOBIG:
		return true
	}
	return false
}

func placeholders(n int, ph func(i int) string) string {
	out := make([]string, n)
	for i := range out {
		out[i] = ph(i + 1)
	}
	return strings.Join(out, ", ")
}
