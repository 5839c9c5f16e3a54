package checkpoint

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/johndauphine/ingest-sync/internal/paginate"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// State manages sync state in SQLite
type State struct {
	db *sql.DB
}

// New creates a new state manager in dataDir/state.db
func New(dataDir string) (*State, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %w", err)
	}
	return openSQLite(filepath.Join(dataDir, "state.db"))
}

func openSQLite(dbPath string) (*State, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &State{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return s, nil
}

func (s *State) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS watermarks (
		source TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		cursor TEXT NOT NULL,
		seq INTEGER NOT NULL DEFAULT 0,
		last_run_at TEXT,
		last_status TEXT NOT NULL,
		run_id TEXT,
		PRIMARY KEY (source, partition_key)
	);

	CREATE TABLE IF NOT EXISTS continuation_tokens (
		source TEXT NOT NULL,
		partition_key TEXT NOT NULL,
		cursor TEXT NOT NULL,
		since TEXT,
		until TEXT,
		max_seen TEXT,
		max_seq INTEGER NOT NULL DEFAULT 0,
		run_id TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (source, partition_key)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		run_trigger TEXT NOT NULL,
		started_at TEXT NOT NULL,
		completed_at TEXT,
		status TEXT NOT NULL DEFAULT 'running',
		dry_run INTEGER NOT NULL DEFAULT 0,
		rows_fetched INTEGER NOT NULL DEFAULT 0,
		rows_inserted INTEGER NOT NULL DEFAULT 0,
		rows_skipped INTEGER NOT NULL DEFAULT 0,
		partitions INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *State) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *State) Ping() error {
	return s.db.Ping()
}

// GetWatermark returns the stored watermark, or nil if none exists
func (s *State) GetWatermark(source, partition string) (*Watermark, error) {
	var w Watermark
	var cursor string
	var lastRun, runID sql.NullString
	err := s.db.QueryRow(`
		SELECT source, partition_key, cursor, seq, last_run_at, last_status, run_id
		FROM watermarks WHERE source = ? AND partition_key = ?
	`, source, partition).Scan(&w.Source, &w.Partition, &cursor, &w.Seq, &lastRun, &w.LastStatus, &runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading watermark %s/%s: %w", source, partition, err)
	}
	if w.Cursor, err = parseTime(cursor); err != nil {
		return nil, fmt.Errorf("watermark %s/%s: %w", source, partition, err)
	}
	w.LastRunAt, _ = parseTime(lastRun.String)
	w.RunID = runID.String
	return &w, nil
}

// SaveWatermark inserts or replaces a watermark
func (s *State) SaveWatermark(w Watermark) error {
	_, err := s.db.Exec(`
		INSERT INTO watermarks (source, partition_key, cursor, seq, last_run_at, last_status, run_id)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, partition_key) DO UPDATE SET
			cursor = excluded.cursor,
			seq = excluded.seq,
			last_run_at = excluded.last_run_at,
			last_status = excluded.last_status,
			run_id = excluded.run_id
	`, w.Source, w.Partition, formatTime(w.Cursor), w.Seq, formatTime(w.LastRunAt), w.LastStatus, w.RunID)
	if err != nil {
		return fmt.Errorf("saving watermark %s/%s: %w", w.Source, w.Partition, err)
	}
	return nil
}

// DeleteWatermark removes a watermark
func (s *State) DeleteWatermark(source, partition string) error {
	_, err := s.db.Exec(`DELETE FROM watermarks WHERE source = ? AND partition_key = ?`, source, partition)
	return err
}

// ListWatermarks returns all watermarks ordered by source and partition
func (s *State) ListWatermarks() ([]Watermark, error) {
	rows, err := s.db.Query(`
		SELECT source, partition_key, cursor, seq, last_run_at, last_status, run_id
		FROM watermarks ORDER BY source, partition_key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Watermark
	for rows.Next() {
		var w Watermark
		var cursor string
		var lastRun, runID sql.NullString
		if err := rows.Scan(&w.Source, &w.Partition, &cursor, &w.Seq, &lastRun, &w.LastStatus, &runID); err != nil {
			return nil, err
		}
		w.Cursor, _ = parseTime(cursor)
		w.LastRunAt, _ = parseTime(lastRun.String)
		w.RunID = runID.String
		out = append(out, w)
	}
	return out, rows.Err()
}

// GetToken returns the outstanding continuation token, or nil
func (s *State) GetToken(source, partition string) (*ContinuationToken, error) {
	row := s.db.QueryRow(`
		SELECT source, partition_key, cursor, since, until, max_seen, max_seq, run_id, created_at
		FROM continuation_tokens WHERE source = ? AND partition_key = ?
	`, source, partition)
	t, err := scanToken(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading continuation token %s/%s: %w", source, partition, err)
	}
	return t, nil
}

// SaveToken replaces the partition's continuation token
func (s *State) SaveToken(t ContinuationToken) error {
	cursor, err := json.Marshal(t.Cursor)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO continuation_tokens (source, partition_key, cursor, since, until, max_seen, max_seq, run_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source, partition_key) DO UPDATE SET
			cursor = excluded.cursor,
			since = excluded.since,
			until = excluded.until,
			max_seen = excluded.max_seen,
			max_seq = excluded.max_seq,
			run_id = excluded.run_id,
			created_at = excluded.created_at
	`, t.Source, t.Partition, string(cursor), formatTime(t.Since), formatTime(t.Until),
		formatTime(t.MaxSeen), t.MaxSeq, t.RunID, formatTime(t.CreatedAt))
	if err != nil {
		return fmt.Errorf("saving continuation token %s/%s: %w", t.Source, t.Partition, err)
	}
	return nil
}

// DeleteToken removes the partition's continuation token
func (s *State) DeleteToken(source, partition string) error {
	_, err := s.db.Exec(`DELETE FROM continuation_tokens WHERE source = ? AND partition_key = ?`, source, partition)
	return err
}

// ListTokens returns all outstanding continuation tokens
func (s *State) ListTokens() ([]ContinuationToken, error) {
	rows, err := s.db.Query(`
		SELECT source, partition_key, cursor, since, until, max_seen, max_seq, run_id, created_at
		FROM continuation_tokens ORDER BY source, partition_key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ContinuationToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*ContinuationToken, error) {
	var t ContinuationToken
	var cursor string
	var since, until, maxSeen, runID sql.NullString
	var created string
	if err := row.Scan(&t.Source, &t.Partition, &cursor, &since, &until, &maxSeen, &t.MaxSeq, &runID, &created); err != nil {
		return nil, err
	}
	var st paginate.State
	if err := json.Unmarshal([]byte(cursor), &st); err != nil {
		return nil, fmt.Errorf("decoding cursor: %w", err)
	}
	t.Cursor = st
	t.Since, _ = parseTime(since.String)
	t.Until, _ = parseTime(until.String)
	t.MaxSeen, _ = parseTime(maxSeen.String)
	t.RunID = runID.String
	t.CreatedAt, _ = parseTime(created)
	return &t, nil
}

// CreateRun records the start of an invocation
func (s *State) CreateRun(r Run) error {
	if r.Status == "" {
		r.Status = StatusRunning
	}
	_, err := s.db.Exec(`
		INSERT INTO runs (id, run_trigger, started_at, status, dry_run)
		VALUES (?, ?, ?, ?, ?)
	`, r.ID, r.Trigger, formatTime(r.StartedAt), r.Status, r.DryRun)
	return err
}

// CompleteRun stores the outcome of an invocation
func (s *State) CompleteRun(r Run) error {
	completed := time.Now()
	if r.CompletedAt != nil {
		completed = *r.CompletedAt
	}
	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, completed_at = ?, rows_fetched = ?, rows_inserted = ?,
			rows_skipped = ?, partitions = ?, failed = ?, error = ?
		WHERE id = ?
	`, r.Status, formatTime(completed), r.RowsFetched, r.RowsInserted, r.RowsSkipped,
		r.Partitions, r.Failed, r.Error, r.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", r.ID)
	}
	return nil
}

// GetAllRuns returns runs newest first; limit <= 0 returns all
func (s *State) GetAllRuns(limit int) ([]Run, error) {
	query := `
		SELECT id, run_trigger, started_at, completed_at, status, dry_run, rows_fetched, rows_inserted,
			rows_skipped, partitions, failed, error
		FROM runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetRunByID returns a specific run
func (s *State) GetRunByID(id string) (*Run, error) {
	row := s.db.QueryRow(`
		SELECT id, run_trigger, started_at, completed_at, status, dry_run, rows_fetched, rows_inserted,
			rows_skipped, partitions, failed, error
		FROM runs WHERE id = ?
	`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func scanRun(row scanner) (*Run, error) {
	var r Run
	var started string
	var completed, errMsg sql.NullString
	if err := row.Scan(&r.ID, &r.Trigger, &started, &completed, &r.Status, &r.DryRun,
		&r.RowsFetched, &r.RowsInserted, &r.RowsSkipped, &r.Partitions, &r.Failed, &errMsg); err != nil {
		return nil, err
	}
	r.StartedAt, _ = parseTime(started)
	if completed.Valid && completed.String != "" {
		if t, err := parseTime(completed.String); err == nil {
			r.CompletedAt = &t
		}
	}
	r.Error = errMsg.String
	return &r, nil
}

// CleanupOldRuns deletes completed runs older than retentionDays
func (s *State) CleanupOldRuns(retentionDays int) (int64, error) {
	cutoff := formatTime(time.Now().AddDate(0, 0, -retentionDays))
	res, err := s.db.Exec(`
		DELETE FROM runs WHERE status != 'running' AND completed_at IS NOT NULL AND completed_at < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t.UTC(), nil
}
