package checkpoint

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/paginate"
)

// Watermark and run statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

// Backend defines the interface for sync state persistence.
// Implementations include SQLite (full featured) and a YAML file (minimal, for
// stateless containers with a mounted volume).
type Backend interface {
	// Watermarks, one per (source, partition)
	GetWatermark(source, partition string) (*Watermark, error)
	SaveWatermark(w Watermark) error
	DeleteWatermark(source, partition string) error
	ListWatermarks() ([]Watermark, error)

	// Continuation tokens, at most one per (source, partition)
	GetToken(source, partition string) (*ContinuationToken, error)
	SaveToken(t ContinuationToken) error
	DeleteToken(source, partition string) error
	ListTokens() ([]ContinuationToken, error)

	// Run history
	CreateRun(r Run) error
	CompleteRun(r Run) error
	GetAllRuns(limit int) ([]Run, error)
	GetRunByID(id string) (*Run, error)

	// Lifecycle
	Ping() error
	Close() error
}

// Watermark is the high-water mark of ingested data for one partition.
type Watermark struct {
	Source    string    `yaml:"source"`
	Partition string    `yaml:"partition"`
	Cursor    time.Time `yaml:"cursor"`
	// Seq is an optional monotonically increasing id (0 when the source has none).
	Seq        int64     `yaml:"seq,omitempty"`
	LastRunAt  time.Time `yaml:"last_run_at"`
	LastStatus string    `yaml:"last_status"`
	RunID      string    `yaml:"run_id,omitempty"`

	// Default is set when nothing was stored and Cursor is the default lookback.
	Default bool `yaml:"-"`
}

// Admits reports whether a record at (ts, seq) may be newer than the watermark.
// The timestamp decides; the sequence only rejects records that are at or
// before the stored timestamp and at or below the stored sequence.
func (w Watermark) Admits(ts time.Time, seq int64) bool {
	if w.Default || w.Cursor.IsZero() {
		return true
	}
	if ts.After(w.Cursor) {
		return true
	}
	if w.Seq > 0 && seq > 0 {
		return seq > w.Seq
	}
	return true
}

// Advance returns the watermark moved forward to (ts, seq); it never moves back.
func (w Watermark) Advance(ts time.Time, seq int64) Watermark {
	if ts.After(w.Cursor) {
		w.Cursor = ts
	}
	if seq > w.Seq {
		w.Seq = seq
	}
	return w
}

// ContinuationToken marks where a truncated walk of one partition resumes.
type ContinuationToken struct {
	Source    string         `yaml:"source"`
	Partition string         `yaml:"partition"`
	Cursor    paginate.State `yaml:"cursor"`
	// Since and Until are the window the interrupted walk was using.
	Since time.Time `yaml:"since"`
	Until time.Time `yaml:"until"`
	// MaxSeen and MaxSeq carry the highest record cursor ingested so far, so the
	// watermark can advance past it once the walk completes.
	MaxSeen   time.Time `yaml:"max_seen"`
	MaxSeq    int64     `yaml:"max_seq,omitempty"`
	RunID     string    `yaml:"run_id,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Run is one recorded invocation.
type Run struct {
	ID           string     `yaml:"id"`
	Trigger      string     `yaml:"trigger"`
	StartedAt    time.Time  `yaml:"started_at"`
	CompletedAt  *time.Time `yaml:"completed_at,omitempty"`
	Status       string     `yaml:"status"`
	DryRun       bool       `yaml:"dry_run,omitempty"`
	RowsFetched  int64      `yaml:"rows_fetched"`
	RowsInserted int64      `yaml:"rows_inserted"`
	RowsSkipped  int64      `yaml:"rows_skipped"`
	Partitions   int        `yaml:"partitions"`
	Failed       int        `yaml:"failed"`
	Error        string     `yaml:"error,omitempty"`
}

// Open creates the backend selected by cfg.
func Open(cfg config.StateConfig) (Backend, error) {
	switch cfg.Backend {
	case "", "sqlite":
		return New(cfg.DataDir)
	case "file":
		path := cfg.StateFile
		if !filepath.IsAbs(path) && cfg.DataDir != "" {
			path = filepath.Join(cfg.DataDir, path)
		}
		return NewFileState(path)
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Backend)
	}
}

// Ensure both backends satisfy the interface
var (
	_ Backend = (*State)(nil)
	_ Backend = (*FileState)(nil)
)
