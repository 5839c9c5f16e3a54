package progress

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/johndauphine/ingest-sync/internal/logging"
)

// ProgressUpdate represents a JSON progress update for schedulers and dashboards.
type ProgressUpdate struct {
	Timestamp          string `json:"timestamp"`
	RunID              string `json:"run_id,omitempty"`
	Phase              string `json:"phase"`
	PartitionsComplete int    `json:"partitions_complete"`
	PartitionsTotal    int    `json:"partitions_total"`
	CurrentPartition   string `json:"current_partition,omitempty"`
	Pages              int64  `json:"pages"`
	RowsFetched        int64  `json:"rows_fetched"`
	RowsInserted       int64  `json:"rows_inserted"`
	ErrorCount         int    `json:"error_count,omitempty"`
}

// Phases reported by the coordinator.
const (
	PhaseInit       = "init"
	PhaseFetching   = "fetching"
	PhaseFinalizing = "finalizing"
	PhaseDone       = "done"
)

// Reporter defines the interface for progress reporting.
type Reporter interface {
	// Report emits a progress update (may be throttled)
	Report(update ProgressUpdate)
	// ReportImmediate emits a progress update immediately, bypassing throttling
	ReportImmediate(update ProgressUpdate)
	// Close cleans up any resources
	Close()
}

// JSONReporter outputs JSON progress updates to a writer (typically stderr).
type JSONReporter struct {
	writer     io.Writer
	mu         sync.Mutex
	interval   time.Duration
	lastReport time.Time
	closed     bool
	now        func() time.Time
}

// NewJSONReporter creates a new JSON progress reporter.
// interval specifies the minimum time between updates (to avoid flooding).
func NewJSONReporter(writer io.Writer, interval time.Duration) *JSONReporter {
	if writer == nil {
		writer = os.Stderr
	}
	return &JSONReporter{
		writer:   writer,
		interval: interval,
		now:      time.Now,
	}
}

// Report emits a JSON progress update to the writer.
// Updates are throttled based on the configured interval.
func (r *JSONReporter) Report(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}

	now := r.now()
	if r.interval > 0 && !r.lastReport.IsZero() && now.Sub(r.lastReport) < r.interval {
		return
	}
	r.writeLocked(update, now)
}

// ReportImmediate emits a progress update immediately, bypassing throttling.
// Use for important state changes like phase transitions.
func (r *JSONReporter) ReportImmediate(update ProgressUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.writeLocked(update, r.now())
}

func (r *JSONReporter) writeLocked(update ProgressUpdate, now time.Time) {
	if update.Timestamp == "" {
		update.Timestamp = now.UTC().Format(time.RFC3339)
	}

	data, err := json.Marshal(update)
	if err != nil {
		logging.Warn("Failed to marshal progress update: %v", err)
		return
	}

	fmt.Fprintln(r.writer, string(data))
	r.lastReport = now
}

// Close marks the reporter as closed.
func (r *JSONReporter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// NullReporter is a no-op reporter for when progress reporting is disabled.
type NullReporter struct{}

// Report does nothing.
func (r *NullReporter) Report(update ProgressUpdate) {}

// ReportImmediate does nothing.
func (r *NullReporter) ReportImmediate(update ProgressUpdate) {}

// Close does nothing.
func (r *NullReporter) Close() {}
