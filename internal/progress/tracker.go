package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/schollz/progressbar/v3"
)

// Tracker tracks sync progress across partitions. Remote collections do not
// declare their size up front, so the bar runs as a spinner counting rows.
// A nil *Tracker is valid and tracks nothing.
type Tracker struct {
	bar       *progressbar.ProgressBar
	rows      atomic.Int64
	pages     atomic.Int64
	startTime time.Time

	mu        sync.Mutex
	current   string
	completed int
	total     int
}

// New creates a progress tracker rendering to w (stderr when nil).
func New(w io.Writer) *Tracker {
	if w == nil {
		w = os.Stderr
	}
	t := &Tracker{startTime: time.Now()}
	t.bar = progressbar.NewOptions64(
		-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("Syncing"),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("rows"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionFullWidth(),
		progressbar.OptionSetRenderBlankState(true),
	)
	return t
}

// SetTotal sets the number of partitions the run will walk.
func (t *Tracker) SetTotal(partitions int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.total = partitions
	t.mu.Unlock()
}

// StartPartition marks a partition as being walked.
func (t *Tracker) StartPartition(label string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.current = label
	desc := t.describeLocked()
	t.mu.Unlock()

	t.bar.Describe(desc)
	t.bar.RenderBlank()
}

// EndPartition marks the current partition as done.
func (t *Tracker) EndPartition(label string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	t.completed++
	if t.current == label {
		t.current = ""
	}
	desc := t.describeLocked()
	t.mu.Unlock()

	t.bar.Describe(desc)
}

func (t *Tracker) describeLocked() string {
	if t.current == "" {
		return fmt.Sprintf("Syncing (%d/%d partitions)", t.completed, t.total)
	}
	return fmt.Sprintf("Syncing %s (%d/%d)", t.current, t.completed+1, t.total)
}

// AddPage records one fetched page with n records.
func (t *Tracker) AddPage(n int) {
	if t == nil {
		return
	}
	t.pages.Add(1)
	t.rows.Add(int64(n))
	t.bar.Add64(int64(n))
}

// Rows returns the number of records fetched so far.
func (t *Tracker) Rows() int64 {
	if t == nil {
		return 0
	}
	return t.rows.Load()
}

// Pages returns the number of pages fetched so far.
func (t *Tracker) Pages() int64 {
	if t == nil {
		return 0
	}
	return t.pages.Load()
}

// Finish marks the progress as complete
func (t *Tracker) Finish() {
	if t == nil {
		return
	}
	t.bar.Finish()

	elapsed := time.Since(t.startTime)
	rowsPerSec := float64(t.rows.Load()) / elapsed.Seconds()

	fmt.Fprintln(os.Stderr)
	logging.Info("Fetched %d rows in %d pages in %s (%.0f rows/sec)",
		t.rows.Load(), t.pages.Load(), elapsed.Round(time.Second), rowsPerSec)
}
