package warehouse

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

// WriterOptions bounds a Writer's buffer.
type WriterOptions struct {
	MaxRows  int // default 200
	MaxBytes int // default 8,000,000
	// DryRun counts rows without writing them.
	DryRun bool
	// FailOnRowErrors turns rejected rows into a partition failure.
	FailOnRowErrors bool
	// Log tags the writer's log lines.
	Log logging.Scope
	Now func() time.Time
}

// WriterStats accumulates over the writer's lifetime.
type WriterStats struct {
	Added      int64
	Flushes    int
	Bytes      int64
	Inserted   int64
	Duplicates int64
	Rejected   int64
}

// BatchError reports rows the warehouse rejected during one flush.
// It is a record-level error: the partition keeps going unless the writer
// was configured with FailOnRowErrors.
type BatchError struct {
	Table     string
	RowErrors []RowError
}

func (e *BatchError) Error() string {
	if len(e.RowErrors) == 1 {
		return fmt.Sprintf("%s: 1 row rejected: %s", e.Table, e.RowErrors[0].Message)
	}
	return fmt.Sprintf("%s: %d rows rejected (first: %s)", e.Table, len(e.RowErrors), e.RowErrors[0].Message)
}

// Unwrap marks the error as a record-level failure.
func (e *BatchError) Unwrap() error {
	return &syncerr.Error{Kind: syncerr.KindRecord}
}

// Writer buffers rows and flushes them to the warehouse in chunks bounded by
// row count and estimated serialized size. It is not safe for concurrent use.
type Writer struct {
	wh    Warehouse
	table Table
	opts  WriterOptions

	buf      []Row
	bufBytes int
	stats    WriterStats
}

// NewWriter creates a batch writer for one table.
func NewWriter(wh Warehouse, t Table, opts WriterOptions) *Writer {
	if opts.MaxRows <= 0 {
		opts.MaxRows = 200
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 8000000
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Writer{
		wh:    wh,
		table: t,
		opts:  opts,
		buf:   make([]Row, 0, opts.MaxRows),
	}
}

// Add appends a row, flushing first when the row would overflow the byte
// budget and afterwards when the row budget is full. A row larger than the
// byte budget on its own is written as a single-row chunk.
func (w *Writer) Add(ctx context.Context, r Row) error {
	if r.ID == "" {
		return syncerr.Newf(syncerr.KindRecord, "writer.add", "row without id")
	}
	if r.IngestedAt.IsZero() {
		r.IngestedAt = w.opts.Now()
	}

	size := EstimateSize(r)
	if len(w.buf) > 0 && w.bufBytes+size > w.opts.MaxBytes {
		if err := w.Flush(ctx); err != nil {
			return err
		}
	}

	w.buf = append(w.buf, r)
	w.bufBytes += size
	w.stats.Added++

	if len(w.buf) >= w.opts.MaxRows || w.bufBytes >= w.opts.MaxBytes {
		return w.Flush(ctx)
	}
	return nil
}

// Flush writes the buffered rows as one chunk. The buffer is cleared even
// when the chunk fails so memory stays bounded.
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.buf) == 0 {
		return nil
	}
	rows := w.buf
	size := w.bufBytes
	w.buf = make([]Row, 0, w.opts.MaxRows)
	w.bufBytes = 0

	w.stats.Flushes++
	w.stats.Bytes += int64(size)

	if w.opts.DryRun {
		w.opts.Log.Debug("dry run: would write %d rows (%s) to %s",
			len(rows), humanize.Bytes(uint64(size)), w.table.Name)
		return nil
	}

	start := time.Now()
	res, err := w.wh.Insert(ctx, w.table, rows)
	if err != nil {
		return syncerr.E(syncerr.KindWarehouse, "writer.flush", fmt.Errorf("writing %d rows to %s: %w", len(rows), w.table.Name, err))
	}
	w.stats.Inserted += res.Inserted
	w.stats.Duplicates += res.Duplicates
	w.stats.Rejected += int64(len(res.RowErrors))

	w.opts.Log.Debug("flushed %d rows (%s) to %s in %s: %d inserted, %d duplicates",
		len(rows), humanize.Bytes(uint64(size)), w.table.Name,
		time.Since(start).Round(time.Millisecond), res.Inserted, res.Duplicates)

	if len(res.RowErrors) == 0 {
		return nil
	}
	batchErr := &BatchError{Table: w.table.Name, RowErrors: res.RowErrors}
	if w.opts.FailOnRowErrors {
		return syncerr.E(syncerr.KindWarehouse, "writer.flush", batchErr)
	}
	w.opts.Log.Warn("%v", batchErr)
	return batchErr
}

// Buffered returns the number of rows waiting for a flush.
func (w *Writer) Buffered() int {
	return len(w.buf)
}

// Stats returns the writer's counters.
func (w *Writer) Stats() WriterStats {
	return w.stats
}

// EstimateSize approximates a row's serialized size in bytes.
func EstimateSize(r Row) int {
	n := len(r.ID) + 32
	for k, v := range r.Values {
		n += len(k) + 4
		switch val := v.(type) {
		case nil:
		case string:
			n += len(val)
		case time.Time:
			n += 32
		case int, int64, float64, bool:
			n += 8
		default:
			if data, err := json.Marshal(val); err == nil {
				n += len(data)
			}
		}
	}
	return n
}
