package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/johndauphine/ingest-sync/internal/archive"
	"github.com/johndauphine/ingest-sync/internal/checkpoint"
	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/johndauphine/ingest-sync/internal/paginate"
	"github.com/johndauphine/ingest-sync/internal/progress"
	"github.com/johndauphine/ingest-sync/internal/source"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
	"github.com/johndauphine/ingest-sync/internal/transform"
	"github.com/johndauphine/ingest-sync/internal/warehouse"
)

// partitionWalk holds what every partition of one source shares.
type partitionWalk struct {
	env    *runEnv
	sc     config.SourceConfig
	src    source.Source
	table  warehouse.Table
	policy checkpoint.Policy
}

// cursorState tracks the newest record written during a walk.
type cursorState struct {
	maxSeen time.Time
	maxSeq  int64
}

func (c *cursorState) observe(ts time.Time, seq int64) {
	if ts.After(c.maxSeen) {
		c.maxSeen = ts
	}
	if seq > c.maxSeq {
		c.maxSeq = seq
	}
}

// syncPartition runs one partition through INIT, FETCHING and FINALIZING.
// Failures are returned tagged with the partition and mirrored in the result.
func (o *Orchestrator) syncPartition(ctx context.Context, pw *partitionWalk, partition string) (PartitionResult, error) {
	env := pw.env
	name := pw.sc.Name
	log := logging.For(name, partition)
	label := log.String()
	pinned := env.ov.Pinned()
	persist := !env.ov.DryRun

	pr := PartitionResult{Source: name, Partition: partition}
	o.progress.StartPartition(label)
	defer o.progress.EndPartition(label)

	fail := func(err error) (PartitionResult, error) {
		err = syncerr.WithPartition(err, partition)
		pr.Status = StatusFailed
		pr.Error = err.Error()
		return pr, err
	}

	// INIT: resolve the window from the token or the watermark.
	prev, err := o.readWatermark(ctx, pw, partition)
	if err != nil {
		return fail(err)
	}

	var tok *checkpoint.ContinuationToken
	if !pinned {
		if tok, err = o.state.GetToken(name, partition); err != nil {
			return fail(syncerr.E(syncerr.KindFatal, "read token", err))
		}
	}

	var (
		win   source.Window
		start paginate.State
		seen  cursorState
	)
	switch {
	case tok != nil:
		win = source.Window{Since: tok.Since, Until: tok.Until}
		start = tok.Cursor
		seen = cursorState{maxSeen: tok.MaxSeen, maxSeq: tok.MaxSeq}
		pr.Resumed = true
		log.Info("resuming at %s (window %s to %s, token from run %s)",
			start, win.Since.Format(time.RFC3339), win.Until.Format(time.RFC3339), tok.RunID)
	default:
		win = o.window(pw, prev)
	}
	pr.Since, pr.Until = win.Since, win.Until
	if tok == nil {
		log.Info("fetching %s to %s", win.Since.Format(time.RFC3339), win.Until.Format(time.RFC3339))
	}

	// FETCHING
	writer := warehouse.NewWriter(o.warehouse, pw.table, warehouse.WriterOptions{
		MaxRows:         env.cfg.Batch.MaxRows,
		MaxBytes:        env.cfg.Batch.MaxBytes,
		DryRun:          env.ov.DryRun,
		FailOnRowErrors: env.cfg.Run.FailOnRowErrors,
		Log:             log,
		Now:             o.now,
	})

	maxPages := pw.sc.MaxPages
	if env.ov.MaxPages > 0 {
		maxPages = env.ov.MaxPages
	}
	opts := paginate.Options{
		Mode:       pw.src.Mode(),
		PageSize:   pw.sc.PageSize,
		MaxPages:   maxPages,
		MaxRecords: pw.sc.MaxRecords,
		Start:      start,
		Deadline:   env.deadline,
		Log:        log,
		Now:        o.now,
	}

	fetch := func(ctx context.Context, st paginate.State, limit int) (paginate.Page[transform.Record], error) {
		return pw.src.Fetch(ctx, partition, win, st, limit)
	}
	handle := func(ctx context.Context, page paginate.Page[transform.Record], n int) error {
		pr.RowsFetched += int64(len(page.Records))
		o.progress.AddPage(len(page.Records))
		if persist {
			o.archive.Page(ctx, archive.Key{Source: name, Partition: partition, RunID: env.res.RunID, Page: n}, page.Records)
		}

		for _, rec := range page.Records {
			row, err := pw.src.Transform(partition, rec, env.ingestedAt)
			if err != nil {
				pr.RowsSkipped++
				log.Debug("%v", err)
				continue
			}
			if !row.Cursor.IsZero() && row.Cursor.After(win.Until) {
				pr.RowsSkipped++
				continue
			}
			if !pinned && !prev.Admits(row.Cursor, row.Seq) {
				pr.RowsSkipped++
				continue
			}

			if err := writer.Add(ctx, row.Row); err != nil {
				be := rejected(err)
				if be == nil {
					return err
				}
				o.recordRejected(env, name, partition, be)
			}
			pr.IssuesProcessed++
			seen.observe(row.Cursor, row.Seq)
		}

		o.reporter.Report(progress.ProgressUpdate{
			RunID:              env.res.RunID,
			Phase:              progress.PhaseFetching,
			PartitionsComplete: len(env.res.Partitions),
			CurrentPartition:   label,
			Pages:              int64(n),
			RowsFetched:        env.res.RowsFetched + pr.RowsFetched,
			RowsInserted:       env.res.RowsInserted + writer.Stats().Inserted,
			ErrorCount:         len(env.res.Errors),
		})
		return nil
	}

	out, walkErr := paginate.Walk(ctx, opts, fetch, handle)
	pr.Pages = out.Pages

	// FINALIZING: flush with a context that survives cancellation of the run.
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), env.cfg.Run.SafetyMargin)
	defer cancel()

	flushErr := writer.Flush(fctx)
	if be := rejected(flushErr); be != nil {
		o.recordRejected(env, name, partition, be)
		flushErr = nil
	}

	stats := writer.Stats()
	pr.RowsInserted = stats.Inserted
	if env.ov.DryRun {
		pr.RowsInserted = stats.Added
	}
	pr.Duplicates = stats.Duplicates
	pr.RowsRejected = stats.Rejected

	if walkErr == nil && flushErr != nil {
		walkErr = flushErr
	}

	switch {
	case walkErr != nil:
		if persist && !pinned {
			o.keepProgress(pw, partition, tok, out, walkErr, flushErr == nil, win, seen)
		}
		return fail(walkErr)

	case out.Stop.Truncated():
		pr.Status = StatusPartial
		pr.Stop = out.Stop.String()
		log.Warn("stopped by %s after %d pages, resume at %s", pr.Stop, out.Pages, out.Resume)
		if persist && !pinned {
			t := checkpoint.ContinuationToken{
				Source:    name,
				Partition: partition,
				Cursor:    out.Resume,
				Since:     win.Since,
				Until:     win.Until,
				MaxSeen:   seen.maxSeen,
				MaxSeq:    seen.maxSeq,
				RunID:     env.res.RunID,
				CreatedAt: o.now().UTC(),
			}
			if err := o.state.SaveToken(t); err != nil {
				return fail(syncerr.E(syncerr.KindFatal, "save token", err))
			}
		}
		return pr, nil
	}

	// EXHAUSTED
	pr.Status = StatusSuccess
	status := checkpoint.StatusSuccess
	if stats.Rejected > 0 {
		pr.Status = StatusPartial
		pr.Stop = "rejected_rows"
		pr.Error = fmt.Sprintf("%d rows rejected by the warehouse", stats.Rejected)
		status = checkpoint.StatusPartial
	}
	if !persist {
		return pr, nil
	}

	next, err := pw.policy.Commit(o.state, prev, seen.maxSeen, seen.maxSeq, status, env.res.RunID)
	if err != nil {
		return fail(syncerr.E(syncerr.KindFatal, "save watermark", err))
	}
	pr.Watermark = &next.Cursor
	if tok != nil {
		if err := o.state.DeleteToken(name, partition); err != nil {
			log.Warn("deleting continuation token: %v", err)
		}
	}
	log.Info("caught up: %d fetched, %d inserted, %d duplicates, watermark %s",
		pr.RowsFetched, pr.RowsInserted, pr.Duplicates, next.Cursor.Format(time.RFC3339))
	return pr, nil
}

// window computes the fetch window for a walk that does not resume a token.
// An explicit since is used as given; everything else is clamped to the
// source's max lookback.
func (o *Orchestrator) window(pw *partitionWalk, prev checkpoint.Watermark) source.Window {
	ov := pw.env.ov
	win := source.Window{Until: pw.env.ingestedAt}
	if !ov.Until.IsZero() {
		win.Until = ov.Until
	}
	switch {
	case !ov.Since.IsZero():
		win.Since = ov.Since
	case ov.LookbackDays > 0:
		win.Since = pw.policy.Lookback(time.Duration(ov.LookbackDays) * 24 * time.Hour)
	default:
		win.Since = pw.policy.EffectiveSince(prev)
	}
	return win
}

// readWatermark returns the stored watermark. When none is stored and the
// source declares a watermark column, the newest value already in the
// warehouse for the partition is used instead of the default lookback.
func (o *Orchestrator) readWatermark(ctx context.Context, pw *partitionWalk, partition string) (checkpoint.Watermark, error) {
	w, err := pw.policy.Read(o.state, pw.sc.Name, partition)
	if err != nil {
		return w, syncerr.E(syncerr.KindFatal, "read watermark", err)
	}
	if !w.Default || pw.sc.WatermarkColumn == "" || pw.table.PartitionColumn == "" {
		return w, nil
	}

	v, err := o.warehouse.QueryScalar(ctx, o.warehouse.MaxQuery(pw.table, pw.sc.WatermarkColumn), partition)
	if err != nil {
		logging.For(pw.sc.Name, partition).Debug("watermark bootstrap skipped: %v", err)
		return w, nil
	}
	ts, ok := transform.ParseTime(v)
	if !ok || ts.IsZero() {
		return w, nil
	}
	logging.For(pw.sc.Name, partition).Info("no stored watermark, using MAX(%s) = %s from %s",
		pw.sc.WatermarkColumn, ts.Format(time.RFC3339), pw.table.Name)
	w.Cursor = ts
	w.Default = false
	return w, nil
}

// keepProgress decides what a failed walk leaves behind. A protocol violation
// drops the token it resumed from so the next run restarts from the
// watermark. A fetch failure after at least one written page saves a token at
// the failed page. Warehouse failures save nothing since buffered rows may be
// lost. The watermark is never moved.
func (o *Orchestrator) keepProgress(pw *partitionWalk, partition string, tok *checkpoint.ContinuationToken,
	out paginate.Outcome, walkErr error, flushed bool, win source.Window, seen cursorState) {
	name := pw.sc.Name
	log := logging.For(name, partition)
	switch {
	case syncerr.Is(walkErr, syncerr.KindProtocol):
		if tok == nil {
			return
		}
		if err := o.state.DeleteToken(name, partition); err != nil {
			log.Warn("deleting continuation token: %v", err)
			return
		}
		log.Warn("dropped continuation token %s after protocol error", tok.Cursor)

	case out.Pages > 0 && flushed && !syncerr.Is(walkErr, syncerr.KindWarehouse):
		t := checkpoint.ContinuationToken{
			Source:    name,
			Partition: partition,
			Cursor:    out.Resume,
			Since:     win.Since,
			Until:     win.Until,
			MaxSeen:   seen.maxSeen,
			MaxSeq:    seen.maxSeq,
			RunID:     pw.env.res.RunID,
			CreatedAt: o.now().UTC(),
		}
		if err := o.state.SaveToken(t); err != nil {
			log.Warn("saving continuation token: %v", err)
		}
	}
}

// recordRejected adds rows the warehouse rejected to the bounded error list.
func (o *Orchestrator) recordRejected(env *runEnv, src, partition string, be *warehouse.BatchError) {
	for _, re := range be.RowErrors {
		env.res.addError(env.cfg.Run.MaxErrors, ItemError{
			Source:    src,
			Partition: partition,
			Kind:      syncerr.KindWarehouse.String(),
			RowID:     re.RowID,
			Message:   re.Message,
		})
	}
}

// rejected returns the batch error when err only reports rejected rows. A
// batch error escalated by fail_on_row_errors is a warehouse failure instead.
func rejected(err error) *warehouse.BatchError {
	var be *warehouse.BatchError
	if !syncerr.Is(err, syncerr.KindRecord) || !errors.As(err, &be) {
		return nil
	}
	return be
}
