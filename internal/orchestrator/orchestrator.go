// Package orchestrator runs sync invocations. For every selected source and
// partition it resolves the fetch window from the watermark store, walks the
// source's pages through the batch writer and then persists either the new
// watermark or a continuation token. Partitions are processed one at a time
// and a failing partition never stops the others.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/johndauphine/ingest-sync/internal/archive"
	"github.com/johndauphine/ingest-sync/internal/checkpoint"
	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/httpclient"
	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/johndauphine/ingest-sync/internal/metrics"
	"github.com/johndauphine/ingest-sync/internal/notify"
	"github.com/johndauphine/ingest-sync/internal/progress"
	"github.com/johndauphine/ingest-sync/internal/secrets"
	"github.com/johndauphine/ingest-sync/internal/source"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
	"github.com/johndauphine/ingest-sync/internal/warehouse"

	// Register the source adapters.
	_ "github.com/johndauphine/ingest-sync/internal/source/bugsnag"
	_ "github.com/johndauphine/ingest-sync/internal/source/gamebench"
	_ "github.com/johndauphine/ingest-sync/internal/source/jira"
	_ "github.com/johndauphine/ingest-sync/internal/source/testrail"
)

// ErrBusy is returned by Run while another run is in progress.
var ErrBusy = errors.New("a sync run is already in progress")

// Triggers recorded in run history.
const (
	TriggerCLI     = "cli"
	TriggerHTTP    = "http"
	TriggerCron    = "cron"
	TriggerConsole = "console"
)

// Deps are the long-lived collaborators of an Orchestrator.
type Deps struct {
	State     checkpoint.Backend
	Warehouse warehouse.Warehouse
	Secrets   secrets.Provider
	Archive   *archive.Archiver
	Notifier  notify.Provider
	// Transport is handed to every source HTTP client; nil uses the default.
	Transport http.RoundTripper
	Now       func() time.Time
}

// Orchestrator coordinates sync runs
type Orchestrator struct {
	config    atomic.Pointer[config.Config]
	state     checkpoint.Backend
	warehouse warehouse.Warehouse
	secrets   secrets.Provider
	archive   *archive.Archiver
	transport http.RoundTripper
	now       func() time.Time

	mu       sync.Mutex
	notifier notify.Provider

	progress *progress.Tracker
	reporter progress.Reporter

	running atomic.Bool
}

// New connects to the state store, the warehouse and the optional raw archive
// described by cfg.
func New(ctx context.Context, cfg *config.Config) (*Orchestrator, error) {
	state, err := checkpoint.Open(cfg.State)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}

	wh, err := warehouse.Open(ctx, cfg)
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("connecting to warehouse: %w", err)
	}

	sp, err := secrets.New(cfg.Secrets)
	if err != nil {
		state.Close()
		wh.Close()
		return nil, fmt.Errorf("creating secret provider: %w", err)
	}

	arch, err := archive.New(cfg.Archive)
	if err != nil {
		state.Close()
		wh.Close()
		return nil, fmt.Errorf("creating archive: %w", err)
	}
	if err := arch.Prepare(ctx); err != nil {
		logging.Warn("Raw archive unavailable, pages will not be archived: %v", err)
		arch = nil
	}

	return NewWithDeps(cfg, Deps{
		State:     state,
		Warehouse: wh,
		Secrets:   sp,
		Archive:   arch,
		Notifier:  notify.New(&cfg.Slack),
	}), nil
}

// NewWithDeps builds an orchestrator over existing collaborators.
func NewWithDeps(cfg *config.Config, d Deps) *Orchestrator {
	if d.Notifier == nil {
		d.Notifier = notify.New(nil)
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	o := &Orchestrator{
		state:     d.State,
		warehouse: d.Warehouse,
		secrets:   d.Secrets,
		archive:   d.Archive,
		notifier:  d.Notifier,
		transport: d.Transport,
		now:       d.Now,
		reporter:  &progress.NullReporter{},
	}
	o.config.Store(cfg)
	return o
}

// Close releases all resources
func (o *Orchestrator) Close() {
	if o.warehouse != nil {
		o.warehouse.Close()
	}
	if o.state != nil {
		o.state.Close()
	}
}

// Config returns the configuration the next run will use.
func (o *Orchestrator) Config() *config.Config {
	return o.config.Load()
}

// SetConfig swaps the configuration used by subsequent runs. Connections to
// the state store and warehouse are kept; only run, retry, batch, source and
// notification settings take effect.
func (o *Orchestrator) SetConfig(cfg *config.Config) {
	o.config.Store(cfg)
	o.mu.Lock()
	o.notifier = notify.New(&cfg.Slack)
	o.mu.Unlock()
}

// SetProgress enables the terminal progress bar.
func (o *Orchestrator) SetProgress(t *progress.Tracker) {
	o.progress = t
}

// SetReporter sets the JSON progress reporter.
func (o *Orchestrator) SetReporter(r progress.Reporter) {
	if r == nil {
		r = &progress.NullReporter{}
	}
	o.reporter = r
}

// State returns the watermark store.
func (o *Orchestrator) State() checkpoint.Backend {
	return o.state
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// runEnv is what one invocation shares across its partitions.
type runEnv struct {
	cfg        *config.Config
	ov         Overrides
	res        *RunResult
	deadline   time.Time
	ingestedAt time.Time
}

// Run executes one invocation. Only one run may be active at a time; a
// concurrent call returns ErrBusy. Every other outcome, including
// configuration errors, is reported in the result.
func (o *Orchestrator) Run(ctx context.Context, trigger string, ov Overrides) (*RunResult, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer o.running.Store(false)

	cfg := o.Config()
	start := o.now().UTC()
	res := &RunResult{
		RunID:     uuid.New().String(),
		Trigger:   trigger,
		StartedAt: start,
		DryRun:    ov.DryRun,
	}
	if ov.Debug {
		res.Status = StatusDebug
		res.Probes = make(map[string]map[string]any)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Run.Deadline)
	defer cancel()

	env := &runEnv{
		cfg:        cfg,
		ov:         ov,
		res:        res,
		deadline:   start.Add(cfg.Run.Deadline - cfg.Run.SafetyMargin),
		ingestedAt: start,
	}

	mode := "incremental"
	switch {
	case ov.Debug:
		mode = "debug"
	case ov.DryRun:
		mode = "dry run"
	case ov.Pinned():
		mode = "backfill"
	}
	logging.Info("Starting sync run %s (%s, trigger=%s, deadline %s)", res.RunID, mode, trigger, cfg.Run.Deadline)
	o.reporter.ReportImmediate(progress.ProgressUpdate{RunID: res.RunID, Phase: progress.PhaseInit})

	sources, err := selectSources(cfg, ov)
	if err == nil && !ov.Debug {
		if cerr := o.state.CreateRun(checkpoint.Run{ID: res.RunID, Trigger: trigger, StartedAt: start, DryRun: ov.DryRun}); cerr != nil {
			err = syncerr.E(syncerr.KindFatal, "run history", cerr)
		} else {
			res.recorded = true
		}
	}
	if err != nil {
		o.stopRun(res, err)
		return o.complete(res), nil
	}

	for _, sc := range sources {
		if err := o.runSource(ctx, env, sc); err != nil {
			if syncerr.IsFatalForRun(err) {
				o.stopRun(res, err)
				break
			}
			res.addError(cfg.Run.MaxErrors, itemError(sc.Name, "", err))
			logging.For(sc.Name, "").Error("%v", err)
		}
	}

	return o.complete(res), nil
}

// stopRun records a run-level failure.
func (o *Orchestrator) stopRun(res *RunResult, err error) {
	res.fatalKind = syncerr.KindOf(err)
	if res.fatalKind == syncerr.KindUnknown {
		res.fatalKind = syncerr.KindFatal
	}
	res.Error = err.Error()
	logging.Error("Run %s stopped: %v", res.RunID, err)
}

// logPoolStats logs warehouse connection pool statistics at debug level.
func (o *Orchestrator) logPoolStats() {
	if !logging.IsDebug() {
		return
	}
	if pr, ok := o.warehouse.(warehouse.PoolReporter); ok {
		logging.Debug("Connection pool: %s", pr.PoolStats())
	}
}

// complete derives the final status, records history and sends notifications.
func (o *Orchestrator) complete(res *RunResult) *RunResult {
	res.finish()
	res.CompletedAt = o.now().UTC()
	elapsed := res.CompletedAt.Sub(res.StartedAt)
	res.Elapsed = elapsed.Seconds()

	o.reporter.ReportImmediate(progress.ProgressUpdate{
		RunID:              res.RunID,
		Phase:              progress.PhaseDone,
		PartitionsComplete: len(res.Partitions),
		PartitionsTotal:    len(res.Partitions),
		RowsFetched:        res.RowsFetched,
		RowsInserted:       res.RowsInserted,
		ErrorCount:         len(res.Errors) + res.ErrorsDropped,
	})

	if res.Status == StatusDebug {
		logging.Info("Debug run %s finished: %d probes", res.RunID, len(res.Probes))
		return res
	}
	recordMetrics(res, elapsed)
	if !res.recorded {
		o.notify(res, elapsed)
		return res
	}

	completed := res.CompletedAt
	run := checkpoint.Run{
		ID:           res.RunID,
		CompletedAt:  &completed,
		Status:       historyStatus(res.Status),
		DryRun:       res.DryRun,
		RowsFetched:  res.RowsFetched,
		RowsInserted: res.RowsInserted,
		RowsSkipped:  res.RowsSkipped,
		Partitions:   len(res.Partitions),
		Failed:       res.Failed(),
		Error:        res.Error,
	}
	if err := o.state.CompleteRun(run); err != nil {
		logging.Warn("Recording run %s: %v", res.RunID, err)
	}

	logging.Info("Run %s finished %s in %s: %d fetched, %d inserted, %d skipped, %d duplicates, %d/%d partitions incomplete",
		res.RunID, res.Status, elapsed.Round(time.Millisecond), res.RowsFetched, res.RowsInserted,
		res.RowsSkipped, res.Duplicates, res.Failed(), len(res.Partitions))
	o.logPoolStats()

	o.notify(res, elapsed)
	return res
}

func recordMetrics(res *RunResult, elapsed time.Duration) {
	metrics.RunCompleted(res.Trigger, res.Status, elapsed)
	if res.DryRun {
		return
	}
	for _, p := range res.Partitions {
		metrics.PartitionCompleted(p.Source, p.Status, metrics.Rows{
			Fetched:    p.RowsFetched,
			Inserted:   p.RowsInserted,
			Skipped:    p.RowsSkipped,
			Duplicates: p.Duplicates,
			Rejected:   p.RowsRejected,
		})
	}
}

func (o *Orchestrator) notify(res *RunResult, elapsed time.Duration) {
	s := notify.RunSummary{
		RunID:        res.RunID,
		Trigger:      res.Trigger,
		StartedAt:    res.StartedAt,
		Duration:     elapsed,
		Partitions:   len(res.Partitions),
		Failed:       res.Failed(),
		RowsFetched:  res.RowsFetched,
		RowsInserted: res.RowsInserted,
		Duplicates:   res.Duplicates,
		DryRun:       res.DryRun,
	}
	seen := make(map[string]bool)
	for _, p := range res.Partitions {
		if !seen[p.Source] {
			seen[p.Source] = true
			s.Sources = append(s.Sources, p.Source)
		}
		if p.Stop != "" && s.Reason == "" {
			s.Reason = p.Stop
		}
	}
	for _, e := range res.Errors {
		s.Errors = append(s.Errors, fmt.Sprintf("%s/%s: %s", e.Source, e.Partition, e.Message))
	}

	o.mu.Lock()
	notifier := o.notifier
	o.mu.Unlock()

	var err error
	switch res.Status {
	case StatusSuccess:
		err = notifier.RunCompleted(s)
	case StatusPartial:
		err = notifier.RunPartial(s)
	default:
		msg := res.Error
		if msg == "" && len(res.Errors) > 0 {
			msg = res.Errors[0].Message
		}
		err = notifier.RunFailed(s, errors.New(msg))
	}
	if err != nil {
		logging.Warn("Sending notification: %v", err)
	}
}

func historyStatus(status string) string {
	switch status {
	case StatusSuccess:
		return checkpoint.StatusSuccess
	case StatusPartial:
		return checkpoint.StatusPartial
	default:
		return checkpoint.StatusFailed
	}
}

// selectSources returns the sources a run covers: the named ones when the
// overrides list any (disabled sources included), otherwise every enabled one.
func selectSources(cfg *config.Config, ov Overrides) ([]config.SourceConfig, error) {
	if len(ov.Sources) == 0 {
		var out []config.SourceConfig
		for _, sc := range cfg.Sources {
			if sc.IsEnabled() {
				out = append(out, sc)
			}
		}
		if len(out) == 0 {
			return nil, syncerr.Newf(syncerr.KindConfig, "sources", "no enabled sources")
		}
		return out, nil
	}

	out := make([]config.SourceConfig, 0, len(ov.Sources))
	for _, name := range ov.Sources {
		sc, ok := cfg.Source(name)
		if !ok {
			return nil, syncerr.Newf(syncerr.KindConfig, "sources", "unknown source %q", name)
		}
		out = append(out, sc)
	}
	return out, nil
}

// httpClient builds the per-invocation client for a source.
func (o *Orchestrator) httpClient(cfg *config.Config) *httpclient.Client {
	hc := httpclient.FromConfig(cfg.Retry)
	hc.Transport = o.transport
	return httpclient.New(hc)
}

// newSource builds a fresh adapter instance for sc.
func (o *Orchestrator) newSource(cfg *config.Config, sc config.SourceConfig) (source.Source, error) {
	return source.New(source.Deps{
		Config:  sc,
		HTTP:    o.httpClient(cfg),
		Secrets: o.secrets,
		Now:     o.now,
	})
}

// runSource walks every partition of one source. The returned error is a
// source-level failure; partition failures are recorded in the result.
func (o *Orchestrator) runSource(ctx context.Context, env *runEnv, sc config.SourceConfig) error {
	src, err := o.newSource(env.cfg, sc)
	if err != nil {
		return err
	}

	partitions := env.ov.Partitions
	if len(partitions) == 0 {
		if partitions, err = src.Partitions(ctx); err != nil {
			return fmt.Errorf("listing partitions: %w", err)
		}
	}

	if env.ov.Debug {
		o.probe(ctx, env.res, src, partitions)
		return nil
	}

	table := src.Table()
	if !env.ov.DryRun {
		if err := o.warehouse.EnsureTable(ctx, table); err != nil {
			return syncerr.E(syncerr.KindWarehouse, "ensure table", err)
		}
	}

	o.progress.SetTotal(len(env.res.Partitions) + len(partitions))
	pw := &partitionWalk{
		env:    env,
		sc:     sc,
		src:    src,
		table:  table,
		policy: checkpoint.PolicyFor(sc),
	}
	pw.policy.Now = o.now

	for i, p := range partitions {
		if ctx.Err() != nil || !o.now().Before(env.deadline) {
			for _, rest := range partitions[i:] {
				env.res.addPartition(PartitionResult{Source: sc.Name, Partition: rest, Status: StatusPartial, Stop: "deadline"})
			}
			logging.For(sc.Name, "").Warn("deadline reached, %d partitions left for the next run", len(partitions)-i)
			return nil
		}

		pr, err := o.syncPartition(ctx, pw, p)
		env.res.addPartition(pr)
		if err == nil {
			continue
		}
		env.res.addError(env.cfg.Run.MaxErrors, itemError(sc.Name, p, err))
		logging.For(sc.Name, p).Error("%v", err)
		if syncerr.IsFatalForRun(err) {
			return err
		}
	}
	return nil
}

// probe runs the adapter's diagnostic requests for every partition.
func (o *Orchestrator) probe(ctx context.Context, res *RunResult, src source.Source, partitions []string) {
	for _, p := range partitions {
		out, err := src.Probe(ctx, p)
		if out == nil {
			out = make(map[string]any)
		}
		if err != nil {
			out["error"] = err.Error()
		}
		res.Probes[src.Name()+"/"+p] = out
		logging.For(src.Name(), p).Debug("probe: %v", out)
	}
}

func itemError(src, partition string, err error) ItemError {
	return ItemError{
		Source:    src,
		Partition: partition,
		Kind:      syncerr.KindOf(err).String(),
		Message:   err.Error(),
	}
}
