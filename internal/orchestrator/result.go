package orchestrator

import (
	"time"

	"github.com/johndauphine/ingest-sync/internal/exitcodes"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
)

// Run statuses reported to callers.
const (
	StatusSuccess     = "success"
	StatusPartial     = "partial"
	StatusFailed      = "failed"
	StatusConfigError = "config_error"
	StatusDebug       = "debug"
)

// RunResult summarises one invocation. It is returned for every outcome;
// failures are encoded in Status and Errors rather than returned as errors.
type RunResult struct {
	RunID       string    `json:"run_id"`
	Trigger     string    `json:"trigger"`
	Status      string    `json:"status"`
	DryRun      bool      `json:"dry_run,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Elapsed     float64   `json:"elapsed_seconds"`

	RowsFetched     int64 `json:"rows_fetched"`
	RowsInserted    int64 `json:"rows_inserted"`
	IssuesProcessed int64 `json:"issues_processed"`
	RowsSkipped     int64 `json:"rows_skipped"`
	Duplicates      int64 `json:"duplicates"`

	Partitions []PartitionResult `json:"partitions"`
	Errors     []ItemError       `json:"errors,omitempty"`
	// ErrorsDropped counts item errors beyond run.max_errors.
	ErrorsDropped int `json:"errors_dropped,omitempty"`

	// Probes holds debug responses keyed by "source/partition".
	Probes map[string]map[string]any `json:"probes,omitempty"`

	// Error is set when the run could not start or a configuration error stopped it.
	Error string `json:"error,omitempty"`

	fatalKind syncerr.Kind
	recorded  bool
}

// PartitionResult is the outcome of one partition walk.
type PartitionResult struct {
	Source    string    `json:"source"`
	Partition string    `json:"partition"`
	Status    string    `json:"status"`
	Since     time.Time `json:"since"`
	Until     time.Time `json:"until"`
	Resumed   bool      `json:"resumed,omitempty"`
	Stop      string    `json:"stop,omitempty"`
	Pages     int       `json:"pages"`

	RowsFetched     int64 `json:"rows_fetched"`
	RowsInserted    int64 `json:"rows_inserted"`
	IssuesProcessed int64 `json:"issues_processed"`
	RowsSkipped     int64 `json:"rows_skipped"`
	Duplicates      int64 `json:"duplicates"`
	RowsRejected    int64 `json:"rows_rejected,omitempty"`

	// Watermark is the cursor stored after the walk (unchanged on partial and failed walks).
	Watermark *time.Time `json:"watermark,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ItemError is one bounded error entry in a run result.
type ItemError struct {
	Source    string `json:"source,omitempty"`
	Partition string `json:"partition,omitempty"`
	Kind      string `json:"kind"`
	RowID     string `json:"row_id,omitempty"`
	Message   string `json:"message"`
}

// addError appends an item error unless the list is full.
func (r *RunResult) addError(max int, e ItemError) {
	if max > 0 && len(r.Errors) >= max {
		r.ErrorsDropped++
		return
	}
	r.Errors = append(r.Errors, e)
}

func (r *RunResult) addPartition(p PartitionResult) {
	r.Partitions = append(r.Partitions, p)
	r.RowsFetched += p.RowsFetched
	r.RowsInserted += p.RowsInserted
	r.IssuesProcessed += p.IssuesProcessed
	r.RowsSkipped += p.RowsSkipped
	r.Duplicates += p.Duplicates
}

// Failed returns the number of partitions that did not complete.
func (r *RunResult) Failed() int {
	n := 0
	for _, p := range r.Partitions {
		if p.Status != StatusSuccess {
			n++
		}
	}
	return n
}

// finish derives the overall status from the partition outcomes:
// every partition caught up is success, a configuration error with nothing
// ingested is config_error, no progress at all is failed, anything else partial.
func (r *RunResult) finish() {
	if r.Status == StatusDebug && r.fatalKind == syncerr.KindUnknown {
		return
	}
	var ok, partial, failed int
	for _, p := range r.Partitions {
		switch p.Status {
		case StatusSuccess:
			ok++
		case StatusPartial:
			partial++
		default:
			failed++
		}
	}
	progressed := ok+partial > 0 || r.RowsInserted > 0

	switch {
	case r.fatalKind == syncerr.KindConfig && !progressed:
		r.Status = StatusConfigError
	case r.fatalKind != syncerr.KindUnknown && !progressed:
		r.Status = StatusFailed
	case r.fatalKind == syncerr.KindUnknown && failed == 0 && partial == 0 && len(r.Partitions) > 0:
		r.Status = StatusSuccess
	case !progressed:
		r.Status = StatusFailed
	default:
		r.Status = StatusPartial
	}
}

// ExitCode maps the result to a CLI exit code.
func (r *RunResult) ExitCode() int {
	switch r.Status {
	case StatusSuccess, StatusDebug:
		return exitcodes.Success
	case StatusPartial:
		return exitcodes.PartialError
	case StatusConfigError:
		return exitcodes.ConfigError
	}
	switch r.fatalKind {
	case syncerr.KindProtocol:
		return exitcodes.ProtocolError
	case syncerr.KindDeadline:
		return exitcodes.Cancelled
	}
	return exitcodes.SyncError
}

// HTTPStatus maps the result to the trigger endpoint's status code.
func (r *RunResult) HTTPStatus() int {
	return exitcodes.HTTPStatus(r.ExitCode())
}
