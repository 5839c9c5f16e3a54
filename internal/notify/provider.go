package notify

import "time"

// RunSummary is what a notification needs to know about a finished run.
type RunSummary struct {
	RunID        string
	Trigger      string
	StartedAt    time.Time
	Duration     time.Duration
	Sources      []string
	Partitions   int
	Failed       int
	RowsFetched  int64
	RowsInserted int64
	Duplicates   int64
	DryRun       bool
	// Errors are the item errors reported in the run result, already bounded.
	Errors []string
	// Reason explains a partial run, e.g. "deadline" or "max_pages".
	Reason string
}

// Provider defines the notification contract for sync runs.
// This interface allows for different notification backends (Slack, email, etc.)
// and enables easier testing through mock implementations.
type Provider interface {
	// RunCompleted sends notification when every partition caught up.
	RunCompleted(s RunSummary) error

	// RunPartial sends notification when progress was made but work was left for the next run.
	RunPartial(s RunSummary) error

	// RunFailed sends notification when nothing could be ingested.
	RunFailed(s RunSummary, err error) error
}

// Ensure Notifier implements Provider
var _ Provider = (*Notifier)(nil)
