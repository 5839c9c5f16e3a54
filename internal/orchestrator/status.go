package orchestrator

import (
	"fmt"
	"time"

	"github.com/johndauphine/ingest-sync/internal/checkpoint"
)

// PartitionStatus is the stored state of one partition.
type PartitionStatus struct {
	Source     string     `json:"source"`
	Partition  string     `json:"partition"`
	Watermark  *time.Time `json:"watermark,omitempty"`
	Seq        int64      `json:"seq,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	// Pending is set when a continuation token waits for the next run.
	Pending      bool   `json:"pending"`
	ResumeAt     string `json:"resume_at,omitempty"`
	TokenRunID   string `json:"token_run_id,omitempty"`
	Unconfigured bool   `json:"unconfigured,omitempty"`
}

// StatusResult is the machine-readable status of the sync state.
type StatusResult struct {
	Running    bool              `json:"running"`
	LastRun    *checkpoint.Run   `json:"last_run,omitempty"`
	Partitions []PartitionStatus `json:"partitions"`
}

// GetStatusResult merges stored watermarks and continuation tokens by
// partition, flagging state left behind by sources no longer configured.
func (o *Orchestrator) GetStatusResult() (*StatusResult, error) {
	watermarks, err := o.state.ListWatermarks()
	if err != nil {
		return nil, fmt.Errorf("listing watermarks: %w", err)
	}
	tokens, err := o.state.ListTokens()
	if err != nil {
		return nil, fmt.Errorf("listing tokens: %w", err)
	}

	result := &StatusResult{Running: o.Running()}
	runs, err := o.state.GetAllRuns(1)
	if err != nil {
		return nil, fmt.Errorf("reading run history: %w", err)
	}
	if len(runs) > 0 {
		result.LastRun = &runs[0]
	}

	cfg := o.Config()
	index := make(map[string]int)
	entry := func(src, partition string) *PartitionStatus {
		k := src + "/" + partition
		if i, ok := index[k]; ok {
			return &result.Partitions[i]
		}
		_, configured := cfg.Source(src)
		result.Partitions = append(result.Partitions, PartitionStatus{Source: src, Partition: partition, Unconfigured: !configured})
		index[k] = len(result.Partitions) - 1
		return &result.Partitions[len(result.Partitions)-1]
	}

	for _, w := range watermarks {
		p := entry(w.Source, w.Partition)
		cursor, lastRun := w.Cursor, w.LastRunAt
		p.Watermark = &cursor
		p.Seq = w.Seq
		if !lastRun.IsZero() {
			p.LastRunAt = &lastRun
		}
		p.LastStatus = w.LastStatus
	}
	for _, t := range tokens {
		p := entry(t.Source, t.Partition)
		p.Pending = true
		p.ResumeAt = t.Cursor.String()
		p.TokenRunID = t.RunID
	}
	return result, nil
}

// History returns the most recent runs, newest first.
func (o *Orchestrator) History(limit int) ([]checkpoint.Run, error) {
	return o.state.GetAllRuns(limit)
}

// RunByID returns one recorded run, or nil.
func (o *Orchestrator) RunByID(id string) (*checkpoint.Run, error) {
	return o.state.GetRunByID(id)
}

// Reset deletes the watermark and continuation token of the given partitions
// of a source (all of its stored partitions when none are named), so the next
// run starts again from the default lookback. It returns the partitions reset.
func (o *Orchestrator) Reset(src string, partitions []string) ([]string, error) {
	if o.Running() {
		return nil, ErrBusy
	}
	if len(partitions) == 0 {
		seen := make(map[string]bool)
		watermarks, err := o.state.ListWatermarks()
		if err != nil {
			return nil, err
		}
		tokens, err := o.state.ListTokens()
		if err != nil {
			return nil, err
		}
		for _, w := range watermarks {
			if w.Source == src && !seen[w.Partition] {
				seen[w.Partition] = true
				partitions = append(partitions, w.Partition)
			}
		}
		for _, t := range tokens {
			if t.Source == src && !seen[t.Partition] {
				seen[t.Partition] = true
				partitions = append(partitions, t.Partition)
			}
		}
	}

	for _, p := range partitions {
		if err := o.state.DeleteWatermark(src, p); err != nil {
			return nil, fmt.Errorf("deleting watermark %s/%s: %w", src, p, err)
		}
		if err := o.state.DeleteToken(src, p); err != nil {
			return nil, fmt.Errorf("deleting token %s/%s: %w", src, p, err)
		}
	}
	return partitions, nil
}
