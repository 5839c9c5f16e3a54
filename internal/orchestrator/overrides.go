package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/johndauphine/ingest-sync/internal/source"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
	"github.com/johndauphine/ingest-sync/internal/transform"
)

// Overrides adjust a single invocation. The zero value runs every enabled
// source incrementally from its watermarks.
type Overrides struct {
	// Sources restricts the run to the named sources.
	Sources []string
	// Partitions replaces the configured partitions of every selected source.
	Partitions []string
	// Since and Until pin the window; a pinned window ignores continuation tokens.
	Since time.Time
	Until time.Time
	// LookbackDays sets Since to now minus the lookback, capped at max_lookback_days.
	LookbackDays int
	DryRun       bool
	Debug        bool
	// MaxPages caps pages per partition, overriding the source setting.
	MaxPages int
}

// Pinned reports whether the window was set explicitly. Pinned windows are
// backfills: they neither read nor write continuation tokens and do not filter
// records against the stored watermark.
func (o Overrides) Pinned() bool {
	return !o.Since.IsZero() || !o.Until.IsZero() || o.LookbackDays > 0
}

// requestBody is the JSON accepted by the trigger endpoint.
type requestBody struct {
	Since        string          `json:"since"`
	Until        string          `json:"until"`
	LookbackDays int             `json:"lookback_days"`
	ProjectKeys  json.RawMessage `json:"project_keys"`
	Project      string          `json:"project"`
	Sources      json.RawMessage `json:"sources"`
	DryRun       bool            `json:"dry_run"`
	Debug        bool            `json:"debug"`
	MaxPages     int             `json:"max_pages"`
}

// ParseOverrides decodes a trigger request body. An empty body is valid.
// project_keys and sources accept a list or a comma separated string;
// timestamps without a zone are read as UTC.
func ParseOverrides(body []byte) (Overrides, error) {
	var ov Overrides
	if len(bytes.TrimSpace(body)) == 0 {
		return ov, nil
	}

	var req requestBody
	if err := json.Unmarshal(body, &req); err != nil {
		return ov, syncerr.E(syncerr.KindConfig, "overrides", fmt.Errorf("invalid request body: %w", err))
	}

	var err error
	if ov.Since, err = parseWhen("since", req.Since); err != nil {
		return ov, err
	}
	if ov.Until, err = parseWhen("until", req.Until); err != nil {
		return ov, err
	}
	if !ov.Since.IsZero() && !ov.Until.IsZero() && !ov.Since.Before(ov.Until) {
		return ov, syncerr.Newf(syncerr.KindConfig, "overrides", "since (%s) must be before until (%s)",
			ov.Since.Format(time.RFC3339), ov.Until.Format(time.RFC3339))
	}
	if req.LookbackDays < 0 || req.MaxPages < 0 {
		return ov, syncerr.Newf(syncerr.KindConfig, "overrides", "lookback_days and max_pages must not be negative")
	}
	ov.LookbackDays = req.LookbackDays
	ov.MaxPages = req.MaxPages
	ov.DryRun = req.DryRun
	ov.Debug = req.Debug

	if ov.Partitions, err = stringList("project_keys", req.ProjectKeys); err != nil {
		return ov, err
	}
	if len(ov.Partitions) == 0 && req.Project != "" {
		ov.Partitions = source.SplitList(req.Project)
	}
	if ov.Sources, err = stringList("sources", req.Sources); err != nil {
		return ov, err
	}
	return ov, nil
}

// ParseTime parses an override timestamp (RFC3339 or a naive date/time read as UTC).
func ParseTime(field, s string) (time.Time, error) {
	return parseWhen(field, s)
}

func parseWhen(field, s string) (time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return time.Time{}, nil
	}
	t, ok := transform.ParseTime(s)
	if !ok {
		return time.Time{}, syncerr.Newf(syncerr.KindConfig, "overrides", "%s: cannot parse %q as a timestamp", field, s)
	}
	return t, nil
}

func stringList(field string, raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		var out []string
		for _, s := range list {
			out = append(out, source.SplitList(s)...)
		}
		return out, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, syncerr.Newf(syncerr.KindConfig, "overrides", "%s must be a list or a comma separated string", field)
	}
	return source.SplitList(s), nil
}
