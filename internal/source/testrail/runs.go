package testrail

import (
	"context"
	"fmt"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/paginate"
	"github.com/johndauphine/ingest-sync/internal/source"
	"github.com/johndauphine/ingest-sync/internal/transform"
	"github.com/johndauphine/ingest-sync/internal/warehouse"
)

// Runs syncs test run snapshots. A run is appended again whenever its
// completion or status counts change, so the table records progress over time.
type Runs struct {
	conn
	cfg        config.SourceConfig
	partitions []string
}

func NewRuns(d source.Deps) (source.Source, error) {
	c, err := connect(d)
	if err != nil {
		return nil, err
	}
	parts, err := projects(d)
	if err != nil {
		return nil, err
	}
	return &Runs{conn: c, cfg: d.Config, partitions: parts}, nil
}

func (a *Runs) Name() string        { return a.cfg.Name }
func (a *Runs) Type() string        { return config.SourceTestRailRuns }
func (a *Runs) Mode() paginate.Mode { return paginate.ModeOffset }

func (a *Runs) Partitions(context.Context) ([]string, error) {
	return a.partitions, nil
}

var statusCounts = []string{"passed_count", "failed_count", "blocked_count", "retest_count", "untested_count"}

func (a *Runs) Table() warehouse.Table {
	cols := []warehouse.Column{
		{Name: "project_id", Type: warehouse.TypeString},
		{Name: "run_id", Type: warehouse.TypeInt},
		{Name: "suite_id", Type: warehouse.TypeInt},
		{Name: "plan_id", Type: warehouse.TypeInt},
		{Name: "milestone_id", Type: warehouse.TypeInt},
		{Name: "name", Type: warehouse.TypeString},
		{Name: "is_completed", Type: warehouse.TypeBool},
		{Name: "created_on", Type: warehouse.TypeTimestamp},
		{Name: "completed_on", Type: warehouse.TypeTimestamp},
		{Name: "assignedto_id", Type: warehouse.TypeInt},
		{Name: "created_by", Type: warehouse.TypeInt},
	}
	for _, c := range statusCounts {
		cols = append(cols, warehouse.Column{Name: c, Type: warehouse.TypeInt})
	}
	cols = append(cols,
		warehouse.Column{Name: "url", Type: warehouse.TypeText},
		warehouse.Column{Name: "config", Type: warehouse.TypeText},
		warehouse.Column{Name: "payload", Type: warehouse.TypeText},
	)
	return warehouse.Table{
		Name:            a.cfg.Table,
		Columns:         cols,
		PartitionColumn: "project_id",
		Latest:          &warehouse.LatestView{PartitionBy: []string{"run_id"}},
	}
}

// Fetch returns one page of the runs created inside the window.
func (a *Runs) Fetch(ctx context.Context, partition string, w source.Window, st paginate.State, limit int) (paginate.Page[transform.Record], error) {
	path := fmt.Sprintf("get_runs/%s&created_after=%d&include_all=1&limit=%d&offset=%d",
		partition, w.Since.Unix(), limit, st.Offset)
	if !w.Until.IsZero() {
		path += fmt.Sprintf("&created_before=%d", w.Until.Unix())
	}
	items, more, err := a.list(ctx, path, "runs")
	if err != nil {
		return paginate.Page[transform.Record]{}, err
	}
	return paginate.Page[transform.Record]{Records: items, IsLast: !more}, nil
}

// Transform keys a run snapshot by its completion state and counts.
func (a *Runs) Transform(partition string, rec transform.Record, ingestedAt time.Time) (source.Row, error) {
	runID, ok := transform.Int("id")(rec)
	if !ok {
		return source.Row{}, source.Skip("run without id")
	}
	created, ok := transform.Time("created_on")(rec)
	if !ok {
		return source.Row{}, source.Skip("run %d has no created_on", runID)
	}
	created = transform.Canonical(created)
	completed, _ := transform.Time("completed_on")(rec)
	isCompleted, isCompletedOK := transform.Bool("is_completed")(rec)

	values := map[string]any{
		"project_id":    partition,
		"run_id":        runID,
		"suite_id":      num(rec, "suite_id"),
		"plan_id":       num(rec, "plan_id"),
		"milestone_id":  num(rec, "milestone_id"),
		"name":          str(rec, "name"),
		"is_completed":  transform.Value(isCompleted, isCompletedOK),
		"created_on":    created,
		"completed_on":  transform.NullTime(completed),
		"assignedto_id": num(rec, "assignedto_id"),
		"created_by":    num(rec, "created_by"),
		"url":           str(rec, "url"),
		"config":        nil,
		"payload":       nil,
	}
	id := fmt.Sprintf("%s:%d:", partition, runID)
	if !completed.IsZero() {
		id += fmt.Sprint(completed.Unix())
	}
	for _, c := range statusCounts {
		n, ok := transform.Int(c)(rec)
		values[c] = transform.Value(n, ok)
		id += fmt.Sprintf(":%d", n)
	}
	if cfg, ok := transform.Lookup(rec, "config"); ok && cfg != nil {
		if text, err := transform.Payload(cfg, a.cfg.MaxTextChars); err == nil {
			values["config"] = text
		}
	}
	if a.cfg.StorePayload {
		if payload, err := transform.Payload(rec, a.cfg.MaxPayloadChars); err == nil {
			values["payload"] = payload
		}
	}

	return source.Row{
		Row: warehouse.Row{
			ID:         id,
			IngestedAt: ingestedAt,
			Values:     values,
		},
		Cursor: created,
	}, nil
}

// Probe lists the most recent run of the project.
func (a *Runs) Probe(ctx context.Context, partition string) (map[string]any, error) {
	out := map[string]any{"project_id": partition}
	since := time.Now().AddDate(0, 0, -a.cfg.DefaultLookbackDays)
	runs, _, err := a.list(ctx, fmt.Sprintf("get_runs/%s&created_after=%d&include_all=1&limit=1&offset=0", partition, since.Unix()), "runs")
	if err != nil {
		out["runs"] = source.ProbeResult(nil, err, 0)
		return out, nil
	}
	probe := map[string]any{"count": len(runs)}
	if len(runs) > 0 {
		probe["latest_run_id"] = runs[0]["id"]
	}
	out["runs"] = probe
	return out, nil
}
