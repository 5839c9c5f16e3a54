// Package testrail syncs test results from the TestRail v2 API.
//
// Results hang off runs, so a partition (project) is walked run by run. The
// continuation token names the run being read and the offset inside it:
// "<run created_on>:<run id>:<results offset>". Runs are visited oldest first.
package testrail

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/httpclient"
	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/johndauphine/ingest-sync/internal/paginate"
	"github.com/johndauphine/ingest-sync/internal/source"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
	"github.com/johndauphine/ingest-sync/internal/transform"
	"github.com/johndauphine/ingest-sync/internal/warehouse"
)

const (
	apiSuffix = "index.php?/api/v2"
	// runKey is where run metadata is attached to each result record.
	runKey = "_run"
	// maxRunPages bounds run listing for one project.
	maxRunPages = 200
)

func init() {
	source.Register(config.SourceTestRail, New)
	source.Register(config.SourceTestRailRuns, NewRuns)
	source.Register(config.SourceTestRailUsers, NewUsers)
}

// conn is the authenticated API entry point shared by the TestRail adapters.
type conn struct {
	http   *httpclient.Client
	base   string
	header http.Header
}

func connect(d source.Deps) (conn, error) {
	base, err := d.BaseURL("")
	if err != nil {
		return conn{}, err
	}
	user, err := d.Secret("user")
	if err != nil {
		return conn{}, err
	}
	token, err := d.Secret("token")
	if err != nil {
		return conn{}, err
	}
	return conn{
		http:   d.HTTP,
		base:   NormalizeBaseURL(base),
		header: source.JSONHeader(source.BasicAuth(user, token)),
	}, nil
}

// projects returns the configured project ids, which must be numeric.
func projects(d source.Deps) ([]string, error) {
	parts, err := d.ConfiguredPartitions()
	if err != nil {
		return nil, err
	}
	for _, p := range parts {
		if _, err := strconv.ParseInt(p, 10, 64); err != nil {
			return nil, syncerr.Newf(syncerr.KindConfig, "testrail", "source %s: project id %q is not numeric", d.Config.Name, p)
		}
	}
	return parts, nil
}

// Adapter syncs test results.
type Adapter struct {
	conn
	cfg        config.SourceConfig
	partitions []string

	mu   sync.Mutex
	runs map[string][]run
}

type run struct {
	ID        int64
	CreatedOn int64
	Meta      map[string]any
}

// NormalizeBaseURL appends the API entry point unless it is already present.
func NormalizeBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	if !strings.HasSuffix(base, apiSuffix) {
		base += "/" + apiSuffix
	}
	return base
}

func New(d source.Deps) (source.Source, error) {
	c, err := connect(d)
	if err != nil {
		return nil, err
	}
	parts, err := projects(d)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		conn:       c,
		cfg:        d.Config,
		partitions: parts,
		runs:       make(map[string][]run),
	}, nil
}

func (a *Adapter) Name() string        { return a.cfg.Name }
func (a *Adapter) Type() string        { return config.SourceTestRail }
func (a *Adapter) Mode() paginate.Mode { return paginate.ModeToken }

func (a *Adapter) Partitions(context.Context) ([]string, error) {
	return a.partitions, nil
}

func (a *Adapter) Table() warehouse.Table {
	return warehouse.Table{
		Name: a.cfg.Table,
		Columns: []warehouse.Column{
			{Name: "project_id", Type: warehouse.TypeString},
			{Name: "run_id", Type: warehouse.TypeInt},
			{Name: "run_name", Type: warehouse.TypeString},
			{Name: "suite_id", Type: warehouse.TypeInt},
			{Name: "plan_id", Type: warehouse.TypeInt},
			{Name: "milestone_id", Type: warehouse.TypeInt},
			{Name: "url", Type: warehouse.TypeText},
			{Name: "test_id", Type: warehouse.TypeInt},
			{Name: "case_id", Type: warehouse.TypeInt},
			{Name: "result_id", Type: warehouse.TypeInt},
			{Name: "status_id", Type: warehouse.TypeInt},
			{Name: "created_on", Type: warehouse.TypeTimestamp},
			{Name: "created_by", Type: warehouse.TypeInt},
			{Name: "assignedto_id", Type: warehouse.TypeInt},
			{Name: "comment", Type: warehouse.TypeText},
			{Name: "defects", Type: warehouse.TypeText},
			{Name: "elapsed", Type: warehouse.TypeString},
			{Name: "version", Type: warehouse.TypeString},
			{Name: "payload", Type: warehouse.TypeText},
		},
		PartitionColumn: "project_id",
	}
}

// cursor is the decoded continuation token.
type cursor struct {
	RunCreated int64
	RunID      int64
	Offset     int
}

func (c cursor) String() string {
	return fmt.Sprintf("%d:%d:%d", c.RunCreated, c.RunID, c.Offset)
}

func parseCursor(tok string) (cursor, error) {
	parts := strings.Split(tok, ":")
	if len(parts) != 3 {
		return cursor{}, syncerr.Newf(syncerr.KindProtocol, "testrail.cursor", "malformed continuation token %q", tok)
	}
	created, err1 := strconv.ParseInt(parts[0], 10, 64)
	id, err2 := strconv.ParseInt(parts[1], 10, 64)
	off, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil || off < 0 {
		return cursor{}, syncerr.Newf(syncerr.KindProtocol, "testrail.cursor", "malformed continuation token %q", tok)
	}
	return cursor{RunCreated: created, RunID: id, Offset: off}, nil
}

func (r run) before(c cursor) bool {
	if r.CreatedOn != c.RunCreated {
		return r.CreatedOn < c.RunCreated
	}
	return r.ID < c.RunID
}

// Fetch returns one page of results for the run named by the token.
func (a *Adapter) Fetch(ctx context.Context, partition string, w source.Window, st paginate.State, limit int) (paginate.Page[transform.Record], error) {
	runs, err := a.listRuns(ctx, partition, w, limit)
	if err != nil {
		return paginate.Page[transform.Record]{}, err
	}

	pos, offset := 0, 0
	if st.Token != "" {
		c, err := parseCursor(st.Token)
		if err != nil {
			return paginate.Page[transform.Record]{}, err
		}
		// A run that disappeared since the token was written is skipped.
		pos = sort.Search(len(runs), func(i int) bool { return !runs[i].before(c) })
		if pos < len(runs) && runs[pos].ID == c.RunID {
			offset = c.Offset
		}
	}
	if pos >= len(runs) {
		return paginate.Page[transform.Record]{IsLast: true}, nil
	}

	r := runs[pos]
	path := fmt.Sprintf("get_results_for_run/%d&limit=%d&offset=%d", r.ID, limit, offset)
	results, more, err := a.list(ctx, path, "results")
	if err != nil {
		return paginate.Page[transform.Record]{}, syncerr.WithPartition(err, partition)
	}
	for _, res := range results {
		res[runKey] = r.Meta
	}

	page := paginate.Page[transform.Record]{Records: results}
	switch {
	case more:
		page.Next = cursor{RunCreated: r.CreatedOn, RunID: r.ID, Offset: offset + len(results)}.String()
	case pos+1 < len(runs):
		next := runs[pos+1]
		page.Next = cursor{RunCreated: next.CreatedOn, RunID: next.ID}.String()
	default:
		page.IsLast = true
	}
	return page, nil
}

// listRuns returns the project's runs created inside the window, oldest
// first. The list is cached for the adapter's lifetime, which is one invocation.
func (a *Adapter) listRuns(ctx context.Context, partition string, w source.Window, limit int) ([]run, error) {
	cacheKey := fmt.Sprintf("%s|%d|%d", partition, w.Since.Unix(), w.Until.Unix())
	a.mu.Lock()
	cached, ok := a.runs[cacheKey]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}

	var runs []run
	offset := 0
	for i := 0; i < maxRunPages; i++ {
		path := fmt.Sprintf("get_runs/%s&created_after=%d&include_all=1&limit=%d&offset=%d",
			partition, w.Since.Unix(), limit, offset)
		items, more, err := a.list(ctx, path, "runs")
		if err != nil {
			return nil, syncerr.WithPartition(err, partition)
		}
		for _, item := range items {
			id, ok := transform.Int("id")(item)
			if !ok {
				continue
			}
			created, _ := transform.Int("created_on")(item)
			if !w.Until.IsZero() && created > w.Until.Unix() {
				continue
			}
			runs = append(runs, run{
				ID:        id,
				CreatedOn: created,
				Meta: map[string]any{
					"id":           id,
					"name":         item["name"],
					"suite_id":     item["suite_id"],
					"plan_id":      item["plan_id"],
					"milestone_id": item["milestone_id"],
					"url":          item["url"],
				},
			})
		}
		if !more {
			break
		}
		offset += len(items)
	}
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedOn != runs[j].CreatedOn {
			return runs[i].CreatedOn < runs[j].CreatedOn
		}
		return runs[i].ID < runs[j].ID
	})
	logging.For(a.Name(), partition).Debug("%d runs since %s", len(runs), w.Since.UTC().Format(time.RFC3339))

	a.mu.Lock()
	a.runs[cacheKey] = runs
	a.mu.Unlock()
	return runs, nil
}

// list fetches one page of a TestRail collection. Legacy endpoints return a
// bare list with everything in it; paged ones wrap the entities in an object
// with offset/limit/size/_links.
func (c conn) list(ctx context.Context, path, entity string) ([]transform.Record, bool, error) {
	resp, err := c.http.Get(ctx, c.base+"/"+path, nil, c.header, nil)
	if err != nil {
		return nil, false, err
	}
	var raw any
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, false, syncerr.E(syncerr.KindProtocol, "testrail."+entity, err)
	}

	var items []any
	more := false
	switch data := raw.(type) {
	case []any:
		items = data
	case map[string]any:
		if msg, ok := data["error"]; ok && msg != nil && msg != "" {
			return nil, false, syncerr.Newf(syncerr.KindProtocol, "testrail."+entity, "API error on %s: %v", strings.SplitN(path, "&", 2)[0], msg)
		}
		items, _ = data[entity].([]any)
		if links, ok := data["_links"].(map[string]any); ok {
			if next, ok := links["next"].(string); ok && next != "" {
				more = true
			}
		} else if size, ok := transform.Int("size")(data); ok {
			off, _ := transform.Int("offset")(data)
			more = off+int64(len(items)) < size
		}
	default:
		return nil, false, syncerr.Newf(syncerr.KindProtocol, "testrail."+entity, "unexpected response type %T", raw)
	}

	out := make([]transform.Record, 0, len(items))
	for _, item := range items {
		if rec, ok := item.(map[string]any); ok {
			out = append(out, rec)
		}
	}
	// An empty page never has a successor.
	if len(out) == 0 {
		more = false
	}
	return out, more, nil
}

// Transform keys results by project, run and result id.
func (a *Adapter) Transform(partition string, rec transform.Record, ingestedAt time.Time) (source.Row, error) {
	resultID, ok := transform.Int("id")(rec)
	if !ok {
		return source.Row{}, source.Skip("result without id")
	}
	runID, ok := transform.Int(runKey + ".id")(rec)
	if !ok {
		return source.Row{}, source.Skip("result %d has no run", resultID)
	}
	created, ok := transform.Time("created_on")(rec)
	if !ok {
		return source.Row{}, source.Skip("result %d has no created_on", resultID)
	}
	created = transform.Canonical(created)

	values := map[string]any{
		"project_id":    partition,
		"run_id":        runID,
		"run_name":      str(rec, runKey+".name"),
		"suite_id":      num(rec, runKey+".suite_id"),
		"plan_id":       num(rec, runKey+".plan_id"),
		"milestone_id":  num(rec, runKey+".milestone_id"),
		"url":           str(rec, runKey+".url"),
		"test_id":       num(rec, "test_id"),
		"case_id":       num(rec, "case_id"),
		"result_id":     resultID,
		"status_id":     num(rec, "status_id"),
		"created_on":    created,
		"created_by":    num(rec, "created_by"),
		"assignedto_id": num(rec, "assignedto_id"),
		"comment":       nil,
		"defects":       defects(rec),
		"elapsed":       str(rec, "elapsed"),
		"version":       str(rec, "version"),
		"payload":       nil,
	}
	if c, ok := transform.String("comment")(rec); ok {
		values["comment"] = transform.Truncate(c, a.cfg.MaxTextChars)
	}
	if a.cfg.StorePayload {
		res := make(map[string]any, len(rec))
		for k, v := range rec {
			if k != runKey {
				res[k] = v
			}
		}
		if payload, err := transform.Payload(res, a.cfg.MaxPayloadChars); err == nil {
			values["payload"] = payload
		}
	}

	return source.Row{
		Row: warehouse.Row{
			ID:         fmt.Sprintf("%s:%d:%d", partition, runID, resultID),
			IngestedAt: ingestedAt,
			Values:     values,
		},
		Cursor: created,
		Seq:    resultID,
	}, nil
}

// defects accepts both the string and list forms.
func defects(rec transform.Record) any {
	v, ok := transform.Lookup(rec, "defects")
	if !ok || v == nil {
		return nil
	}
	if list, ok := v.([]any); ok {
		parts := make([]string, 0, len(list))
		for _, d := range list {
			if s, ok := transform.AsString(d); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ",")
	}
	s, ok := transform.AsString(v)
	return transform.Value(s, ok)
}

// Probe lists one run and one page of its results.
func (a *Adapter) Probe(ctx context.Context, partition string) (map[string]any, error) {
	out := map[string]any{"project_id": partition}

	resp, err := a.http.Get(ctx, a.base+"/get_project/"+partition, nil, a.header, nil)
	out["project"] = source.ProbeResult(resp, err, 500)

	since := time.Now().AddDate(0, 0, -a.cfg.DefaultLookbackDays)
	runs, _, err := a.list(ctx, fmt.Sprintf("get_runs/%s&created_after=%d&include_all=1&limit=1&offset=0", partition, since.Unix()), "runs")
	probe := map[string]any{}
	if err != nil {
		probe = source.ProbeResult(nil, err, 0)
	} else {
		probe["count"] = len(runs)
		if len(runs) > 0 {
			probe["latest_run_id"] = runs[0]["id"]
		}
	}
	out["runs"] = probe
	return out, nil
}

func str(rec transform.Record, path string) any {
	v, ok := transform.String(path)(rec)
	return transform.Value(v, ok)
}

func num(rec transform.Record, path string) any {
	v, ok := transform.Int(path)(rec)
	return transform.Value(v, ok)
}
