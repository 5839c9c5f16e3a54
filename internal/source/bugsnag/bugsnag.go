// Package bugsnag syncs project errors from the Bugsnag Data Access API.
//
// Pagination follows the Link header: the continuation token is the full
// "next" URL, which already carries every query parameter.
package bugsnag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/httpclient"
	"github.com/johndauphine/ingest-sync/internal/paginate"
	"github.com/johndauphine/ingest-sync/internal/source"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
	"github.com/johndauphine/ingest-sync/internal/transform"
	"github.com/johndauphine/ingest-sync/internal/warehouse"
)

// DefaultBaseURL is the public Data Access API.
const DefaultBaseURL = "https://api.bugsnag.com"

func init() {
	source.Register(config.SourceBugsnag, New)
}

type Adapter struct {
	cfg        config.SourceConfig
	http       *httpclient.Client
	base       string
	header     http.Header
	partitions []string
}

func New(d source.Deps) (source.Source, error) {
	base, err := d.BaseURL(DefaultBaseURL)
	if err != nil {
		return nil, err
	}
	token, err := d.Secret("token")
	if err != nil {
		return nil, err
	}
	parts, err := d.ConfiguredPartitions()
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:        d.Config,
		http:       d.HTTP,
		base:       base,
		header:     source.JSONHeader("token " + token),
		partitions: parts,
	}, nil
}

func (a *Adapter) Name() string        { return a.cfg.Name }
func (a *Adapter) Type() string        { return config.SourceBugsnag }
func (a *Adapter) Mode() paginate.Mode { return paginate.ModeToken }

func (a *Adapter) Partitions(context.Context) ([]string, error) {
	return a.partitions, nil
}

func (a *Adapter) Table() warehouse.Table {
	return warehouse.Table{
		Name: a.cfg.Table,
		Columns: []warehouse.Column{
			{Name: "project_id", Type: warehouse.TypeString},
			{Name: "error_id", Type: warehouse.TypeString},
			{Name: "error_class", Type: warehouse.TypeString},
			{Name: "message", Type: warehouse.TypeText},
			{Name: "severity", Type: warehouse.TypeString},
			{Name: "status", Type: warehouse.TypeString},
			{Name: "first_seen", Type: warehouse.TypeTimestamp},
			{Name: "last_seen", Type: warehouse.TypeTimestamp},
			{Name: "events", Type: warehouse.TypeInt},
			{Name: "users", Type: warehouse.TypeInt},
			{Name: "url", Type: warehouse.TypeText},
			{Name: "payload", Type: warehouse.TypeText},
		},
		PartitionColumn: "project_id",
		Latest:          &warehouse.LatestView{PartitionBy: []string{"project_id", "error_id"}, OrderBy: []string{"last_seen"}},
	}
}

// errorsURL is the first page of a project's errors seen since the window start.
// The API has no upper bound filter; records past Until are trimmed by the engine.
func (a *Adapter) errorsURL(projectID string, since time.Time, limit int) string {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(limit))
	q.Set("sort", "last_seen")
	q.Set("direction", "asc")
	q.Set("filters[event.since]", since.UTC().Truncate(time.Second).Format(time.RFC3339))
	return fmt.Sprintf("%s/projects/%s/errors?%s", a.base, url.PathEscape(projectID), q.Encode())
}

// Fetch returns the page at st.Token, or the first page when there is no token.
func (a *Adapter) Fetch(ctx context.Context, partition string, w source.Window, st paginate.State, limit int) (paginate.Page[transform.Record], error) {
	target := st.Token
	if target == "" {
		target = a.errorsURL(partition, w.Since, limit)
	} else if err := source.CheckOrigin(a.base, target); err != nil {
		return paginate.Page[transform.Record]{}, err
	}
	resp, err := a.http.Get(ctx, target, nil, a.header, nil)
	if err != nil {
		return paginate.Page[transform.Record]{}, err
	}
	records, err := decodeErrors(resp.Body)
	if err != nil {
		return paginate.Page[transform.Record]{}, err
	}
	next := source.NextLink(resp.Header)
	return paginate.Page[transform.Record]{
		Records: records,
		Next:    next,
		IsLast:  next == "" || len(records) == 0,
	}, nil
}

// decodeErrors accepts a bare list or an object with an "errors" list.
func decodeErrors(body []byte) ([]transform.Record, error) {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, syncerr.E(syncerr.KindProtocol, "bugsnag.errors", err)
	}
	if obj, ok := raw.(map[string]any); ok {
		raw = obj["errors"]
	}
	if raw == nil {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, syncerr.Newf(syncerr.KindProtocol, "bugsnag.errors", "unexpected payload type %T", raw)
	}
	out := make([]transform.Record, 0, len(list))
	for _, item := range list {
		rec, ok := item.(map[string]any)
		if !ok {
			return nil, syncerr.Newf(syncerr.KindProtocol, "bugsnag.errors", "unexpected error entry %T", item)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Transform keys the row by project, error and last_seen so every new
// occurrence window of an error becomes a new row.
func (a *Adapter) Transform(partition string, rec transform.Record, ingestedAt time.Time) (source.Row, error) {
	id, ok := transform.String("id")(rec)
	if !ok {
		return source.Row{}, source.Skip("error without id")
	}
	lastSeen, ok := transform.Time("last_seen")(rec)
	if !ok {
		return source.Row{}, source.Skip("error %s has no last_seen", id)
	}
	lastSeen = transform.Canonical(lastSeen)
	firstSeen, _ := transform.Time("first_seen")(rec)

	values := map[string]any{
		"project_id":  partition,
		"error_id":    id,
		"error_class": str(rec, "error_class"),
		"message":     nil,
		"severity":    str(rec, "severity"),
		"status":      str(rec, "status"),
		"first_seen":  transform.NullTime(firstSeen),
		"last_seen":   lastSeen,
		"events":      transform.Or(rec, int64(0), transform.Int("events")),
		"users":       transform.Or(rec, int64(0), transform.Int("users")),
		"url":         nil,
		"payload":     nil,
	}
	if msg, ok := transform.String("message")(rec); ok {
		values["message"] = transform.Truncate(msg, a.cfg.MaxTextChars)
	}
	if u, ok := transform.First(rec, transform.String("events_url"), transform.String("url")); ok {
		values["url"] = u
	}
	if a.cfg.StorePayload {
		if payload, err := transform.Payload(rec, a.cfg.MaxPayloadChars); err == nil {
			values["payload"] = payload
		}
	}

	return source.Row{
		Row: warehouse.Row{
			ID:         partition + ":" + id + ":" + lastSeen.Format(time.RFC3339Nano),
			IngestedAt: ingestedAt,
			Values:     values,
		},
		Cursor: lastSeen,
	}, nil
}

// Probe fetches the project and a one-error page.
func (a *Adapter) Probe(ctx context.Context, partition string) (map[string]any, error) {
	out := map[string]any{"project_id": partition}

	resp, err := a.http.Get(ctx, a.base+"/projects/"+url.PathEscape(partition), nil, a.header, nil)
	out["project"] = source.ProbeResult(resp, err, 500)

	resp, err = a.http.Get(ctx, a.errorsURL(partition, time.Now().AddDate(0, 0, -1), 1), nil, a.header, nil)
	probe := source.ProbeResult(resp, err, 800)
	if err == nil {
		probe["has_next"] = source.NextLink(resp.Header) != ""
	}
	out["errors"] = probe
	return out, nil
}

func str(rec transform.Record, path string) any {
	v, ok := transform.String(path)(rec)
	return transform.Value(v, ok)
}
