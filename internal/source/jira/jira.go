// Package jira syncs issues from the Jira Cloud search API, one partition per project key.
package jira

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/httpclient"
	"github.com/johndauphine/ingest-sync/internal/paginate"
	"github.com/johndauphine/ingest-sync/internal/source"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
	"github.com/johndauphine/ingest-sync/internal/transform"
	"github.com/johndauphine/ingest-sync/internal/warehouse"
)

const (
	searchPath = "/rest/api/3/search/jql"
	// jqlTimeLayout is the minute precision format JQL date comparisons accept.
	jqlTimeLayout = "2006/01/02 15:04"

	defaultTeamField   = "customfield_10001"
	defaultSprintField = "customfield_10020"
)

func init() {
	source.Register(config.SourceJira, New)
	source.Register(config.SourceJiraChangelog, NewChangelog)
}

// conn holds what every Jira adapter resolves before its first request.
type conn struct {
	http       *httpclient.Client
	base       string
	header     http.Header
	partitions []string
}

// connect resolves credentials and project keys so a missing secret fails
// the source before any request is made.
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
	parts, err := d.ConfiguredPartitions()
	if err != nil {
		return conn{}, err
	}
	return conn{
		http:       d.HTTP,
		base:       base,
		header:     source.JSONHeader(source.BasicAuth(user, token)),
		partitions: parts,
	}, nil
}

// search runs one page of a JQL search.
func (c conn) search(ctx context.Context, jql string, fields []string, token string, limit int) (searchResponse, error) {
	q := url.Values{}
	q.Set("jql", jql)
	q.Set("maxResults", strconv.Itoa(limit))
	q.Set("fields", strings.Join(fields, ","))
	if token != "" {
		q.Set("nextPageToken", token)
	}

	var resp searchResponse
	if _, err := c.http.Get(ctx, c.base+searchPath, q, c.header, &resp); err != nil {
		return resp, err
	}
	if !resp.IsLast && len(resp.Issues) > 0 && resp.NextPageToken == "" {
		return resp, syncerr.Newf(syncerr.KindProtocol, "jira.search", "isLast=false but nextPageToken missing")
	}
	return resp, nil
}

// Adapter is a configured Jira issues source.
type Adapter struct {
	conn
	cfg         config.SourceConfig
	teamField   string
	sprintField string
}

// New builds a Jira issues adapter.
func New(d source.Deps) (source.Source, error) {
	c, err := connect(d)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		conn:        c,
		cfg:         d.Config,
		teamField:   d.Config.Option("team_field", defaultTeamField),
		sprintField: d.Config.Option("sprint_field", defaultSprintField),
	}, nil
}

func (a *Adapter) Name() string        { return a.cfg.Name }
func (a *Adapter) Type() string        { return config.SourceJira }
func (a *Adapter) Mode() paginate.Mode { return paginate.ModeToken }

// Partitions returns the configured project keys.
func (a *Adapter) Partitions(context.Context) ([]string, error) {
	return a.partitions, nil
}

// Table is the append-only issues table; id and issue_id both exist for older queries.
func (a *Adapter) Table() warehouse.Table {
	return warehouse.Table{
		Name: a.cfg.Table,
		Columns: []warehouse.Column{
			{Name: "issue_key", Type: warehouse.TypeString},
			{Name: "id", Type: warehouse.TypeString},
			{Name: "issue_id", Type: warehouse.TypeString},
			{Name: "project_key", Type: warehouse.TypeString},
			{Name: "issue_type", Type: warehouse.TypeString},
			{Name: "created", Type: warehouse.TypeTimestamp},
			{Name: "updated", Type: warehouse.TypeTimestamp},
			{Name: "resolutiondate", Type: warehouse.TypeTimestamp},
			{Name: "status", Type: warehouse.TypeString},
			{Name: "priority", Type: warehouse.TypeString},
			{Name: "resolution", Type: warehouse.TypeString},
			{Name: "reporter", Type: warehouse.TypeString},
			{Name: "reporter_account_id", Type: warehouse.TypeString},
			{Name: "assignee", Type: warehouse.TypeString},
			{Name: "assignee_account_id", Type: warehouse.TypeString},
			{Name: "team", Type: warehouse.TypeString},
			{Name: "components", Type: warehouse.TypeText},
			{Name: "fix_versions", Type: warehouse.TypeText},
			{Name: "sprint", Type: warehouse.TypeText},
			{Name: "story_points", Type: warehouse.TypeFloat},
			{Name: "description_plain", Type: warehouse.TypeText},
			{Name: "payload", Type: warehouse.TypeText},
		},
		PartitionColumn: "project_key",
		Latest:          &warehouse.LatestView{PartitionBy: []string{"issue_key"}, OrderBy: []string{"updated"}},
	}
}

// JQL builds the incremental search for a project and window, oldest change first.
func JQL(projectKey string, w source.Window) string {
	key := strings.ReplaceAll(projectKey, `"`, `\"`)
	return fmt.Sprintf(`project = "%s" AND updated >= "%s" AND updated <= "%s" ORDER BY updated ASC`,
		key, w.Since.UTC().Format(jqlTimeLayout), w.Until.UTC().Format(jqlTimeLayout))
}

func (a *Adapter) fields() []string {
	f := []string{
		"project", "issuetype", "created", "updated", "resolutiondate", "status",
		"priority", "resolution", "reporter", "assignee", "components", "fixVersions",
		a.teamField, a.sprintField,
	}
	if a.cfg.StoreDescription {
		f = append(f, "description")
	}
	return f
}

type searchResponse struct {
	Issues        []transform.Record `json:"issues"`
	IsLast        bool               `json:"isLast"`
	NextPageToken string             `json:"nextPageToken"`
}

// Fetch returns one page of the project's search results.
func (a *Adapter) Fetch(ctx context.Context, partition string, w source.Window, st paginate.State, limit int) (paginate.Page[transform.Record], error) {
	resp, err := a.search(ctx, JQL(partition, w), a.fields(), st.Token, limit)
	if err != nil {
		return paginate.Page[transform.Record]{}, err
	}
	return paginate.Page[transform.Record]{
		Records: resp.Issues,
		Next:    resp.NextPageToken,
		IsLast:  resp.IsLast || len(resp.Issues) == 0,
	}, nil
}

// Transform maps an issue onto a row keyed by issue_key:updated.
func (a *Adapter) Transform(partition string, rec transform.Record, ingestedAt time.Time) (source.Row, error) {
	key, ok := transform.String("key")(rec)
	if !ok {
		return source.Row{}, source.Skip("issue without key")
	}
	// The search is already scoped to the project; this guards against moved issues.
	project, _ := transform.String("fields.project.key")(rec)
	if project != partition {
		return source.Row{}, source.Skip("issue %s belongs to project %q, not %q", key, project, partition)
	}
	updated, ok := transform.Time("fields.updated")(rec)
	if !ok {
		return source.Row{}, source.Skip("issue %s has no updated timestamp", key)
	}
	updated = transform.Canonical(updated)

	id, idOK := transform.String("id")(rec)
	created, _ := transform.Time("fields.created")(rec)
	resolved, _ := transform.Time("fields.resolutiondate")(rec)

	values := map[string]any{
		"issue_key":           key,
		"id":                  transform.Value(id, idOK),
		"issue_id":            transform.Value(id, idOK),
		"project_key":         project,
		"issue_type":          str(rec, "fields.issuetype.name"),
		"created":             transform.NullTime(created),
		"updated":             updated,
		"resolutiondate":      transform.NullTime(resolved),
		"status":              str(rec, "fields.status.name"),
		"priority":            str(rec, "fields.priority.name"),
		"resolution":          str(rec, "fields.resolution.name"),
		"reporter":            str(rec, "fields.reporter.displayName"),
		"reporter_account_id": str(rec, "fields.reporter.accountId"),
		"assignee":            str(rec, "fields.assignee.displayName"),
		"assignee_account_id": str(rec, "fields.assignee.accountId"),
		"team":                first(rec, transform.String("fields."+a.teamField), transform.String("fields."+a.teamField+".value"), transform.String("fields."+a.teamField+".name"), transform.String("fields."+a.teamField+".title")),
		"components":          first(rec, transform.Names("fields.components")),
		"fix_versions":        first(rec, transform.Names("fields.fixVersions")),
		"sprint":              first(rec, transform.Names("fields."+a.sprintField), transform.String("fields."+a.sprintField+".name")),
		"story_points":        nil,
		"description_plain":   nil,
		"payload":             nil,
	}
	if a.cfg.StoreDescription {
		if desc, ok := transform.Lookup(rec, "fields.description"); ok && desc != nil {
			if text, err := transform.Payload(desc, a.cfg.MaxTextChars); err == nil {
				values["description_plain"] = text
			}
		}
	}
	if a.cfg.StorePayload {
		if payload, err := transform.Payload(rec, a.cfg.MaxPayloadChars); err == nil {
			values["payload"] = payload
		}
	}

	return source.Row{
		Row: warehouse.Row{
			ID:         key + ":" + updated.Format(time.RFC3339Nano),
			IngestedAt: ingestedAt,
			Values:     values,
		},
		Cursor: updated,
	}, nil
}

// Probe fetches the project and the single most recently updated issue.
func (a *Adapter) Probe(ctx context.Context, partition string) (map[string]any, error) {
	out := map[string]any{"project_key": partition}

	resp, err := a.http.Get(ctx, a.base+"/rest/api/3/project/"+url.PathEscape(partition), nil, a.header, nil)
	out["project"] = source.ProbeResult(resp, err, 500)

	q := url.Values{}
	q.Set("jql", fmt.Sprintf(`project = "%s" ORDER BY updated DESC`, strings.ReplaceAll(partition, `"`, `\"`)))
	q.Set("maxResults", "1")
	q.Set("fields", "updated")
	var search searchResponse
	resp, err = a.http.Get(ctx, a.base+searchPath, q, a.header, &search)
	probe := source.ProbeResult(resp, err, 800)
	if err == nil {
		if len(search.Issues) > 0 {
			probe["latest_issue_key"], _ = transform.String("key")(search.Issues[0])
		}
		probe["is_last"] = search.IsLast
		probe["next_page_token"] = search.NextPageToken
	}
	out["search"] = probe
	return out, nil
}

func str(rec transform.Record, path string) any {
	return first(rec, transform.String(path))
}

func first(rec transform.Record, accessors ...transform.Accessor[string]) any {
	v, ok := transform.First(rec, accessors...)
	return transform.Value(v, ok)
}
