package jira

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/logging"
	"github.com/johndauphine/ingest-sync/internal/paginate"
	"github.com/johndauphine/ingest-sync/internal/source"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
	"github.com/johndauphine/ingest-sync/internal/transform"
	"github.com/johndauphine/ingest-sync/internal/warehouse"
)

const (
	defaultChangelogPageSize = 100

	// Keys attached to every changelog history record.
	keyIssueKey       = "_issue_key"
	keyIssueID        = "_issue_id"
	keyChangelogError = "_changelog_error"
)

// Changelog syncs the change history of every issue updated in the window.
// The search pages by token; each issue's changelog is then read in full.
type Changelog struct {
	conn
	cfg      config.SourceConfig
	pageSize int
}

// NewChangelog builds a Jira changelog adapter.
func NewChangelog(d source.Deps) (source.Source, error) {
	c, err := connect(d)
	if err != nil {
		return nil, err
	}
	size := defaultChangelogPageSize
	if v := d.Config.Option("changelog_page_size", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, syncerr.Newf(syncerr.KindConfig, "jira", "source %s: changelog_page_size %q must be a positive integer", d.Config.Name, v)
		}
		size = n
	}
	return &Changelog{conn: c, cfg: d.Config, pageSize: size}, nil
}

func (a *Changelog) Name() string        { return a.cfg.Name }
func (a *Changelog) Type() string        { return config.SourceJiraChangelog }
func (a *Changelog) Mode() paginate.Mode { return paginate.ModeToken }

func (a *Changelog) Partitions(context.Context) ([]string, error) {
	return a.partitions, nil
}

func (a *Changelog) Table() warehouse.Table {
	return warehouse.Table{
		Name: a.cfg.Table,
		Columns: []warehouse.Column{
			{Name: "issue_key", Type: warehouse.TypeString},
			{Name: "issue_id", Type: warehouse.TypeString},
			{Name: "project_key", Type: warehouse.TypeString},
			{Name: "history_id", Type: warehouse.TypeString},
			{Name: "history_created", Type: warehouse.TypeTimestamp},
			{Name: "author", Type: warehouse.TypeString},
			{Name: "author_account_id", Type: warehouse.TypeString},
			{Name: "items_json", Type: warehouse.TypeText},
		},
		PartitionColumn: "project_key",
	}
}

type changelogResponse struct {
	StartAt    int                `json:"startAt"`
	MaxResults int                `json:"maxResults"`
	Total      int                `json:"total"`
	IsLast     bool               `json:"isLast"`
	Values     []transform.Record `json:"values"`
}

// Fetch returns the histories of one search page of issues. An issue whose
// changelog cannot be read leaves a placeholder that Transform skips, so one
// broken issue does not fail the project.
func (a *Changelog) Fetch(ctx context.Context, partition string, w source.Window, st paginate.State, limit int) (paginate.Page[transform.Record], error) {
	resp, err := a.search(ctx, JQL(partition, w), []string{"updated"}, st.Token, limit)
	if err != nil {
		return paginate.Page[transform.Record]{}, err
	}

	var records []transform.Record
	for _, issue := range resp.Issues {
		key, ok := transform.String("key")(issue)
		if !ok {
			continue
		}
		id, _ := transform.String("id")(issue)
		histories, err := a.changelog(ctx, key)
		if err != nil {
			if ctx.Err() != nil || stopsPartition(err) {
				return paginate.Page[transform.Record]{}, err
			}
			logging.For(a.Name(), partition).Warn("issue %s changelog: %v", key, err)
			records = append(records, transform.Record{keyIssueKey: key, keyChangelogError: err.Error()})
			continue
		}
		for _, h := range histories {
			h[keyIssueKey] = key
			h[keyIssueID] = id
			records = append(records, h)
		}
	}
	return paginate.Page[transform.Record]{
		Records: records,
		Next:    resp.NextPageToken,
		IsLast:  resp.IsLast || len(resp.Issues) == 0,
	}, nil
}

// stopsPartition reports errors that would fail every remaining issue the same way.
func stopsPartition(err error) bool {
	switch syncerr.KindOf(err) {
	case syncerr.KindConfig, syncerr.KindAuth, syncerr.KindDeadline:
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// changelog reads every history of one issue, oldest first.
func (a *Changelog) changelog(ctx context.Context, key string) ([]transform.Record, error) {
	var out []transform.Record
	startAt := 0
	for {
		q := url.Values{}
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", strconv.Itoa(a.pageSize))

		var resp changelogResponse
		if _, err := a.http.Get(ctx, a.base+"/rest/api/3/issue/"+url.PathEscape(key)+"/changelog", q, a.header, &resp); err != nil {
			return nil, err
		}
		out = append(out, resp.Values...)
		startAt += len(resp.Values)
		if resp.IsLast || len(resp.Values) == 0 || (resp.Total > 0 && startAt >= resp.Total) {
			return out, nil
		}
	}
}

// projectOf returns the project prefix of an issue key.
func projectOf(key string) string {
	if i := strings.LastIndex(key, "-"); i > 0 {
		return key[:i]
	}
	return ""
}

// Transform maps one history onto a row keyed by issue_key:history_id.
func (a *Changelog) Transform(partition string, rec transform.Record, ingestedAt time.Time) (source.Row, error) {
	key, _ := transform.String(keyIssueKey)(rec)
	if msg, failed := transform.String(keyChangelogError)(rec); failed {
		return source.Row{}, source.Skip("issue %s changelog: %s", key, msg)
	}
	if key == "" {
		return source.Row{}, source.Skip("history without issue key")
	}
	historyID, ok := transform.String("id")(rec)
	if !ok {
		return source.Row{}, source.Skip("issue %s: history without id", key)
	}
	created, ok := transform.Time("created")(rec)
	if !ok {
		return source.Row{}, source.Skip("issue %s history %s has no created timestamp", key, historyID)
	}
	created = transform.Canonical(created)

	project := projectOf(key)
	if project != partition {
		return source.Row{}, source.Skip("issue %s belongs to project %q, not %q", key, project, partition)
	}

	issueID, idOK := transform.String(keyIssueID)(rec)
	values := map[string]any{
		"issue_key":         key,
		"issue_id":          transform.Value(issueID, idOK && issueID != ""),
		"project_key":       project,
		"history_id":        historyID,
		"history_created":   created,
		"author":            str(rec, "author.displayName"),
		"author_account_id": str(rec, "author.accountId"),
		"items_json":        nil,
	}
	if items, ok := transform.Lookup(rec, "items"); ok && items != nil {
		if text, err := transform.Payload(items, a.cfg.MaxPayloadChars); err == nil {
			values["items_json"] = text
		}
	}

	return source.Row{
		Row: warehouse.Row{
			ID:         key + ":" + historyID,
			IngestedAt: ingestedAt,
			Values:     values,
		},
		Cursor: created,
	}, nil
}

// Probe reads the most recently updated issue and the first page of its changelog.
func (a *Changelog) Probe(ctx context.Context, partition string) (map[string]any, error) {
	out := map[string]any{"project_key": partition}

	q := url.Values{}
	q.Set("jql", fmt.Sprintf(`project = "%s" ORDER BY updated DESC`, strings.ReplaceAll(partition, `"`, `\"`)))
	q.Set("maxResults", "1")
	q.Set("fields", "updated")
	var search searchResponse
	resp, err := a.http.Get(ctx, a.base+searchPath, q, a.header, &search)
	out["search"] = source.ProbeResult(resp, err, 800)
	if err != nil || len(search.Issues) == 0 {
		return out, nil
	}

	key, _ := transform.String("key")(search.Issues[0])
	q = url.Values{}
	q.Set("maxResults", "1")
	resp, err = a.http.Get(ctx, a.base+"/rest/api/3/issue/"+url.PathEscape(key)+"/changelog", q, a.header, nil)
	probe := source.ProbeResult(resp, err, 800)
	probe["issue_key"] = key
	out["changelog"] = probe
	return out, nil
}
