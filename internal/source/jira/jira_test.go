package jira

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/johndauphine/ingest-sync/internal/config"
	"github.com/johndauphine/ingest-sync/internal/httpclient"
	"github.com/johndauphine/ingest-sync/internal/paginate"
	"github.com/johndauphine/ingest-sync/internal/secrets"
	"github.com/johndauphine/ingest-sync/internal/source"
	"github.com/johndauphine/ingest-sync/internal/syncerr"
	"github.com/johndauphine/ingest-sync/internal/transform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAdapter(t *testing.T, baseURL string, mutate func(*config.SourceConfig)) *Adapter {
	t.Helper()
	cfg := config.NewSourceConfig(config.SourceJira, "jira")
	cfg.BaseURL = baseURL
	cfg.Partitions = []string{"ABC"}
	if mutate != nil {
		mutate(&cfg)
	}
	src, err := source.New(source.Deps{
		Config:  cfg,
		HTTP:    httpclient.New(httpclient.Config{MaxAttempts: 1, RateLimit: 1000}),
		Secrets: secrets.Static{"JIRA_USER": "me@example.com", "JIRA_API_TOKEN": "tok"},
	})
	require.NoError(t, err)
	return src.(*Adapter)
}

func window() source.Window {
	return source.Window{
		Since: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Until: time.Date(2026, 1, 10, 12, 30, 0, 0, time.UTC),
	}
}

func TestJQL(t *testing.T) {
	assert.Equal(t,
		`project = "ABC" AND updated >= "2026/01/01 00:00" AND updated <= "2026/01/10 12:30" ORDER BY updated ASC`,
		JQL("ABC", window()))
}

func TestFetchFollowsNextPageToken(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, searchPath, r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "me@example.com", user)
		assert.Equal(t, "tok", pass)
		assert.Contains(t, r.URL.Query().Get("fields"), "customfield_10020")
		seen = append(seen, r.URL.Query().Get("nextPageToken"))

		if r.URL.Query().Get("nextPageToken") == "" {
			_, _ = w.Write([]byte(`{"issues":[{"key":"ABC-1"}],"isLast":false,"nextPageToken":"t2"}`))
			return
		}
		_, _ = w.Write([]byte(`{"issues":[{"key":"ABC-2"}],"isLast":true}`))
	}))
	defer srv.Close()

	a := newAdapter(t, srv.URL, nil)
	page, err := a.Fetch(context.Background(), "ABC", window(), paginate.State{}, 50)
	require.NoError(t, err)
	assert.Equal(t, "t2", page.Next)
	assert.False(t, page.IsLast)
	require.Len(t, page.Records, 1)

	page, err = a.Fetch(context.Background(), "ABC", window(), paginate.State{Token: page.Next}, 50)
	require.NoError(t, err)
	assert.True(t, page.IsLast)
	assert.Equal(t, []string{"", "t2"}, seen)
}

func TestFetchMissingTokenIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"issues":[{"key":"ABC-1"}],"isLast":false}`))
	}))
	defer srv.Close()

	_, err := newAdapter(t, srv.URL, nil).Fetch(context.Background(), "ABC", window(), paginate.State{}, 50)
	assert.Equal(t, syncerr.KindProtocol, syncerr.KindOf(err))
}

func TestFetchUnauthorizedFailsPartition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newAdapter(t, srv.URL, nil).Fetch(context.Background(), "ABC", window(), paginate.State{}, 50)
	assert.Equal(t, syncerr.KindAuth, syncerr.KindOf(err))
	assert.False(t, syncerr.IsFatalForRun(err))
}

func issue(t *testing.T, raw string) transform.Record {
	t.Helper()
	var rec transform.Record
	require.NoError(t, json.Unmarshal([]byte(raw), &rec))
	return rec
}

const sampleIssue = `{
	"id": "10001",
	"key": "ABC-1",
	"fields": {
		"project": {"key": "ABC"},
		"issuetype": {"name": "Bug"},
		"created": "2026-01-02T08:00:00.000+0000",
		"updated": "2026-01-05T10:15:30.000+0100",
		"status": {"name": "In Progress"},
		"priority": {"name": "High"},
		"reporter": {"displayName": "Rae", "accountId": "acc-1"},
		"components": [{"name": "api"}, {"name": "web"}],
		"fixVersions": [{"name": "1.2"}],
		"customfield_10001": {"value": "Platform"},
		"customfield_10020": [{"name": "Sprint 7"}],
		"description": {"type": "doc", "content": []}
	}
}`

func TestTransform(t *testing.T) {
	a := newAdapter(t, "https://example.atlassian.net", func(c *config.SourceConfig) {
		c.StorePayload = true
	})
	ingested := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)

	row, err := a.Transform("ABC", issue(t, sampleIssue), ingested)
	require.NoError(t, err)

	updated := time.Date(2026, 1, 5, 9, 15, 30, 0, time.UTC)
	assert.Equal(t, "ABC-1:2026-01-05T09:15:30Z", row.ID)
	assert.True(t, row.Cursor.Equal(updated))
	assert.Equal(t, ingested, row.IngestedAt)

	v := row.Values
	assert.Equal(t, "10001", v["issue_id"])
	assert.Equal(t, "Bug", v["issue_type"])
	assert.Equal(t, "In Progress", v["status"])
	assert.Equal(t, "Rae", v["reporter"])
	assert.Nil(t, v["assignee"])
	assert.Nil(t, v["resolutiondate"])
	assert.Equal(t, "api,web", v["components"])
	assert.Equal(t, "Platform", v["team"])
	assert.Equal(t, "Sprint 7", v["sprint"])
	assert.Nil(t, v["description_plain"], "description is only kept when store_description is set")
	assert.True(t, strings.HasPrefix(v["payload"].(string), "{"))

	for _, col := range a.Table().Columns {
		_, ok := v[col.Name]
		assert.True(t, ok, "missing value for column %s", col.Name)
	}
}

func TestTransformSkipsForeignAndIncompleteIssues(t *testing.T) {
	a := newAdapter(t, "https://example.atlassian.net", nil)

	_, err := a.Transform("XYZ", issue(t, sampleIssue), time.Now())
	assert.True(t, source.IsSkip(err))

	_, err = a.Transform("ABC", issue(t, `{"key":"ABC-9","fields":{"project":{"key":"ABC"}}}`), time.Now())
	assert.True(t, source.IsSkip(err))

	_, err = a.Transform("ABC", issue(t, `{"fields":{}}`), time.Now())
	assert.True(t, source.IsSkip(err))
}

func TestDescriptionIsStoredWhenEnabled(t *testing.T) {
	a := newAdapter(t, "https://example.atlassian.net", func(c *config.SourceConfig) {
		c.StoreDescription = true
		c.MaxTextChars = 10
	})
	assert.Contains(t, a.fields(), "description")

	row, err := a.Transform("ABC", issue(t, sampleIssue), time.Now())
	require.NoError(t, err)
	assert.Len(t, []rune(row.Values["description_plain"].(string)), 10)
}

func TestMissingCredentialIsConfigError(t *testing.T) {
	cfg := config.NewSourceConfig(config.SourceJira, "jira")
	cfg.BaseURL = "https://example.atlassian.net"
	cfg.Partitions = []string{"ABC"}
	_, err := New(source.Deps{Config: cfg, Secrets: secrets.Static{"JIRA_USER": "u"}})
	assert.Equal(t, syncerr.KindConfig, syncerr.KindOf(err))
}

func TestProbe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/rest/api/3/project/") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errorMessages":["No project"]}`))
			return
		}
		_, _ = w.Write([]byte(`{"issues":[{"key":"ABC-42"}],"isLast":true}`))
	}))
	defer srv.Close()

	out, err := newAdapter(t, srv.URL, nil).Probe(context.Background(), "ABC")
	require.NoError(t, err)
	project := out["project"].(map[string]any)
	assert.Equal(t, http.StatusNotFound, project["status_code"])
	search := out["search"].(map[string]any)
	assert.Equal(t, "ABC-42", search["latest_issue_key"])
}
