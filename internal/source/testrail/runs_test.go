package testrail

import (
	"context"
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

func newRuns(t *testing.T, baseURL string) *Runs {
	t.Helper()
	cfg := config.NewSourceConfig(config.SourceTestRailRuns, "testrail_runs")
	cfg.BaseURL = baseURL
	cfg.Partitions = []string{"1"}
	src, err := source.New(source.Deps{
		Config:  cfg,
		HTTP:    httpclient.New(httpclient.Config{MaxAttempts: 1, RateLimit: 1000}),
		Secrets: secrets.Static{"TESTRAIL_USER": "qa@example.com", "TESTRAIL_API_KEY": "key"},
	})
	require.NoError(t, err)
	return src.(*Runs)
}

func TestRunsDefaults(t *testing.T) {
	cfg := config.NewSourceConfig(config.SourceTestRailRuns, "testrail_runs")
	assert.Equal(t, "testrail_runs", cfg.Table)
	assert.Equal(t, 14*24*time.Hour, cfg.Overlap)
	assert.Equal(t, "created_on", cfg.WatermarkColumn)
}

func TestRunsNonNumericProjectIsConfigError(t *testing.T) {
	cfg := config.NewSourceConfig(config.SourceTestRailRuns, "testrail_runs")
	cfg.BaseURL = "https://x.testrail.io"
	cfg.Partitions = []string{"ABC"}
	_, err := NewRuns(source.Deps{Config: cfg, Secrets: secrets.Static{"TESTRAIL_USER": "u", "TESTRAIL_API_KEY": "k"}})
	assert.Equal(t, syncerr.KindConfig, syncerr.KindOf(err))
}

func TestRunsFetchPagesByOffset(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.RawQuery
		queries = append(queries, q)
		assert.True(t, strings.HasPrefix(q, "/api/v2/get_runs/1&"), q)
		assert.Contains(t, q, "created_after=1000")
		assert.Contains(t, q, "created_before=5000")
		if strings.Contains(q, "offset=0") {
			_, _ = w.Write([]byte(`{"offset":0,"limit":2,"size":3,"_links":{"next":"/api/v2/get_runs/1&offset=2"},"runs":[
				{"id":10,"created_on":1100},{"id":11,"created_on":1200}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"offset":2,"limit":2,"size":3,"_links":{"next":null},"runs":[{"id":12,"created_on":1300}]}`))
	}))
	defer srv.Close()

	a := newRuns(t, srv.URL)
	win := source.Window{Since: time.Unix(1000, 0), Until: time.Unix(5000, 0)}

	var ids []int64
	out, err := paginate.Walk(context.Background(), paginate.Options{Mode: a.Mode(), PageSize: 2},
		func(ctx context.Context, st paginate.State, limit int) (paginate.Page[transform.Record], error) {
			return a.Fetch(ctx, "1", win, st, limit)
		},
		func(_ context.Context, page paginate.Page[transform.Record], _ int) error {
			for _, rec := range page.Records {
				id, _ := transform.Int("id")(rec)
				ids = append(ids, id)
			}
			return nil
		})
	require.NoError(t, err)
	assert.Equal(t, paginate.StopExhausted, out.Stop)
	assert.Equal(t, []int64{10, 11, 12}, ids)
	require.Len(t, queries, 2)
	assert.Contains(t, queries[1], "offset=2")
}

func TestRunsTransformKeysOnProgress(t *testing.T) {
	a := newRuns(t, "https://x.testrail.io")
	ingested := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rec := transform.Record{
		"id": float64(10), "name": "smoke", "suite_id": float64(3), "created_on": float64(1700000000),
		"is_completed": false, "passed_count": float64(4), "failed_count": float64(1),
		"blocked_count": float64(0), "retest_count": float64(0), "untested_count": float64(5),
		"config": "Chrome, Linux",
	}

	open, err := a.Transform("1", rec, ingested)
	require.NoError(t, err)
	assert.Equal(t, "1:10::4:1:0:0:5", open.ID)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), open.Cursor)
	assert.Equal(t, false, open.Values["is_completed"])
	assert.Nil(t, open.Values["completed_on"])
	assert.Equal(t, `"Chrome, Linux"`, open.Values["config"])

	rec["is_completed"] = true
	rec["completed_on"] = float64(1700090000)
	rec["passed_count"] = float64(9)
	rec["untested_count"] = float64(0)
	done, err := a.Transform("1", rec, ingested)
	require.NoError(t, err)
	assert.Equal(t, "1:10:1700090000:9:1:0:0:0", done.ID)
	assert.NotEqual(t, open.ID, done.ID)
	assert.Equal(t, open.Cursor, done.Cursor)

	delete(rec, "created_on")
	_, err = a.Transform("1", rec, ingested)
	assert.True(t, source.IsSkip(err))
}
