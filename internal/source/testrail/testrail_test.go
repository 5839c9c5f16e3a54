package testrail

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
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

func newAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	cfg := config.NewSourceConfig(config.SourceTestRail, "testrail")
	cfg.BaseURL = baseURL
	cfg.Partitions = []string{"1"}
	src, err := source.New(source.Deps{
		Config:  cfg,
		HTTP:    httpclient.New(httpclient.Config{MaxAttempts: 1, RateLimit: 1000}),
		Secrets: secrets.Static{"TESTRAIL_USER": "qa@example.com", "TESTRAIL_API_KEY": "key"},
	})
	require.NoError(t, err)
	return src.(*Adapter)
}

func TestNormalizeBaseURL(t *testing.T) {
	assert.Equal(t, "https://x.testrail.io/index.php?/api/v2", NormalizeBaseURL("https://x.testrail.io/"))
	assert.Equal(t, "https://x.testrail.io/index.php?/api/v2", NormalizeBaseURL("https://x.testrail.io/index.php?/api/v2"))
}

func TestCursorRoundTrip(t *testing.T) {
	c, err := parseCursor(cursor{RunCreated: 100, RunID: 7, Offset: 250}.String())
	require.NoError(t, err)
	assert.Equal(t, cursor{RunCreated: 100, RunID: 7, Offset: 250}, c)

	for _, bad := range []string{"", "1:2", "a:b:c", "1:2:-1"} {
		_, err := parseCursor(bad)
		assert.Equal(t, syncerr.KindProtocol, syncerr.KindOf(err), bad)
	}
}

func TestNonNumericProjectIsConfigError(t *testing.T) {
	cfg := config.NewSourceConfig(config.SourceTestRail, "testrail")
	cfg.BaseURL = "https://x.testrail.io"
	cfg.Partitions = []string{"ABC"}
	_, err := New(source.Deps{Config: cfg, Secrets: secrets.Static{"TESTRAIL_USER": "u", "TESTRAIL_API_KEY": "k"}})
	assert.Equal(t, syncerr.KindConfig, syncerr.KindOf(err))
}

// fakeTestRail serves two runs in the window (10 then 11), one run after it,
// and pages run 10's results two at a time.
func fakeTestRail(t *testing.T, runListings *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, _ := r.BasicAuth()
		assert.Equal(t, "qa@example.com", user)
		assert.Equal(t, "/index.php", r.URL.Path)
		q := r.URL.RawQuery
		switch {
		case strings.HasPrefix(q, "/api/v2/get_runs/1&"):
			atomic.AddInt32(runListings, 1)
			assert.Contains(t, q, "created_after=1000")
			_, _ = w.Write([]byte(`{"offset":0,"limit":2,"size":3,"_links":{"next":null},"runs":[
				{"id":11,"name":"nightly","created_on":1200,"suite_id":3},
				{"id":10,"name":"smoke","created_on":1100,"url":"https://x/runs/10"},
				{"id":12,"name":"future","created_on":999999}]}`))
		case strings.HasPrefix(q, "/api/v2/get_results_for_run/10&") && strings.HasSuffix(q, "offset=0"):
			_, _ = w.Write([]byte(`{"offset":0,"limit":2,"_links":{"next":"/api/v2/get_results_for_run/10&offset=2"},"results":[
				{"id":1,"created_on":1101,"status_id":1,"defects":["BUG-1","BUG-2"]},
				{"id":2,"created_on":1102,"status_id":5}]}`))
		case strings.HasPrefix(q, "/api/v2/get_results_for_run/10&") && strings.HasSuffix(q, "offset=2"):
			_, _ = w.Write([]byte(`{"offset":2,"limit":2,"_links":{"next":null},"results":[{"id":3,"created_on":1103}]}`))
		case strings.HasPrefix(q, "/api/v2/get_results_for_run/11&"):
			_, _ = w.Write([]byte(`[{"id":4,"created_on":1201,"comment":"flaky"}]`))
		default:
			t.Errorf("unexpected request %s", q)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func TestFetchWalksRunsThenResults(t *testing.T) {
	var listings int32
	srv := fakeTestRail(t, &listings)
	defer srv.Close()

	a := newAdapter(t, srv.URL)
	win := source.Window{Since: time.Unix(1000, 0), Until: time.Unix(5000, 0)}
	ctx := context.Background()

	page, err := a.Fetch(ctx, "1", win, paginate.State{}, 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	assert.Equal(t, "1100:10:2", page.Next)
	assert.Equal(t, "smoke", page.Records[0][runKey].(map[string]any)["name"])

	page, err = a.Fetch(ctx, "1", win, paginate.State{Token: page.Next}, 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, "1200:11:0", page.Next)

	page, err = a.Fetch(ctx, "1", win, paginate.State{Token: page.Next}, 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.True(t, page.IsLast)
	assert.Empty(t, page.Next)

	assert.Equal(t, int32(1), atomic.LoadInt32(&listings), "run list is fetched once per window")
}

func TestFetchResumesPastMissingRun(t *testing.T) {
	var listings int32
	srv := fakeTestRail(t, &listings)
	defer srv.Close()

	a := newAdapter(t, srv.URL)
	win := source.Window{Since: time.Unix(1000, 0), Until: time.Unix(5000, 0)}

	// Run 5 no longer exists; the walk continues with the next run by creation time.
	page, err := a.Fetch(context.Background(), "1", win, paginate.State{Token: "1150:5:40"}, 2)
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	id, _ := transform.Int("id")(page.Records[0])
	assert.Equal(t, int64(4), id)
	assert.True(t, page.IsLast)
}

func TestAPIErrorFieldIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"Field :project_id is not a valid project."}`))
	}))
	defer srv.Close()

	_, err := newAdapter(t, srv.URL).Fetch(context.Background(), "1",
		source.Window{Since: time.Unix(1000, 0), Until: time.Unix(5000, 0)}, paginate.State{}, 2)
	assert.Equal(t, syncerr.KindProtocol, syncerr.KindOf(err))
	assert.Contains(t, err.Error(), "get_runs/1")
}

func TestTransform(t *testing.T) {
	a := newAdapter(t, "https://x.testrail.io")
	a.cfg.StorePayload = true
	rec := transform.Record{
		"id":         float64(4),
		"test_id":    float64(40),
		"created_on": float64(1700000000),
		"defects":    "BUG-9",
		"elapsed":    "1m 5s",
		runKey:       map[string]any{"id": int64(11), "name": "nightly", "suite_id": float64(3)},
	}

	row, err := a.Transform("1", rec, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "1:11:4", row.ID)
	assert.Equal(t, int64(4), row.Seq)
	assert.True(t, row.Cursor.Equal(time.Unix(1700000000, 0)))
	assert.Equal(t, "nightly", row.Values["run_name"])
	assert.Equal(t, int64(3), row.Values["suite_id"])
	assert.Nil(t, row.Values["plan_id"])
	assert.Equal(t, "BUG-9", row.Values["defects"])
	assert.NotContains(t, row.Values["payload"], runKey)

	rec["defects"] = []any{"A", "B"}
	row, err = a.Transform("1", rec, time.Now())
	require.NoError(t, err)
	assert.Equal(t, "A,B", row.Values["defects"])

	delete(rec, runKey)
	_, err = a.Transform("1", rec, time.Now())
	assert.True(t, source.IsSkip(err))
}
