package warehouse

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func issuesTable() Table {
	return Table{
		Name: "jira_issues",
		Columns: []Column{
			{Name: "project_key", Type: TypeString},
			{Name: "issue_key", Type: TypeString},
			{Name: "status", Type: TypeString},
			{Name: "updated", Type: TypeTimestamp},
		},
		PartitionColumn: "project_key",
		Latest:          &LatestView{PartitionBy: []string{"issue_key"}, OrderBy: []string{"updated"}},
	}
}

func issueRow(key, status string, updated time.Time) Row {
	return Row{
		ID:         key + ":" + updated.Format(time.RFC3339),
		IngestedAt: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		Values: map[string]any{
			"project_key": "KAN",
			"issue_key":   key,
			"status":      status,
			"updated":     updated,
		},
	}
}

func openSQLite(t *testing.T) *SQLite {
	t.Helper()
	wh, err := NewSQLite(filepath.Join(t.TempDir(), "wh", "warehouse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { wh.Close() })
	return wh
}

func TestSQLiteInsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	wh := openSQLite(t)
	tbl := issuesTable()
	require.NoError(t, wh.EnsureTable(ctx, tbl))

	d1 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 1, 11, 9, 0, 0, 0, time.UTC)
	rows := []Row{issueRow("KAN-1", "Open", d1), issueRow("KAN-2", "Open", d1)}

	res, err := wh.Insert(ctx, tbl, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Inserted)

	res, err = wh.Insert(ctx, tbl, append(rows, issueRow("KAN-1", "Done", d2)))
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
	assert.Equal(t, int64(2), res.Duplicates)
	assert.Empty(t, res.RowErrors)

	n, err := wh.QueryScalar(ctx, `SELECT COUNT(*) FROM "jira_issues"`)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}

func TestSQLiteLatestViewKeepsNewestPerEntity(t *testing.T) {
	ctx := context.Background()
	wh := openSQLite(t)
	tbl := issuesTable()
	require.NoError(t, wh.EnsureTable(ctx, tbl))

	d1 := time.Date(2026, 1, 10, 9, 0, 0, 0, time.UTC)
	d2 := time.Date(2026, 1, 11, 9, 0, 0, 0, time.UTC)
	_, err := wh.Insert(ctx, tbl, []Row{
		issueRow("KAN-1", "Open", d1),
		issueRow("KAN-1", "Done", d2),
		issueRow("KAN-2", "Open", d1),
	})
	require.NoError(t, err)

	n, err := wh.QueryScalar(ctx, `SELECT COUNT(*) FROM "jira_issues_latest"`)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	status, err := wh.QueryScalar(ctx, `SELECT status FROM "jira_issues_latest" WHERE issue_key = ?`, "KAN-1")
	require.NoError(t, err)
	assert.Equal(t, "Done", status)
}

func TestSQLiteEnsureTableAddsColumns(t *testing.T) {
	ctx := context.Background()
	wh := openSQLite(t)
	tbl := issuesTable()
	require.NoError(t, wh.EnsureTable(ctx, tbl))

	tbl.Columns = append(tbl.Columns, Column{Name: "sprint", Type: TypeString})
	require.NoError(t, wh.EnsureTable(ctx, tbl))
	require.NoError(t, wh.EnsureTable(ctx, tbl), "EnsureTable must be repeatable")

	cols, err := wh.columns(ctx, tbl.Name)
	require.NoError(t, err)
	assert.True(t, cols["sprint"])

	r := issueRow("KAN-3", "Open", time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC))
	r.Values["sprint"] = "Sprint 4"
	res, err := wh.Insert(ctx, tbl, []Row{r})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Inserted)
}

func TestSQLiteMaxQueryBootstrapsWatermark(t *testing.T) {
	ctx := context.Background()
	wh := openSQLite(t)
	tbl := issuesTable()
	require.NoError(t, wh.EnsureTable(ctx, tbl))

	empty, err := wh.QueryScalar(ctx, wh.MaxQuery(tbl, "updated"), "KAN")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = wh.Insert(ctx, tbl, []Row{
		issueRow("KAN-1", "Open", time.Date(2026, 1, 9, 23, 0, 0, 0, time.UTC)),
		issueRow("KAN-2", "Open", time.Date(2026, 1, 10, 1, 30, 0, 0, time.UTC)),
	})
	require.NoError(t, err)

	latest, err := wh.QueryScalar(ctx, wh.MaxQuery(tbl, "updated"), "KAN")
	require.NoError(t, err)
	assert.Equal(t, "2026-01-10T01:30:00.000000Z", latest)
}

func TestSQLitePoolStats(t *testing.T) {
	var wh Warehouse = openSQLite(t)
	pr, ok := wh.(PoolReporter)
	require.True(t, ok)

	st := pr.PoolStats()
	assert.Equal(t, "sqlite", st.DBType)
	assert.Equal(t, 1, st.MaxConns)
}
