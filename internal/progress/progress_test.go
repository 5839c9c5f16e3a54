package progress

import (
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"
	"time"
)

func TestJSONReporter_Throttles(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, time.Minute)
	clock := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return clock }

	r.Report(ProgressUpdate{Phase: PhaseFetching, RowsFetched: 1})
	r.Report(ProgressUpdate{Phase: PhaseFetching, RowsFetched: 2})
	r.ReportImmediate(ProgressUpdate{Phase: PhaseDone, RowsFetched: 3})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), buf.String())
	}

	var last ProgressUpdate
	if err := json.Unmarshal([]byte(lines[1]), &last); err != nil {
		t.Fatal(err)
	}
	if last.Phase != PhaseDone || last.RowsFetched != 3 {
		t.Errorf("last update = %+v", last)
	}
	if last.Timestamp != "2026-03-01T12:00:00Z" {
		t.Errorf("timestamp = %q", last.Timestamp)
	}

	clock = clock.Add(2 * time.Minute)
	r.Report(ProgressUpdate{Phase: PhaseFetching})
	if n := strings.Count(buf.String(), "\n"); n != 3 {
		t.Errorf("expected update after interval, got %d lines", n)
	}
}

func TestJSONReporter_Closed(t *testing.T) {
	var buf bytes.Buffer
	r := NewJSONReporter(&buf, 0)
	r.Close()
	r.ReportImmediate(ProgressUpdate{Phase: PhaseDone})
	if buf.Len() != 0 {
		t.Errorf("closed reporter wrote %q", buf.String())
	}
}

func TestTracker_Counts(t *testing.T) {
	tr := New(io.Discard)
	tr.SetTotal(2)
	tr.StartPartition("jira/PC")
	tr.AddPage(50)
	tr.AddPage(7)
	tr.EndPartition("jira/PC")

	if tr.Rows() != 57 || tr.Pages() != 2 {
		t.Errorf("rows=%d pages=%d", tr.Rows(), tr.Pages())
	}
	if got := tr.describeLocked(); got != "Syncing (1/2 partitions)" {
		t.Errorf("description = %q", got)
	}
}

func TestTracker_NilIsNoop(t *testing.T) {
	var tr *Tracker
	tr.SetTotal(1)
	tr.StartPartition("x")
	tr.AddPage(3)
	tr.EndPartition("x")
	tr.Finish()
	if tr.Rows() != 0 {
		t.Error("nil tracker counted rows")
	}
}
