package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/johndauphine/ingest-sync/internal/checkpoint"
	"github.com/johndauphine/ingest-sync/internal/orchestrator"
)

var (
	// Colors
	colorPurple    = lipgloss.Color("#7D56F4")
	colorGreen     = lipgloss.Color("#04B575")
	colorYellow    = lipgloss.Color("#E5C07B")
	colorRed       = lipgloss.Color("#FF4141")
	colorGray      = lipgloss.Color("#626262")
	colorLightGray = lipgloss.Color("#9e9e9e")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPurple).
			Bold(true)

	styleHeader = lipgloss.NewStyle().
			Foreground(colorLightGray).
			Bold(true)

	styleSuccess = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	stylePartial = lipgloss.NewStyle().
			Foreground(colorYellow).
			Bold(true)

	styleError = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	styleMuted = lipgloss.NewStyle().
			Foreground(colorGray)

	styleBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorPurple).
			Padding(0, 1)
)

// statusStyle colours a run or partition status.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case orchestrator.StatusSuccess:
		return styleSuccess
	case orchestrator.StatusPartial, checkpoint.StatusRunning:
		return stylePartial
	case orchestrator.StatusDebug:
		return styleHeader
	default:
		return styleError
	}
}

func printRunResult(w io.Writer, res *orchestrator.RunResult) {
	var b strings.Builder
	title := "Sync run " + res.RunID
	if res.DryRun {
		title += " (dry run)"
	}
	fmt.Fprintln(&b, styleTitle.Render(title))
	fmt.Fprintf(&b, "Status:     %s\n", statusStyle(res.Status).Render(res.Status))
	fmt.Fprintf(&b, "Duration:   %s\n", time.Duration(res.Elapsed*float64(time.Second)).Round(time.Millisecond))

	if res.Status == orchestrator.StatusDebug {
		keys := make([]string, 0, len(res.Probes))
		for k := range res.Probes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "\n%s\n", styleHeader.Render(k))
			probe := res.Probes[k]
			fields := make([]string, 0, len(probe))
			for f := range probe {
				fields = append(fields, f)
			}
			sort.Strings(fields)
			for _, f := range fields {
				fmt.Fprintf(&b, "  %-14s %v\n", f+":", probe[f])
			}
		}
		fmt.Fprintln(w, styleBox.Render(strings.TrimRight(b.String(), "\n")))
		return
	}

	fmt.Fprintf(&b, "Fetched:    %s rows\n", humanize.Comma(res.RowsFetched))
	fmt.Fprintf(&b, "Inserted:   %s rows (%s duplicates, %s skipped)\n",
		humanize.Comma(res.RowsInserted), humanize.Comma(res.Duplicates), humanize.Comma(res.RowsSkipped))

	if len(res.Partitions) > 0 {
		fmt.Fprintf(&b, "\n%s\n", styleHeader.Render(fmt.Sprintf("%-28s %-9s %-14s %8s %10s", "Partition", "Status", "Stop", "Pages", "Inserted")))
		for _, p := range res.Partitions {
			fmt.Fprintf(&b, "%-28s %s %-14s %8d %10s\n",
				truncate(p.Source+"/"+p.Partition, 28),
				statusStyle(p.Status).Render(fmt.Sprintf("%-9s", p.Status)),
				p.Stop, p.Pages, humanize.Comma(p.RowsInserted))
		}
	}

	if res.Error != "" {
		fmt.Fprintf(&b, "\n%s %s\n", styleError.Render("Error:"), res.Error)
	}
	if len(res.Errors) > 0 {
		fmt.Fprintf(&b, "\n%s\n", styleError.Render("Errors:"))
		for _, e := range res.Errors {
			where := e.Source
			if e.Partition != "" {
				where += "/" + e.Partition
			}
			if e.RowID != "" {
				where += " row " + e.RowID
			}
			fmt.Fprintf(&b, "  [%s] %s: %s\n", e.Kind, where, e.Message)
		}
		if res.ErrorsDropped > 0 {
			fmt.Fprintf(&b, "  %s\n", styleMuted.Render(fmt.Sprintf("... and %d more", res.ErrorsDropped)))
		}
	}
	fmt.Fprintln(w, styleBox.Render(strings.TrimRight(b.String(), "\n")))
}

func printStatus(w io.Writer, st *orchestrator.StatusResult, now time.Time) {
	if st.Running {
		fmt.Fprintln(w, stylePartial.Render("A sync run is in progress"))
	}
	if st.LastRun != nil {
		r := st.LastRun
		fmt.Fprintf(w, "%s %s %s (%s, %s inserted)\n\n",
			styleTitle.Render("Last run"), r.ID, statusStyle(r.Status).Render(r.Status),
			humanize.RelTime(r.StartedAt, now, "ago", "from now"), humanize.Comma(r.RowsInserted))
	}
	if len(st.Partitions) == 0 {
		fmt.Fprintln(w, "No watermarks stored yet")
		return
	}

	fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("%-28s %-22s %-12s %-9s %s", "Partition", "Watermark", "Last run", "Status", "Pending")))
	for _, p := range st.Partitions {
		label := truncate(p.Source+"/"+p.Partition, 28)
		watermark, lastRun := "-", "-"
		if p.Watermark != nil {
			watermark = p.Watermark.UTC().Format("2006-01-02 15:04:05")
		}
		if p.LastRunAt != nil {
			lastRun = humanize.RelTime(*p.LastRunAt, now, "ago", "from now")
		}
		pending := ""
		if p.Pending {
			pending = stylePartial.Render("resume at " + p.ResumeAt)
		}
		line := fmt.Sprintf("%-28s %-22s %-12s %s %s", label, watermark, truncate(lastRun, 12),
			statusStyle(p.LastStatus).Render(fmt.Sprintf("%-9s", orDash(p.LastStatus))), pending)
		if p.Unconfigured {
			line = styleMuted.Render(line + " (not configured)")
		}
		fmt.Fprintln(w, line)
	}
}

func printHistory(w io.Writer, runs []checkpoint.Run, now time.Time) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded")
		return
	}
	fmt.Fprintln(w, styleHeader.Render(fmt.Sprintf("%-36s %-16s %-9s %-7s %10s %10s %9s", "Run", "Started", "Status", "Trigger", "Fetched", "Inserted", "Failed")))
	for _, r := range runs {
		status := r.Status
		if r.DryRun {
			status += "*"
		}
		fmt.Fprintf(w, "%-36s %-16s %s %-7s %10s %10s %9s\n",
			r.ID,
			truncate(humanize.RelTime(r.StartedAt, now, "ago", "from now"), 16),
			statusStyle(r.Status).Render(fmt.Sprintf("%-9s", status)),
			r.Trigger,
			humanize.Comma(r.RowsFetched),
			humanize.Comma(r.RowsInserted),
			fmt.Sprintf("%d/%d", r.Failed, r.Partitions))
	}
	fmt.Fprintln(w, styleMuted.Render("* dry run"))
}

func printRunDetails(w io.Writer, r *checkpoint.Run) {
	var b strings.Builder
	fmt.Fprintln(&b, styleTitle.Render("Run "+r.ID))
	fmt.Fprintf(&b, "Status:     %s\n", statusStyle(r.Status).Render(r.Status))
	fmt.Fprintf(&b, "Trigger:    %s\n", r.Trigger)
	fmt.Fprintf(&b, "Started:    %s\n", r.StartedAt.UTC().Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed:  %s (%s)\n", r.CompletedAt.UTC().Format(time.RFC3339),
			r.CompletedAt.Sub(r.StartedAt).Round(time.Millisecond))
	}
	if r.DryRun {
		fmt.Fprintln(&b, "Dry run:    yes")
	}
	fmt.Fprintf(&b, "Fetched:    %s rows\n", humanize.Comma(r.RowsFetched))
	fmt.Fprintf(&b, "Inserted:   %s rows\n", humanize.Comma(r.RowsInserted))
	fmt.Fprintf(&b, "Skipped:    %s rows\n", humanize.Comma(r.RowsSkipped))
	fmt.Fprintf(&b, "Partitions: %d (%d incomplete)\n", r.Partitions, r.Failed)
	if r.Error != "" {
		fmt.Fprintf(&b, "%s %s\n", styleError.Render("Error:"), r.Error)
	}
	fmt.Fprintln(w, styleBox.Render(strings.TrimRight(b.String(), "\n")))
}

func printValidation(w io.Writer, hc *orchestrator.HealthCheckResult) {
	check := func(name string, r orchestrator.CheckResult) {
		mark := styleSuccess.Render("ok  ")
		detail := fmt.Sprintf("%dms", r.LatencyMs)
		if r.Detail != "" {
			detail = r.Detail + ", " + detail
		}
		if !r.OK {
			mark = styleError.Render("FAIL")
			detail = r.Error
		}
		fmt.Fprintf(w, "%s %-28s %s\n", mark, name, styleMuted.Render(detail))
	}

	check("state store", hc.State)
	check("warehouse", hc.Warehouse)
	if hc.Archive != nil {
		check("archive", *hc.Archive)
	}
	names := make([]string, 0, len(hc.Sources))
	for name := range hc.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check("source "+name, hc.Sources[name])
	}

	if hc.Healthy {
		fmt.Fprintln(w, styleSuccess.Render("All checks passed"))
	} else {
		fmt.Fprintln(w, styleError.Render("Validation failed"))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
