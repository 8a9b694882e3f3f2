package ui

import (
	"fmt"
	"io"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/fatih/color"

	"github.com/aceteam-ai/captioner/internal/collector"
)

// Summary is everything printed at the end of a run.
type Summary struct {
	RunID  string
	Report *collector.Report

	// AlreadyDone counts images skipped because an earlier run finished them
	AlreadyDone int

	// Undispatched counts tasks left in the queue when the run stopped
	Undispatched int

	// WorkerStatus maps worker id to a short exit description
	WorkerStatus map[int]string
}

// RenderSummary prints the run totals and a per-worker table. It is printed
// however the run ended, so every field may be zero.
func RenderSummary(w io.Writer, s Summary) {
	r := s.Report
	if r == nil {
		r = &collector.Report{}
	}

	fmt.Fprintln(w)
	title := "Run complete"
	if r.Cancelled {
		title = "Run interrupted"
	}
	fmt.Fprintln(w, TitleStyle.Render(title))
	if s.RunID != "" {
		fmt.Fprintln(w, FormatKeyValue("Run", s.RunID))
	}

	fmt.Fprintf(w, "%s %s   %s %s   %s %s\n",
		color.GreenString("✓"), FormatKeyValue("Processed", strconv.Itoa(r.Processed)),
		color.RedString("✗"), FormatKeyValue("Failed", strconv.Itoa(r.Failed)),
		color.CyanString("▸"), FormatKeyValue("Scheduled", strconv.Itoa(r.Total)),
	)
	fmt.Fprintln(w, FormatKeyValue("Elapsed", FormatDuration(r.Elapsed))+"   "+
		FormatKeyValue("Throughput", fmt.Sprintf("%.2f img/s", r.Throughput)))
	if s.AlreadyDone > 0 {
		fmt.Fprintln(w, FormatKeyValue("Resumed past", fmt.Sprintf("%d completed images", s.AlreadyDone)))
	}
	if s.Undispatched > 0 {
		fmt.Fprintln(w, color.YellowString("⚠ %d tasks were not dispatched; rerun to resume", s.Undispatched))
	}
	if r.Restarts > 0 {
		fmt.Fprintln(w, color.YellowString("⚠ %d worker restarts", r.Restarts))
	}

	if len(r.Workers) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, WorkerTable(r, s.WorkerStatus))
}

// WorkerTable renders per-worker statistics.
func WorkerTable(r *collector.Report, status map[int]string) string {
	rows := make([][]string, 0, len(r.Workers))
	for _, st := range r.Workers {
		state := status[st.WorkerID]
		if state == "" {
			state = "ok"
		}
		rows = append(rows, []string{
			strconv.Itoa(st.WorkerID),
			state,
			strconv.FormatInt(st.Processed, 10),
			strconv.FormatInt(st.Failed, 10),
			FormatDuration(st.AvgLatency),
			FormatBytes(st.MemoryFootprint),
			strconv.Itoa(st.Restarts),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ColorBorder)).
		Headers("WORKER", "STATUS", "OK", "FAILED", "AVG BATCH", "MEMORY", "RESTARTS").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return HeaderStyle
			}
			if col == 1 && rows[row][1] != "ok" {
				return CellStyle.Foreground(ColorError)
			}
			return CellStyle
		})
	return t.Render()
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
