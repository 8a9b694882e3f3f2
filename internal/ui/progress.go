package ui

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/aceteam-ai/captioner/internal/collector"
	"github.com/aceteam-ai/captioner/internal/worker"
)

// ProgressOptions configures a Progress observer.
type ProgressOptions struct {
	// Writer receives the bar (default: stderr of the caller)
	Writer io.Writer

	// Animated draws the bar; otherwise snapshots are logged
	Animated bool

	Logger *slog.Logger
}

// Progress renders collector progress as a terminal bar, or as periodic log
// lines when the output is not a terminal. It implements collector.Observer.
type Progress struct {
	bar    *progressbar.ProgressBar
	out    io.Writer
	logger *slog.Logger
}

var _ collector.Observer = (*Progress)(nil)

// NewProgress creates a progress observer for total tasks.
func NewProgress(total int, opts ProgressOptions) *Progress {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Progress{out: opts.Writer, logger: logger}
	if opts.Animated && opts.Writer != nil {
		p.bar = progressbar.NewOptions(total,
			progressbar.OptionSetWriter(opts.Writer),
			progressbar.OptionSetDescription("captioning"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("img"),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionClearOnFinish(),
		)
	}
	return p
}

// OnResult advances the bar by one.
func (p *Progress) OnResult(worker.Result) {
	if p.bar != nil {
		_ = p.bar.Add(1)
	}
}

// OnEvent surfaces worker restarts and terminations above the bar.
func (p *Progress) OnEvent(ev worker.Event) {
	var line string
	switch {
	case ev.Kind == worker.EventRestart:
		line = color.YellowString("⚠ worker %d restarted (%d total)", ev.WorkerID, ev.Stats.Restarts)
	case ev.Kind == worker.EventTerminated && ev.Err != nil:
		line = color.RedString("✗ %v", ev.Err)
	default:
		return
	}
	if p.bar == nil {
		return
	}
	_ = p.bar.Clear()
	fmt.Fprintln(p.out, line)
}

// OnProgress refreshes the bar description with the running tallies.
func (p *Progress) OnProgress(_ context.Context, s collector.Snapshot) {
	if p.bar != nil {
		p.bar.Describe(Postfix(s))
		return
	}
	p.logger.Info("progress",
		"received", s.Received,
		"total", s.Total,
		"processed", s.Processed,
		"failed", s.Failed,
		"throughput", fmt.Sprintf("%.2f/s", s.Throughput),
	)
}

// SetTotal resizes the bar once the task count is known.
func (p *Progress) SetTotal(total int) {
	if p.bar != nil {
		p.bar.ChangeMax(total)
	}
}

// Finish completes and clears the bar.
func (p *Progress) Finish() {
	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Postfix renders "✓12 ✗1 | 3.4 img/s | gpu0 ✓7/✗0 gpu1 ✓5/✗1".
func Postfix(s collector.Snapshot) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✓%d ✗%d | %.1f img/s", s.Processed, s.Failed, s.Throughput)

	ids := make([]int, 0, len(s.Workers))
	for id := range s.Workers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	if len(ids) > 0 {
		b.WriteString(" |")
	}
	for _, id := range ids {
		t := s.Workers[id]
		fmt.Fprintf(&b, " gpu%d ✓%d/✗%d", id, t.Succeeded, t.Failed)
	}
	return b.String()
}
