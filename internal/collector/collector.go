// Package collector consumes worker results: it persists successful
// captions, keeps the completed set, checkpoints on a cadence and reports
// progress.
//
// The collector is the only owner of the completed set and the stats
// snapshot, so none of its state needs locking.
package collector

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/aceteam-ai/captioner/internal/checkpoint"
	"github.com/aceteam-ai/captioner/internal/worker"
)

const (
	DefaultCheckpointInterval = 1000
	DefaultPollInterval       = 2 * time.Second
	DefaultProgressEvery      = 50
)

// Sink persists a caption at its output target.
type Sink interface {
	Write(ctx context.Context, target, text string) error
}

// Checkpointer saves the completed set.
type Checkpointer interface {
	Save(rec *checkpoint.Record) error
}

// Ledger records every result of a run.
type Ledger interface {
	RecordResult(ctx context.Context, r worker.Result) error
}

// Observer renders progress. Calls are made from the collector goroutine
// and must not block for long.
type Observer interface {
	OnResult(r worker.Result)
	OnEvent(ev worker.Event)
	OnProgress(ctx context.Context, s Snapshot)
}

// WorkerTally counts results per worker as they arrive.
type WorkerTally struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Snapshot is a point-in-time view of progress.
type Snapshot struct {
	Total      int                 `json:"total"`
	Received   int                 `json:"received"`
	Processed  int                 `json:"processed"`
	Failed     int                 `json:"failed"`
	Elapsed    time.Duration       `json:"elapsed_ns"`
	// Throughput is received results (successes and failures) per second
	Throughput float64             `json:"throughput"`
	Workers    map[int]WorkerTally `json:"workers"`
}

// Report summarizes a finished run.
type Report struct {
	Total            int
	Processed        int
	Failed           int
	Received         int
	Elapsed          time.Duration
	Throughput       float64
	Workers          []worker.WorkerStats
	Restarts         int
	CheckpointsSaved int
	Cancelled        bool
}

// Options configures a Collector.
type Options struct {
	// Total is the number of tasks in the run, for progress display
	Total int

	// CheckpointInterval saves a checkpoint every N received results
	CheckpointInterval int

	// PollInterval bounds each wait for a result or event
	PollInterval time.Duration

	// ProgressEvery notifies observers every N received results
	ProgressEvery int

	// Ledger records each result (optional)
	Ledger Ledger

	Observers []Observer

	// Stop marks the report as cancelled when raised (optional)
	Stop *worker.Signal

	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.CheckpointInterval <= 0 {
		o.CheckpointInterval = DefaultCheckpointInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ProgressEvery <= 0 {
		o.ProgressEvery = DefaultProgressEvery
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Collector drains the result and event channels of one run.
type Collector struct {
	sink   Sink
	store  Checkpointer
	record *checkpoint.Record
	opts   Options
	logger *slog.Logger

	start       time.Time
	received    int
	processed   int
	failed      int
	restarts    int
	checkpoints int
	tallies     map[int]WorkerTally
	stats       map[int]worker.WorkerStats
}

// New creates a collector. record carries the completed set loaded at
// startup; new completions are added to it so every checkpoint covers
// earlier runs as well.
func New(sink Sink, store Checkpointer, record *checkpoint.Record, opts Options) *Collector {
	opts.defaults()
	if record == nil {
		record = checkpoint.NewRecord()
	}
	return &Collector{
		sink:    sink,
		store:   store,
		record:  record,
		opts:    opts,
		logger:  opts.Logger,
		tallies: make(map[int]WorkerTally),
		stats:   make(map[int]worker.WorkerStats),
	}
}

// Drain consumes results and events until done is closed, then empties
// whatever is still buffered and writes a final checkpoint. Cancelling ctx
// does not end the loop: aborted workers still report their claimed tasks
// until done closes. The ctx error is returned alongside the report.
func (c *Collector) Drain(ctx context.Context, results <-chan worker.Result, events <-chan worker.Event, done <-chan struct{}) (*Report, error) {
	c.start = time.Now()
	// Buffered captions are still written after cancellation.
	writeCtx := context.WithoutCancel(ctx)

	poll := time.NewTicker(c.opts.PollInterval)
	defer poll.Stop()
	idle := true

	var drainErr error
	ctxDone := ctx.Done()
loop:
	for {
		select {
		case r := <-results:
			idle = false
			c.handleResult(writeCtx, r)
		case ev := <-events:
			idle = false
			c.handleEvent(ev)
		case <-poll.C:
			if idle {
				c.logger.Debug("no results within poll interval", "received", c.received, "total", c.opts.Total)
			}
			idle = true
		case <-done:
			break loop
		case <-ctxDone:
			ctxDone = nil
			drainErr = ctx.Err()
			c.logger.Warn("run cancelled, collecting results from aborted workers", "received", c.received)
		}
	}

	c.drainBuffered(writeCtx, results, events)
	c.notifyProgress(writeCtx)

	if err := c.save(); err != nil {
		return c.report(), fmt.Errorf("final checkpoint: %w", err)
	}
	return c.report(), drainErr
}

func (c *Collector) drainBuffered(ctx context.Context, results <-chan worker.Result, events <-chan worker.Event) {
	for {
		select {
		case r := <-results:
			c.handleResult(ctx, r)
		case ev := <-events:
			c.handleEvent(ev)
		default:
			return
		}
	}
}

func (c *Collector) handleResult(ctx context.Context, r worker.Result) {
	c.received++
	tally := c.tallies[r.WorkerID]

	if r.Succeeded() {
		if err := c.sink.Write(ctx, r.OutputTarget, r.Payload); err != nil {
			c.logger.Error("failed to write caption", "image_id", r.ImageID, "target", r.OutputTarget, "error", err)
			r.Outcome = worker.OutcomeFailure
			r.Reason = fmt.Sprintf("write output: %v", err)
		} else {
			c.record.Add(r.ImageID)
		}
	} else {
		c.logger.Warn("task failed", "image_id", r.ImageID, "worker_id", r.WorkerID, "reason", r.Reason)
	}

	if r.Succeeded() {
		c.processed++
		tally.Succeeded++
	} else {
		c.failed++
		tally.Failed++
	}
	c.tallies[r.WorkerID] = tally

	if c.opts.Ledger != nil {
		if err := c.opts.Ledger.RecordResult(ctx, r); err != nil {
			c.logger.Warn("failed to record result", "image_id", r.ImageID, "error", err)
		}
	}
	for _, o := range c.opts.Observers {
		o.OnResult(r)
	}

	if c.received%c.opts.CheckpointInterval == 0 {
		if err := c.save(); err != nil {
			c.logger.Error("failed to save checkpoint", "error", err)
		}
	}
	if c.received%c.opts.ProgressEvery == 0 {
		c.notifyProgress(ctx)
	}
}

func (c *Collector) handleEvent(ev worker.Event) {
	c.stats[ev.WorkerID] = ev.Stats
	if ev.Kind == worker.EventRestart {
		c.restarts++
	}
	for _, o := range c.opts.Observers {
		o.OnEvent(ev)
	}
}

func (c *Collector) save() error {
	c.record.CapturedAt = time.Now()
	for id, st := range c.stats {
		c.record.Stats[id] = st
	}
	if err := c.store.Save(c.record); err != nil {
		return err
	}
	c.checkpoints++
	c.logger.Info("checkpoint saved", "completed", c.record.Len(), "received", c.received)
	return nil
}

// Snapshot returns the current progress view.
func (c *Collector) Snapshot() Snapshot {
	elapsed := time.Since(c.start)
	tallies := make(map[int]WorkerTally, len(c.tallies))
	for id, t := range c.tallies {
		tallies[id] = t
	}
	return Snapshot{
		Total:      c.opts.Total,
		Received:   c.received,
		Processed:  c.processed,
		Failed:     c.failed,
		Elapsed:    elapsed,
		Throughput: throughput(c.received, elapsed),
		Workers:    tallies,
	}
}

func (c *Collector) notifyProgress(ctx context.Context) {
	if len(c.opts.Observers) == 0 {
		return
	}
	snap := c.Snapshot()
	for _, o := range c.opts.Observers {
		o.OnProgress(ctx, snap)
	}
}

func (c *Collector) report() *Report {
	elapsed := time.Since(c.start)
	stats := make([]worker.WorkerStats, 0, len(c.stats))
	for _, st := range c.stats {
		stats = append(stats, st)
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].WorkerID < stats[j].WorkerID })

	return &Report{
		Total:            c.opts.Total,
		Processed:        c.processed,
		Failed:           c.failed,
		Received:         c.received,
		Elapsed:          elapsed,
		Throughput:       throughput(c.received, elapsed),
		Workers:          stats,
		Restarts:         c.restarts,
		CheckpointsSaved: c.checkpoints,
		Cancelled:        c.opts.Stop != nil && c.opts.Stop.IsSet(),
	}
}

func throughput(n int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}
