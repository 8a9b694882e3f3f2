// Package pipeline wires one captioning run together.
//
// Control flow:
//
//	checkpoint.Load → catalog.Build → catalog.Partition → dispatch.NewChannels
//	    → dispatch.Run (goroutine) ∥ collector.Drain → final checkpoint
//
// The resource monitor and the ledger syncer run alongside and stop with the
// run. Raising the stop signal ends the run cooperatively; everything
// completed so far is checkpointed and the next run resumes after it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aceteam-ai/captioner/internal/catalog"
	"github.com/aceteam-ai/captioner/internal/checkpoint"
	"github.com/aceteam-ai/captioner/internal/collector"
	"github.com/aceteam-ai/captioner/internal/dispatch"
	"github.com/aceteam-ai/captioner/internal/events"
	"github.com/aceteam-ai/captioner/internal/monitor"
	"github.com/aceteam-ai/captioner/internal/platform"
	"github.com/aceteam-ai/captioner/internal/sink"
	"github.com/aceteam-ai/captioner/internal/usage"
	"github.com/aceteam-ai/captioner/internal/worker"
)

// Deps are the collaborators of a run. Ledger, Publisher and GPUs are
// optional.
type Deps struct {
	Annotator worker.Annotator
	Source    catalog.MetadataSource
	Sink      sink.Sink
	Store     *checkpoint.Store
	Ledger    *usage.Store
	Publisher *events.Publisher
	GPUs      platform.GPUDetector
}

// Options configures a run.
type Options struct {
	RunID string

	// Workers must be positive; see ResolveWorkers
	Workers            int
	BatchSize          int
	MaxRetries         int
	CheckpointInterval int
	QueueCapacity      int
	JoinTimeout        time.Duration
	MonitorInterval    time.Duration
	SyncInterval       time.Duration

	// Worker overrides the default retry policy (optional)
	Worker *worker.Config

	// DiskPath is watched by the monitor (usually the output directory)
	DiskPath string

	// Observers render progress in addition to the publisher
	Observers []collector.Observer

	// OnPlanned is called once the task count is known, before dispatch
	OnPlanned func(Plan)

	Logger *slog.Logger
}

// Plan describes the work a run is about to do.
type Plan struct {
	RunID       string
	Catalog     catalog.Summary
	AlreadyDone int
	Tasks       int
	Batches     int
	Workers     int
}

// Result is what a run produced.
type Result struct {
	Plan    Plan
	Outcome *dispatch.Outcome
	Report  *collector.Report
}

// NewRunID returns a short unique run identifier.
func NewRunID() string {
	return fmt.Sprintf("run-%s", uuid.New().String()[:8])
}

// ResolveWorkers returns n when positive, otherwise the number of detected
// GPUs, falling back to one worker when none are found.
func ResolveWorkers(ctx context.Context, n int, gpus platform.GPUDetector, logger *slog.Logger) int {
	if n > 0 {
		return n
	}
	if gpus != nil {
		if count := platform.GetGPUCount(ctx, gpus); count > 0 {
			logger.Info("detected GPUs", "count", count)
			return count
		}
	}
	logger.Warn("no GPUs detected, running a single worker")
	return 1
}

// Run executes one captioning run. It returns the partial result alongside
// any error so callers can always print a summary.
func Run(ctx context.Context, stop *worker.Signal, deps Deps, opts Options) (*Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.RunID == "" {
		opts.RunID = NewRunID()
	}
	if opts.Workers <= 0 {
		return nil, fmt.Errorf("workers must be positive, got %d", opts.Workers)
	}
	logger = logger.With("run_id", opts.RunID)

	record := deps.Store.Load()
	result := &Result{Plan: Plan{RunID: opts.RunID, Workers: opts.Workers, AlreadyDone: record.Len()}}
	if record.Len() > 0 {
		logger.Info("resuming from checkpoint", "completed", record.Len(), "path", deps.Store.Path())
	}

	cat := catalog.New(deps.Source, deps.Sink, catalog.Options{Logger: logger})
	tasks, summary, err := cat.Build(ctx, record.Completed)
	if err != nil {
		return result, fmt.Errorf("build catalog: %w", err)
	}
	batches, err := catalog.Partition(tasks, opts.BatchSize)
	if err != nil {
		return result, err
	}
	result.Plan.Catalog = summary
	result.Plan.Tasks = len(tasks)
	result.Plan.Batches = len(batches)
	if opts.OnPlanned != nil {
		opts.OnPlanned(result.Plan)
	}

	if len(tasks) == 0 {
		logger.Info("nothing to do, every image already has a caption")
		result.Report = &collector.Report{}
		return result, nil
	}

	ch, err := dispatch.NewChannels(batches, opts.Workers, opts.QueueCapacity, opts.MaxRetries)
	if err != nil {
		return result, err
	}

	var ledger collector.Ledger
	if deps.Ledger != nil {
		if err := deps.Ledger.BeginRun(ctx, opts.RunID, len(tasks)); err != nil {
			logger.Warn("ledger unavailable for this run", "error", err)
		} else {
			ledger = deps.Ledger
		}
	}

	observers := opts.Observers
	if deps.Publisher != nil {
		observers = append(observers, deps.Publisher)
	}

	// side tasks end with the run or as soon as stop is raised
	sideCtx, cancelSide := context.WithCancel(ctx)
	defer cancelSide()
	go func() {
		select {
		case <-stop.Done():
			cancelSide()
		case <-sideCtx.Done():
		}
	}()

	monOpts := monitor.Options{
		Interval: opts.MonitorInterval,
		DiskPath: opts.DiskPath,
		GPUs:     deps.GPUs,
		Logger:   logger,
	}
	if deps.Publisher != nil {
		monOpts.OnSample = deps.Publisher.OnSample
	}
	mon := monitor.New(monOpts)
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		mon.Run(sideCtx)
	}()

	var syncer *usage.Syncer
	syncDone := make(chan struct{})
	if ledger != nil && deps.Publisher != nil {
		syncer = usage.NewSyncer(deps.Ledger, deps.Publisher.PublishResults, usage.SyncerOptions{
			Interval: opts.SyncInterval,
			Logger:   logger,
		})
		go func() {
			defer close(syncDone)
			_ = syncer.Start(sideCtx)
		}()
	} else {
		close(syncDone)
	}

	wcfg := worker.DefaultConfig()
	if opts.Worker != nil {
		wcfg = *opts.Worker
	}
	if opts.MaxRetries > 0 {
		wcfg.MaxRetries = opts.MaxRetries
	}
	disp := dispatch.New(deps.Annotator, dispatch.Options{
		Workers:     opts.Workers,
		JoinTimeout: opts.JoinTimeout,
		Worker:      wcfg,
		Logger:      logger,
	})

	done := make(chan struct{})
	var dispErr error
	go func() {
		defer close(done)
		result.Outcome, dispErr = disp.Run(ctx, stop, batches, ch)
	}()

	coll := collector.New(deps.Sink, deps.Store, record, collector.Options{
		Total:              len(tasks),
		CheckpointInterval: opts.CheckpointInterval,
		Ledger:             ledger,
		Observers:          observers,
		Stop:               stop,
		Logger:             logger,
	})
	report, collErr := coll.Drain(ctx, ch.Results, ch.Events, done)
	<-done
	result.Report = report

	cancelSide()
	<-monDone
	<-syncDone

	finishCtx := context.WithoutCancel(ctx)
	if ledger != nil && report != nil {
		if err := deps.Ledger.FinishRun(finishCtx, report.Processed, report.Failed, report.Cancelled); err != nil {
			logger.Warn("failed to finalize ledger run", "error", err)
		}
	}
	if syncer != nil {
		if n := syncer.Flush(finishCtx); n > 0 {
			logger.Debug("flushed ledger records", "records", n)
		}
	}

	return result, errors.Join(dispErr, collErr)
}
