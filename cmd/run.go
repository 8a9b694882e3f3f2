// cmd/run.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aceteam-ai/captioner/internal/annotator"
	"github.com/aceteam-ai/captioner/internal/catalog"
	"github.com/aceteam-ai/captioner/internal/collector"
	"github.com/aceteam-ai/captioner/internal/config"
	"github.com/aceteam-ai/captioner/internal/pipeline"
	"github.com/aceteam-ai/captioner/internal/platform"
	"github.com/aceteam-ai/captioner/internal/sink"
	"github.com/aceteam-ai/captioner/internal/ui"
	"github.com/aceteam-ai/captioner/internal/worker"
)

var runID string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Caption every pending image in the dataset",
	Long: `Builds the task list from the dataset metadata, skipping images that
already have a caption or appear in the checkpoint, and distributes the work
across one worker per device.

Press Ctrl+C once to stop after in-flight batches and checkpoint progress.
Press it again to abandon the run immediately.`,
	Example: `  # Caption ./dataset on every detected GPU
  captioner run --dataset ./dataset

  # Two workers against two Ollama servers, writing to S3
  captioner run -w 2 --endpoint http://gpu0:11434,http://gpu1:11434 \
    --output s3://captions/v1

  # Publish progress to Redis
  captioner run --redis-url redis://localhost:6379`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		stop := worker.NewSignal()
		sigCh := make(chan os.Signal, 2)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
		go func() {
			select {
			case <-sigCh:
			case <-ctx.Done():
				return
			}
			logger.Warn("stopping after in-flight batches, press Ctrl+C again to abandon the run")
			stop.Set()
			select {
			case <-sigCh:
				logger.Warn("abandoning run")
				cancel()
			case <-ctx.Done():
			}
		}()

		return runPipeline(ctx, cfg, stop)
	},
}

func runPipeline(ctx context.Context, cfg *config.Config, stop *worker.Signal) error {
	id := runID
	if id == "" {
		id = pipeline.NewRunID()
	}
	status := ui.NewStatusLine(os.Stderr)

	gpus := platform.GetGPUDetector()
	workers := pipeline.ResolveWorkers(ctx, cfg.Workers, gpus, logger)

	out, err := sink.Open(ctx, cfg.Output, cfg.S3)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}

	ledger, err := openLedger(cfg)
	if err != nil {
		status.Warning("Result ledger disabled: %v", err)
	}
	if ledger != nil {
		defer ledger.Close()
	}

	pub := openPublisher(ctx, cfg, id)
	if pub != nil {
		defer pub.Close()
		status.Info("Publishing progress on %s", pub.Channel())
	}

	ann := annotator.NewOllama(annotator.Options{
		Endpoints: cfg.Annotator.Endpoints,
		Model:     cfg.Annotator.Model,
		Prompt:    cfg.Annotator.Prompt,
		ImageRoot: cfg.ResolvedImageRoot(),
		MaxTokens: cfg.Annotator.MaxTokens,
		KeepAlive: cfg.Annotator.KeepAlive,
		Timeout:   cfg.Annotator.Timeout,
		Logger:    logger,
	})

	show := animated(cfg)
	progress := ui.NewProgress(1, ui.ProgressOptions{Writer: os.Stderr, Animated: show, Logger: logger})
	spinner := ui.NewSpinner(os.Stderr, show)
	spinner.Start("Scanning dataset...")

	deps := pipeline.Deps{
		Annotator: ann,
		Source:    catalog.NewDirSource(cfg.DatasetRoot),
		Sink:      out,
		Store:     newCheckpointStore(cfg),
		Ledger:    ledger,
		Publisher: pub,
		GPUs:      gpus,
	}

	diskPath := cfg.Output
	if _, ok := out.(*sink.FileSink); !ok {
		diskPath = cfg.DatasetRoot
	}

	planned := false
	res, runErr := pipeline.Run(ctx, stop, deps, pipeline.Options{
		RunID:              id,
		Workers:            workers,
		BatchSize:          cfg.BatchSize,
		MaxRetries:         cfg.MaxRetries,
		CheckpointInterval: cfg.CheckpointInterval,
		QueueCapacity:      cfg.QueueCapacity,
		JoinTimeout:        cfg.JoinTimeout,
		MonitorInterval:    cfg.MonitorInterval,
		SyncInterval:       cfg.Redis.SyncInterval,
		DiskPath:           diskPath,
		Observers:          []collector.Observer{progress},
		OnPlanned: func(p pipeline.Plan) {
			planned = true
			spinner.Success(fmt.Sprintf("%d images to caption in %d batches across %d workers (%d already done)",
				p.Tasks, p.Batches, p.Workers, p.AlreadyDone))
			progress.SetTotal(p.Tasks)
		},
		Logger: logger,
	})
	progress.Finish()
	if !planned {
		spinner.Fail("Could not build the task list")
		return runErr
	}
	if res.Plan.Tasks == 0 && runErr == nil {
		status.Success("Nothing to do, every image already has a caption")
		return nil
	}

	summary := ui.Summary{
		RunID:        id,
		Report:       res.Report,
		AlreadyDone:  res.Plan.AlreadyDone,
		WorkerStatus: workerStatus(res.Outcome),
	}
	if res.Outcome != nil {
		summary.Undispatched = res.Outcome.UndispatchedTasks
		if res.Outcome.ReadyWorkers() == 0 {
			status.Fail("No worker became ready; check the annotator endpoints")
		}
		if res.Outcome.HeldDevices > 0 {
			status.Warning("%d device(s) still held by unresponsive workers", res.Outcome.HeldDevices)
		}
	}
	ui.RenderSummary(os.Stdout, summary)
	return runErr
}

func init() {
	rootCmd.AddCommand(runCmd)
	config.RegisterFlags(runCmd.Flags())
	runCmd.Flags().StringVar(&runID, "run-id", "", "Run identifier (default: generated)")
}
