// cmd/status.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/captioner/internal/config"
	"github.com/aceteam-ai/captioner/internal/monitor"
	"github.com/aceteam-ai/captioner/internal/platform"
	"github.com/aceteam-ai/captioner/internal/ui"
	"github.com/aceteam-ai/captioner/internal/usage"
)

var (
	headerColor = color.New(color.FgCyan, color.Bold)
	goodColor   = color.New(color.FgGreen)
	warnColor   = color.New(color.FgYellow)
	badColor    = color.New(color.FgRed)
	labelColor  = color.New(color.Bold)
)

var statusCmd = &cobra.Command{
	Use:     "status",
	Aliases: []string{"st", "info", "devices"},
	Short:   "Shows host resources, devices and dataset progress",
	Long: `Provides a health check before or during a run: system vitals (CPU, RAM,
output disk), the GPUs workers would be placed on, how far the checkpoint
has come, the latest run in the ledger and whether Redis is reachable.`,
	Example: `  # View full status with colors
  captioner status

  # Without colors (for scripts/logging)
  captioner status --no-color`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()

		headerColor.Fprintf(w, "--- Captioner Status (%s) ---\n", Version)

		gpus := platform.GetGPUDetector()
		mon := monitor.New(monitor.Options{
			DiskPath:  diskPathFor(cfg),
			GPUs:      gpus,
			CPUWindow: time.Second,
			Logger:    logger,
		})
		sample, err := mon.Sample(ctx)

		headerColor.Fprintln(w, "\nSYSTEM VITALS")
		if err != nil {
			fmt.Fprintf(w, "  %s\n", badColor.Sprintf("Error sampling resources: %v", err))
		} else {
			printVitals(w, sample)
		}

		headerColor.Fprintln(w, "\nDEVICES")
		printDevices(w, sample.GPUs, cfg)

		headerColor.Fprintln(w, "\nDATASET PROGRESS")
		printProgress(ctx, w, cfg)

		headerColor.Fprintln(w, "\nPROGRESS PUBLISHING")
		printRedis(ctx, w, cfg)
		return nil
	},
}

func diskPathFor(cfg *config.Config) string {
	if _, err := os.Stat(cfg.Output); err == nil {
		return cfg.Output
	}
	return cfg.DatasetRoot
}

func printVitals(w *tabwriter.Writer, s monitor.Sample) {
	fmt.Fprintf(w, "  %s:\t%s %s\n", labelColor.Sprint("CPU Usage"), ui.UsageBar(s.CPUPercent, 20), colorizePercent(s.CPUPercent))
	fmt.Fprintf(w, "  %s:\t%s %s (%.1f GiB used)\n", labelColor.Sprint("Memory"), ui.UsageBar(s.MemoryPercent, 20), colorizePercent(s.MemoryPercent), s.MemoryUsedGB)
	fmt.Fprintf(w, "  %s:\t%s %s\n", labelColor.Sprint("Output disk"), ui.UsageBar(s.DiskPercent, 20), colorizePercent(s.DiskPercent))
}

func printDevices(w *tabwriter.Writer, gpus []platform.GPUInfo, cfg *config.Config) {
	if len(gpus) == 0 {
		fmt.Fprintln(w, "  GPU:\tNo GPU detected; a run would use a single worker.")
	}
	for _, gpu := range gpus {
		fmt.Fprintf(w, "  %s %d:\t%s\n", labelColor.Sprint("GPU"), gpu.Index, gpu.Name)
		if gpu.MemoryTotalMB > 0 {
			fmt.Fprintf(w, "    - %s:\t%s %s / %s\n", labelColor.Sprint("Memory"),
				ui.UsageBar(gpu.MemoryPercent(), 20),
				ui.FormatBytes(gpu.MemoryUsedMB<<20), ui.FormatBytes(gpu.MemoryTotalMB<<20))
		}
		if gpu.Temperature > 0 {
			fmt.Fprintf(w, "    - %s:\t%s\n", labelColor.Sprint("Temp"), colorizeTemp(gpu.Temperature))
		}
		fmt.Fprintf(w, "    - %s:\t%s\n", labelColor.Sprint("Util"), colorizePercent(float64(gpu.Utilization)))
		if gpu.Driver != "" {
			fmt.Fprintf(w, "    - %s:\t%s\n", labelColor.Sprint("Driver"), gpu.Driver)
		}
	}
	for i, ep := range cfg.Annotator.Endpoints {
		fmt.Fprintf(w, "  %s %d:\t%s (%s)\n", labelColor.Sprint("Endpoint"), i, ep, cfg.Annotator.Model)
	}
}

func printProgress(ctx context.Context, w *tabwriter.Writer, cfg *config.Config) {
	rec, err := newCheckpointStore(cfg).Read()
	switch {
	case errors.Is(err, os.ErrNotExist):
		fmt.Fprintf(w, "  %s:\t(none at %s)\n", labelColor.Sprint("Checkpoint"), cfg.Checkpoint)
	case err != nil:
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Checkpoint"), warnColor.Sprintf("unreadable: %v", err))
	default:
		fmt.Fprintf(w, "  %s:\t%d images completed\n", labelColor.Sprint("Checkpoint"), rec.Len())
		if !rec.CapturedAt.IsZero() {
			fmt.Fprintf(w, "  %s:\t%s ago\n", labelColor.Sprint("Last saved"), ui.FormatDuration(time.Since(rec.CapturedAt)))
		}
	}

	if cfg.Ledger == "" {
		return
	}
	if _, err := os.Stat(cfg.Ledger); err != nil {
		fmt.Fprintf(w, "  %s:\t(no ledger yet)\n", labelColor.Sprint("Latest run"))
		return
	}
	ledger, err := usage.OpenStore(cfg.Ledger)
	if err != nil {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Latest run"), badColor.Sprint(err))
		return
	}
	defer ledger.Close()
	run, err := ledger.LatestRun(ctx)
	if err != nil {
		fmt.Fprintf(w, "  %s:\t(none)\n", labelColor.Sprint("Latest run"))
		return
	}
	state := goodColor.Sprint("finished")
	switch {
	case run.FinishedAt.IsZero():
		state = warnColor.Sprint("running or crashed")
	case run.Cancelled:
		state = warnColor.Sprint("interrupted")
	}
	fmt.Fprintf(w, "  %s:\t%s %s, %d processed, %d failed of %d\n", labelColor.Sprint("Latest run"),
		run.RunID, state, run.Processed, run.Failed, run.TotalTasks)
}

func printRedis(ctx context.Context, w *tabwriter.Writer, cfg *config.Config) {
	if cfg.Redis.URL == "" {
		fmt.Fprintf(w, "  %s:\t(disabled)\n", labelColor.Sprint("Redis"))
		return
	}
	pub := openPublisher(ctx, cfg, "status")
	if pub == nil {
		fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Redis"), badColor.Sprint("UNREACHABLE"))
		return
	}
	defer pub.Close()
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Redis"), goodColor.Sprint("ONLINE"))
	fmt.Fprintf(w, "  %s:\t%s\n", labelColor.Sprint("Event stream"), pub.EventStream())
}

func colorizePercent(p float64) string {
	s := fmt.Sprintf("%.1f%%", p)
	if p > 90.0 {
		return badColor.Sprint(s)
	}
	if p > 75.0 {
		return warnColor.Sprint(s)
	}
	return goodColor.Sprint(s)
}

func colorizeTemp(temp int) string {
	s := fmt.Sprintf("%d°C", temp)
	if temp > 85 {
		return badColor.Sprint(s)
	}
	if temp > 70 {
		return warnColor.Sprint(s)
	}
	return goodColor.Sprint(s)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
