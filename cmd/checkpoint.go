// cmd/checkpoint.go
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/captioner/internal/checkpoint"
	"github.com/aceteam-ai/captioner/internal/collector"
	"github.com/aceteam-ai/captioner/internal/ui"
	"github.com/aceteam-ai/captioner/internal/worker"
)

var checkpointJSON bool
var checkpointIDs bool

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect the run checkpoint",
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show what the checkpoint records",
	Long: `Reads the checkpoint file and prints how many images it marks as
completed, when it was captured and the per-worker counters at that time.
Checkpoints written by the earlier single-script tool are read as well.`,
	Example: `  captioner checkpoint show
  captioner checkpoint show --checkpoint /data/ckpt.json --ids`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		store := newCheckpointStore(cfg)
		rec, err := store.Read()
		switch {
		case errors.Is(err, os.ErrNotExist):
			ui.NewStatusLine(os.Stdout).Info("No checkpoint at %s, the next run starts from scratch", store.Path())
			return nil
		case errors.Is(err, checkpoint.ErrIncompatible):
			return fmt.Errorf("%s was written by an incompatible version: %w", store.Path(), err)
		case err != nil:
			return err
		}

		if checkpointJSON {
			payload := struct {
				Path       string                     `json:"path"`
				Version    string                     `json:"version"`
				CapturedAt time.Time                  `json:"captured_at"`
				Completed  int                        `json:"completed"`
				Stats      map[int]worker.WorkerStats `json:"stats"`
				IDs        []string                   `json:"completed_ids,omitempty"`
			}{
				Path:       store.Path(),
				Version:    rec.Version,
				CapturedAt: rec.CapturedAt,
				Completed:  rec.Len(),
				Stats:      rec.Stats,
			}
			if checkpointIDs {
				payload.IDs = rec.IDs()
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		}

		fmt.Println(ui.TitleStyle.Render("Checkpoint"))
		fmt.Println(ui.FormatKeyValue("Path", store.Path()))
		version := rec.Version
		if version == "" {
			version = color.YellowString("legacy")
		}
		fmt.Println(ui.FormatKeyValue("Format", version))
		if !rec.CapturedAt.IsZero() {
			age := ui.FormatDuration(time.Since(rec.CapturedAt))
			fmt.Println(ui.FormatKeyValue("Captured", rec.CapturedAt.Local().Format(time.RFC1123)+" ("+age+" ago)"))
		}
		fmt.Println(ui.FormatKeyValue("Completed", strconv.Itoa(rec.Len())))

		if len(rec.Stats) > 0 {
			report := &collector.Report{}
			for _, id := range slices.Sorted(maps.Keys(rec.Stats)) {
				st := rec.Stats[id]
				st.WorkerID = id
				report.Workers = append(report.Workers, st)
			}
			fmt.Println()
			fmt.Println(ui.WorkerTable(report, nil))
		}

		if checkpointIDs {
			fmt.Println()
			for _, id := range rec.IDs() {
				fmt.Println(id)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointCmd)
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointShowCmd.Flags().String("checkpoint", "checkpoint.json", "Checkpoint file")
	checkpointShowCmd.Flags().BoolVar(&checkpointJSON, "json", false, "Output as JSON")
	checkpointShowCmd.Flags().BoolVar(&checkpointIDs, "ids", false, "List completed image ids")
}
