// cmd/catalog.go
package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/captioner/internal/catalog"
	"github.com/aceteam-ai/captioner/internal/sink"
	"github.com/aceteam-ai/captioner/internal/ui"
	"github.com/aceteam-ai/captioner/internal/worker"
)

var catalogJSON bool
var catalogList bool

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Show what a run would caption without starting workers",
	Long: `Scans the dataset metadata exactly as 'captioner run' does and reports
how many images still need a caption. Nothing is written.`,
	Example: `  # Count pending images
  captioner catalog --dataset ./dataset

  # List them as JSON
  captioner catalog --list --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		out, err := sink.Open(ctx, cfg.Output, cfg.S3)
		if err != nil {
			return fmt.Errorf("open output: %w", err)
		}
		record := newCheckpointStore(cfg).Load()

		var tasks []worker.Task
		var summary catalog.Summary
		cat := catalog.New(catalog.NewDirSource(cfg.DatasetRoot), out, catalog.Options{Logger: logger})
		err = ui.RunWithSpinner(os.Stderr, animated(cfg) && !catalogJSON, "Scanning dataset...", func() error {
			var berr error
			tasks, summary, berr = cat.Build(ctx, record.Completed)
			return berr
		})
		if err != nil {
			return err
		}
		batches, err := catalog.Partition(tasks, cfg.BatchSize)
		if err != nil {
			return err
		}

		if catalogJSON {
			payload := struct {
				catalog.Summary
				Batches int      `json:"batches"`
				Images  []string `json:"images,omitempty"`
			}{Summary: summary, Batches: len(batches)}
			if catalogList {
				for _, t := range tasks {
					payload.Images = append(payload.Images, t.ImageID)
				}
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, ui.TitleStyle.Render("Dataset catalog"))
		fmt.Fprintf(w, "  Documents:\t%d\t(%d skipped)\n", summary.Documents, summary.SkippedDocuments)
		fmt.Fprintf(w, "  Candidate images:\t%d\n", summary.Candidates)
		fmt.Fprintf(w, "  In checkpoint:\t%d\n", summary.Completed)
		fmt.Fprintf(w, "  Output exists:\t%d\n", summary.Existing)
		fmt.Fprintf(w, "  Duplicates:\t%d\n", summary.Duplicates)
		fmt.Fprintf(w, "  Unsafe ids skipped:\t%d\n", summary.Unsafe)
		fmt.Fprintf(w, "  %s:\t%s\n", "Pending", color.New(color.Bold).Sprint(summary.Tasks))
		fmt.Fprintf(w, "  Batches of %d:\t%d\n", cfg.BatchSize, len(batches))
		w.Flush()

		if catalogList {
			fmt.Println()
			for _, t := range tasks {
				fmt.Printf("%s\t%s\n", t.ImageID, t.OutputTarget)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	catalogCmd.Flags().String("dataset", ".", "Dataset root holding jsons/ and json_detail/")
	catalogCmd.Flags().String("output", "captions", "Caption output directory or s3://bucket/prefix")
	catalogCmd.Flags().String("checkpoint", "checkpoint.json", "Checkpoint file")
	catalogCmd.Flags().IntP("batch-size", "b", 8, "Images per batch")
	catalogCmd.Flags().BoolVar(&catalogJSON, "json", false, "Output as JSON")
	catalogCmd.Flags().BoolVarP(&catalogList, "list", "l", false, "List every pending image")
}
