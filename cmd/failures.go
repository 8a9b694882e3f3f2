// cmd/failures.go
package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/aceteam-ai/captioner/internal/ui"
	"github.com/aceteam-ai/captioner/internal/usage"
)

var failuresRunID string
var failuresLimit int
var failuresJSON bool

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List images that failed in a run",
	Long: `Reads the result ledger and lists every image whose final outcome in the
given run was a failure, with the reason and the number of attempts.
Failed images are retried automatically by the next run.`,
	Example: `  # Failures of the latest run
  captioner failures

  # A specific run, as JSON
  captioner failures --run run-1a2b3c4d --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cfg.Ledger == "" {
			return errors.New("the result ledger is disabled (set ledger in the config)")
		}
		if _, err := os.Stat(cfg.Ledger); err != nil {
			return fmt.Errorf("no ledger at %s: %w", cfg.Ledger, err)
		}
		ledger, err := usage.OpenStore(cfg.Ledger)
		if err != nil {
			return err
		}
		defer ledger.Close()

		ctx := cmd.Context()
		var run *usage.RunRecord
		if failuresRunID != "" {
			run, err = ledger.GetRun(ctx, failuresRunID)
		} else {
			run, err = ledger.LatestRun(ctx)
		}
		if errors.Is(err, usage.ErrNoRuns) && failuresRunID != "" {
			return fmt.Errorf("run %s is not in the ledger", failuresRunID)
		}
		if errors.Is(err, usage.ErrNoRuns) {
			ui.NewStatusLine(os.Stdout).Info("The ledger has no runs yet")
			return nil
		}
		if err != nil {
			return err
		}

		limit := failuresLimit
		if limit <= 0 {
			limit = -1 // no limit in SQLite
		}
		failures, err := ledger.QueryFailures(ctx, run.RunID, limit)
		if err != nil {
			return err
		}

		if failuresJSON {
			payload := struct {
				Run      *usage.RunRecord     `json:"run"`
				Failures []usage.ResultRecord `json:"failures"`
			}{run, failures}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(payload)
		}

		fmt.Println(ui.TitleStyle.Render("Run " + run.RunID))
		fmt.Println(ui.FormatKeyValue("Started", run.StartedAt.Local().Format(time.DateTime)))
		if !run.FinishedAt.IsZero() {
			state := "finished"
			if run.Cancelled {
				state = "interrupted"
			}
			fmt.Println(ui.FormatKeyValue("Ended", run.FinishedAt.Local().Format(time.DateTime)+" ("+state+")"))
		}
		fmt.Println(ui.FormatKeyValue("Results", fmt.Sprintf("%d processed, %d failed of %d", run.Processed, run.Failed, run.TotalTasks)))
		fmt.Println()

		if len(failures) == 0 {
			ui.NewStatusLine(os.Stdout).Success("No failed images")
			return nil
		}
		fmt.Println(failureTable(failures))
		if failuresLimit > 0 && len(failures) == failuresLimit {
			fmt.Println(ui.MutedStyle.Render(fmt.Sprintf("Showing the first %d failures; raise --limit to see more", failuresLimit)))
		}
		return nil
	},
}

func failureTable(failures []usage.ResultRecord) string {
	rows := make([][]string, 0, len(failures))
	for _, f := range failures {
		rows = append(rows, []string{
			f.ImageID,
			strconv.Itoa(f.WorkerID),
			strconv.Itoa(f.Attempts),
			f.Reason,
		})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(ui.ColorBorder)).
		Headers("IMAGE", "WORKER", "ATTEMPTS", "REASON").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return ui.HeaderStyle
			}
			return ui.CellStyle
		}).
		String()
}

func init() {
	rootCmd.AddCommand(failuresCmd)
	failuresCmd.Flags().String("ledger", "captioner.db", "SQLite result ledger")
	failuresCmd.Flags().StringVar(&failuresRunID, "run", "", "Run to inspect (default: latest)")
	failuresCmd.Flags().IntVar(&failuresLimit, "limit", 100, "Maximum failures to list (0 for all)")
	failuresCmd.Flags().BoolVar(&failuresJSON, "json", false, "Output as JSON")
}
