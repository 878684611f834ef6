package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/pickrun/internal/models"
	"github.com/sawpanic/pickrun/internal/scheduler"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute the daily pipeline once",
	Long: `Execute the daily pipeline once for a date and exit. Re-running a date
resets its run record. A FAILED run exits non-zero.

Examples:
  pickrun run
  pickrun run --date 2025-03-14
  pickrun run --skip-ingestion --json`,
	RunE: runDaily,
}

var (
	runDate          string
	runSkipIngestion bool
	runSkipInference bool
	runJSON          bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runDate, "date", "", "Run date as YYYY-MM-DD (default today in the scheduler timezone)")
	runCmd.Flags().BoolVar(&runSkipIngestion, "skip-ingestion", false, "Reuse already ingested data")
	runCmd.Flags().BoolVar(&runSkipInference, "skip-inference", false, "Evaluate existing predictions without calling the model service")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run report as JSON")
}

func runDaily(cmd *cobra.Command, args []string) error {
	opts := scheduler.TriggerOptions{
		SkipIngestion: runSkipIngestion,
		SkipInference: runSkipInference,
		Trigger:       "manual",
	}
	if runDate != "" {
		d, err := time.Parse("2006-01-02", runDate)
		if err != nil {
			return fmt.Errorf("invalid --date %q, want YYYY-MM-DD: %w", runDate, err)
		}
		opts.Date = d
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.scheduler.TriggerDailyRun(ctx, opts)
	if err != nil {
		return err
	}

	if runJSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		printRun(report)
	}
	if report.Run.Status == models.RunFailed {
		return fmt.Errorf("run %s failed", report.Run.ID)
	}
	return nil
}

func printRun(r *scheduler.RunReport) {
	run := r.Run
	fmt.Printf("Run %s  %s  %s\n", run.RunDate.Format("2006-01-02"), run.Status, run.ID)
	fmt.Printf("  matches=%d predictions=%d picks=%d no_bet=%d hard_stop=%d\n",
		run.TotalMatches, run.PredictionsCount, run.PicksCount, run.NoBetCount, run.HardStopCount)
	if run.DataQualityScore != nil {
		fmt.Printf("  data quality %.3f\n", *run.DataQualityScore)
	}
	for _, p := range r.Result.Phases {
		fmt.Printf("  %-10s %-8s %s\n", p.Name, p.Status, p.Duration.Round(time.Millisecond))
	}
	for _, e := range run.Errors {
		fmt.Printf("  error: %s\n", e)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
