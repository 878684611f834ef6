package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawpanic/pickrun/internal/hardstop"
)

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Settle finished games once",
	Long: `Fetch final scores for every open prediction whose game has started,
mark predictions correct or incorrect, and apply published PICK outcomes to
the hard-stop register.`,
	RunE: runSettle,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check recent run health, the database and the hard-stop register",
	Long: `Check recent run health, database connectivity and the hard-stop
register. Exits non-zero when unhealthy.

Examples:
  pickrun health
  pickrun health --json`,
	RunE: runHealth,
}

var hardStopCmd = &cobra.Command{
	Use:   "hardstop",
	Short: "Inspect or reset the hard-stop register",
}

var hardStopStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the hard-stop register",
	RunE:  runHardStopStatus,
}

var hardStopResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear an active hard stop",
	RunE:  runHardStopReset,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the PostgreSQL schema",
	RunE:  runMigrate,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration utilities",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Load and validate the configuration",
	RunE:  runConfigValidate,
}

var (
	opsJSON       bool
	healthTimeout time.Duration
	resetReason   string
)

func init() {
	rootCmd.AddCommand(settleCmd, healthCmd, hardStopCmd, migrateCmd, configCmd)
	hardStopCmd.AddCommand(hardStopStatusCmd, hardStopResetCmd)
	configCmd.AddCommand(configValidateCmd)

	for _, c := range []*cobra.Command{settleCmd, healthCmd, hardStopStatusCmd, hardStopResetCmd} {
		c.Flags().BoolVar(&opsJSON, "json", false, "Output as JSON")
	}
	healthCmd.Flags().DurationVar(&healthTimeout, "timeout", 30*time.Second, "Health check timeout")
	hardStopResetCmd.Flags().StringVar(&resetReason, "reason", "", "Why the hard stop is being cleared (required)")
	_ = hardStopResetCmd.MarkFlagRequired("reason")
}

func runSettle(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	report, err := a.settler.Settle(ctx)
	if err != nil {
		return err
	}
	if opsJSON {
		return printJSON(report)
	}
	fmt.Printf("Settled %d of %d: confirmed=%d cancelled=%d wins=%d losses=%d open=%d\n",
		report.Confirmed+report.Cancelled, report.Checked,
		report.Confirmed, report.Cancelled, report.Wins, report.Losses, report.Open)
	for _, e := range report.Errors {
		fmt.Printf("  error: %s\n", e)
	}
	return nil
}

type healthReport struct {
	Healthy  bool        `json:"healthy"`
	Runs     interface{} `json:"runs"`
	Database interface{} `json:"database"`
	HardStop interface{} `json:"hardStop"`
}

func runHealth(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), healthTimeout)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	runs, err := a.scheduler.Health(ctx)
	if err != nil {
		return err
	}
	dbCheck := a.database.Health().Health(ctx)
	snap, err := a.tracker.Refresh(ctx)
	if err != nil {
		return err
	}

	report := healthReport{
		Healthy:  runs.Healthy && dbCheck.Healthy,
		Runs:     runs,
		Database: dbCheck,
		HardStop: snap.State,
	}
	if opsJSON {
		if err := printJSON(report); err != nil {
			return err
		}
	} else {
		fmt.Printf("runs      healthy=%t consecutive_failures=%d recent=%d\n", runs.Healthy, runs.ConsecutiveFailures, runs.RecentRuns)
		fmt.Printf("database  healthy=%t %v\n", dbCheck.Healthy, dbCheck.Errors)
		printHardStop(snap)
	}
	if !report.Healthy {
		return errors.New("unhealthy")
	}
	return nil
}

func runHardStopStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.tracker.Refresh(ctx)
	if err != nil {
		return err
	}
	if opsJSON {
		return printJSON(snap.State)
	}
	printHardStop(snap)
	return nil
}

func runHardStopReset(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := a.tracker.Reset(ctx, "operator: "+resetReason)
	if err != nil {
		return err
	}
	a.metrics.SetHardStop(snap.State.IsActive)
	if opsJSON {
		return printJSON(snap.State)
	}
	printHardStop(snap)
	return nil
}

func printHardStop(s hardstop.Snapshot) {
	st := s.State
	fmt.Printf("hardstop  active=%t daily_loss=%s/%s consecutive_losses=%d/%d bankroll=%s%%\n",
		st.IsActive,
		st.DailyLoss.StringFixed(2), s.Limits.DailyLossLimit.StringFixed(2),
		st.ConsecutiveLosses, s.Limits.MaxConsecutiveLosses,
		st.BankrollPercent.StringFixed(2))
	if st.TriggerReason != nil {
		fmt.Printf("          reason: %s\n", *st.TriggerReason)
	}
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if !cfg.Database.Enabled {
		return errors.New("database is disabled in config")
	}
	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.database.Migrate(ctx); err != nil {
		return err
	}
	fmt.Println("Schema applied")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	// loadConfig already validated; print what will be wired
	fmt.Printf("Config OK (%s)\n", configPath)
	fmt.Printf("  database   enabled=%t\n", cfg.Database.Enabled)
	fmt.Printf("  redis      enabled=%t\n", cfg.Redis.Enabled)
	fmt.Printf("  stream     enabled=%t\n", cfg.Stream.Enabled)
	fmt.Printf("  scheduler  enabled=%t run_at=%s %s\n", cfg.Scheduler.Enabled, cfg.Scheduler.RunAt, cfg.Scheduler.Timezone)
	t := cfg.Policy.Thresholds
	if p, ok := cfg.Policy.Profiles[cfg.Policy.ActiveProfile]; ok {
		t = p
	}
	fmt.Printf("  policy     profile=%q confidence_min=%.2f edge_min=%.3f max_drift=%.2f\n",
		cfg.Policy.ActiveProfile, t.ConfidenceMin, t.EdgeMin, t.MaxDriftScore)
	fmt.Printf("  providers  %d sources, fallback %d levels, %d models\n", len(cfg.Providers.Sources), len(cfg.Fallback), len(cfg.Models))
	return nil
}
