package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/pickrun/internal/config"
)

const (
	appName = "PickRun"
	version = "v1.0.0"
)

var (
	configPath string
	logLevel   string

	// cfg is loaded once before any subcommand runs
	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:     "pickrun",
	Short:   "Daily NBA pick pipeline",
	Version: version,
	Long: `PickRun runs the daily pick pipeline: ingest the slate from every
provider, predict through the model fallback chain, gate each prediction on
data quality and drift, and publish PICK or NO_BET decisions under the
hard-stop risk register.

Subcommands are meant for cron jobs, containers and operators alike.`,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "Path to the YAML config file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level (debug|info|warn|error)")
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if err := setupLogging(c.Logging, os.Stderr); err != nil {
		return err
	}
	cfg = c
	log.Debug().Str("config", configPath).Str("version", version).Msgf("%s starting", appName)
	return nil
}

// setupLogging switches between human-readable console output on a terminal
// and JSON lines everywhere else
func setupLogging(c config.LoggingConfig, out *os.File) error {
	level, err := zerolog.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	zerolog.SetGlobalLevel(level)

	var w io.Writer = out
	switch c.Format {
	case "console":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	case "auto", "":
		if term.IsTerminal(int(out.Fd())) {
			w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
		}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}
