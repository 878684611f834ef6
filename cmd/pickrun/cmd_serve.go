package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator API with the scheduler and settlement loops",
	Long: `Serve the operator HTTP API (health, run trigger, run view, hard-stop
register, Prometheus metrics). The daily scheduler runs alongside when
scheduler.enabled is true, and settlement polls results unless disabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(true)
	},
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Run the daily scheduler and settlement loops without the API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon(false)
	},
}

var noSettlement bool

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scheduleCmd)

	for _, c := range []*cobra.Command{serveCmd, scheduleCmd} {
		c.Flags().BoolVar(&noSettlement, "no-settlement", false, "Do not poll providers for final scores")
	}
}

func runDaemon(withHTTP bool) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup
	errCh := make(chan error, 3)
	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				log.Error().Err(err).Str("loop", name).Msg("Background loop stopped")
				errCh <- err
			}
		}()
	}

	if cfg.Scheduler.Enabled {
		spawn("scheduler", a.scheduler.Start)
	} else if !withHTTP {
		return errors.New("scheduler is disabled in config, nothing to run")
	}
	if !noSettlement {
		spawn("settlement", a.settler.Start)
	}

	server := a.server()
	if withHTTP {
		go func() {
			if err := server.Start(); err != nil {
				errCh <- err
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Shutting down")
	case runErr = <-errCh:
	}
	cancel()

	if withHTTP {
		shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stop()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
	}
	wg.Wait()
	log.Info().Msg("Stopped")
	return runErr
}
