// ponderd is the ponder daemon: it serves the analysis API and runs
// analyses in the background with bounded concurrency.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantumlife/ponder/internal/app"
	"github.com/quantumlife/ponder/internal/config"
	"github.com/quantumlife/ponder/internal/logging"
)

var (
	configPath string
	port       int
	noWatch    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ponderd",
		Short: "ponder daemon - multi-pass event analysis service",
		RunE:  runDaemon,
	}

	rootCmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "config file")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	rootCmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not reload thresholds when the config file changes")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w (run 'ponder config init' for a starter file)", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return err
	}
	defer logging.Sync()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	if !noWatch {
		w, err := a.Watch(ctx, configPath)
		if err != nil {
			logging.Warn("config hot reload disabled: %v", err)
		} else {
			defer w.Close()
		}
	}

	jobs, err := a.Maintenance()
	if err != nil {
		return err
	}
	if err := jobs.Start(ctx); err != nil {
		return err
	}
	defer jobs.Stop()

	server := a.Server()
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logging.Info("shutting down")
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if err := server.Stop(shutdownCtx); err != nil {
		logging.Warn("server shutdown: %v", err)
	}
	return nil
}
