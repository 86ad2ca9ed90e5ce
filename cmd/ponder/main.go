// ponder CLI - analyze events and review decisions from the command line.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/quantumlife/ponder/internal/app"
	"github.com/quantumlife/ponder/internal/config"
	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/ledger"
	"github.com/quantumlife/ponder/internal/logging"
	"github.com/quantumlife/ponder/internal/storage"
)

var (
	// Config
	configPath string
	jsonOutput bool

	// Version
	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ponder",
		Short: "ponder - multi-pass event analysis",
		Long: `ponder analyzes incoming events in repeated passes, escalating to
stronger models only while confidence is insufficient, and routes the
result to automatic application or human review.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Keep stdout for results
			logging.SetOutput(os.Stderr)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "print JSON")

	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(passesCmd())
	rootCmd.AddCommand(decisionsCmd())
	rootCmd.AddCommand(orphansCmd())
	rootCmd.AddCommand(notesCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(authCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads and validates the config file
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w (run 'ponder config init' for a starter file)", err)
	}
	if err := logging.Setup(cfg.Logging); err != nil {
		return nil, err
	}
	logging.SetOutput(os.Stderr)
	return cfg, nil
}

// openDB opens the database without wiring models or sources
func openDB(cfg *config.Config) (*storage.DB, error) {
	db, err := storage.Open(storage.Config{Path: filepath.Join(cfg.DataDir, app.DBFile)})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openLedger(ctx context.Context, db *storage.DB) (*ledger.Store, error) {
	l := ledger.NewStore(db.Conn())
	if err := l.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return l, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable() *tabwriter.Writer {
	return tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}

func tierPath(path []core.Tier) string {
	parts := make([]string, len(path))
	for i, t := range path {
		parts[i] = t.String()
	}
	return strings.Join(parts, " → ")
}

// versionCmd shows version info
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ponder %s\n", version)
		},
	}
}
