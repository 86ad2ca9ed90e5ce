package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quantumlife/ponder/internal/app"
	"github.com/quantumlife/ponder/internal/config"
	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/ledger"
	"github.com/quantumlife/ponder/internal/orphans"
	"github.com/quantumlife/ponder/internal/storage"
)

// orphansCmd manages deferred creation questions
func orphansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orphans",
		Short: "Review questions about creating new records",
	}

	var state string
	list := &cobra.Command{
		Use:   "list",
		Short: "List orphan questions",
		RunE: func(cmd *cobra.Command, args []string) error {
			s := core.OrphanState(state)
			switch s {
			case "", core.OrphanPending, core.OrphanAccepted, core.OrphanRejected:
			default:
				return fmt.Errorf("unknown state %q", state)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			store := storage.NewOrphanStore(db)
			var questions []*core.OrphanQuestion
			if s == "" {
				questions, err = store.LoadOrphans(cmd.Context())
			} else {
				questions, err = store.ByState(cmd.Context(), s)
			}
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(questions)
			}
			if len(questions) == 0 {
				fmt.Println("No questions.")
				return nil
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tNAME\tTYPE\tSTATE\tEVIDENCE\tUPDATED")
			for _, q := range questions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					q.ID, q.Name, q.Type, q.State, len(q.Evidence), q.UpdatedAt.Local().Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
	list.Flags().StringVar(&state, "state", string(core.OrphanPending), "pending, accepted, rejected, or empty for all")

	var scopes []string
	resolve := &cobra.Command{
		Use:   "resolve <id> accept|reject",
		Short: "Accept or reject an orphan question",
		Long: `Accepting is final. Rejecting suppresses the candidate in the given
scopes (project:<name> or sender:<address>), or in every scope it was
proposed from when none are given.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var s core.OrphanState
			switch strings.ToLower(args[1]) {
			case "accept", "accepted":
				s = core.OrphanAccepted
			case "reject", "rejected":
				s = core.OrphanRejected
			default:
				return fmt.Errorf("resolution must be accept or reject, got %q", args[1])
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			led, err := openLedger(cmd.Context(), db)
			if err != nil {
				return err
			}

			mgr, err := orphans.NewManager(app.OrphanConfig(cfg),
				orphans.WithStore(storage.NewOrphanStore(db)),
				orphans.WithHook(ledger.NewRecorder(led).OrphanChanged),
			)
			if err != nil {
				return err
			}
			if _, err := mgr.Load(cmd.Context()); err != nil {
				return err
			}

			q, err := mgr.Resolve(cmd.Context(), args[0], s, scopes...)
			if q == nil {
				if errors.Is(err, core.ErrOrphanAlreadyResolved) {
					return fmt.Errorf("%s was already accepted", args[0])
				}
				return err
			}
			if err != nil {
				fmt.Fprintf(os.Stderr, "⚠️  decision not persisted: %v\n", err)
			}
			if jsonOutput {
				return printJSON(q)
			}
			fmt.Printf("✅ %s %q is now %s\n", q.Type, q.Name, q.State)
			return nil
		},
	}
	resolve.Flags().StringSliceVar(&scopes, "scope", nil, "rejection scope (repeatable)")

	cmd.AddCommand(list, resolve)
	return cmd
}

// ledgerCmd inspects the audit ledger
func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect the audit ledger",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			led, err := openLedger(cmd.Context(), db)
			if err != nil {
				return err
			}

			summary, err := led.GetSummary(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printJSON(summary); err != nil {
					return err
				}
			} else if summary.ChainValid {
				fmt.Printf("✅ Ledger chain valid (%d entries)\n", summary.TotalEntries)
			}
			if !summary.ChainValid {
				return fmt.Errorf("ledger chain broken: %s", summary.ChainError)
			}
			return nil
		},
	})

	var (
		entityType string
		limit      int
	)
	show := &cobra.Command{
		Use:   "show [entity-id]",
		Short: "Show recent ledger entries",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			db, err := openDB(cfg)
			if err != nil {
				return err
			}
			defer db.Close()
			led, err := openLedger(cmd.Context(), db)
			if err != nil {
				return err
			}

			opts := ledger.QueryOptions{EntityType: entityType, Limit: limit}
			if len(args) == 1 {
				opts.EntityID = args[0]
			}
			entries, err := led.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(entries)
			}
			w := newTable()
			fmt.Fprintln(w, "SEQ\tTIME\tACTION\tACTOR\tENTITY")
			for _, e := range entries {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s/%s\n",
					e.Seq, e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Action, e.Actor, e.EntityType, e.EntityID)
			}
			return w.Flush()
		},
	}
	show.Flags().StringVar(&entityType, "type", "", "entity type (event, decision, orphan, config)")
	show.Flags().IntVar(&limit, "limit", 50, "maximum entries")
	cmd.AddCommand(show)

	return cmd
}

// configCmd manages the config file
func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}
			if err := os.MkdirAll(filepath.Dir(configPath), 0700); err != nil {
				return err
			}
			if err := os.WriteFile(configPath, []byte(config.Template()), 0600); err != nil {
				return err
			}
			fmt.Printf("✅ Wrote %s\n", configPath)
			fmt.Println("   Set high_stakes.amount_ceiling, high_stakes.deadline_window and")
			fmt.Println("   orphans.rejection_policy before starting ponderd.")
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Printf("✅ %s is valid\n", configPath)
			return nil
		},
	}

	cmd.AddCommand(initCmd, check)
	return cmd
}
