package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/quantumlife/ponder/internal/app"
	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/storage"
)

// analyzeCmd runs one event through the full analysis loop
func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze <event.json|->",
		Short: "Analyze an event and print the routing decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0])
			if err != nil {
				return err
			}
			var ev core.PerceivedEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("parse event: %w", err)
			}
			if ev.ID == "" {
				ev.ID = core.EventID(uuid.New().String())
			}
			if ev.Timestamp.IsZero() {
				ev.Timestamp = time.Now().UTC()
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Events.Save(ctx, &ev); err != nil {
				return err
			}
			an, err := a.Runner.Analyze(ctx, &ev)
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(an)
			}
			printAnalysis(an)
			return nil
		},
	}
}

func printAnalysis(an *core.Analysis) {
	d := an.Decision
	fmt.Printf("Event:       %s\n", an.EventID)
	fmt.Printf("Verdict:     %s\n", d.Verdict)
	fmt.Printf("Action:      %s (%.2f) %s\n", d.Action.Kind, d.ActionConfidence, d.Action.Description)
	fmt.Printf("Passes:      %d  path %s\n", len(an.History), tierPath(an.EscalationPath))
	if an.HighStakes {
		fmt.Println("High stakes: yes")
	}
	for _, deg := range d.Degradations {
		fmt.Printf("⚠️  %s\n", deg)
	}
	for _, r := range d.Reasons {
		fmt.Printf("   - %s\n", r)
	}

	if len(d.Items) > 0 {
		fmt.Println()
		w := newTable()
		fmt.Fprintln(w, "#\tTYPE\tTARGET\tCONF\tSTATE\tINFO")
		for _, it := range d.Items {
			fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\t%s\t%s\n",
				it.Index, it.Extraction.Type, it.Extraction.TargetNote, it.Extraction.Confidence, itemState(it), it.Extraction.Info)
		}
		w.Flush()
	}

	for _, q := range an.Orphans {
		fmt.Printf("\n❓ Create %s %q? (ponder orphans resolve %s accept|reject)\n", q.Type, q.Name, q.ID)
	}
}

func itemState(it core.DecisionItem) string {
	switch {
	case it.Applied:
		return "applied"
	case it.Deferred:
		return "deferred"
	case it.Locked:
		return "required"
	case it.Preselected:
		return "preselected"
	default:
		return "-"
	}
}

// passesCmd prints the stored pass history of an event
func passesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passes <event-id>",
		Short: "Show the pass history of an event",
		Args:  cobra.ExactArgs(1),
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

			passes, err := storage.NewAnalysisStore(db).Passes(cmd.Context(), core.EventID(args[0]))
			if errors.Is(err, core.ErrEventNotFound) {
				return fmt.Errorf("no passes recorded for %s", args[0])
			}
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(passes)
			}
			w := newTable()
			fmt.Fprintln(w, "PASS\tTIER\tMODEL\tCONF\tEXTRACTIONS\tCHANGED\tCONTEXT\tDEGRADED\tDURATION")
			for _, p := range passes {
				fmt.Fprintf(w, "%d\t%s\t%s\t%.2f\t%d\t%d\t%d\t%s\t%s\n",
					p.PassNumber, p.Tier, p.Model, p.ActionConfidence, len(p.Extractions),
					p.ChangedCount, p.ContextItems, p.Degraded, p.Duration.Round(time.Millisecond))
			}
			return w.Flush()
		},
	}
}

// decisionsCmd lists recent routing decisions
func decisionsCmd() *cobra.Command {
	var (
		verdict string
		eventID string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "decisions",
		Short: "List routing decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			v := core.Verdict(verdict)
			if v != "" && v != core.VerdictAutoApply && v != core.VerdictQueue {
				return fmt.Errorf("unknown verdict %q (AUTO_APPLY or QUEUE)", verdict)
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

			records, err := storage.NewAnalysisStore(db).Decisions(cmd.Context(), storage.DecisionFilter{
				EventID: core.EventID(eventID),
				Verdict: v,
				Limit:   limit,
			})
			if err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(records)
			}
			if len(records) == 0 {
				fmt.Println("No decisions yet.")
				return nil
			}
			w := newTable()
			fmt.Fprintln(w, "DECIDED\tEVENT\tVERDICT\tACTION\tCONF\tPATH\tDEGRADED")
			for _, r := range records {
				d := r.Decision
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\t%d\n",
					d.DecidedAt.Local().Format("2006-01-02 15:04"), d.EventID, d.Verdict, d.Action.Kind,
					d.ActionConfidence, tierPath(r.EscalationPath), len(d.Degradations))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&verdict, "verdict", "", "filter by verdict (AUTO_APPLY, QUEUE)")
	cmd.Flags().StringVar(&eventID, "event", "", "filter by event id")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum decisions shown")
	return cmd
}
