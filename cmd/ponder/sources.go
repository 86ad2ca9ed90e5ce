package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"github.com/quantumlife/ponder/internal/app"
	"github.com/quantumlife/ponder/internal/contextsearch"
	"github.com/quantumlife/ponder/internal/sources/google"
	"github.com/quantumlife/ponder/internal/storage"
)

// notesCmd manages the notes the analyzer enriches and searches
func notesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "notes",
		Short: "Manage notes used as analysis context",
	}

	var (
		kind    string
		body    string
		due     string
		amount  float64
		aliases []string
	)
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n := &storage.Note{Title: args[0], Kind: kind, Body: body, Aliases: aliases}
			if due != "" {
				t, ok := contextsearch.ParseDate(due)
				if !ok {
					return fmt.Errorf("due must be YYYY-MM-DD or RFC 3339, got %q", due)
				}
				n.Due = &t
			}
			if cmd.Flags().Changed("amount") {
				n.Amount = &amount
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

			if err := a.Notes.Create(ctx, n); err != nil {
				return err
			}
			if a.Semantic != nil {
				if _, err := a.Semantic.IndexNotes(ctx, []*storage.Note{n}); err != nil {
					fmt.Printf("⚠️  note saved but not indexed: %v\n", err)
				}
			}
			fmt.Printf("✅ Added %s (%s)\n", n.Title, n.ID)
			return nil
		},
	}
	add.Flags().StringVar(&kind, "kind", "project", "project, person, organization, ...")
	add.Flags().StringVar(&body, "body", "", "note text")
	add.Flags().StringVar(&due, "due", "", "due date")
	add.Flags().Float64Var(&amount, "amount", 0, "amount the note tracks")
	add.Flags().StringSliceVar(&aliases, "alias", nil, "alternative name (repeatable)")

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List notes",
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

			notes, err := storage.NewNoteStore(db).List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(notes)
			}
			w := newTable()
			fmt.Fprintln(w, "ID\tTITLE\tKIND\tDUE")
			for _, n := range notes {
				dueStr := "-"
				if n.Due != nil {
					dueStr = n.Due.Format(contextsearch.DateLayout)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", n.ID, n.Title, n.Kind, dueStr)
			}
			return w.Flush()
		},
	}
	list.Flags().IntVar(&limit, "limit", 100, "maximum notes")

	reindex := &cobra.Command{
		Use:   "reindex",
		Short: "Re-embed every note into the similarity index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.Context.Sources.Semantic {
				return errors.New("the semantic source is disabled (context.sources.semantic)")
			}
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg, app.Options{})
			if err != nil {
				return err
			}
			defer a.Close()
			if a.Semantic == nil {
				return errors.New("the similarity index is unavailable; check qdrant and embeddings")
			}

			notes, err := a.Notes.List(ctx, 100000)
			if err != nil {
				return err
			}
			n, err := a.Semantic.IndexNotes(ctx, notes)
			if err != nil {
				return err
			}
			fmt.Printf("✅ Indexed %d notes\n", n)
			return nil
		},
	}

	cmd.AddCommand(add, list, reindex)
	return cmd
}

// authCmd connects external context sources
func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Connect external context sources",
	}

	var redirect string
	cmd.AddCommand(&cobra.Command{
		Use:   "google",
		Short: "Authorize read-only Gmail and Calendar access",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Google.ClientID == "" || cfg.Google.ClientSecret == "" {
				return errors.New("set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET first")
			}
			flow := google.NewOAuthFlow(google.OAuthConfig{
				ClientID:     cfg.Google.ClientID,
				ClientSecret: cfg.Google.ClientSecret,
				RedirectURL:  redirect,
			})

			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()
			tok, err := authorize(ctx, flow, redirect)
			if err != nil {
				return err
			}
			if err := google.SaveToken(cfg.Google.TokenFile, tok); err != nil {
				return err
			}
			fmt.Printf("✅ Google connected; token saved to %s\n", cfg.Google.TokenFile)
			fmt.Println("   Enable context.sources.gmail / calendar in the config to use it.")
			return nil
		},
	})
	cmd.PersistentFlags().StringVar(&redirect, "redirect", "http://localhost:8765/callback", "OAuth redirect URL served locally")

	return cmd
}

// authorize runs the browser consent flow and waits for the callback
func authorize(ctx context.Context, flow *google.OAuthFlow, redirect string) (*oauth2.Token, error) {
	u, err := url.Parse(redirect)
	if err != nil {
		return nil, fmt.Errorf("redirect url: %w", err)
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("listen for oauth callback: %w", err)
	}

	state := uuid.NewString()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	fail := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(u.Path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			fail(errors.New("oauth state mismatch"))
		case q.Get("error") != "":
			http.Error(w, "authorization denied", http.StatusForbidden)
			fail(fmt.Errorf("authorization denied: %s", q.Get("error")))
		default:
			fmt.Fprintln(w, "ponder is connected. You can close this window.")
			select {
			case codeCh <- q.Get("code"):
			default:
			}
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	defer srv.Shutdown(context.Background())

	fmt.Println("Open this URL in your browser to authorize ponder:")
	fmt.Println()
	fmt.Println("  " + flow.AuthURL(state))
	fmt.Println()

	select {
	case code := <-codeCh:
		return flow.Exchange(ctx, code)
	case err := <-errCh:
		return nil, err
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for authorization: %w", ctx.Err())
	}
}
