// Package app builds the ponder object graph from configuration. Both the
// daemon and the CLI start here.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/quantumlife/ponder/internal/analyzer"
	"github.com/quantumlife/ponder/internal/api"
	"github.com/quantumlife/ponder/internal/config"
	"github.com/quantumlife/ponder/internal/contextsearch"
	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/embeddings"
	"github.com/quantumlife/ponder/internal/ledger"
	"github.com/quantumlife/ponder/internal/llm"
	"github.com/quantumlife/ponder/internal/logging"
	"github.com/quantumlife/ponder/internal/orphans"
	"github.com/quantumlife/ponder/internal/sources/calendar"
	"github.com/quantumlife/ponder/internal/sources/gmail"
	"github.com/quantumlife/ponder/internal/sources/google"
	"github.com/quantumlife/ponder/internal/sources/notes"
	"github.com/quantumlife/ponder/internal/sources/semantic"
	"github.com/quantumlife/ponder/internal/storage"
	"github.com/quantumlife/ponder/internal/vectors"
)

// DBFile is the database file name inside the data directory
const DBFile = "ponder.db"

// Options override parts of the graph. Zero values build everything from
// config.
type Options struct {
	InMemory bool             // use an in-memory database
	Gateway  analyzer.Gateway // replaces the configured model gateway
	Sources  []contextsearch.Provider
}

// App holds the wired components
type App struct {
	Config *config.Config

	DB       *storage.DB
	Events   *storage.EventStore
	Analyses *storage.AnalysisStore
	Notes    *storage.NoteStore
	Ledger   *ledger.Store
	Recorder *ledger.Recorder

	Gateway  analyzer.Gateway
	Searcher *contextsearch.Searcher
	Semantic *semantic.Source // nil unless the semantic source is enabled and reachable
	Orphans  *orphans.Manager
	Analyzer *analyzer.Analyzer
	Runner   *analyzer.Runner
	Hub      *api.Hub

	closers []func() error
}

// New opens storage and wires every component. cfg must already be valid.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	a := &App{Config: cfg}
	ok := false
	defer func() {
		if !ok {
			a.Close()
		}
	}()

	dbCfg := storage.Config{InMemory: opts.InMemory}
	if !opts.InMemory {
		dbCfg.Path = filepath.Join(cfg.DataDir, DBFile)
	}
	db, err := storage.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	a.DB = db
	a.closers = append(a.closers, db.Close)
	if err := db.Migrate(); err != nil {
		return nil, err
	}

	a.Events = storage.NewEventStore(db)
	a.Analyses = storage.NewAnalysisStore(db)
	a.Notes = storage.NewNoteStore(db)

	a.Ledger = ledger.NewStore(db.Conn())
	if err := a.Ledger.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ledger schema: %w", err)
	}
	a.Recorder = ledger.NewRecorder(a.Ledger)
	a.Hub = api.NewHub()

	a.Orphans, err = orphans.NewManager(OrphanConfig(cfg),
		orphans.WithStore(storage.NewOrphanStore(db)),
		orphans.WithHook(a.Recorder.OrphanChanged),
		orphans.WithHook(a.Hub.OrphanChanged),
	)
	if err != nil {
		return nil, err
	}
	if _, err := a.Orphans.Load(ctx); err != nil {
		return nil, fmt.Errorf("load orphan questions: %w", err)
	}

	a.Gateway = opts.Gateway
	if a.Gateway == nil {
		a.Gateway = NewGateway(cfg)
	}

	providers := opts.Sources
	if providers == nil {
		providers = a.sources(ctx)
	}
	a.Searcher = contextsearch.New(contextsearch.Config{
		MaxPerSource:    cfg.Context.MaxPerSource,
		ProviderTimeout: cfg.Context.ProviderTimeout,
	}, providers...)

	a.Analyzer, err = analyzer.New(analyzer.Deps{
		Gateway:   a.Gateway,
		Searcher:  a.Searcher,
		Proposer:  a.Orphans,
		Observers: []analyzer.Observer{a.Analyses, a.Recorder, a.Hub},
	}, LimitsFrom(cfg), PolicyFrom(cfg))
	if err != nil {
		return nil, err
	}
	a.Runner = analyzer.NewRunner(a.Analyzer, cfg.Analysis.Concurrency)

	logging.Info("context sources: %v", a.Searcher.Providers())
	ok = true
	return a, nil
}

// Server builds the HTTP API over the app's components
func (a *App) Server() *api.Server {
	return api.New(api.Config{
		Addr:        a.Config.Server.Addr(),
		CORSOrigins: a.Config.Server.CORSOrigins,
		Analyzer:    a.Analyzer,
		Runner:      a.Runner,
		Events:      a.Events,
		Analyses:    a.Analyses,
		Orphans:     a.Orphans,
		Ledger:      a.Ledger,
		Recorder:    a.Recorder,
		Hub:         a.Hub,
	})
}

// Reload applies the hot-reloadable parts of cfg: thresholds and
// high-stakes predicates. Pass limits and sources need a restart.
func (a *App) Reload(ctx context.Context, path string, cfg *config.Config) {
	a.Analyzer.SetPolicy(PolicyFrom(cfg))
	a.Recorder.ConfigReloaded(ctx, path, cfg.Thresholds)
}

// Watch reloads policy whenever the config file changes
func (a *App) Watch(ctx context.Context, path string) (*config.Watcher, error) {
	return config.Watch(ctx, path, func(cfg *config.Config) {
		a.Reload(ctx, path, cfg)
	})
}

// Close waits for background analyses and releases resources
func (a *App) Close() error {
	if a.Runner != nil {
		a.Runner.Wait()
	}
	if a.Hub != nil {
		a.Hub.Close()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// PolicyFrom extracts the hot-swappable analyzer policy
func PolicyFrom(cfg *config.Config) analyzer.Policy {
	return analyzer.Policy{
		Thresholds: cfg.Thresholds,
		HighStakes: analyzer.HighStakes{
			AmountCeiling:  cfg.HighStakes.AmountCeiling,
			DeadlineWindow: cfg.HighStakes.DeadlineWindow,
			VIPSenders:     cfg.HighStakes.VIPSenders,
		},
	}
}

// LimitsFrom extracts the fixed pass limits
func LimitsFrom(cfg *config.Config) analyzer.Limits {
	perTier := make(map[core.Tier]int, len(cfg.Analysis.MaxPassesPerTier))
	for t, n := range cfg.Analysis.MaxPassesPerTier {
		perTier[t] = n
	}
	return analyzer.Limits{
		MaxPasses:        cfg.Analysis.MaxPasses,
		MaxPassesPerTier: perTier,
		StopConfidence:   cfg.Analysis.StopConfidence,
	}
}

// OrphanConfig extracts the orphan manager settings
func OrphanConfig(cfg *config.Config) orphans.Config {
	return orphans.Config{
		Policy: orphans.RejectionPolicy(cfg.Orphans.RejectionPolicy),
		TTL:    cfg.Orphans.RejectionTTL,
	}
}

// NewGateway builds the tiered model gateway. Backends are shared between
// tiers that use the same provider.
func NewGateway(cfg *config.Config) *llm.Gateway {
	backends := map[string]llm.Backend{}
	backend := func(provider string) llm.Backend {
		if b, ok := backends[provider]; ok {
			return b
		}
		var b llm.Backend
		switch provider {
		case "claude":
			b = llm.NewClaudeClient(llm.ClaudeConfig{
				APIKey:  cfg.LLM.Claude.APIKey,
				BaseURL: cfg.LLM.Claude.BaseURL,
				Timeout: cfg.LLM.Timeout,
			})
		case "azure":
			b = llm.NewAzureClient(llm.AzureConfig{
				Endpoint:   cfg.LLM.Azure.Endpoint,
				APIKey:     cfg.LLM.Azure.APIKey,
				APIVersion: cfg.LLM.Azure.APIVersion,
				Timeout:    cfg.LLM.Timeout,
			})
		case "ollama":
			b = llm.NewOllamaClient(llm.OllamaConfig{
				BaseURL: cfg.LLM.Ollama.URL,
				Timeout: cfg.LLM.Timeout,
			})
		default:
			return nil
		}
		backends[provider] = b
		return b
	}

	routes := make(map[core.Tier]llm.Route, len(cfg.LLM.Tiers))
	for tier, tb := range cfg.LLM.Tiers {
		b := backend(tb.Provider)
		if b == nil {
			continue
		}
		if !b.IsConfigured() {
			logging.Warn("%s tier: %s backend is not configured", tier, tb.Provider)
		}
		routes[tier] = llm.Route{Backend: b, Model: tb.Model}
	}

	return llm.NewGateway(llm.GatewayConfig{
		Routes:       routes,
		MaxRetries:   cfg.LLM.MaxRetries,
		RetryBackoff: cfg.LLM.RetryBackoff,
		Timeout:      cfg.LLM.Timeout,
	})
}

// sources builds the enabled context providers. A source whose backend
// cannot be reached is left out with a warning.
func (a *App) sources(ctx context.Context) []contextsearch.Provider {
	cfg := a.Config
	var out []contextsearch.Provider

	if cfg.Context.Sources.Notes {
		out = append(out, notes.New(a.Notes,
			notes.WithDateWindow(cfg.Context.DateWindow),
			notes.WithLimit(cfg.Context.MaxPerSource),
		))
	}

	if cfg.Context.Sources.Semantic {
		if src, err := a.semanticSource(ctx); err != nil {
			logging.Warn("semantic source disabled: %v", err)
		} else {
			a.Semantic = src
			out = append(out, src)
		}
	}

	if cfg.Context.Sources.Gmail || cfg.Context.Sources.Calendar {
		out = append(out, a.googleSources(ctx)...)
	}
	return out
}

func (a *App) semanticSource(ctx context.Context) (*semantic.Source, error) {
	cfg := a.Config
	embedder := embeddings.NewService(embeddings.Config{
		BaseURL:   cfg.Embeddings.URL,
		Model:     cfg.Embeddings.Model,
		Dimension: uint64(cfg.Embeddings.Dimensions),
	})
	if err := embedder.Health(ctx); err != nil {
		return nil, fmt.Errorf("embeddings: %w", err)
	}

	store, err := vectors.NewStore(vectors.Config{
		Host:       cfg.Qdrant.Host,
		Port:       cfg.Qdrant.Port,
		Collection: cfg.Qdrant.Collection,
	})
	if err != nil {
		return nil, err
	}
	if err := store.EnsureCollection(ctx, embedder.Dimension()); err != nil {
		store.Close()
		return nil, err
	}
	a.closers = append(a.closers, store.Close)

	return semantic.New(embedder, store, semantic.Config{Limit: uint64(cfg.Context.MaxPerSource)}), nil
}

func (a *App) googleSources(ctx context.Context) []contextsearch.Provider {
	cfg := a.Config
	tok, err := google.LoadToken(cfg.Google.TokenFile)
	if err != nil {
		logging.Warn("google sources disabled (run 'ponder auth google'): %v", err)
		return nil
	}
	flow := google.NewOAuthFlow(google.OAuthConfig{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		TokenFile:    cfg.Google.TokenFile,
	})
	opt := flow.ClientOption(ctx, tok)

	var out []contextsearch.Provider
	if cfg.Context.Sources.Gmail {
		if c, err := gmail.NewClient(ctx, opt); err != nil {
			logging.Warn("gmail source disabled: %v", err)
		} else {
			out = append(out, gmail.New(c, gmail.DefaultConfig()))
		}
	}
	if cfg.Context.Sources.Calendar {
		if c, err := calendar.NewClient(ctx, "", opt); err != nil {
			logging.Warn("calendar source disabled: %v", err)
		} else {
			calCfg := calendar.DefaultConfig()
			if cfg.Context.DateWindow > 0 {
				calCfg.DateWindow = cfg.Context.DateWindow
			}
			out = append(out, calendar.New(c, calCfg))
		}
	}
	return out
}
