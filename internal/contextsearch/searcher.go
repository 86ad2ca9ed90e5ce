// Package contextsearch builds the context bundle for a pass by fanning out
// entity lookups to every search provider in parallel and ranking the joined
// results.
package contextsearch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/logging"
)

// Provider is one external source of context (notes, mail, calendar, ...).
// Implementations must be safe for concurrent use and should honor ctx.
type Provider interface {
	Name() string
	Search(ctx context.Context, entities []core.Entity) ([]core.ContextItem, error)
}

// Config bounds a search
type Config struct {
	MaxPerSource    int           // cap on items kept per source
	ProviderTimeout time.Duration // per-provider deadline; 0 means none
}

// DefaultConfig returns the standard search limits
func DefaultConfig() Config {
	return Config{
		MaxPerSource:    5,
		ProviderTimeout: 5 * time.Second,
	}
}

// Searcher queries providers and assembles ranked bundles.
// It holds no mutable state after construction.
type Searcher struct {
	cfg       Config
	providers []Provider
}

// New creates a searcher over providers. Providers with duplicate names are
// dropped after the first.
func New(cfg Config, providers ...Provider) *Searcher {
	if cfg.MaxPerSource <= 0 {
		cfg.MaxPerSource = DefaultConfig().MaxPerSource
	}
	seen := make(map[string]bool, len(providers))
	kept := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p == nil || seen[p.Name()] {
			continue
		}
		seen[p.Name()] = true
		kept = append(kept, p)
	}
	return &Searcher{cfg: cfg, providers: kept}
}

// Providers returns the names of the registered providers
func (s *Searcher) Providers() []string {
	names := make([]string, len(s.providers))
	for i, p := range s.providers {
		names[i] = p.Name()
	}
	return names
}

type providerResult struct {
	items []core.ContextItem
	err   error
}

// Search looks up entities in every provider selected by sourceFilter
// (nil or empty selects all). It never fails: a provider that errors or
// exceeds its deadline is listed in the bundle's Excluded map instead.
func (s *Searcher) Search(ctx context.Context, entities []core.Entity, sourceFilter []string) *core.ContextBundle {
	bundle := core.EmptyBundle()
	bundle.Entities = append([]core.Entity(nil), entities...)
	if len(entities) == 0 {
		return bundle
	}

	selected := s.selectProviders(sourceFilter)
	if len(selected) == 0 {
		return bundle
	}

	results := make([]providerResult, len(selected))

	// Provider errors are recorded, not returned, so one source never
	// cancels its siblings.
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range selected {
		g.Go(func() error {
			items, err := s.query(gctx, p, entities)
			results[i] = providerResult{items: items, err: err}
			return nil
		})
	}
	_ = g.Wait()

	for i, p := range selected {
		name := p.Name()
		res := results[i]
		if res.err != nil {
			bundle.Excluded[name] = res.err.Error()
			logging.WithFields(map[string]interface{}{
				"source": name,
				"error":  res.err.Error(),
			}).Warn("context source excluded")
			continue
		}
		if ranked := s.rank(name, res.items); len(ranked) > 0 {
			bundle.Items[name] = ranked
		}
	}

	logging.Debug("context search: %d entities, %d items, %d sources excluded",
		len(entities), bundle.Len(), len(bundle.Excluded))
	return bundle
}

func (s *Searcher) selectProviders(filter []string) []Provider {
	if len(filter) == 0 {
		return s.providers
	}
	want := make(map[string]bool, len(filter))
	for _, f := range filter {
		want[f] = true
	}
	var out []Provider
	for _, p := range s.providers {
		if want[p.Name()] {
			out = append(out, p)
		}
	}
	return out
}

// query runs one provider under its deadline. A provider that ignores its
// context is abandoned when the deadline passes; its goroutine exits once
// the provider returns.
func (s *Searcher) query(ctx context.Context, p Provider, entities []core.Entity) ([]core.ContextItem, error) {
	if s.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ProviderTimeout)
		defer cancel()
	}

	done := make(chan providerResult, 1)
	go func() {
		items, err := p.Search(ctx, entities)
		done <- providerResult{items: items, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, classify(ctx, res.err)
		}
		return res.items, nil
	case <-ctx.Done():
		return nil, classify(ctx, ctx.Err())
	}
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: timed out", core.ErrContextSourceUnavailable)
	}
	if errors.Is(err, core.ErrContextSourceUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrContextSourceUnavailable, err)
}

// rank normalizes, dedups, orders and caps one provider's items.
func (s *Searcher) rank(source string, items []core.ContextItem) []core.ContextItem {
	best := make(map[string]core.ContextItem, len(items))
	for _, it := range items {
		if it.TargetID == "" {
			continue
		}
		it.Source = source
		it.Relevance = core.Clamp01(it.Relevance)
		it.Similarity = core.Clamp01(it.Similarity)
		if cur, ok := best[it.TargetID]; !ok || ranksBefore(it, cur) {
			best[it.TargetID] = it
		}
	}

	out := make([]core.ContextItem, 0, len(best))
	for _, it := range best {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return ranksBefore(out[i], out[j]) })

	if len(out) > s.cfg.MaxPerSource {
		out = out[:s.cfg.MaxPerSource]
	}
	return out
}

// ranksBefore orders exact and structured matches ahead of partial ones and
// all of those ahead of similarity matches. Similarity only breaks ties.
func ranksBefore(a, b core.ContextItem) bool {
	if a.Match != b.Match {
		return a.Match < b.Match
	}
	if a.Relevance != b.Relevance {
		return a.Relevance > b.Relevance
	}
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return a.TargetID < b.TargetID
}
