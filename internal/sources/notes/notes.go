// Package notes searches the local notes store for records matching
// extracted entities.
package notes

import (
	"context"
	"fmt"
	"time"

	"github.com/quantumlife/ponder/internal/contextsearch"
	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/storage"
)

// Name is the source name notes items carry
const Name = "notes"

// Finder is the subset of the note store the source queries
type Finder interface {
	FindByName(ctx context.Context, name string, limit int) ([]*storage.Note, error)
	FindByDue(ctx context.Context, from, to time.Time, limit int) ([]*storage.Note, error)
	FindByAmount(ctx context.Context, amount, tolerance float64, limit int) ([]*storage.Note, error)
}

// Source is a context provider over notes
type Source struct {
	finder     Finder
	dateWindow time.Duration
	limit      int
}

// Option configures a Source
type Option func(*Source)

// WithDateWindow sets how far from a date entity a due date may be
func WithDateWindow(d time.Duration) Option {
	return func(s *Source) { s.dateWindow = d }
}

// WithLimit caps the rows fetched per entity
func WithLimit(n int) Option {
	return func(s *Source) { s.limit = n }
}

// New creates a notes source
func New(f Finder, opts ...Option) *Source {
	s := &Source{finder: f, dateWindow: 72 * time.Hour, limit: 20}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Name implements contextsearch.Provider
func (s *Source) Name() string { return Name }

// Search looks every entity up by its kind: names by title and alias,
// dates by due date proximity, amounts by equality.
func (s *Source) Search(ctx context.Context, entities []core.Entity) ([]core.ContextItem, error) {
	var items []core.ContextItem
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			found []core.ContextItem
			err   error
		)
		switch e.Kind {
		case core.EntityDate:
			found, err = s.byDate(ctx, e)
		case core.EntityAmount:
			found, err = s.byAmount(ctx, e)
		default:
			found, err = s.byName(ctx, e)
		}
		if err != nil {
			return nil, fmt.Errorf("notes lookup for %s %q: %w", e.Kind, e.Value, err)
		}
		items = append(items, found...)
	}
	return items, nil
}

func (s *Source) byName(ctx context.Context, e core.Entity) ([]core.ContextItem, error) {
	notes, err := s.finder.FindByName(ctx, e.Value, s.limit)
	if err != nil {
		return nil, err
	}
	var items []core.ContextItem
	for _, n := range notes {
		kind, rel, ok := bestName(e.Value, n)
		if !ok {
			continue
		}
		items = append(items, item(n, e, kind, rel))
	}
	return items, nil
}

// bestName scores the title and every alias and keeps the best match
func bestName(value string, n *storage.Note) (core.MatchKind, float64, bool) {
	kind, rel, ok := contextsearch.MatchName(value, n.Title)
	for _, alias := range n.Aliases {
		k, r, hit := contextsearch.MatchName(value, alias)
		if !hit {
			continue
		}
		if !ok || k < kind || (k == kind && r > rel) {
			kind, rel, ok = k, r, true
		}
	}
	return kind, rel, ok
}

func (s *Source) byDate(ctx context.Context, e core.Entity) ([]core.ContextItem, error) {
	want, ok := contextsearch.ParseDate(e.Value)
	if !ok {
		return nil, nil
	}
	notes, err := s.finder.FindByDue(ctx, want.Add(-s.dateWindow), want.Add(s.dateWindow), s.limit)
	if err != nil {
		return nil, err
	}
	var items []core.ContextItem
	for _, n := range notes {
		if n.Due == nil {
			continue
		}
		if kind, rel, ok := contextsearch.MatchDate(want, *n.Due, s.dateWindow); ok {
			items = append(items, item(n, e, kind, rel))
		}
	}
	return items, nil
}

func (s *Source) byAmount(ctx context.Context, e core.Entity) ([]core.ContextItem, error) {
	want, ok := contextsearch.ParseAmount(e.Value)
	if !ok {
		return nil, nil
	}
	notes, err := s.finder.FindByAmount(ctx, want, 0.005, s.limit)
	if err != nil {
		return nil, err
	}
	var items []core.ContextItem
	for _, n := range notes {
		if n.Amount == nil {
			continue
		}
		if kind, rel, ok := contextsearch.MatchAmount(want, *n.Amount); ok {
			items = append(items, item(n, e, kind, rel))
		}
	}
	return items, nil
}

func item(n *storage.Note, e core.Entity, kind core.MatchKind, rel float64) core.ContextItem {
	snippet := n.Body
	if n.Kind != "" {
		snippet = n.Kind + ": " + snippet
	}
	return core.ContextItem{
		Source:        Name,
		TargetID:      "note:" + n.ID,
		Title:         n.Title,
		Snippet:       contextsearch.Snippet(snippet, 200),
		MatchedEntity: e,
		Match:         kind,
		Relevance:     rel,
	}
}
