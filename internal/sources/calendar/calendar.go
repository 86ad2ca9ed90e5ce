package calendar

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantumlife/ponder/internal/contextsearch"
	"github.com/quantumlife/ponder/internal/core"
)

// Name is the source name calendar items carry
const Name = "calendar"

// Lister lists calendar events
type Lister interface {
	ListEvents(ctx context.Context, from, to time.Time, query string, maxResults int64) ([]Event, error)
}

// Config bounds calendar queries
type Config struct {
	DateWindow time.Duration // around a date entity
	Lookback   time.Duration // name searches, before now
	Lookahead  time.Duration // name searches, after now
	Limit      int64
}

// DefaultConfig returns the standard calendar search settings
func DefaultConfig() Config {
	return Config{
		DateWindow: 72 * time.Hour,
		Lookback:   30 * 24 * time.Hour,
		Lookahead:  60 * 24 * time.Hour,
		Limit:      10,
	}
}

// Source is a context provider over calendar events
type Source struct {
	lister Lister
	cfg    Config
	now    func() time.Time
}

// New creates a calendar source
func New(l Lister, cfg Config) *Source {
	def := DefaultConfig()
	if cfg.DateWindow <= 0 {
		cfg.DateWindow = def.DateWindow
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = def.Lookahead
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	return &Source{lister: l, cfg: cfg, now: time.Now}
}

// Name implements contextsearch.Provider
func (s *Source) Name() string { return Name }

// Search finds events near date entities, and events whose attendees or
// summary match the named ones.
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
		case core.EntityAmount:
			continue
		case core.EntityDate:
			found, err = s.byDate(ctx, e)
		default:
			found, err = s.byName(ctx, e)
		}
		if err != nil {
			return nil, fmt.Errorf("calendar lookup for %s %q: %w", e.Kind, e.Value, err)
		}
		items = append(items, found...)
	}
	return items, nil
}

func (s *Source) byDate(ctx context.Context, e core.Entity) ([]core.ContextItem, error) {
	want, ok := contextsearch.ParseDate(e.Value)
	if !ok {
		return nil, nil
	}
	events, err := s.lister.ListEvents(ctx, want.Add(-s.cfg.DateWindow), want.Add(s.cfg.DateWindow), "", s.cfg.Limit)
	if err != nil {
		return nil, err
	}
	var items []core.ContextItem
	for _, ev := range events {
		if kind, rel, ok := contextsearch.MatchDate(want, ev.Start, s.cfg.DateWindow); ok {
			items = append(items, item(ev, e, kind, rel))
		}
	}
	return items, nil
}

func (s *Source) byName(ctx context.Context, e core.Entity) ([]core.ContextItem, error) {
	value := strings.TrimSpace(e.Value)
	if value == "" {
		return nil, nil
	}
	now := s.now()
	events, err := s.lister.ListEvents(ctx, now.Add(-s.cfg.Lookback), now.Add(s.cfg.Lookahead), value, s.cfg.Limit)
	if err != nil {
		return nil, err
	}
	var items []core.ContextItem
	for _, ev := range events {
		if kind, rel, ok := match(e, ev); ok {
			items = append(items, item(ev, e, kind, rel))
		}
	}
	return items, nil
}

// match checks attendees first for people and addresses, then the summary
func match(e core.Entity, ev Event) (core.MatchKind, float64, bool) {
	switch e.Kind {
	case core.EntityEmail:
		for _, a := range ev.Attendees {
			if strings.EqualFold(strings.TrimSpace(e.Value), a.Email) {
				return core.MatchExact, 1, true
			}
		}
		return 0, 0, false
	case core.EntityPerson:
		var (
			best   core.MatchKind
			bestRe float64
			found  bool
		)
		for _, a := range ev.Attendees {
			kind, rel, ok := contextsearch.MatchName(e.Value, a.DisplayName)
			if ok && (!found || kind < best || (kind == best && rel > bestRe)) {
				best, bestRe, found = kind, rel, true
			}
		}
		if found {
			return best, bestRe, true
		}
	}
	return contextsearch.MatchName(e.Value, ev.Summary)
}

func item(ev Event, e core.Entity, kind core.MatchKind, rel float64) core.ContextItem {
	when := ev.Start.Format("Mon 2 Jan 2006 15:04")
	if ev.AllDay {
		when = ev.Start.Format("Mon 2 Jan 2006") + " (all day)"
	}
	snippet := when
	if len(ev.Attendees) > 0 {
		names := make([]string, 0, len(ev.Attendees))
		for _, a := range ev.Attendees {
			if a.DisplayName != "" {
				names = append(names, a.DisplayName)
			} else {
				names = append(names, a.Email)
			}
		}
		snippet += " with " + strings.Join(names, ", ")
	}
	if ev.Location != "" {
		snippet += " at " + ev.Location
	}
	return core.ContextItem{
		Source:        Name,
		TargetID:      "calendar:" + ev.ID,
		Title:         ev.Summary,
		Snippet:       contextsearch.Snippet(snippet, 200),
		MatchedEntity: e,
		Match:         kind,
		Relevance:     rel,
	}
}
