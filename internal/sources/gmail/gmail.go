package gmail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/quantumlife/ponder/internal/contextsearch"
	"github.com/quantumlife/ponder/internal/core"
)

// Name is the source name mail items carry
const Name = "gmail"

// Searcher runs a Gmail query
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int64) ([]Message, error)
}

// Config bounds mailbox queries
type Config struct {
	Lookback time.Duration // only messages newer than this
	Limit    int64         // messages fetched per entity
}

// DefaultConfig returns the standard mailbox search settings
func DefaultConfig() Config {
	return Config{Lookback: 90 * 24 * time.Hour, Limit: 5}
}

// Source is a context provider over the mailbox
type Source struct {
	client Searcher
	cfg    Config
}

// New creates a Gmail source
func New(client Searcher, cfg Config) *Source {
	def := DefaultConfig()
	if cfg.Lookback <= 0 {
		cfg.Lookback = def.Lookback
	}
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	return &Source{client: client, cfg: cfg}
}

// Name implements contextsearch.Provider
func (s *Source) Name() string { return Name }

// Search queries by sender for addresses and people, by subject for
// everything else with a name. Dates and amounts are not searchable in
// mail headers.
func (s *Source) Search(ctx context.Context, entities []core.Entity) ([]core.ContextItem, error) {
	var items []core.ContextItem
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		query, ok := s.query(e)
		if !ok {
			continue
		}
		msgs, err := s.client.Search(ctx, query, s.cfg.Limit)
		if err != nil {
			return nil, fmt.Errorf("gmail lookup for %s %q: %w", e.Kind, e.Value, err)
		}
		for _, m := range msgs {
			if kind, rel, hit := match(e, m); hit {
				items = append(items, item(m, e, kind, rel))
			}
		}
	}
	return items, nil
}

func (s *Source) query(e core.Entity) (string, bool) {
	value := strings.TrimSpace(strings.ReplaceAll(e.Value, `"`, ""))
	if value == "" {
		return "", false
	}
	newer := fmt.Sprintf("newer_than:%dd", int(s.cfg.Lookback.Hours()/24))

	switch e.Kind {
	case core.EntityDate, core.EntityAmount:
		return "", false
	case core.EntityEmail:
		return fmt.Sprintf("from:%s %s", value, newer), true
	case core.EntityPerson, core.EntityOrganization:
		return fmt.Sprintf(`from:"%s" %s`, value, newer), true
	default:
		return fmt.Sprintf(`subject:"%s" %s`, value, newer), true
	}
}

// match scores a message against the entity it was fetched for. Gmail's
// own matching is looser than ours, so results are re-checked here.
func match(e core.Entity, m Message) (core.MatchKind, float64, bool) {
	switch e.Kind {
	case core.EntityEmail:
		if strings.EqualFold(strings.TrimSpace(e.Value), m.FromAddr) {
			return core.MatchExact, 1, true
		}
		return 0, 0, false
	case core.EntityPerson, core.EntityOrganization:
		if kind, rel, ok := contextsearch.MatchName(e.Value, m.FromName); ok {
			return kind, rel, true
		}
	}
	return contextsearch.MatchName(e.Value, m.Subject)
}

func item(m Message, e core.Entity, kind core.MatchKind, rel float64) core.ContextItem {
	from := m.FromAddr
	if m.FromName != "" {
		from = m.FromName
	}
	snippet := from
	if !m.Date.IsZero() {
		snippet += ", " + m.Date.Format("2 Jan 2006")
	}
	if m.Snippet != "" {
		snippet += ": " + m.Snippet
	}
	return core.ContextItem{
		Source:        Name,
		TargetID:      "gmail:" + m.ID,
		Title:         m.Subject,
		Snippet:       contextsearch.Snippet(snippet, 200),
		MatchedEntity: e,
		Match:         kind,
		Relevance:     rel,
	}
}
