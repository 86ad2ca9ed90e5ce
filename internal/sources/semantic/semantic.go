// Package semantic finds notes by embedding similarity. Its items only
// break ties between structured matches from other sources.
package semantic

import (
	"context"
	"fmt"
	"strings"

	"github.com/quantumlife/ponder/internal/contextsearch"
	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/logging"
	"github.com/quantumlife/ponder/internal/storage"
	"github.com/quantumlife/ponder/internal/vectors"
)

// Name is the source name semantic items carry
const Name = "semantic"

// Payload keys stored with each vector
const (
	payloadNoteID = "note_id"
	payloadTitle  = "title"
	payloadKind   = "kind"
	payloadText   = "snippet"
)

// Embedder turns text into a vector
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Index is the vector index the source queries and maintains
type Index interface {
	Search(ctx context.Context, vector []float32, limit uint64, minScore float32, filter map[string]interface{}) ([]vectors.SearchResult, error)
	Upsert(ctx context.Context, points []vectors.Point) error
	Delete(ctx context.Context, ids []string) error
}

// Config tunes similarity search
type Config struct {
	Limit    uint64  // nearest neighbours fetched
	MinScore float32 // cosine similarity floor
}

// DefaultConfig returns the standard similarity settings
func DefaultConfig() Config {
	return Config{Limit: 5, MinScore: 0.6}
}

// Source is a similarity-based context provider
type Source struct {
	embedder Embedder
	index    Index
	cfg      Config
}

// New creates a semantic source
func New(e Embedder, idx Index, cfg Config) *Source {
	def := DefaultConfig()
	if cfg.Limit == 0 {
		cfg.Limit = def.Limit
	}
	if cfg.MinScore <= 0 {
		cfg.MinScore = def.MinScore
	}
	return &Source{embedder: e, index: idx, cfg: cfg}
}

// Name implements contextsearch.Provider
func (s *Source) Name() string { return Name }

// Search embeds the named entities, never raw event text, and returns the
// nearest notes. Dates and amounts carry no meaning for embeddings and are
// left to the structured sources.
func (s *Source) Search(ctx context.Context, entities []core.Entity) ([]core.ContextItem, error) {
	named := namedEntities(entities)
	if len(named) == 0 {
		return nil, nil
	}

	values := make([]string, len(named))
	for i, e := range named {
		values[i] = e.Value
	}
	vec, err := s.embedder.Embed(ctx, strings.Join(values, "; "))
	if err != nil {
		return nil, fmt.Errorf("embed entities: %w", err)
	}

	results, err := s.index.Search(ctx, vec, s.cfg.Limit, s.cfg.MinScore, nil)
	if err != nil {
		return nil, err
	}

	items := make([]core.ContextItem, 0, len(results))
	for _, r := range results {
		id, _ := r.Payload[payloadNoteID].(string)
		if id == "" {
			id = r.ID
		}
		title, _ := r.Payload[payloadTitle].(string)
		snippet, _ := r.Payload[payloadText].(string)
		score := core.Clamp01(float64(r.Score))

		items = append(items, core.ContextItem{
			Source:        Name,
			TargetID:      "note:" + id,
			Title:         title,
			Snippet:       contextsearch.Snippet(snippet, 200),
			MatchedEntity: closest(named, title),
			Match:         core.MatchSimilarity,
			Relevance:     score,
			Similarity:    score,
		})
	}
	return items, nil
}

// indexBatch bounds how many notes go into one embed request
const indexBatch = 32

// IndexNotes embeds and upserts notes so they become searchable
func (s *Source) IndexNotes(ctx context.Context, notes []*storage.Note) (int, error) {
	indexed := 0
	for start := 0; start < len(notes); start += indexBatch {
		batch := notes[start:min(start+indexBatch, len(notes))]

		texts := make([]string, len(batch))
		for i, n := range batch {
			texts[i] = noteText(n)
		}
		vecs, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return indexed, fmt.Errorf("embed notes %s..%s: %w", batch[0].ID, batch[len(batch)-1].ID, err)
		}

		points := make([]vectors.Point, len(batch))
		for i, n := range batch {
			points[i] = vectors.Point{
				ID:     n.ID,
				Vector: vecs[i],
				Payload: map[string]interface{}{
					payloadNoteID: n.ID,
					payloadTitle:  n.Title,
					payloadKind:   n.Kind,
					payloadText:   contextsearch.Snippet(n.Body, 500),
				},
			}
		}
		if err := s.index.Upsert(ctx, points); err != nil {
			return indexed, err
		}
		indexed += len(points)
	}
	logging.Info("indexed %d notes for similarity search", indexed)
	return indexed, nil
}

// noteText is what gets embedded for a note: title, aliases, then body
func noteText(n *storage.Note) string {
	text := n.Title
	if len(n.Aliases) > 0 {
		text += "; " + strings.Join(n.Aliases, "; ")
	}
	if n.Body != "" {
		text += "\n" + n.Body
	}
	return text
}

// RemoveNotes drops notes from the index
func (s *Source) RemoveNotes(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.index.Delete(ctx, ids)
}

func namedEntities(entities []core.Entity) []core.Entity {
	var out []core.Entity
	for _, e := range entities {
		switch e.Kind {
		case core.EntityDate, core.EntityAmount, core.EntityEmail:
			continue
		}
		if strings.TrimSpace(e.Value) != "" {
			out = append(out, e)
		}
	}
	return out
}

// closest picks the entity a similarity hit most plausibly answers:
// one whose name matches the title, else the first queried.
func closest(named []core.Entity, title string) core.Entity {
	best, bestKind, found := named[0], core.MatchKind(0), false
	for _, e := range named {
		kind, _, ok := contextsearch.MatchName(e.Value, title)
		if ok && (!found || kind < bestKind) {
			best, bestKind, found = e, kind, true
		}
	}
	return best
}
