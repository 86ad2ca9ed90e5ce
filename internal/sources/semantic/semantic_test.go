package semantic

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/ponder/internal/contextsearch"
	"github.com/quantumlife/ponder/internal/core"
	"github.com/quantumlife/ponder/internal/storage"
	"github.com/quantumlife/ponder/internal/testutil"
	"github.com/quantumlife/ponder/internal/vectors"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
	err   error
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{float32(len(text)), 1}, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type fakeIndex struct {
	results  []vectors.SearchResult
	err      error
	minScore float32
	upserted []vectors.Point
	deleted  []string
}

func (f *fakeIndex) Search(_ context.Context, _ []float32, _ uint64, minScore float32, _ map[string]interface{}) ([]vectors.SearchResult, error) {
	f.minScore = minScore
	return f.results, f.err
}

func (f *fakeIndex) Upsert(_ context.Context, points []vectors.Point) error {
	f.upserted = append(f.upserted, points...)
	return f.err
}

func (f *fakeIndex) Delete(_ context.Context, ids []string) error {
	f.deleted = append(f.deleted, ids...)
	return f.err
}

func TestSource_SearchEmbedsNamesOnly(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := &fakeIndex{results: []vectors.SearchResult{
		{ID: "p1", Score: 0.82, Payload: map[string]interface{}{"note_id": "deck", "title": "Board Deck", "snippet": "october meeting"}},
		{ID: "p2", Score: 0.71, Payload: map[string]interface{}{"title": "Budget"}},
	}}
	src := New(emb, idx, Config{})

	items, err := src.Search(context.Background(), []core.Entity{
		{Kind: core.EntityPerson, Value: "Dana Smith"},
		{Kind: core.EntityProject, Value: "Board Deck"},
		{Kind: core.EntityDate, Value: "2024-10-04"},
		{Kind: core.EntityAmount, Value: "1200.00"},
		{Kind: core.EntityEmail, Value: "dana@example.com"},
	})
	require.NoError(t, err)

	require.Equal(t, []string{"Dana Smith; Board Deck"}, emb.texts)
	assert.Equal(t, DefaultConfig().MinScore, idx.minScore)

	require.Len(t, items, 2)
	assert.Equal(t, "note:deck", items[0].TargetID)
	assert.Equal(t, core.MatchSimilarity, items[0].Match)
	assert.InDelta(t, 0.82, items[0].Similarity, 1e-6)
	assert.Equal(t, core.Entity{Kind: core.EntityProject, Value: "Board Deck"}, items[0].MatchedEntity)

	assert.Equal(t, "note:p2", items[1].TargetID, "falls back to the point id")
	assert.Equal(t, core.Entity{Kind: core.EntityPerson, Value: "Dana Smith"}, items[1].MatchedEntity)
}

func TestSource_NoNamedEntities(t *testing.T) {
	emb := &fakeEmbedder{}
	src := New(emb, &fakeIndex{}, DefaultConfig())

	items, err := src.Search(context.Background(), []core.Entity{{Kind: core.EntityDate, Value: "2024-10-04"}})
	require.NoError(t, err)
	assert.Empty(t, items)
	assert.Empty(t, emb.texts)
}

func TestSource_Errors(t *testing.T) {
	boom := errors.New("ollama down")
	src := New(&fakeEmbedder{err: boom}, &fakeIndex{}, DefaultConfig())
	_, err := src.Search(context.Background(), []core.Entity{{Kind: core.EntityProject, Value: "Apollo"}})
	assert.ErrorIs(t, err, boom)

	src = New(&fakeEmbedder{}, &fakeIndex{err: boom}, DefaultConfig())
	_, err = src.Search(context.Background(), []core.Entity{{Kind: core.EntityProject, Value: "Apollo"}})
	assert.ErrorIs(t, err, boom)
}

func TestSource_WorksWithSearcher(t *testing.T) {
	idx := &fakeIndex{results: []vectors.SearchResult{
		{ID: "p2", Score: 0.65, Payload: map[string]interface{}{"note_id": "budget", "title": "Budget"}},
		{ID: "p1", Score: 0.93, Payload: map[string]interface{}{"note_id": "deck", "title": "Board Deck"}},
	}}
	notes := &testutil.StaticProvider{SourceName: "notes", Items: []core.ContextItem{{
		TargetID: "note:deck", Title: "Board Deck", Match: core.MatchExact, Relevance: 1,
	}}}
	searcher := contextsearch.New(contextsearch.DefaultConfig(), notes, New(&fakeEmbedder{}, idx, DefaultConfig()))

	bundle := searcher.Search(context.Background(), []core.Entity{{Kind: core.EntityProject, Value: "Board Deck"}}, nil)
	assert.Equal(t, []string{"notes", Name}, bundle.Sources())

	sim := bundle.Items[Name]
	require.Len(t, sim, 2)
	assert.Equal(t, "note:deck", sim[0].TargetID, "higher similarity first")
	for _, it := range sim {
		assert.Equal(t, core.MatchSimilarity, it.Match)
	}
	assert.Equal(t, core.MatchExact, bundle.Items["notes"][0].Match)
}

func TestSource_IndexNotes(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := &fakeIndex{}
	src := New(emb, idx, DefaultConfig())

	n, err := src.IndexNotes(context.Background(), []*storage.Note{
		{ID: "deck", Title: "Board Deck", Kind: "project", Aliases: []string{"october deck"}, Body: "slides"},
		{ID: "dana", Title: "Dana Smith", Kind: "person"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.Len(t, idx.upserted, 2)
	assert.Equal(t, "deck", idx.upserted[0].ID)
	assert.Equal(t, "Board Deck", idx.upserted[0].Payload["title"])
	assert.Equal(t, "Board Deck; october deck\nslides", emb.texts[0])

	require.NoError(t, src.RemoveNotes(context.Background(), "deck"))
	assert.Equal(t, []string{"deck"}, idx.deleted)
	require.NoError(t, src.RemoveNotes(context.Background()))
	assert.Len(t, idx.deleted, 1)
}

func TestSource_IndexNotes_Batches(t *testing.T) {
	emb := &fakeEmbedder{}
	idx := &fakeIndex{}
	src := New(emb, idx, DefaultConfig())

	notes := make([]*storage.Note, indexBatch+8)
	for i := range notes {
		notes[i] = &storage.Note{ID: fmt.Sprintf("n%02d", i), Title: fmt.Sprintf("Note %d", i)}
	}

	n, err := src.IndexNotes(context.Background(), notes)
	require.NoError(t, err)
	assert.Equal(t, len(notes), n)
	assert.Len(t, idx.upserted, len(notes))
	assert.Equal(t, "n39", idx.upserted[len(notes)-1].ID)

	emb.err = errors.New("ollama down")
	n, err = src.IndexNotes(context.Background(), notes)
	require.Error(t, err)
	assert.Zero(t, n)
}
