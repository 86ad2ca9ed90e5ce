// Package vectors stores note embeddings in a single Qdrant collection.
package vectors

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/quantumlife/ponder/internal/logging"
)

// Config selects the Qdrant endpoint and collection
type Config struct {
	Host       string
	Port       int // gRPC port
	UseTLS     bool
	APIKey     string
	Collection string
}

// DefaultConfig targets a local Qdrant and the "notes" collection
func DefaultConfig() Config {
	return Config{Host: "localhost", Port: 6334, Collection: "notes"}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Host == "" {
		c.Host = def.Host
	}
	if c.Port == 0 {
		c.Port = def.Port
	}
	if c.Collection == "" {
		c.Collection = def.Collection
	}
	return c
}

// Point is one stored vector keyed by a record id
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]interface{}
}

// SearchResult is a scored hit. ID is the Qdrant point UUID, not the
// record id; callers keep the record id in the payload.
type SearchResult struct {
	ID      string
	Score   float32
	Payload map[string]interface{}
}

// Store is a collection-scoped Qdrant client
type Store struct {
	client     *qdrant.Client
	collection string
}

// NewStore dials Qdrant. The collection is not touched until
// EnsureCollection.
func NewStore(cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		UseTLS: cfg.UseTLS,
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("qdrant %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	return &Store{client: client, collection: cfg.Collection}, nil
}

// Close releases the gRPC connection
func (s *Store) Close() error { return s.client.Close() }

// Collection is the collection this store reads and writes
func (s *Store) Collection() string { return s.collection }

// EnsureCollection creates a cosine collection of the given dimension
// when it is missing. An existing collection is left as is.
func (s *Store) EnsureCollection(ctx context.Context, dimension uint64) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("qdrant: check collection %q: %w", s.collection, err)
	}
	if exists {
		return nil
	}

	params := &qdrant.VectorParams{Size: dimension, Distance: qdrant.Distance_Cosine}
	if err := s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig:  qdrant.NewVectorsConfig(params),
	}); err != nil {
		return fmt.Errorf("qdrant: create collection %q: %w", s.collection, err)
	}

	logging.WithFields(map[string]interface{}{
		"collection": s.collection,
		"dimension":  dimension,
	}).Info("created vector collection")
	return nil
}

// PointID maps a record id onto the UUID space Qdrant requires. UUIDs
// pass through; anything else gets a stable name-based UUID.
func PointID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("ponder:"+id)).String()
}

func pointIDs(ids []string) []*qdrant.PointId {
	out := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		out[i] = qdrant.NewIDUUID(PointID(id))
	}
	return out
}

// Upsert writes points, replacing any with the same record id
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	structs := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		structs = append(structs, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(p.ID)),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: encodePayload(p.Payload),
		})
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         structs,
	}); err != nil {
		return fmt.Errorf("qdrant: upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search returns up to limit nearest points, best first. A positive
// minScore is pushed down as the score threshold. String values in
// filter become exact keyword matches.
func (s *Store) Search(ctx context.Context, vector []float32, limit uint64, minScore float32, filter map[string]interface{}) ([]SearchResult, error) {
	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
		Filter:         buildFilter(filter),
	}
	if minScore > 0 {
		req.ScoreThreshold = &minScore
	}

	hits, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant: query %q: %w", s.collection, err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, h := range hits {
		results = append(results, SearchResult{
			ID:      h.GetId().GetUuid(),
			Score:   h.GetScore(),
			Payload: decodePayload(h.GetPayload()),
		})
	}
	return results, nil
}

// Delete removes the points for the given record ids
func (s *Store) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Points:         qdrant.NewPointsSelector(pointIDs(ids)...),
	}); err != nil {
		return fmt.Errorf("qdrant: delete %d points: %w", len(ids), err)
	}
	return nil
}

// encodePayload keeps scalar values only. Integers widen to int64 and
// floats to float64, which is what decodePayload hands back.
func encodePayload(in map[string]interface{}) map[string]*qdrant.Value {
	out := make(map[string]*qdrant.Value, len(in))
	for k, v := range in {
		var val *qdrant.Value
		switch x := v.(type) {
		case string:
			val = qdrant.NewValueString(x)
		case bool:
			val = qdrant.NewValueBool(x)
		case int:
			val = qdrant.NewValueInt(int64(x))
		case int64:
			val = qdrant.NewValueInt(x)
		case float32:
			val = qdrant.NewValueDouble(float64(x))
		case float64:
			val = qdrant.NewValueDouble(x)
		default:
			continue
		}
		out[k] = val
	}
	return out
}

func decodePayload(in map[string]*qdrant.Value) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		switch x := v.GetKind().(type) {
		case *qdrant.Value_StringValue:
			out[k] = x.StringValue
		case *qdrant.Value_BoolValue:
			out[k] = x.BoolValue
		case *qdrant.Value_IntegerValue:
			out[k] = x.IntegerValue
		case *qdrant.Value_DoubleValue:
			out[k] = x.DoubleValue
		}
	}
	return out
}

// buildFilter ANDs keyword matches in key order so equal filters yield
// equal requests. Non-string values are ignored.
func buildFilter(filter map[string]interface{}) *qdrant.Filter {
	keys := make([]string, 0, len(filter))
	for k, v := range filter {
		if _, ok := v.(string); ok {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	must := make([]*qdrant.Condition, len(keys))
	for i, k := range keys {
		must[i] = qdrant.NewMatch(k, filter[k].(string))
	}
	return &qdrant.Filter{Must: must}
}
