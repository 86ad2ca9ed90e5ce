package vectors

import (
	"testing"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

func TestPointID(t *testing.T) {
	u := uuid.New().String()
	if got := PointID(u); got != u {
		t.Errorf("PointID(uuid) = %s, want unchanged %s", got, u)
	}

	a := PointID("note-1")
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("PointID(note-1) = %s is not a UUID", a)
	}
	if PointID("note-1") != a {
		t.Error("PointID should be deterministic")
	}
	if PointID("note-2") == a {
		t.Error("PointID should differ for different ids")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	in := map[string]interface{}{
		"title":  "Q3 Report",
		"count":  3,
		"big":    int64(7),
		"score":  0.5,
		"ratio":  float32(0.25),
		"active": true,
		"skip":   []string{"unsupported"},
	}
	out := decodePayload(encodePayload(in))

	if out["title"] != "Q3 Report" {
		t.Errorf("title = %v", out["title"])
	}
	if out["count"] != int64(3) || out["big"] != int64(7) {
		t.Errorf("ints = %v, %v, want int64", out["count"], out["big"])
	}
	if out["score"] != 0.5 || out["ratio"] != 0.25 {
		t.Errorf("floats = %v, %v", out["score"], out["ratio"])
	}
	if out["active"] != true {
		t.Errorf("active = %v", out["active"])
	}
	if _, ok := out["skip"]; ok {
		t.Error("unsupported payload types should be dropped")
	}
}

func TestBuildFilter(t *testing.T) {
	if buildFilter(nil) != nil {
		t.Error("buildFilter(nil) should be nil")
	}
	if buildFilter(map[string]interface{}{"n": 1}) != nil {
		t.Error("non-string values should not produce conditions")
	}

	f := buildFilter(map[string]interface{}{"kind": "project", "author": "dana"})
	if f == nil || len(f.Must) != 2 {
		t.Fatalf("buildFilter() = %v, want 2 conditions", f)
	}
	first := f.Must[0].GetField()
	if first.GetKey() != "author" {
		t.Errorf("first key = %s, want author (sorted)", first.GetKey())
	}
	if kw, ok := first.GetMatch().GetMatchValue().(*qdrant.Match_Keyword); !ok || kw.Keyword != "dana" {
		t.Errorf("first match = %v, want keyword dana", first.GetMatch())
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Host != "localhost" || cfg.Port != 6334 || cfg.Collection != "notes" {
		t.Errorf("DefaultConfig() = %+v", cfg)
	}
}
