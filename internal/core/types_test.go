package core

import (
	"errors"
	"fmt"
	"testing"
)

// =============================================================================
// Tier Tests
// =============================================================================

func TestTier_Next(t *testing.T) {
	tests := []struct {
		tier   Tier
		want   Tier
		wantOK bool
	}{
		{TierCheap, TierMid, true},
		{TierMid, TierTop, true},
		{TierTop, TierTop, false},
	}

	for _, tt := range tests {
		got, ok := tt.tier.Next()
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("%s.Next() = (%s, %v), want (%s, %v)", tt.tier, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestTier_TextRoundTrip(t *testing.T) {
	for _, tier := range Tiers {
		b, err := tier.MarshalText()
		if err != nil {
			t.Fatalf("MarshalText() error = %v", err)
		}
		var got Tier
		if err := got.UnmarshalText(b); err != nil {
			t.Fatalf("UnmarshalText(%q) error = %v", b, err)
		}
		if got != tier {
			t.Errorf("round trip = %s, want %s", got, tier)
		}
	}

	var bad Tier
	if err := bad.UnmarshalText([]byte("premium")); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("UnmarshalText(premium) error = %v, want ErrInvalidInput", err)
	}
}

// =============================================================================
// Parsing helpers
// =============================================================================

func TestParseExtractionType(t *testing.T) {
	tests := map[string]ExtractionType{
		"deadline":        ExtractionDeadline,
		"Scheduled Event": ExtractionScheduledEvent,
		"scheduled_event": ExtractionScheduledEvent,
		"meeting":         ExtractionScheduledEvent,
		"CONTACT-INFO":    ExtractionContactInfo,
		"goal":            ExtractionObjective,
		"horoscope":       ExtractionUnparsed,
		"":                ExtractionUnparsed,
	}

	for in, want := range tests {
		if got := ParseExtractionType(in); got != want {
			t.Errorf("ParseExtractionType(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestParseNoteAction(t *testing.T) {
	if got := ParseNoteAction("create"); got != NoteActionCreate {
		t.Errorf("ParseNoteAction(create) = %s", got)
	}
	if got := ParseNoteAction("CREATE-NEW"); got != NoteActionCreate {
		t.Errorf("ParseNoteAction(CREATE-NEW) = %s", got)
	}
	if got := ParseNoteAction("whatever"); got != NoteActionEnrich {
		t.Errorf("ParseNoteAction(whatever) = %s, want enrich", got)
	}
}

func TestConfidenceScores_Composite(t *testing.T) {
	s := ConfidenceScores{Quality: 1, TargetMatch: 1, Relevance: 0.5, Completeness: 0.5}
	got := s.Composite()
	if got < 0.7999 || got > 0.8001 {
		t.Errorf("Composite() = %v, want 0.8", got)
	}

	over := ConfidenceScores{Quality: 5, TargetMatch: 5, Relevance: 5, Completeness: 5}
	if over.Composite() != 1 {
		t.Errorf("Composite() over range = %v, want 1", over.Composite())
	}
}

// =============================================================================
// PassResult Tests
// =============================================================================

func TestPassResult_ChangedFrom(t *testing.T) {
	a := Extraction{Type: ExtractionDeadline, Info: "Report due Friday"}
	b := Extraction{Type: ExtractionRequest, Info: "Send the slides"}
	c := Extraction{Type: ExtractionFact, Info: "Budget approved"}

	prev := &PassResult{Extractions: []Extraction{a, b}}
	same := &PassResult{Extractions: []Extraction{{Type: ExtractionDeadline, Info: "  report due   FRIDAY "}, b}}
	diff := &PassResult{Extractions: []Extraction{a, c}}

	if n := same.ChangedFrom(prev); n != 0 {
		t.Errorf("ChangedFrom(same) = %d, want 0", n)
	}
	if n := diff.ChangedFrom(prev); n != 2 {
		t.Errorf("ChangedFrom(diff) = %d, want 2", n)
	}
	if n := prev.ChangedFrom(nil); n != 2 {
		t.Errorf("ChangedFrom(nil) = %d, want 2", n)
	}
}

func TestStateOf(t *testing.T) {
	history := []PassResult{
		{PassNumber: 1, Tier: TierCheap, ActionConfidence: 0.5},
		{PassNumber: 2, Tier: TierCheap, ActionConfidence: 0.6},
		{PassNumber: 3, Tier: TierMid, ActionConfidence: 0.8},
		{PassNumber: 4, Tier: TierTop, ActionConfidence: 0, Degraded: DegradedModelTimeout},
	}

	st := StateOf(history, true)
	if st.PassCount != 4 {
		t.Errorf("PassCount = %d, want 4", st.PassCount)
	}
	if st.Tier != TierTop || st.PassesAtTier != 1 {
		t.Errorf("Tier = %s/%d, want top/1", st.Tier, st.PassesAtTier)
	}
	if st.TopTierReviewed {
		t.Error("a degraded top-tier pass must not count as a review")
	}
	if fmt.Sprint(st.ConfidenceTrajectory) != "[0.5 0.6 0.8 0]" {
		t.Errorf("ConfidenceTrajectory = %v", st.ConfidenceTrajectory)
	}
}

// =============================================================================
// OrphanQuestion Tests
// =============================================================================

func TestOrphanQuestion_CloneIsDeep(t *testing.T) {
	q := &OrphanQuestion{Evidence: []Evidence{{EventID: "e1"}}}
	c := q.Clone()
	c.Evidence = append(c.Evidence, Evidence{EventID: "e2"})
	c.Evidence[0].EventID = "changed"

	if len(q.Evidence) != 1 || q.Evidence[0].EventID != "e1" {
		t.Errorf("original mutated through clone: %+v", q.Evidence)
	}
}

func TestDegradationFor(t *testing.T) {
	tests := []struct {
		err  error
		want Degradation
	}{
		{nil, ""},
		{fmt.Errorf("call: %w", ErrModelTimeout), DegradedModelTimeout},
		{ErrMalformedModelOutput, DegradedMalformedOutput},
		{errors.New("boom"), DegradedModelUnavailable},
	}
	for _, tt := range tests {
		if got := DegradationFor(tt.err); got != tt.want {
			t.Errorf("DegradationFor(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

// =============================================================================
// Fold Tests
// =============================================================================

func TestFold(t *testing.T) {
	tests := []struct {
		a, b string
	}{
		{"  Acme   Corp ", "acme corp"},
		{"Ame\u0301lie", "AMÉLIE"},
		{"Straße", "STRASSE"},
	}
	for _, tt := range tests {
		if fa, fb := Fold(tt.a), Fold(tt.b); fa != fb {
			t.Errorf("Fold(%q) = %q, Fold(%q) = %q, want equal", tt.a, fa, tt.b, fb)
		}
	}
}
