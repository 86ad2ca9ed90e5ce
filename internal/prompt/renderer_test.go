package prompt

import (
	"strings"
	"testing"
	"time"

	"github.com/quantumlife/ponder/internal/core"
)

func testEvent() *core.PerceivedEvent {
	return &core.PerceivedEvent{
		ID:         "evt-1",
		Source:     core.SourceEmail,
		Sender:     "dana@acme.test",
		SenderName: "Dana Smith",
		Subject:    "Q3 report",
		Body:       "Please send the Q3 report by Friday.",
		Timestamp:  time.Date(2024, 10, 1, 9, 0, 0, 0, time.UTC),
		Hints: core.Hints{
			Project:     "Q3 Report",
			Attachments: []core.Attachment{{Name: "draft.pdf", MimeType: "application/pdf"}},
		},
	}
}

func TestRender_BlindPass(t *testing.T) {
	r := NewRenderer()
	p := r.Render(Input{PassNumber: 1, Tier: core.TierCheap, Event: testEvent()})

	if !strings.Contains(p.System, "Respond in JSON format") {
		t.Error("system prompt should describe the response schema")
	}
	for _, want := range []string{"No supporting context", "dana@acme.test (Dana Smith)", "Subject: Q3 report", "draft.pdf", "Project: Q3 Report", "by Friday"} {
		if !strings.Contains(p.User, want) {
			t.Errorf("blind prompt missing %q:\n%s", want, p.User)
		}
	}
	if strings.Contains(p.User, "Retrieved context") || strings.Contains(p.User, "Previous pass") {
		t.Error("blind prompt must not carry context or previous pass")
	}
}

func TestRender_ContextPass(t *testing.T) {
	bundle := &core.ContextBundle{
		Items: map[string][]core.ContextItem{
			"notes": {{
				Source:        "notes",
				TargetID:      "note-7",
				Title:         "Q3 Report",
				Snippet:       "Owner: Dana. Due early October.",
				MatchedEntity: core.Entity{Kind: core.EntityProject, Value: "Q3 Report"},
				Match:         core.MatchExact,
				Relevance:     1,
			}},
		},
		Excluded: map[string]string{"gmail": "timeout"},
	}
	prev := &core.PassResult{
		PassNumber:       1,
		Tier:             core.TierCheap,
		Action:           core.SuggestedAction{Kind: core.ActionTask},
		ActionConfidence: 0.65,
		Extractions: []core.Extraction{
			{Type: core.ExtractionDeadline, NoteAction: core.NoteActionEnrich, TargetNote: "Q3 Report", Info: "due Friday", Confidence: 0.7},
		},
		Rationale: "explicit request",
	}

	p := NewRenderer().Render(Input{PassNumber: 2, Tier: core.TierCheap, Event: testEvent(), Context: bundle, Previous: prev})

	for _, want := range []string{
		"Analysis pass 2",
		"[notes]",
		`Q3 Report (matched project "Q3 Report", exact, relevance 1.00)`,
		"Unavailable sources (do not assume absence of records): gmail",
		"Previous pass (1, cheap tier): action task, confidence 0.65",
		"[deadline/enrich-existing -> Q3 Report] due Friday",
		"Rationale: explicit request",
	} {
		if !strings.Contains(p.User, want) {
			t.Errorf("context prompt missing %q:\n%s", want, p.User)
		}
	}
}

func TestRender_SkipsDegradedPrevious(t *testing.T) {
	prev := &core.PassResult{PassNumber: 1, Tier: core.TierCheap, Degraded: core.DegradedModelTimeout}
	p := NewRenderer().Render(Input{PassNumber: 2, Tier: core.TierMid, Event: testEvent(), Context: core.EmptyBundle(), Previous: prev})

	if strings.Contains(p.User, "Previous pass") {
		t.Error("a zero-information pass should not be summarized")
	}
}

func TestRender_IsPure(t *testing.T) {
	r := NewRenderer()
	in := Input{PassNumber: 1, Event: testEvent()}
	if r.Render(in) != r.Render(in) {
		t.Error("Render() is not deterministic")
	}
}

func TestRender_TruncatesLongBody(t *testing.T) {
	ev := testEvent()
	ev.Body = strings.Repeat("x", 10000)

	p := NewRenderer().Render(Input{PassNumber: 1, Event: ev})
	if strings.Count(p.User, "x") > 4100 {
		t.Error("body was not truncated")
	}
}
