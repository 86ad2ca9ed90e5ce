// Package prompt renders analysis prompts for the model gateway.
package prompt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/quantumlife/ponder/internal/core"
)

// Input is everything one pass's prompt is built from
type Input struct {
	PassNumber int
	Tier       core.Tier
	Event      *core.PerceivedEvent
	Context    *core.ContextBundle // nil or empty on the blind pass
	Previous   *core.PassResult    // nil on pass 1
}

// Renderer builds prompts. Render is pure.
type Renderer struct {
	maxBody    int
	maxSnippet int
}

// NewRenderer creates the default renderer
func NewRenderer() *Renderer {
	return &Renderer{maxBody: 4000, maxSnippet: 300}
}

// Render builds the prompt for one pass
func (r *Renderer) Render(in Input) core.Prompt {
	return core.Prompt{
		System: systemPrompt,
		User:   r.user(in),
	}
}

func (r *Renderer) user(in Input) string {
	var sb strings.Builder
	ev := in.Event

	if in.PassNumber <= 1 || in.Context.Len() == 0 && in.Previous == nil {
		sb.WriteString("Analyze this event. No supporting context has been retrieved yet; extract what the event itself states.\n\n")
	} else {
		fmt.Fprintf(&sb, "Analysis pass %d. Re-analyze the event using the retrieved context and the previous pass below.\n\n", in.PassNumber)
	}

	// Event details
	fmt.Fprintf(&sb, "Source: %s\n", ev.Source)
	fmt.Fprintf(&sb, "From: %s", ev.Sender)
	if ev.SenderName != "" {
		fmt.Fprintf(&sb, " (%s)", ev.SenderName)
	}
	sb.WriteString("\n")
	if ev.Subject != "" {
		fmt.Fprintf(&sb, "Subject: %s\n", ev.Subject)
	}
	fmt.Fprintf(&sb, "Date: %s\n", ev.Timestamp.Format(time.RFC3339))
	if ev.Hints.Project != "" {
		fmt.Fprintf(&sb, "Project: %s\n", ev.Hints.Project)
	}
	if len(ev.Hints.Attachments) > 0 {
		names := make([]string, len(ev.Hints.Attachments))
		for i, a := range ev.Hints.Attachments {
			names[i] = fmt.Sprintf("%s (%s)", a.Name, a.MimeType)
		}
		fmt.Fprintf(&sb, "Attachments: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(&sb, "\nBody:\n%s\n", truncate(ev.Body, r.maxBody))

	// Retrieved context, per source in ranked order
	if in.Context.Len() > 0 {
		sb.WriteString("\n---\nRetrieved context:\n")
		for _, source := range in.Context.Sources() {
			fmt.Fprintf(&sb, "[%s]\n", source)
			for _, it := range in.Context.Items[source] {
				title := it.Title
				if title == "" {
					title = it.TargetID
				}
				fmt.Fprintf(&sb, "- %s (matched %s %q, %s, relevance %.2f): %s\n",
					title, it.MatchedEntity.Kind, it.MatchedEntity.Value, it.Match,
					it.Relevance, truncate(it.Snippet, r.maxSnippet))
			}
		}
	}
	if in.Context != nil && len(in.Context.Excluded) > 0 {
		sb.WriteString("\nUnavailable sources (do not assume absence of records):")
		for _, source := range sortedKeys(in.Context.Excluded) {
			fmt.Fprintf(&sb, " %s", source)
		}
		sb.WriteString("\n")
	}

	// Previous pass summary
	if p := in.Previous; p != nil && p.Usable() {
		fmt.Fprintf(&sb, "\n---\nPrevious pass (%d, %s tier): action %s, confidence %.2f\n",
			p.PassNumber, p.Tier, p.Action.Kind, p.ActionConfidence)
		for _, e := range p.Extractions {
			target := ""
			if e.TargetNote != "" {
				target = " -> " + e.TargetNote
			}
			fmt.Fprintf(&sb, "- [%s/%s%s] %s (confidence %.2f)\n", e.Type, e.NoteAction, target, truncate(e.Info, 200), e.Confidence)
		}
		if p.Rationale != "" {
			fmt.Fprintf(&sb, "Rationale: %s\n", truncate(p.Rationale, 500))
		}
		sb.WriteString("Confirm, correct or drop each item. Only raise a confidence when the context supports it.\n")
	}

	return sb.String()
}

const systemPrompt = `You are an analyst that mines events (emails, messages) for durable information and decides what to do with them.

Return:
1. Extractions: each a typed unit of information, linked to the record it enriches.
2. The suggested action for the whole event with your confidence (0-1).
3. A brief rationale.

Extraction types: fact, decision, commitment, deadline, scheduled-event, relation, contact-info,
amount, reference, request, quote, objective, skill, preference.

note_action is "enrich-existing" when target_note names a record that already exists in the
retrieved context, otherwise "create-new". Never invent context.

Score each extraction with sub-scores in [0,1]: quality, target_match, relevance, completeness.
Set "required" only when you are sure the default for the type should be overridden.

Respond in JSON format:
{
  "action": {"kind": "task", "description": "Prepare the Q3 report"},
  "action_confidence": 0.82,
  "rationale": "Explicit request with a dated deadline",
  "extractions": [
    {
      "type": "deadline",
      "info": "Q3 report due 2024-10-04",
      "target_note": "Q3 Report",
      "target_type": "project",
      "note_action": "enrich-existing",
      "importance": "high",
      "date": "2024-10-04",
      "scores": {"quality": 0.9, "target_match": 0.8, "relevance": 0.9, "completeness": 0.8},
      "entities": [{"kind": "person", "value": "Dana Smith"}]
    }
  ]
}

Action kinds: archive, reply, task, schedule, note, flag, ignore, none.`

// Helper functions
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
