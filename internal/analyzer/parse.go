package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/quantumlife/ponder/internal/contextsearch"
	"github.com/quantumlife/ponder/internal/core"
)

// parsed is a model response mapped onto core types
type parsed struct {
	Action      core.SuggestedAction
	Confidence  float64
	Rationale   string
	Extractions []core.Extraction
}

type wireEntity struct {
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

type wireExtraction struct {
	Type       string                 `json:"type"`
	Info       string                 `json:"info"`
	TargetNote string                 `json:"target_note"`
	TargetType string                 `json:"target_type"`
	NoteAction string                 `json:"note_action"`
	Importance string                 `json:"importance"`
	Date       string                 `json:"date"`
	Amount     interface{}            `json:"amount"`
	Currency   string                 `json:"currency"`
	Confidence *float64               `json:"confidence"`
	Required   *bool                  `json:"required"`
	Scores     *core.ConfidenceScores `json:"scores"`
	Entities   []wireEntity           `json:"entities"`
}

// parseResponse maps a raw model reply onto core types. Unknown extraction
// types become ExtractionUnparsed rather than failing the pass; a reply with
// no JSON object or no action confidence is malformed.
func parseResponse(response string) (*parsed, error) {
	// Extract JSON from response
	jsonStart := strings.Index(response, "{")
	jsonEnd := strings.LastIndex(response, "}")
	if jsonStart == -1 || jsonEnd < jsonStart {
		return nil, fmt.Errorf("%w: no JSON found in response", core.ErrMalformedModelOutput)
	}
	jsonStr := response[jsonStart : jsonEnd+1]

	var raw struct {
		Action struct {
			Kind        string `json:"kind"`
			Description string `json:"description"`
		} `json:"action"`
		ActionConfidence *float64         `json:"action_confidence"`
		Rationale        string           `json:"rationale"`
		Extractions      []json.RawMessage `json:"extractions"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrMalformedModelOutput, err)
	}
	if raw.ActionConfidence == nil {
		return nil, fmt.Errorf("%w: missing action_confidence", core.ErrMalformedModelOutput)
	}

	out := &parsed{
		Action: core.SuggestedAction{
			Kind:        parseActionKind(raw.Action.Kind),
			Description: strings.TrimSpace(raw.Action.Description),
		},
		Confidence: core.Clamp01(*raw.ActionConfidence),
		Rationale:  strings.TrimSpace(raw.Rationale),
	}

	for _, msg := range raw.Extractions {
		out.Extractions = append(out.Extractions, parseExtraction(msg))
	}
	return out, nil
}

// parseExtraction never fails: anything it cannot read becomes an unparsed
// extraction with zero confidence.
func parseExtraction(msg json.RawMessage) core.Extraction {
	var w wireExtraction
	if err := json.Unmarshal(msg, &w); err != nil {
		return core.Extraction{
			Type:       core.ExtractionUnparsed,
			Info:       truncate(string(msg), 200),
			NoteAction: core.NoteActionEnrich,
			Importance: core.ImportanceLow,
		}
	}

	x := core.Extraction{
		Type:             core.ParseExtractionType(w.Type),
		Info:             strings.TrimSpace(w.Info),
		TargetNote:       strings.TrimSpace(w.TargetNote),
		TargetType:       strings.ToLower(strings.TrimSpace(w.TargetType)),
		NoteAction:       core.ParseNoteAction(w.NoteAction),
		Importance:       core.ParseImportance(w.Importance),
		RequiredOverride: w.Required,
		Currency:         strings.ToUpper(strings.TrimSpace(w.Currency)),
	}
	if x.Type == core.ExtractionUnparsed {
		x.Info = strings.TrimSpace(w.Type + ": " + x.Info)
		x.RequiredOverride = nil
		return x
	}

	if w.Scores != nil {
		x.Scores = *w.Scores
	}
	switch {
	case w.Confidence != nil:
		x.Confidence = core.Clamp01(*w.Confidence)
	case !x.Scores.IsZero():
		x.Confidence = x.Scores.Composite()
	}

	if v, ok := parseAmount(w.Amount); ok && v > 0 {
		x.Amount = v
	}
	if d, ok := parseDate(w.Date); ok {
		x.Date = &d
	}
	for _, e := range w.Entities {
		if v := strings.TrimSpace(e.Value); v != "" {
			x.Entities = append(x.Entities, core.Entity{Kind: core.EntityKind(strings.ToLower(strings.TrimSpace(e.Kind))), Value: v})
		}
	}
	return x
}

// parseAmount accepts numbers and numeric strings ("1,200.00", "$50")
func parseAmount(v interface{}) (float64, bool) {
	switch a := v.(type) {
	case float64:
		return a, true
	case string:
		return contextsearch.ParseAmount(a)
	default:
		return 0, false
	}
}

func parseActionKind(s string) core.ActionKind {
	k := core.ActionKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case core.ActionArchive, core.ActionReply, core.ActionTask, core.ActionSchedule,
		core.ActionNote, core.ActionFlag, core.ActionIgnore:
		return k
	default:
		return core.ActionNone
	}
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
