package analyzer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantumlife/ponder/internal/core"
)

func TestParseResponse_Full(t *testing.T) {
	text := "Here is my analysis:\n```json\n" + `{
  "action": {"kind": "Task", "description": "Prepare the Q3 report"},
  "action_confidence": 0.82,
  "rationale": "Explicit request",
  "extractions": [
    {
      "type": "deadline",
      "info": "Q3 report due 2024-10-04",
      "target_note": "Q3 Report",
      "target_type": "Project",
      "note_action": "enrich-existing",
      "importance": "high",
      "date": "2024-10-04",
      "confidence": 0.91,
      "entities": [{"kind": "Person", "value": " Dana Smith "}]
    },
    {
      "type": "Scheduled Event",
      "info": "review call",
      "note_action": "create-new",
      "scores": {"quality": 1, "target_match": 1, "relevance": 0.5, "completeness": 0.5},
      "amount": "$1,200.00",
      "required": false
    }
  ]
}` + "\n```"

	out, err := parseResponse(text)
	require.NoError(t, err)

	assert.Equal(t, core.ActionTask, out.Action.Kind)
	assert.Equal(t, 0.82, out.Confidence)
	require.Len(t, out.Extractions, 2)

	dl := out.Extractions[0]
	assert.Equal(t, core.ExtractionDeadline, dl.Type)
	assert.Equal(t, "project", dl.TargetType)
	assert.Equal(t, core.ImportanceHigh, dl.Importance)
	assert.Equal(t, 0.91, dl.Confidence)
	require.NotNil(t, dl.Date)
	assert.Equal(t, "2024-10-04", dl.Date.Format("2006-01-02"))
	assert.Equal(t, []core.Entity{{Kind: core.EntityPerson, Value: "Dana Smith"}}, dl.Entities)
	assert.Nil(t, dl.RequiredOverride)

	ev := out.Extractions[1]
	assert.Equal(t, core.ExtractionScheduledEvent, ev.Type)
	assert.True(t, ev.IsCreation())
	assert.InDelta(t, 0.8, ev.Confidence, 1e-9, "composite of sub-scores")
	assert.Equal(t, 1200.0, ev.Amount)
	require.NotNil(t, ev.RequiredOverride)
	assert.False(t, *ev.RequiredOverride)
}

func TestParseResponse_UnknownTypeIsUnparsed(t *testing.T) {
	out, err := parseResponse(`{"action_confidence": 0.5, "extractions": [
		{"type": "horoscope", "info": "lucky day", "confidence": 0.99, "required": true},
		{"type": 42}
	]}`)
	require.NoError(t, err)
	require.Len(t, out.Extractions, 2)

	for _, x := range out.Extractions {
		assert.Equal(t, core.ExtractionUnparsed, x.Type)
		assert.Zero(t, x.Confidence)
		assert.Nil(t, x.RequiredOverride)
	}
	assert.Contains(t, out.Extractions[0].Info, "horoscope")
}

func TestParseResponse_Malformed(t *testing.T) {
	for name, text := range map[string]string{
		"no json":            "I cannot help with that.",
		"broken json":        `{"action_confidence": 0.9, "extractions": [}`,
		"missing confidence": `{"action": {"kind": "task"}, "extractions": []}`,
		"reversed braces":    "} nothing {",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseResponse(text)
			assert.ErrorIs(t, err, core.ErrMalformedModelOutput)
		})
	}
}

func TestParseResponse_ClampsAndDefaults(t *testing.T) {
	out, err := parseResponse(`{"action": {"kind": "dance"}, "action_confidence": 1.7,
		"extractions": [{"type": "fact", "info": "x", "confidence": -2, "importance": "urgent", "note_action": "???"}]}`)
	require.NoError(t, err)

	assert.Equal(t, core.ActionNone, out.Action.Kind)
	assert.Equal(t, 1.0, out.Confidence)
	x := out.Extractions[0]
	assert.Equal(t, 0.0, x.Confidence)
	assert.Equal(t, core.ImportanceMedium, x.Importance)
	assert.Equal(t, core.NoteActionEnrich, x.NoteAction)
}
