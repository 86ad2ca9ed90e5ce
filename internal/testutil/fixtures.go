package testutil

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/quantumlife/ponder/internal/core"
)

// RandomID generates a random ID for testing.
func RandomID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return hex.EncodeToString(bytes)
}

// FixedTime is the timestamp fixtures use so tests are reproducible.
var FixedTime = time.Date(2024, 9, 30, 9, 0, 0, 0, time.UTC)

// EventFixture returns a plain email event.
func EventFixture() *core.PerceivedEvent {
	return &core.PerceivedEvent{
		ID:         core.EventID("evt-" + RandomID()),
		Source:     core.SourceEmail,
		Sender:     "dana@example.com",
		SenderName: "Dana Smith",
		Subject:    "Q3 report",
		Body:       "Hi, could you send me the Q3 report by Friday? Thanks, Dana",
		Timestamp:  FixedTime,
	}
}

// ProjectEventFixture returns an event that originates from project.
func ProjectEventFixture(project, sender string) *core.PerceivedEvent {
	ev := EventFixture()
	ev.Sender = sender
	ev.Hints.Project = project
	return ev
}

// AmountEventFixture returns an invoice-style event carrying amount as a hint.
func AmountEventFixture(amount float64) *core.PerceivedEvent {
	ev := EventFixture()
	ev.Sender = "billing@vendor.example"
	ev.SenderName = "Vendor Billing"
	ev.Subject = "Invoice"
	ev.Body = "Please wire the attached invoice amount by end of month."
	ev.Hints.Amounts = []float64{amount}
	return ev
}

// -----------------------------------------------------------------------------
// Model replies
// -----------------------------------------------------------------------------

// ModelExtraction is one extraction as the model writes it
type ModelExtraction struct {
	Type       string        `json:"type"`
	Info       string        `json:"info"`
	TargetNote string        `json:"target_note,omitempty"`
	TargetType string        `json:"target_type,omitempty"`
	NoteAction string        `json:"note_action,omitempty"`
	Importance string        `json:"importance,omitempty"`
	Date       string        `json:"date,omitempty"`
	Amount     float64       `json:"amount,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Required   *bool         `json:"required,omitempty"`
	Entities   []core.Entity `json:"entities,omitempty"`
}

// ModelReply is a full model response
type ModelReply struct {
	Action      ModelAction       `json:"action"`
	Confidence  float64           `json:"action_confidence"`
	Rationale   string            `json:"rationale,omitempty"`
	Extractions []ModelExtraction `json:"extractions"`
}

// ModelAction is the suggested action in a model reply
type ModelAction struct {
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// JSON renders the reply as the model would return it
func (r ModelReply) JSON() string {
	b, err := json.Marshal(r)
	if err != nil {
		panic(err)
	}
	return string(b)
}

// Reply builds a task reply with the given confidence and extractions
func Reply(confidence float64, extractions ...ModelExtraction) string {
	return ModelReply{
		Action:      ModelAction{Kind: "task", Description: "follow up"},
		Confidence:  confidence,
		Rationale:   "fixture",
		Extractions: extractions,
	}.JSON()
}

// Enrich is an enrich-existing extraction of typ with confidence
func Enrich(typ, info, target string, importance string, confidence float64) ModelExtraction {
	return ModelExtraction{
		Type:       typ,
		Info:       info,
		TargetNote: target,
		TargetType: "project",
		NoteAction: string(core.NoteActionEnrich),
		Importance: importance,
		Confidence: confidence,
	}
}

// Create is a create-new extraction proposing a record named target
func Create(typ, info, target, targetType string, confidence float64) ModelExtraction {
	return ModelExtraction{
		Type:       typ,
		Info:       info,
		TargetNote: target,
		TargetType: targetType,
		NoteAction: string(core.NoteActionCreate),
		Importance: string(core.ImportanceMedium),
		Confidence: confidence,
	}
}

// Bool returns a pointer to b
func Bool(b bool) *bool { return &b }
