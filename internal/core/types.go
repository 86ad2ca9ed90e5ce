// Package core defines the fundamental types and errors for ponder.
// Everything the analysis loop reads, produces or hands downstream lives here.
package core

import (
	"sort"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// EVENT - normalized input produced by channel ingestion
// -----------------------------------------------------------------------------

// EventID is a type-safe identifier for perceived events
type EventID string

// Source identifies the channel an event arrived on
type Source string

const (
	SourceEmail    Source = "email"
	SourceChat     Source = "chat"
	SourceCalendar Source = "calendar"
	SourceOther    Source = "other"
)

// Attachment is metadata about an attachment; content is never loaded by the core.
type Attachment struct {
	Name      string `json:"name"`
	MimeType  string `json:"mime_type"`
	SizeBytes int64  `json:"size_bytes"`
}

// Hints carries structured values the normalizer already extracted.
type Hints struct {
	Attachments []Attachment `json:"attachments,omitempty"`
	Amounts     []float64    `json:"amounts,omitempty"`   // monetary values spotted by the normalizer
	Deadlines   []time.Time  `json:"deadlines,omitempty"` // dates spotted by the normalizer
	Project     string       `json:"project,omitempty"`   // originating project, if known
	ThreadID    string       `json:"thread_id,omitempty"`
}

// PerceivedEvent is an immutable, normalized event. Read-only to the core.
type PerceivedEvent struct {
	ID         EventID   `json:"id"`
	Source     Source    `json:"source"`
	Sender     string    `json:"sender"`      // email address or handle
	SenderName string    `json:"sender_name"` // display name
	Subject    string    `json:"subject"`
	Body       string    `json:"body"`
	Timestamp  time.Time `json:"timestamp"`
	Hints      Hints     `json:"hints"`
}

// Scope returns the scope an orphan proposal from this event belongs to:
// the originating project when known, otherwise the sender.
func (e *PerceivedEvent) Scope() string {
	if e.Hints.Project != "" {
		return "project:" + strings.ToLower(strings.TrimSpace(e.Hints.Project))
	}
	return "sender:" + strings.ToLower(strings.TrimSpace(e.Sender))
}

// -----------------------------------------------------------------------------
// TIER - cost/quality level of the reasoning model
// -----------------------------------------------------------------------------

// Tier is a reasoning-model level. Ordering is meaningful: cheap < mid < top.
type Tier int

const (
	TierCheap Tier = 1
	TierMid   Tier = 2
	TierTop   Tier = 3
)

// Tiers lists every tier in escalation order.
var Tiers = []Tier{TierCheap, TierMid, TierTop}

func (t Tier) String() string {
	switch t {
	case TierCheap:
		return "cheap"
	case TierMid:
		return "mid"
	case TierTop:
		return "top"
	default:
		return "unknown"
	}
}

// Next returns the next tier up, or false at the top.
func (t Tier) Next() (Tier, bool) {
	if t >= TierTop {
		return t, false
	}
	return t + 1, true
}

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	return t >= TierCheap && t <= TierTop
}

// ParseTier parses "cheap", "mid" or "top"
func ParseTier(s string) (Tier, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cheap":
		return TierCheap, true
	case "mid":
		return TierMid, true
	case "top":
		return TierTop, true
	}
	return 0, false
}

// MarshalText implements encoding.TextMarshaler
func (t Tier) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (t *Tier) UnmarshalText(b []byte) error {
	if s := string(b); s == "" || s == "unknown" {
		*t = 0
		return nil
	}
	parsed, ok := ParseTier(string(b))
	if !ok {
		return ErrInvalidInput
	}
	*t = parsed
	return nil
}

// -----------------------------------------------------------------------------
// EXTRACTION - one typed unit of mined information
// -----------------------------------------------------------------------------

// ExtractionType is the kind of information an extraction carries
type ExtractionType string

const (
	ExtractionFact           ExtractionType = "fact"
	ExtractionDecision       ExtractionType = "decision"
	ExtractionCommitment     ExtractionType = "commitment"
	ExtractionDeadline       ExtractionType = "deadline"
	ExtractionScheduledEvent ExtractionType = "scheduled-event"
	ExtractionRelation       ExtractionType = "relation"
	ExtractionContactInfo    ExtractionType = "contact-info"
	ExtractionAmount         ExtractionType = "amount"
	ExtractionReference      ExtractionType = "reference"
	ExtractionRequest        ExtractionType = "request"
	ExtractionQuote          ExtractionType = "quote"
	ExtractionObjective      ExtractionType = "objective"
	ExtractionSkill          ExtractionType = "skill"
	ExtractionPreference     ExtractionType = "preference"

	// ExtractionUnparsed marks a model item that could not be mapped to a known type.
	// It carries zero confidence and is never applied.
	ExtractionUnparsed ExtractionType = "unparsed"
)

// ExtractionTypes lists every known (parsable) extraction type
var ExtractionTypes = []ExtractionType{
	ExtractionFact, ExtractionDecision, ExtractionCommitment, ExtractionDeadline,
	ExtractionScheduledEvent, ExtractionRelation, ExtractionContactInfo, ExtractionAmount,
	ExtractionReference, ExtractionRequest, ExtractionQuote, ExtractionObjective,
	ExtractionSkill, ExtractionPreference,
}

// ParseExtractionType maps loose model output ("Scheduled Event", "scheduled_event")
// to a known type, or ExtractionUnparsed.
func ParseExtractionType(s string) ExtractionType {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("_", "-", " ", "-").Replace(norm)
	switch norm {
	case "event", "meeting":
		return ExtractionScheduledEvent
	case "contact":
		return ExtractionContactInfo
	case "goal":
		return ExtractionObjective
	}
	for _, t := range ExtractionTypes {
		if string(t) == norm {
			return t
		}
	}
	return ExtractionUnparsed
}

// NoteAction says whether an extraction enriches an existing record or creates a new one
type NoteAction string

const (
	NoteActionEnrich NoteAction = "enrich-existing"
	NoteActionCreate NoteAction = "create-new"
)

// ParseNoteAction maps loose model output to a NoteAction. Anything that is not
// clearly a creation is treated as enrichment.
func ParseNoteAction(s string) NoteAction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "create-new", "create_new", "create", "new":
		return NoteActionCreate
	}
	return NoteActionEnrich
}

// Importance is the model's importance rating for an extraction
type Importance string

const (
	ImportanceHigh   Importance = "high"
	ImportanceMedium Importance = "medium"
	ImportanceLow    Importance = "low"
)

// ParseImportance defaults to medium for unknown values
func ParseImportance(s string) Importance {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "critical":
		return ImportanceHigh
	case "low":
		return ImportanceLow
	}
	return ImportanceMedium
}

// EntityKind is the kind of structured value an entity carries
type EntityKind string

const (
	EntityPerson       EntityKind = "person"
	EntityOrganization EntityKind = "organization"
	EntityProject      EntityKind = "project"
	EntityEmail        EntityKind = "email"
	EntityDate         EntityKind = "date"
	EntityAmount       EntityKind = "amount"
	EntityPlace        EntityKind = "place"
	EntityTopic        EntityKind = "topic"
)

// Entity is a structured value mined from an event (name, date, amount, ...)
type Entity struct {
	Kind  EntityKind `json:"kind"`
	Value string     `json:"value"`
}

// Key returns the dedup key of the entity
func (e Entity) Key() string {
	return string(e.Kind) + "|" + strings.ToLower(strings.TrimSpace(e.Value))
}

// ConfidenceScores are the sub-scores a composite confidence is built from
type ConfidenceScores struct {
	Quality      float64 `json:"quality"`
	TargetMatch  float64 `json:"target_match"`
	Relevance    float64 `json:"relevance"`
	Completeness float64 `json:"completeness"`
}

// Composite returns the weighted composite of the sub-scores
func (s ConfidenceScores) Composite() float64 {
	return Clamp01(0.30*s.Quality + 0.30*s.TargetMatch + 0.20*s.Relevance + 0.20*s.Completeness)
}

// IsZero reports whether no sub-score was provided
func (s ConfidenceScores) IsZero() bool {
	return s == ConfidenceScores{}
}

// Extraction is one typed unit of mined information.
// Invariant: NoteAction == NoteActionCreate is never auto-applied.
type Extraction struct {
	Type       ExtractionType   `json:"type"`
	Info       string           `json:"info"`
	TargetNote string           `json:"target_note,omitempty"` // record to enrich or create
	TargetType string           `json:"target_type,omitempty"` // person, organization, project, ...
	NoteAction NoteAction       `json:"note_action"`
	Confidence float64          `json:"confidence"`
	Scores     ConfidenceScores `json:"scores"`
	Required   bool             `json:"required"`
	Importance Importance       `json:"importance"`

	// RequiredOverride is set when the model explicitly said required true/false.
	RequiredOverride *bool `json:"required_override,omitempty"`

	Amount   float64    `json:"amount,omitempty"`
	Currency string     `json:"currency,omitempty"`
	Date     *time.Time `json:"date,omitempty"`
	Entities []Entity   `json:"entities,omitempty"`
}

// IsCreation reports whether applying this extraction would create a new durable record
func (e Extraction) IsCreation() bool {
	return e.NoteAction == NoteActionCreate
}

// Key identifies an extraction for pass-to-pass comparison
func (e Extraction) Key() string {
	return strings.Join([]string{
		string(e.Type),
		string(e.NoteAction),
		normalizeText(e.TargetNote),
		normalizeText(e.Info),
	}, "|")
}

// -----------------------------------------------------------------------------
// PASS - one pass's output; append-only history per event
// -----------------------------------------------------------------------------

// ActionKind is the action the model suggests for the event
type ActionKind string

const (
	ActionArchive  ActionKind = "archive"
	ActionReply    ActionKind = "reply"
	ActionTask     ActionKind = "task"
	ActionSchedule ActionKind = "schedule"
	ActionNote     ActionKind = "note"
	ActionFlag     ActionKind = "flag"
	ActionIgnore   ActionKind = "ignore"
	ActionNone     ActionKind = "none"
)

// SuggestedAction is the action the model proposes for the whole event
type SuggestedAction struct {
	Kind        ActionKind `json:"kind"`
	Description string     `json:"description,omitempty"`
}

// Degradation annotates why an analysis (or pass) lost information
type Degradation string

const (
	DegradedModelUnavailable     Degradation = "model_unavailable"
	DegradedModelTimeout         Degradation = "model_timeout"
	DegradedMalformedOutput      Degradation = "malformed_output"
	DegradedPassBudgetExhausted  Degradation = "pass_budget_exhausted"
	DegradedHighStakesUnreviewed Degradation = "high_stakes_unreviewed"
	DegradedCancelled            Degradation = "cancelled"
	DegradedContext              Degradation = "context_degraded"
)

// ForcesQueue reports whether this annotation alone forbids automatic application
func (d Degradation) ForcesQueue() bool {
	return d != DegradedContext
}

// Usage is the token usage reported by the model gateway
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// PassResult is one pass's output. Immutable once appended to a history.
type PassResult struct {
	EventID          EventID         `json:"event_id"`
	PassNumber       int             `json:"pass_number"`
	Tier             Tier            `json:"tier"`
	Model            string          `json:"model,omitempty"`
	Extractions      []Extraction    `json:"extractions"`
	Action           SuggestedAction `json:"action"`
	ActionConfidence float64         `json:"action_confidence"`
	Rationale        string          `json:"rationale"`
	ChangedCount     int             `json:"changed_count"`
	ContextItems     int             `json:"context_items"`
	Degraded         Degradation     `json:"degraded,omitempty"`
	Usage            Usage           `json:"usage"`
	StartedAt        time.Time       `json:"started_at"`
	Duration         time.Duration   `json:"duration"`
}

// Usable reports whether the pass carries information (was not a zero-information pass)
func (p *PassResult) Usable() bool {
	return p.Degraded == ""
}

// ExtractionKeys returns the set of extraction keys in this pass
func (p *PassResult) ExtractionKeys() map[string]struct{} {
	keys := make(map[string]struct{}, len(p.Extractions))
	for _, e := range p.Extractions {
		keys[e.Key()] = struct{}{}
	}
	return keys
}

// ChangedFrom counts the extractions added or removed relative to prev
func (p *PassResult) ChangedFrom(prev *PassResult) int {
	cur := p.ExtractionKeys()
	if prev == nil {
		return len(cur)
	}
	old := prev.ExtractionKeys()
	changed := 0
	for k := range cur {
		if _, ok := old[k]; !ok {
			changed++
		}
	}
	for k := range old {
		if _, ok := cur[k]; !ok {
			changed++
		}
	}
	return changed
}

// ConvergenceState is derived from a pass history, never stored
type ConvergenceState struct {
	PassCount            int       `json:"pass_count"`
	Tier                 Tier      `json:"tier"`
	PassesAtTier         int       `json:"passes_at_tier"`
	ConfidenceTrajectory []float64 `json:"confidence_trajectory"`
	HighStakes           bool      `json:"high_stakes"`
	TopTierReviewed      bool      `json:"top_tier_reviewed"`
}

// StateOf derives the convergence state from a history
func StateOf(history []PassResult, highStakes bool) ConvergenceState {
	st := ConvergenceState{
		PassCount:            len(history),
		HighStakes:           highStakes,
		ConfidenceTrajectory: make([]float64, 0, len(history)),
	}
	for i := range history {
		p := &history[i]
		st.ConfidenceTrajectory = append(st.ConfidenceTrajectory, p.ActionConfidence)
		if p.Tier != st.Tier {
			st.Tier = p.Tier
			st.PassesAtTier = 0
		}
		st.PassesAtTier++
		if p.Tier == TierTop && p.Usable() {
			st.TopTierReviewed = true
		}
	}
	return st
}

// -----------------------------------------------------------------------------
// PROMPT - rendered input for one model call
// -----------------------------------------------------------------------------

// Prompt is a rendered prompt ready for the model gateway
type Prompt struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// -----------------------------------------------------------------------------
// CONTEXT - read-only retrieval snapshot rebuilt between passes
// -----------------------------------------------------------------------------

// MatchKind is how a context item matched an entity. Lower ranks first.
type MatchKind int

const (
	MatchExact      MatchKind = 0 // name / address equality
	MatchStructured MatchKind = 1 // date proximity, amount equality
	MatchPartial    MatchKind = 2 // name containment
	MatchSimilarity MatchKind = 3 // embedding similarity; tie-break only
)

func (m MatchKind) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchStructured:
		return "structured"
	case MatchPartial:
		return "partial"
	case MatchSimilarity:
		return "similarity"
	default:
		return "unknown"
	}
}

// ContextItem is one matched record from an external source
type ContextItem struct {
	Source        string    `json:"source"`
	TargetID      string    `json:"target_id"`
	Title         string    `json:"title,omitempty"`
	Snippet       string    `json:"snippet"`
	MatchedEntity Entity    `json:"matched_entity"`
	Match         MatchKind `json:"match"`
	Relevance     float64   `json:"relevance"`
	Similarity    float64   `json:"similarity,omitempty"`
}

// ContextBundle is a read-only snapshot of retrieved context.
// It is rebuilt, never mutated, between passes.
type ContextBundle struct {
	Entities []Entity                 `json:"entities"`
	Items    map[string][]ContextItem `json:"items"`    // per source, ranked
	Excluded map[string]string        `json:"excluded"` // source -> reason
}

// EmptyBundle is the bundle for a blind pass
func EmptyBundle() *ContextBundle {
	return &ContextBundle{
		Items:    map[string][]ContextItem{},
		Excluded: map[string]string{},
	}
}

// Len returns the total number of items in the bundle
func (b *ContextBundle) Len() int {
	if b == nil {
		return 0
	}
	n := 0
	for _, items := range b.Items {
		n += len(items)
	}
	return n
}

// Sources returns the names of sources that contributed items, sorted
func (b *ContextBundle) Sources() []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.Items))
	for s := range b.Items {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// -----------------------------------------------------------------------------
// THRESHOLDS & ROUTING
// -----------------------------------------------------------------------------

// Thresholds gate automatic application
type Thresholds struct {
	Action             float64 `yaml:"action" json:"action"`
	RequiredEnrichment float64 `yaml:"required_enrichment" json:"required_enrichment"`
	OptionalEnrichment float64 `yaml:"optional_enrichment" json:"optional_enrichment"`
}

// DefaultThresholds returns the standard operating thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		Action:             0.90,
		RequiredEnrichment: 0.90,
		OptionalEnrichment: 0.70,
	}
}

// Verdict is the final routing verdict
type Verdict string

const (
	VerdictAutoApply Verdict = "AUTO_APPLY"
	VerdictQueue     Verdict = "QUEUE"
)

// DecisionItem is one extraction as presented downstream
type DecisionItem struct {
	Index       int        `json:"index"`
	Extraction  Extraction `json:"extraction"`
	Applied     bool       `json:"applied"`     // selected for automatic application
	Preselected bool       `json:"preselected"` // checked in the review UI
	Locked      bool       `json:"locked"`      // not user-togglable
	Deferred    bool       `json:"deferred"`    // handed to the orphan question manager
}

// RoutingDecision is the final verdict for one event
type RoutingDecision struct {
	ID               string          `json:"id"`
	EventID          EventID         `json:"event_id"`
	Verdict          Verdict         `json:"verdict"`
	Action           SuggestedAction `json:"action"`
	ActionConfidence float64         `json:"action_confidence"`
	Items            []DecisionItem  `json:"items"`
	Reasons          []string        `json:"reasons,omitempty"`
	Degradations     []Degradation   `json:"degradations,omitempty"`
	Tier             Tier            `json:"tier"`
	Passes           int             `json:"passes"`
	DecidedAt        time.Time       `json:"decided_at"`
}

// Applied returns the extractions selected for automatic application
func (d *RoutingDecision) Applied() []Extraction {
	var out []Extraction
	for _, it := range d.Items {
		if it.Applied {
			out = append(out, it.Extraction)
		}
	}
	return out
}

// Deferred returns the creation extractions handed to the orphan manager
func (d *RoutingDecision) Deferred() []Extraction {
	var out []Extraction
	for _, it := range d.Items {
		if it.Deferred {
			out = append(out, it.Extraction)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// ORPHAN QUESTION - deferred human decision about creating a durable record
// -----------------------------------------------------------------------------

// OrphanState is the resolution state of an orphan question
type OrphanState string

const (
	OrphanPending  OrphanState = "pending"
	OrphanAccepted OrphanState = "accepted"
	OrphanRejected OrphanState = "rejected"
)

// Evidence is one supporting sighting of an orphan candidate
type Evidence struct {
	EventID    EventID   `json:"event_id"`
	Scope      string    `json:"scope"`
	Info       string    `json:"info"`
	Confidence float64   `json:"confidence"`
	SeenAt     time.Time `json:"seen_at"`
}

// Rejection suppresses a candidate within one scope
type Rejection struct {
	Scope     string     `json:"scope"`
	At        time.Time  `json:"at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil = permanent
}

// Active reports whether the rejection still applies at now
func (r Rejection) Active(now time.Time) bool {
	return r.ExpiresAt == nil || now.Before(*r.ExpiresAt)
}

// OrphanQuestion is a deferred creation proposal, deduplicated by Key
type OrphanQuestion struct {
	ID         string      `json:"id"`
	Key        string      `json:"key"`
	Name       string      `json:"name"`
	Type       string      `json:"type"`
	State      OrphanState `json:"state"`
	Evidence   []Evidence  `json:"evidence"`
	Rejections []Rejection `json:"rejections,omitempty"`
	Version    int64       `json:"version"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// RejectedIn reports whether an active rejection covers scope
func (q *OrphanQuestion) RejectedIn(scope string, now time.Time) bool {
	for _, r := range q.Rejections {
		if r.Scope == scope && r.Active(now) {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so snapshots can be swapped atomically
func (q *OrphanQuestion) Clone() *OrphanQuestion {
	if q == nil {
		return nil
	}
	c := *q
	c.Evidence = append([]Evidence(nil), q.Evidence...)
	c.Rejections = append([]Rejection(nil), q.Rejections...)
	if q.ResolvedAt != nil {
		t := *q.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// -----------------------------------------------------------------------------
// ANALYSIS - everything one run of the loop produced
// -----------------------------------------------------------------------------

// Analysis is the outcome of analyzing one event
type Analysis struct {
	EventID        EventID           `json:"event_id"`
	Final          PassResult        `json:"final"`
	History        []PassResult      `json:"history"`
	EscalationPath []Tier            `json:"escalation_path"`
	HighStakes     bool              `json:"high_stakes"`
	Degradations   []Degradation     `json:"degradations,omitempty"`
	Decision       *RoutingDecision  `json:"decision"`
	Orphans        []*OrphanQuestion `json:"orphans,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

// Clamp01 clamps v to [0,1]
func Clamp01(v float64) float64 {
	if v < 0 || v != v {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
