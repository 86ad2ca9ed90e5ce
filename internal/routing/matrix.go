package routing

import "github.com/quantumlife/ponder/internal/core"

// Rule says at which importance an extraction type is required by default
type Rule int

const (
	Never Rule = iota
	Always
	AtMediumOrHigh
	AtHigh
)

// Matrix is the (type x importance) table of default "required" flags
type Matrix map[core.ExtractionType]Rule

// DefaultMatrix returns the standard required matrix
func DefaultMatrix() Matrix {
	return Matrix{
		core.ExtractionDeadline:       Always,
		core.ExtractionCommitment:     AtMediumOrHigh,
		core.ExtractionScheduledEvent: AtMediumOrHigh,
		core.ExtractionAmount:         AtMediumOrHigh,
		core.ExtractionDecision:       AtHigh,
		core.ExtractionRequest:        AtHigh,
		core.ExtractionFact:           AtHigh,
		core.ExtractionContactInfo:    AtHigh,
		core.ExtractionObjective:      AtHigh,
		core.ExtractionReference:      Never,
		core.ExtractionQuote:          Never,
		core.ExtractionSkill:          Never,
		core.ExtractionPreference:     Never,
		core.ExtractionRelation:       Never,
		core.ExtractionUnparsed:       Never,
	}
}

// Required returns the default for typ at imp. Unknown types are optional.
func (m Matrix) Required(typ core.ExtractionType, imp core.Importance) bool {
	switch m[typ] {
	case Always:
		return true
	case AtMediumOrHigh:
		return imp == core.ImportanceHigh || imp == core.ImportanceMedium
	case AtHigh:
		return imp == core.ImportanceHigh
	default:
		return false
	}
}

// Resolve returns whether x is required: an explicit model override wins,
// otherwise the matrix default applies.
func (m Matrix) Resolve(x core.Extraction) bool {
	if x.Type == core.ExtractionUnparsed {
		return false
	}
	if x.RequiredOverride != nil {
		return *x.RequiredOverride
	}
	return m.Required(x.Type, x.Importance)
}
