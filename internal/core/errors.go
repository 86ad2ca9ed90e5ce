package core

import "errors"

// Core errors that can occur across the system
var (
	// Model gateway errors
	ErrModelUnavailable     = errors.New("model unavailable")
	ErrModelTimeout         = errors.New("model timeout")
	ErrMalformedModelOutput = errors.New("malformed model output")
	ErrTierNotConfigured    = errors.New("no backend configured for tier")

	// Context retrieval errors
	ErrContextSourceUnavailable = errors.New("context source unavailable")

	// Orphan question errors
	ErrOrphanNotFound        = errors.New("orphan question not found")
	ErrOrphanAlreadyResolved = errors.New("orphan question already resolved")
	ErrInvalidResolution     = errors.New("invalid orphan resolution")

	// Storage errors
	ErrEventNotFound    = errors.New("event not found")
	ErrDecisionNotFound = errors.New("routing decision not found")
	ErrRecordNotFound   = errors.New("record not found")
	ErrMigrationFailed  = errors.New("migration failed")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)

// DegradationFor maps a gateway or parse error to the annotation recorded on the pass.
func DegradationFor(err error) Degradation {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrModelTimeout):
		return DegradedModelTimeout
	case errors.Is(err, ErrMalformedModelOutput):
		return DegradedMalformedOutput
	default:
		return DegradedModelUnavailable
	}
}
