package core

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Fold trims, collapses inner whitespace, composes to NFC and case-folds
// s. It is the normalization used for entity matching and orphan dedup
// keys, so "Amélie" and "AMÉLIE" fold to the same key.
func Fold(s string) string {
	s = norm.NFC.String(strings.Join(strings.Fields(s), " "))
	// Casers are stateful; one per call keeps Fold safe for concurrent use.
	return cases.Fold().String(s)
}
