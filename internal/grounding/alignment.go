// Package grounding anchors LLM extractions to exact character spans of the
// chapter text and grades how far each span can be trusted.
package grounding

import "strings"

// Confidence levels assigned by ValidateAlignment.
const (
	ExactConfidence = 1.0
	FuzzyConfidence = 0.7
)

// ValidateAlignment classifies an extraction's alignment label. Labels are
// matched by substring on their lower-cased form, so "match_fuzzy" counts as
// fuzzy. An empty label is treated as exact.
func ValidateAlignment(status string) (skip bool, confidence float64) {
	s := strings.ToLower(status)
	switch {
	case strings.Contains(s, "unaligned"):
		return true, 0
	case strings.Contains(s, "fuzzy"):
		return false, FuzzyConfidence
	default:
		return false, ExactConfidence
	}
}
