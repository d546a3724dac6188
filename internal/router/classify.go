package router

import (
	"slices"
	"strings"
)

// Scoring weights for operation types outside the fixed lists.
const (
	weightEditMethod   = 0.5 // method mentions "edit" or "format"
	weightContextAware = 0.3 // params carry contextAware or advanced
	weightPattern      = 0.2 // params carry regex or pattern

	simpleBelow = 0.3
	mediumBelow = 0.7
)

// Classify returns the complexity class of op. The fixed lists win; any
// other type is scored.
func Classify(op Operation) ComplexityClass {
	switch {
	case slices.Contains(simpleTypes, op.Type):
		return Simple
	case slices.Contains(complexTypes, op.Type):
		return Complex
	case slices.Contains(hybridTypes, op.Type):
		return Medium
	}
	return ClassFromScore(Score(op))
}

// Score weighs an unlisted operation by its method and params.
func Score(op Operation) float64 {
	score := 0.0
	method := strings.ToLower(op.Method)
	if strings.Contains(method, "edit") || strings.Contains(method, "format") {
		score += weightEditMethod
	}
	if hasFlag(op.Params, "contextAware") || hasFlag(op.Params, "advanced") {
		score += weightContextAware
	}
	if hasFlag(op.Params, "regex") || hasFlag(op.Params, "pattern") {
		score += weightPattern
	}
	return score
}

// ClassFromScore maps a score onto a class: below 0.3 simple, below 0.7
// medium, otherwise complex.
func ClassFromScore(score float64) ComplexityClass {
	switch {
	case score < simpleBelow:
		return Simple
	case score < mediumBelow:
		return Medium
	default:
		return Complex
	}
}

// RequiresAdvancedFeatures reports whether op needs structural awareness,
// either from a file extension or from an explicit param.
func RequiresAdvancedFeatures(op Operation) bool {
	for _, f := range op.AffectedFiles {
		if slices.Contains(structuralExtensions, extension(f)) {
			return true
		}
	}
	for _, key := range advancedParams {
		if hasFlag(op.Params, key) {
			return true
		}
	}
	return false
}

// Performance derives the latency requirements of op.
func Performance(op Operation) PerformanceRequirements {
	return PerformanceRequirements{
		RequiresRealTimeResponse: op.RequiresRealTimeResponse,
		IsHighPriority: slices.Contains(highPriorityTypes, op.Type) ||
			op.Priority == "high" || paramStringEquals(op.Params, "priority", "high"),
	}
}

func paramStringEquals(params map[string]any, key, want string) bool {
	s, ok := paramString(params, key)
	return ok && s == want
}
