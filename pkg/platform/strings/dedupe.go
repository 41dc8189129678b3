// Package strings provides string list helpers for configuration parsing.
package strings

import (
	"strings"
)

// SplitList splits s on sep, trims each element and drops empty and repeated
// elements. Order of first occurrence is preserved; an empty result is nil.
//
// Example:
//
//	SplitList(" a:9092, b:9092,,a:9092 ", ",")
//	// Returns: []string{"a:9092", "b:9092"}
func SplitList(s, sep string) []string {
	return DedupeAndTrim(strings.Split(s, sep))
}

// DedupeAndTrim removes duplicates and empty strings from a slice, trimming
// whitespace from each element.
func DedupeAndTrim(values []string) []string {
	var result []string
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		result = append(result, trimmed)
	}
	return result
}
