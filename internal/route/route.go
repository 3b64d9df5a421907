// Package route selects the target model and feature flags from a
// message's subject line.
package route

import (
	"regexp"
	"sort"
	"strings"

	"mailmind/internal/model"
)

// subjectSeparators are replaced with spaces before matching so that
// "gemini-2.0-flash,reasoning" and "gemini-2.0-flash/reasoning" parse
// the same way.
var subjectSeparators = strings.NewReplacer(",", " ", ";", " ", "_", " ", "/", " ")

// reasoningPattern matches a standalone "reasoning" token.
var reasoningPattern = regexp.MustCompile(`\breasoning\b`)

// Resolution is the outcome of routing a subject line.
type Resolution struct {
	Model     string
	Reasoning bool
}

// Resolve picks the model named in the subject, falling back to
// defaultModel when no registered name occurs. Longer names are tried
// first so "gemini-2.5-flash-preview-05-20" is never shadowed by
// "gemini-2.5-flash"; names of equal length are tried in lexicographic
// order, which fixes the tie-break deterministically.
//
// The caller must always supply a non-empty defaultModel.
func Resolve(subject, defaultModel string, registry []model.ModelInfo) Resolution {
	normalized := subjectSeparators.Replace(strings.ToLower(subject))

	names := make([]string, 0, len(registry))
	for _, m := range registry {
		names = append(names, m.Name)
	}
	sort.Slice(names, func(i, j int) bool {
		if len(names[i]) != len(names[j]) {
			return len(names[i]) > len(names[j])
		}
		return names[i] < names[j]
	})

	resolved := defaultModel
	for _, name := range names {
		if strings.Contains(normalized, strings.ToLower(name)) {
			resolved = name
			break
		}
	}

	return Resolution{
		Model:     resolved,
		Reasoning: reasoningPattern.MatchString(normalized),
	}
}
