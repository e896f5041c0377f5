// Package refsteps provides deterministic reference implementations of
// the two generative phases, Understand and Generate. Each step derives
// its output purely from its input by keyword-matching the task
// description, so every HITL branch can be driven without a real model;
// production deployments substitute LLM-backed PhaseStep implementations
// behind the same interface. The Validate phase has no reference step
// here: it is always the rule-based validator (validation.NewStep).
package refsteps

import (
	"regexp"
	"strings"
)

var nonWordRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify turns free text into a kebab-case token bounded to maxLen chars,
// satisfying domain.ValidateSkillName.
func slugify(s string, maxLen int) string {
	lower := strings.ToLower(s)
	slug := strings.Trim(nonWordRe.ReplaceAllString(lower, "-"), "-")
	if slug == "" {
		slug = "skill"
	}
	if len(slug) > maxLen {
		slug = strings.Trim(slug[:maxLen], "-")
	}
	return slug
}

// firstWords returns the first n whitespace-separated words of s.
func firstWords(s string, n int) string {
	fields := strings.Fields(s)
	if len(fields) > n {
		fields = fields[:n]
	}
	return strings.Join(fields, " ")
}

func contains(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}
