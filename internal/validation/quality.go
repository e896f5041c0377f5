package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// Quality acceptance bands. Word counts outside [minWords, maxWords] and
// heuristics outside their band produce warnings, never errors: quality is
// advisory, structure is not.
const (
	minWords           = 500
	maxWords           = 5000
	maxVerbosity       = 0.7
	minTriggerCoverage = 0.8
)

var wordRe = regexp.MustCompile(`[A-Za-z0-9_'-]+`)

// qualityLayer computes the advisory quality findings and the layer score
// via the configured scorer.
func (v *Validator) qualityLayer(taskDescription, body string) ([]Finding, float64) {
	var findings []Finding

	words := len(wordRe.FindAllString(body, -1))
	if words < minWords || words > maxWords {
		findings = append(findings, Finding{Code: "QL001", Severity: SeverityWarning,
			Message: fmt.Sprintf("word count %d outside the recommended range [%d, %d]", words, minWords, maxWords)})
	}

	if verbosity := verbosityHeuristic(body); verbosity >= maxVerbosity {
		findings = append(findings, Finding{Code: "QL002", Severity: SeverityWarning,
			Message: fmt.Sprintf("verbosity %.2f is at or above the %.1f threshold", verbosity, maxVerbosity)})
	}

	if coverage := semanticCoverage(taskDescription, body); coverage <= minTriggerCoverage {
		findings = append(findings, Finding{Code: "QL003", Severity: SeverityWarning,
			Message: fmt.Sprintf("trigger-phrase coverage %.2f is at or below the %.1f threshold", coverage, minTriggerCoverage)})
	}

	return findings, v.scorer(taskDescription, body)
}

// qualityScore is the built-in Scorer: the mean of the inverted verbosity
// heuristic and the trigger-phrase coverage, clamped to [0,1].
func qualityScore(taskDescription, body string) float64 {
	score := ((1 - verbosityHeuristic(body)) + semanticCoverage(taskDescription, body)) / 2
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// verbosityHeuristic estimates how padded the prose is from mean sentence
// length: 40 or more words per sentence saturates at 1.0.
func verbosityHeuristic(body string) float64 {
	sentences := 0
	words := 0
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "```") {
			continue
		}
		words += len(wordRe.FindAllString(line, -1))
		sentences += strings.Count(line, ".") + strings.Count(line, "!") + strings.Count(line, "?")
	}
	if words == 0 {
		return 0
	}
	if sentences == 0 {
		sentences = 1
	}
	avg := float64(words) / float64(sentences)
	verbosity := avg / 40
	if verbosity > 1 {
		return 1
	}
	return verbosity
}

// stopwords excluded from trigger-phrase matching.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "from": true, "into": true, "when": true, "what": true,
	"how": true, "its": true, "are": true, "was": true, "has": true,
	"have": true, "will": true, "should": true, "about": true, "your": true,
}

// triggerTerms extracts the distinct content words of a task description.
func triggerTerms(taskDescription string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range wordRe.FindAllString(strings.ToLower(taskDescription), -1) {
		if len(w) < 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

// lexicalCoverage is the fraction of the task description's content words
// that appear in the body.
func lexicalCoverage(taskDescription, body string) float64 {
	terms := triggerTerms(taskDescription)
	if len(terms) == 0 {
		return 1
	}
	lower := strings.ToLower(body)
	hits := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}
