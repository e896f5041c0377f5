// Package validation runs the rule-based structural and metadata checks a
// draft must pass before promotion. Checks are grouped into layers, each
// contributing findings and a layer score; the aggregate score is a
// weighted average, with weights configurable per deployment.
package validation

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"skillforge/internal/domain"
	"skillforge/internal/logging"
	"skillforge/internal/taxonomy"
)

// Severity grades a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one rule violation or advisory.
type Finding struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// Report aggregates every layer's findings. Passed is true iff no finding
// has error severity.
type Report struct {
	Passed   bool      `json:"passed"`
	Score    float64   `json:"score"`
	Errors   []Finding `json:"errors"`
	Warnings []Finding `json:"warnings"`
}

// Weights sets each layer's contribution to the aggregate score.
type Weights struct {
	Structure      float64
	Metadata       float64
	Documentation  float64
	Subdirectories float64
	Quality        float64
}

// DefaultWeights weight the layers that gate promotion hardest.
func DefaultWeights() Weights {
	return Weights{Structure: 0.25, Metadata: 0.20, Documentation: 0.20, Subdirectories: 0.10, Quality: 0.25}
}

// Scorer is a pluggable quality score over the draft body, substituted by
// deployments that run an external reward function. The built-in default
// is the heuristic in quality.go.
type Scorer func(taskDescription, body string) float64

// Validator runs the layered checks.
type Validator struct {
	weights Weights
	scorer  Scorer
}

// Option customizes a Validator.
type Option func(*Validator)

// WithWeights overrides the default layer weights.
func WithWeights(w Weights) Option { return func(v *Validator) { v.weights = w } }

// WithScorer substitutes the quality scorer.
func WithScorer(s Scorer) Option { return func(v *Validator) { v.scorer = s } }

// New constructs a Validator with defaults applied.
func New(opts ...Option) *Validator {
	v := &Validator{weights: DefaultWeights()}
	for _, opt := range opts {
		opt(v)
	}
	if v.scorer == nil {
		v.scorer = qualityScore
	}
	return v
}

var safeSegmentRe = regexp.MustCompile(`^[a-zA-Z0-9._-]+$`)

// allowedSubdirs is the subdirectory allowlist; legacySubdirs map old
// layouts to the current name and produce deprecation warnings only.
var (
	allowedSubdirs = map[string]bool{
		"references": true, "guides": true, "templates": true,
		"scripts": true, "examples": true, "assets": true,
	}
	legacySubdirs = map[string]string{
		"docs":      "guides",
		"reference": "references",
		"template":  "templates",
		"resources": "assets",
	}
)

// ValidateDraft runs every layer over the draft directory and aggregates
// the result. taskDescription feeds the trigger-phrase coverage heuristic.
func (v *Validator) ValidateDraft(draftDir, taskDescription string) (*Report, error) {
	timer := logging.StartTimer(logging.CategoryValidation, "Validator.ValidateDraft")
	defer timer.Stop()

	var findings []Finding
	scores := make(map[string]float64)

	structFindings, body, fm := v.structureLayer(draftDir)
	findings = append(findings, structFindings...)
	scores["structure"] = layerScore(structFindings)

	metaFindings := v.metadataLayer(fm)
	findings = append(findings, metaFindings...)
	scores["metadata"] = layerScore(metaFindings)

	docFindings := v.documentationLayer(body)
	findings = append(findings, docFindings...)
	scores["documentation"] = layerScore(docFindings)

	subdirFindings := v.subdirectoryLayer(draftDir)
	findings = append(findings, subdirFindings...)
	scores["subdirectories"] = layerScore(subdirFindings)

	qualityFindings, qScore := v.qualityLayer(taskDescription, body)
	findings = append(findings, qualityFindings...)
	scores["quality"] = qScore

	report := &Report{Passed: true}
	for _, f := range findings {
		if f.Severity == SeverityError {
			report.Errors = append(report.Errors, f)
			report.Passed = false
		} else {
			report.Warnings = append(report.Warnings, f)
		}
	}

	w := v.weights
	total := w.Structure + w.Metadata + w.Documentation + w.Subdirectories + w.Quality
	if total <= 0 {
		total = 1
	}
	report.Score = (scores["structure"]*w.Structure +
		scores["metadata"]*w.Metadata +
		scores["documentation"]*w.Documentation +
		scores["subdirectories"]*w.Subdirectories +
		scores["quality"]*w.Quality) / total

	logging.Get(logging.CategoryValidation).Info("validated %s passed=%v score=%.2f errors=%d warnings=%d",
		draftDir, report.Passed, report.Score, len(report.Errors), len(report.Warnings))
	return report, nil
}

// layerScore maps findings to a [0,1] layer score: each error costs half
// the remaining score, each warning a tenth.
func layerScore(findings []Finding) float64 {
	score := 1.0
	for _, f := range findings {
		switch f.Severity {
		case SeverityError:
			score *= 0.5
		case SeverityWarning:
			score -= 0.1
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

// structureLayer checks the draft's files: SKILL.md must exist and parse,
// no symlinks anywhere, every path component must be safe.
func (v *Validator) structureLayer(draftDir string) ([]Finding, string, *taxonomy.Frontmatter) {
	var findings []Finding

	raw, err := os.ReadFile(filepath.Join(draftDir, "SKILL.md"))
	if err != nil {
		findings = append(findings, Finding{Code: "ST001", Severity: SeverityError, Message: "required file SKILL.md is missing"})
		return findings, "", nil
	}

	fm, body, err := taxonomy.ParseSkillDoc(string(raw))
	if err != nil {
		findings = append(findings, Finding{Code: "ST002", Severity: SeverityError, Message: "SKILL.md frontmatter does not parse: " + err.Error()})
		return findings, "", nil
	}

	_ = filepath.Walk(draftDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.Mode()&os.ModeSymlink != 0 {
			rel, _ := filepath.Rel(draftDir, path)
			findings = append(findings, Finding{Code: "ST003", Severity: SeverityError, Message: "symlink not allowed: " + rel})
			return nil
		}
		if path == draftDir {
			return nil
		}
		if name := info.Name(); !safeSegmentRe.MatchString(name) && name != ".complete" {
			rel, _ := filepath.Rel(draftDir, path)
			findings = append(findings, Finding{Code: "ST004", Severity: SeverityError, Message: "unsafe path component: " + rel})
		}
		return nil
	})

	return findings, body, fm
}

// metadataLayer checks the frontmatter's required and optional fields.
func (v *Validator) metadataLayer(fm *taxonomy.Frontmatter) []Finding {
	if fm == nil {
		return nil
	}
	var findings []Finding
	if err := domain.ValidateSkillName(fm.Name); err != nil {
		findings = append(findings, Finding{Code: "MD001", Severity: SeverityError, Message: "name: " + err.Error()})
	}
	if err := domain.ValidateSkillDescription(fm.Description); err != nil {
		findings = append(findings, Finding{Code: "MD002", Severity: SeverityError, Message: "description: " + err.Error()})
	}
	return findings
}

// documentationLayer checks the body's shape: minimum length, the
// "When to Use" heading, and at least one fenced code block (recommended).
func (v *Validator) documentationLayer(body string) []Finding {
	var findings []Finding
	if len(body) < 100 {
		findings = append(findings, Finding{Code: "DC001", Severity: SeverityError, Message: "body is shorter than 100 characters"})
	}
	if !strings.Contains(body, "When to Use") {
		findings = append(findings, Finding{Code: "DC002", Severity: SeverityError, Message: "body has no 'When to Use' heading"})
	}
	fences := extractFences(body)
	if len(fences) == 0 {
		findings = append(findings, Finding{Code: "DC003", Severity: SeverityWarning, Message: "body has no fenced code block"})
	}
	findings = append(findings, checkFenceSyntax(fences)...)
	return findings
}

// subdirectoryLayer enforces the subdirectory allowlist.
func (v *Validator) subdirectoryLayer(draftDir string) []Finding {
	entries, err := os.ReadDir(draftDir)
	if err != nil {
		return nil
	}
	var findings []Finding
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if allowedSubdirs[name] {
			continue
		}
		if current, legacy := legacySubdirs[name]; legacy {
			findings = append(findings, Finding{Code: "SD001", Severity: SeverityWarning,
				Message: "subdirectory " + name + "/ is deprecated, use " + current + "/"})
			continue
		}
		findings = append(findings, Finding{Code: "SD002", Severity: SeverityError,
			Message: "subdirectory " + name + "/ is not on the allowlist"})
	}
	return findings
}
