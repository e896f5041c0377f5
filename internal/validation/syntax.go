package validation

import (
	"context"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/rust"

	"skillforge/internal/logging"
)

// fence is one fenced code block lifted out of the body.
type fence struct {
	lang string
	code string
}

// extractFences scans the body for ``` fences and returns each block with
// its language tag (possibly empty).
func extractFences(body string) []fence {
	var fences []fence
	var current *fence
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "```") {
			if current != nil {
				current.code += line + "\n"
			}
			continue
		}
		if current == nil {
			current = &fence{lang: strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))}
		} else {
			fences = append(fences, *current)
			current = nil
		}
	}
	return fences
}

// grammarFor maps a fence's language tag to a tree-sitter grammar. Tags
// with no grammar here are skipped, not flagged.
func grammarFor(lang string) *sitter.Language {
	switch lang {
	case "go", "golang":
		return golang.GetLanguage()
	case "python", "py":
		return python.GetLanguage()
	case "javascript", "js":
		return javascript.GetLanguage()
	case "rust", "rs":
		return rust.GetLanguage()
	default:
		return nil
	}
}

// checkFenceSyntax parses each tagged fence with the matching grammar and
// flags blocks whose parse tree contains errors. Malformed examples are a
// warning: sample fragments are often intentionally partial.
func checkFenceSyntax(fences []fence) []Finding {
	var findings []Finding
	parser := sitter.NewParser()
	defer parser.Close()

	for i, f := range fences {
		grammar := grammarFor(f.lang)
		if grammar == nil || strings.TrimSpace(f.code) == "" {
			continue
		}
		parser.SetLanguage(grammar)
		tree, err := parser.ParseCtx(context.Background(), nil, []byte(f.code))
		if err != nil {
			logging.Get(logging.CategoryValidation).Debug("parse fence %d (%s): %v", i, f.lang, err)
			continue
		}
		if tree.RootNode().HasError() {
			findings = append(findings, Finding{Code: "SX001", Severity: SeverityWarning,
				Message: "fenced " + f.lang + " block does not parse cleanly"})
		}
		tree.Close()
	}
	return findings
}
