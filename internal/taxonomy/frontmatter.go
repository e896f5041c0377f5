package taxonomy

import (
	"strings"

	"gopkg.in/yaml.v3"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
)

// Frontmatter is the YAML block at the top of a SKILL.md document. Each
// field is read under exactly one key; load-priority and allowed-tools use
// their hyphenated spellings only.
type Frontmatter struct {
	Name          string   `yaml:"name"`
	Description   string   `yaml:"description"`
	Type          string   `yaml:"type"`
	Weight        int      `yaml:"weight"`
	LoadPriority  int      `yaml:"load-priority"`
	Dependencies  []string `yaml:"dependencies"`
	Capabilities  []string `yaml:"capabilities"`
	License       string   `yaml:"license"`
	Compatibility string   `yaml:"compatibility"`
	AllowedTools  []string `yaml:"allowed-tools"`
}

// Metadata converts the parsed frontmatter into the record stored on a
// published skill.
func (f *Frontmatter) Metadata() domain.SkillMetadata {
	return domain.SkillMetadata{
		Name:         f.Name,
		Description:  f.Description,
		Type:         f.Type,
		Weight:       f.Weight,
		LoadPriority: f.LoadPriority,
		Dependencies: f.Dependencies,
		Capabilities: f.Capabilities,
	}
}

// ParseSkillDoc splits a SKILL.md document into its frontmatter and body.
// The document must open with a `---` fence on the first line and close it
// with another; everything after the closing fence line, less one blank
// separator line, is the body.
func ParseSkillDoc(content string) (*Frontmatter, string, error) {
	normalized := strings.ReplaceAll(content, "\r\n", "\n")
	if !strings.HasPrefix(normalized, "---\n") {
		return nil, "", apperrors.New(apperrors.KindValidationFailed, "SKILL.md has no frontmatter block")
	}
	rest := normalized[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, "", apperrors.New(apperrors.KindValidationFailed, "SKILL.md frontmatter is unterminated")
	}

	var fm Frontmatter
	if err := yaml.Unmarshal([]byte(rest[:end]), &fm); err != nil {
		return nil, "", apperrors.Wrap(apperrors.KindValidationFailed, "SKILL.md frontmatter is not valid YAML", err)
	}

	body := rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	body = strings.TrimPrefix(body, "\n")
	return &fm, body, nil
}
