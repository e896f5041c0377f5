package domain

import "time"

// SkillStatus is a published artifact's lifecycle state.
type SkillStatus string

const (
	SkillStatusDraft      SkillStatus = "Draft"
	SkillStatusActive     SkillStatus = "Active"
	SkillStatusDeprecated SkillStatus = "Deprecated"
	SkillStatusArchived   SkillStatus = "Archived"
)

// SkillMetadata is the frontmatter-derived descriptor of a skill.
type SkillMetadata struct {
	Name         string   `json:"name"`
	Description  string   `json:"description"`
	Type         string   `json:"type,omitempty"`
	Weight       int      `json:"weight,omitempty"`
	LoadPriority int      `json:"load_priority,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Skill is a published artifact at a canonical taxonomy path.
type Skill struct {
	SkillID         string
	CanonicalPath   string
	Version         string
	Metadata        SkillMetadata
	Content         string
	Status          SkillStatus
	ParentVersionID string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Alias resolves a legacy or alternative path to a canonical skill. It
// resolves only on read, never on write.
type Alias struct {
	AliasPath string
	SkillID   string
}

// TaxonomyNode is a directory-like category in the tree. The ancestor
// relation itself is carried by the closure table, not
// by this struct, so reads never recurse at request time.
type TaxonomyNode struct {
	Path     string
	Children []string
}

// ClosureEdge is one row of a materialized ancestor/descendant relation,
// used for both the taxonomy tree and the skill dependency graph.
type ClosureEdge struct {
	Ancestor   string
	Descendant string
	Depth      int
}
