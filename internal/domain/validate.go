package domain

import (
	"regexp"
	"strings"

	"skillforge/internal/apperrors"
)

// canonicalSegmentRe matches one canonical taxonomy path segment.
var canonicalSegmentRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// aliasSegmentRe is the broader pattern legacy aliases are allowed to use.
var aliasSegmentRe = regexp.MustCompile(`^[a-z0-9_.-]+$`)

// skillNameRe matches a kebab-case skill name.
var skillNameRe = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

const (
	minTaskDescriptionLen = 10
	maxTaskDescriptionLen = 5000
	maxUserIDLen          = 128
	maxCanonicalPathLen   = 512
	maxCanonicalSegments  = 8
	maxSkillNameLen       = 64
	maxSkillDescLen       = 1024
)

// ValidateTaskDescription enforces the 10..5000 char bounds.
func ValidateTaskDescription(s string) error {
	n := len(s)
	if n < minTaskDescriptionLen || n > maxTaskDescriptionLen {
		return apperrors.New(apperrors.KindInvalidInput,
			"task_description must be between 10 and 5000 characters")
	}
	return nil
}

// ValidateUserID enforces the <=128 char limit on the opaque user identifier.
func ValidateUserID(s string) error {
	if len(s) > maxUserIDLen {
		return apperrors.New(apperrors.KindInvalidInput, "user_id must be at most 128 characters")
	}
	return nil
}

// ValidateSkillName enforces kebab-case, <=64 chars.
func ValidateSkillName(s string) error {
	if s == "" || len(s) > maxSkillNameLen {
		return apperrors.New(apperrors.KindInvalidInput, "skill name must be 1..64 characters")
	}
	if !skillNameRe.MatchString(s) {
		return apperrors.New(apperrors.KindInvalidInput, "skill name must be lowercase kebab-case")
	}
	return nil
}

// ValidateSkillDescription enforces the 1..1024 char bound on metadata description.
func ValidateSkillDescription(s string) error {
	n := len(s)
	if n < 1 || n > maxSkillDescLen {
		return apperrors.New(apperrors.KindInvalidInput, "description must be 1..1024 characters")
	}
	return nil
}

// ValidateCanonicalPath enforces 1..8 segments, each matching
// ^[a-z0-9_-]+$, total length <=512.
func ValidateCanonicalPath(path string) error {
	if len(path) > maxCanonicalPathLen {
		return apperrors.New(apperrors.KindInvalidInput, "canonical path too long")
	}
	segments := strings.Split(path, "/")
	if len(segments) == 0 || len(segments) > maxCanonicalSegments {
		return apperrors.New(apperrors.KindInvalidInput, "canonical path must have 1..8 segments")
	}
	for _, seg := range segments {
		if !canonicalSegmentRe.MatchString(seg) {
			return apperrors.New(apperrors.KindInvalidInput,
				"canonical path segment \""+seg+"\" must match ^[a-z0-9_-]+$")
		}
	}
	return nil
}

// ValidateAliasPath enforces the broader legacy alias pattern.
func ValidateAliasPath(path string) error {
	if path == "" {
		return apperrors.New(apperrors.KindInvalidInput, "alias path must not be empty")
	}
	for _, seg := range strings.Split(path, "/") {
		if !aliasSegmentRe.MatchString(seg) {
			return apperrors.New(apperrors.KindInvalidInput,
				"alias path segment \""+seg+"\" must match ^[a-z0-9_.-]+$")
		}
	}
	return nil
}
