package taxonomy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"skillforge/internal/apperrors"
)

// SafePath is a storage-relative path that has already passed the
// sanitizer. Paths built from caller-supplied names (identifiers, job ids,
// skill names, taxonomy paths) reach the disk only as SafePaths; the fixed
// reserved subtrees under the root are joined to it directly.
type SafePath struct {
	rel string
	abs string
}

// Rel returns the sanitized path relative to the storage root.
func (p SafePath) Rel() string { return p.rel }

// Abs returns the absolute on-disk location under the storage root.
func (p SafePath) Abs() string { return p.abs }

// Sanitizer constructs SafePaths contained within one storage root.
type Sanitizer struct {
	root string
}

// NewSanitizer anchors a Sanitizer at root. root is resolved to an absolute
// path once, up front, so the containment check below compares stable
// prefixes.
func NewSanitizer(root string) (*Sanitizer, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root %s: %w", root, err)
	}
	return &Sanitizer{root: abs}, nil
}

// Root returns the absolute storage root this sanitizer is anchored at.
func (s *Sanitizer) Root() string { return s.root }

// Sanitize validates raw and returns it as a SafePath. It rejects absolute
// paths, ".." segments, null bytes, empty segments, backslashes, and any
// result that escapes the storage root. The containment check runs on the
// lexically joined path before any filesystem call touches it.
func (s *Sanitizer) Sanitize(raw string) (SafePath, error) {
	if raw == "" {
		return SafePath{}, apperrors.New(apperrors.KindPathUnsafe, "empty path")
	}
	if strings.ContainsRune(raw, 0) {
		return SafePath{}, apperrors.New(apperrors.KindPathUnsafe, "path contains a null byte")
	}
	if strings.ContainsRune(raw, '\\') {
		return SafePath{}, apperrors.New(apperrors.KindPathUnsafe, "path contains a backslash")
	}
	if filepath.IsAbs(raw) || strings.HasPrefix(raw, "/") {
		return SafePath{}, apperrors.New(apperrors.KindPathUnsafe, "absolute paths are not allowed")
	}

	for _, seg := range strings.Split(raw, "/") {
		if seg == "" {
			return SafePath{}, apperrors.New(apperrors.KindPathUnsafe, "path contains an empty segment")
		}
		if seg == "." || seg == ".." {
			return SafePath{}, apperrors.New(apperrors.KindPathUnsafe, "path contains a relative segment")
		}
	}

	abs := filepath.Join(s.root, filepath.FromSlash(raw))
	if abs != s.root && !strings.HasPrefix(abs, s.root+string(filepath.Separator)) {
		return SafePath{}, apperrors.New(apperrors.KindPathUnsafe, "path escapes the storage root")
	}

	// Symlinked inputs are rejected: any already-existing component of the
	// path must be a real directory or file, so a link planted inside the
	// root cannot redirect a later write outside it.
	if err := s.rejectSymlinks(abs); err != nil {
		return SafePath{}, err
	}

	return SafePath{rel: raw, abs: abs}, nil
}

// Join sanitizes the slash-joined extension of an already safe path.
func (s *Sanitizer) Join(base SafePath, elems ...string) (SafePath, error) {
	parts := append([]string{base.rel}, elems...)
	return s.Sanitize(strings.Join(parts, "/"))
}

func (s *Sanitizer) rejectSymlinks(abs string) error {
	for p := abs; len(p) > len(s.root); p = filepath.Dir(p) {
		info, err := os.Lstat(p)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("lstat %s: %w", p, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return apperrors.New(apperrors.KindPathUnsafe, "path traverses a symlink")
		}
	}
	return nil
}
