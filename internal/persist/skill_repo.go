package persist

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
	"skillforge/internal/logging"
)

// SkillRepo persists published skill versions and their aliases. Promotion
// writes a new skills row and, when the skill is superseding an earlier
// version at the same path, flips the old row to Deprecated in the same
// transaction.
type SkillRepo struct {
	db *DB
	mu sync.Mutex
}

// NewSkillRepo wraps an open DB for skill persistence.
func NewSkillRepo(db *DB) *SkillRepo {
	return &SkillRepo{db: db}
}

// Publish inserts a new skill version as Active and deprecates whatever was
// previously Active at the same canonical path, atomically.
func (r *SkillRepo) Publish(skill *domain.Skill) error {
	timer := logging.StartTimer(logging.CategoryPersist, "SkillRepo.Publish")
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	metaJSON, err := json.Marshal(skill.Metadata)
	if err != nil {
		return fmt.Errorf("marshal skill metadata: %w", err)
	}

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("begin publish tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`UPDATE skills SET status=?, updated_at=? WHERE canonical_path=? AND status=?`,
		string(domain.SkillStatusDeprecated), skill.UpdatedAt, skill.CanonicalPath, string(domain.SkillStatusActive),
	); err != nil {
		return fmt.Errorf("deprecate previous active skill: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO skills (skill_id, canonical_path, version, metadata_json, content, status,
			parent_version_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		skill.SkillID, skill.CanonicalPath, skill.Version, string(metaJSON), skill.Content,
		string(domain.SkillStatusActive), skill.ParentVersionID, skill.CreatedAt, skill.UpdatedAt,
	); err != nil {
		return fmt.Errorf("insert skill: %w", err)
	}

	return tx.Commit()
}

// GetActiveByPath returns the currently Active skill at a canonical path.
func (r *SkillRepo) GetActiveByPath(path string) (*domain.Skill, error) {
	row := r.db.Conn().QueryRow(
		`SELECT skill_id, canonical_path, version, metadata_json, content, status, parent_version_id, created_at, updated_at
		 FROM skills WHERE canonical_path=? AND status=?`, path, string(domain.SkillStatusActive))
	skill, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.KindNotFound, "no active skill at "+path)
	}
	if err != nil {
		return nil, fmt.Errorf("get active skill %s: %w", path, err)
	}
	return skill, nil
}

// GetByID returns a skill by its immutable id, regardless of status.
func (r *SkillRepo) GetByID(skillID string) (*domain.Skill, error) {
	row := r.db.Conn().QueryRow(
		`SELECT skill_id, canonical_path, version, metadata_json, content, status, parent_version_id, created_at, updated_at
		 FROM skills WHERE skill_id=?`, skillID)
	skill, err := scanSkill(row)
	if err == sql.ErrNoRows {
		return nil, apperrors.New(apperrors.KindNotFound, "skill "+skillID+" not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get skill %s: %w", skillID, err)
	}
	return skill, nil
}

// ResolveAlias maps an alias path to the skill it currently points at.
func (r *SkillRepo) ResolveAlias(aliasPath string) (string, error) {
	var skillID string
	err := r.db.Conn().QueryRow(`SELECT skill_id FROM aliases WHERE alias_path=?`, aliasPath).Scan(&skillID)
	if err == sql.ErrNoRows {
		return "", apperrors.New(apperrors.KindNotFound, "no alias at "+aliasPath)
	}
	if err != nil {
		return "", fmt.Errorf("resolve alias %s: %w", aliasPath, err)
	}
	return skillID, nil
}

// SetAlias upserts an alias -> skill mapping.
func (r *SkillRepo) SetAlias(aliasPath, skillID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, err := r.db.Conn().Exec(
		`INSERT INTO aliases (alias_path, skill_id) VALUES (?, ?)
		 ON CONFLICT(alias_path) DO UPDATE SET skill_id=excluded.skill_id`,
		aliasPath, skillID,
	)
	if err != nil {
		return fmt.Errorf("set alias %s: %w", aliasPath, err)
	}
	return nil
}

// ListByStatus returns every skill with a given status, for taxonomy
// listing and validation sweeps.
func (r *SkillRepo) ListByStatus(status domain.SkillStatus) ([]*domain.Skill, error) {
	rows, err := r.db.Conn().Query(
		`SELECT skill_id, canonical_path, version, metadata_json, content, status, parent_version_id, created_at, updated_at
		 FROM skills WHERE status=?`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list skills by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []*domain.Skill
	for rows.Next() {
		skill, err := scanSkill(rows)
		if err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		out = append(out, skill)
	}
	return out, rows.Err()
}

func scanSkill(row rowScanner) (*domain.Skill, error) {
	var s domain.Skill
	var metaJSON, status string
	var parentVersionID sql.NullString

	err := row.Scan(&s.SkillID, &s.CanonicalPath, &s.Version, &metaJSON, &s.Content, &status,
		&parentVersionID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.Status = domain.SkillStatus(status)
	s.ParentVersionID = parentVersionID.String
	if err := json.Unmarshal([]byte(metaJSON), &s.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal skill metadata: %w", err)
	}
	return &s, nil
}
