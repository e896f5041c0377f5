package persist

import (
	"fmt"
	"sync"

	"skillforge/internal/apperrors"
	"skillforge/internal/domain"
	"skillforge/internal/logging"
)

// ClosureRepo maintains a materialized ancestor/descendant closure table,
// so ancestor and descendant queries never recurse at request time. It
// backs both the taxonomy tree (table "taxonomy_closure") and the skill
// dependency graph (table "skill_dependency_closure") through the same
// operations.
type ClosureRepo struct {
	db    *DB
	table string
	mu    sync.Mutex
}

// NewTaxonomyClosureRepo returns a ClosureRepo backed by taxonomy_closure.
func NewTaxonomyClosureRepo(db *DB) *ClosureRepo {
	return &ClosureRepo{db: db, table: "taxonomy_closure"}
}

// NewSkillDependencyClosureRepo returns a ClosureRepo backed by
// skill_dependency_closure.
func NewSkillDependencyClosureRepo(db *DB) *ClosureRepo {
	return &ClosureRepo{db: db, table: "skill_dependency_closure"}
}

// AddNode inserts the reflexive self-edge for a new node (depth 0), the
// starting point every other edge composes from.
func (r *ClosureRepo) AddNode(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stmt := fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (ancestor, descendant, depth) VALUES (?, ?, 0)`, r.table)
	_, err := r.db.Conn().Exec(stmt, path, path)
	if err != nil {
		return fmt.Errorf("add node %s: %w", path, err)
	}
	return nil
}

// AddEdge links parent -> child directly, then extends the closure table by
// composing every (ancestor -> parent) pair with the new (parent -> child,
// and child's own descendants) pairs. It refuses to create a cycle.
func (r *ClosureRepo) AddEdge(parent, child string) error {
	timer := logging.StartTimer(logging.CategoryPersist, "ClosureRepo.AddEdge")
	defer timer.Stop()

	r.mu.Lock()
	defer r.mu.Unlock()

	wouldCycle, err := r.hasPathLocked(child, parent)
	if err != nil {
		return err
	}
	if wouldCycle || parent == child {
		return apperrors.New(apperrors.KindDependencyCycle,
			fmt.Sprintf("edge %s -> %s would introduce a cycle", parent, child))
	}

	tx, err := r.db.Conn().Begin()
	if err != nil {
		return fmt.Errorf("begin add edge tx: %w", err)
	}
	defer tx.Rollback()

	insert := fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (ancestor, descendant, depth)
		 SELECT a.ancestor, b.descendant, a.depth + b.depth + 1
		 FROM %s a, %s b
		 WHERE a.descendant = ? AND b.ancestor = ?`,
		r.table, r.table, r.table)
	if _, err := tx.Exec(insert, parent, child); err != nil {
		return fmt.Errorf("compose closure edge %s -> %s: %w", parent, child, err)
	}

	return tx.Commit()
}

// hasPathLocked reports whether ancestor already reaches descendant. Callers
// must hold r.mu.
func (r *ClosureRepo) hasPathLocked(ancestor, descendant string) (bool, error) {
	var count int
	stmt := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE ancestor=? AND descendant=?`, r.table)
	if err := r.db.Conn().QueryRow(stmt, ancestor, descendant).Scan(&count); err != nil {
		return false, fmt.Errorf("check path %s -> %s: %w", ancestor, descendant, err)
	}
	return count > 0, nil
}

// HasPath reports whether ancestor reaches descendant through zero or more
// edges (zero edges counts, since every node has a depth-0 self-edge).
func (r *ClosureRepo) HasPath(ancestor, descendant string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasPathLocked(ancestor, descendant)
}

// Descendants returns every node reachable from path, including path
// itself, ordered by increasing depth.
func (r *ClosureRepo) Descendants(path string) ([]domain.ClosureEdge, error) {
	stmt := fmt.Sprintf(
		`SELECT ancestor, descendant, depth FROM %s WHERE ancestor=? ORDER BY depth ASC`, r.table)
	rows, err := r.db.Conn().Query(stmt, path)
	if err != nil {
		return nil, fmt.Errorf("descendants of %s: %w", path, err)
	}
	defer rows.Close()
	return scanClosureEdges(rows)
}

// Ancestors returns every node that reaches path, including path itself,
// ordered by increasing depth.
func (r *ClosureRepo) Ancestors(path string) ([]domain.ClosureEdge, error) {
	stmt := fmt.Sprintf(
		`SELECT ancestor, descendant, depth FROM %s WHERE descendant=? ORDER BY depth ASC`, r.table)
	rows, err := r.db.Conn().Query(stmt, path)
	if err != nil {
		return nil, fmt.Errorf("ancestors of %s: %w", path, err)
	}
	defer rows.Close()
	return scanClosureEdges(rows)
}

// DirectChildren returns nodes at depth exactly 1 below path.
func (r *ClosureRepo) DirectChildren(path string) ([]string, error) {
	stmt := fmt.Sprintf(
		`SELECT descendant FROM %s WHERE ancestor=? AND depth=1 ORDER BY descendant ASC`, r.table)
	rows, err := r.db.Conn().Query(stmt, path)
	if err != nil {
		return nil, fmt.Errorf("direct children of %s: %w", path, err)
	}
	defer rows.Close()

	var children []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, rows.Err()
}

func scanClosureEdges(rows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}) ([]domain.ClosureEdge, error) {
	var out []domain.ClosureEdge
	for rows.Next() {
		var e domain.ClosureEdge
		if err := rows.Scan(&e.Ancestor, &e.Descendant, &e.Depth); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
