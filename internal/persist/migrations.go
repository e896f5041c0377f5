package persist

import (
	"database/sql"
	"fmt"

	"skillforge/internal/logging"
)

// CurrentSchemaVersion is bumped whenever baseTables or pendingMigrations
// change in a way that existing databases need to catch up on.
const CurrentSchemaVersion = 1

// columnMigration is one additive "add this column if the table already
// exists but lacks it" step, applied after the base tables are created so
// that databases from an earlier skillforge version catch up without a
// destructive rebuild.
type columnMigration struct {
	Table  string
	Column string
	Def    string
}

// pendingMigrations is empty at schema v1; it exists so later columns can be
// added the additive way without touching baseTables.
var pendingMigrations = []columnMigration{}

var baseTables = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		job_id            TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		task_description  TEXT NOT NULL,
		status            TEXT NOT NULL,
		current_phase     TEXT NOT NULL,
		progress_percent  INTEGER NOT NULL DEFAULT 0,
		hitl_json         TEXT,
		result_json       TEXT,
		error_json        TEXT,
		draft_location    TEXT,
		promoted          INTEGER NOT NULL DEFAULT 0,
		auto_approve      INTEGER NOT NULL DEFAULT 0,
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL,
		completed_at      DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_user ON jobs(user_id)`,

	`CREATE TABLE IF NOT EXISTS phase_runs (
		job_id        TEXT NOT NULL,
		phase         TEXT NOT NULL,
		attempt       INTEGER NOT NULL,
		started_at    DATETIME NOT NULL,
		ended_at      DATETIME,
		outcome       TEXT NOT NULL,
		input_digest  TEXT,
		output_digest TEXT,
		PRIMARY KEY (job_id, phase, attempt)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_phase_runs_job ON phase_runs(job_id)`,

	`CREATE TABLE IF NOT EXISTS hitl_interactions (
		job_id       TEXT NOT NULL,
		round        INTEGER NOT NULL,
		type         TEXT NOT NULL,
		prompt_json  TEXT NOT NULL,
		response_json TEXT,
		created_at   DATETIME NOT NULL,
		responded_at DATETIME,
		timeout_at   DATETIME NOT NULL,
		status       TEXT NOT NULL,
		idempotency_key TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (job_id, round)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_hitl_status ON hitl_interactions(status)`,

	`CREATE TABLE IF NOT EXISTS skills (
		skill_id          TEXT PRIMARY KEY,
		canonical_path    TEXT NOT NULL,
		version           TEXT NOT NULL,
		metadata_json     TEXT NOT NULL,
		content           TEXT NOT NULL,
		status            TEXT NOT NULL,
		parent_version_id TEXT,
		created_at        DATETIME NOT NULL,
		updated_at        DATETIME NOT NULL,
		UNIQUE(canonical_path, version)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_skills_path ON skills(canonical_path)`,
	`CREATE INDEX IF NOT EXISTS idx_skills_status ON skills(status)`,

	`CREATE TABLE IF NOT EXISTS aliases (
		alias_path TEXT PRIMARY KEY,
		skill_id   TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS taxonomy_closure (
		ancestor   TEXT NOT NULL,
		descendant TEXT NOT NULL,
		depth      INTEGER NOT NULL,
		PRIMARY KEY (ancestor, descendant)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_taxonomy_descendant ON taxonomy_closure(descendant)`,

	`CREATE TABLE IF NOT EXISTS skill_dependency_closure (
		ancestor   TEXT NOT NULL,
		descendant TEXT NOT NULL,
		depth      INTEGER NOT NULL,
		PRIMARY KEY (ancestor, descendant)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_dep_closure_descendant ON skill_dependency_closure(descendant)`,

	`CREATE TABLE IF NOT EXISTS schema_versions (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		version     INTEGER NOT NULL,
		applied_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	)`,
}

// RunMigrations creates any missing base tables, applies additive column
// migrations, and records the schema version. It never drops or rewrites
// existing data.
func RunMigrations(db *sql.DB) error {
	timer := logging.StartTimer(logging.CategoryPersist, "RunMigrations")
	defer timer.Stop()

	for _, stmt := range baseTables {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("create base table: %w", err)
		}
	}

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(db, m.Table) {
			continue
		}
		if columnExists(db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := db.Exec(stmt); err != nil {
			logging.Get(logging.CategoryPersist).Warn("migration failed %s.%s: %v", m.Table, m.Column, err)
			continue
		}
		applied++
	}

	if err := recordSchemaVersion(db, CurrentSchemaVersion); err != nil {
		return err
	}

	logging.Get(logging.CategoryPersist).Info("migrations complete: applied=%d", applied)
	return nil
}

func recordSchemaVersion(db *sql.DB, version int) error {
	var latest int
	err := db.QueryRow("SELECT version FROM schema_versions ORDER BY id DESC LIMIT 1").Scan(&latest)
	if err == nil && latest == version {
		return nil
	}
	_, err = db.Exec("INSERT INTO schema_versions (version) VALUES (?)", version)
	if err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

func tableExists(db *sql.DB, table string) bool {
	var count int
	err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	return err == nil && count > 0
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
