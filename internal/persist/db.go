// Package persist holds skillforge's durable state: jobs, HITL
// interactions, phase runs, published skills, and the taxonomy closure
// tables. database/sql over SQLite, PRAGMA tuning on open, additive
// ALTER-TABLE migrations.
package persist

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"skillforge/internal/logging"
)

// DB wraps a single SQLite connection. SQLite serializes writers regardless
// of pool size, so callers share this connection and rely on SQLite's own
// locking plus WAL mode for concurrent readers.
type DB struct {
	conn *sql.DB
	path string
}

// Open resolves a DATABASE_URL value (a bare filesystem path, or a
// "sqlite://" / "file:" prefixed one) to a DB, creating its parent
// directory and applying PRAGMA tuning before running migrations.
func Open(databaseURL string) (*DB, error) {
	timer := logging.StartTimer(logging.CategoryPersist, "Open")
	defer timer.Stop()

	path := normalizePath(databaseURL)
	logging.Get(logging.CategoryPersist).Info("opening database at %s", path)

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	conn, err := sql.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			logging.Get(logging.CategoryPersist).Warn("pragma failed %q: %v", pragma, err)
		}
	}

	db := &DB{conn: conn, path: path}
	if err := RunMigrations(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	logging.Get(logging.CategoryPersist).Info("database ready at %s", path)
	return db, nil
}

// normalizePath strips the sqlite://, file:// and file: URL schemes a
// DATABASE_URL value might carry, since the underlying driver just wants a
// filesystem path or ":memory:".
func normalizePath(databaseURL string) string {
	for _, prefix := range []string{"sqlite://", "file://", "file:"} {
		if strings.HasPrefix(databaseURL, prefix) {
			return strings.TrimPrefix(databaseURL, prefix)
		}
	}
	return databaseURL
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	logging.Get(logging.CategoryPersist).Info("closing database at %s", d.path)
	return d.conn.Close()
}

// Conn exposes the raw *sql.DB for repositories in this package.
func (d *DB) Conn() *sql.DB {
	return d.conn
}
