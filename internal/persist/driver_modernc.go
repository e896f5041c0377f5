//go:build !cgo_sqlite

package persist

// modernc.org/sqlite is a pure Go SQLite driver, used by default so
// skillforge builds without a C toolchain. Build with -tags cgo_sqlite to
// swap in mattn/go-sqlite3 instead.
import (
	_ "modernc.org/sqlite"
)

const driverName = "sqlite"
