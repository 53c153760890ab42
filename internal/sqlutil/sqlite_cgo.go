//go:build cgo
// +build cgo

package sqlutil

import (
	_ "github.com/mattn/go-sqlite3"
)

// Readers wait for the writer instead of failing with SQLITE_BUSY.
const sqliteDSNParams = "?_busy_timeout=10000&_journal_mode=WAL&_foreign_keys=off"

func SQLiteDriverName() string {
	return "sqlite3"
}
