//go:build !cgo
// +build !cgo

package sqlutil

import (
	_ "modernc.org/sqlite"
)

// Readers wait for the writer instead of failing with SQLITE_BUSY.
const sqliteDSNParams = "?_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)"

func SQLiteDriverName() string {
	return "sqlite"
}
