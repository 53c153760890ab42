// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"database/sql"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type DBType int

var DBTypeSQLite DBType = 1
var DBTypePostgres DBType = 2

var Quiet = false
var Required = os.Getenv("SYNCENGINE_TEST_SKIP_NODB") == ""

func fatalError(t *testing.T, format string, args ...interface{}) {
	if Required {
		t.Fatalf(format, args...)
	} else {
		t.Skipf(format, args...)
	}
}

func createLocalDB(t *testing.T, dbName string) {
	if !Quiet {
		t.Log("Note: tests require a postgres install accessible to the current user")
	}
	connStr := fmt.Sprintf("%s dbname=postgres sslmode=disable", defaultConnectionString())
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		fatalError(t, "failed to open postgres connection: %s", err)
		return
	}
	defer db.Close() // nolint: errcheck
	if _, err = db.Exec("CREATE DATABASE " + pq.QuoteIdentifier(dbName)); err != nil {
		fatalError(t, "failed to create database %s: %s", dbName, err)
	}
}

func dropDatabase(t *testing.T, dbName string) {
	connStr := fmt.Sprintf("%s dbname=postgres sslmode=disable", defaultConnectionString())
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Logf("failed to open postgres connection to drop %s: %s", dbName, err)
		return
	}
	defer db.Close() // nolint: errcheck
	if _, err = db.Exec("DROP DATABASE IF EXISTS " + pq.QuoteIdentifier(dbName)); err != nil {
		t.Logf("failed to drop database %s: %s", dbName, err)
	}
}

func defaultConnectionString() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		host = "localhost"
	}
	connStr := fmt.Sprintf("host=%s", host)
	if port := os.Getenv("POSTGRES_PORT"); port != "" {
		connStr += fmt.Sprintf(" port=%s", port)
	}
	pgUser := os.Getenv("POSTGRES_USER")
	if pgUser == "" {
		if u, err := user.Current(); err == nil {
			pgUser = u.Username
		}
	}
	if pgUser != "" {
		connStr += fmt.Sprintf(" user=%s", pgUser)
	}
	if password := os.Getenv("POSTGRES_PASSWORD"); password != "" {
		connStr += fmt.Sprintf(" password=%s", password)
	}
	return connStr
}

// PrepareDBConnectionString returns a connection string to a fresh database
// of the given type, and a function that removes the database again.
// SQLite databases live in a file under the test's temporary directory, so
// that every connection in a pool sees the same data.
func PrepareDBConnectionString(t *testing.T, dbType DBType) (connStr string, close func()) {
	if dbType == DBTypeSQLite {
		dbPath := filepath.Join(t.TempDir(), "syncengine_test.db")
		return fmt.Sprintf("file:%s", dbPath), func() {}
	}

	dbName := "syncengine_test_" + uuid.NewString()[:8]
	createLocalDB(t, dbName)
	connStr = fmt.Sprintf("%s dbname=%s sslmode=disable", defaultConnectionString(), dbName)
	return connStr, func() {
		dropDatabase(t, dbName)
	}
}

// WithAllDatabases runs testFn against SQLite, and against postgres as well
// when POSTGRES_HOST is set.
func WithAllDatabases(t *testing.T, testFn func(t *testing.T, db DBType)) {
	dbs := map[string]DBType{
		"sqlite": DBTypeSQLite,
	}
	if os.Getenv("POSTGRES_HOST") != "" {
		dbs["postgres"] = DBTypePostgres
	}
	for dbName, dbType := range dbs {
		dbt := dbType
		t.Run(dbName, func(tt *testing.T) {
			tt.Parallel()
			testFn(tt, dbt)
		})
	}
}

// UnsortedStringSliceEqual reports whether a and b hold the same strings,
// ignoring order.
func UnsortedStringSliceEqual(first, second []string) bool {
	if len(first) != len(second) {
		return false
	}
	a, b := make([]string, len(first)), make([]string, len(second))
	copy(a, first)
	copy(b, second)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
