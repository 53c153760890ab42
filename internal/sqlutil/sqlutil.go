package sqlutil

import (
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/config"
)

var skipSanityChecks = false

// Open opens a database specified by its database driver name and a driver-specific data source name,
// usually consisting of at least a database name and connection information.
func Open(dbProperties *config.DatabaseOptions, writer Writer) (*sql.DB, error) {
	var err error
	var driverName, dsn string
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		driverName = SQLiteDriverName()
		dsn, err = ParseFileURI(dbProperties.ConnectionString)
		if err != nil {
			return nil, fmt.Errorf("ParseFileURI: %w", err)
		}
		dsn += sqliteDSNParams
	case dbProperties.ConnectionString.IsPostgres():
		driverName = "postgres"
		dsn = string(dbProperties.ConnectionString)
	default:
		return nil, fmt.Errorf("invalid database connection string %q", dbProperties.ConnectionString)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, err
	}
	if driverName != SQLiteDriverName() {
		logrus.WithFields(logrus.Fields{
			"MaxOpenConns":    dbProperties.MaxOpenConns(),
			"MaxIdleConns":    dbProperties.MaxIdleConns(),
			"ConnMaxLifetime": dbProperties.ConnMaxLifetime(),
			"dataSourceName":  regexp.MustCompile(`://[^@]*@`).ReplaceAllLiteralString(dsn, "://"),
		}).Debug("Setting DB connection limits")
		db.SetMaxOpenConns(dbProperties.MaxOpenConns())
		db.SetMaxIdleConns(dbProperties.MaxIdleConns())
		db.SetConnMaxLifetime(dbProperties.ConnMaxLifetime())
	}
	if !skipSanityChecks {
		if driverName == "postgres" {
			if err = ensurePostgresVersion(db); err != nil {
				return nil, err
			}
		}
	}
	return db, nil
}

func ensurePostgresVersion(db *sql.DB) error {
	var version int
	if err := db.QueryRow("SHOW server_version_num").Scan(&version); err != nil {
		return fmt.Errorf("failed to query server version: %w", err)
	}
	// PostgreSQL 12 is the lowest version supporting the queries in this repository.
	if version < 120000 {
		return errors.New("PostgreSQL version must be 12 or higher")
	}
	return nil
}
