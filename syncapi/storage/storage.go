// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"fmt"

	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/storage/postgres"
	"github.com/element-hq/syncengine/syncapi/storage/shared"
	"github.com/element-hq/syncengine/syncapi/storage/sqlite3"
)

// NewSyncServerDatasource opens a database connection.
func NewSyncServerDatasource(
	conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions,
	cache shared.Cache, roomLocks *roomlock.Registry,
) (Database, error) {
	switch {
	case dbProperties.ConnectionString.IsSQLite():
		return sqlite3.NewDatabase(conMan, dbProperties, cache, roomLocks)
	case dbProperties.ConnectionString.IsPostgres():
		return postgres.NewDatabase(conMan, dbProperties, cache, roomLocks)
	default:
		return nil, fmt.Errorf("unexpected database type")
	}
}
