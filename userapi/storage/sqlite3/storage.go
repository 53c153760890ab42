// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/userapi/storage/shared"
)

// NewUserDatabase creates a new accounts and profiles database
func NewUserDatabase(conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions, serverName spec.ServerName) (*shared.Database, error) {
	db, writer, err := conMan.Connection(dbProperties)
	if err != nil {
		return nil, err
	}
	devicesTable, err := NewSQLiteDevicesTable(db)
	if err != nil {
		return nil, fmt.Errorf("NewSQLiteDevicesTable: %w", err)
	}
	return &shared.Database{
		DB:         db,
		Writer:     writer,
		Devices:    devicesTable,
		ServerName: serverName,
	}, nil
}
