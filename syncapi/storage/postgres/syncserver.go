// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"database/sql"

	// Import the postgres database driver.
	_ "github.com/lib/pq"

	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/storage/shared"
)

// SyncServerDatasource represents a sync server datasource which manages
// both the database for PDUs and caches for EDUs.
type SyncServerDatasource struct {
	shared.Database
	db     *sql.DB
	writer sqlutil.Writer
}

// NewDatabase creates a new sync server database
func NewDatabase(
	conMan *sqlutil.Connections, dbProperties *config.DatabaseOptions,
	cache shared.Cache, roomLocks *roomlock.Registry,
) (*SyncServerDatasource, error) {
	var d SyncServerDatasource
	var err error
	if d.db, d.writer, err = conMan.Connection(dbProperties); err != nil {
		return nil, err
	}
	streamID, err := NewPostgresStreamIDTable(d.db)
	if err != nil {
		return nil, err
	}
	events, err := NewPostgresEventsTable(d.db)
	if err != nil {
		return nil, err
	}
	snapshots, err := NewPostgresStateSnapshotsTable(d.db)
	if err != nil {
		return nil, err
	}
	rooms, err := NewPostgresRoomsTable(d.db)
	if err != nil {
		return nil, err
	}
	memberships, err := NewPostgresMembershipsTable(d.db)
	if err != nil {
		return nil, err
	}
	tokenSnapshots, err := NewPostgresTokenSnapshotsTable(d.db)
	if err != nil {
		return nil, err
	}
	receipts, err := NewPostgresReceiptsTable(d.db)
	if err != nil {
		return nil, err
	}
	presence, err := NewPostgresPresenceTable(d.db)
	if err != nil {
		return nil, err
	}
	accountData, err := NewPostgresAccountDataTable(d.db)
	if err != nil {
		return nil, err
	}
	keyChanges, err := NewPostgresKeyChangesTable(d.db)
	if err != nil {
		return nil, err
	}
	sendToDevice, err := NewPostgresSendToDeviceTable(d.db)
	if err != nil {
		return nil, err
	}
	otkCounts, err := NewPostgresOneTimeKeyCountsTable(d.db)
	if err != nil {
		return nil, err
	}
	notificationData, err := NewPostgresNotificationDataTable(d.db)
	if err != nil {
		return nil, err
	}
	d.Database = shared.Database{
		DB:               d.db,
		Writer:           d.writer,
		StreamID:         streamID,
		Events:           events,
		Snapshots:        snapshots,
		Rooms:            rooms,
		Memberships:      memberships,
		TokenSnapshots:   tokenSnapshots,
		Receipts:         receipts,
		Presence:         presence,
		AccountData:      accountData,
		KeyChanges:       keyChanges,
		SendToDevice:     sendToDevice,
		OTKCounts:        otkCounts,
		NotificationData: notificationData,
		Cache:            cache,
		RoomLocks:        roomLocks,
	}
	return &d, nil
}
