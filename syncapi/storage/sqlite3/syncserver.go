// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/syncapi/storage/shared"
)

// SyncServerDatasource represents a sync server datasource which manages
// both the database for PDUs and caches for EDUs.
type SyncServerDatasource struct {
	shared.Database
	db       *sql.DB
	writer   sqlutil.Writer
	streamID StreamIDStatements
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
	if err = d.prepare(cache, roomLocks); err != nil {
		return nil, err
	}
	return &d, nil
}

func (d *SyncServerDatasource) prepare(cache shared.Cache, roomLocks *roomlock.Registry) (err error) {
	if err = d.streamID.Prepare(d.db); err != nil {
		return err
	}
	events, err := NewSqliteEventsTable(d.db)
	if err != nil {
		return err
	}
	snapshots, err := NewSqliteStateSnapshotsTable(d.db)
	if err != nil {
		return err
	}
	rooms, err := NewSqliteRoomsTable(d.db)
	if err != nil {
		return err
	}
	memberships, err := NewSqliteMembershipsTable(d.db)
	if err != nil {
		return err
	}
	tokenSnapshots, err := NewSqliteTokenSnapshotsTable(d.db)
	if err != nil {
		return err
	}
	receipts, err := NewSqliteReceiptsTable(d.db)
	if err != nil {
		return err
	}
	presence, err := NewSqlitePresenceTable(d.db)
	if err != nil {
		return err
	}
	accountData, err := NewSqliteAccountDataTable(d.db)
	if err != nil {
		return err
	}
	keyChanges, err := NewSqliteKeyChangesTable(d.db)
	if err != nil {
		return err
	}
	sendToDevice, err := NewSqliteSendToDeviceTable(d.db)
	if err != nil {
		return err
	}
	otkCounts, err := NewSqliteOneTimeKeyCountsTable(d.db)
	if err != nil {
		return err
	}
	notificationData, err := NewSqliteNotificationDataTable(d.db)
	if err != nil {
		return err
	}
	d.Database = shared.Database{
		DB:               d.db,
		Writer:           d.writer,
		StreamID:         &d.streamID,
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
		FlushFunc:        d.checkpoint,
	}
	return nil
}

// checkpoint moves committed pages from the WAL into the main database
// file. It goes through the writer so it never interleaves with a write.
func (d *SyncServerDatasource) checkpoint(ctx context.Context) error {
	return d.writer.Do(nil, nil, func(_ *sql.Tx) error {
		_, err := d.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
		return err
	})
}
