// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/userapi/api"
	"github.com/element-hq/syncengine/userapi/storage/sqlite3/deltas"
	"github.com/element-hq/syncengine/userapi/storage/tables"
)

const devicesSchema = `
-- This sequence is used for automatic allocation of session_id.
-- CREATE SEQUENCE IF NOT EXISTS device_session_id_seq START 1;

-- Stores data about devices.
CREATE TABLE IF NOT EXISTS userapi_devices (
    access_token TEXT PRIMARY KEY,
    session_id INTEGER,
    device_id TEXT ,
    localpart TEXT ,
    server_name TEXT NOT NULL,
    created_ts BIGINT,
    display_name TEXT,
    last_seen_ts BIGINT,

    UNIQUE (localpart, server_name, device_id)
);
`

const insertDeviceSQL = "" +
	"INSERT INTO userapi_devices (device_id, localpart, server_name, access_token, created_ts, display_name, session_id, last_seen_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)"

const selectDevicesCountSQL = "" +
	"SELECT COUNT(access_token) FROM userapi_devices"

const selectDeviceByTokenSQL = "" +
	"SELECT session_id, device_id, localpart, server_name, display_name, last_seen_ts FROM userapi_devices WHERE access_token = $1"

const selectDeviceByIDSQL = "" +
	"SELECT access_token, session_id, display_name, last_seen_ts FROM userapi_devices WHERE localpart = $1 AND server_name = $2 AND device_id = $3"

const selectDevicesByLocalpartSQL = "" +
	"SELECT device_id, access_token, session_id, display_name, last_seen_ts FROM userapi_devices WHERE localpart = $1 AND server_name = $2 ORDER BY last_seen_ts DESC"

const deleteDeviceSQL = "" +
	"DELETE FROM userapi_devices WHERE device_id = $1 AND localpart = $2 AND server_name = $3"

const deleteDevicesByLocalpartSQL = "" +
	"DELETE FROM userapi_devices WHERE localpart = $1 AND server_name = $2"

const updateDeviceLastSeenSQL = "" +
	"UPDATE userapi_devices SET last_seen_ts = $1 WHERE localpart = $2 AND server_name = $3 AND device_id = $4"

type devicesStatements struct {
	db                           *sql.DB
	insertDeviceStmt             *sql.Stmt
	selectDevicesCountStmt       *sql.Stmt
	selectDeviceByTokenStmt      *sql.Stmt
	selectDeviceByIDStmt         *sql.Stmt
	selectDevicesByLocalpartStmt *sql.Stmt
	deleteDeviceStmt             *sql.Stmt
	deleteDevicesByLocalpartStmt *sql.Stmt
	updateDeviceLastSeenStmt     *sql.Stmt
}

func NewSQLiteDevicesTable(db *sql.DB) (tables.DevicesTable, error) {
	s := &devicesStatements{
		db: db,
	}
	_, err := db.Exec(devicesSchema)
	if err != nil {
		return nil, err
	}
	m := sqlutil.NewMigrator(db)
	m.AddMigrations(sqlutil.Migration{
		Version: "userapi: lowercase device localparts",
		Up:      deltas.UpNormalizeLocalparts,
	})
	if err = m.Up(context.Background()); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertDeviceStmt, insertDeviceSQL},
		{&s.selectDevicesCountStmt, selectDevicesCountSQL},
		{&s.selectDeviceByTokenStmt, selectDeviceByTokenSQL},
		{&s.selectDeviceByIDStmt, selectDeviceByIDSQL},
		{&s.selectDevicesByLocalpartStmt, selectDevicesByLocalpartSQL},
		{&s.deleteDeviceStmt, deleteDeviceSQL},
		{&s.deleteDevicesByLocalpartStmt, deleteDevicesByLocalpartSQL},
		{&s.updateDeviceLastSeenStmt, updateDeviceLastSeenSQL},
	}.Prepare(db)
}

// InsertDevice creates a new device. Returns an error if any device with the same access token already exists.
// Returns an error if the user already has a device with the given device ID.
// Returns the device on success.
func (s *devicesStatements) InsertDevice(
	ctx context.Context, txn *sql.Tx, id, localpart string, serverName spec.ServerName,
	accessToken string, displayName *string, createdTS int64,
) (*api.Device, error) {
	var sessionID int64
	countStmt := sqlutil.TxStmt(txn, s.selectDevicesCountStmt)
	if err := countStmt.QueryRowContext(ctx).Scan(&sessionID); err != nil {
		return nil, err
	}
	sessionID++
	insertStmt := sqlutil.TxStmt(txn, s.insertDeviceStmt)
	if _, err := insertStmt.ExecContext(ctx, id, localpart, serverName, accessToken, createdTS, displayName, sessionID, createdTS); err != nil {
		return nil, err
	}
	dev := &api.Device{
		ID:          id,
		UserID:      makeUserID(localpart, serverName),
		AccessToken: accessToken,
		SessionID:   sessionID,
		LastSeenTS:  createdTS,
	}
	if displayName != nil {
		dev.DisplayName = *displayName
	}
	return dev, nil
}

func (s *devicesStatements) SelectDeviceByToken(ctx context.Context, accessToken string) (*api.Device, error) {
	var dev api.Device
	var localpart string
	var serverName spec.ServerName
	var displayName sql.NullString
	var lastSeenTS sql.NullInt64
	err := s.selectDeviceByTokenStmt.QueryRowContext(ctx, accessToken).Scan(
		&dev.SessionID, &dev.ID, &localpart, &serverName, &displayName, &lastSeenTS,
	)
	if err != nil {
		return nil, err
	}
	dev.UserID = makeUserID(localpart, serverName)
	dev.AccessToken = accessToken
	dev.DisplayName = displayName.String
	dev.LastSeenTS = lastSeenTS.Int64
	return &dev, nil
}

// SelectDeviceByID retrieves a device from the database with the given user
// localpart and deviceID
func (s *devicesStatements) SelectDeviceByID(
	ctx context.Context, localpart string, serverName spec.ServerName, deviceID string,
) (*api.Device, error) {
	var displayName sql.NullString
	var lastSeenTS sql.NullInt64
	dev := api.Device{
		ID:     deviceID,
		UserID: makeUserID(localpart, serverName),
	}
	err := s.selectDeviceByIDStmt.QueryRowContext(ctx, localpart, serverName, deviceID).Scan(
		&dev.AccessToken, &dev.SessionID, &displayName, &lastSeenTS,
	)
	if err != nil {
		return nil, err
	}
	dev.DisplayName = displayName.String
	dev.LastSeenTS = lastSeenTS.Int64
	return &dev, nil
}

func (s *devicesStatements) SelectDevicesByLocalpart(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName,
) ([]api.Device, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectDevicesByLocalpartStmt).QueryContext(ctx, localpart, serverName)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectDevicesByLocalpart: rows.close() failed")
	devices := []api.Device{}
	for rows.Next() {
		var dev api.Device
		var displayName sql.NullString
		var lastSeenTS sql.NullInt64
		if err = rows.Scan(&dev.ID, &dev.AccessToken, &dev.SessionID, &displayName, &lastSeenTS); err != nil {
			return nil, err
		}
		dev.UserID = makeUserID(localpart, serverName)
		dev.DisplayName = displayName.String
		dev.LastSeenTS = lastSeenTS.Int64
		devices = append(devices, dev)
	}
	return devices, rows.Err()
}

func (s *devicesStatements) DeleteDevice(
	ctx context.Context, txn *sql.Tx, id, localpart string, serverName spec.ServerName,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteDeviceStmt).ExecContext(ctx, id, localpart, serverName)
	return err
}

func (s *devicesStatements) DeleteDevicesByLocalpart(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName,
) error {
	_, err := sqlutil.TxStmt(txn, s.deleteDevicesByLocalpartStmt).ExecContext(ctx, localpart, serverName)
	return err
}

func (s *devicesStatements) UpdateDeviceLastSeen(
	ctx context.Context, txn *sql.Tx, localpart string, serverName spec.ServerName, deviceID string, lastSeenTS int64,
) error {
	_, err := sqlutil.TxStmt(txn, s.updateDeviceLastSeenStmt).ExecContext(ctx, lastSeenTS, localpart, serverName, deviceID)
	return err
}

func makeUserID(localpart string, serverName spec.ServerName) string {
	return "@" + localpart + ":" + string(serverName)
}
