// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"errors"

	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

const roomsSchema = `
-- The current state snapshot of every room.
CREATE TABLE IF NOT EXISTS syncapi_rooms (
  room_id TEXT NOT NULL PRIMARY KEY,
  snapshot_id INTEGER NOT NULL
);
`

const upsertCurrentSnapshotSQL = "" +
	"INSERT INTO syncapi_rooms (room_id, snapshot_id) VALUES ($1, $2)" +
	" ON CONFLICT (room_id) DO UPDATE SET snapshot_id = $2"

const selectCurrentSnapshotSQL = "" +
	"SELECT snapshot_id FROM syncapi_rooms WHERE room_id = $1"

type roomsStatements struct {
	upsertCurrentSnapshotStmt *sql.Stmt
	selectCurrentSnapshotStmt *sql.Stmt
}

func NewSqliteRoomsTable(db *sql.DB) (tables.Rooms, error) {
	s := &roomsStatements{}
	if _, err := db.Exec(roomsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertCurrentSnapshotStmt, upsertCurrentSnapshotSQL},
		{&s.selectCurrentSnapshotStmt, selectCurrentSnapshotSQL},
	}.Prepare(db)
}

func (s *roomsStatements) UpsertCurrentSnapshot(
	ctx context.Context, txn *sql.Tx, roomID string, snapshotID types.StateSnapshotID,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertCurrentSnapshotStmt).ExecContext(ctx, roomID, snapshotID)
	return err
}

func (s *roomsStatements) SelectCurrentSnapshot(
	ctx context.Context, txn *sql.Tx, roomID string,
) (types.StateSnapshotID, error) {
	var snapshotID types.StateSnapshotID
	err := sqlutil.TxStmt(txn, s.selectCurrentSnapshotStmt).QueryRowContext(ctx, roomID).Scan(&snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return snapshotID, err
}
