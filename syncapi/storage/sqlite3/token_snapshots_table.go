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

const tokenSnapshotsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_token_snapshots (
  room_id TEXT NOT NULL,
  stream_pos INTEGER NOT NULL,
  snapshot_id INTEGER NOT NULL,
  UNIQUE (room_id, stream_pos)
);
`

const upsertTokenSnapshotSQL = "" +
	"INSERT INTO syncapi_token_snapshots (room_id, stream_pos, snapshot_id) VALUES ($1, $2, $3)" +
	" ON CONFLICT (room_id, stream_pos) DO UPDATE SET snapshot_id = $3"

const selectTokenSnapshotSQL = "" +
	"SELECT snapshot_id FROM syncapi_token_snapshots WHERE room_id = $1 AND stream_pos = $2"

type tokenSnapshotsStatements struct {
	upsertTokenSnapshotStmt *sql.Stmt
	selectTokenSnapshotStmt *sql.Stmt
}

func NewSqliteTokenSnapshotsTable(db *sql.DB) (tables.TokenSnapshots, error) {
	s := &tokenSnapshotsStatements{}
	if _, err := db.Exec(tokenSnapshotsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertTokenSnapshotStmt, upsertTokenSnapshotSQL},
		{&s.selectTokenSnapshotStmt, selectTokenSnapshotSQL},
	}.Prepare(db)
}

func (s *tokenSnapshotsStatements) UpsertTokenSnapshot(
	ctx context.Context, txn *sql.Tx, roomID string, pos types.StreamPosition, snapshotID types.StateSnapshotID,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertTokenSnapshotStmt).ExecContext(ctx, roomID, pos, snapshotID)
	return err
}

func (s *tokenSnapshotsStatements) SelectTokenSnapshot(
	ctx context.Context, txn *sql.Tx, roomID string, pos types.StreamPosition,
) (types.StateSnapshotID, error) {
	var snapshotID types.StateSnapshotID
	err := sqlutil.TxStmt(txn, s.selectTokenSnapshotStmt).QueryRowContext(ctx, roomID, pos).Scan(&snapshotID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return snapshotID, err
}
