// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"errors"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

const stateSnapshotsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_state_snapshots (
  snapshot_id INTEGER PRIMARY KEY AUTOINCREMENT,
  room_id TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS syncapi_state_snapshot_entries (
  snapshot_id INTEGER NOT NULL,
  event_type TEXT NOT NULL,
  state_key TEXT NOT NULL,
  event_id TEXT NOT NULL,
  UNIQUE (snapshot_id, event_type, state_key)
);
`

const insertSnapshotSQL = "" +
	"INSERT INTO syncapi_state_snapshots (room_id) VALUES ($1) RETURNING snapshot_id"

// Every entry of the parent except the one being replaced.
const copySnapshotEntriesSQL = "" +
	"INSERT INTO syncapi_state_snapshot_entries (snapshot_id, event_type, state_key, event_id)" +
	" SELECT $1, event_type, state_key, event_id FROM syncapi_state_snapshot_entries" +
	" WHERE snapshot_id = $2 AND NOT (event_type = $3 AND state_key = $4)"

const insertSnapshotEntrySQL = "" +
	"INSERT INTO syncapi_state_snapshot_entries (snapshot_id, event_type, state_key, event_id)" +
	" VALUES ($1, $2, $3, $4)"

const selectSnapshotEntriesSQL = "" +
	"SELECT event_type, state_key, event_id FROM syncapi_state_snapshot_entries WHERE snapshot_id = $1"

const selectSnapshotEntrySQL = "" +
	"SELECT event_id FROM syncapi_state_snapshot_entries" +
	" WHERE snapshot_id = $1 AND event_type = $2 AND state_key = $3"

type stateSnapshotsStatements struct {
	insertSnapshotStmt        *sql.Stmt
	copySnapshotEntriesStmt   *sql.Stmt
	insertSnapshotEntryStmt   *sql.Stmt
	selectSnapshotEntriesStmt *sql.Stmt
	selectSnapshotEntryStmt   *sql.Stmt
}

func NewSqliteStateSnapshotsTable(db *sql.DB) (tables.StateSnapshots, error) {
	s := &stateSnapshotsStatements{}
	_, err := db.Exec(stateSnapshotsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertSnapshotStmt, insertSnapshotSQL},
		{&s.copySnapshotEntriesStmt, copySnapshotEntriesSQL},
		{&s.insertSnapshotEntryStmt, insertSnapshotEntrySQL},
		{&s.selectSnapshotEntriesStmt, selectSnapshotEntriesSQL},
		{&s.selectSnapshotEntryStmt, selectSnapshotEntrySQL},
	}.Prepare(db)
}

func (s *stateSnapshotsStatements) InsertSnapshot(
	ctx context.Context, txn *sql.Tx, roomID string, parent types.StateSnapshotID,
	key types.StateKeyTuple, eventID string,
) (types.StateSnapshotID, error) {
	var snapshotID types.StateSnapshotID
	err := sqlutil.TxStmt(txn, s.insertSnapshotStmt).QueryRowContext(ctx, roomID).Scan(&snapshotID)
	if err != nil {
		return 0, err
	}
	if parent != 0 {
		_, err = sqlutil.TxStmt(txn, s.copySnapshotEntriesStmt).ExecContext(
			ctx, snapshotID, parent, key.EventType, key.StateKey,
		)
		if err != nil {
			return 0, err
		}
	}
	if _, err = sqlutil.TxStmt(txn, s.insertSnapshotEntryStmt).ExecContext(
		ctx, snapshotID, key.EventType, key.StateKey, eventID,
	); err != nil {
		return 0, err
	}
	return snapshotID, nil
}

func (s *stateSnapshotsStatements) SelectStateMap(
	ctx context.Context, txn *sql.Tx, snapshotID types.StateSnapshotID,
) (types.StateMap, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectSnapshotEntriesStmt).QueryContext(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectStateMap: rows.close() failed")
	result := types.StateMap{}
	for rows.Next() {
		var key types.StateKeyTuple
		var eventID string
		if err = rows.Scan(&key.EventType, &key.StateKey, &eventID); err != nil {
			return nil, err
		}
		result[key] = eventID
	}
	return result, rows.Err()
}

func (s *stateSnapshotsStatements) SelectStateEntry(
	ctx context.Context, txn *sql.Tx, snapshotID types.StateSnapshotID, key types.StateKeyTuple,
) (string, error) {
	var eventID string
	err := sqlutil.TxStmt(txn, s.selectSnapshotEntryStmt).QueryRowContext(
		ctx, snapshotID, key.EventType, key.StateKey,
	).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return eventID, err
}
