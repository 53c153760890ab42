// Copyright 2024 New Vector Ltd.
// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

// The memberships table is designed to track the current membership of
// every user in every room, together with the position the membership
// last changed at (the left/invite count of a room) and the snapshot the
// change produced, from which stripped state is built.
const membershipsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_memberships (
  room_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  -- join, invite, leave or ban
  membership TEXT NOT NULL,
  event_id TEXT NOT NULL,
  stream_pos BIGINT NOT NULL,
  snapshot_id BIGINT NOT NULL,
  CONSTRAINT syncapi_memberships_unique UNIQUE (room_id, user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_memberships_user_id_idx ON syncapi_memberships(user_id, membership);
`

const upsertMembershipSQL = "" +
	"INSERT INTO syncapi_memberships (room_id, user_id, membership, event_id, stream_pos, snapshot_id)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (room_id, user_id)" +
	" DO UPDATE SET membership = $3, event_id = $4, stream_pos = $5, snapshot_id = $6"

const selectMembershipSQL = "" +
	"SELECT membership, stream_pos, snapshot_id FROM syncapi_memberships" +
	" WHERE room_id = $1 AND user_id = $2"

const selectRoomsForUserSQL = "" +
	"SELECT room_id, stream_pos FROM syncapi_memberships" +
	" WHERE user_id = $1 AND membership = $2"

const selectRoomMembersSQL = "" +
	"SELECT user_id, membership FROM syncapi_memberships" +
	" WHERE room_id = $1 AND membership = ANY($2)"

const selectMembershipCountSQL = "" +
	"SELECT COUNT(*) FROM syncapi_memberships WHERE room_id = $1 AND membership = $2"

const selectSharedRoomsSQL = "" +
	"SELECT a.room_id FROM syncapi_memberships a" +
	" JOIN syncapi_memberships b ON a.room_id = b.room_id" +
	" WHERE a.user_id = $1 AND b.user_id = $2 AND a.membership = 'join' AND b.membership = 'join'"

type membershipsStatements struct {
	upsertMembershipStmt      *sql.Stmt
	selectMembershipStmt      *sql.Stmt
	selectRoomsForUserStmt    *sql.Stmt
	selectRoomMembersStmt     *sql.Stmt
	selectMembershipCountStmt *sql.Stmt
	selectSharedRoomsStmt     *sql.Stmt
}

func NewPostgresMembershipsTable(db *sql.DB) (tables.Memberships, error) {
	s := &membershipsStatements{}
	_, err := db.Exec(membershipsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertMembershipStmt, upsertMembershipSQL},
		{&s.selectMembershipStmt, selectMembershipSQL},
		{&s.selectRoomsForUserStmt, selectRoomsForUserSQL},
		{&s.selectRoomMembersStmt, selectRoomMembersSQL},
		{&s.selectMembershipCountStmt, selectMembershipCountSQL},
		{&s.selectSharedRoomsStmt, selectSharedRoomsSQL},
	}.Prepare(db)
}

func (s *membershipsStatements) UpsertMembership(
	ctx context.Context, txn *sql.Tx, roomID, userID, membership, eventID string,
	pos types.StreamPosition, snapshotID types.StateSnapshotID,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertMembershipStmt).ExecContext(
		ctx, roomID, userID, membership, eventID, pos, snapshotID,
	)
	return err
}

func (s *membershipsStatements) SelectMembership(
	ctx context.Context, txn *sql.Tx, roomID, userID string,
) (membership string, pos types.StreamPosition, snapshotID types.StateSnapshotID, err error) {
	err = sqlutil.TxStmt(txn, s.selectMembershipStmt).QueryRowContext(ctx, roomID, userID).Scan(
		&membership, &pos, &snapshotID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, 0, nil
	}
	return
}

func (s *membershipsStatements) SelectRoomsForUser(
	ctx context.Context, txn *sql.Tx, userID, membership string,
) (map[string]types.StreamPosition, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomsForUserStmt).QueryContext(ctx, userID, membership)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomsForUser: rows.close() failed")
	result := map[string]types.StreamPosition{}
	var roomID string
	var pos types.StreamPosition
	for rows.Next() {
		if err = rows.Scan(&roomID, &pos); err != nil {
			return nil, err
		}
		result[roomID] = pos
	}
	return result, rows.Err()
}

func (s *membershipsStatements) SelectRoomMembers(
	ctx context.Context, txn *sql.Tx, roomID string, memberships []string,
) (map[string]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRoomMembersStmt).QueryContext(ctx, roomID, pq.StringArray(memberships))
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomMembers: rows.close() failed")
	result := map[string]string{}
	var userID, membership string
	for rows.Next() {
		if err = rows.Scan(&userID, &membership); err != nil {
			return nil, err
		}
		result[userID] = membership
	}
	return result, rows.Err()
}

func (s *membershipsStatements) SelectMembershipCount(
	ctx context.Context, txn *sql.Tx, roomID, membership string,
) (count int, err error) {
	err = sqlutil.TxStmt(txn, s.selectMembershipCountStmt).QueryRowContext(ctx, roomID, membership).Scan(&count)
	return
}

func (s *membershipsStatements) SelectSharedRooms(
	ctx context.Context, txn *sql.Tx, userA, userB string,
) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectSharedRoomsStmt).QueryContext(ctx, userA, userB)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectSharedRooms: rows.close() failed")
	var result []string
	var roomID string
	for rows.Next() {
		if err = rows.Scan(&roomID); err != nil {
			return nil, err
		}
		result = append(result, roomID)
	}
	return result, rows.Err()
}
