// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

func NewPostgresNotificationDataTable(db *sql.DB) (tables.NotificationData, error) {
	_, err := db.Exec(notificationDataSchema)
	if err != nil {
		return nil, err
	}
	r := &notificationDataStatements{}
	return r, sqlutil.StatementList{
		{&r.upsertRoomUnreadCounts, upsertRoomUnreadNotificationCountsSQL},
		{&r.incrementRoomUnreadCounts, incrementRoomUnreadNotificationCountsSQL},
		{&r.selectUserUnreadCounts, selectUserUnreadNotificationsForRoomSQL},
	}.Prepare(db)
}

type notificationDataStatements struct {
	upsertRoomUnreadCounts    *sql.Stmt
	incrementRoomUnreadCounts *sql.Stmt
	selectUserUnreadCounts    *sql.Stmt
}

const notificationDataSchema = `
CREATE TABLE IF NOT EXISTS syncapi_notification_data (
	id BIGINT NOT NULL,
	user_id TEXT NOT NULL,
	room_id TEXT NOT NULL,
	notification_count BIGINT NOT NULL DEFAULT 0,
	highlight_count BIGINT NOT NULL DEFAULT 0,
	CONSTRAINT syncapi_notification_data_unique UNIQUE (user_id, room_id)
);`

const upsertRoomUnreadNotificationCountsSQL = `INSERT INTO syncapi_notification_data
  (id, user_id, room_id, notification_count, highlight_count)
  VALUES ($1, $2, $3, $4, $5)
  ON CONFLICT (user_id, room_id)
  DO UPDATE SET id = $1, notification_count = $4, highlight_count = $5`

const incrementRoomUnreadNotificationCountsSQL = `INSERT INTO syncapi_notification_data AS n
  (id, user_id, room_id, notification_count, highlight_count)
  VALUES ($1, $2, $3, 1, $4)
  ON CONFLICT (user_id, room_id)
  DO UPDATE SET id = $1, notification_count = n.notification_count + 1, highlight_count = n.highlight_count + $4`

const selectUserUnreadNotificationsForRoomSQL = `SELECT notification_count, highlight_count
	FROM syncapi_notification_data
	WHERE user_id = $1 AND room_id = $2`

func (r *notificationDataStatements) UpsertRoomUnreadCounts(ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID, roomID string, notificationCount, highlightCount int) error {
	_, err := sqlutil.TxStmt(txn, r.upsertRoomUnreadCounts).ExecContext(ctx, pos, userID, roomID, notificationCount, highlightCount)
	return err
}

func (r *notificationDataStatements) IncrementRoomUnreadCounts(ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID, roomID string, highlight bool) error {
	highlightIncrement := 0
	if highlight {
		highlightIncrement = 1
	}
	_, err := sqlutil.TxStmt(txn, r.incrementRoomUnreadCounts).ExecContext(ctx, pos, userID, roomID, highlightIncrement)
	return err
}

func (r *notificationDataStatements) SelectUserUnreadCounts(ctx context.Context, txn *sql.Tx, userID, roomID string) (*types.NotificationData, error) {
	data := &types.NotificationData{RoomID: roomID}
	err := sqlutil.TxStmt(txn, r.selectUserUnreadCounts).QueryRowContext(ctx, userID, roomID).Scan(
		&data.UnreadNotificationCount, &data.UnreadHighlightCount,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}
