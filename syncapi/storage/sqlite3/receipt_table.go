// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

const receiptsSchema = `
-- Stores data about receipts
CREATE TABLE IF NOT EXISTS syncapi_receipts (
	-- The ID
	id BIGINT,
	room_id TEXT NOT NULL,
	receipt_type TEXT NOT NULL,
	user_id TEXT NOT NULL,
	event_id TEXT NOT NULL,
	receipt_ts BIGINT NOT NULL,
	CONSTRAINT syncapi_receipts_unique UNIQUE (room_id, receipt_type, user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_receipts_room_id_idx ON syncapi_receipts(room_id, id);
`

const upsertReceipt = "" +
	"INSERT INTO syncapi_receipts" +
	" (id, room_id, receipt_type, user_id, event_id, receipt_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (room_id, receipt_type, user_id)" +
	" DO UPDATE SET id = $7, event_id = $8, receipt_ts = $9"

const selectRoomReceipts = "" +
	"SELECT id, room_id, receipt_type, user_id, event_id, receipt_ts" +
	" FROM syncapi_receipts" +
	" WHERE room_id = $1 AND id > $2 AND id <= $3" +
	" ORDER BY id ASC"

const selectUserReceiptPosition = "" +
	"SELECT id FROM syncapi_receipts" +
	" WHERE room_id = $1 AND user_id = $2 AND receipt_type = $3"

type receiptStatements struct {
	upsertReceipt             *sql.Stmt
	selectRoomReceipts        *sql.Stmt
	selectUserReceiptPosition *sql.Stmt
}

func NewSqliteReceiptsTable(db *sql.DB) (tables.Receipts, error) {
	_, err := db.Exec(receiptsSchema)
	if err != nil {
		return nil, err
	}
	r := &receiptStatements{}
	return r, sqlutil.StatementList{
		{&r.upsertReceipt, upsertReceipt},
		{&r.selectRoomReceipts, selectRoomReceipts},
		{&r.selectUserReceiptPosition, selectUserReceiptPosition},
	}.Prepare(db)
}

// UpsertReceipt creates new user receipts
func (r *receiptStatements) UpsertReceipt(ctx context.Context, txn *sql.Tx, pos types.StreamPosition, roomId, receiptType, userId, eventId string, timestamp spec.Timestamp) error {
	stmt := sqlutil.TxStmt(txn, r.upsertReceipt)
	_, err := stmt.ExecContext(ctx, pos, roomId, receiptType, userId, eventId, timestamp, pos, eventId, timestamp)
	return err
}

func (r *receiptStatements) SelectRoomReceiptsInRange(ctx context.Context, txn *sql.Tx, roomID string, rng types.Range) ([]types.OutputReceiptEvent, error) {
	rows, err := sqlutil.TxStmt(txn, r.selectRoomReceipts).QueryContext(ctx, roomID, rng.From, rng.To)
	if err != nil {
		return nil, fmt.Errorf("unable to query room receipts: %w", err)
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRoomReceiptsInRange: rows.close() failed")
	var res []types.OutputReceiptEvent
	for rows.Next() {
		r := types.OutputReceiptEvent{}
		var id types.StreamPosition
		err = rows.Scan(&id, &r.RoomID, &r.Type, &r.UserID, &r.EventID, &r.Timestamp)
		if err != nil {
			return res, fmt.Errorf("unable to scan row to api.Receipts: %w", err)
		}
		res = append(res, r)
	}
	return res, rows.Err()
}

func (r *receiptStatements) SelectUserReceiptPosition(ctx context.Context, txn *sql.Tx, roomID, userID, receiptType string) (types.StreamPosition, error) {
	var pos types.StreamPosition
	err := sqlutil.TxStmt(txn, r.selectUserReceiptPosition).QueryRowContext(ctx, roomID, userID, receiptType).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return pos, err
}
