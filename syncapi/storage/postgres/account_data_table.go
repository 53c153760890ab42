// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

const accountDataSchema = `
-- Stores the types of account data that a user set has globally and in each room
-- and the stream ID when that type was last updated.
CREATE TABLE IF NOT EXISTS syncapi_account_data_type (
    -- An incrementing ID which denotes the position in the log that this event resides at.
    id BIGINT NOT NULL,
    -- ID of the user the data belongs to
    user_id TEXT NOT NULL,
    -- ID of the room the data is related to (empty string if not related to a specific room)
    room_id TEXT NOT NULL,
    -- Type of the data
    type TEXT NOT NULL,
    -- The JSON content of the data
    content TEXT NOT NULL,

    CONSTRAINT syncapi_account_data_unique UNIQUE (user_id, room_id, type)
);

CREATE INDEX IF NOT EXISTS syncapi_account_data_id_idx ON syncapi_account_data_type(user_id, id);
`

const insertAccountDataSQL = "" +
	"INSERT INTO syncapi_account_data_type (id, user_id, room_id, type, content) VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT ON CONSTRAINT syncapi_account_data_unique" +
	" DO UPDATE SET id = $1, content = $5"

const selectAccountDataInRangeSQL = "" +
	"SELECT room_id, type, content FROM syncapi_account_data_type" +
	" WHERE user_id = $1 AND id > $2 AND id <= $3" +
	" ORDER BY id ASC"

type accountDataStatements struct {
	insertAccountDataStmt        *sql.Stmt
	selectAccountDataInRangeStmt *sql.Stmt
}

func NewPostgresAccountDataTable(db *sql.DB) (tables.AccountData, error) {
	s := &accountDataStatements{}
	_, err := db.Exec(accountDataSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertAccountDataStmt, insertAccountDataSQL},
		{&s.selectAccountDataInRangeStmt, selectAccountDataInRangeSQL},
	}.Prepare(db)
}

func (s *accountDataStatements) UpsertAccountData(
	ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID string, data *types.OutputClientData,
) error {
	_, err := sqlutil.TxStmt(txn, s.insertAccountDataStmt).ExecContext(
		ctx, pos, userID, data.RoomID, data.Type, string(data.Content),
	)
	return err
}

func (s *accountDataStatements) SelectAccountDataInRange(
	ctx context.Context, txn *sql.Tx, userID string, r types.Range,
) ([]types.OutputClientData, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectAccountDataInRangeStmt).QueryContext(ctx, userID, r.From, r.To)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectAccountDataInRange: rows.close() failed")

	var data []types.OutputClientData
	for rows.Next() {
		var d types.OutputClientData
		var content []byte
		if err = rows.Scan(&d.RoomID, &d.Type, &content); err != nil {
			return nil, err
		}
		d.Content = content
		data = append(data, d)
	}
	return data, rows.Err()
}
