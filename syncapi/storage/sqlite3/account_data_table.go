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
	"encoding/json"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

const accountDataSchema = `
CREATE TABLE IF NOT EXISTS syncapi_account_data_type (
    id INTEGER PRIMARY KEY,
    user_id TEXT NOT NULL,
    room_id TEXT NOT NULL,
    type TEXT NOT NULL,
    content TEXT NOT NULL,
    UNIQUE (user_id, room_id, type)
);
`

const insertAccountDataSQL = "" +
	"INSERT INTO syncapi_account_data_type (id, user_id, room_id, type, content) VALUES ($1, $2, $3, $4, $5)" +
	" ON CONFLICT (user_id, room_id, type) DO UPDATE SET id = $1, content = $5"

const selectAccountDataInRangeSQL = "" +
	"SELECT room_id, type, content FROM syncapi_account_data_type" +
	" WHERE user_id = $1 AND id > $2 AND id <= $3" +
	" ORDER BY id ASC"

type accountDataStatements struct {
	insertAccountDataStmt        *sql.Stmt
	selectAccountDataInRangeStmt *sql.Stmt
}

func NewSqliteAccountDataTable(db *sql.DB) (tables.AccountData, error) {
	s := &accountDataStatements{}
	if _, err := db.Exec(accountDataSchema); err != nil {
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
		var content string
		if err = rows.Scan(&d.RoomID, &d.Type, &content); err != nil {
			return nil, err
		}
		d.Content = json.RawMessage(content)
		data = append(data, d)
	}
	return data, rows.Err()
}
