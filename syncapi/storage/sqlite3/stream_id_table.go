// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/types"
)

const streamIDTableSchema = `
-- Global stream ID counter, used by other tables.
CREATE TABLE IF NOT EXISTS syncapi_stream_id (
  stream_name TEXT NOT NULL PRIMARY KEY,
  stream_id INTEGER DEFAULT 0 NOT NULL
);
INSERT INTO syncapi_stream_id (stream_name, stream_id) VALUES ('global', 0)
  ON CONFLICT DO NOTHING;
`

const increaseStreamIDStmt = "" +
	"UPDATE syncapi_stream_id SET stream_id = stream_id + 1 WHERE stream_name = $1" +
	" RETURNING stream_id"

const selectStreamIDStmt = "" +
	"SELECT stream_id FROM syncapi_stream_id WHERE stream_name = $1"

type StreamIDStatements struct {
	increaseStreamIDStmt *sql.Stmt
	selectStreamIDStmt   *sql.Stmt
}

func (s *StreamIDStatements) Prepare(db *sql.DB) (err error) {
	_, err = db.Exec(streamIDTableSchema)
	if err != nil {
		return
	}
	return sqlutil.StatementList{
		{&s.increaseStreamIDStmt, increaseStreamIDStmt},
		{&s.selectStreamIDStmt, selectStreamIDStmt},
	}.Prepare(db)
}

func (s *StreamIDStatements) NextStreamID(ctx context.Context, txn *sql.Tx) (pos types.StreamPosition, err error) {
	increaseStmt := sqlutil.TxStmt(txn, s.increaseStreamIDStmt)
	err = increaseStmt.QueryRowContext(ctx, "global").Scan(&pos)
	return
}

func (s *StreamIDStatements) SelectStreamID(ctx context.Context, txn *sql.Tx) (pos types.StreamPosition, err error) {
	selectStmt := sqlutil.TxStmt(txn, s.selectStreamIDStmt)
	err = selectStmt.QueryRowContext(ctx, "global").Scan(&pos)
	return
}
