// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
)

const oneTimeKeyCountsSchema = `
CREATE TABLE IF NOT EXISTS syncapi_one_time_key_counts (
    user_id TEXT NOT NULL,
    device_id TEXT NOT NULL,
    algorithm TEXT NOT NULL,
    key_count INTEGER NOT NULL,
    UNIQUE (user_id, device_id, algorithm)
);
`

const upsertOneTimeKeyCountSQL = "" +
	"INSERT INTO syncapi_one_time_key_counts (user_id, device_id, algorithm, key_count)" +
	" VALUES ($1, $2, $3, $4)" +
	" ON CONFLICT (user_id, device_id, algorithm) DO UPDATE SET key_count = $4"

const selectOneTimeKeyCountsSQL = "" +
	"SELECT algorithm, key_count FROM syncapi_one_time_key_counts WHERE user_id = $1 AND device_id = $2"

type oneTimeKeyCountsStatements struct {
	upsertOneTimeKeyCountStmt  *sql.Stmt
	selectOneTimeKeyCountsStmt *sql.Stmt
}

func NewSqliteOneTimeKeyCountsTable(db *sql.DB) (tables.OneTimeKeyCounts, error) {
	s := &oneTimeKeyCountsStatements{}
	if _, err := db.Exec(oneTimeKeyCountsSchema); err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertOneTimeKeyCountStmt, upsertOneTimeKeyCountSQL},
		{&s.selectOneTimeKeyCountsStmt, selectOneTimeKeyCountsSQL},
	}.Prepare(db)
}

func (s *oneTimeKeyCountsStatements) UpsertOneTimeKeyCount(
	ctx context.Context, txn *sql.Tx, userID, deviceID, algorithm string, count int,
) error {
	_, err := sqlutil.TxStmt(txn, s.upsertOneTimeKeyCountStmt).ExecContext(ctx, userID, deviceID, algorithm, count)
	return err
}

func (s *oneTimeKeyCountsStatements) SelectOneTimeKeyCounts(
	ctx context.Context, txn *sql.Tx, userID, deviceID string,
) (map[string]int, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectOneTimeKeyCountsStmt).QueryContext(ctx, userID, deviceID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectOneTimeKeyCounts: rows.close() failed")
	counts := make(map[string]int)
	for rows.Next() {
		var algorithm string
		var count int
		if err = rows.Scan(&algorithm, &count); err != nil {
			return nil, err
		}
		counts[algorithm] = count
	}
	return counts, rows.Err()
}
