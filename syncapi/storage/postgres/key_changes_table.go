// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
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

const keyChangesSchema = `
-- Stores key change information about users. Used to determine when to send updated device lists to clients.
CREATE TABLE IF NOT EXISTS syncapi_key_changes (
    user_id TEXT PRIMARY KEY,
    -- The stream position of the most recent key change for this user
    id BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS syncapi_key_changes_id_idx ON syncapi_key_changes(id);
`

// Replace based on user ID. We don't care how many times the user's keys have changed, only that they
// have changed, hence we can just keep bumping the change ID for this user.
const upsertKeyChangeSQL = "" +
	"INSERT INTO syncapi_key_changes (id, user_id)" +
	" VALUES ($1, $2)" +
	" ON CONFLICT (user_id)" +
	" DO UPDATE SET id = $1"

const selectKeyChangesInRangeSQL = "" +
	"SELECT user_id FROM syncapi_key_changes WHERE id > $1 AND id <= $2 ORDER BY id ASC"

type keyChangesStatements struct {
	upsertKeyChangeStmt         *sql.Stmt
	selectKeyChangesInRangeStmt *sql.Stmt
}

func NewPostgresKeyChangesTable(db *sql.DB) (tables.KeyChanges, error) {
	s := &keyChangesStatements{}
	_, err := db.Exec(keyChangesSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.upsertKeyChangeStmt, upsertKeyChangeSQL},
		{&s.selectKeyChangesInRangeStmt, selectKeyChangesInRangeSQL},
	}.Prepare(db)
}

func (s *keyChangesStatements) UpsertKeyChange(ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID string) error {
	_, err := sqlutil.TxStmt(txn, s.upsertKeyChangeStmt).ExecContext(ctx, pos, userID)
	return err
}

func (s *keyChangesStatements) SelectKeyChangesInRange(ctx context.Context, txn *sql.Tx, r types.Range) ([]string, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectKeyChangesInRangeStmt).QueryContext(ctx, r.From, r.To)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectKeyChangesInRange: rows.close() failed")
	var userIDs []string
	for rows.Next() {
		var userID string
		if err = rows.Scan(&userID); err != nil {
			return nil, err
		}
		userIDs = append(userIDs, userID)
	}
	return userIDs, rows.Err()
}
