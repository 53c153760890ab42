// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sqlite3

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

const presenceSchema = `
-- Stores data about presence
CREATE TABLE IF NOT EXISTS syncapi_presence (
	-- The position of the last presence change
	id INTEGER NOT NULL,
	-- The Matrix user ID
	user_id TEXT NOT NULL,
	presence TEXT NOT NULL,
	status_msg TEXT,
	currently_active BOOLEAN NOT NULL DEFAULT FALSE,
	last_active_ts BIGINT NOT NULL,
	CONSTRAINT presence_presences_unique UNIQUE (user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_presence_user_id ON syncapi_presence(user_id);
`

const upsertPresenceSQL = "" +
	"INSERT INTO syncapi_presence" +
	" (id, user_id, presence, status_msg, currently_active, last_active_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (user_id)" +
	" DO UPDATE SET id = $1," +
	" presence = $3, status_msg = COALESCE($4, status_msg)," +
	" currently_active = $5, last_active_ts = $6"

const updateLastActiveSQL = "" +
	"UPDATE syncapi_presence SET last_active_ts = $2 WHERE user_id = $1"

const presenceColumns = "id, user_id, presence, status_msg, currently_active, last_active_ts"

const selectPresenceForUserSQL = "" +
	"SELECT " + presenceColumns + " FROM syncapi_presence WHERE user_id = $1"

// The user list is filled in at runtime, after the range parameters.
const selectPresenceInRangeSQL = "" +
	"SELECT " + presenceColumns + " FROM syncapi_presence" +
	" WHERE id > $1 AND id <= $2 AND user_id IN ($3)"

type presenceStatements struct {
	db                        *sql.DB
	upsertPresenceStmt        *sql.Stmt
	updateLastActiveStmt      *sql.Stmt
	selectPresenceForUserStmt *sql.Stmt
}

func NewSqlitePresenceTable(db *sql.DB) (tables.Presence, error) {
	_, err := db.Exec(presenceSchema)
	if err != nil {
		return nil, err
	}
	s := &presenceStatements{
		db: db,
	}
	return s, sqlutil.StatementList{
		{&s.upsertPresenceStmt, upsertPresenceSQL},
		{&s.updateLastActiveStmt, updateLastActiveSQL},
		{&s.selectPresenceForUserStmt, selectPresenceForUserSQL},
	}.Prepare(db)
}

func (p *presenceStatements) UpsertPresence(
	ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID string,
	content *types.PresenceContent, lastActiveTS spec.Timestamp,
) error {
	var statusMsg sql.NullString
	if content.StatusMsg != nil {
		statusMsg = sql.NullString{String: *content.StatusMsg, Valid: true}
	}
	currentlyActive := content.CurrentlyActive != nil && *content.CurrentlyActive
	_, err := sqlutil.TxStmt(txn, p.upsertPresenceStmt).ExecContext(
		ctx, pos, userID, content.Presence, statusMsg, currentlyActive, lastActiveTS,
	)
	return err
}

func (p *presenceStatements) UpdateLastActive(
	ctx context.Context, txn *sql.Tx, userID string, lastActiveTS spec.Timestamp,
) error {
	_, err := sqlutil.TxStmt(txn, p.updateLastActiveStmt).ExecContext(ctx, userID, lastActiveTS)
	return err
}

func (p *presenceStatements) SelectPresence(
	ctx context.Context, txn *sql.Tx, userID string,
) (*types.PresenceEvent, error) {
	row := sqlutil.TxStmt(txn, p.selectPresenceForUserStmt).QueryRowContext(ctx, userID)
	ev, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (p *presenceStatements) SelectPresenceInRange(
	ctx context.Context, txn *sql.Tx, userIDs []string, r types.Range,
) ([]*types.PresenceEvent, error) {
	// Each batch of users gets the range prepended, so the batch is capped
	// two below the parameter limit.
	var result []*types.PresenceEvent
	for start := 0; start < len(userIDs); start += sqlutil.SQLite3MaxVariables - 2 {
		end := start + sqlutil.SQLite3MaxVariables - 2
		if end > len(userIDs) {
			end = len(userIDs)
		}
		batch, err := p.selectPresenceBatch(ctx, txn, userIDs[start:end], r)
		if err != nil {
			return nil, err
		}
		result = append(result, batch...)
	}
	return result, nil
}

func (p *presenceStatements) selectPresenceBatch(
	ctx context.Context, txn *sql.Tx, userIDs []string, r types.Range,
) ([]*types.PresenceEvent, error) {
	params := make([]interface{}, 0, len(userIDs)+2)
	params = append(params, r.From, r.To)
	for _, userID := range userIDs {
		params = append(params, userID)
	}
	query := strings.Replace(selectPresenceInRangeSQL, "($3)", sqlutil.QueryVariadicOffset(len(userIDs), 2), 1)
	var qp sqlutil.QueryProvider = p.db
	if txn != nil {
		qp = txn
	}
	rows, err := qp.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectPresenceInRange: rows.close() failed")
	var result []*types.PresenceEvent
	for rows.Next() {
		ev, err := scanPresence(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPresence(row scanner) (*types.PresenceEvent, error) {
	var (
		ev              types.PresenceEvent
		statusMsg       sql.NullString
		currentlyActive bool
		lastActiveTS    int64
	)
	if err := row.Scan(&ev.Position, &ev.UserID, &ev.Content.Presence, &statusMsg, &currentlyActive, &lastActiveTS); err != nil {
		return nil, err
	}
	if statusMsg.Valid {
		ev.Content.StatusMsg = &statusMsg.String
	}
	ev.Content.CurrentlyActive = &currentlyActive
	ev.LastActiveTS = spec.Timestamp(lastActiveTS)
	return &ev, nil
}
