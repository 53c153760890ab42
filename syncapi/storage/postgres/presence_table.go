// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
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
	id BIGINT NOT NULL,
	-- The Matrix user ID
	user_id TEXT NOT NULL,
	-- online, offline or unavailable
	presence TEXT NOT NULL,
	-- The status message, NULL if never set
	status_msg TEXT,
	currently_active BOOLEAN NOT NULL DEFAULT FALSE,
	-- When the user was last active, in milliseconds since the epoch
	last_active_ts BIGINT NOT NULL,
	CONSTRAINT presence_presences_unique UNIQUE (user_id)
);
CREATE INDEX IF NOT EXISTS syncapi_presence_user_id ON syncapi_presence(user_id);
`

// An update without a status message keeps the stored one.
const upsertPresenceSQL = "" +
	"INSERT INTO syncapi_presence AS p" +
	" (id, user_id, presence, status_msg, currently_active, last_active_ts)" +
	" VALUES ($1, $2, $3, $4, $5, $6)" +
	" ON CONFLICT (user_id)" +
	" DO UPDATE SET id = $1," +
	" presence = EXCLUDED.presence, status_msg = COALESCE(EXCLUDED.status_msg, p.status_msg)," +
	" currently_active = EXCLUDED.currently_active, last_active_ts = EXCLUDED.last_active_ts"

const updateLastActiveSQL = "" +
	"UPDATE syncapi_presence SET last_active_ts = $2 WHERE user_id = $1"

const presenceColumns = "id, user_id, presence, status_msg, currently_active, last_active_ts"

const selectPresenceForUserSQL = "" +
	"SELECT " + presenceColumns + " FROM syncapi_presence WHERE user_id = $1"

const selectPresenceInRangeSQL = "" +
	"SELECT " + presenceColumns + " FROM syncapi_presence" +
	" WHERE user_id = ANY($1) AND id > $2 AND id <= $3"

type presenceStatements struct {
	upsertPresenceStmt         *sql.Stmt
	updateLastActiveStmt       *sql.Stmt
	selectPresenceForUsersStmt *sql.Stmt
	selectPresenceInRangeStmt  *sql.Stmt
}

func NewPostgresPresenceTable(db *sql.DB) (tables.Presence, error) {
	_, err := db.Exec(presenceSchema)
	if err != nil {
		return nil, err
	}
	s := &presenceStatements{}
	return s, sqlutil.StatementList{
		{&s.upsertPresenceStmt, upsertPresenceSQL},
		{&s.updateLastActiveStmt, updateLastActiveSQL},
		{&s.selectPresenceForUsersStmt, selectPresenceForUserSQL},
		{&s.selectPresenceInRangeStmt, selectPresenceInRangeSQL},
	}.Prepare(db)
}

func (p *presenceStatements) UpsertPresence(
	ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID string,
	content *types.PresenceContent, lastActiveTS spec.Timestamp,
) error {
	currentlyActive := content.CurrentlyActive != nil && *content.CurrentlyActive
	_, err := sqlutil.TxStmt(txn, p.upsertPresenceStmt).ExecContext(
		ctx, pos, userID, content.Presence, content.StatusMsg, currentlyActive, lastActiveTS,
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
	row := sqlutil.TxStmt(txn, p.selectPresenceForUsersStmt).QueryRowContext(ctx, userID)
	ev, err := scanPresence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return ev, err
}

func (p *presenceStatements) SelectPresenceInRange(
	ctx context.Context, txn *sql.Tx, userIDs []string, r types.Range,
) ([]*types.PresenceEvent, error) {
	rows, err := sqlutil.TxStmt(txn, p.selectPresenceInRangeStmt).QueryContext(ctx, pq.StringArray(userIDs), r.From, r.To)
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
