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
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

const outputRoomEventsSchema = `
-- Stores output room events received from the roomserver.
CREATE TABLE IF NOT EXISTS syncapi_output_room_events (
  id INTEGER PRIMARY KEY,
  event_id TEXT NOT NULL UNIQUE,
  room_id TEXT NOT NULL,
  type TEXT NOT NULL,
  sender TEXT NOT NULL,
  state_key TEXT,
  content TEXT NOT NULL,
  redacts TEXT NOT NULL DEFAULT '',
  origin_server_ts BIGINT NOT NULL,
  redacted_because TEXT
);
CREATE INDEX IF NOT EXISTS syncapi_output_room_events_room_id_idx ON syncapi_output_room_events(room_id, id);
CREATE INDEX IF NOT EXISTS syncapi_output_room_events_type_idx ON syncapi_output_room_events(room_id, type);
`

const outputRoomEventsColumns = "id, event_id, room_id, type, sender, state_key, content, redacts, origin_server_ts, redacted_because"

const insertEventSQL = "" +
	"INSERT INTO syncapi_output_room_events (" + outputRoomEventsColumns + ")" +
	" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)"

// The IN list is filled in at runtime.
const selectEventsSQL = "" +
	"SELECT " + outputRoomEventsColumns + " FROM syncapi_output_room_events WHERE event_id IN ($1)"

const selectRecentEventsSQL = "" +
	"SELECT " + outputRoomEventsColumns + " FROM syncapi_output_room_events" +
	" WHERE room_id = $1 AND id > $2 AND id <= $3" +
	" ORDER BY id DESC LIMIT $4"

const selectMemberEventsSQL = "" +
	"SELECT " + outputRoomEventsColumns + " FROM syncapi_output_room_events" +
	" WHERE room_id = $1 AND type = 'm.room.member'" +
	" ORDER BY id ASC"

const updateRedactedBecauseSQL = "" +
	"UPDATE syncapi_output_room_events SET redacted_because = $1 WHERE event_id = $2"

type outputRoomEventsStatements struct {
	db                        *sql.DB
	insertEventStmt           *sql.Stmt
	selectRecentEventsStmt    *sql.Stmt
	selectMemberEventsStmt    *sql.Stmt
	updateRedactedBecauseStmt *sql.Stmt
}

func NewSqliteEventsTable(db *sql.DB) (tables.Events, error) {
	s := &outputRoomEventsStatements{
		db: db,
	}
	_, err := db.Exec(outputRoomEventsSchema)
	if err != nil {
		return nil, err
	}
	return s, sqlutil.StatementList{
		{&s.insertEventStmt, insertEventSQL},
		{&s.selectRecentEventsStmt, selectRecentEventsSQL},
		{&s.selectMemberEventsStmt, selectMemberEventsSQL},
		{&s.updateRedactedBecauseStmt, updateRedactedBecauseSQL},
	}.Prepare(db)
}

func (s *outputRoomEventsStatements) InsertEvent(
	ctx context.Context, txn *sql.Tx, ev *types.Event,
) error {
	var stateKey, redactedBecause *string
	if ev.StateKey != nil {
		sk := *ev.StateKey
		stateKey = &sk
	}
	if ev.Redacted() {
		rb := string(ev.RedactedBecause)
		redactedBecause = &rb
	}
	_, err := sqlutil.TxStmt(txn, s.insertEventStmt).ExecContext(
		ctx, ev.Position, ev.EventID, ev.RoomID, ev.Type, ev.Sender, stateKey,
		string(ev.Content), ev.Redacts, int64(ev.OriginServerTS), redactedBecause,
	)
	return err
}

func (s *outputRoomEventsStatements) SelectEvents(
	ctx context.Context, txn *sql.Tx, eventIDs []string,
) ([]*types.Event, error) {
	iEventIDs := make([]interface{}, len(eventIDs))
	for i := range eventIDs {
		iEventIDs[i] = eventIDs[i]
	}
	var qp sqlutil.QueryProvider = s.db
	if txn != nil {
		qp = txn
	}
	var result []*types.Event
	err := sqlutil.RunLimitedVariablesQuery(
		ctx, selectEventsSQL, qp, iEventIDs, sqlutil.SQLite3MaxVariables,
		func(rows *sql.Rows) error {
			events, err := rowsToEvents(rows)
			result = append(result, events...)
			return err
		},
	)
	return result, err
}

func (s *outputRoomEventsStatements) SelectRecentEvents(
	ctx context.Context, txn *sql.Tx, roomID string, r types.Range, limit int,
) ([]*types.Event, bool, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectRecentEventsStmt).QueryContext(ctx, roomID, r.From, r.To, limit+1)
	if err != nil {
		return nil, false, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectRecentEvents: rows.close() failed")
	events, err := rowsToEvents(rows)
	if err != nil {
		return nil, false, err
	}
	limited := len(events) > limit
	if limited {
		events = events[:limit]
	}
	return events, limited, nil
}

func (s *outputRoomEventsStatements) SelectMemberEvents(
	ctx context.Context, txn *sql.Tx, roomID string,
) ([]*types.Event, error) {
	rows, err := sqlutil.TxStmt(txn, s.selectMemberEventsStmt).QueryContext(ctx, roomID)
	if err != nil {
		return nil, err
	}
	defer internal.CloseAndLogIfError(ctx, rows, "SelectMemberEvents: rows.close() failed")
	return rowsToEvents(rows)
}

func (s *outputRoomEventsStatements) UpdateRedactedBecause(
	ctx context.Context, txn *sql.Tx, eventID string, redactedBecause json.RawMessage,
) error {
	_, err := sqlutil.TxStmt(txn, s.updateRedactedBecauseStmt).ExecContext(ctx, string(redactedBecause), eventID)
	return err
}

func rowsToEvents(rows *sql.Rows) ([]*types.Event, error) {
	var result []*types.Event
	for rows.Next() {
		var (
			ev              types.Event
			stateKey        sql.NullString
			content         string
			originServerTS  int64
			redactedBecause sql.NullString
		)
		if err := rows.Scan(
			&ev.Position, &ev.EventID, &ev.RoomID, &ev.Type, &ev.Sender, &stateKey,
			&content, &ev.Redacts, &originServerTS, &redactedBecause,
		); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		if stateKey.Valid {
			sk := stateKey.String
			ev.StateKey = &sk
		}
		ev.Content = json.RawMessage(content)
		ev.OriginServerTS = spec.Timestamp(originServerTS)
		if redactedBecause.Valid {
			ev.RedactedBecause = json.RawMessage(redactedBecause.String)
		}
		result = append(result, &ev)
	}
	return result, rows.Err()
}
