// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package tables

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/syncapi/types"
)

// StreamID allocates positions from the single global sequence. The
// counter lives in a row that is updated inside the writing transaction,
// so a position only becomes visible once the data written at it has
// committed.
type StreamID interface {
	NextStreamID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error)
	SelectStreamID(ctx context.Context, txn *sql.Tx) (types.StreamPosition, error)
}

type Events interface {
	// InsertEvent stores an event at ev.Position.
	InsertEvent(ctx context.Context, txn *sql.Tx, ev *types.Event) error
	SelectEvents(ctx context.Context, txn *sql.Tx, eventIDs []string) ([]*types.Event, error)
	// SelectRecentEvents returns up to limit events of the room inside r,
	// newest first, and whether more events inside r were left out.
	SelectRecentEvents(ctx context.Context, txn *sql.Tx, roomID string, r types.Range, limit int) ([]*types.Event, bool, error)
	// SelectMemberEvents returns every m.room.member event of the room in
	// position order.
	SelectMemberEvents(ctx context.Context, txn *sql.Tx, roomID string) ([]*types.Event, error)
	UpdateRedactedBecause(ctx context.Context, txn *sql.Tx, eventID string, redactedBecause json.RawMessage) error
}

type StateSnapshots interface {
	// InsertSnapshot creates a snapshot of roomID holding every entry of
	// parent, except that key now maps to eventID. A zero parent starts
	// from empty state.
	InsertSnapshot(ctx context.Context, txn *sql.Tx, roomID string, parent types.StateSnapshotID, key types.StateKeyTuple, eventID string) (types.StateSnapshotID, error)
	SelectStateMap(ctx context.Context, txn *sql.Tx, snapshotID types.StateSnapshotID) (types.StateMap, error)
	// SelectStateEntry returns the event id held for key, or "" if the
	// snapshot has no such entry.
	SelectStateEntry(ctx context.Context, txn *sql.Tx, snapshotID types.StateSnapshotID, key types.StateKeyTuple) (string, error)
}

type Rooms interface {
	UpsertCurrentSnapshot(ctx context.Context, txn *sql.Tx, roomID string, snapshotID types.StateSnapshotID) error
	// SelectCurrentSnapshot returns 0 if the room is unknown.
	SelectCurrentSnapshot(ctx context.Context, txn *sql.Tx, roomID string) (types.StateSnapshotID, error)
}

type Memberships interface {
	// UpsertMembership records the user's current membership of the room,
	// the position it changed at and the snapshot created by the change.
	UpsertMembership(ctx context.Context, txn *sql.Tx, roomID, userID, membership, eventID string, pos types.StreamPosition, snapshotID types.StateSnapshotID) error
	// SelectMembership returns "" if the user has never been in the room.
	SelectMembership(ctx context.Context, txn *sql.Tx, roomID, userID string) (membership string, pos types.StreamPosition, snapshotID types.StateSnapshotID, err error)
	// SelectRoomsForUser maps the rooms where the user currently has the
	// membership to the position the membership changed at.
	SelectRoomsForUser(ctx context.Context, txn *sql.Tx, userID, membership string) (map[string]types.StreamPosition, error)
	// SelectRoomMembers maps users to their membership, restricted to the
	// given memberships.
	SelectRoomMembers(ctx context.Context, txn *sql.Tx, roomID string, memberships []string) (map[string]string, error)
	SelectMembershipCount(ctx context.Context, txn *sql.Tx, roomID, membership string) (int, error)
	// SelectSharedRooms returns the rooms both users are joined to.
	SelectSharedRooms(ctx context.Context, txn *sql.Tx, userA, userB string) ([]string, error)
}

type TokenSnapshots interface {
	UpsertTokenSnapshot(ctx context.Context, txn *sql.Tx, roomID string, pos types.StreamPosition, snapshotID types.StateSnapshotID) error
	// SelectTokenSnapshot returns 0 if no snapshot was recorded for pos.
	SelectTokenSnapshot(ctx context.Context, txn *sql.Tx, roomID string, pos types.StreamPosition) (types.StateSnapshotID, error)
}

type Receipts interface {
	UpsertReceipt(ctx context.Context, txn *sql.Tx, pos types.StreamPosition, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) error
	SelectRoomReceiptsInRange(ctx context.Context, txn *sql.Tx, roomID string, r types.Range) ([]types.OutputReceiptEvent, error)
	// SelectUserReceiptPosition returns 0 if the user has no receipt of
	// that type in the room.
	SelectUserReceiptPosition(ctx context.Context, txn *sql.Tx, roomID, userID, receiptType string) (types.StreamPosition, error)
}

type Presence interface {
	UpsertPresence(ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID string, content *types.PresenceContent, lastActiveTS spec.Timestamp) error
	// UpdateLastActive moves last_active_ts without changing the position.
	UpdateLastActive(ctx context.Context, txn *sql.Tx, userID string, lastActiveTS spec.Timestamp) error
	// SelectPresence returns nil if nothing is known about the user.
	SelectPresence(ctx context.Context, txn *sql.Tx, userID string) (*types.PresenceEvent, error)
	SelectPresenceInRange(ctx context.Context, txn *sql.Tx, userIDs []string, r types.Range) ([]*types.PresenceEvent, error)
}

type AccountData interface {
	UpsertAccountData(ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID string, data *types.OutputClientData) error
	SelectAccountDataInRange(ctx context.Context, txn *sql.Tx, userID string, r types.Range) ([]types.OutputClientData, error)
}

type KeyChanges interface {
	UpsertKeyChange(ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID string) error
	SelectKeyChangesInRange(ctx context.Context, txn *sql.Tx, r types.Range) ([]string, error)
}

type SendToDevice interface {
	InsertSendToDeviceMessage(ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID, deviceID string, event *types.SendToDeviceEvent) error
	SelectSendToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, upTo types.StreamPosition) ([]types.SendToDeviceEvent, error)
	DeleteSendToDeviceMessages(ctx context.Context, txn *sql.Tx, userID, deviceID string, upTo types.StreamPosition) error
}

type OneTimeKeyCounts interface {
	UpsertOneTimeKeyCount(ctx context.Context, txn *sql.Tx, userID, deviceID, algorithm string, count int) error
	SelectOneTimeKeyCounts(ctx context.Context, txn *sql.Tx, userID, deviceID string) (map[string]int, error)
}

type NotificationData interface {
	UpsertRoomUnreadCounts(ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID, roomID string, notificationCount, highlightCount int) error
	// IncrementRoomUnreadCounts adds one notification, and one highlight
	// when highlight is set, to the user's counts for the room.
	IncrementRoomUnreadCounts(ctx context.Context, txn *sql.Tx, pos types.StreamPosition, userID, roomID string, highlight bool) error
	// SelectUserUnreadCounts returns nil if no counts were ever stored.
	SelectUserUnreadCounts(ctx context.Context, txn *sql.Tx, userID, roomID string) (*types.NotificationData, error)
}
