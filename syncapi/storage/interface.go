// Copyright 2024 New Vector Ltd.
// Copyright 2017-2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import (
	"context"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/syncapi/types"
)

// RoomState answers questions about room state snapshots and membership.
type RoomState interface {
	// CurrentSnapshotID returns the room's current state snapshot, or an
	// error wrapping types.ErrNoCurrentState.
	CurrentSnapshotID(ctx context.Context, roomID string) (types.StateSnapshotID, error)
	// StateMap returns the full state of a snapshot. The map is shared and
	// must not be modified.
	StateMap(ctx context.Context, snapshotID types.StateSnapshotID) (types.StateMap, error)
	// StateDiff returns the entries of to that are absent from, or
	// different in, from.
	StateDiff(ctx context.Context, from, to types.StateSnapshotID) (types.StateMap, error)
	// StateEventAtSnapshot returns nil if the snapshot has no such entry.
	StateEventAtSnapshot(ctx context.Context, snapshotID types.StateSnapshotID, eventType, stateKey string) (*types.Event, error)
	// MembershipAtSnapshot returns "" if the user has no member event in
	// the snapshot.
	MembershipAtSnapshot(ctx context.Context, snapshotID types.StateSnapshotID, userID string) (string, error)
	IsEncrypted(ctx context.Context, snapshotID types.StateSnapshotID) (bool, error)
	MemberCounts(ctx context.Context, roomID string) (joined, invited int, err error)
	// RoomMembers maps the room's users to their current membership,
	// restricted to the given memberships.
	RoomMembers(ctx context.Context, roomID string, memberships ...string) (map[string]string, error)
	// MemberEvents returns every member event of the room in position order.
	MemberEvents(ctx context.Context, roomID string) ([]*types.Event, error)
	// SharedRooms returns the rooms both users are currently joined to.
	SharedRooms(ctx context.Context, userA, userB string) ([]string, error)
	// RoomsForUser maps the rooms where the user currently has the given
	// membership to the position that membership took effect.
	RoomsForUser(ctx context.Context, userID, membership string) (map[string]types.StreamPosition, error)
	// MembershipPosition returns the user's current membership of the room
	// and the position it took effect, or "" if the user was never there.
	MembershipPosition(ctx context.Context, roomID, userID string) (string, types.StreamPosition, error)
	// StrippedState returns the stripped state of the room as it was when
	// the user's membership last changed.
	StrippedState(ctx context.Context, roomID, userID string) ([]types.StrippedEvent, error)
	SnapshotForToken(ctx context.Context, roomID string, pos types.StreamPosition) (types.StateSnapshotID, bool, error)
	AssociateTokenWithSnapshot(ctx context.Context, roomID string, pos types.StreamPosition, snapshotID types.StateSnapshotID) error
}

// Timeline reads room events.
type Timeline interface {
	EventsByIDs(ctx context.Context, eventIDs []string) ([]*types.Event, error)
	// RecentEvents returns up to limit of the most recent events of the
	// room inside r, oldest first, and whether older events in r were
	// left out.
	RecentEvents(ctx context.Context, roomID string, r types.Range, limit int) ([]*types.Event, bool, error)
}

// Ephemeral covers every stream that is not room events.
type Ephemeral interface {
	ReceiptsInRange(ctx context.Context, roomID string, r types.Range) ([]types.OutputReceiptEvent, error)
	StoreReceipt(ctx context.Context, roomID, receiptType, userID, eventID string, timestamp spec.Timestamp) (types.StreamPosition, error)
	// PrivateReadMarkerPosition returns the position of the user's last
	// private read receipt in the room, or 0.
	PrivateReadMarkerPosition(ctx context.Context, roomID, userID string) (types.StreamPosition, error)

	PresenceInRange(ctx context.Context, userIDs []string, r types.Range) ([]*types.PresenceEvent, error)
	GetPresence(ctx context.Context, userID string) (*types.PresenceEvent, error)
	SetPresence(ctx context.Context, userID string, content *types.PresenceContent) (types.StreamPosition, error)
	// PingPresence marks the user online and active at now. A new position
	// is only allocated when the change is visible to others.
	PingPresence(ctx context.Context, userID string, now time.Time) (types.StreamPosition, bool, error)

	AccountDataInRange(ctx context.Context, userID string, r types.Range) ([]types.OutputClientData, error)
	StoreAccountData(ctx context.Context, userID string, data *types.OutputClientData) (types.StreamPosition, error)

	KeyChangesInRange(ctx context.Context, r types.Range) ([]string, error)
	StoreKeyChange(ctx context.Context, userID string) (types.StreamPosition, error)

	OneTimeKeyCounts(ctx context.Context, userID, deviceID string) (map[string]int, error)
	StoreOneTimeKeyCount(ctx context.Context, userID, deviceID, algorithm string, count int) error

	SendToDeviceMessages(ctx context.Context, userID, deviceID string, upTo types.StreamPosition) ([]types.SendToDeviceEvent, error)
	// CleanSendToDeviceMessages removes messages at or before upTo, which
	// the device has confirmed receiving by syncing past them.
	CleanSendToDeviceMessages(ctx context.Context, userID, deviceID string, upTo types.StreamPosition) error
	StoreSendToDeviceMessage(ctx context.Context, userID, deviceID string, event *types.SendToDeviceEvent) (types.StreamPosition, error)

	// NotificationCounts returns nil if nothing was counted for the room.
	NotificationCounts(ctx context.Context, userID, roomID string) (*types.NotificationData, error)
	UpsertRoomUnreadNotificationCounts(ctx context.Context, userID, roomID string, notificationCount, highlightCount int) (types.StreamPosition, error)
	// IncrementUnreadNotificationCounts adds one notification for every
	// user, and a highlight for those marked in highlights.
	IncrementUnreadNotificationCounts(ctx context.Context, roomID string, userIDs []string, highlights map[string]bool) (types.StreamPosition, error)
}

type Database interface {
	RoomState
	Timeline
	Ephemeral

	// CurrentPosition returns the highest committed position.
	CurrentPosition(ctx context.Context) (types.StreamPosition, error)
	// NextPosition allocates a position for a change that is not stored
	// here, such as typing.
	NextPosition(ctx context.Context) (types.StreamPosition, error)

	// AppendEvent assigns the event a position and stores it, moving the
	// room's current state for state events and marking the target of a
	// redaction. It holds the room's insert lock while doing so.
	AppendEvent(ctx context.Context, ev *types.Event) error
	// Flush makes appended data durable beyond the commit.
	Flush(ctx context.Context) error
}
