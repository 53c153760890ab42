// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package shared

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/pkg/errors"

	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/roomserver/state"
	"github.com/element-hq/syncengine/syncapi/storage/tables"
	"github.com/element-hq/syncengine/syncapi/types"
)

// Cache is the part of the caches the sync database uses.
type Cache interface {
	caching.StateSnapshotCache
	caching.SyncEventCache
}

// Database is a temporary struct until we have made syncserver.go the same for both pq/sqlite
// For now this contains the shared functions
type Database struct {
	DB               *sql.DB
	Writer           sqlutil.Writer
	StreamID         tables.StreamID
	Events           tables.Events
	Snapshots        tables.StateSnapshots
	Rooms            tables.Rooms
	Memberships      tables.Memberships
	TokenSnapshots   tables.TokenSnapshots
	Receipts         tables.Receipts
	Presence         tables.Presence
	AccountData      tables.AccountData
	KeyChanges       tables.KeyChanges
	SendToDevice     tables.SendToDevice
	OTKCounts        tables.OneTimeKeyCounts
	NotificationData tables.NotificationData

	Cache     Cache
	RoomLocks *roomlock.Registry
	// FlushFunc makes committed data durable. Nil means commit is enough.
	FlushFunc func(ctx context.Context) error
}

func (d *Database) CurrentPosition(ctx context.Context) (types.StreamPosition, error) {
	return d.StreamID.SelectStreamID(ctx, nil)
}

func (d *Database) NextPosition(ctx context.Context) (pos types.StreamPosition, err error) {
	err = d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		pos, err = d.StreamID.NextStreamID(ctx, txn)
		return err
	})
	return
}

func (d *Database) Flush(ctx context.Context) error {
	if d.FlushFunc == nil {
		return nil
	}
	return d.FlushFunc(ctx)
}

// RedactedBecause returns what is stored on the target of a redaction:
// the client form of the redaction event.
func RedactedBecause(redaction *types.Event) (json.RawMessage, error) {
	return json.Marshal(redaction.ClientEvent())
}

// AppendEvent allocates the event's position and writes it in a single
// transaction. State events move the room to a new snapshot and member
// events update the membership row as well. The room's insert lock is held
// until the transaction has committed and the event cache reflects it, so
// anyone passing the insert barrier afterwards sees the whole append.
func (d *Database) AppendEvent(ctx context.Context, ev *types.Event) error {
	var membership string
	if ev.Type == spec.MRoomMember && ev.IsState() {
		var err error
		if membership, err = ev.Membership(); err != nil {
			return err
		}
	}
	return d.RoomLocks.WithInsert(ev.RoomID, func() error {
		var redactionTarget *types.Event
		err := d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
			pos, err := d.StreamID.NextStreamID(ctx, txn)
			if err != nil {
				return errors.Wrap(err, "d.StreamID.NextStreamID")
			}
			ev.Position = pos
			if err = d.Events.InsertEvent(ctx, txn, ev); err != nil {
				return errors.Wrap(err, "d.Events.InsertEvent")
			}

			if ev.Type == types.MRoomRedaction && ev.Redacts != "" {
				targets, err := d.Events.SelectEvents(ctx, txn, []string{ev.Redacts})
				if err != nil {
					return errors.Wrap(err, "d.Events.SelectEvents")
				}
				if len(targets) == 1 && targets[0].RoomID == ev.RoomID {
					because, err := RedactedBecause(ev)
					if err != nil {
						return err
					}
					if err = d.Events.UpdateRedactedBecause(ctx, txn, ev.Redacts, because); err != nil {
						return errors.Wrap(err, "d.Events.UpdateRedactedBecause")
					}
					redactionTarget = targets[0]
				}
			}

			if !ev.IsState() {
				return nil
			}
			current, err := d.Rooms.SelectCurrentSnapshot(ctx, txn, ev.RoomID)
			if err != nil {
				return errors.Wrap(err, "d.Rooms.SelectCurrentSnapshot")
			}
			snapshotID, err := d.Snapshots.InsertSnapshot(ctx, txn, ev.RoomID, current, ev.StateKeyTuple(), ev.EventID)
			if err != nil {
				return errors.Wrap(err, "d.Snapshots.InsertSnapshot")
			}
			if err = d.Rooms.UpsertCurrentSnapshot(ctx, txn, ev.RoomID, snapshotID); err != nil {
				return errors.Wrap(err, "d.Rooms.UpsertCurrentSnapshot")
			}
			if membership != "" {
				if err = d.Memberships.UpsertMembership(
					ctx, txn, ev.RoomID, *ev.StateKey, membership, ev.EventID, pos, snapshotID,
				); err != nil {
					return errors.Wrap(err, "d.Memberships.UpsertMembership")
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		d.Cache.StoreSyncEvent(ev)
		if redactionTarget != nil {
			d.Cache.InvalidateSyncEvent(redactionTarget.EventID)
		}
		return nil
	})
}

func (d *Database) EventsByIDs(ctx context.Context, eventIDs []string) ([]*types.Event, error) {
	found := make(map[string]*types.Event, len(eventIDs))
	var missing []string
	for _, id := range eventIDs {
		if ev, ok := d.Cache.GetSyncEvent(id); ok {
			found[id] = ev
		} else {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		events, err := d.Events.SelectEvents(ctx, nil, missing)
		if err != nil {
			return nil, errors.Wrap(err, "d.Events.SelectEvents")
		}
		for _, ev := range events {
			found[ev.EventID] = ev
		}
	}
	result := make([]*types.Event, 0, len(eventIDs))
	for _, id := range eventIDs {
		if ev, ok := found[id]; ok {
			result = append(result, ev)
		}
	}
	return result, nil
}

func (d *Database) RecentEvents(ctx context.Context, roomID string, r types.Range, limit int) ([]*types.Event, bool, error) {
	events, limited, err := d.Events.SelectRecentEvents(ctx, nil, roomID, r, limit)
	if err != nil {
		return nil, false, errors.Wrap(err, "d.Events.SelectRecentEvents")
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, limited, nil
}

func (d *Database) CurrentSnapshotID(ctx context.Context, roomID string) (types.StateSnapshotID, error) {
	snapshotID, err := d.Rooms.SelectCurrentSnapshot(ctx, nil, roomID)
	if err != nil {
		return 0, errors.Wrap(err, "d.Rooms.SelectCurrentSnapshot")
	}
	if snapshotID == 0 {
		return 0, fmt.Errorf("room %s: %w", roomID, types.ErrNoCurrentState)
	}
	return snapshotID, nil
}

// StateMap returns the snapshot's state, from the cache when possible.
func (d *Database) StateMap(ctx context.Context, snapshotID types.StateSnapshotID) (types.StateMap, error) {
	if snapshotID == 0 {
		return types.StateMap{}, nil
	}
	if m, ok := d.Cache.GetStateSnapshot(snapshotID); ok {
		return m, nil
	}
	m, err := d.Snapshots.SelectStateMap(ctx, nil, snapshotID)
	if err != nil {
		return nil, errors.Wrap(err, "d.Snapshots.SelectStateMap")
	}
	d.Cache.StoreStateSnapshot(snapshotID, m)
	return m, nil
}

func (d *Database) StateDiff(ctx context.Context, from, to types.StateSnapshotID) (types.StateMap, error) {
	if from == to {
		return types.StateMap{}, nil
	}
	fromMap, err := d.StateMap(ctx, from)
	if err != nil {
		return nil, err
	}
	toMap, err := d.StateMap(ctx, to)
	if err != nil {
		return nil, err
	}
	return state.Diff(fromMap, toMap), nil
}

func (d *Database) StateEventAtSnapshot(
	ctx context.Context, snapshotID types.StateSnapshotID, eventType, stateKey string,
) (*types.Event, error) {
	m, err := d.StateMap(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	eventID, ok := m[types.StateKeyTuple{EventType: eventType, StateKey: stateKey}]
	if !ok {
		return nil, nil
	}
	events, err := d.EventsByIDs(ctx, []string{eventID})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: snapshot %d refers to unknown event %s", types.ErrDataCorruption, snapshotID, eventID)
	}
	return events[0], nil
}

func (d *Database) MembershipAtSnapshot(ctx context.Context, snapshotID types.StateSnapshotID, userID string) (string, error) {
	ev, err := d.StateEventAtSnapshot(ctx, snapshotID, spec.MRoomMember, userID)
	if err != nil || ev == nil {
		return "", err
	}
	return ev.Membership()
}

func (d *Database) IsEncrypted(ctx context.Context, snapshotID types.StateSnapshotID) (bool, error) {
	m, err := d.StateMap(ctx, snapshotID)
	if err != nil {
		return false, err
	}
	_, ok := m[types.StateKeyTuple{EventType: types.MRoomEncryption}]
	return ok, nil
}

func (d *Database) MemberCounts(ctx context.Context, roomID string) (joined, invited int, err error) {
	if joined, err = d.Memberships.SelectMembershipCount(ctx, nil, roomID, spec.Join); err != nil {
		return 0, 0, errors.Wrap(err, "d.Memberships.SelectMembershipCount")
	}
	if invited, err = d.Memberships.SelectMembershipCount(ctx, nil, roomID, spec.Invite); err != nil {
		return 0, 0, errors.Wrap(err, "d.Memberships.SelectMembershipCount")
	}
	return joined, invited, nil
}

func (d *Database) RoomMembers(ctx context.Context, roomID string, memberships ...string) (map[string]string, error) {
	if len(memberships) == 0 {
		memberships = []string{spec.Join}
	}
	return d.Memberships.SelectRoomMembers(ctx, nil, roomID, memberships)
}

func (d *Database) MemberEvents(ctx context.Context, roomID string) ([]*types.Event, error) {
	return d.Events.SelectMemberEvents(ctx, nil, roomID)
}

func (d *Database) SharedRooms(ctx context.Context, userA, userB string) ([]string, error) {
	return d.Memberships.SelectSharedRooms(ctx, nil, userA, userB)
}

func (d *Database) RoomsForUser(ctx context.Context, userID, membership string) (map[string]types.StreamPosition, error) {
	return d.Memberships.SelectRoomsForUser(ctx, nil, userID, membership)
}

func (d *Database) MembershipPosition(ctx context.Context, roomID, userID string) (string, types.StreamPosition, error) {
	membership, pos, _, err := d.Memberships.SelectMembership(ctx, nil, roomID, userID)
	return membership, pos, err
}

func (d *Database) StrippedState(ctx context.Context, roomID, userID string) ([]types.StrippedEvent, error) {
	_, _, snapshotID, err := d.Memberships.SelectMembership(ctx, nil, roomID, userID)
	if err != nil {
		return nil, errors.Wrap(err, "d.Memberships.SelectMembership")
	}
	if snapshotID == 0 {
		return nil, nil
	}
	m, err := d.StateMap(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	events, err := d.EventsByIDs(ctx, state.StrippedStateEventIDs(m, userID))
	if err != nil {
		return nil, err
	}
	stripped := make([]types.StrippedEvent, 0, len(events))
	for _, ev := range events {
		stripped = append(stripped, ev.StrippedEvent())
	}
	return stripped, nil
}

func (d *Database) SnapshotForToken(ctx context.Context, roomID string, pos types.StreamPosition) (types.StateSnapshotID, bool, error) {
	snapshotID, err := d.TokenSnapshots.SelectTokenSnapshot(ctx, nil, roomID, pos)
	if err != nil {
		return 0, false, errors.Wrap(err, "d.TokenSnapshots.SelectTokenSnapshot")
	}
	return snapshotID, snapshotID != 0, nil
}

func (d *Database) AssociateTokenWithSnapshot(
	ctx context.Context, roomID string, pos types.StreamPosition, snapshotID types.StateSnapshotID,
) error {
	return d.Writer.Do(d.DB, nil, func(txn *sql.Tx) error {
		return d.TokenSnapshots.UpsertTokenSnapshot(ctx, txn, roomID, pos, snapshotID)
	})
}
