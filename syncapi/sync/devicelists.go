// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/syncapi/types"
)

// trackMembershipChanges looks at the member events sent to the client for
// an encrypted room. Users who joined need their keys fetched unless the
// client already tracks them through another encrypted room. Users who
// left may no longer need tracking, which deviceListsLeft decides.
func (p *syncPass) trackMembershipChanges(ctx context.Context, roomID string, stateEvents []*types.Event) error {
	for _, ev := range stateEvents {
		if ev.Type != spec.MRoomMember || ev.StateKey == nil || *ev.StateKey == p.userID {
			continue
		}
		if _, err := spec.NewUserID(*ev.StateKey, true); err != nil {
			p.log().WithError(err).WithField("event_id", ev.EventID).Error("Invalid user id in member event")
			continue
		}
		membership, err := ev.Membership()
		if err != nil {
			p.log().WithError(err).WithField("event_id", ev.EventID).Error("Invalid member event")
			continue
		}
		switch membership {
		case spec.Join:
			shares, err := p.sharesOtherEncryptedRoom(ctx, *ev.StateKey, roomID)
			if err != nil {
				return err
			}
			if !shares {
				p.changed[*ev.StateKey] = struct{}{}
			}
		case spec.Leave:
			p.leftEncrypted[*ev.StateKey] = struct{}{}
		}
	}
	return nil
}

// trackAllMembers marks every member of a room as changed, for when the
// client starts sharing an encrypted room with all of them at once.
func (p *syncPass) trackAllMembers(ctx context.Context, roomID string, members map[string]string) error {
	for userID := range members {
		if userID == p.userID {
			continue
		}
		shares, err := p.sharesOtherEncryptedRoom(ctx, userID, roomID)
		if err != nil {
			return err
		}
		if !shares {
			p.changed[userID] = struct{}{}
		}
	}
	return nil
}

// sharesOtherEncryptedRoom reports whether the requester and userID are
// both joined to an encrypted room other than ignoreRoomID.
func (p *syncPass) sharesOtherEncryptedRoom(ctx context.Context, userID, ignoreRoomID string) (bool, error) {
	rooms, err := p.a.db.SharedRooms(ctx, p.userID, userID)
	if err != nil {
		return false, fmt.Errorf("p.a.db.SharedRooms: %w", err)
	}
	for _, roomID := range rooms {
		if roomID == ignoreRoomID {
			continue
		}
		if p.roomEncrypted(ctx, roomID) {
			return true, nil
		}
	}
	return false, nil
}

// roomEncrypted reports whether the room's current state enables
// encryption. Rooms whose state cannot be read count as unencrypted.
func (p *syncPass) roomEncrypted(ctx context.Context, roomID string) bool {
	snapshotID, err := p.a.db.CurrentSnapshotID(ctx, roomID)
	if err != nil {
		p.log().WithError(err).WithField("room_id", roomID).Warn("Failed to read current state of shared room")
		return false
	}
	encrypted, err := p.a.db.IsEncrypted(ctx, snapshotID)
	if err != nil {
		p.log().WithError(err).WithField("room_id", roomID).Warn("Failed to check encryption of shared room")
		return false
	}
	return encrypted
}

// deviceListsLeft tells the client to stop tracking users who left an
// encrypted room and no longer share any encrypted room with it.
func (p *syncPass) deviceListsLeft(ctx context.Context) error {
	for _, userID := range sortedSet(p.leftEncrypted) {
		rooms, err := p.a.db.SharedRooms(ctx, p.userID, userID)
		if err != nil {
			return fmt.Errorf("p.a.db.SharedRooms: %w", err)
		}
		stillShared := false
		for _, roomID := range rooms {
			if p.roomEncrypted(ctx, roomID) {
				stillShared = true
				break
			}
		}
		if !stillShared {
			p.res.DeviceLists.Left = append(p.res.DeviceLists.Left, userID)
		}
	}
	return nil
}
