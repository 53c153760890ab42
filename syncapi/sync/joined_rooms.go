// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/internal"
	"github.com/element-hq/syncengine/roomserver/state"
	"github.com/element-hq/syncengine/syncapi/types"
)

func (p *syncPass) joinedRooms(ctx context.Context) error {
	rooms, err := p.a.db.RoomsForUser(ctx, p.userID, spec.Join)
	if err != nil {
		return fmt.Errorf("p.a.db.RoomsForUser: %w", err)
	}
	roomIDs := make([]string, 0, len(rooms))
	for roomID := range rooms {
		roomIDs = append(roomIDs, roomID)
	}
	sort.Strings(roomIDs)

	for _, roomID := range roomIDs {
		jr, err := p.joinedRoom(ctx, roomID)
		switch {
		case errors.Is(err, types.ErrDataCorruption):
			p.log().WithError(err).WithField("room_id", roomID).Error("Skipping room with unreadable data")
			continue
		case err != nil:
			return fmt.Errorf("room %s: %w", roomID, err)
		}
		if !jr.IsEmpty() {
			p.res.Rooms.Join[roomID] = jr
		}
	}
	return nil
}

// joinedRoom builds the section for one joined room and records the room's
// contribution to presence and device lists.
func (p *syncPass) joinedRoom(ctx context.Context, roomID string) (*types.JoinResponse, error) {
	trace, ctx := internal.StartRegion(ctx, "joinedRoom")
	defer trace.EndRegion()
	trace.SetTag("room_id", roomID)

	db := p.a.db
	if err := p.a.roomLocks.AwaitPendingWrites(roomID); err != nil {
		return nil, err
	}

	events, limited, err := db.RecentEvents(ctx, roomID, p.r, p.a.cfg.TimelineLimit)
	if err != nil {
		return nil, fmt.Errorf("db.RecentEvents: %w", err)
	}
	sendCounts := len(events) > 0
	if !sendCounts {
		marker, err := db.PrivateReadMarkerPosition(ctx, roomID, p.userID)
		if err != nil {
			return nil, fmt.Errorf("db.PrivateReadMarkerPosition: %w", err)
		}
		sendCounts = marker > p.since
	}

	current, err := db.CurrentSnapshotID(ctx, roomID)
	if err != nil {
		return nil, err
	}
	var sinceSnapshot types.StateSnapshotID
	var haveSince bool
	if p.since > 0 {
		if sinceSnapshot, haveSince, err = db.SnapshotForToken(ctx, roomID, p.since); err != nil {
			return nil, fmt.Errorf("db.SnapshotForToken: %w", err)
		}
	}
	members, err := db.RoomMembers(ctx, roomID, spec.Join)
	if err != nil {
		return nil, fmt.Errorf("db.RoomMembers: %w", err)
	}

	var stateEvents []*types.Event
	var joinedSinceLastSync, sendSummary bool
	switch {
	case !haveSince:
		// Initial sync, or a room the user was not in when they last synced.
		joinedSinceLastSync = true
		sendSummary = true
		if stateEvents, err = p.stateEvents(ctx, current, 0); err != nil {
			return nil, err
		}
		if p.since > 0 {
			encrypted, err := db.IsEncrypted(ctx, current)
			if err != nil {
				return nil, fmt.Errorf("db.IsEncrypted: %w", err)
			}
			if encrypted {
				if err = p.trackAllMembers(ctx, roomID, members); err != nil {
					return nil, err
				}
			}
		}

	case len(events) == 0 && sinceSnapshot == current:
		// Nothing happened in the room.

	default:
		sinceMembership, err := db.MembershipAtSnapshot(ctx, sinceSnapshot, p.userID)
		if err != nil {
			if !errors.Is(err, types.ErrDataCorruption) {
				return nil, fmt.Errorf("db.MembershipAtSnapshot: %w", err)
			}
			p.log().WithError(err).WithField("room_id", roomID).Error("Unreadable membership at since, sending full state")
		}
		joinedSinceLastSync = sinceMembership != spec.Join
		if joinedSinceLastSync {
			stateEvents, err = p.stateEvents(ctx, current, 0)
		} else {
			stateEvents, err = p.stateEvents(ctx, current, sinceSnapshot)
		}
		if err != nil {
			return nil, err
		}
		for _, ev := range stateEvents {
			if ev.Type == spec.MRoomMember {
				sendSummary = true
				break
			}
		}

		encrypted, err := db.IsEncrypted(ctx, current)
		if err != nil {
			return nil, fmt.Errorf("db.IsEncrypted: %w", err)
		}
		sinceEncrypted, err := db.IsEncrypted(ctx, sinceSnapshot)
		if err != nil {
			return nil, fmt.Errorf("db.IsEncrypted: %w", err)
		}
		if encrypted {
			if err = p.trackMembershipChanges(ctx, roomID, stateEvents); err != nil {
				return nil, err
			}
			if joinedSinceLastSync || !sinceEncrypted {
				if err = p.trackAllMembers(ctx, roomID, members); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, userID := range p.keyChanges {
		if _, ok := members[userID]; ok && userID != p.userID {
			p.changed[userID] = struct{}{}
		}
	}

	jr := types.NewJoinResponse()
	if sendCounts {
		counts, err := db.NotificationCounts(ctx, p.userID, roomID)
		if err != nil {
			return nil, fmt.Errorf("db.NotificationCounts: %w", err)
		}
		jr.UnreadNotifications = &types.UnreadNotifications{}
		if counts != nil {
			jr.UnreadNotifications.NotificationCount = counts.UnreadNotificationCount
			jr.UnreadNotifications.HighlightCount = counts.UnreadHighlightCount
		}
	}

	jr.Timeline.Events = types.ToClientEvents(events)
	jr.Timeline.Limited = limited || joinedSinceLastSync
	if len(events) > 0 {
		prevBatch := events[0].Position
		jr.Timeline.PrevBatch = &prevBatch
	}
	jr.State.Events = types.ToClientEvents(stateEvents)

	if jr.Ephemeral.Events, err = p.ephemeral(ctx, roomID); err != nil {
		return nil, err
	}

	if err = db.AssociateTokenWithSnapshot(ctx, roomID, p.nextBatch, current); err != nil {
		return nil, fmt.Errorf("db.AssociateTokenWithSnapshot: %w", err)
	}

	jr.AccountData.Events = p.accountDataFor(roomID)

	if sendSummary {
		joined, invited, err := db.MemberCounts(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("db.MemberCounts: %w", err)
		}
		heroes, err := p.heroes(ctx, roomID, joined+invited)
		if err != nil {
			return nil, err
		}
		jr.Summary = &types.Summary{
			Heroes:             heroes,
			JoinedMemberCount:  &joined,
			InvitedMemberCount: &invited,
		}
	}

	memberIDs := make([]string, 0, len(members))
	for userID := range members {
		memberIDs = append(memberIDs, userID)
	}
	sort.Strings(memberIDs)
	presence, err := db.PresenceInRange(ctx, memberIDs, p.r)
	if err != nil {
		return nil, fmt.Errorf("db.PresenceInRange: %w", err)
	}
	for _, pe := range presence {
		mergePresence(p.presence, pe)
	}

	return jr, nil
}

// stateEvents returns the events of the current snapshot, or only those
// that differ from the since snapshot when one is given.
func (p *syncPass) stateEvents(ctx context.Context, current, since types.StateSnapshotID) ([]*types.Event, error) {
	var m types.StateMap
	var err error
	if since == 0 {
		m, err = p.a.db.StateMap(ctx, current)
	} else {
		m, err = p.a.db.StateDiff(ctx, since, current)
	}
	if err != nil {
		return nil, fmt.Errorf("reading state: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	events, err := p.a.db.EventsByIDs(ctx, state.SortedEventIDs(m))
	if err != nil {
		return nil, fmt.Errorf("p.a.db.EventsByIDs: %w", err)
	}
	return events, nil
}

// heroes picks the members a client can name an unnamed room after. They
// are only worked out for small rooms.
func (p *syncPass) heroes(ctx context.Context, roomID string, memberCount int) ([]string, error) {
	limit := p.a.cfg.HeroLimit
	if memberCount > limit {
		return nil, nil
	}
	current, err := p.a.db.RoomMembers(ctx, roomID, spec.Join, spec.Invite)
	if err != nil {
		return nil, fmt.Errorf("p.a.db.RoomMembers: %w", err)
	}
	memberEvents, err := p.a.db.MemberEvents(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("p.a.db.MemberEvents: %w", err)
	}

	heroes := []string{}
	seen := map[string]bool{p.userID: true}
	for _, ev := range memberEvents {
		if len(heroes) >= limit {
			break
		}
		if ev.StateKey == nil || seen[*ev.StateKey] {
			continue
		}
		membership, err := ev.Membership()
		if err != nil {
			p.log().WithError(err).WithField("event_id", ev.EventID).Error("Invalid member event")
			continue
		}
		if membership != spec.Join && membership != spec.Invite {
			continue
		}
		if _, err = spec.NewUserID(*ev.StateKey, true); err != nil {
			p.log().WithError(err).WithField("event_id", ev.EventID).Error("Invalid user id in member event")
			continue
		}
		if _, ok := current[*ev.StateKey]; !ok {
			continue
		}
		seen[*ev.StateKey] = true
		heroes = append(heroes, *ev.StateKey)
	}
	return heroes, nil
}

// ephemeral returns the receipts sent since the last sync as one m.receipt
// event, and the current typers if typing changed.
func (p *syncPass) ephemeral(ctx context.Context, roomID string) ([]types.ClientEvent, error) {
	var events []types.ClientEvent

	receipts, err := p.a.db.ReceiptsInRange(ctx, roomID, p.r)
	if err != nil {
		return nil, fmt.Errorf("p.a.db.ReceiptsInRange: %w", err)
	}
	// event id -> receipt type -> user id -> receipt
	content := map[string]map[string]map[string]receiptTimestamp{}
	for _, receipt := range receipts {
		if receipt.Type == receiptTypePrivateRead && receipt.UserID != p.userID {
			continue
		}
		byType, ok := content[receipt.EventID]
		if !ok {
			byType = map[string]map[string]receiptTimestamp{}
			content[receipt.EventID] = byType
		}
		byUser, ok := byType[receipt.Type]
		if !ok {
			byUser = map[string]receiptTimestamp{}
			byType[receipt.Type] = byUser
		}
		byUser[receipt.UserID] = receiptTimestamp{TS: receipt.Timestamp}
	}
	if len(content) > 0 {
		raw, err := json.Marshal(content)
		if err != nil {
			return nil, err
		}
		events = append(events, types.ClientEvent{Type: types.MReceipt, Content: raw})
	}

	if p.a.typing != nil {
		if typers, updated := p.a.typing.GetTypingUsersIfUpdatedAfter(roomID, int64(p.since)); updated {
			sort.Strings(typers)
			raw, err := json.Marshal(typingContent{UserIDs: typers})
			if err != nil {
				return nil, err
			}
			events = append(events, types.ClientEvent{Type: types.MTyping, Content: raw})
		}
	}
	return events, nil
}

const receiptTypePrivateRead = "m.read.private"

type receiptTimestamp struct {
	TS spec.Timestamp `json:"ts"`
}

type typingContent struct {
	UserIDs []string `json:"user_ids"`
}
