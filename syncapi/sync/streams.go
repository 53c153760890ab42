// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/syncapi/types"
)

// syncPass holds everything collected while building one response.
type syncPass struct {
	a      *Assembler
	req    *types.SyncRequest
	userID string

	since     types.StreamPosition
	nextBatch types.StreamPosition
	r         types.Range

	res *types.Response

	keyChanges  []string
	accountData []types.OutputClientData
	presence    map[string]*types.PresenceEvent
	// changed and leftEncrypted collect device list updates across rooms.
	changed       map[string]struct{}
	leftEncrypted map[string]struct{}
}

func (p *syncPass) log() *logrus.Entry {
	if p.req.Log != nil {
		return p.req.Log
	}
	return logrus.WithField("user_id", p.userID)
}

// loadUserStreams reads the streams that are keyed by user rather than by
// room, so the room loops can pick out what belongs to each room.
func (p *syncPass) loadUserStreams(ctx context.Context) (err error) {
	if p.keyChanges, err = p.a.db.KeyChangesInRange(ctx, p.r); err != nil {
		return fmt.Errorf("p.a.db.KeyChangesInRange: %w", err)
	}
	for _, userID := range p.keyChanges {
		if userID == p.userID {
			p.changed[userID] = struct{}{}
		}
	}
	if p.accountData, err = p.a.db.AccountDataInRange(ctx, p.userID, p.r); err != nil {
		return fmt.Errorf("p.a.db.AccountDataInRange: %w", err)
	}
	return nil
}

// accountDataFor returns the account data for a room, or the global
// account data for the empty room id.
func (p *syncPass) accountDataFor(roomID string) []types.ClientEvent {
	var events []types.ClientEvent
	for _, data := range p.accountData {
		if data.RoomID != roomID {
			continue
		}
		events = append(events, types.ClientEvent{
			Type:    data.Type,
			Content: data.Content,
		})
	}
	return events
}

// membershipChangedInRange returns the rooms where the user's membership
// became the given one inside the pass range, ordered by room id.
func (p *syncPass) membershipChangedInRange(ctx context.Context, memberships ...string) ([]string, error) {
	var roomIDs []string
	for _, membership := range memberships {
		rooms, err := p.a.db.RoomsForUser(ctx, p.userID, membership)
		if err != nil {
			return nil, fmt.Errorf("p.a.db.RoomsForUser: %w", err)
		}
		for roomID, pos := range rooms {
			if p.r.Contains(pos) {
				roomIDs = append(roomIDs, roomID)
			}
		}
	}
	sort.Strings(roomIDs)
	return roomIDs, nil
}

// leftAndInvitedRooms reports rooms the user left or was invited to since
// the last sync, each with the stripped state from that moment.
func (p *syncPass) leftAndInvitedRooms(ctx context.Context) error {
	left, err := p.membershipChangedInRange(ctx, spec.Leave, spec.Ban)
	if err != nil {
		return err
	}
	for _, roomID := range left {
		if err = p.a.roomLocks.AwaitPendingWrites(roomID); err != nil {
			return err
		}
		stripped, err := p.a.db.StrippedState(ctx, roomID, p.userID)
		if err != nil {
			return fmt.Errorf("p.a.db.StrippedState: %w", err)
		}
		p.res.Rooms.Leave[roomID] = types.NewLeaveResponse(stripped, p.nextBatch)
	}

	invited, err := p.membershipChangedInRange(ctx, spec.Invite)
	if err != nil {
		return err
	}
	for _, roomID := range invited {
		if err = p.a.roomLocks.AwaitPendingWrites(roomID); err != nil {
			return err
		}
		stripped, err := p.a.db.StrippedState(ctx, roomID, p.userID)
		if err != nil {
			return fmt.Errorf("p.a.db.StrippedState: %w", err)
		}
		p.res.Rooms.Invite[roomID] = types.NewInviteResponse(stripped)
	}
	return nil
}

// toDevice drops the messages the device received in its previous sync and
// returns the rest.
func (p *syncPass) toDevice(ctx context.Context) error {
	deviceID := p.req.Device.ID
	if p.since > 0 {
		if err := p.a.db.CleanSendToDeviceMessages(ctx, p.userID, deviceID, p.since); err != nil {
			return fmt.Errorf("p.a.db.CleanSendToDeviceMessages: %w", err)
		}
	}
	events, err := p.a.db.SendToDeviceMessages(ctx, p.userID, deviceID, p.nextBatch)
	if err != nil {
		return fmt.Errorf("p.a.db.SendToDeviceMessages: %w", err)
	}
	p.res.ToDevice.Events = events
	return nil
}

// finish fills in the account-wide sections of the response.
func (p *syncPass) finish(ctx context.Context) error {
	p.res.AccountData.Events = p.accountDataFor("")

	userIDs := make([]string, 0, len(p.presence))
	for userID := range p.presence {
		userIDs = append(userIDs, userID)
	}
	sort.Strings(userIDs)
	for _, userID := range userIDs {
		ev, err := p.presence[userID].ClientEvent()
		if err != nil {
			p.log().WithError(err).WithField("presence_user_id", userID).Error("Failed to format presence")
			continue
		}
		p.res.Presence.Events = append(p.res.Presence.Events, ev)
	}

	p.res.DeviceLists.Changed = sortedSet(p.changed)

	counts, err := p.a.db.OneTimeKeyCounts(ctx, p.userID, p.req.Device.ID)
	if err != nil {
		return fmt.Errorf("p.a.db.OneTimeKeyCounts: %w", err)
	}
	for algorithm, count := range counts {
		p.res.DeviceListsOTKCount[algorithm] = count
	}
	return nil
}

func sortedSet(set map[string]struct{}) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
