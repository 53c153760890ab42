// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
)

// ClientEvents wraps a list of events the way the sync response nests them.
type ClientEvents struct {
	Events []ClientEvent `json:"events,omitempty"`
}

func (c ClientEvents) IsEmpty() bool {
	return len(c.Events) == 0
}

// Response represents a /sync API response. See https://matrix.org/docs/spec/client_server/r0.2.0.html#get-matrix-client-r0-sync
type Response struct {
	NextBatch           StreamPosition   `json:"next_batch"`
	AccountData         ClientEvents     `json:"account_data"`
	Presence            ClientEvents     `json:"presence"`
	Rooms               RoomsResponse    `json:"rooms"`
	ToDevice            ToDeviceResponse `json:"to_device"`
	DeviceLists         DeviceLists      `json:"device_lists"`
	DeviceListsOTKCount map[string]int   `json:"device_one_time_keys_count,omitempty"`
}

type RoomsResponse struct {
	Join   map[string]*JoinResponse   `json:"join,omitempty"`
	Invite map[string]*InviteResponse `json:"invite,omitempty"`
	Leave  map[string]*LeaveResponse  `json:"leave,omitempty"`
}

func (r RoomsResponse) IsEmpty() bool {
	return len(r.Join) == 0 && len(r.Invite) == 0 && len(r.Leave) == 0
}

type ToDeviceResponse struct {
	Events []SendToDeviceEvent `json:"events,omitempty"`
}

// DeviceLists lists users whose device keys a client should refetch
// (changed) or may stop tracking (left).
type DeviceLists struct {
	Changed []string `json:"changed,omitempty"`
	Left    []string `json:"left,omitempty"`
}

func (d DeviceLists) IsEmpty() bool {
	return len(d.Changed) == 0 && len(d.Left) == 0
}

// NewResponse creates an empty response with initialised maps.
func NewResponse() *Response {
	res := Response{}
	// Pre-initialise the maps. Synapse will return {} even if there are no rooms under a specific section,
	// so let's do the same thing. Bonus: this means we can't get dreaded 'assignment to entry in nil map' errors.
	res.Rooms.Join = map[string]*JoinResponse{}
	res.Rooms.Invite = map[string]*InviteResponse{}
	res.Rooms.Leave = map[string]*LeaveResponse{}
	res.DeviceListsOTKCount = map[string]int{}
	return &res
}

// IsEmpty reports whether the response carries nothing a client would act
// on. One-time key counts do not count.
func (r *Response) IsEmpty() bool {
	return r.Rooms.IsEmpty() &&
		r.Presence.IsEmpty() &&
		r.AccountData.IsEmpty() &&
		r.DeviceLists.IsEmpty() &&
		len(r.ToDevice.Events) == 0
}

// Summary is the m.room.summary block of a joined room.
type Summary struct {
	Heroes             []string `json:"m.heroes,omitempty"`
	JoinedMemberCount  *int     `json:"m.joined_member_count,omitempty"`
	InvitedMemberCount *int     `json:"m.invited_member_count,omitempty"`
}

func (s *Summary) IsEmpty() bool {
	return s == nil || (len(s.Heroes) == 0 && s.JoinedMemberCount == nil && s.InvitedMemberCount == nil)
}

type UnreadNotifications struct {
	HighlightCount    int `json:"highlight_count"`
	NotificationCount int `json:"notification_count"`
}

type Timeline struct {
	Events    []ClientEvent   `json:"events"`
	Limited   bool            `json:"limited"`
	PrevBatch *StreamPosition `json:"prev_batch,omitempty"`
}

// JoinResponse represents a /sync response for a room which is under the 'join' or 'peek' key.
type JoinResponse struct {
	Summary             *Summary             `json:"summary,omitempty"`
	State               ClientEvents         `json:"state"`
	Timeline            Timeline             `json:"timeline"`
	Ephemeral           ClientEvents         `json:"ephemeral"`
	AccountData         ClientEvents         `json:"account_data"`
	UnreadNotifications *UnreadNotifications `json:"unread_notifications,omitempty"`
}

// NewJoinResponse creates an empty response with initialised arrays.
func NewJoinResponse() *JoinResponse {
	return &JoinResponse{
		Timeline: Timeline{Events: []ClientEvent{}},
	}
}

// IsEmpty reports whether there is nothing to tell the client about this
// room. Such rooms are left out of the response.
func (jr *JoinResponse) IsEmpty() bool {
	return jr.Summary.IsEmpty() &&
		jr.UnreadNotifications == nil &&
		len(jr.Timeline.Events) == 0 &&
		jr.State.IsEmpty() &&
		jr.AccountData.IsEmpty() &&
		jr.Ephemeral.IsEmpty()
}

// InviteResponse represents a /sync response for a room which is under the 'invite' key.
type InviteResponse struct {
	InviteState struct {
		Events []StrippedEvent `json:"events"`
	} `json:"invite_state"`
}

// NewInviteResponse creates an empty response with initialised arrays.
func NewInviteResponse(state []StrippedEvent) *InviteResponse {
	res := InviteResponse{}
	res.InviteState.Events = state
	if res.InviteState.Events == nil {
		res.InviteState.Events = []StrippedEvent{}
	}
	return &res
}

// LeaveResponse represents a /sync response for a room which is under the 'leave' key.
type LeaveResponse struct {
	State struct {
		Events []StrippedEvent `json:"events"`
	} `json:"state"`
	Timeline Timeline `json:"timeline"`
}

// NewLeaveResponse creates a left room entry whose timeline is empty and
// points the client at nextBatch for any history fetch.
func NewLeaveResponse(state []StrippedEvent, nextBatch StreamPosition) *LeaveResponse {
	res := LeaveResponse{}
	res.State.Events = state
	if res.State.Events == nil {
		res.State.Events = []StrippedEvent{}
	}
	res.Timeline.Events = []ClientEvent{}
	res.Timeline.PrevBatch = &nextBatch
	return &res
}

// SendToDeviceEvent is a message addressed to one device of one user.
type SendToDeviceEvent struct {
	Sender  string          `json:"sender"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

const (
	PresenceOnline      = "online"
	PresenceUnavailable = "unavailable"
	PresenceOffline     = "offline"
)

// PresenceContent is the content of an m.presence event. Every field but
// presence is optional so that partial updates can be merged.
type PresenceContent struct {
	Presence        string  `json:"presence"`
	LastActiveAgo   *int64  `json:"last_active_ago,omitempty"`
	StatusMsg       *string `json:"status_msg,omitempty"`
	CurrentlyActive *bool   `json:"currently_active,omitempty"`
	DisplayName     *string `json:"displayname,omitempty"`
	AvatarURL       *string `json:"avatar_url,omitempty"`
}

// Merge folds a newer update into the content. Fields the update does not
// carry keep their current value.
func (p *PresenceContent) Merge(update *PresenceContent) {
	if update.Presence != "" {
		p.Presence = update.Presence
	}
	if update.LastActiveAgo != nil {
		p.LastActiveAgo = update.LastActiveAgo
	}
	if update.StatusMsg != nil {
		p.StatusMsg = update.StatusMsg
	}
	if update.CurrentlyActive != nil {
		p.CurrentlyActive = update.CurrentlyActive
	}
	if update.DisplayName != nil {
		p.DisplayName = update.DisplayName
	}
	if update.AvatarURL != nil {
		p.AvatarURL = update.AvatarURL
	}
}

// PresenceEvent is one user's presence as stored, together with the
// position it was written at.
type PresenceEvent struct {
	UserID       string
	Content      PresenceContent
	LastActiveTS spec.Timestamp
	Position     StreamPosition
}

// SetLastActiveAgo fills in last_active_ago relative to now.
func (p *PresenceEvent) SetLastActiveAgo(now time.Time) {
	if p.LastActiveTS == 0 {
		return
	}
	ago := now.Sub(p.LastActiveTS.Time()).Milliseconds()
	if ago < 0 {
		ago = 0
	}
	p.Content.LastActiveAgo = &ago
}

func (p *PresenceEvent) ClientEvent() (ClientEvent, error) {
	content, err := json.Marshal(p.Content)
	if err != nil {
		return ClientEvent{}, err
	}
	return ClientEvent{
		Content: content,
		Sender:  p.UserID,
		Type:    MPresence,
	}, nil
}
