// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"encoding/json"
	"fmt"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	MRoomEncryption = "m.room.encryption"
	MRoomRedaction  = "m.room.redaction"
	MTyping         = "m.typing"
	MReceipt        = "m.receipt"
	MPresence       = "m.presence"
)

// Event is a persisted room event. Events are immutable once appended,
// except that a redaction records itself on its target.
type Event struct {
	EventID        string          `json:"event_id"`
	RoomID         string          `json:"room_id"`
	Type           string          `json:"type"`
	StateKey       *string         `json:"state_key,omitempty"`
	Sender         string          `json:"sender"`
	Content        json.RawMessage `json:"content"`
	Redacts        string          `json:"redacts,omitempty"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts"`
	Position       StreamPosition  `json:"position"`
	// RedactedBecause holds the client form of the redaction that
	// redacted this event, or nil.
	RedactedBecause json.RawMessage `json:"redacted_because,omitempty"`
}

// EventBuilder carries the parts of an event that a writer chooses.
// Everything else is filled in when the event is appended.
type EventBuilder struct {
	Type     string          `json:"type"`
	StateKey *string         `json:"state_key,omitempty"`
	Content  json.RawMessage `json:"content"`
	Redacts  string          `json:"redacts,omitempty"`
}

func (e *Event) IsState() bool {
	return e.StateKey != nil
}

func (e *Event) StateKeyEquals(s string) bool {
	return e.StateKey != nil && *e.StateKey == s
}

func (e *Event) StateKeyTuple() StateKeyTuple {
	if e.StateKey == nil {
		return StateKeyTuple{EventType: e.Type}
	}
	return StateKeyTuple{EventType: e.Type, StateKey: *e.StateKey}
}

func (e *Event) Redacted() bool {
	return len(e.RedactedBecause) > 0
}

// Membership returns the membership carried by an m.room.member event.
func (e *Event) Membership() (string, error) {
	if e.Type != spec.MRoomMember {
		return "", fmt.Errorf("%w: event %s is %s, not a membership event", ErrDataCorruption, e.EventID, e.Type)
	}
	res := gjson.GetBytes(e.Content, "membership")
	if res.Type != gjson.String {
		return "", fmt.Errorf("%w: event %s has no valid membership", ErrDataCorruption, e.EventID)
	}
	return res.Str, nil
}

// redactionAllowList lists the content keys kept when an event of the
// given type is redacted.
var redactionAllowList = map[string][]string{
	spec.MRoomMember:            {"membership"},
	spec.MRoomCreate:            {"creator"},
	"m.room.join_rules":         {"join_rule"},
	"m.room.history_visibility": {"history_visibility"},
	"m.room.power_levels":       {"ban", "events", "events_default", "kick", "redact", "state_default", "users", "users_default"},
	"m.room.aliases":            {"aliases"},
}

// RedactContent strips every content key not preserved by redaction.
func RedactContent(eventType string, content json.RawMessage) json.RawMessage {
	out := []byte("{}")
	for _, key := range redactionAllowList[eventType] {
		res := gjson.GetBytes(content, key)
		if !res.Exists() {
			continue
		}
		if patched, err := sjson.SetRawBytes(out, key, []byte(res.Raw)); err == nil {
			out = patched
		}
	}
	return out
}

// ClientEvent is an event which is fit for consumption by clients in the client-server format.
type ClientEvent struct {
	Content        json.RawMessage `json:"content"`
	EventID        string          `json:"event_id,omitempty"`
	OriginServerTS spec.Timestamp  `json:"origin_server_ts,omitempty"`
	RoomID         string          `json:"room_id,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	StateKey       *string         `json:"state_key,omitempty"`
	Type           string          `json:"type"`
	Redacts        string          `json:"redacts,omitempty"`
	Unsigned       json.RawMessage `json:"unsigned,omitempty"`
}

// ClientEvent formats the event for a sync response. Redacted events keep
// their shape but lose any content not preserved by redaction, and carry
// the redaction under unsigned.redacted_because.
func (e *Event) ClientEvent() ClientEvent {
	ce := ClientEvent{
		Content:        e.Content,
		EventID:        e.EventID,
		OriginServerTS: e.OriginServerTS,
		RoomID:         e.RoomID,
		Sender:         e.Sender,
		StateKey:       e.StateKey,
		Type:           e.Type,
		Redacts:        e.Redacts,
	}
	if len(ce.Content) == 0 {
		ce.Content = json.RawMessage("{}")
	}
	if e.Redacted() {
		ce.Content = RedactContent(e.Type, e.Content)
		if unsigned, err := sjson.SetRawBytes([]byte("{}"), "redacted_because", e.RedactedBecause); err == nil {
			ce.Unsigned = unsigned
		}
	}
	return ce
}

// StrippedEvent is the reduced form of state events sent with invites and
// left rooms.
type StrippedEvent struct {
	Content  json.RawMessage `json:"content"`
	StateKey string          `json:"state_key"`
	Sender   string          `json:"sender"`
	Type     string          `json:"type"`
}

func (e *Event) StrippedEvent() StrippedEvent {
	se := StrippedEvent{
		Content: e.Content,
		Sender:  e.Sender,
		Type:    e.Type,
	}
	if e.StateKey != nil {
		se.StateKey = *e.StateKey
	}
	if e.Redacted() {
		se.Content = RedactContent(e.Type, e.Content)
	}
	return se
}

// ToClientEvents converts events for a sync response, preserving order.
func ToClientEvents(events []*Event) []ClientEvent {
	out := make([]ClientEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.ClientEvent())
	}
	return out
}

// CacheCost estimates the in-memory size of the event for the event cache.
func (e *Event) CacheCost() int {
	cost := 128 + len(e.EventID) + len(e.RoomID) + len(e.Type) + len(e.Sender) +
		len(e.Content) + len(e.Redacts) + len(e.RedactedBecause)
	if e.StateKey != nil {
		cost += len(*e.StateKey)
	}
	return cost
}
