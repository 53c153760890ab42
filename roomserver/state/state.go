// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package state holds helpers for working with room state maps. A state
// event replaces the (type, state_key) entry of the map it is applied to;
// there is no conflict resolution.
package state

import (
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/syncapi/types"
)

// strippedStateTypes are the event types sent as stripped state with
// invites and left rooms, besides the user's own member event.
var strippedStateTypes = []string{
	spec.MRoomCreate,
	"m.room.join_rules",
	"m.room.name",
	"m.room.avatar",
	"m.room.canonical_alias",
	"m.room.topic",
	types.MRoomEncryption,
}

// Apply returns a copy of m in which key holds eventID. m is left as is.
func Apply(m types.StateMap, key types.StateKeyTuple, eventID string) types.StateMap {
	next := m.Clone()
	next[key] = eventID
	return next
}

// Diff returns the entries of to that are missing from, or hold a
// different event in, from.
func Diff(from, to types.StateMap) types.StateMap {
	changed := types.StateMap{}
	for key, eventID := range to {
		if from[key] != eventID {
			changed[key] = eventID
		}
	}
	return changed
}

// HasMembershipChange reports whether a state delta touches any member.
func HasMembershipChange(delta types.StateMap) bool {
	for key := range delta {
		if key.EventType == spec.MRoomMember {
			return true
		}
	}
	return false
}

// SortedKeys returns the keys of m ordered by type and then state key, so
// that responses list state in a stable order.
func SortedKeys(m types.StateMap) []types.StateKeyTuple {
	keys := make([]types.StateKeyTuple, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].EventType != keys[j].EventType {
			return keys[i].EventType < keys[j].EventType
		}
		return keys[i].StateKey < keys[j].StateKey
	})
	return keys
}

// SortedEventIDs returns the event ids of m in SortedKeys order.
func SortedEventIDs(m types.StateMap) []string {
	keys := SortedKeys(m)
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		ids = append(ids, m[key])
	}
	return ids
}

// StrippedStateEventIDs returns the ids of the events in m that make up
// stripped state for userID.
func StrippedStateEventIDs(m types.StateMap, userID string) []string {
	var ids []string
	for _, eventType := range strippedStateTypes {
		if eventID, ok := m[types.StateKeyTuple{EventType: eventType}]; ok {
			ids = append(ids, eventID)
		}
	}
	if eventID, ok := m[types.StateKeyTuple{EventType: spec.MRoomMember, StateKey: userID}]; ok {
		ids = append(ids, eventID)
	}
	return ids
}
