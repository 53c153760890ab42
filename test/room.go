// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package test

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/syncapi/types"
)

var (
	roomIDCounter  = int64(0)
	eventIDCounter = int64(0)
)

// Room builds the events of a test room. Events are handed out unappended,
// so callers decide how they reach storage.
type Room struct {
	ID      string
	creator *User
	events  []*types.Event
}

// NewRoom returns a room whose create event and creator join are already
// built.
func NewRoom(t *testing.T, creator *User) *Room {
	t.Helper()
	counter := atomic.AddInt64(&roomIDCounter, 1)
	r := &Room{
		ID:      fmt.Sprintf("!%d:%s", counter, creator.ServerName()),
		creator: creator,
	}
	r.CreateEvent(t, creator, spec.MRoomCreate, map[string]interface{}{
		"creator":      creator.ID,
		"room_version": "10",
	}, WithStateKey(""))
	r.CreateEvent(t, creator, spec.MRoomMember, map[string]interface{}{
		"membership": spec.Join,
	}, WithStateKey(creator.ID))
	return r
}

type eventMods struct {
	stateKey *string
	redacts  string
}

type EventOpt func(*eventMods)

func WithStateKey(skey string) EventOpt {
	return func(e *eventMods) {
		e.stateKey = &skey
	}
}

func WithRedacts(eventID string) EventOpt {
	return func(e *eventMods) {
		e.redacts = eventID
	}
}

// CreateEvent builds the next event of the room and remembers it.
func (r *Room) CreateEvent(t *testing.T, creator *User, eventType string, content interface{}, opts ...EventOpt) *types.Event {
	t.Helper()
	var mods eventMods
	for _, opt := range opts {
		opt(&mods)
	}
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("CreateEvent: failed to marshal content: %s", err)
	}
	counter := atomic.AddInt64(&eventIDCounter, 1)
	ev := &types.Event{
		EventID:        fmt.Sprintf("$%d-%s", counter, eventType),
		RoomID:         r.ID,
		Type:           eventType,
		StateKey:       mods.stateKey,
		Sender:         creator.ID,
		Content:        raw,
		Redacts:        mods.redacts,
		OriginServerTS: spec.AsTimestamp(time.Now()),
	}
	r.events = append(r.events, ev)
	return ev
}

// Events returns every event built so far, in creation order.
func (r *Room) Events() []*types.Event {
	return r.events
}

func (r *Room) Creator() *User {
	return r.creator
}
