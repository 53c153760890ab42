// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package api

import (
	"context"
	"errors"

	"github.com/element-hq/syncengine/syncapi/types"
)

// ErrRoomNotFound is returned when an event is sent to a room the server
// holds no state for.
var ErrRoomNotFound = errors.New("room not found")

// ErrNotAllowed is returned when the sender may not send the event.
type ErrNotAllowed struct {
	Err error
}

func (e ErrNotAllowed) Error() string {
	return e.Err.Error()
}

func (e ErrNotAllowed) Unwrap() error {
	return e.Err
}

// RoomserverInternalAPI is what the client API needs to write into rooms.
type RoomserverInternalAPI interface {
	// AppendEvent builds an event from the builder, appends it to the room
	// and returns it with its id and position filled in.
	AppendEvent(ctx context.Context, roomID, sender string, builder types.EventBuilder) (*types.Event, error)
	// QueryMembership returns the current membership of the user in the
	// room, or "" if the user never had one.
	QueryMembership(ctx context.Context, roomID, userID string) (string, error)
}
