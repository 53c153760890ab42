// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"

	"github.com/matrix-org/gomatrixserverlib/spec"

	"github.com/element-hq/syncengine/syncapi/storage"
)

// UsersSharingRoomsWith returns the user together with everyone currently
// joined to a room the user is joined to.
func UsersSharingRoomsWith(ctx context.Context, db storage.Database, userID string) ([]string, error) {
	rooms, err := db.RoomsForUser(ctx, userID, spec.Join)
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{userID: {}}
	users := []string{userID}
	for roomID := range rooms {
		members, err := db.RoomMembers(ctx, roomID, spec.Join)
		if err != nil {
			return nil, err
		}
		for member := range members {
			if _, ok := seen[member]; ok {
				continue
			}
			seen[member] = struct{}{}
			users = append(users, member)
		}
	}
	return users, nil
}

// JoinedMembers returns the users currently joined to the room.
func JoinedMembers(ctx context.Context, db storage.Database, roomID string) ([]string, error) {
	members, err := db.RoomMembers(ctx, roomID, spec.Join)
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(members))
	for userID := range members {
		users = append(users, userID)
	}
	return users, nil
}
