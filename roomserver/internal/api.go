// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"context"
	"fmt"

	"github.com/element-hq/syncengine/roomserver/internal/input"
)

// RoomserverInternalAPI is an implementation of api.RoomserverInternalAPI.
type RoomserverInternalAPI struct {
	*input.Inputer
}

func (r *RoomserverInternalAPI) QueryMembership(ctx context.Context, roomID, userID string) (string, error) {
	membership, _, err := r.DB.MembershipPosition(ctx, roomID, userID)
	if err != nil {
		return "", fmt.Errorf("r.DB.MembershipPosition: %w", err)
	}
	return membership, nil
}
