// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package types

import (
	"time"

	"github.com/sirupsen/logrus"

	userapi "github.com/element-hq/syncengine/userapi/api"
)

// SyncRequest is one parsed /sync request.
type SyncRequest struct {
	Log    *logrus.Entry
	Device *userapi.Device

	// Since is the raw token as sent by the client. Requests are coalesced
	// on this exact string.
	Since string
	// SincePosition is Since parsed; 0 for an initial sync.
	SincePosition StreamPosition
	// Timeout is how long the client is willing to wait for something to
	// happen, before any server-side cap is applied.
	Timeout   time.Duration
	FullState bool
}

// CacheKey identifies the (user, device) pair the request belongs to.
func (r *SyncRequest) CacheKey() string {
	return r.Device.UserID + "\x00" + r.Device.ID
}
