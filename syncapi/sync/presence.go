// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"time"

	"github.com/Arceliar/phony"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/syncapi/internal"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
)

// presencePinger marks syncing users as online. Pings are handled one at a
// time by the actor so that a sync never waits on the presence write.
type presencePinger struct {
	phony.Inbox
	ctx      context.Context
	db       storage.Database
	notifier *notifier.Notifier
	now      func() time.Time
}

func (p *presencePinger) Ping(userID string) {
	p.Act(nil, func() {
		p.ping(userID)
	})
}

func (p *presencePinger) ping(userID string) {
	pos, changed, err := p.db.PingPresence(p.ctx, userID, p.now())
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to update presence on sync")
		return
	}
	if !changed {
		return
	}
	users, err := internal.UsersSharingRoomsWith(p.ctx, p.db, userID)
	if err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("Failed to find users to tell about presence")
		return
	}
	p.notifier.OnNewEvent(pos, users...)
}

// mergePresence folds a presence update into the updates collected so far
// for the response. Fields the update leaves out keep their earlier value.
func mergePresence(updates map[string]*types.PresenceEvent, p *types.PresenceEvent) {
	existing, ok := updates[p.UserID]
	if !ok {
		c := *p
		updates[p.UserID] = &c
		return
	}
	existing.Content.Merge(&p.Content)
	if p.Position > existing.Position {
		existing.Position = p.Position
	}
}
