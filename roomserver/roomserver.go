// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package roomserver

import (
	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/roomserver/internal"
	"github.com/element-hq/syncengine/roomserver/internal/input"
	"github.com/element-hq/syncengine/roomserver/producers"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
)

// NewInternalAPI returns a concrete implementation of the internal API.
// Events are appended to db, which must share roomLocks with the sync API
// reading the same store.
func NewInternalAPI(
	processContext *process.ProcessContext,
	cfg *config.SyncEngine,
	natsInstance *jetstream.NATSInstance,
	db input.Database,
	roomLocks *roomlock.Registry,
) *internal.RoomserverInternalAPI {
	js, _ := natsInstance.Prepare(processContext, &cfg.Global.JetStream)

	return &internal.RoomserverInternalAPI{
		Inputer: &input.Inputer{
			DB:        db,
			RoomLocks: roomLocks,
			OutputProducer: &producers.RoomEventProducer{
				JetStream: js,
				Cfg:       &cfg.Global.JetStream,
			},
		},
	}
}
