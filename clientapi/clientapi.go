// Copyright 2024 New Vector Ltd.
// Copyright 2017 Vector Creations Ltd
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package clientapi

import (
	"github.com/element-hq/syncengine/clientapi/producers"
	"github.com/element-hq/syncengine/clientapi/routing"
	"github.com/element-hq/syncengine/internal/httputil"
	roomserverAPI "github.com/element-hq/syncengine/roomserver/api"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

// AddPublicRoutes sets up and registers HTTP handlers for the ClientAPI component.
func AddPublicRoutes(
	processContext *process.ProcessContext,
	routers httputil.Routers,
	cfg *config.SyncEngine,
	natsInstance *jetstream.NATSInstance,
	rsAPI roomserverAPI.RoomserverInternalAPI,
	userAPI userapi.UserInternalAPI,
) {
	js, _ := natsInstance.Prepare(processContext, &cfg.Global.JetStream)

	syncProducer := &producers.SyncAPIProducer{
		JetStream:              js,
		TopicReceiptEvent:      cfg.Global.JetStream.Prefixed(jetstream.OutputReceiptEvent),
		TopicSendToDeviceEvent: cfg.Global.JetStream.Prefixed(jetstream.OutputSendToDeviceEvent),
		TopicTypingEvent:       cfg.Global.JetStream.Prefixed(jetstream.OutputTypingEvent),
		TopicPresenceEvent:     cfg.Global.JetStream.Prefixed(jetstream.OutputPresenceEvent),
		TopicClientData:        cfg.Global.JetStream.Prefixed(jetstream.OutputClientData),
		UserAPI:                userAPI,
	}

	routing.Setup(routers.Client, &cfg.ClientAPI, rsAPI, userAPI, syncProducer)
}
