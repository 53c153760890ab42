// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package syncapi

import (
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/internal/caching"
	"github.com/element-hq/syncengine/internal/httputil"
	"github.com/element-hq/syncengine/internal/roomlock"
	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/consumers"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/routing"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/sync"
	userapi "github.com/element-hq/syncengine/userapi/api"
)

// NewDatabase opens the sync database. The roomserver appends to the same
// database, so both must be handed the same roomLocks.
func NewDatabase(
	cm *sqlutil.Connections,
	cfg *config.SyncEngine,
	caches *caching.Caches,
	roomLocks *roomlock.Registry,
) storage.Database {
	dbOpts := &cfg.SyncAPI.Database
	if dbOpts.ConnectionString == "" {
		dbOpts = &cfg.Global.DatabaseOptions
	}
	syncDB, err := storage.NewSyncServerDatasource(cm, dbOpts, caches, roomLocks)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to sync db")
	}
	return syncDB
}

type starter interface {
	Start() error
}

// AddPublicRoutes sets up and registers HTTP handlers for the SyncAPI
// component and starts the consumers feeding its database.
func AddPublicRoutes(
	processContext *process.ProcessContext,
	routers httputil.Routers,
	cfg *config.SyncEngine,
	natsInstance *jetstream.NATSInstance,
	syncDB storage.Database,
	userAPI userapi.UserInternalAPI,
	roomLocks *roomlock.Registry,
) {
	js, _ := natsInstance.Prepare(processContext, &cfg.Global.JetStream)
	ctx := processContext.Context()

	currentPos, err := syncDB.CurrentPosition(ctx)
	if err != nil {
		logrus.WithError(err).Panicf("failed to read the current sync position")
	}
	eduCache := caching.NewTypingCache()
	notifier := notifier.NewNotifier(currentPos)

	requestPool := sync.NewRequestPool(ctx, &cfg.SyncAPI, syncDB, notifier, eduCache, roomLocks)

	consumersToStart := map[string]starter{
		"room events":       consumers.NewOutputRoomEventConsumer(processContext, &cfg.SyncAPI, js, syncDB, notifier),
		"client data":       consumers.NewOutputClientDataConsumer(processContext, &cfg.SyncAPI, js, syncDB, notifier),
		"notification data": consumers.NewOutputNotificationDataConsumer(processContext, &cfg.SyncAPI, js, syncDB, notifier),
		"typing":            consumers.NewOutputTypingEventConsumer(processContext, &cfg.SyncAPI, js, syncDB, eduCache, notifier),
		"send-to-device":    consumers.NewOutputSendToDeviceEventConsumer(processContext, &cfg.SyncAPI, js, syncDB, notifier),
		"receipts":          consumers.NewOutputReceiptEventConsumer(processContext, &cfg.SyncAPI, js, syncDB, notifier),
		"presence":          consumers.NewPresenceConsumer(processContext, &cfg.SyncAPI, js, syncDB, notifier),
		"key changes":       consumers.NewOutputKeyChangeEventConsumer(processContext, &cfg.SyncAPI, js, syncDB, notifier),
	}
	for name, consumer := range consumersToStart {
		if err = consumer.Start(); err != nil {
			logrus.WithError(err).Panicf("failed to start %s consumer", name)
		}
	}

	routing.Setup(routers.Client, requestPool, userAPI)
}
