// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package userapi

import (
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/internal/sqlutil"
	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/userapi/internal"
	"github.com/element-hq/syncengine/userapi/producers"
	"github.com/element-hq/syncengine/userapi/storage"
)

// NewInternalAPI returns a concrete implementation of the internal API. Callers
// can decide via the returned value whether they want the API exposed directly.
func NewInternalAPI(
	processContext *process.ProcessContext,
	cfg *config.SyncEngine,
	cm *sqlutil.Connections,
	natsInstance *jetstream.NATSInstance,
) *internal.UserInternalAPI {
	js, _ := natsInstance.Prepare(processContext, &cfg.Global.JetStream)

	dbOpts := &cfg.UserAPI.AccountDatabase
	if dbOpts.ConnectionString == "" {
		dbOpts = &cfg.Global.DatabaseOptions
	}
	db, err := storage.NewUserDatabase(cm, dbOpts, cfg.Global.ServerName)
	if err != nil {
		logrus.WithError(err).Panicf("failed to connect to accounts db")
	}

	keyChangeProducer := &producers.KeyChange{
		Topic:     cfg.Global.JetStream.Prefixed(jetstream.OutputKeyChangeEvent),
		JetStream: js,
	}

	return &internal.UserInternalAPI{
		DB:                db,
		Config:            &cfg.UserAPI,
		KeyChangeProducer: keyChangeProducer,
	}
}
