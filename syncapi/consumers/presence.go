// Copyright 2024 New Vector Ltd.
// Copyright 2022 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"github.com/element-hq/syncengine/setup/config"
	"github.com/element-hq/syncengine/setup/jetstream"
	"github.com/element-hq/syncengine/setup/process"
	"github.com/element-hq/syncengine/syncapi/internal"
	"github.com/element-hq/syncengine/syncapi/notifier"
	"github.com/element-hq/syncengine/syncapi/storage"
	"github.com/element-hq/syncengine/syncapi/types"
)

// PresenceConsumer consumes presence updates set by clients.
type PresenceConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

// NewPresenceConsumer creates a new PresenceConsumer.
// Call Start() to begin consuming events.
func NewPresenceConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	db storage.Database,
	notifier *notifier.Notifier,
) *PresenceConsumer {
	return &PresenceConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputPresenceEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIPresenceConsumer"),
		db:        db,
		notifier:  notifier,
	}
}

// Start consuming typing events.
func (s *PresenceConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *PresenceConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var output types.OutputPresenceEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		logrus.WithError(err).Error("presence output log: message parse failure")
		return true
	}
	logger := logrus.WithFields(logrus.Fields{
		"user_id":  output.UserID,
		"presence": output.Content.Presence,
	})

	pos, err := s.db.SetPresence(ctx, output.UserID, &output.Content)
	if err != nil {
		logger.WithError(err).Error("failed to store presence")
		return false
	}

	users, err := internal.UsersSharingRoomsWith(ctx, s.db, output.UserID)
	if err != nil {
		logger.WithError(err).Error("Failed to work out who shares rooms with the user")
		users = []string{output.UserID}
	}
	s.notifier.OnNewEvent(pos, users...)
	logger.Trace("Stored presence update")
	return true
}
