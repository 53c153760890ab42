// Copyright 2024 New Vector Ltd.
// Copyright 2020 The Matrix.org Foundation C.I.C.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package consumers

import (
	"context"
	"encoding/json"

	"github.com/getsentry/sentry-go"
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

// OutputKeyChangeEventConsumer consumes events that originated in the key server.
type OutputKeyChangeEventConsumer struct {
	ctx       context.Context
	jetstream nats.JetStreamContext
	durable   string
	topic     string
	db        storage.Database
	notifier  *notifier.Notifier
}

// NewOutputKeyChangeEventConsumer creates a new OutputKeyChangeEventConsumer.
// Call Start() to begin consuming from the key server.
func NewOutputKeyChangeEventConsumer(
	process *process.ProcessContext,
	cfg *config.SyncAPI,
	js nats.JetStreamContext,
	store storage.Database,
	notifier *notifier.Notifier,
) *OutputKeyChangeEventConsumer {
	return &OutputKeyChangeEventConsumer{
		ctx:       process.Context(),
		jetstream: js,
		topic:     cfg.Matrix.JetStream.Prefixed(jetstream.OutputKeyChangeEvent),
		durable:   cfg.Matrix.JetStream.Durable("SyncAPIKeyChangeConsumer"),
		db:        store,
		notifier:  notifier,
	}
}

// Start consuming from the key server
func (s *OutputKeyChangeEventConsumer) Start() error {
	return jetstream.JetStreamConsumer(
		s.ctx, s.jetstream, s.topic, s.durable, 1,
		s.onMessage, nats.DeliverAll(), nats.ManualAck(),
	)
}

func (s *OutputKeyChangeEventConsumer) onMessage(ctx context.Context, msgs []*nats.Msg) bool {
	msg := msgs[0] // Guaranteed to exist if onMessage is called
	var output types.OutputKeyChangeEvent
	if err := json.Unmarshal(msg.Data, &output); err != nil {
		// If the message was invalid, log it and move on to the next message in the stream
		logrus.WithError(err).Errorf("failed to read device message from key change topic")
		return true
	}
	logger := logrus.WithField("user_id", output.UserID)

	if output.OneTimeKeyCounts != nil {
		return s.onOneTimeKeyCounts(ctx, logger, &output)
	}

	pos, err := s.db.StoreKeyChange(ctx, output.UserID)
	if err != nil {
		logger.WithError(err).Error("Failed to store key change")
		sentry.CaptureException(err)
		return false
	}

	// Everyone who shares a room with the user has to refetch their keys.
	users, err := internal.UsersSharingRoomsWith(ctx, s.db, output.UserID)
	if err != nil {
		logger.WithError(err).Error("Failed to work out who shares rooms with the user")
		users = []string{output.UserID}
	}
	s.notifier.OnNewEvent(pos, users...)
	logger.WithField("position", pos).Debug("Stored key change")
	return true
}

func (s *OutputKeyChangeEventConsumer) onOneTimeKeyCounts(ctx context.Context, logger *logrus.Entry, output *types.OutputKeyChangeEvent) bool {
	for algorithm, count := range output.OneTimeKeyCounts {
		if err := s.db.StoreOneTimeKeyCount(ctx, output.UserID, output.DeviceID, algorithm, count); err != nil {
			logger.WithError(err).WithField("algorithm", algorithm).Error("Failed to store one-time key count")
			sentry.CaptureException(err)
			return false
		}
	}
	return true
}
